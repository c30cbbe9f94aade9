package command

import (
	"fmt"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/danshapiro/xtalflow/internal/xtal/bestfiles"
	"github.com/danshapiro/xtalflow/internal/xtal/catalog"
	"github.com/danshapiro/xtalflow/internal/xtal/cond"
	"github.com/danshapiro/xtalflow/internal/xtal/files"
)

// Selection tiers, highest priority first.
const (
	TierHint      = "hint"
	TierLocked    = "locked"
	TierBest      = "best"
	TierCategory  = "category"
	TierExtension = "extension"
)

type BuildInput struct {
	Experiment catalog.ExperimentType
	Files      *files.Classification
	FilesLocal bool
	Best       *bestfiles.Tracker
	// Hints are file paths suggested by the oracle.
	Hints []string
	// Strategy maps oracle strategy names (or known flags) to values.
	Strategy map[string]string
	// Context answers invariant conditions and From lookups.
	Context cond.Getter
}

type SlotChoice struct {
	Slot  string   `json:"slot"`
	Files []string `json:"files"`
	Tier  string   `json:"tier"`
}

type BuildResult struct {
	Program      string       `json:"program"`
	Command      string       `json:"command,omitempty"`
	Inputs       []SlotChoice `json:"inputs,omitempty"`
	MissingSlots []string     `json:"missing_slots,omitempty"`
	Notes        []string     `json:"notes,omitempty"`
}

func (r BuildResult) OK() bool { return r.Command != "" && len(r.MissingSlots) == 0 }

type Builder struct {
	cat   *catalog.Catalog
	sniff func(path string) (files.SniffResult, error)
}

func NewBuilder(c *catalog.Catalog) *Builder {
	return &Builder{
		cat: c,
		sniff: func(path string) (files.SniffResult, error) {
			return files.SniffFile(path, c.Sniff.PrefixBytes, c.Sniff.MaxSmallRecords)
		},
	}
}

// Build selects input files slot by slot and renders the command line. When
// a required slot or a required invariant cannot be satisfied the result has
// no command and lists what is missing.
func (b *Builder) Build(program string, in BuildInput) BuildResult {
	prog, ok := b.cat.Program(program)
	if !ok {
		return BuildResult{Program: program, MissingSlots: []string{"program"}, Notes: []string{"unknown program " + program}}
	}
	res := BuildResult{Program: prog.Name}
	used := map[string]bool{}
	tokens := []string{prog.Name}

	for _, slot := range prog.SlotsFor(in.Experiment) {
		choice, ok := b.fillSlot(slot, in, used)
		if !ok {
			if slot.Required {
				res.MissingSlots = append(res.MissingSlots, slot.Name)
			}
			continue
		}
		res.Inputs = append(res.Inputs, choice)
		for _, p := range choice.Files {
			used[p] = true
			if slot.Param != "" {
				tokens = append(tokens, slot.Param+"="+quoteIfNeeded(p))
			} else {
				tokens = append(tokens, quoteIfNeeded(p))
			}
		}
	}

	tokens = append(tokens, b.strategyTokens(prog, in.Strategy, &res)...)

	for _, inv := range prog.Invariants {
		if ok, err := cond.Evaluate(inv.When, in.Context); err != nil || !ok {
			continue
		}
		if hasKey(tokens, inv.Param) {
			continue
		}
		v := inv.Value
		if v == "" && inv.From != "" {
			v = contextValue(in.Context, inv.From)
		}
		if v == "" {
			if inv.Required {
				missing := inv.From
				if missing == "" {
					missing = inv.Name
				}
				res.MissingSlots = append(res.MissingSlots, missing)
			}
			continue
		}
		tokens = append(tokens, Assignment{Key: inv.Param, Value: v}.String())
		res.Notes = append(res.Notes, "invariant "+inv.Name)
	}

	if len(res.MissingSlots) > 0 {
		return res
	}
	res.Command = Join(tokens)
	return res
}

func (b *Builder) fillSlot(slot catalog.InputSlot, in BuildInput, used map[string]bool) (SlotChoice, bool) {
	need := slot.Count
	if need <= 0 {
		need = 1
	}
	choice := SlotChoice{Slot: slot.Name}
	take := func(tier string, paths ...string) {
		for _, p := range paths {
			if len(choice.Files) >= need || used[p] || contains(choice.Files, p) {
				continue
			}
			choice.Files = append(choice.Files, p)
			if choice.Tier == "" {
				choice.Tier = tier
			}
		}
	}

	// 1. Oracle hints.
	for _, h := range in.Hints {
		f, ok := in.Files.Lookup(h)
		if !ok || !b.inSlot(slot, f) || b.excluded(slot, f.Path, in.Files) || !b.guardOK(slot, f, in.FilesLocal) {
			continue
		}
		take(TierHint, f.Path)
	}
	if len(choice.Files) >= need {
		return choice, true
	}

	// 2. Locked file, 3. best file.
	if in.Best != nil {
		if e, ok := in.Best.LockedFor(slot.Categories, slot.ExcludeCategories, in.Files); ok && b.guardPath(slot, e.Path, in) {
			take(TierLocked, e.Path)
		}
		if len(choice.Files) < need {
			if e, ok := in.Best.BestFor(slot.Categories, slot.ExcludeCategories, in.Files); ok && b.guardPath(slot, e.Path, in) {
				take(TierBest, e.Path)
			}
		}
	}
	if len(choice.Files) >= need {
		return choice, true
	}

	// 4. Classified lookup, preferred subcategories first.
	for _, name := range append(append([]string{}, slot.PreferSubcategories...), slot.Categories...) {
		take(TierCategory, b.pick(slot, in, in.Files.ByCategory(name), need-len(choice.Files))...)
		if len(choice.Files) >= need {
			return choice, true
		}
	}

	// 5. Extension fallback.
	if !slot.RequireBestFilesOnly && len(slot.Extensions) > 0 {
		var paths []string
		for _, f := range in.Files.Files() {
			if hasExt(slot.Extensions, f.Ext) {
				paths = append(paths, f.Path)
			}
		}
		for _, p := range in.Files.Unclassified() {
			if hasExt(slot.Extensions, strings.ToLower(filepath.Ext(p))) {
				paths = append(paths, p)
			}
		}
		take(TierExtension, b.pick(slot, in, paths, need-len(choice.Files))...)
	}
	return choice, len(choice.Files) >= need
}

// pick filters candidates and returns up to n of them. A single-file slot
// takes the last listed candidate, the most recent output; multi-file slots
// keep listing order.
func (b *Builder) pick(slot catalog.InputSlot, in BuildInput, paths []string, n int) []string {
	var ok []string
	for _, p := range paths {
		if b.excluded(slot, p, in.Files) || !b.guardPath(slot, p, in) {
			continue
		}
		ok = append(ok, p)
	}
	if len(ok) == 0 || n <= 0 {
		return nil
	}
	if n == 1 && slot.Count <= 1 {
		return ok[len(ok)-1:]
	}
	if len(ok) > n {
		ok = ok[:n]
	}
	return ok
}

func (b *Builder) inSlot(slot catalog.InputSlot, f files.File) bool {
	for _, c := range slot.Categories {
		if b.cat.IsA(f.Category, c) {
			return true
		}
	}
	return false
}

func (b *Builder) excluded(slot catalog.InputSlot, path string, cl *files.Classification) bool {
	for _, ex := range slot.ExcludeCategories {
		if cl.InCategory(path, ex) {
			return true
		}
	}
	return false
}

func (b *Builder) guardPath(slot catalog.InputSlot, path string, in BuildInput) bool {
	if slot.Guard == "" {
		return true
	}
	f, ok := in.Files.Lookup(path)
	if !ok {
		f = files.File{Path: path, Base: filepath.Base(path), Ext: strings.ToLower(filepath.Ext(path))}
	}
	return b.guardOK(slot, f, in.FilesLocal)
}

// guardOK keeps small molecules out of model slots and proteins out of
// ligand slots.
func (b *Builder) guardOK(slot catalog.InputSlot, f files.File, local bool) bool {
	switch slot.Guard {
	case catalog.GuardModel:
		if f.Category != "" && b.cat.IsA(f.Category, b.cat.Sniff.SmallMoleculeCategory) {
			return false
		}
		return b.verdict(f, local) != files.VerdictSmallMolecule
	case catalog.GuardLigand:
		return b.verdict(f, local) != files.VerdictProtein
	}
	return true
}

func (b *Builder) verdict(f files.File, local bool) files.Verdict {
	if f.Sniff != nil {
		return f.Sniff.Verdict
	}
	if !local || !coordinateExt(f.Ext) || b.sniff == nil {
		return files.VerdictNone
	}
	res, err := b.sniff(f.Path)
	if err != nil {
		return files.VerdictNone
	}
	return res.Verdict
}

func (b *Builder) strategyTokens(prog *catalog.Program, strategy map[string]string, res *BuildResult) []string {
	keys := make([]string, 0, len(strategy))
	for k := range strategy {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var out []string
	for _, k := range keys {
		v := strings.TrimSpace(strategy[k])
		if v == "" {
			continue
		}
		param := prog.Strategy[k]
		if param == "" {
			if !prog.KnowsFlag(k) && !strings.Contains(k, ".") {
				res.Notes = append(res.Notes, "dropped strategy "+k)
				continue
			}
			param = k
		}
		out = append(out, Assignment{Key: param, Value: v}.String())
	}
	return out
}

func contextValue(ctx cond.Getter, key string) string {
	if ctx == nil {
		return ""
	}
	v, ok := ctx.Get(key)
	if !ok || v == nil {
		return ""
	}
	switch x := v.(type) {
	case float64:
		if x <= 0 {
			return ""
		}
		return strconv.FormatFloat(x, 'f', -1, 64)
	case string:
		return strings.TrimSpace(x)
	default:
		return fmt.Sprint(x)
	}
}

func hasKey(tokens []string, key string) bool {
	for _, t := range tokens {
		if a, ok := SplitAssignment(t); ok && KeysMatch(a.Key, key) {
			return true
		}
	}
	return false
}

func hasExt(exts []string, ext string) bool {
	for _, e := range exts {
		if strings.EqualFold(e, ext) {
			return true
		}
	}
	return false
}

func coordinateExt(ext string) bool {
	switch ext {
	case ".pdb", ".ent", ".cif", ".mmcif":
		return true
	}
	return false
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
