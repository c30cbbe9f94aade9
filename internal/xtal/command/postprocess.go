package command

import (
	"strings"

	"github.com/danshapiro/xtalflow/internal/xtal/catalog"
)

// Symmetry is a validated-later crystal symmetry hint.
type Symmetry struct {
	UnitCell   string
	SpaceGroup string
}

type PostInput struct {
	// Settings are user key=value overrides, in the order they were given.
	Settings []Assignment
	// Forced are recovery overrides. They bypass scope matching but never
	// the blacklist.
	Forced   []Assignment
	Symmetry Symmetry
}

type PostProcessor struct {
	cat *catalog.Catalog
}

func NewPostProcessor(c *catalog.Catalog) *PostProcessor {
	return &PostProcessor{cat: c}
}

// Process runs sanitize, overrides, symmetry and defaults in that order and
// returns the final command with one note per change.
func (p *PostProcessor) Process(cmd string, in PostInput) (string, []string) {
	tokens := Tokenize(cmd)
	if len(tokens) == 0 {
		return "", nil
	}
	prog, ok := p.cat.Program(tokens[0])
	if !ok {
		return Join(tokens), []string{"unknown program " + tokens[0]}
	}
	var notes []string
	tokens, notes = p.Sanitize(prog, tokens, notes)
	tokens, notes = p.ApplyOverrides(prog, tokens, in.Settings, in.Forced, notes)
	tokens, notes = p.ApplySymmetry(prog, tokens, in.Symmetry, notes)
	tokens, notes = p.ApplyDefaults(prog, tokens, notes)
	return Join(tokens), notes
}

// Sanitize drops blacklisted keys, implausible symmetry values, every
// non-file token of probe programs, and bare keys outside the allowlist.
func (p *PostProcessor) Sanitize(prog *catalog.Program, tokens []string, notes []string) ([]string, []string) {
	out := []string{tokens[0]}
	for _, tok := range tokens[1:] {
		a, isAssign := SplitAssignment(tok)
		if prog.ProbeOnly {
			if IsFileToken(tok) {
				out = append(out, tok)
			} else {
				notes = append(notes, "probe: dropped "+tok)
			}
			continue
		}
		if !isAssign {
			bare := strings.TrimLeft(tok, "-")
			if IsFileToken(tok) || prog.KnowsFlag(bare) {
				out = append(out, tok)
			} else {
				notes = append(notes, "dropped unknown flag "+tok)
			}
			continue
		}
		switch {
		case blacklisted(prog, a.Key):
			notes = append(notes, "dropped blacklisted "+a.Key)
		case IsFileToken(tok):
			out = append(out, tok)
		case LeafKey(a.Key) == "space_group" && !ValidSpaceGroup(a.Value):
			notes = append(notes, "dropped invalid space group "+a.Value)
		case LeafKey(a.Key) == "unit_cell" && !ValidUnitCell(a.Value):
			notes = append(notes, "dropped invalid unit cell "+a.Value)
		case !a.Scoped() && !prog.KnowsFlag(a.Key) && !p.slotParam(prog, a.Key):
			notes = append(notes, "dropped unknown parameter "+a.Key)
		default:
			out = append(out, tok)
		}
	}
	return out, notes
}

// ApplyOverrides injects user settings that pass scope matching, then forced
// recovery values. An existing key is replaced in place.
func (p *PostProcessor) ApplyOverrides(prog *catalog.Program, tokens []string, settings, forced []Assignment, notes []string) ([]string, []string) {
	if prog.ProbeOnly {
		return tokens, notes
	}
	for _, a := range settings {
		if blacklisted(prog, a.Key) {
			notes = append(notes, "override blacklisted "+a.Key)
			continue
		}
		if !p.acceptsKey(prog, a.Key) {
			notes = append(notes, "override out of scope "+a.Key)
			continue
		}
		if !validSymmetryValue(a) {
			notes = append(notes, "override invalid "+a.Key)
			continue
		}
		tokens = upsert(tokens, a)
		notes = append(notes, "override "+a.String())
	}
	for _, a := range forced {
		if blacklisted(prog, a.Key) {
			continue
		}
		tokens = upsert(tokens, a)
		notes = append(notes, "forced "+a.String())
	}
	return tokens, notes
}

func (p *PostProcessor) ApplySymmetry(prog *catalog.Program, tokens []string, sym Symmetry, notes []string) ([]string, []string) {
	if prog.ProbeOnly {
		return tokens, notes
	}
	add := func(param, value string, valid func(string) bool) {
		if param == "" || value == "" || blacklisted(prog, param) {
			return
		}
		if !valid(value) {
			notes = append(notes, "symmetry rejected "+value)
			return
		}
		if hasLeaf(tokens, LeafKey(param)) {
			return
		}
		a := Assignment{Key: param, Value: value}
		tokens = append(tokens, a.String())
		notes = append(notes, "symmetry "+a.String())
	}
	add(prog.Symmetry.UnitCell, NormalizeUnitCell(sym.UnitCell), ValidUnitCell)
	add(prog.Symmetry.SpaceGroup, strings.TrimSpace(sym.SpaceGroup), ValidSpaceGroup)
	return tokens, notes
}

func (p *PostProcessor) ApplyDefaults(prog *catalog.Program, tokens []string, notes []string) ([]string, []string) {
	if prog.ProbeOnly {
		return tokens, notes
	}
	for _, d := range prog.Defaults {
		if blacklisted(prog, d.Key) || hasKey(tokens, d.Key) {
			continue
		}
		a := Assignment{Key: d.Key, Value: d.Value}
		tokens = append(tokens, a.String())
		notes = append(notes, "default "+a.String())
	}
	return tokens, notes
}

// acceptsKey applies the override scope rules: bare keys need the allowlist;
// scoped keys need a universal scope, a declared program scope, or a scope
// that prefix-matches the program short name with at least four characters.
func (p *PostProcessor) acceptsKey(prog *catalog.Program, key string) bool {
	i := strings.IndexByte(key, '.')
	if i < 0 {
		return prog.KnowsFlag(key) || p.slotParam(prog, key)
	}
	scope := strings.ToLower(key[:i])
	for _, s := range p.cat.UniversalScopes {
		if scope == s {
			return true
		}
	}
	for _, s := range prog.Scopes {
		if scope == s {
			return true
		}
	}
	short := prog.ShortName()
	n := len(scope)
	if len(short) < n {
		n = len(short)
	}
	return n >= 4 && (strings.HasPrefix(short, scope) || strings.HasPrefix(scope, short))
}

func (p *PostProcessor) slotParam(prog *catalog.Program, key string) bool {
	for _, s := range prog.Inputs {
		if s.Param != "" && s.Param == key {
			return true
		}
	}
	return false
}

func blacklisted(prog *catalog.Program, key string) bool {
	for _, b := range prog.Blacklist {
		if KeysMatch(key, b) {
			return true
		}
	}
	return false
}

func validSymmetryValue(a Assignment) bool {
	switch LeafKey(a.Key) {
	case "space_group":
		return ValidSpaceGroup(a.Value)
	case "unit_cell":
		return ValidUnitCell(a.Value)
	}
	return true
}

func hasLeaf(tokens []string, leaf string) bool {
	for _, t := range tokens {
		if a, ok := SplitAssignment(t); ok && LeafKey(a.Key) == leaf {
			return true
		}
	}
	return false
}

func upsert(tokens []string, a Assignment) []string {
	for i, t := range tokens {
		if cur, ok := SplitAssignment(t); ok && KeysMatch(cur.Key, a.Key) {
			tokens[i] = Assignment{Key: cur.Key, Value: a.Value}.String()
			return tokens
		}
	}
	return append(tokens, a.String())
}
