package catalog

import (
	"fmt"
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/go-playground/validator/v10"

	"github.com/danshapiro/xtalflow/internal/xtal/cond"
)

type Severity string

const (
	SeverityError   Severity = "ERROR"
	SeverityWarning Severity = "WARNING"
	SeverityInfo    Severity = "INFO"
)

type Diagnostic struct {
	Rule     string   `json:"rule"`
	Severity Severity `json:"severity"`
	Message  string   `json:"message"`
	Program  string   `json:"program,omitempty"`
	Category string   `json:"category,omitempty"`
}

var structValidator = validator.New()

func validate(c *Catalog) error {
	if c == nil {
		return fmt.Errorf("catalog is nil")
	}
	if c.Version != 1 {
		return fmt.Errorf("unsupported catalog version: %d", c.Version)
	}
	if err := structValidator.Struct(c); err != nil {
		return fmt.Errorf("catalog: %w", err)
	}
	for _, d := range Lint(c) {
		if d.Severity == SeverityError {
			return fmt.Errorf("catalog: %s: %s", d.Rule, d.Message)
		}
	}
	return nil
}

// Lint runs cross-reference checks that struct tags cannot express.
func Lint(c *Catalog) []Diagnostic {
	if c == nil {
		return []Diagnostic{{Rule: "catalog_nil", Severity: SeverityError, Message: "catalog is nil"}}
	}
	var diags []Diagnostic
	diags = append(diags, lintCategoryNames(c)...)
	diags = append(diags, lintCategoryParents(c)...)
	diags = append(diags, lintCategoryCycles(c)...)
	diags = append(diags, lintPatterns(c)...)
	diags = append(diags, lintProgramNames(c)...)
	diags = append(diags, lintSlotCategories(c)...)
	diags = append(diags, lintConditions(c)...)
	diags = append(diags, lintProbes(c)...)
	diags = append(diags, lintZombies(c)...)
	diags = append(diags, lintSniff(c)...)
	return diags
}

func categorySet(c *Catalog) map[string]*Category {
	out := make(map[string]*Category, len(c.Categories))
	for i := range c.Categories {
		out[c.Categories[i].Name] = &c.Categories[i]
	}
	return out
}

func lintCategoryNames(c *Catalog) []Diagnostic {
	var diags []Diagnostic
	seen := map[string]bool{}
	for _, cat := range c.Categories {
		if seen[cat.Name] {
			diags = append(diags, Diagnostic{Rule: "category_duplicate", Severity: SeverityError, Category: cat.Name,
				Message: fmt.Sprintf("category %q declared more than once", cat.Name)})
		}
		seen[cat.Name] = true
	}
	return diags
}

func lintCategoryParents(c *Catalog) []Diagnostic {
	var diags []Diagnostic
	cats := categorySet(c)
	for _, cat := range c.Categories {
		for _, p := range cat.Parents {
			if _, ok := cats[p]; !ok {
				diags = append(diags, Diagnostic{Rule: "category_parent_unknown", Severity: SeverityError, Category: cat.Name,
					Message: fmt.Sprintf("category %q has unknown parent %q", cat.Name, p)})
			}
		}
		if cat.LockQualifier != "" {
			if _, ok := cats[cat.LockQualifier]; !ok {
				diags = append(diags, Diagnostic{Rule: "category_lock_qualifier_unknown", Severity: SeverityError, Category: cat.Name,
					Message: fmt.Sprintf("category %q lock_qualifier %q is not a category", cat.Name, cat.LockQualifier)})
			}
		}
		if cat.Policy != PolicyLockOnFirst && cat.LockQualifier != "" {
			diags = append(diags, Diagnostic{Rule: "category_lock_qualifier_unused", Severity: SeverityWarning, Category: cat.Name,
				Message: fmt.Sprintf("category %q sets lock_qualifier without policy=lock_on_first", cat.Name)})
		}
	}
	return diags
}

func lintCategoryCycles(c *Catalog) []Diagnostic {
	cats := categorySet(c)
	const (
		unvisited = 0
		visiting  = 1
		done      = 2
	)
	state := map[string]int{}
	var cyclic []string
	var visit func(name string) bool
	visit = func(name string) bool {
		switch state[name] {
		case visiting:
			return true
		case done:
			return false
		}
		state[name] = visiting
		if cat := cats[name]; cat != nil {
			for _, p := range cat.Parents {
				if visit(p) {
					state[name] = done
					return true
				}
			}
		}
		state[name] = done
		return false
	}
	for _, cat := range c.Categories {
		if state[cat.Name] == unvisited && visit(cat.Name) {
			cyclic = append(cyclic, cat.Name)
		}
	}
	if len(cyclic) == 0 {
		return nil
	}
	sort.Strings(cyclic)
	return []Diagnostic{{Rule: "category_cycle", Severity: SeverityError,
		Message: fmt.Sprintf("category parent edges form a cycle through: %s", strings.Join(cyclic, ", "))}}
}

func lintPatterns(c *Catalog) []Diagnostic {
	var diags []Diagnostic
	for _, cat := range c.Categories {
		for _, p := range cat.Patterns {
			if !doublestar.ValidatePattern(strings.ToLower(p)) {
				diags = append(diags, Diagnostic{Rule: "category_pattern_invalid", Severity: SeverityError, Category: cat.Name,
					Message: fmt.Sprintf("invalid pattern %q", p)})
			}
		}
	}
	for _, pref := range c.LabelPreferences {
		for _, p := range pref.Programs {
			if !doublestar.ValidatePattern(p) {
				diags = append(diags, Diagnostic{Rule: "label_preference_pattern_invalid", Severity: SeverityError,
					Message: fmt.Sprintf("invalid program pattern %q", p)})
			}
		}
	}
	return diags
}

func lintProgramNames(c *Catalog) []Diagnostic {
	var diags []Diagnostic
	seen := map[string]bool{}
	for _, p := range c.Programs {
		if seen[p.Name] {
			diags = append(diags, Diagnostic{Rule: "program_duplicate", Severity: SeverityError, Program: p.Name,
				Message: fmt.Sprintf("program %q declared more than once", p.Name)})
		}
		seen[p.Name] = true
		if p.Counter != "" && p.DoneFlag == "" {
			diags = append(diags, Diagnostic{Rule: "program_counter_without_flag", Severity: SeverityWarning, Program: p.Name,
				Message: "counter is set but done_flag is empty"})
		}
	}
	return diags
}

func lintSlotCategories(c *Catalog) []Diagnostic {
	var diags []Diagnostic
	cats := categorySet(c)
	check := func(prog, slot, name string) {
		if _, ok := cats[name]; !ok {
			diags = append(diags, Diagnostic{Rule: "slot_category_unknown", Severity: SeverityError, Program: prog,
				Message: fmt.Sprintf("slot %q references unknown category %q", slot, name)})
		}
	}
	for _, p := range c.Programs {
		for _, s := range p.Inputs {
			for _, n := range s.Categories {
				check(p.Name, s.Name, n)
			}
			for _, n := range s.ExcludeCategories {
				check(p.Name, s.Name, n)
			}
			for _, n := range s.PreferSubcategories {
				check(p.Name, s.Name, n)
			}
			if s.RequireBestFilesOnly && len(s.Extensions) > 0 {
				diags = append(diags, Diagnostic{Rule: "slot_extensions_unused", Severity: SeverityInfo, Program: p.Name,
					Message: fmt.Sprintf("slot %q declares extensions but require_best_files_only disables extension fallback", s.Name)})
			}
		}
		for _, n := range p.RequiresAny {
			check(p.Name, "requires_any", n)
		}
	}
	return diags
}

func lintConditions(c *Catalog) []Diagnostic {
	var diags []Diagnostic
	for _, p := range c.Programs {
		if err := cond.Check(p.When); err != nil {
			diags = append(diags, Diagnostic{Rule: "program_when_syntax", Severity: SeverityError, Program: p.Name, Message: err.Error()})
		}
		for _, inv := range p.Invariants {
			if err := cond.Check(inv.When); err != nil {
				diags = append(diags, Diagnostic{Rule: "invariant_when_syntax", Severity: SeverityError, Program: p.Name,
					Message: fmt.Sprintf("invariant %q: %v", inv.Name, err)})
			}
			if inv.Value == "" && inv.From == "" {
				diags = append(diags, Diagnostic{Rule: "invariant_value_missing", Severity: SeverityError, Program: p.Name,
					Message: fmt.Sprintf("invariant %q needs value or from", inv.Name)})
			}
		}
	}
	return diags
}

func lintProbes(c *Catalog) []Diagnostic {
	var diags []Diagnostic
	for _, exp := range []ExperimentType{ExperimentXray, ExperimentCryoEM} {
		n := 0
		for _, p := range c.ProgramsFor(exp) {
			if p.Role != RoleProbe {
				continue
			}
			n++
			if p.Probe == nil {
				diags = append(diags, Diagnostic{Rule: "probe_metric_missing", Severity: SeverityError, Program: p.Name,
					Message: "probe role requires a probe metric"})
			}
		}
		if n > 1 {
			diags = append(diags, Diagnostic{Rule: "probe_ambiguous", Severity: SeverityError,
				Message: fmt.Sprintf("experiment %s has %d probe programs; want at most one", exp, n)})
		}
	}
	return diags
}

func lintZombies(c *Catalog) []Diagnostic {
	var diags []Diagnostic
	flags := map[string]bool{}
	for _, p := range c.Programs {
		if p.DoneFlag != "" {
			flags[p.DoneFlag] = true
		}
		for _, cs := range p.Cascades {
			flags[cs.Flag] = true
		}
	}
	for _, z := range c.Zombies {
		if !flags[z.Flag] {
			diags = append(diags, Diagnostic{Rule: "zombie_flag_unknown", Severity: SeverityWarning,
				Message: fmt.Sprintf("zombie rule references flag %q that no program sets", z.Flag)})
		}
		for _, p := range z.Patterns {
			if !doublestar.ValidatePattern(strings.ToLower(p)) {
				diags = append(diags, Diagnostic{Rule: "zombie_pattern_invalid", Severity: SeverityError,
					Message: fmt.Sprintf("zombie rule %q: invalid pattern %q", z.Flag, p)})
			}
		}
	}
	return diags
}

func lintSniff(c *Catalog) []Diagnostic {
	cats := categorySet(c)
	sniffing := false
	for _, cat := range c.Categories {
		sniffing = sniffing || cat.Sniff
	}
	if !sniffing {
		return nil
	}
	var diags []Diagnostic
	for _, name := range []string{c.Sniff.SmallMoleculeCategory, c.Sniff.ProteinCategory} {
		if _, ok := cats[name]; !ok {
			diags = append(diags, Diagnostic{Rule: "sniff_category_unknown", Severity: SeverityError,
				Message: fmt.Sprintf("sniff target %q is not a category", name)})
		}
	}
	return diags
}
