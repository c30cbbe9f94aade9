package state

import (
	"strings"

	"github.com/danshapiro/xtalflow/internal/xtal/bestfiles"
	"github.com/danshapiro/xtalflow/internal/xtal/catalog"
	"github.com/danshapiro/xtalflow/internal/xtal/files"
	"github.com/danshapiro/xtalflow/internal/xtal/history"
	"github.com/danshapiro/xtalflow/internal/xtal/placement"
	"github.com/danshapiro/xtalflow/internal/xtal/runtime"
)

// Taxonomy nodes the detector reasons about by name.
const (
	CategoryModel          = "model"
	CategorySearchModel    = "search_model"
	CategoryLigand         = "ligand"
	CategoryFittedLigand   = "fitted_ligand"
	CategoryWithLigand     = "with_ligand_model"
	CategoryData           = "data_mtz"
	CategoryRFreeData      = "rfree_data_mtz"
	CategoryRefineMapCoefs = "refine_map_coeffs"
	CategoryMap            = "map"
	CategoryFullMap        = "full_map"
	CategoryHalfMap        = "half_map"
	CategoryOptimizedMap   = "optimized_map"
	CategorySharpenedMap   = "sharpened_map"
	CategorySequence       = "sequence"
)

// Evidence is everything observed about the session: files, history, and
// best files. It has no place for user directives.
type Evidence struct {
	Catalog    *catalog.Catalog
	Experiment catalog.ExperimentType
	Resolution float64
	Files      *files.Classification
	FilesLocal bool
	Best       *bestfiles.Tracker
	History    history.Analysis
	// Flags and Counts are the history's, after zombie reconciliation.
	Flags  map[string]bool
	Counts map[string]int
	Cycles int
	// Resolver overrides the catalog-default placement resolver.
	Resolver *placement.Resolver
}

// Context is the per-cycle view the phase detector, command builder and
// invariant conditions read. It is rebuilt from scratch every cycle.
type Context struct {
	Catalog    *catalog.Catalog
	Experiment catalog.ExperimentType
	Resolution float64
	Flags      map[string]bool
	Counts     map[string]int
	Metrics    runtime.Metrics
	Files      *files.Classification
	FilesLocal bool
	Best       *bestfiles.Tracker
	Directives []Directive

	Placement                 placement.Decision
	CellMismatch              bool
	PlacementProbed           bool
	PlacementProbeResult      string
	PlacementUncertain        bool
	HasPlacedModelFromHistory bool

	Cycles      int
	Succeeded   map[string]int
	Diagnostics []string
}

// NewContext combines evidence with directives. Placement is resolved from
// the evidence alone before directives are attached.
func NewContext(ev Evidence, directives []Directive) *Context {
	d := ResolvePlacement(ev, ev.Resolver)
	metrics := ev.History.Metrics.Clone()
	if metrics == nil {
		metrics = runtime.Metrics{}
	}
	res := ev.Resolution
	if res <= 0 {
		if v, ok := metrics.Get(runtime.MetricResolution); ok {
			res = v
		}
	}
	ctx := &Context{
		Catalog:                   ev.Catalog,
		Experiment:                ev.Experiment,
		Resolution:                res,
		Flags:                     copyFlags(ev.Flags),
		Counts:                    copyCounts(ev.Counts),
		Metrics:                   metrics,
		Files:                     ev.Files,
		FilesLocal:                ev.FilesLocal,
		Best:                      ev.Best,
		Directives:                append([]Directive{}, directives...),
		Placement:                 d,
		CellMismatch:              d.CellMismatch,
		PlacementProbed:           ev.History.PlacementProbed,
		PlacementProbeResult:      ev.History.PlacementProbeResult,
		PlacementUncertain:        d.Uncertain(),
		HasPlacedModelFromHistory: placedFromHistory(ev),
		Cycles:                    ev.Cycles,
		Succeeded:                 copyCounts(ev.History.Succeeded),
	}
	if ctx.Best == nil {
		ctx.Best = bestfiles.NewTracker(ev.Catalog, nil)
	}
	return ctx
}

// ResolvePlacement runs the placement resolver on evidence. A nil resolver
// uses the catalog default.
func ResolvePlacement(ev Evidence, r *placement.Resolver) placement.Decision {
	if r == nil {
		r = placement.NewResolver(ev.Catalog)
	}
	return r.Resolve(PlacementInput(ev))
}

// PlacementInput picks the model and reference the resolver compares: the
// best placed-candidate model (falling back to a search model) against the
// locked or best data file, or the best full map.
func PlacementInput(ev Evidence) placement.Input {
	in := placement.Input{
		Experiment:                ev.Experiment,
		FilesLocal:                ev.FilesLocal,
		HasPlacedModelFromHistory: placedFromHistory(ev),
		PlacementProbed:           ev.History.PlacementProbed,
		PlacementProbeResult:      ev.History.PlacementProbeResult,
	}
	in.ModelPath = pickFile(ev, []string{CategoryModel}, []string{CategorySearchModel, CategoryLigand})
	if in.ModelPath == "" {
		in.ModelPath = pickFile(ev, []string{CategorySearchModel}, []string{CategoryLigand})
	}
	if f, ok := ev.Files.Lookup(in.ModelPath); ok {
		in.ModelCategory = f.Category
	}
	if ev.Experiment == catalog.ExperimentCryoEM {
		in.ReferencePath = pickFile(ev, []string{CategoryFullMap}, nil)
	} else {
		in.ReferencePath = pickFile(ev, []string{CategoryData}, nil)
	}
	return in
}

// placedFromHistory drops placing runs whose done flag was cleared as a
// zombie, so their phase is offered again.
func placedFromHistory(ev Evidence) bool {
	return ev.History.PlacedModel(ev.Flags)
}

func pickFile(ev Evidence, cats, exclude []string) string {
	if ev.Best != nil {
		if e, ok := ev.Best.LockedFor(cats, exclude, ev.Files); ok {
			return e.Path
		}
		if e, ok := ev.Best.BestFor(cats, exclude, ev.Files); ok {
			return e.Path
		}
	}
	var last string
	for _, c := range cats {
		for _, p := range ev.Files.ByCategory(c) {
			skip := false
			for _, ex := range exclude {
				if ev.Files.InCategory(p, ex) {
					skip = true
					break
				}
			}
			if !skip {
				last = p
			}
		}
	}
	return last
}

// Get implements cond.Getter. Done flags default to false and counters to
// zero; has_<category> reports whether any file of that category is present.
func (c *Context) Get(key string) (any, bool) {
	switch key {
	case "experiment_type":
		return string(c.Experiment), true
	case "resolution":
		if c.Resolution <= 0 {
			return nil, false
		}
		return c.Resolution, true
	case "cycle", "cycles":
		return c.Cycles, true
	case "cell_mismatch":
		return c.CellMismatch, true
	case "placement_probed":
		return c.PlacementProbed, true
	case "placement_probe_result":
		return c.PlacementProbeResult, true
	case "placement_uncertain":
		return c.PlacementUncertain, true
	case "placement":
		return string(c.Placement.Outcome), true
	case "has_placed_model", "has_placed_model_from_history":
		return c.HasPlacedModelFromHistory, true
	case "locked_data_file":
		if e, ok := c.Best.Locked(CategoryData); ok {
			return e.Path, true
		}
		return "", true
	case runtime.MetricAnomalous:
		v, ok := c.Metrics.Get(key)
		if !ok {
			return nil, false
		}
		return v > 0.5, true
	}
	if v, ok := c.Metrics.Get(key); ok {
		return v, true
	}
	if strings.HasSuffix(key, "_done") {
		return c.Flags[key], true
	}
	if strings.HasSuffix(key, "_count") {
		return c.Counts[key], true
	}
	if name, ok := strings.CutPrefix(key, "has_"); ok {
		if _, known := c.Catalog.Category(name); known {
			return c.Files.Has(name), true
		}
	}
	return nil, false
}

// Has is shorthand for a present category.
func (c *Context) Has(category string) bool { return c.Files.Has(category) }

func (c *Context) Done(flag string) bool { return c.Flags[flag] }

func (c *Context) Count(counter string) int { return c.Counts[counter] }

func (c *Context) Metric(key string) (float64, bool) { return c.Metrics.Get(key) }

// ModelPlaced reports whether the placement evidence, or failing that a
// directive, says the model sits in the reference frame.
func (c *Context) ModelPlaced() bool {
	switch c.Placement.Outcome {
	case placement.Placed:
		return true
	case placement.Inconclusive:
		return c.hasDirective(func(d Directive) bool { _, ok := d.(ModelIsPlaced); return ok })
	}
	return false
}

func (c *Context) hasDirective(match func(Directive) bool) bool {
	for _, d := range c.Directives {
		if match(d) {
			return true
		}
	}
	return false
}

func (c *Context) note(msg string) {
	for _, d := range c.Diagnostics {
		if d == msg {
			return
		}
	}
	c.Diagnostics = append(c.Diagnostics, msg)
}

func copyFlags(m map[string]bool) map[string]bool {
	out := make(map[string]bool, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func copyCounts(m map[string]int) map[string]int {
	out := make(map[string]int, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
