package state

import (
	"fmt"

	"github.com/danshapiro/xtalflow/internal/xtal/catalog"
	"github.com/danshapiro/xtalflow/internal/xtal/cond"
	"github.com/danshapiro/xtalflow/internal/xtal/placement"
	"github.com/danshapiro/xtalflow/internal/xtal/runtime"
)

type Phase string

const (
	PhaseInitial        Phase = "initial"
	PhaseAnalyzeData    Phase = "analyze_data"
	PhaseAnalyzeMap     Phase = "analyze_map"
	PhaseImproveMap     Phase = "improve_map"
	PhaseObtainModel    Phase = "obtain_model"
	PhaseProbePlacement Phase = "probe_placement"
	PhaseRefine         Phase = "refine"
	PhaseValidate       Phase = "validate"
	PhaseComplete       Phase = "complete"
)

// Stop is the pseudo-program that ends the workflow.
const Stop = "STOP"

// phaseRoles lists, in preference order, the program roles a phase offers.
var phaseRoles = map[Phase][]string{
	PhaseAnalyzeData:    {catalog.RoleAnalyze},
	PhaseAnalyzeMap:     {catalog.RoleAnalyze},
	PhaseImproveMap:     {catalog.RoleMap},
	PhaseObtainModel:    {catalog.RolePrepare, catalog.RolePlace, catalog.RolePhasing, catalog.RoleBuild},
	PhaseProbePlacement: {catalog.RoleProbe},
	PhaseRefine:         {catalog.RoleLigand, catalog.RoleRefine, catalog.RoleRebuild},
	PhaseValidate:       {catalog.RoleLigand, catalog.RoleRefine, catalog.RoleValidate},
}

// DetectPhase walks the experiment's state machine. Analysis and map
// improvement phases are passed over when nothing in them can run.
func DetectPhase(ctx *Context) Phase {
	if ctx.Experiment == catalog.ExperimentCryoEM {
		return detectCryoEM(ctx)
	}
	return detectXray(ctx)
}

func detectXray(ctx *Context) Phase {
	if !ctx.Has(CategoryData) {
		ctx.note("phase initial: no reflection data")
		return PhaseInitial
	}
	if !ctx.Done("xtriage_done") && len(programsFor(ctx, PhaseAnalyzeData)) > 0 {
		return PhaseAnalyzeData
	}
	return modelPhase(ctx)
}

func detectCryoEM(ctx *Context) Phase {
	if !ctx.Has(CategoryFullMap) && !ctx.Has(CategoryHalfMap) {
		ctx.note("phase initial: no map")
		return PhaseInitial
	}
	if !ctx.Done("mtriage_done") && len(programsFor(ctx, PhaseAnalyzeMap)) > 0 {
		return PhaseAnalyzeMap
	}
	if mapImprovementPending(ctx) && len(programsFor(ctx, PhaseImproveMap)) > 0 {
		return PhaseImproveMap
	}
	return modelPhase(ctx)
}

func mapImprovementPending(ctx *Context) bool {
	if ctx.Has(CategoryOptimizedMap) || ctx.Has(CategorySharpenedMap) {
		return false
	}
	if ctx.Done("resolve_cryo_em_done") || ctx.Done("map_sharpening_done") {
		return false
	}
	return !ctx.ModelPlaced()
}

func modelPhase(ctx *Context) Phase {
	switch ctx.Placement.Outcome {
	case placement.Placed:
		return refinePhase(ctx)
	case placement.NeedsProbe:
		if !ctx.PlacementProbed && len(programsFor(ctx, PhaseProbePlacement)) > 0 {
			ctx.note("placement uncertain: probing")
			return PhaseProbePlacement
		}
		return PhaseObtainModel
	case placement.Inconclusive:
		if ctx.ModelPlaced() {
			ctx.note("placement inconclusive: following model-is-placed directive")
			return refinePhase(ctx)
		}
		return PhaseObtainModel
	case placement.NeedsReposition:
		ctx.note("placement: " + ctx.Placement.Reason)
		return PhaseObtainModel
	default:
		return PhaseObtainModel
	}
}

func refinePhase(ctx *Context) Phase {
	prog := ctx.refineProgram()
	if prog == nil || prog.Counter == "" {
		return PhaseRefine
	}
	n := ctx.Count(prog.Counter)
	if n == 0 {
		return PhaseRefine
	}
	run := ctx.Catalog.Run
	stop, why := false, ""
	if ctx.Experiment == catalog.ExperimentCryoEM {
		if cc, ok := ctx.Metric(runtime.MetricMapCC); ok {
			switch {
			case run.TargetMapCC > 0 && cc >= run.TargetMapCC:
				stop, why = true, fmt.Sprintf("map CC %.3f at target %.2f", cc, run.TargetMapCC)
			case run.HopelessMapCC > 0 && cc < run.HopelessMapCC:
				stop, why = true, fmt.Sprintf("map CC %.3f below %.2f after %d cycles", cc, run.HopelessMapCC, n)
			}
		}
	} else if rf, ok := ctx.Metric(runtime.MetricRFree); ok {
		target := run.TargetRFree(ctx.Resolution)
		switch {
		case rf <= target:
			stop, why = true, fmt.Sprintf("R-free %.3f at target %.3f", rf, target)
		case run.HopelessRFree > 0 && rf > run.HopelessRFree:
			stop, why = true, fmt.Sprintf("R-free %.3f above %.2f after %d cycles", rf, run.HopelessRFree, n)
		}
	}
	if !stop && run.MaxRefineCycles > 0 && n >= run.MaxRefineCycles {
		stop, why = true, fmt.Sprintf("%d refinement cycles reached the cap", n)
	}
	if !stop {
		return PhaseRefine
	}
	ctx.note("validate: " + why)
	if ctx.validated() && !ctx.ligandUnfitted() {
		return PhaseComplete
	}
	return PhaseValidate
}

// ValidPrograms lists what may run in phase, in preference order: programs
// for the phase's roles, minus finished one-shot programs and failed When
// gates, adjusted by directives, minus anything whose required inputs are
// absent. STOP is offered where finishing is legitimate.
func ValidPrograms(ctx *Context, phase Phase) []string {
	if phase == PhaseComplete {
		return []string{Stop}
	}
	if d, ok := ctx.afterDirectiveSatisfied(); ok {
		ctx.note("stop: " + d.Program + " has run as requested")
		return []string{Stop}
	}
	list := programsFor(ctx, phase)

	if phase == PhaseInitial || phase == PhaseValidate {
		list = append(list, Stop)
	}
	return list
}

// programsFor is the phase's program list before STOP is added.
func programsFor(ctx *Context, phase Phase) []string {
	var progs []*catalog.Program
	seen := map[string]bool{}
	for _, role := range phaseRoles[phase] {
		for _, p := range ctx.Catalog.ProgramsFor(ctx.Experiment) {
			if p.Role != role || seen[p.Name] {
				continue
			}
			if !ctx.phaseAdmits(phase, p) {
				continue
			}
			seen[p.Name] = true
			progs = append(progs, p)
		}
	}

	var out []*catalog.Program
	for _, p := range progs {
		if ctx.finished(p) {
			continue
		}
		if ok, err := cond.Evaluate(p.When, ctx); err != nil || !ok {
			continue
		}
		out = append(out, p)
	}

	out = ctx.applyDirectives(out)

	names := make([]string, 0, len(out))
	for _, p := range out {
		if why := ctx.missingPrerequisite(p); why != "" {
			ctx.note(p.Name + " unavailable: " + why)
			continue
		}
		names = append(names, p.Name)
	}
	return names
}

// phaseAdmits narrows roles that are only sometimes appropriate.
func (c *Context) phaseAdmits(phase Phase, p *catalog.Program) bool {
	switch p.Role {
	case catalog.RoleLigand:
		return c.ligandUnfitted()
	case catalog.RoleRefine:
		if phase == PhaseValidate {
			return c.ligandPending()
		}
	}
	return true
}

func (c *Context) finished(p *catalog.Program) bool {
	if p.Role == catalog.RoleProbe {
		return c.PlacementProbed
	}
	if p.Repeatable || p.DoneFlag == "" {
		return false
	}
	return c.Done(p.DoneFlag)
}

func (c *Context) applyDirectives(progs []*catalog.Program) []*catalog.Program {
	skip := map[string]bool{}
	for _, d := range c.Directives {
		if s, ok := d.(SkipPrograms); ok {
			for _, name := range s.Programs {
				skip[name] = true
			}
		}
	}
	var out []*catalog.Program
	for _, p := range progs {
		if skip[p.Name] {
			continue
		}
		out = append(out, p)
	}
	if c.Cycles > 0 {
		return out
	}
	for _, d := range c.Directives {
		s, ok := d.(StartWithProgram)
		if !ok || skip[s.Program] {
			continue
		}
		p, ok := c.Catalog.Program(s.Program)
		if !ok || !p.Supports(c.Experiment) {
			continue
		}
		rest := []*catalog.Program{p}
		for _, q := range out {
			if q.Name != p.Name {
				rest = append(rest, q)
			}
		}
		return rest
	}
	return out
}

func (c *Context) afterDirectiveSatisfied() (AfterProgram, bool) {
	for _, d := range c.Directives {
		a, ok := d.(AfterProgram)
		if !ok {
			continue
		}
		if c.Succeeded[a.Program] > 0 {
			return a, true
		}
	}
	return AfterProgram{}, false
}

// missingPrerequisite names the first structural input a program lacks.
// Directives cannot waive these.
func (c *Context) missingPrerequisite(p *catalog.Program) string {
	if len(p.RequiresAny) > 0 {
		ok := false
		for _, cat := range p.RequiresAny {
			if c.Has(cat) {
				ok = true
				break
			}
		}
		if !ok {
			return fmt.Sprintf("needs one of %v", p.RequiresAny)
		}
	}
	for _, slot := range p.SlotsFor(c.Experiment) {
		if slot.Required && !c.slotAvailable(slot) {
			return "no input for " + slot.Name
		}
	}
	return ""
}

func (c *Context) slotAvailable(slot catalog.InputSlot) bool {
	need := slot.Count
	if need <= 0 {
		need = 1
	}
	n := 0
	seen := map[string]bool{}
	for _, cat := range slot.Categories {
		for _, path := range c.Files.ByCategory(cat) {
			if seen[path] || c.excluded(path, slot.ExcludeCategories) {
				continue
			}
			seen[path] = true
			n++
		}
	}
	if n >= need {
		return true
	}
	if need == 1 {
		if _, ok := c.Best.BestFor(slot.Categories, slot.ExcludeCategories, c.Files); ok {
			return true
		}
	}
	return false
}

func (c *Context) excluded(path string, exclude []string) bool {
	for _, ex := range exclude {
		if c.Files.InCategory(path, ex) {
			return true
		}
	}
	return false
}

func (c *Context) refineProgram() *catalog.Program {
	for _, p := range c.Catalog.ProgramsFor(c.Experiment) {
		if p.Role == catalog.RoleRefine {
			return p
		}
	}
	return nil
}

func (c *Context) validated() bool {
	for _, p := range c.Catalog.ProgramsFor(c.Experiment) {
		if p.Role == catalog.RoleValidate && p.DoneFlag != "" && c.Done(p.DoneFlag) {
			return true
		}
	}
	return false
}

// ligandUnfitted: a ligand file is present and no fitted ligand or
// ligand-bearing model exists yet.
func (c *Context) ligandUnfitted() bool {
	if c.Done("ligandfit_done") || c.Has(CategoryFittedLigand) || c.Has(CategoryWithLigand) {
		return false
	}
	for _, p := range c.Files.ByCategory(CategoryLigand) {
		if f, ok := c.Files.Lookup(p); ok && c.Catalog.IsA(f.Category, "ligand_restraints") {
			continue
		}
		return true
	}
	return false
}

// ligandPending means ligand fitting still waits on post-refinement map
// coefficients, so one more refinement pass is needed.
func (c *Context) ligandPending() bool {
	return c.ligandUnfitted() && !c.Has(CategoryRefineMapCoefs)
}
