// Package engine runs one decision cycle: it gathers evidence from the file
// listing and session history, detects the phase, asks the oracle for a
// program, and builds a sanitized, non-repeating command for it.
package engine

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/danshapiro/xtalflow/internal/xtal/bestfiles"
	"github.com/danshapiro/xtalflow/internal/xtal/catalog"
	"github.com/danshapiro/xtalflow/internal/xtal/command"
	"github.com/danshapiro/xtalflow/internal/xtal/files"
	"github.com/danshapiro/xtalflow/internal/xtal/history"
	"github.com/danshapiro/xtalflow/internal/xtal/placement"
	"github.com/danshapiro/xtalflow/internal/xtal/runtime"
	"github.com/danshapiro/xtalflow/internal/xtal/session"
	"github.com/danshapiro/xtalflow/internal/xtal/state"
)

// Decision sources.
const (
	SourceRequest  = "request"
	SourceOracle   = "oracle"
	SourceRules    = "rules"
	SourceFallback = "fallback"
)

type Options struct {
	Catalog *catalog.Catalog
	// Oracle defaults to RulesOracle.
	Oracle   Oracle
	Logger   *slog.Logger
	Progress *runtime.ProgressLog
	Metrics  *Metrics
	Tracer   trace.Tracer
}

type Engine struct {
	cat      *catalog.Catalog
	oracle   Oracle
	log      *slog.Logger
	progress *runtime.ProgressLog
	metrics  *Metrics
	tracer   trace.Tracer
	retry    RetryPolicy
	guard    command.Guard

	classifier *files.Classifier
	builder    *command.Builder
	post       *command.PostProcessor
	recovery   *command.Recovery

	sleep func(context.Context, time.Duration) error
	now   func() time.Time
}

func New(opts Options) (*Engine, error) {
	if opts.Catalog == nil {
		return nil, fmt.Errorf("catalog is required")
	}
	e := &Engine{
		cat:        opts.Catalog,
		oracle:     opts.Oracle,
		log:        opts.Logger,
		progress:   opts.Progress,
		metrics:    opts.Metrics,
		tracer:     opts.Tracer,
		retry:      retryPolicyFor(opts.Catalog),
		guard:      command.Guard{Overlap: opts.Catalog.Run.DuplicateOverlap},
		classifier: files.NewClassifier(opts.Catalog),
		builder:    command.NewBuilder(opts.Catalog),
		post:       command.NewPostProcessor(opts.Catalog),
		recovery:   command.NewRecovery(opts.Catalog),
		sleep:      sleepCtx,
		now:        time.Now,
	}
	if e.oracle == nil {
		e.oracle = RulesOracle{}
	}
	if e.log == nil {
		e.log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if e.tracer == nil {
		e.tracer = otel.Tracer("xtalflow/engine")
	}
	return e, nil
}

// Request is one cycle's input. Session is updated in place; the caller
// saves it after Decide returns.
type Request struct {
	Session    *session.Document
	Files      []string
	FilesLocal bool
	// Advice is free text from the user. Empty keeps the directives cached
	// in the session.
	Advice string
	// Suggestion, when set, is used instead of asking the oracle.
	Suggestion *Suggestion
	// Resolution overrides the session and history resolution when > 0.
	Resolution float64
}

type Decision struct {
	ID            string               `json:"id"`
	SessionID     string               `json:"session_id"`
	Cycle         int                  `json:"cycle"`
	Phase         state.Phase          `json:"phase"`
	ValidPrograms []string             `json:"valid_programs"`
	ChosenProgram string               `json:"chosen_program,omitempty"`
	Source        string               `json:"source,omitempty"`
	Command       string               `json:"command,omitempty"`
	Inputs        []command.SlotChoice `json:"inputs,omitempty"`
	MissingSlots  []string             `json:"missing_slots,omitempty"`
	Override      *command.Override    `json:"override,omitempty"`
	Directives    []string             `json:"directives,omitempty"`
	Diagnostics   []string             `json:"diagnostics,omitempty"`
	Notes         []string             `json:"notes,omitempty"`
	Placement     placement.Decision   `json:"placement"`
	BestFiles     map[string]string    `json:"best_files,omitempty"`
	Flags         map[string]bool      `json:"flags,omitempty"`
	Counts        map[string]int       `json:"counts,omitempty"`
	Metrics       runtime.Metrics      `json:"metrics,omitempty"`
	Stop          bool                 `json:"stop"`
	Result        runtime.Result       `json:"result"`
}

func (d *Decision) diag(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	for _, m := range d.Diagnostics {
		if m == msg {
			return
		}
	}
	d.Diagnostics = append(d.Diagnostics, msg)
}

// cycleState carries what the stages of one cycle share.
type cycleState struct {
	req         Request
	doc         *session.Document
	cycle       int
	files       *files.Classification
	analysis    history.Analysis
	tracker     *bestfiles.Tracker
	ctx         *state.Context
	newOverride bool
}

// Decide runs one cycle. Go errors are reserved for malfunctions such as a
// missing session or a canceled context; every workflow conclusion is
// carried in Decision.Result.
func (e *Engine) Decide(ctx context.Context, req Request) (*Decision, error) {
	doc := req.Session
	if doc == nil {
		return nil, fmt.Errorf("session is required")
	}
	start := e.now()
	cs := &cycleState{req: req, doc: doc, cycle: doc.NextCycle()}
	ctx, span := e.tracer.Start(ctx, "xtalflow.Decide", trace.WithAttributes(
		attribute.String("session.id", doc.ID),
		attribute.Int("cycle", cs.cycle),
		attribute.Int("files", len(req.Files)),
	))
	defer span.End()

	d := &Decision{ID: ulid.Make().String(), SessionID: doc.ID, Cycle: cs.cycle}
	e.progress.Append(map[string]any{
		"event":      "cycle_start",
		"session_id": doc.ID,
		"cycle":      cs.cycle,
		"files":      len(req.Files),
	})

	e.gatherEvidence(ctx, cs, d)
	directives := e.resolveDirectives(cs, d)

	cs.ctx = state.NewContext(state.Evidence{
		Catalog:    e.cat,
		Experiment: doc.ExperimentType,
		Resolution: firstPositive(req.Resolution, doc.Resolution),
		Files:      cs.files,
		FilesLocal: req.FilesLocal,
		Best:       cs.tracker,
		History:    cs.analysis,
		Flags:      d.Flags,
		Counts:     d.Counts,
		Cycles:     len(doc.History),
	}, directives)
	if doc.Resolution <= 0 && cs.ctx.Resolution > 0 {
		doc.Resolution = cs.ctx.Resolution
	}
	d.Metrics = cs.ctx.Metrics
	d.Placement = cs.ctx.Placement

	d.Phase = state.DetectPhase(cs.ctx)
	d.ValidPrograms = state.ValidPrograms(cs.ctx, d.Phase)
	for _, msg := range cs.ctx.Diagnostics {
		d.diag("%s", msg)
	}
	span.SetAttributes(attribute.String("phase", string(d.Phase)))
	e.progress.Append(map[string]any{
		"event":          "phase_detected",
		"cycle":          cs.cycle,
		"phase":          string(d.Phase),
		"valid_programs": d.ValidPrograms,
		"placement":      string(d.Placement.Outcome),
	})
	e.log.Debug("phase detected", "cycle", cs.cycle, "phase", d.Phase, "valid", d.ValidPrograms)

	if res, ok := e.handleFailure(ctx, cs, d); ok {
		return e.finish(span, cs, d, res, start), nil
	}

	sugg, source, err := e.suggest(ctx, cs, d)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	chosen := e.choose(sugg, d)
	d.ChosenProgram, d.Source = chosen, source
	if chosen == "" {
		return e.finish(span, cs, d, runtime.Stop(fmt.Sprintf("no program can run in phase %s", d.Phase)), start), nil
	}
	if chosen == state.Stop {
		reason := sugg.Reason
		if reason == "" {
			reason = stopReason(d)
		}
		return e.finish(span, cs, d, runtime.Stop(reason), start), nil
	}

	res := e.buildCommand(ctx, cs, d, sugg)
	return e.finish(span, cs, d, res, start), nil
}

// gatherEvidence classifies files, analyzes history, clears zombie flags and
// offers new outputs to the best-file tracker.
func (e *Engine) gatherEvidence(ctx context.Context, cs *cycleState, d *Decision) {
	_, span := e.tracer.Start(ctx, "xtalflow.evidence")
	defer span.End()

	cs.files = e.classifier.Classify(cs.req.Files, cs.req.FilesLocal)
	cs.analysis = history.Analyze(cs.doc.History, history.Options{Catalog: e.cat, Experiment: cs.doc.ExperimentType})
	for _, n := range cs.analysis.Notes {
		d.diag("%s", n)
	}

	rec := state.Reconcile(cs.analysis.Flags, cs.analysis.Counts, cs.req.Files, e.cat.Zombies)
	d.Flags, d.Counts = rec.Flags, rec.Counts
	for _, msg := range rec.Diagnostics {
		d.diag("%s", msg)
	}
	if len(rec.Cleared) > 0 {
		e.metrics.zombiesCleared(len(rec.Cleared))
		e.progress.Append(map[string]any{"event": "zombie_flags_cleared", "cycle": cs.cycle, "flags": rec.Cleared})
		e.log.Warn("zombie flags cleared", "flags", rec.Cleared)
	}

	cs.tracker = bestfiles.NewTracker(e.cat, cs.doc.BestFiles)
	e.updateBest(cs)
	cs.doc.SetBestFiles(cs.tracker.Entries(), state.CategoryData)
	d.BestFiles = map[string]string{}
	for cat, entry := range cs.doc.BestFiles {
		d.BestFiles[cat] = entry.Path
	}
	span.SetAttributes(
		attribute.Int("files.classified", len(cs.files.Files())),
		attribute.Int("files.unclassified", len(cs.files.Unclassified())),
		attribute.Int("zombies.cleared", len(rec.Cleared)),
	)
}

// updateBest seeds categories that have no entry from the listing, then
// offers the outputs of successful records not yet evaluated, oldest first.
func (e *Engine) updateBest(cs *cycleState) {
	for _, f := range cs.files.Files() {
		cs.tracker.Seed(bestfiles.Candidate{Path: f.Path, Category: f.Category})
	}
	for i, r := range cs.doc.History {
		if r.Cycle <= cs.doc.EvaluatedThrough || cs.analysis.Verdicts[i].Failed() || e.cat.IsProbe(r.Program) {
			continue
		}
		m := history.ExtractMetrics(r.ResultText).Merge(r.Metrics)
		for _, out := range r.OutputFiles {
			f, ok := cs.files.Lookup(out)
			if !ok {
				continue
			}
			changed, why := cs.tracker.Evaluate(bestfiles.Candidate{Path: f.Path, Category: f.Category, Metrics: m, Cycle: r.Cycle})
			e.log.Debug("best file evaluated", "path", f.Path, "changed", changed, "why", why)
		}
	}
	cs.doc.EvaluatedThrough = cs.doc.LastCycle()
	e.log.Debug("best files", "summary", cs.tracker.Summary())
}

func (e *Engine) resolveDirectives(cs *cycleState, d *Decision) []state.Directive {
	advice := strings.TrimSpace(cs.req.Advice)
	ds := []state.Directive(cs.doc.Directives)
	if advice != "" {
		if cached, ok := cs.doc.CachedDirectives(advice); ok {
			ds = cached
		} else {
			ds = state.ExtractDirectives(advice, e.cat)
			cs.doc.SetDirectives(advice, ds)
			e.progress.Append(map[string]any{
				"event":      "directives_extracted",
				"cycle":      cs.cycle,
				"directives": state.Describe(ds),
			})
		}
	}
	d.Directives = state.Describe(ds)
	return ds
}

// handleFailure diagnoses a failure in the newest record. Terminal failures
// end the cycle; a recoverable one stores a per-file override.
func (e *Engine) handleFailure(ctx context.Context, cs *cycleState, d *Decision) (runtime.Result, bool) {
	lf := cs.analysis.LastFailure
	if lf == nil || lf.Cycle != cs.doc.LastCycle() {
		return runtime.Result{}, false
	}
	_, span := e.tracer.Start(ctx, "xtalflow.recovery", trace.WithAttributes(attribute.String("program", lf.Program)))
	defer span.End()

	f := command.Diagnose(lf.Program, lf.Text)
	if !f.Recognized() {
		d.diag("cycle %d: %s failed (%s)", lf.Cycle, lf.Program, lf.Signal)
		return runtime.Result{}, false
	}
	e.metrics.recovery(f.Kind)
	span.SetAttributes(attribute.String("failure.kind", f.Kind))
	if f.Terminal {
		return runtime.Diagnose(f.Kind, f.Text), true
	}

	file := f.File
	if file == "" {
		file = e.dataFile(cs)
	}
	if o, ok := cs.doc.Override(filepath.Base(file)); ok && o.Cycle == cs.cycle {
		// Decide already ran for this cycle; reuse rather than exhaust.
		d.Override = &o
		cs.newOverride = true
		return runtime.Result{}, false
	}
	o, fail := e.recovery.Resolve(f, e.adviceText(cs), file, cs.doc.Overrides, cs.cycle)
	if fail != nil {
		e.metrics.recovery(fail.Kind)
		return runtime.Diagnose(fail.Kind, fail.Text), true
	}
	cs.doc.AddOverride(o)
	cs.newOverride = true
	d.Override = &o
	d.diag("recovered %s: %s=%s for %s", f.Kind, o.Param, o.Value, o.File)
	e.progress.Append(map[string]any{
		"event":   "recovery_override",
		"cycle":   cs.cycle,
		"kind":    f.Kind,
		"file":    o.File,
		"param":   o.Param,
		"value":   o.Value,
		"program": o.Program,
	})
	return runtime.Result{}, false
}

func (e *Engine) dataFile(cs *cycleState) string {
	if entry, ok := cs.tracker.Locked(state.CategoryData); ok {
		return entry.Path
	}
	paths := cs.files.ByCategory(state.CategoryData)
	if len(paths) == 0 {
		return ""
	}
	return paths[len(paths)-1]
}

func (e *Engine) adviceText(cs *cycleState) string {
	if a := strings.TrimSpace(cs.req.Advice); a != "" {
		return a
	}
	return cs.doc.Advice
}

func (e *Engine) suggest(ctx context.Context, cs *cycleState, d *Decision) (Suggestion, string, error) {
	if cs.req.Suggestion != nil {
		return *cs.req.Suggestion, SourceRequest, nil
	}
	source := SourceOracle
	if _, ok := e.oracle.(RulesOracle); ok {
		source = SourceRules
	}
	if len(d.ValidPrograms) == 1 && d.ValidPrograms[0] == state.Stop {
		return Suggestion{Stop: true}, SourceRules, nil
	}
	octx, span := e.tracer.Start(ctx, "xtalflow.oracle")
	defer span.End()
	s, attempts, err := e.callOracle(octx, e.prompt(cs, d), fmt.Sprintf("%s:%d", cs.doc.ID, cs.cycle))
	span.SetAttributes(attribute.Int("attempts", attempts))
	if err == nil {
		return s, source, nil
	}
	if ctx.Err() != nil {
		return Suggestion{}, "", ctx.Err()
	}
	span.RecordError(err)
	d.diag("oracle unavailable, using rules: %v", err)
	e.progress.Warn(fmt.Sprintf("cycle %d: oracle failed: %v", cs.cycle, err))
	s, _ = RulesOracle{}.Suggest(ctx, e.prompt(cs, d))
	return s, SourceFallback, nil
}

func (e *Engine) prompt(cs *cycleState, d *Decision) Prompt {
	last := ""
	if cmds := history.Commands(cs.doc.History); len(cmds) > 0 {
		last = cmds[len(cmds)-1]
	}
	return Prompt{
		SessionID:     cs.doc.ID,
		Cycle:         cs.cycle,
		Experiment:    string(cs.doc.ExperimentType),
		Phase:         string(d.Phase),
		ValidPrograms: d.ValidPrograms,
		Files:         sortedFileMap(cs.files.Map()),
		BestFiles:     d.BestFiles,
		Metrics:       d.Metrics,
		Advice:        e.adviceText(cs),
		Directives:    d.Directives,
		LastCommand:   last,
		Diagnostics:   d.Diagnostics,
	}
}

// choose maps a suggestion onto the valid list. A suggestion naming a
// program outside the list is replaced by the first valid program.
func (e *Engine) choose(s Suggestion, d *Decision) string {
	valid := d.ValidPrograms
	if s.Stop || strings.EqualFold(s.Program, state.Stop) {
		if contains(valid, state.Stop) {
			return state.Stop
		}
		d.diag("stop suggested but not offered in phase %s", d.Phase)
	} else if s.Program != "" {
		if p, ok := e.cat.Program(s.Program); ok && contains(valid, p.Name) {
			return p.Name
		}
		d.diag("suggested program %s is not valid in phase %s", s.Program, d.Phase)
	}
	for _, name := range valid {
		if name != state.Stop {
			return name
		}
	}
	if contains(valid, state.Stop) {
		return state.Stop
	}
	return ""
}

// buildCommand renders the chosen program, falling back through the other
// valid programs when it cannot be built or would repeat an earlier command.
func (e *Engine) buildCommand(ctx context.Context, cs *cycleState, d *Decision, sugg Suggestion) runtime.Result {
	_, span := e.tracer.Start(ctx, "xtalflow.build", trace.WithAttributes(attribute.String("program", d.ChosenProgram)))
	defer span.End()

	candidates := []string{d.ChosenProgram}
	for _, name := range d.ValidPrograms {
		if name != state.Stop && name != d.ChosenProgram {
			candidates = append(candidates, name)
		}
	}
	prior := history.Commands(cs.doc.History)
	sawDuplicate := false
	for i, name := range candidates {
		var hints []string
		var strategy map[string]string
		if i == 0 && sameProgram(e.cat, sugg.Program, name) {
			hints, strategy = sugg.Files, sugg.Strategy
		}
		br := e.builder.Build(name, command.BuildInput{
			Experiment: cs.doc.ExperimentType,
			Files:      cs.files,
			FilesLocal: cs.req.FilesLocal,
			Best:       cs.tracker,
			Hints:      hints,
			Strategy:   strategy,
			Context:    cs.ctx,
		})
		if !br.OK() {
			e.metrics.missing(name)
			d.diag("%s cannot be built: missing %s", name, strings.Join(br.MissingSlots, ", "))
			if i == 0 {
				d.MissingSlots = br.MissingSlots
			}
			continue
		}
		final, notes := e.postProcess(name, br.Command, cs)
		var dup bool
		if cs.newOverride {
			dup = command.IsExactDuplicate(final, prior)
		} else {
			dup = e.guard.IsDuplicate(final, prior)
		}
		if dup {
			sawDuplicate = true
			e.metrics.duplicate()
			d.diag("%s would repeat an earlier command", name)
			e.progress.Append(map[string]any{"event": "duplicate_rejected", "cycle": cs.cycle, "command": final})
			continue
		}
		if i > 0 {
			d.Source = SourceFallback
		}
		d.ChosenProgram = name
		d.Command = final
		d.Inputs = br.Inputs
		d.Notes = append(append(d.Notes, br.Notes...), notes...)
		return runtime.Continue()
	}
	if sawDuplicate && contains(d.ValidPrograms, state.Stop) {
		d.ChosenProgram = state.Stop
		return runtime.Stop("every remaining program would repeat an earlier command")
	}
	if sawDuplicate {
		return runtime.Diagnose("duplicate_command", "every valid program would repeat an earlier command")
	}
	return runtime.Diagnose("missing_inputs", fmt.Sprintf("%s is missing %s and no other valid program can be built",
		d.ChosenProgram, strings.Join(d.MissingSlots, ", ")))
}

// postProcess applies directive settings, recovery overrides for the files
// on the command line, and crystal symmetry.
func (e *Engine) postProcess(program, cmd string, cs *cycleState) (string, []string) {
	prog, _ := e.cat.Program(program)
	in := command.PostInput{}
	for _, dir := range cs.ctx.Directives {
		switch v := dir.(type) {
		case state.ProgramSettings:
			if v.Program != "" && !sameProgram(e.cat, v.Program, program) {
				continue
			}
			keys := make([]string, 0, len(v.Settings))
			for k := range v.Settings {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			for _, k := range keys {
				in.Settings = append(in.Settings, command.Assignment{Key: k, Value: v.Settings[k]})
			}
		case state.CrystalSymmetry:
			in.Symmetry = command.Symmetry{UnitCell: v.UnitCell, SpaceGroup: v.SpaceGroup}
		}
	}
	for _, base := range command.FileBasenames(command.Tokenize(cmd)) {
		o, ok := cs.doc.Override(base)
		if !ok {
			continue
		}
		param := prog.LabelsParam
		if param == "" && o.Program == prog.Name {
			param = o.Param
		}
		if param != "" {
			in.Forced = append(in.Forced, command.Assignment{Key: param, Value: o.Value})
		}
	}
	return e.post.Process(cmd, in)
}

func (e *Engine) finish(span trace.Span, cs *cycleState, d *Decision, res runtime.Result, start time.Time) *Decision {
	d.Result = res
	d.Stop = res.IsStop()
	if d.Stop {
		cs.doc.Stop(res.Reason)
		if res.Diagnosis != nil {
			d.diag("%s: %s", res.Diagnosis.Kind, res.Diagnosis.Text)
		}
	}
	elapsed := e.now().Sub(start)
	e.metrics.decision(string(d.Phase), string(res.Kind))
	e.metrics.observe(elapsed.Seconds())
	span.SetAttributes(
		attribute.String("program", d.ChosenProgram),
		attribute.String("result", string(res.Kind)),
		attribute.Bool("stop", d.Stop),
	)
	if res.Kind == runtime.KindDiagnosis {
		span.SetStatus(codes.Error, res.Reason)
	} else {
		span.SetStatus(codes.Ok, "")
	}
	e.progress.Append(map[string]any{
		"event":       "decision",
		"decision_id": d.ID,
		"session_id":  d.SessionID,
		"cycle":       d.Cycle,
		"phase":       string(d.Phase),
		"program":     d.ChosenProgram,
		"source":      d.Source,
		"command":     d.Command,
		"result":      string(res.Kind),
		"reason":      res.Reason,
	})
	e.log.Info("decision",
		"cycle", d.Cycle,
		"phase", d.Phase,
		"program", d.ChosenProgram,
		"result", res.Kind,
		"elapsed", elapsed,
	)
	return d
}

func stopReason(d *Decision) string {
	if d.Phase == state.PhaseComplete {
		return "workflow complete"
	}
	for i := len(d.Diagnostics) - 1; i >= 0; i-- {
		for _, prefix := range []string{"stop:", "validate:", "phase initial:"} {
			if strings.HasPrefix(d.Diagnostics[i], prefix) {
				return d.Diagnostics[i]
			}
		}
	}
	return "stop requested in phase " + string(d.Phase)
}

func sameProgram(c *catalog.Catalog, a, b string) bool {
	pa, ok := c.Program(a)
	if !ok {
		return false
	}
	pb, ok := c.Program(b)
	return ok && pa.Name == pb.Name
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func firstPositive(vs ...float64) float64 {
	for _, v := range vs {
		if v > 0 {
			return v
		}
	}
	return 0
}
