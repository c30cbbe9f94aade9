package history

import (
	"strconv"
	"strings"

	"github.com/danshapiro/xtalflow/internal/xtal/catalog"
	"github.com/danshapiro/xtalflow/internal/xtal/runtime"
)

// Placement probe results.
const (
	ProbePlaced          = "placed"
	ProbeNeedsReposition = "needs_reposition"
)

type Options struct {
	Catalog    *catalog.Catalog
	Experiment catalog.ExperimentType
}

// Failure describes the most recent failed cycle when no success followed it.
type Failure struct {
	Cycle   int    `json:"cycle"`
	Program string `json:"program"`
	Signal  string `json:"signal"`
	Text    string `json:"-"`
}

// Analysis is everything the history says about the session. It is
// recomputed from scratch every cycle.
type Analysis struct {
	Flags     map[string]bool `json:"flags"`
	Counts    map[string]int  `json:"counts"`
	Succeeded map[string]int  `json:"succeeded"`
	// Metrics holds the latest value of each metric from successful,
	// non-probe runs.
	Metrics runtime.Metrics `json:"metrics,omitempty"`

	PlacementProbed      bool    `json:"placement_probed"`
	PlacementProbeResult string  `json:"placement_probe_result,omitempty"`
	PlacementProbeMetric float64 `json:"placement_probe_metric,omitempty"`
	HasPlacedModel       bool    `json:"has_placed_model"`
	// PlacedBy holds the done flag of every successful placing or refining
	// run ("" for programs without one).
	PlacedBy []string `json:"placed_by,omitempty"`

	Verdicts    []Verdict `json:"verdicts,omitempty"`
	LastProgram string    `json:"last_program,omitempty"`
	LastFailure *Failure  `json:"last_failure,omitempty"`
	Notes       []string  `json:"notes,omitempty"`
}

// Analyze walks records in cycle order. A failed run never sets a done flag;
// the only evidence taken from failures is the placement probe's.
func Analyze(records []Record, opt Options) Analysis {
	a := Analysis{
		Flags:     map[string]bool{},
		Counts:    map[string]int{},
		Succeeded: map[string]int{},
		Metrics:   runtime.Metrics{},
	}
	placedOrRefined := false
	for _, rec := range records {
		prog, known := opt.Catalog.Program(rec.Program)
		isProbe := known && prog.Role == catalog.RoleProbe
		v := ClassifyResult(rec.ResultText, rec.ExitCode, isProbe)
		a.Verdicts = append(a.Verdicts, v)
		a.LastProgram = rec.Program

		if isProbe {
			if placedOrRefined {
				a.Notes = append(a.Notes, "probe in cycle "+strconv.Itoa(rec.Cycle)+" ignored: model already placed or refined")
				continue
			}
			a.applyProbe(prog, rec, v)
			continue
		}

		if v.Failed() {
			a.LastFailure = &Failure{Cycle: rec.Cycle, Program: rec.Program, Signal: v.Signal, Text: rec.ResultText}
			continue
		}
		a.LastFailure = nil
		a.Metrics.Merge(ExtractMetrics(rec.ResultText)).Merge(rec.Metrics)
		if !known {
			a.Succeeded[rec.Program]++
			continue
		}
		a.Succeeded[prog.Name]++
		if prog.DoneFlag != "" {
			a.Flags[prog.DoneFlag] = true
		}
		if prog.Counter != "" {
			a.Counts[prog.Counter]++
		}
		partial := false
		for _, cs := range prog.Cascades {
			if cs.Experiment != "" && opt.Experiment != "" && cs.Experiment != opt.Experiment {
				continue
			}
			if cs.UnlessCommandContains != "" && commandContains(rec.Command, cs.UnlessCommandContains) {
				partial = true
				continue
			}
			a.Flags[cs.Flag] = true
			if cs.Counter != "" {
				a.Counts[cs.Counter]++
			}
		}
		if (prog.PlacesModel && !partial) || prog.Role == catalog.RoleRefine {
			placedOrRefined = true
			a.HasPlacedModel = true
			a.PlacedBy = append(a.PlacedBy, prog.DoneFlag)
		}
	}
	return a
}

// PlacedModel reports whether a placing or refining run still stands once
// flags have been reconciled against the files on disk. A nil map means no
// reconciliation happened.
func (a Analysis) PlacedModel(flags map[string]bool) bool {
	if flags == nil {
		return a.HasPlacedModel
	}
	for _, f := range a.PlacedBy {
		if f == "" || flags[f] {
			return true
		}
	}
	return false
}

func (a *Analysis) applyProbe(prog *catalog.Program, rec Record, v Verdict) {
	if !v.Failed() {
		a.Succeeded[prog.Name]++
	}
	switch v.Kind {
	case VerdictProbePositive:
		a.PlacementProbed = true
		if a.PlacementProbeResult == "" {
			a.PlacementProbeResult = ProbeNeedsReposition
		}
	case VerdictFailure:
		// A failing probe is never retried; the result stays whatever it was.
		a.PlacementProbed = true
	default:
		a.PlacementProbed = true
		if a.PlacementProbeResult != "" || prog.Probe == nil {
			return
		}
		m := ExtractMetrics(rec.ResultText).Merge(rec.Metrics)
		val, ok := m.Get(prog.Probe.Metric)
		if !ok {
			return
		}
		a.PlacementProbeMetric = val
		if prog.Probe.Passes(val) {
			a.PlacementProbeResult = ProbePlaced
		} else {
			a.PlacementProbeResult = ProbeNeedsReposition
		}
	}
}

// commandContains compares with whitespace around '=' removed and case
// folded, so "stop_after_predict = True" matches "stop_after_predict=true".
func commandContains(cmd, needle string) bool {
	return strings.Contains(normalizeAssign(cmd), normalizeAssign(needle))
}

func normalizeAssign(s string) string {
	s = strings.ToLower(s)
	for strings.Contains(s, " =") || strings.Contains(s, "= ") {
		s = strings.ReplaceAll(s, " =", "=")
		s = strings.ReplaceAll(s, "= ", "=")
	}
	return s
}

// Commands returns every recorded command, successful or not, in order.
func Commands(records []Record) []string {
	out := make([]string, 0, len(records))
	for _, r := range records {
		if c := strings.TrimSpace(r.Command); c != "" {
			out = append(out, c)
		}
	}
	return out
}

// OutputFiles lists output paths of records after cycle (exclusive).
func OutputFiles(records []Record, after int) []string {
	var out []string
	for _, r := range records {
		if r.Cycle > after {
			out = append(out, r.OutputFiles...)
		}
	}
	return out
}
