package history

import (
	"testing"

	"github.com/danshapiro/xtalflow/internal/xtal/catalog"
	"github.com/danshapiro/xtalflow/internal/xtal/runtime"
)

func TestClassifyResult(t *testing.T) {
	cases := []struct {
		name   string
		text   string
		exit   int
		probe  bool
		want   VerdictKind
		signal string
	}{
		{"clean", "Final R-work = 0.21 R-free = 0.25", 0, false, VerdictSuccess, ""},
		{"benign error word", "Expected errors: 0\nerror estimate refined", 0, false, VerdictSuccess, ""},
		{"sorry", "Sorry: input file not found", 0, false, VerdictFailure, "sorry"},
		{"SORRY upper", "SORRY: bad labels", 0, false, VerdictFailure, "sorry"},
		{"failed", "Job FAILED after 3 tries", 0, false, VerdictFailure, "failed"},
		{"lower failed is fine", "0 tests failed", 0, false, VerdictSuccess, ""},
		{"banner", "*** ERROR in reading", 0, false, VerdictFailure, "error_banner"},
		{"fatal", "FATAL: out of memory", 0, false, VerdictFailure, "fatal"},
		{"traceback", "Traceback (most recent call last):", 0, false, VerdictFailure, "traceback"},
		{"exception", "RuntimeException: boom", 0, false, VerdictFailure, "exception"},
		{"TRACEBACK upper", "TRACEBACK (most recent call last)", 0, false, VerdictFailure, "traceback"},
		{"EXCEPTION upper", "RuntimeError EXCEPTION raised", 0, false, VerdictFailure, "exception"},
		{"Fatal mixed", "Fatal: bad input", 0, false, VerdictFailure, "fatal"},
		{"fatal lower", "fatal: bad input", 0, false, VerdictFailure, "fatal"},
		{"plural exceptions are fine", "0 floating point exceptions", 0, false, VerdictSuccess, ""},
		{"exit code", "done", 2, false, VerdictFailure, "exit_code"},
		{"probe positive", "Sorry: model is entirely outside map", 1, true, VerdictProbePositive, "model_outside_map"},
		{"probe positive ignored for non-probe", "Sorry: model is entirely outside map", 1, false, VerdictFailure, "sorry"},
		{"probe other failure", "Sorry: map file unreadable", 1, true, VerdictFailure, "sorry"},
	}
	for _, tc := range cases {
		got := ClassifyResult(tc.text, tc.exit, tc.probe)
		if got.Kind != tc.want || got.Signal != tc.signal {
			t.Fatalf("%s: got %+v want %s/%s", tc.name, got, tc.want, tc.signal)
		}
	}
}

func TestExtractMetrics(t *testing.T) {
	text := `
Start: r_work = 0.3512 r_free = 0.3890
Final: r_work = 0.2101 r_free = 0.2455
High resolution limit = 1.85
CC_mask : 0.712
clashscore = 4.5
Anomalous measurability: 0.12
`
	m := ExtractMetrics(text)
	want := runtime.Metrics{
		"r_work":               0.2101,
		"r_free":               0.2455,
		"resolution":           1.85,
		"map_cc":               0.712,
		"clashscore":           4.5,
		"anomalous_signal":     0.12,
		"anomalous_measurable": 1,
	}
	for k, v := range want {
		if m[k] != v {
			t.Fatalf("%s=%v want %v (all=%v)", k, m[k], v, m)
		}
	}
	if got := ExtractMetrics("Resolution range: 48.2 - 2.1\nNo significant anomalous signal"); got[runtime.MetricAnomalous] != 0 {
		t.Fatalf("anomalous=%v", got)
	} else if _, ok := got[runtime.MetricResolution]; ok {
		t.Fatalf("range line must not parse as resolution: %v", got)
	}
}

func xrayOpts() Options {
	return Options{Catalog: catalog.MustDefault(), Experiment: catalog.ExperimentXray}
}

func TestAnalyze_FailedRunsNeverSetDone(t *testing.T) {
	recs := []Record{
		{Cycle: 1, Program: "phenix.xtriage", ResultText: "ok", ExitCode: 0},
		{Cycle: 2, Program: "phenix.phaser", ResultText: "Sorry: no solution", ExitCode: 1},
		{Cycle: 3, Program: "phenix.refine", ResultText: "*** ERROR bad model", ExitCode: 0},
	}
	a := Analyze(recs, xrayOpts())
	if !a.Flags["xtriage_done"] {
		t.Fatalf("xtriage_done not set")
	}
	if a.Flags["phaser_done"] || a.Flags["refine_done"] || a.Counts["refine_count"] != 0 {
		t.Fatalf("failed runs set state: flags=%v counts=%v", a.Flags, a.Counts)
	}
	if a.LastFailure == nil || a.LastFailure.Program != "phenix.refine" || a.LastFailure.Signal != "error_banner" {
		t.Fatalf("last failure=%+v", a.LastFailure)
	}
	if a.HasPlacedModel {
		t.Fatalf("failed phaser must not place a model")
	}
}

func TestAnalyze_CountsMetricsAndCascades(t *testing.T) {
	recs := []Record{
		{Cycle: 1, Program: "phenix.predict_and_build", Command: "phenix.predict_and_build seq.fa data.mtz", ResultText: "R-free = 0.31"},
		{Cycle: 2, Program: "phenix.refine", ResultText: "R-free = 0.28"},
		{Cycle: 3, Program: "refine", ResultText: "R-free = 0.26", Metrics: runtime.Metrics{"clashscore": 3}},
	}
	a := Analyze(recs, xrayOpts())
	if a.Counts["refine_count"] != 3 || !a.Flags["refine_done"] || !a.Flags["predict_and_build_done"] {
		t.Fatalf("flags=%v counts=%v", a.Flags, a.Counts)
	}
	if a.Flags["rsr_done"] {
		t.Fatalf("cryo-EM cascade applied to an X-ray session")
	}
	if a.Metrics["r_free"] != 0.26 || a.Metrics["clashscore"] != 3 {
		t.Fatalf("metrics=%v", a.Metrics)
	}
	if !a.HasPlacedModel {
		t.Fatalf("predict_and_build should place the model")
	}

	if a.PlacedModel(map[string]bool{"refine_done": false, "predict_and_build_done": false}) {
		t.Fatalf("placement survived with every placing flag cleared")
	}
	if !a.PlacedModel(map[string]bool{"refine_done": true}) || !a.PlacedModel(nil) {
		t.Fatalf("placement lost with refine_done standing")
	}

	partial := Analyze([]Record{{Cycle: 1, Program: "phenix.predict_and_build",
		Command: "phenix.predict_and_build seq.fa predict_and_build.stop_after_predict = True"}}, xrayOpts())
	if partial.Flags["refine_done"] || partial.Counts["refine_count"] != 0 || partial.HasPlacedModel {
		t.Fatalf("stop_after_predict run cascaded: %+v", partial)
	}
}

// A failed probe whose text is positive evidence sets the result, and later
// probe failures never overwrite it.
func TestAnalyze_ProbePositiveFailure(t *testing.T) {
	opt := Options{Catalog: catalog.MustDefault(), Experiment: catalog.ExperimentCryoEM}
	recs := []Record{
		{Cycle: 1, Program: "phenix.mtriage", ResultText: "d99 = 3.2"},
		{Cycle: 2, Program: "phenix.map_correlations", ResultText: "Sorry: model is entirely outside map", ExitCode: 1},
	}
	a := Analyze(recs, opt)
	if !a.PlacementProbed || a.PlacementProbeResult != ProbeNeedsReposition {
		t.Fatalf("probed=%v result=%q", a.PlacementProbed, a.PlacementProbeResult)
	}
	recs = append(recs, Record{Cycle: 3, Program: "phenix.map_correlations", ResultText: "Sorry: something else", ExitCode: 1})
	a = Analyze(recs, opt)
	if a.PlacementProbeResult != ProbeNeedsReposition {
		t.Fatalf("second failed probe overwrote result: %q", a.PlacementProbeResult)
	}
	if a.Succeeded["phenix.map_correlations"] != 0 {
		t.Fatalf("failed probe counted as success")
	}
}

func TestAnalyze_ProbeOutcomes(t *testing.T) {
	cases := []struct {
		name   string
		exp    catalog.ExperimentType
		recs   []Record
		probed bool
		result string
	}{
		{"cryoem pass", catalog.ExperimentCryoEM,
			[]Record{{Cycle: 1, Program: "phenix.map_correlations", ResultText: "CC_mask = 0.62"}}, true, ProbePlaced},
		{"cryoem low cc", catalog.ExperimentCryoEM,
			[]Record{{Cycle: 1, Program: "phenix.map_correlations", ResultText: "CC_mask = 0.05"}}, true, ProbeNeedsReposition},
		{"xray pass", catalog.ExperimentXray,
			[]Record{{Cycle: 1, Program: "phenix.model_vs_data", ResultText: "r_work: 0.31"}}, true, ProbePlaced},
		{"xray fail", catalog.ExperimentXray,
			[]Record{{Cycle: 1, Program: "phenix.model_vs_data", ResultText: "r_work: 0.58"}}, true, ProbeNeedsReposition},
		{"no metric", catalog.ExperimentXray,
			[]Record{{Cycle: 1, Program: "phenix.model_vs_data", ResultText: "finished"}}, true, ""},
		{"other failure", catalog.ExperimentXray,
			[]Record{{Cycle: 1, Program: "phenix.model_vs_data", ResultText: "Sorry: bad input", ExitCode: 1}}, true, ""},
		{"after refine", catalog.ExperimentXray, []Record{
			{Cycle: 1, Program: "phenix.refine", ResultText: "R-free = 0.3"},
			{Cycle: 2, Program: "phenix.model_vs_data", ResultText: "r_work: 0.58"},
		}, false, ""},
	}
	for _, tc := range cases {
		a := Analyze(tc.recs, Options{Catalog: catalog.MustDefault(), Experiment: tc.exp})
		if a.PlacementProbed != tc.probed || a.PlacementProbeResult != tc.result {
			t.Fatalf("%s: probed=%v result=%q want %v %q", tc.name, a.PlacementProbed, a.PlacementProbeResult, tc.probed, tc.result)
		}
	}
}

func TestCommandsAndOutputs(t *testing.T) {
	recs := []Record{
		{Cycle: 1, Command: "a", OutputFiles: []string{"x"}},
		{Cycle: 2, Command: " ", OutputFiles: []string{"y", "z"}},
	}
	if got := Commands(recs); len(got) != 1 || got[0] != "a" {
		t.Fatalf("commands=%v", got)
	}
	if got := OutputFiles(recs, 1); len(got) != 2 {
		t.Fatalf("outputs=%v", got)
	}
}
