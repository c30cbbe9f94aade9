package session

import (
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"

	"github.com/danshapiro/xtalflow/internal/xtal/bestfiles"
	"github.com/danshapiro/xtalflow/internal/xtal/catalog"
	"github.com/danshapiro/xtalflow/internal/xtal/command"
	"github.com/danshapiro/xtalflow/internal/xtal/history"
	"github.com/danshapiro/xtalflow/internal/xtal/runtime"
	"github.com/danshapiro/xtalflow/internal/xtal/state"
)

func sampleDocument(t *testing.T) *Document {
	t.Helper()
	d := New(catalog.ExperimentXray)
	d.Resolution = 2.1
	for _, rec := range []history.Record{
		{Program: "phenix.xtriage", Command: "phenix.xtriage data.mtz", ResultText: "Resolution = 2.1"},
		{Program: "phenix.phaser", Command: "phenix.phaser data.mtz search.pdb", OutputFiles: []string{"/w/PHASER.1.pdb"}},
	} {
		if err := d.AppendRecord(rec); err != nil {
			t.Fatal(err)
		}
	}
	d.SetBestFiles(map[string]bestfiles.Entry{
		"data_mtz": {Path: "/w/data_free.mtz", Category: "data_mtz", Score: 100, Locked: true, Cycle: 1},
		"model":    {Path: "/w/PHASER.1.pdb", Category: "model", Score: 50, Metrics: runtime.Metrics{"r_free": 0.41}, Cycle: 2},
	}, "data_mtz")
	d.AddOverride(command.Override{File: "data.mtz", Program: "phenix.refine", Param: "xray_data.labels", Value: "IMEAN,SIGIMEAN", Cycle: 3})
	d.SetDirectives("skip autobuild", []state.Directive{skipAutobuild()})
	d.EvaluatedThrough = 2
	return d
}

func skipAutobuild() state.Directive {
	return state.SkipPrograms{Programs: []string{"phenix.autobuild"}}
}

func TestSaveLoad_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "session.json")
	d := sampleDocument(t)
	if err := d.Save(path); err != nil {
		t.Fatal(err)
	}
	if len(d.Checksum) != 64 {
		t.Fatalf("checksum=%q", d.Checksum)
	}
	got, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if got.ID != d.ID || got.LockedDataFile != "/w/data_free.mtz" || got.LastCycle() != 2 {
		t.Fatalf("loaded %+v", got)
	}
	if !reflect.DeepEqual(got.BestFiles, d.BestFiles) || !reflect.DeepEqual(got.Overrides, d.Overrides) {
		t.Fatalf("best/overrides differ:\n%+v\n%+v", got.BestFiles, d.BestFiles)
	}
	if ds, ok := got.CachedDirectives("  skip\n autobuild "); !ok || !reflect.DeepEqual([]state.Directive(ds), []state.Directive{skipAutobuild()}) {
		t.Fatalf("cached directives=%v ok=%v", ds, ok)
	}
	if _, ok := got.CachedDirectives("skip refine"); ok {
		t.Fatalf("different advice must miss the cache")
	}

	// Saving again without changes keeps a verifiable checksum.
	if err := got.Save(path); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err != nil {
		t.Fatal(err)
	}
}

func TestLoad_DetectsEditsAndSchemaViolations(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "session.json")
	if err := sampleDocument(t).Save(path); err != nil {
		t.Fatal(err)
	}
	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	edited := strings.Replace(string(b), `"evaluated_through": 2`, `"evaluated_through": 0`, 1)
	if edited == string(b) {
		t.Fatalf("fixture did not contain evaluated_through")
	}
	if err := os.WriteFile(path, []byte(edited), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); !errors.Is(err, ErrChecksum) {
		t.Fatalf("err=%v want checksum mismatch", err)
	}
	d, err := LoadEdited(path)
	if err != nil || d.EvaluatedThrough != 0 {
		t.Fatalf("LoadEdited: %v %+v", err, d)
	}

	cases := map[string]string{
		"not json":        `{`,
		"bad experiment":  `{"version":1,"id":"01HZY3B8Q6N4XK9T2V7W5R0CDE","experiment_type":"neutron","history":[],"checksum":"` + strings.Repeat("a", 64) + `"}`,
		"missing program": `{"version":1,"id":"01HZY3B8Q6N4XK9T2V7W5R0CDE","experiment_type":"xray","history":[{"cycle":1}],"checksum":"` + strings.Repeat("a", 64) + `"}`,
		"evidence kind":   `{"version":1,"id":"01HZY3B8Q6N4XK9T2V7W5R0CDE","experiment_type":"xray","history":[],"directives":[{"kind":"cell_mismatch","body":{}}],"checksum":"` + strings.Repeat("a", 64) + `"}`,
		"future version":  `{"version":9,"id":"01HZY3B8Q6N4XK9T2V7W5R0CDE","experiment_type":"xray","history":[],"checksum":"` + strings.Repeat("a", 64) + `"}`,
	}
	for name, doc := range cases {
		if _, err := Decode([]byte(doc)); !errors.Is(err, ErrInvalidDocument) {
			t.Fatalf("%s: err=%v", name, err)
		}
	}
	unordered := `{"version":1,"id":"01HZY3B8Q6N4XK9T2V7W5R0CDE","experiment_type":"xray","history":[{"cycle":2,"program":"a"},{"cycle":1,"program":"b"}],"checksum":"` + strings.Repeat("a", 64) + `"}`
	if _, err := Decode([]byte(unordered)); !errors.Is(err, ErrOutOfOrder) {
		t.Fatalf("err=%v want out of order", err)
	}
}

func TestAppendRecord_Ordering(t *testing.T) {
	d := New(catalog.ExperimentCryoEM)
	if err := d.AppendRecord(history.Record{Program: "phenix.mtriage"}); err != nil {
		t.Fatal(err)
	}
	if err := d.AppendRecord(history.Record{Cycle: 5, Program: "phenix.resolve_cryo_em"}); err != nil {
		t.Fatal(err)
	}
	if d.NextCycle() != 6 {
		t.Fatalf("next=%d", d.NextCycle())
	}
	if err := d.AppendRecord(history.Record{Cycle: 5, Program: "phenix.dock_in_map"}); !errors.Is(err, ErrOutOfOrder) {
		t.Fatalf("err=%v", err)
	}
	if err := d.AppendRecord(history.Record{Program: "  "}); !errors.Is(err, ErrInvalidDocument) {
		t.Fatalf("err=%v", err)
	}
	d.Stop("validated")
	if err := d.AppendRecord(history.Record{Program: "phenix.dock_in_map"}); err != nil || d.Stopped {
		t.Fatalf("append after stop: %v stopped=%v", err, d.Stopped)
	}
}

func TestOpen_CreatesWhenMissing(t *testing.T) {
	path := filepath.Join(t.TempDir(), "s.json")
	d, created, err := Open(path, catalog.ExperimentXray)
	if err != nil || !created || d.ID == "" || len(d.History) != 0 {
		t.Fatalf("Open: %v created=%v %+v", err, created, d)
	}
	if err := d.Save(path); err != nil {
		t.Fatal(err)
	}
	again, created, err := Open(path, catalog.ExperimentXray)
	if err != nil || created || again.ID != d.ID {
		t.Fatalf("reopen: %v created=%v", err, created)
	}
}

func TestLoadSnapshot(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "session.json")

	s, err := LoadSnapshot(path, "")
	if err != nil || s.State != StateNew {
		t.Fatalf("missing session: %v %+v", err, s)
	}

	d := sampleDocument(t)
	if err := d.AppendRecord(history.Record{Program: "phenix.refine", ExitCode: 1, ResultText: "Sorry: labels"}); err != nil {
		t.Fatal(err)
	}
	if err := d.Save(path); err != nil {
		t.Fatal(err)
	}
	logs := runtime.NewProgressLog(dir)
	logs.Append(map[string]any{"event": "decision", "phase": "refine"})

	s, err = LoadSnapshot(path, dir)
	if err != nil {
		t.Fatal(err)
	}
	if s.State != StateFailing || s.Cycles != 3 || s.LastProgram != "phenix.refine" || !s.ChecksumOK {
		t.Fatalf("snapshot %+v", s)
	}
	if s.LastEvent != "decision" || s.LastPhase != "refine" || s.LastEventAt.IsZero() {
		t.Fatalf("progress fields %+v", s)
	}
	if s.BestFiles["model"] != "/w/PHASER.1.pdb" || len(s.Overrides) != 1 || len(s.Directives) != 1 {
		t.Fatalf("summary fields %+v", s)
	}
	if len(s.BestSummary) != 2 || s.BestSummary[0] != "data_mtz=/w/data_free.mtz (100.0 locked)" {
		t.Fatalf("best summary %q", s.BestSummary)
	}

	d.Stop("R-free at target")
	if err := d.Save(path); err != nil {
		t.Fatal(err)
	}
	if s, _ = LoadSnapshot(path, ""); s.State != StateStopped || s.StopReason != "R-free at target" {
		t.Fatalf("stopped snapshot %+v", s)
	}
}
