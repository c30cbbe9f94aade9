package runtime

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestParseRunStatus(t *testing.T) {
	cases := map[string]RunStatus{
		"success": RunSuccess,
		" OK ":    RunSuccess,
		"failed":  RunFailed,
		"error":   RunFailed,
		"":        RunUnknown,
	}
	for in, want := range cases {
		got, err := ParseRunStatus(in)
		if err != nil || got != want {
			t.Fatalf("ParseRunStatus(%q)=%q,%v want %q", in, got, err, want)
		}
	}
	if _, err := ParseRunStatus("maybe"); err == nil {
		t.Fatalf("expected error for unknown status")
	}
}

func TestResult_Validate(t *testing.T) {
	if err := Continue().Validate(); err != nil {
		t.Fatal(err)
	}
	r := Diagnose("symmetry_mismatch", " space groups differ ")
	if err := r.Validate(); err != nil {
		t.Fatal(err)
	}
	if !r.IsStop() || r.Diagnosis.Text != "space groups differ" {
		t.Fatalf("diagnosis: %+v", r)
	}
	if Continue().IsStop() {
		t.Fatalf("continue must not stop")
	}
	if err := (Result{Kind: KindDiagnosis}).Validate(); err == nil {
		t.Fatalf("expected error for diagnosis without kind")
	}
	if err := (Result{Kind: "sideways"}).Validate(); err == nil {
		t.Fatalf("expected error for unknown kind")
	}
}

func TestWriteJSONAtomicFile_ReplacesContent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "doc.json")
	if err := WriteJSONAtomicFile(path, map[string]int{"a": 1}); err != nil {
		t.Fatal(err)
	}
	if err := WriteJSONAtomicFile(path, map[string]int{"a": 2}); err != nil {
		t.Fatal(err)
	}
	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	var got map[string]int
	if err := json.Unmarshal(b, &got); err != nil {
		t.Fatalf("unmarshal: %v (%s)", err, b)
	}
	if got["a"] != 2 {
		t.Fatalf("a=%d want 2", got["a"])
	}
	entries, _ := os.ReadDir(filepath.Dir(path))
	if len(entries) != 1 {
		t.Fatalf("temp files left behind: %v", entries)
	}
}

func TestProgressLog_AppendAndWarn(t *testing.T) {
	if NewProgressLog("  ") != nil {
		t.Fatalf("empty logs root should disable progress")
	}
	var nilLog *ProgressLog
	nilLog.Append(map[string]any{"event": "ignored"})
	nilLog.Warn("ignored")

	root := t.TempDir()
	p := NewProgressLog(root)
	p.now = func() time.Time { return time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC) }
	p.Append(map[string]any{"event": "phase_detected", "phase": "refine"})
	p.Warn("zombie flag cleared")

	f, err := os.Open(p.Path())
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	var events []map[string]any
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var ev map[string]any
		if err := json.Unmarshal(sc.Bytes(), &ev); err != nil {
			t.Fatalf("bad line %q: %v", sc.Text(), err)
		}
		events = append(events, ev)
	}
	if len(events) != 2 {
		t.Fatalf("events=%d want 2", len(events))
	}
	if events[0]["ts"] != "2026-01-02T03:04:05Z" || events[1]["event"] != "warning" {
		t.Fatalf("events: %+v", events)
	}
	if w := p.Warnings(); len(w) != 1 || w[0] != "zombie flag cleared" {
		t.Fatalf("warnings=%v", w)
	}
}
