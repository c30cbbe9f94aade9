package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/danshapiro/xtalflow/internal/xtal/engine"
	"github.com/danshapiro/xtalflow/internal/xtal/session"
)

func run(t *testing.T, fn func([]string, *bytes.Buffer, *bytes.Buffer) int, args ...string) (int, string, string) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	code := fn(args, &stdout, &stderr)
	return code, stdout.String(), stderr.String()
}

func decide(args []string, out, errb *bytes.Buffer) int   { return runDecide(args, out, errb) }
func record(args []string, out, errb *bytes.Buffer) int   { return runRecord(args, out, errb) }
func status(args []string, out, errb *bytes.Buffer) int   { return runStatus(args, out, errb) }
func classify(args []string, out, errb *bytes.Buffer) int { return runClassify(args, out, errb) }
func lint(args []string, out, errb *bytes.Buffer) int     { return runLint(args, out, errb) }

func field(t *testing.T, out, key string) string {
	t.Helper()
	for _, line := range strings.Split(out, "\n") {
		if v, ok := strings.CutPrefix(line, key+"="); ok {
			return v
		}
	}
	t.Fatalf("no %s= in output:\n%s", key, out)
	return ""
}

func TestDecideRecordStatusLoop(t *testing.T) {
	dir := t.TempDir()
	sess := filepath.Join(dir, "session.json")
	data := filepath.Join(dir, "data.mtz")
	prom := filepath.Join(dir, "xtalflow.prom")

	code, out, errOut := run(t, decide, "--session", sess, "--experiment", "xray", "--metrics-out", prom, data)
	if code != exitOK {
		t.Fatalf("decide exit=%d stderr=%s", code, errOut)
	}
	if field(t, out, "program") != "phenix.xtriage" || field(t, out, "cycle") != "1" {
		t.Fatalf("decide output:\n%s", out)
	}
	cmd := field(t, out, "command")
	if b, err := os.ReadFile(prom); err != nil || !strings.Contains(string(b), "xtalflow_decisions_total") {
		t.Fatalf("metrics textfile: %v", err)
	}

	code, out, errOut = run(t, record, "--session", sess, "--program", "phenix.xtriage", "--command", cmd,
		"--result", "Resolution range: 50.0 - 2.05", "--status", "success", "--metric", "anomalous_measurable=0.01")
	if code != exitOK || field(t, out, "cycle") != "1" {
		t.Fatalf("record exit=%d out=%s stderr=%s", code, out, errOut)
	}

	doc, err := session.Load(sess)
	if err != nil {
		t.Fatal(err)
	}
	if len(doc.History) != 1 || doc.History[0].Metrics["anomalous_measurable"] != 0.01 {
		t.Fatalf("history %+v", doc.History)
	}

	code, out, errOut = run(t, status, "--session", sess, "--logs-root", dir)
	if code != exitOK {
		t.Fatalf("status exit=%d stderr=%s", code, errOut)
	}
	if field(t, out, "state") != "active" || field(t, out, "cycles") != "1" || field(t, out, "last_event") != "decision" {
		t.Fatalf("status output:\n%s", out)
	}
	if !strings.HasPrefix(field(t, out, "best.data_mtz"), data+" (") {
		t.Fatalf("status best files:\n%s", out)
	}
	if field(t, out, "session") != doc.ID {
		t.Fatalf("status session id mismatch:\n%s", out)
	}

	// The same session with --json decodes into a decision.
	code, out, errOut = run(t, decide, "--session", sess, "--json", data)
	if code == exitError {
		t.Fatalf("decide --json exit=%d stderr=%s", code, errOut)
	}
	var d engine.Decision
	if err := json.Unmarshal([]byte(out), &d); err != nil {
		t.Fatalf("decode decision: %v\n%s", err, out)
	}
	if d.Cycle != 2 || d.SessionID != doc.ID {
		t.Fatalf("decision %+v", d)
	}
}

func TestDecide_ExitCodes(t *testing.T) {
	dir := t.TempDir()
	sess := filepath.Join(dir, "session.json")

	if code, _, errOut := run(t, decide, "--session", sess, filepath.Join(dir, "data.mtz")); code != exitError || !strings.Contains(errOut, "--experiment") {
		t.Fatalf("new session without experiment: exit=%d stderr=%s", code, errOut)
	}
	if code, _, _ := run(t, decide, "--session", sess, "--experiment", "neutron"); code != exitError {
		t.Fatalf("bad experiment exit=%d", code)
	}
	if code, _, _ := run(t, decide, "--session", sess, "--experiment", "xray", "--suggestion", "not json"); code != exitError {
		t.Fatalf("bad suggestion exit=%d", code)
	}

	code, out, _ := run(t, decide, "--session", sess, "--experiment", "xray")
	if code != exitStop || field(t, out, "result") != "stop" {
		t.Fatalf("no data: exit=%d\n%s", code, out)
	}
	if code, _, errOut := run(t, decide, "--session", sess, "--experiment", "cryoem"); code != exitError || !strings.Contains(errOut, "is xray") {
		t.Fatalf("experiment conflict: exit=%d stderr=%s", code, errOut)
	}
}

func TestRecord_RejectsBadInput(t *testing.T) {
	dir := t.TempDir()
	sess := filepath.Join(dir, "session.json")
	if err := session.New("xray").Save(sess); err != nil {
		t.Fatal(err)
	}
	cases := [][]string{
		{"--session", sess},
		{"--session", sess, "--program", "phenix.refine", "--status", "success", "--exit-code", "2"},
		{"--session", sess, "--program", "phenix.refine", "--status", "maybe"},
		{"--session", sess, "--program", "phenix.refine", "--metric", "r_free"},
		{"--session", sess, "--program", "phenix.refine", "--cycle", "0"},
		{"--session", filepath.Join(dir, "missing.json"), "--program", "phenix.refine"},
	}
	for _, args := range cases {
		if code, _, _ := run(t, record, args...); code != exitError {
			t.Fatalf("%v: exit=%d", args, code)
		}
	}

	code, out, _ := run(t, record, "--session", sess, "--program", "phenix.refine", "--status", "failed", "--cycle", "4")
	if code != exitOK || field(t, out, "exit_code") != "1" || field(t, out, "cycle") != "4" {
		t.Fatalf("failed status: exit=%d\n%s", code, out)
	}
	if code, _, _ := run(t, record, "--session", sess, "--program", "phenix.refine", "--cycle", "3"); code != exitError {
		t.Fatalf("out-of-order cycle accepted")
	}
}

func TestStatus_MissingSession(t *testing.T) {
	code, out, _ := run(t, status, "--session", filepath.Join(t.TempDir(), "none.json"))
	if code != exitOK || field(t, out, "state") != "new" {
		t.Fatalf("exit=%d\n%s", code, out)
	}
}

func TestClassifyAndLint(t *testing.T) {
	code, out, errOut := run(t, classify, "/w/data.mtz", "/w/seq.fa", "/w/notes.txt")
	if code != exitOK {
		t.Fatalf("classify exit=%d stderr=%s", code, errOut)
	}
	if !strings.Contains(out, "/w/data.mtz\tdata_mtz\t") || !strings.Contains(out, "/w/notes.txt\t-") {
		t.Fatalf("classify output:\n%s", out)
	}

	code, out, errOut = run(t, lint)
	if code != exitOK || !strings.Contains(out, "ok programs=") {
		t.Fatalf("lint exit=%d out=%s stderr=%s", code, out, errOut)
	}

	bad := filepath.Join(t.TempDir(), "catalog.yaml")
	if err := os.WriteFile(bad, []byte("version: 1\nbogus: true\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if code, _, _ := run(t, lint, "--catalog", bad); code != exitError {
		t.Fatalf("bad catalog exit=%d", code)
	}
}
