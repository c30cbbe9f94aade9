package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/danshapiro/xtalflow/internal/xtal/catalog"
	"github.com/danshapiro/xtalflow/internal/xtal/files"
	"github.com/danshapiro/xtalflow/internal/xtal/session"
)

func writeJSON(stdout, stderr io.Writer, v any) int {
	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		fmt.Fprintln(stderr, err)
		return exitError
	}
	return exitOK
}

func runStatus(args []string, stdout io.Writer, stderr io.Writer) int {
	var sessionPath string
	var logsRoot string
	var asJSON bool
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--session":
			v, ok := flagValue(args, &i, stderr)
			if !ok {
				return exitError
			}
			sessionPath = v
		case "--logs-root":
			v, ok := flagValue(args, &i, stderr)
			if !ok {
				return exitError
			}
			logsRoot = v
		case "--json":
			asJSON = true
		default:
			fmt.Fprintf(stderr, "unknown arg: %s\n", args[i])
			return exitError
		}
	}
	if sessionPath == "" {
		usage(stderr)
		return exitError
	}
	s, err := session.LoadSnapshot(sessionPath, logsRoot)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return exitError
	}
	if asJSON {
		return writeJSON(stdout, stderr, s)
	}

	fmt.Fprintf(stdout, "state=%s\n", s.State)
	if s.ID != "" {
		fmt.Fprintf(stdout, "session=%s\n", s.ID)
		fmt.Fprintf(stdout, "experiment=%s\n", s.ExperimentType)
	}
	fmt.Fprintf(stdout, "cycles=%d\n", s.Cycles)
	if s.LastProgram != "" {
		fmt.Fprintf(stdout, "last_program=%s\n", s.LastProgram)
		fmt.Fprintf(stdout, "last_exit_code=%d\n", s.LastExitCode)
	}
	if s.StopReason != "" {
		fmt.Fprintf(stdout, "stop_reason=%s\n", s.StopReason)
	}
	if s.LockedDataFile != "" {
		fmt.Fprintf(stdout, "locked_data=%s\n", s.LockedDataFile)
	}
	for _, line := range s.BestSummary {
		fmt.Fprintf(stdout, "best.%s\n", line)
	}
	for _, o := range s.Overrides {
		fmt.Fprintf(stdout, "override=%s\n", o)
	}
	for _, d := range s.Directives {
		fmt.Fprintf(stdout, "directive=%s\n", d)
	}
	if !s.ChecksumOK {
		fmt.Fprintln(stdout, "checksum=mismatch (edited by hand; next save reseals)")
	}
	if s.LastEvent != "" {
		fmt.Fprintf(stdout, "last_event=%s\n", s.LastEvent)
		if s.LastPhase != "" {
			fmt.Fprintf(stdout, "last_phase=%s\n", s.LastPhase)
		}
		if !s.LastEventAt.IsZero() {
			fmt.Fprintf(stdout, "last_event_at=%s\n", s.LastEventAt.Format(time.RFC3339))
		}
	}
	return exitOK
}

type classifiedFile struct {
	files.File
	Lineage []string `json:"lineage"`
}

func runClassify(args []string, stdout io.Writer, stderr io.Writer) int {
	var catalogPath string
	var filesLocal bool
	var asJSON bool
	var paths []string
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--catalog":
			v, ok := flagValue(args, &i, stderr)
			if !ok {
				return exitError
			}
			catalogPath = v
		case "--files-local":
			filesLocal = true
		case "--json":
			asJSON = true
		default:
			if strings.HasPrefix(args[i], "-") {
				fmt.Fprintf(stderr, "unknown arg: %s\n", args[i])
				return exitError
			}
			paths = append(paths, args[i])
		}
	}
	if len(paths) == 0 {
		usage(stderr)
		return exitError
	}
	cat, err := loadCatalog(catalogPath)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return exitError
	}
	cl := files.NewClassifier(cat).Classify(paths, filesLocal)
	out := []classifiedFile{}
	for _, f := range cl.Files() {
		out = append(out, classifiedFile{File: f, Lineage: cat.Lineage(f.Category)})
	}
	if asJSON {
		return writeJSON(stdout, stderr, map[string]any{
			"files":        out,
			"unclassified": cl.Unclassified(),
		})
	}
	for _, f := range out {
		fmt.Fprintf(stdout, "%s\t%s\t%s\n", f.Path, f.Category, strings.Join(f.Lineage, ","))
	}
	for _, p := range cl.Unclassified() {
		fmt.Fprintf(stdout, "%s\t-\n", p)
	}
	return exitOK
}

// runLint loads a catalog (which rejects ERROR findings) and reports the
// remaining warnings.
func runLint(args []string, stdout io.Writer, stderr io.Writer) int {
	var catalogPath string
	var asJSON bool
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--catalog":
			v, ok := flagValue(args, &i, stderr)
			if !ok {
				return exitError
			}
			catalogPath = v
		case "--json":
			asJSON = true
		default:
			fmt.Fprintf(stderr, "unknown arg: %s\n", args[i])
			return exitError
		}
	}
	cat, err := loadCatalog(catalogPath)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return exitError
	}
	diags := catalog.Lint(cat)
	if asJSON {
		if diags == nil {
			diags = []catalog.Diagnostic{}
		}
		return writeJSON(stdout, stderr, diags)
	}
	for _, d := range diags {
		where := d.Program
		if where == "" {
			where = d.Category
		}
		if where != "" {
			fmt.Fprintf(stdout, "%s %s [%s] %s\n", d.Severity, d.Rule, where, d.Message)
		} else {
			fmt.Fprintf(stdout, "%s %s %s\n", d.Severity, d.Rule, d.Message)
		}
	}
	fmt.Fprintf(stdout, "ok programs=%d categories=%d\n", len(cat.Programs), len(cat.Categories))
	return exitOK
}
