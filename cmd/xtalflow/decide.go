package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/danshapiro/xtalflow/internal/xtal/catalog"
	"github.com/danshapiro/xtalflow/internal/xtal/engine"
	"github.com/danshapiro/xtalflow/internal/xtal/runtime"
	"github.com/danshapiro/xtalflow/internal/xtal/session"
)

func runDecide(args []string, stdout io.Writer, stderr io.Writer) int {
	var sessionPath string
	var catalogPath string
	var logsRoot string
	var experiment string
	var advice string
	var adviceFile string
	var suggestionJSON string
	var metricsOut string
	var resolution float64
	var filesLocal bool
	var edited bool
	var asJSON bool
	var verbose bool
	var files []string

	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--session", "--catalog", "--logs-root", "--experiment", "--advice", "--advice-file", "--suggestion", "--metrics-out", "--resolution":
			flag := args[i]
			v, ok := flagValue(args, &i, stderr)
			if !ok {
				return exitError
			}
			switch flag {
			case "--session":
				sessionPath = v
			case "--catalog":
				catalogPath = v
			case "--logs-root":
				logsRoot = v
			case "--experiment":
				experiment = v
			case "--advice":
				advice = v
			case "--advice-file":
				adviceFile = v
			case "--suggestion":
				suggestionJSON = v
			case "--metrics-out":
				metricsOut = v
			case "--resolution":
				r, err := strconv.ParseFloat(v, 64)
				if err != nil || r <= 0 {
					fmt.Fprintln(stderr, "--resolution must be a positive number")
					return exitError
				}
				resolution = r
			}
		case "--files-local":
			filesLocal = true
		case "--edited":
			edited = true
		case "--json":
			asJSON = true
		case "-v", "--verbose":
			verbose = true
		default:
			if strings.HasPrefix(args[i], "-") {
				fmt.Fprintf(stderr, "unknown arg: %s\n", args[i])
				return exitError
			}
			files = append(files, args[i])
		}
	}
	if sessionPath == "" {
		usage(stderr)
		return exitError
	}
	if advice != "" && adviceFile != "" {
		fmt.Fprintln(stderr, "--advice and --advice-file are mutually exclusive")
		return exitError
	}
	if adviceFile != "" {
		b, err := os.ReadFile(adviceFile)
		if err != nil {
			fmt.Fprintln(stderr, err)
			return exitError
		}
		advice = string(b)
	}

	cat, err := loadCatalog(catalogPath)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return exitError
	}
	doc, err := openSession(sessionPath, experiment, edited)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return exitError
	}

	req := engine.Request{
		Session:    doc,
		Files:      files,
		FilesLocal: filesLocal,
		Advice:     advice,
		Resolution: resolution,
	}
	if suggestionJSON != "" {
		s, err := engine.ParseSuggestion([]byte(suggestionJSON))
		if err != nil {
			fmt.Fprintln(stderr, err)
			return exitError
		}
		req.Suggestion = &s
	}

	var oracle engine.Oracle
	if len(cat.Run.Oracle.Command) > 0 {
		oracle = engine.ExecOracle{Command: cat.Run.Oracle.Command}
	}
	metrics := engine.NewMetrics()
	progress := runtime.NewProgressLog(logsRootFor(logsRoot, cat, sessionPath))
	eng, err := engine.New(engine.Options{
		Catalog:  cat,
		Oracle:   oracle,
		Logger:   newLogger(stderr, verbose),
		Progress: progress,
		Metrics:  metrics,
	})
	if err != nil {
		fmt.Fprintln(stderr, err)
		return exitError
	}

	// Default: no deadline. The oracle call carries its own per-attempt timeout.
	d, err := eng.Decide(context.Background(), req)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return exitError
	}
	if err := doc.Save(sessionPath); err != nil {
		fmt.Fprintln(stderr, err)
		return exitError
	}
	if metricsOut != "" {
		if err := metrics.WriteTextfile(metricsOut); err != nil {
			fmt.Fprintf(stderr, "WARNING: metrics: %v\n", err)
		}
	}
	for _, w := range progress.Warnings() {
		fmt.Fprintf(stderr, "WARNING: %s\n", w)
	}

	if asJSON {
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(d); err != nil {
			fmt.Fprintln(stderr, err)
			return exitError
		}
	} else {
		printDecision(stdout, d)
	}
	return exitCodeFor(d.Result)
}

// openSession creates a session on first use. An existing session keeps its
// experiment type; a conflicting --experiment is an error.
func openSession(path, experiment string, edited bool) (*session.Document, error) {
	var exp catalog.ExperimentType
	if experiment != "" {
		e, ok := catalog.ParseExperimentType(experiment)
		if !ok {
			return nil, fmt.Errorf("invalid experiment type: %q", experiment)
		}
		exp = e
	}
	var doc *session.Document
	var created bool
	var err error
	if edited {
		doc, err = session.LoadEdited(path)
	} else {
		doc, created, err = session.Open(path, exp)
	}
	if err != nil {
		return nil, err
	}
	if created && exp == "" {
		return nil, fmt.Errorf("new session %s needs --experiment", path)
	}
	if exp != "" && doc.ExperimentType != exp {
		return nil, fmt.Errorf("session %s is %s, not %s", path, doc.ExperimentType, exp)
	}
	return doc, nil
}

func printDecision(w io.Writer, d *engine.Decision) {
	fmt.Fprintf(w, "session=%s\n", d.SessionID)
	fmt.Fprintf(w, "cycle=%d\n", d.Cycle)
	fmt.Fprintf(w, "phase=%s\n", d.Phase)
	fmt.Fprintf(w, "valid_programs=%s\n", strings.Join(d.ValidPrograms, ","))
	if d.ChosenProgram != "" {
		fmt.Fprintf(w, "program=%s\n", d.ChosenProgram)
		fmt.Fprintf(w, "source=%s\n", d.Source)
	}
	if d.Command != "" {
		fmt.Fprintf(w, "command=%s\n", d.Command)
	}
	if len(d.MissingSlots) > 0 {
		fmt.Fprintf(w, "missing=%s\n", strings.Join(d.MissingSlots, ","))
	}
	if d.Override != nil {
		fmt.Fprintf(w, "override=%s:%s=%s\n", d.Override.File, d.Override.Param, d.Override.Value)
	}
	fmt.Fprintf(w, "result=%s\n", d.Result.Kind)
	if d.Result.Reason != "" {
		fmt.Fprintf(w, "reason=%s\n", d.Result.Reason)
	}
	if d.Result.Diagnosis != nil {
		fmt.Fprintf(w, "diagnosis=%s\n", d.Result.Diagnosis.Kind)
	}
	for _, k := range d.Metrics.Keys() {
		fmt.Fprintf(w, "metric.%s=%g\n", k, d.Metrics[k])
	}
	for _, msg := range d.Diagnostics {
		fmt.Fprintf(w, "note=%s\n", msg)
	}
}

func exitCodeFor(r runtime.Result) int {
	switch r.Kind {
	case runtime.KindStop:
		return exitStop
	case runtime.KindDiagnosis:
		return exitDiagnosis
	default:
		return exitOK
	}
}
