package main

import (
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/danshapiro/xtalflow/internal/xtal/history"
	"github.com/danshapiro/xtalflow/internal/xtal/runtime"
	"github.com/danshapiro/xtalflow/internal/xtal/session"
)

// runRecord appends one executed cycle to the session. It is the only way
// history grows.
func runRecord(args []string, stdout io.Writer, stderr io.Writer) int {
	var sessionPath string
	var edited bool
	var status string
	var resultFile string
	exitCode := -1
	rec := history.Record{}

	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--edited":
			edited = true
		case "--session", "--program", "--command", "--exit-code", "--status", "--result", "--result-file", "--output", "--metric", "--cycle":
			flag := args[i]
			v, ok := flagValue(args, &i, stderr)
			if !ok {
				return exitError
			}
			switch flag {
			case "--session":
				sessionPath = v
			case "--program":
				rec.Program = v
			case "--command":
				rec.Command = v
			case "--exit-code":
				n, err := strconv.Atoi(v)
				if err != nil {
					fmt.Fprintln(stderr, "--exit-code must be an integer")
					return exitError
				}
				exitCode = n
			case "--status":
				status = v
			case "--result":
				rec.ResultText = v
			case "--result-file":
				resultFile = v
			case "--output":
				rec.OutputFiles = append(rec.OutputFiles, v)
			case "--metric":
				key, val, found := strings.Cut(v, "=")
				f, err := strconv.ParseFloat(strings.TrimSpace(val), 64)
				if !found || strings.TrimSpace(key) == "" || err != nil {
					fmt.Fprintf(stderr, "--metric %q is invalid; expected key=number\n", v)
					return exitError
				}
				if rec.Metrics == nil {
					rec.Metrics = runtime.Metrics{}
				}
				rec.Metrics[strings.TrimSpace(key)] = f
			case "--cycle":
				n, err := strconv.Atoi(v)
				if err != nil || n < 1 {
					fmt.Fprintln(stderr, "--cycle must be a positive integer")
					return exitError
				}
				rec.Cycle = n
			}
		default:
			fmt.Fprintf(stderr, "unknown arg: %s\n", args[i])
			return exitError
		}
	}
	if sessionPath == "" || strings.TrimSpace(rec.Program) == "" {
		usage(stderr)
		return exitError
	}
	if resultFile != "" {
		b, err := os.ReadFile(resultFile)
		if err != nil {
			fmt.Fprintln(stderr, err)
			return exitError
		}
		rec.ResultText = string(b)
	}
	st, err := runtime.ParseRunStatus(status)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return exitError
	}
	switch {
	case exitCode >= 0:
		rec.ExitCode = exitCode
	case st == runtime.RunFailed:
		rec.ExitCode = 1
	}
	if st == runtime.RunSuccess && rec.ExitCode != 0 {
		fmt.Fprintf(stderr, "--status success conflicts with --exit-code %d\n", rec.ExitCode)
		return exitError
	}

	var doc *session.Document
	if edited {
		doc, err = session.LoadEdited(sessionPath)
	} else {
		doc, err = session.Load(sessionPath)
	}
	if err != nil {
		fmt.Fprintln(stderr, err)
		return exitError
	}
	if err := doc.AppendRecord(rec); err != nil {
		fmt.Fprintln(stderr, err)
		return exitError
	}
	if err := doc.Save(sessionPath); err != nil {
		fmt.Fprintln(stderr, err)
		return exitError
	}
	fmt.Fprintf(stdout, "cycle=%d\n", doc.LastCycle())
	fmt.Fprintf(stdout, "program=%s\n", rec.Program)
	fmt.Fprintf(stdout, "exit_code=%d\n", rec.ExitCode)
	return exitOK
}
