package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/danshapiro/xtalflow/internal/xtal/catalog"
)

// Exit codes. A stop or diagnosis is a workflow conclusion, not an error,
// but drivers need to tell them apart from "run this command".
const (
	exitOK        = 0
	exitError     = 1
	exitStop      = 2
	exitDiagnosis = 3
)

func main() {
	if len(os.Args) < 2 {
		usage(os.Stderr)
		os.Exit(exitError)
	}

	args := os.Args[2:]
	switch os.Args[1] {
	case "decide":
		os.Exit(runDecide(args, os.Stdout, os.Stderr))
	case "record":
		os.Exit(runRecord(args, os.Stdout, os.Stderr))
	case "classify":
		os.Exit(runClassify(args, os.Stdout, os.Stderr))
	case "status":
		os.Exit(runStatus(args, os.Stdout, os.Stderr))
	case "lint":
		os.Exit(runLint(args, os.Stdout, os.Stderr))
	case "help", "-h", "--help":
		usage(os.Stdout)
	default:
		usage(os.Stderr)
		os.Exit(exitError)
	}
}

func usage(w io.Writer) {
	fmt.Fprintln(w, "usage:")
	fmt.Fprintln(w, "  xtalflow decide --session <file> [--experiment xray|cryoem] [--catalog <file>] [--logs-root <dir>] [--advice <text>|--advice-file <file>] [--suggestion <json>] [--resolution <A>] [--files-local] [--edited] [--metrics-out <file>] [--json] [-v] <file>...")
	fmt.Fprintln(w, "  xtalflow record --session <file> --program <name> [--command <cmd>] [--exit-code <n>|--status success|failed] [--result <text>|--result-file <file>] [--output <file>]... [--metric key=value]... [--cycle <n>] [--edited]")
	fmt.Fprintln(w, "  xtalflow classify [--catalog <file>] [--files-local] [--json] <file>...")
	fmt.Fprintln(w, "  xtalflow status --session <file> [--logs-root <dir>] [--json]")
	fmt.Fprintln(w, "  xtalflow lint [--catalog <file>] [--json]")
	fmt.Fprintln(w, "exit codes: 0 continue, 1 error, 2 stop, 3 diagnosis")
}

// flagValue reads the value following args[*i].
func flagValue(args []string, i *int, stderr io.Writer) (string, bool) {
	name := args[*i]
	*i++
	if *i >= len(args) {
		fmt.Fprintf(stderr, "%s requires a value\n", name)
		return "", false
	}
	return args[*i], true
}

func loadCatalog(path string) (*catalog.Catalog, error) {
	if strings.TrimSpace(path) == "" {
		return catalog.Default()
	}
	return catalog.Load(path)
}

// logsRootFor prefers the flag, then the catalog run config, then the
// session's directory.
func logsRootFor(flag string, c *catalog.Catalog, sessionPath string) string {
	if flag != "" {
		return flag
	}
	if c != nil && c.Run.LogsRoot != "" {
		return c.Run.LogsRoot
	}
	return filepath.Dir(sessionPath)
}

func newLogger(stderr io.Writer, verbose bool) *slog.Logger {
	level := slog.LevelWarn
	if verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(stderr, &slog.HandlerOptions{Level: level}))
}
