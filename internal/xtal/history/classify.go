// Package history derives done flags, counters, metrics and placement-probe
// state from the append-only cycle log.
package history

import (
	"regexp"
	"strings"

	"github.com/danshapiro/xtalflow/internal/xtal/runtime"
)

// Record is one executed cycle. Records are immutable once appended.
type Record struct {
	Cycle       int             `json:"cycle"`
	Program     string          `json:"program"`
	Command     string          `json:"command,omitempty"`
	ResultText  string          `json:"result_text,omitempty"`
	ExitCode    int             `json:"exit_code"`
	OutputFiles []string        `json:"output_files,omitempty"`
	Metrics     runtime.Metrics `json:"metrics,omitempty"`
}

type VerdictKind string

const (
	VerdictSuccess       VerdictKind = "success"
	VerdictFailure       VerdictKind = "failure"
	VerdictProbePositive VerdictKind = "probe_positive"
)

type Verdict struct {
	Kind   VerdictKind `json:"kind"`
	Signal string      `json:"signal,omitempty"`
}

func (v Verdict) Failed() bool { return v.Kind != VerdictSuccess }

type signature struct {
	name string
	re   *regexp.Regexp
}

// failureSignatures are checked in order; the first hit names the failure.
// A bare "error" is deliberately absent: tools print "Expected errors: 0".
var failureSignatures = []signature{
	{"failed", regexp.MustCompile(`\bFAILED\b`)},
	{"sorry", regexp.MustCompile(`(?i)\bsorry:`)},
	{"error_banner", regexp.MustCompile(`\*\*\*\s*ERROR`)},
	{"fatal", regexp.MustCompile(`(?i)\bfatal:`)},
	{"traceback", regexp.MustCompile(`(?i)\btraceback\b`)},
	{"exception", regexp.MustCompile(`(?i)\b\w*exception:|\bexception\b`)},
}

// probePositiveSignatures are failure texts from a placement probe that are
// themselves definitive evidence the model is not where the data is.
var probePositiveSignatures = []signature{
	{"model_outside_map", regexp.MustCompile(`(?i)model is entirely outside (the )?map`)},
	{"no_model_map_overlap", regexp.MustCompile(`(?i)no overlap between (the )?model and (the )?map`)},
	{"model_outside_cell", regexp.MustCompile(`(?i)model (is )?(completely |entirely )?outside (the )?unit cell`)},
}

// ClassifyResult decides success or failure of one run. probe enables the
// probe-positive check, which takes precedence over ordinary failure.
func ClassifyResult(text string, exitCode int, probe bool) Verdict {
	if probe {
		if sig := firstMatch(probePositiveSignatures, text); sig != "" {
			return Verdict{Kind: VerdictProbePositive, Signal: sig}
		}
	}
	if sig := firstMatch(failureSignatures, text); sig != "" {
		return Verdict{Kind: VerdictFailure, Signal: sig}
	}
	if exitCode != 0 {
		return Verdict{Kind: VerdictFailure, Signal: "exit_code"}
	}
	return Verdict{Kind: VerdictSuccess}
}

func firstMatch(sigs []signature, text string) string {
	if strings.TrimSpace(text) == "" {
		return ""
	}
	for _, s := range sigs {
		if s.re.MatchString(text) {
			return s.name
		}
	}
	return ""
}
