package runtime

import (
	"fmt"
	"strings"
)

// RunStatus is the driver-reported status of one executed cycle.
type RunStatus string

const (
	RunSuccess RunStatus = "success"
	RunFailed  RunStatus = "failed"
	RunUnknown RunStatus = "unknown"
)

func ParseRunStatus(s string) (RunStatus, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "success", "ok", "done", "completed":
		return RunSuccess, nil
	case "failed", "fail", "failure", "error":
		return RunFailed, nil
	case "", "unknown":
		return RunUnknown, nil
	default:
		return "", fmt.Errorf("invalid run status: %q", s)
	}
}

// ResultKind discriminates the outcome of a decision cycle.
type ResultKind string

const (
	KindContinue  ResultKind = "continue"
	KindStop      ResultKind = "stop"
	KindDiagnosis ResultKind = "diagnosis"
)

// Diagnosis is a structured explanation of why the workflow cannot proceed
// with the chosen program. Kind is a stable machine-readable tag.
type Diagnosis struct {
	Kind string `json:"kind"`
	Text string `json:"text"`
}

// Result is threaded through every layer of a cycle. A workflow that
// correctly concludes it cannot proceed is a Stop or Diagnosis result, never
// a Go error.
type Result struct {
	Kind      ResultKind `json:"kind"`
	Reason    string     `json:"reason,omitempty"`
	Diagnosis *Diagnosis `json:"diagnosis,omitempty"`
}

func Continue() Result { return Result{Kind: KindContinue} }

func Stop(reason string) Result {
	return Result{Kind: KindStop, Reason: strings.TrimSpace(reason)}
}

// Diagnose builds a Diagnosis result. A terminal diagnosis also stops the
// workflow; a non-terminal one leaves the caller free to continue.
func Diagnose(kind, text string) Result {
	return Result{
		Kind:      KindDiagnosis,
		Reason:    strings.TrimSpace(text),
		Diagnosis: &Diagnosis{Kind: strings.TrimSpace(kind), Text: strings.TrimSpace(text)},
	}
}

func (r Result) IsStop() bool {
	return r.Kind == KindStop || r.Kind == KindDiagnosis
}

func (r Result) Validate() error {
	switch r.Kind {
	case KindContinue:
		return nil
	case KindStop:
		return nil
	case KindDiagnosis:
		if r.Diagnosis == nil || strings.TrimSpace(r.Diagnosis.Kind) == "" {
			return fmt.Errorf("diagnosis result requires a diagnosis kind")
		}
		return nil
	default:
		return fmt.Errorf("invalid result kind: %q", r.Kind)
	}
}
