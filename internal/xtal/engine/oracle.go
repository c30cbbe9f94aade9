package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"sort"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/danshapiro/xtalflow/internal/xtal/runtime"
	"github.com/danshapiro/xtalflow/internal/xtal/state"
)

var ErrInvalidSuggestion = errors.New("invalid oracle suggestion")

// Prompt is what the oracle sees of one cycle.
type Prompt struct {
	SessionID     string              `json:"session_id"`
	Cycle         int                 `json:"cycle"`
	Experiment    string              `json:"experiment_type"`
	Phase         string              `json:"phase"`
	ValidPrograms []string            `json:"valid_programs"`
	Files         map[string][]string `json:"files,omitempty"`
	BestFiles     map[string]string   `json:"best_files,omitempty"`
	Metrics       runtime.Metrics     `json:"metrics,omitempty"`
	Advice        string              `json:"advice,omitempty"`
	Directives    []string            `json:"directives,omitempty"`
	LastCommand   string              `json:"last_command,omitempty"`
	Diagnostics   []string            `json:"diagnostics,omitempty"`
}

// Suggestion is the oracle's answer. Files are hints for the command
// builder; Strategy maps strategy names or known flags to values.
type Suggestion struct {
	Program  string            `json:"program,omitempty"`
	Strategy map[string]string `json:"strategy,omitempty"`
	Files    []string          `json:"files,omitempty"`
	Stop     bool              `json:"stop,omitempty"`
	Reason   string            `json:"reason,omitempty"`
}

type Oracle interface {
	Suggest(ctx context.Context, p Prompt) (Suggestion, error)
}

// RulesOracle picks the first valid program, or STOP when nothing else is
// offered.
type RulesOracle struct{}

func (RulesOracle) Suggest(_ context.Context, p Prompt) (Suggestion, error) {
	for _, name := range p.ValidPrograms {
		if name != state.Stop {
			return Suggestion{Program: name, Reason: "first valid program"}, nil
		}
	}
	return Suggestion{Stop: true, Reason: "no program left to run"}, nil
}

// ExecOracle runs an external command with the prompt as JSON on stdin and
// reads a suggestion object from stdout.
type ExecOracle struct {
	Command []string
	Env     []string
}

func (o ExecOracle) Suggest(ctx context.Context, p Prompt) (Suggestion, error) {
	if len(o.Command) == 0 {
		return Suggestion{}, fmt.Errorf("oracle command is empty")
	}
	in, err := json.Marshal(p)
	if err != nil {
		return Suggestion{}, err
	}
	cmd := exec.CommandContext(ctx, o.Command[0], o.Command[1:]...)
	cmd.Stdin = bytes.NewReader(in)
	if len(o.Env) > 0 {
		cmd.Env = append(cmd.Environ(), o.Env...)
	}
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(stderr.String())
		if len(msg) > 500 {
			msg = msg[len(msg)-500:]
		}
		return Suggestion{}, fmt.Errorf("oracle %s: %w: %s", o.Command[0], err, msg)
	}
	return ParseSuggestion(stdout.Bytes())
}

const suggestionSchemaJSON = `{
  "type": "object",
  "properties": {
    "program": {"type": "string"},
    "strategy": {
      "type": "object",
      "additionalProperties": {"type": ["string", "number", "boolean"]}
    },
    "files": {"type": "array", "items": {"type": "string"}},
    "stop": {"type": "boolean"},
    "reason": {"type": "string"}
  },
  "anyOf": [
    {"required": ["program"], "properties": {"program": {"minLength": 1}}},
    {"required": ["stop"], "properties": {"stop": {"const": true}}}
  ]
}`

var suggestionSchema = func() *jsonschema.Schema {
	c := jsonschema.NewCompiler()
	if err := c.AddResource("suggestion.json", strings.NewReader(suggestionSchemaJSON)); err != nil {
		panic(err)
	}
	return c.MustCompile("suggestion.json")
}()

// ParseSuggestion extracts the JSON object from oracle output, which may
// carry text around it, and validates it.
func ParseSuggestion(b []byte) (Suggestion, error) {
	text := strings.TrimSpace(string(b))
	start, end := strings.Index(text, "{"), strings.LastIndex(text, "}")
	if start < 0 || end < start {
		return Suggestion{}, fmt.Errorf("%w: no JSON object in output", ErrInvalidSuggestion)
	}
	text = text[start : end+1]

	var raw any
	if err := json.Unmarshal([]byte(text), &raw); err != nil {
		return Suggestion{}, fmt.Errorf("%w: %v", ErrInvalidSuggestion, err)
	}
	if err := suggestionSchema.Validate(raw); err != nil {
		return Suggestion{}, fmt.Errorf("%w: %v", ErrInvalidSuggestion, err)
	}
	var wire struct {
		Program  string         `json:"program"`
		Strategy map[string]any `json:"strategy"`
		Files    []string       `json:"files"`
		Stop     bool           `json:"stop"`
		Reason   string         `json:"reason"`
	}
	if err := json.Unmarshal([]byte(text), &wire); err != nil {
		return Suggestion{}, fmt.Errorf("%w: %v", ErrInvalidSuggestion, err)
	}
	s := Suggestion{
		Program: strings.TrimSpace(wire.Program),
		Files:   wire.Files,
		Stop:    wire.Stop,
		Reason:  strings.TrimSpace(wire.Reason),
	}
	if len(wire.Strategy) > 0 {
		s.Strategy = make(map[string]string, len(wire.Strategy))
		for k, v := range wire.Strategy {
			s.Strategy[k] = fmt.Sprint(v)
		}
	}
	return s, nil
}

func sortedFileMap(m map[string][]string) map[string][]string {
	out := make(map[string][]string, len(m))
	for k, v := range m {
		vs := append([]string{}, v...)
		sort.Strings(vs)
		out[k] = vs
	}
	return out
}
