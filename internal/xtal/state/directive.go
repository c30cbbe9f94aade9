// Package state turns evidence (files, history, best files) and user
// directives into the per-cycle Context, phase and valid program list.
package state

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// Directive is a user preference extracted from advice. The set of variants
// is closed; none of them can carry evidence fields such as a cell mismatch
// or a probe result.
type Directive interface {
	Kind() string
	directive()
}

type AfterProgram struct {
	Program string `json:"program"`
}

type StartWithProgram struct {
	Program string `json:"program"`
}

type SkipPrograms struct {
	Programs []string `json:"programs"`
}

// ProgramSettings holds key=value pairs. An empty Program applies the
// settings to whichever program is chosen, subject to scope matching.
type ProgramSettings struct {
	Program  string            `json:"program,omitempty"`
	Settings map[string]string `json:"settings"`
}

// ModelIsPlaced is a low-precision hint. It is only consulted after every
// evidence tier has come back inconclusive.
type ModelIsPlaced struct {
	LowConfidence bool `json:"low_confidence"`
}

type CrystalSymmetry struct {
	UnitCell   string `json:"unit_cell,omitempty"`
	SpaceGroup string `json:"space_group,omitempty"`
}

func (AfterProgram) Kind() string     { return "after_program" }
func (StartWithProgram) Kind() string { return "start_with_program" }
func (SkipPrograms) Kind() string     { return "skip_programs" }
func (ProgramSettings) Kind() string  { return "program_settings" }
func (ModelIsPlaced) Kind() string    { return "model_is_placed" }
func (CrystalSymmetry) Kind() string  { return "crystal_symmetry" }

func (AfterProgram) directive()     {}
func (StartWithProgram) directive() {}
func (SkipPrograms) directive()     {}
func (ProgramSettings) directive()  {}
func (ModelIsPlaced) directive()    {}
func (CrystalSymmetry) directive()  {}

// NewModelIsPlaced builds the variant with its fixed low confidence.
func NewModelIsPlaced() ModelIsPlaced { return ModelIsPlaced{LowConfidence: true} }

// Directives is the persisted form: a JSON array of {"kind": ..., ...}.
type Directives []Directive

type envelope struct {
	Kind string          `json:"kind"`
	Body json.RawMessage `json:"body"`
}

func (ds Directives) MarshalJSON() ([]byte, error) {
	out := make([]envelope, 0, len(ds))
	for _, d := range ds {
		b, err := json.Marshal(d)
		if err != nil {
			return nil, err
		}
		out = append(out, envelope{Kind: d.Kind(), Body: b})
	}
	return json.Marshal(out)
}

func (ds *Directives) UnmarshalJSON(b []byte) error {
	var raw []envelope
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	out := make(Directives, 0, len(raw))
	for _, e := range raw {
		d, err := decodeDirective(e)
		if err != nil {
			return err
		}
		out = append(out, d)
	}
	*ds = out
	return nil
}

func decodeDirective(e envelope) (Directive, error) {
	switch e.Kind {
	case "after_program":
		return decodeAs[AfterProgram](e.Body)
	case "start_with_program":
		return decodeAs[StartWithProgram](e.Body)
	case "skip_programs":
		return decodeAs[SkipPrograms](e.Body)
	case "program_settings":
		return decodeAs[ProgramSettings](e.Body)
	case "model_is_placed":
		return NewModelIsPlaced(), nil
	case "crystal_symmetry":
		return decodeAs[CrystalSymmetry](e.Body)
	default:
		return nil, fmt.Errorf("unknown directive kind: %q", e.Kind)
	}
}

func decodeAs[T Directive](body json.RawMessage) (Directive, error) {
	var d T
	if err := json.Unmarshal(body, &d); err != nil {
		return nil, err
	}
	return d, nil
}

// Describe renders directives for diagnostics in a stable order.
func Describe(ds []Directive) []string {
	out := make([]string, 0, len(ds))
	for _, d := range ds {
		switch v := d.(type) {
		case AfterProgram:
			out = append(out, "after "+v.Program)
		case StartWithProgram:
			out = append(out, "start with "+v.Program)
		case SkipPrograms:
			out = append(out, "skip "+strings.Join(v.Programs, ","))
		case ProgramSettings:
			keys := make([]string, 0, len(v.Settings))
			for k := range v.Settings {
				keys = append(keys, k+"="+v.Settings[k])
			}
			sort.Strings(keys)
			out = append(out, "settings "+strings.Join(keys, " "))
		case ModelIsPlaced:
			out = append(out, "model is placed (low confidence)")
		case CrystalSymmetry:
			out = append(out, strings.TrimSpace("symmetry "+v.SpaceGroup+" "+v.UnitCell))
		}
	}
	return out
}
