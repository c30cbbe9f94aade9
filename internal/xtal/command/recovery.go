package command

import (
	"path/filepath"
	"regexp"
	"strings"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/danshapiro/xtalflow/internal/xtal/catalog"
)

// Failure kinds recognized in tool output.
const (
	FailureAmbiguousLabels   = "ambiguous_data_labels"
	FailureSymmetryMismatch  = "symmetry_mismatch"
	FailureMissingProgram    = "missing_program"
	FailureRecoveryExhausted = "recovery_exhausted"
)

// Failure is a recognized tool failure. Terminal failures stop the workflow
// with a diagnosis; the rest can be recovered once per file.
type Failure struct {
	Kind     string   `json:"kind"`
	Terminal bool     `json:"terminal"`
	Program  string   `json:"program,omitempty"`
	File     string   `json:"file,omitempty"`
	Choices  []string `json:"choices,omitempty"`
	Param    string   `json:"param,omitempty"`
	Text     string   `json:"text,omitempty"`
}

func (f Failure) Recognized() bool { return f.Kind != "" }

type failurePattern struct {
	kind     string
	terminal bool
	re       *regexp.Regexp
}

var failurePatterns = []failurePattern{
	{FailureAmbiguousLabels, false, regexp.MustCompile(`(?i)multiple equally suitable arrays|ambiguous (?:data )?labels?|more than one (?:suitable )?(?:data )?array`)},
	{FailureSymmetryMismatch, true, regexp.MustCompile(`(?i)crystal symmetry mismatch|incompatible (?:crystal )?symmetr|(?:space group|unit cell)s? (?:are |is )?(?:incompatible|mismatch|do not match|does not match)`)},
	{FailureMissingProgram, true, regexp.MustCompile(`(?i)command not found|executable file not found|is not recognized as an internal or external command|no such file or directory: '?phenix`)},
}

var (
	choiceRe   = regexp.MustCompile(`^\s*(?:(\S+\.(?:mtz|sca|hkl|cif)):)?([A-Za-z][^\s]*)\s*$`)
	pleaseUse  = regexp.MustCompile(`(?i)please use\s+([A-Za-z_][\w.]*)`)
	choicesHdr = regexp.MustCompile(`(?i)^\s*possible choices\s*:?\s*$`)
)

// Diagnose recognizes failures the guard knows how to handle. An
// unrecognized failure returns a zero Failure.
func Diagnose(program, text string) Failure {
	for _, fp := range failurePatterns {
		if !fp.re.MatchString(text) {
			continue
		}
		f := Failure{Kind: fp.kind, Terminal: fp.terminal, Program: program, Text: firstLine(fp.re, text)}
		if fp.kind == FailureAmbiguousLabels {
			f.File, f.Choices = parseChoices(text)
			if m := pleaseUse.FindStringSubmatch(text); m != nil {
				f.Param = m[1]
			}
		}
		return f
	}
	return Failure{}
}

// parseChoices reads the indented lines after "Possible choices:". Each is
// either file:labels or bare labels.
func parseChoices(text string) (string, []string) {
	lines := strings.Split(text, "\n")
	file := ""
	var choices []string
	in := false
	for _, ln := range lines {
		if choicesHdr.MatchString(ln) {
			in = true
			continue
		}
		if !in {
			continue
		}
		if strings.TrimSpace(ln) == "" {
			if len(choices) > 0 {
				break
			}
			continue
		}
		m := choiceRe.FindStringSubmatch(ln)
		if m == nil {
			break
		}
		if file == "" && m[1] != "" {
			file = m[1]
		}
		choices = append(choices, m[2])
	}
	return file, choices
}

func firstLine(re *regexp.Regexp, text string) string {
	for _, ln := range strings.Split(text, "\n") {
		if re.MatchString(ln) {
			return strings.TrimSpace(ln)
		}
	}
	return strings.TrimSpace(re.FindString(text))
}

// Override is a recovery value force-injected for one input file.
type Override struct {
	File    string `json:"file"`
	Program string `json:"program"`
	Param   string `json:"param"`
	Value   string `json:"value"`
	Cycle   int    `json:"cycle"`
}

func (o Override) Assignment() Assignment { return Assignment{Key: o.Param, Value: o.Value} }

// Recovery resolves recoverable failures into per-file overrides.
type Recovery struct {
	cat *catalog.Catalog
}

func NewRecovery(c *catalog.Catalog) *Recovery {
	return &Recovery{cat: c}
}

// Resolve picks one label choice and returns the override to store. A file
// that already carries an override is refused, which ends the recovery loop
// with recovery_exhausted. fallbackFile names the data file when the tool
// output did not.
func (r *Recovery) Resolve(f Failure, contextText, fallbackFile string, existing map[string]Override, cycle int) (Override, *Failure) {
	if f.Kind != FailureAmbiguousLabels {
		return Override{}, &f
	}
	file := f.File
	if file == "" {
		file = fallbackFile
	}
	key := filepath.Base(file)
	if _, done := existing[key]; done || key == "" || key == "." {
		return Override{}, &Failure{
			Kind:     FailureRecoveryExhausted,
			Terminal: true,
			Program:  f.Program,
			File:     file,
			Text:     "data labels for " + key + " are still ambiguous after one recovery attempt",
		}
	}
	prog, ok := r.cat.Program(f.Program)
	param := ""
	if ok {
		param = prog.LabelsParam
	}
	if param == "" {
		param = f.Param
	}
	if param == "" || len(f.Choices) == 0 {
		return Override{}, &Failure{
			Kind:     FailureRecoveryExhausted,
			Terminal: true,
			Program:  f.Program,
			File:     file,
			Text:     "no label choices could be recovered for " + f.Program,
		}
	}
	choice := r.Choose(f.Program, contextText, f.Choices)
	return Override{File: key, Program: f.Program, Param: param, Value: firstLabel(choice), Cycle: cycle}, nil
}

// Choose applies the first matching label preference.
func (r *Recovery) Choose(program, contextText string, choices []string) string {
	if len(choices) == 0 {
		return ""
	}
	lower := strings.ToLower(contextText)
	short := catalog.ShortProgramName(program)
	for _, pref := range r.cat.LabelPreferences {
		if !programMatches(pref.Programs, program, short) {
			continue
		}
		if len(pref.Keywords) > 0 && !anyKeyword(lower, pref.Keywords) {
			continue
		}
		for _, c := range choices {
			if anomalousLabel(c) == (pref.Prefer == "anomalous") {
				return c
			}
		}
	}
	return choices[0]
}

func programMatches(globs []string, name, short string) bool {
	for _, g := range globs {
		if ok, _ := doublestar.Match(g, name); ok {
			return true
		}
		if ok, _ := doublestar.Match(g, short); ok {
			return true
		}
	}
	return false
}

func anyKeyword(lower string, words []string) bool {
	for _, w := range words {
		if w = strings.ToLower(strings.TrimSpace(w)); w != "" && containsWord(lower, w) {
			return true
		}
	}
	return false
}

func containsWord(s, w string) bool {
	for i := 0; ; {
		j := strings.Index(s[i:], w)
		if j < 0 {
			return false
		}
		start, end := i+j, i+j+len(w)
		if (start == 0 || !isWordChar(s[start-1])) && (end == len(s) || !isWordChar(s[end])) {
			return true
		}
		i = start + 1
	}
}

func isWordChar(b byte) bool {
	return b == '_' || (b >= 'a' && b <= 'z') || (b >= 'A' && b <= 'Z') || (b >= '0' && b <= '9')
}

func anomalousLabel(s string) bool {
	l := strings.ToLower(s)
	return strings.Contains(l, "(+)") || strings.Contains(l, "(-)") || strings.Contains(l, "anom") || strings.Contains(l, "dano")
}

// firstLabel keeps the leading column name, which is an unambiguous
// substring of the chosen array.
func firstLabel(choice string) string {
	if i := strings.IndexByte(choice, ','); i > 0 {
		return choice[:i]
	}
	return choice
}
