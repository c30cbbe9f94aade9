package state

import (
	"regexp"
	"strings"

	"github.com/danshapiro/xtalflow/internal/xtal/catalog"
	"github.com/danshapiro/xtalflow/internal/xtal/command"
)

var (
	afterRe = regexp.MustCompile(`(?i)\b(?:stop|finish|end|quit|done)\s+after\s+(?:running\s+|the\s+)?([\w.]+)`)
	startRe = regexp.MustCompile(`(?i)\b(?:start|begin)\s+(?:with|by\s+running)\s+([\w.]+)|\bfirst\s+run\s+([\w.]+)`)
	skipRe  = regexp.MustCompile(`(?i)\b(?:skip|don'?t\s+run|do\s+not\s+run|avoid)\s+([\w.]+(?:\s*(?:,|\band\b|\bor\b)\s*[\w.]+)*)`)
	placeRe = regexp.MustCompile(`(?i)\bmodel\s+is\s+(?:already\s+)?(?:placed|positioned|docked)\b|\balready\s+(?:placed|positioned|docked)\b|\bno\s+(?:need\s+for\s+)?molecular\s+replacement\b`)
	sgRe    = regexp.MustCompile(`(?im)\bspace[\s_]*group\s*(?:is\s+|=\s*|:\s*)?([A-Za-z0-9][A-Za-z0-9()/: -]*?)\s*(?:[,;]|\.(?:\s|$)|\band\b|\bunit\b|\bwith\b|$)`)
	cellRe  = regexp.MustCompile(`(?i)\b(?:unit[\s_]*)?cell\s*(?:is\s+|=\s*|:\s*)?\(?\s*([0-9]+(?:\.[0-9]+)?(?:[\s,]+[0-9]+(?:\.[0-9]+)?){5})\s*\)?`)
	listSep = regexp.MustCompile(`(?i)\s*(?:,|\band\b|\bor\b)\s*`)
)

// ExtractDirectives reads free-text advice into directives. Program names
// are kept only when the catalog knows them. Unrecognized text produces
// nothing rather than a guess.
func ExtractDirectives(advice string, c *catalog.Catalog) []Directive {
	advice = strings.TrimSpace(advice)
	if advice == "" {
		return nil
	}
	var out []Directive
	for _, m := range afterRe.FindAllStringSubmatch(advice, -1) {
		if name, ok := programName(c, m[1]); ok {
			out = append(out, AfterProgram{Program: name})
		}
	}
	for _, m := range startRe.FindAllStringSubmatch(advice, -1) {
		raw := m[1]
		if raw == "" {
			raw = m[2]
		}
		if name, ok := programName(c, raw); ok {
			out = append(out, StartWithProgram{Program: name})
			break
		}
	}
	var skip []string
	for _, m := range skipRe.FindAllStringSubmatch(advice, -1) {
		for _, tok := range listSep.Split(m[1], -1) {
			if name, ok := programName(c, tok); ok {
				skip = append(skip, name)
			}
		}
	}
	if len(skip) > 0 {
		out = append(out, SkipPrograms{Programs: skip})
	}
	if placeRe.MatchString(advice) {
		out = append(out, NewModelIsPlaced())
	}

	sym := CrystalSymmetry{}
	settings := map[string]string{}
	for _, a := range command.ParseAssignments(advice) {
		switch command.LeafKey(a.Key) {
		case "space_group":
			sym.SpaceGroup = a.Value
		case "unit_cell":
			sym.UnitCell = normalizeCell(a.Value)
		default:
			settings[a.Key] = a.Value
		}
	}
	if sym.SpaceGroup == "" {
		if m := sgRe.FindStringSubmatch(advice); m != nil && command.ValidSpaceGroup(m[1]) {
			sym.SpaceGroup = strings.TrimSpace(m[1])
		}
	}
	if sym.UnitCell == "" {
		if m := cellRe.FindStringSubmatch(advice); m != nil {
			sym.UnitCell = normalizeCell(m[1])
		}
	}
	if len(settings) > 0 {
		out = append(out, ProgramSettings{Settings: settings})
	}
	if sym.SpaceGroup != "" || sym.UnitCell != "" {
		out = append(out, sym)
	}
	return out
}

func programName(c *catalog.Catalog, raw string) (string, bool) {
	raw = strings.Trim(strings.TrimSpace(raw), ".,;")
	if raw == "" {
		return "", false
	}
	p, ok := c.Program(raw)
	if !ok {
		return "", false
	}
	return p.Name, true
}

func normalizeCell(s string) string {
	s = strings.Trim(strings.TrimSpace(s), "()\"'")
	return strings.Join(strings.FieldsFunc(s, func(r rune) bool { return r == ',' || r == ' ' || r == '\t' }), " ")
}
