// Package command builds, sanitizes and guards program command lines.
package command

import (
	"path/filepath"
	"regexp"
	"strings"
)

// Tokenize splits a command on unquoted whitespace. Quotes are kept in the
// token so Join(Tokenize(s)) round-trips.
func Tokenize(cmd string) []string {
	var out []string
	var cur strings.Builder
	var quote rune
	for _, r := range cmd {
		switch {
		case quote != 0:
			cur.WriteRune(r)
			if r == quote {
				quote = 0
			}
		case r == '"' || r == '\'':
			quote = r
			cur.WriteRune(r)
		case r == ' ' || r == '\t' || r == '\n' || r == '\r':
			if cur.Len() > 0 {
				out = append(out, cur.String())
				cur.Reset()
			}
		default:
			cur.WriteRune(r)
		}
	}
	if cur.Len() > 0 {
		out = append(out, cur.String())
	}
	return out
}

func Join(tokens []string) string {
	return strings.Join(tokens, " ")
}

// Normalize collapses whitespace so equivalent commands compare equal.
func Normalize(cmd string) string {
	return Join(Tokenize(strings.TrimSpace(cmd)))
}

// Assignment is one key=value parameter.
type Assignment struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

func (a Assignment) String() string {
	return a.Key + "=" + quoteIfNeeded(a.Value)
}

func (a Assignment) Scoped() bool { return strings.Contains(a.Key, ".") }

var keyRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_.]*$`)

// SplitAssignment parses a token of the form key=value. The value is
// returned unquoted.
func SplitAssignment(tok string) (Assignment, bool) {
	i := strings.IndexByte(tok, '=')
	if i <= 0 {
		return Assignment{}, false
	}
	key := strings.TrimLeft(tok[:i], "-")
	if !keyRe.MatchString(key) {
		return Assignment{}, false
	}
	return Assignment{Key: key, Value: unquote(tok[i+1:])}, true
}

var assignRe = regexp.MustCompile(`(?:^|[\s,;(])([A-Za-z_][A-Za-z0-9_.]*)\s*=\s*("[^"]*"|'[^']*'|\([^)]*\)|[^\s,;]+)`)

// ParseAssignments finds key=value pairs in free text, in order. Later
// duplicates of a key replace earlier ones.
func ParseAssignments(text string) []Assignment {
	var out []Assignment
	index := map[string]int{}
	for _, m := range assignRe.FindAllStringSubmatch(text, -1) {
		a := Assignment{Key: m[1], Value: strings.TrimRight(unquote(m[2]), ".")}
		if a.Value == "" {
			continue
		}
		if i, ok := index[a.Key]; ok {
			out[i] = a
			continue
		}
		index[a.Key] = len(out)
		out = append(out, a)
	}
	return out
}

// LeafKey is the last dotted component: "xray_data.labels" -> "labels".
func LeafKey(key string) string {
	if i := strings.LastIndexByte(key, '.'); i >= 0 {
		return key[i+1:]
	}
	return key
}

// KeysMatch compares parameter keys by dot-suffix: "labels" matches
// "xray_data.labels", and "main.cycles" matches "refinement.main.cycles".
func KeysMatch(a, b string) bool {
	if a == "" || b == "" {
		return false
	}
	return a == b || strings.HasSuffix(a, "."+b) || strings.HasSuffix(b, "."+a)
}

func unquote(v string) string {
	v = strings.TrimSpace(v)
	if len(v) >= 2 {
		if (v[0] == '"' && v[len(v)-1] == '"') || (v[0] == '\'' && v[len(v)-1] == '\'') {
			return v[1 : len(v)-1]
		}
		if v[0] == '(' && v[len(v)-1] == ')' {
			return strings.TrimSpace(v[1 : len(v)-1])
		}
	}
	return v
}

func quoteIfNeeded(v string) string {
	if strings.ContainsAny(v, " \t") {
		return `"` + v + `"`
	}
	return v
}

// fileExtensions are the data, model and sequence formats that make a token
// an input file.
var fileExtensions = map[string]bool{
	".pdb": true, ".ent": true, ".cif": true, ".mmcif": true,
	".mtz": true, ".sca": true, ".hkl": true,
	".mrc": true, ".ccp4": true, ".map": true,
	".fa": true, ".fasta": true, ".seq": true, ".pir": true, ".dat": true,
	".eff": true, ".params": true,
}

// IsFileToken reports whether tok, or the value of a key=path token, names an
// input file.
func IsFileToken(tok string) bool {
	if a, ok := SplitAssignment(tok); ok {
		tok = a.Value
	}
	tok = unquote(tok)
	return fileExtensions[strings.ToLower(filepath.Ext(tok))]
}

// FileBasenames returns the basenames of every file token.
func FileBasenames(tokens []string) []string {
	var out []string
	for _, t := range tokens {
		if !IsFileToken(t) {
			continue
		}
		v := t
		if a, ok := SplitAssignment(t); ok {
			v = a.Value
		}
		out = append(out, filepath.Base(unquote(v)))
	}
	return out
}
