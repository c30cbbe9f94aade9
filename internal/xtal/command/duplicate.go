package command

import (
	"path/filepath"
)

// DefaultOverlap is the token Jaccard overlap at which two same-program
// commands with the same input files count as duplicates.
const DefaultOverlap = 0.80

// IsDuplicate checks new against every prior command with DefaultOverlap.
func IsDuplicate(next string, prior []string) bool {
	return Guard{Overlap: DefaultOverlap}.IsDuplicate(next, prior)
}

// Guard holds the overlap threshold; zero means DefaultOverlap.
type Guard struct {
	Overlap float64
}

// IsDuplicate reports whether next repeats a prior command. An exact match
// always does. Otherwise only same-program commands with the same set of
// input-file basenames are compared, by token overlap.
func (g Guard) IsDuplicate(next string, prior []string) bool {
	if IsExactDuplicate(next, prior) {
		return true
	}
	threshold := g.Overlap
	if threshold <= 0 {
		threshold = DefaultOverlap
	}
	a := Tokenize(next)
	if len(a) == 0 {
		return false
	}
	aFiles := fileSet(a)
	aTokens := tokenSet(a)
	for _, p := range prior {
		b := Tokenize(p)
		if len(b) == 0 || b[0] != a[0] {
			continue
		}
		if !sameSet(aFiles, fileSet(b)) {
			continue
		}
		if jaccard(aTokens, tokenSet(b)) >= threshold {
			return true
		}
	}
	return false
}

func IsExactDuplicate(next string, prior []string) bool {
	n := Normalize(next)
	if n == "" {
		return false
	}
	for _, p := range prior {
		if Normalize(p) == n {
			return true
		}
	}
	return false
}

func fileSet(tokens []string) map[string]bool {
	out := map[string]bool{}
	for _, b := range FileBasenames(tokens[1:]) {
		out[b] = true
	}
	return out
}

// tokenSet normalizes file paths to basenames so a moved working directory
// does not defeat the comparison.
func tokenSet(tokens []string) map[string]bool {
	out := map[string]bool{}
	for _, t := range tokens[1:] {
		if IsFileToken(t) {
			if a, ok := SplitAssignment(t); ok {
				t = a.Key + "=" + filepath.Base(a.Value)
			} else {
				t = filepath.Base(unquote(t))
			}
		}
		out[t] = true
	}
	return out
}

func sameSet(a, b map[string]bool) bool {
	if len(a) != len(b) {
		return false
	}
	for k := range a {
		if !b[k] {
			return false
		}
	}
	return true
}

func jaccard(a, b map[string]bool) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 1
	}
	inter := 0
	for k := range a {
		if b[k] {
			inter++
		}
	}
	union := len(a) + len(b) - inter
	return float64(inter) / float64(union)
}
