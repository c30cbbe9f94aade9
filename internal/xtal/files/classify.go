// Package files assigns every input path to one leaf category of the
// catalog taxonomy.
package files

import (
	"path/filepath"
	"strings"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/danshapiro/xtalflow/internal/xtal/catalog"
)

// File is one classified path. Category is the leaf; membership in every
// ancestor follows from the taxonomy.
type File struct {
	Path     string       `json:"path"`
	Base     string       `json:"base"`
	Ext      string       `json:"ext"`
	Category string       `json:"category"`
	Root     string       `json:"root"`
	Sniff    *SniffResult `json:"sniff,omitempty"`
}

type Classifier struct {
	cat *catalog.Catalog
}

func NewClassifier(c *catalog.Catalog) *Classifier {
	return &Classifier{cat: c}
}

// Classify never fails: paths that match nothing, or whose content cannot be
// read when sniffing applies, are reported as unclassified.
func (c *Classifier) Classify(paths []string, filesLocal bool) *Classification {
	out := &Classification{cat: c.cat, index: map[string]int{}}
	seen := map[string]bool{}
	for _, p := range paths {
		p = strings.TrimSpace(p)
		if p == "" || seen[p] {
			continue
		}
		seen[p] = true
		f, ok := c.ClassifyFile(p, filesLocal)
		if !ok {
			out.unclassified = append(out.unclassified, p)
			continue
		}
		out.index[p] = len(out.files)
		out.files = append(out.files, f)
	}
	return out
}

func (c *Classifier) ClassifyFile(path string, filesLocal bool) (File, bool) {
	base := filepath.Base(path)
	ext := strings.ToLower(filepath.Ext(base))
	f := File{Path: path, Base: base, Ext: ext}
	leaf := c.matchName(base, ext)
	if leaf == "" {
		return f, false
	}
	if filesLocal {
		if cat, ok := c.cat.Category(leaf); ok && cat.Sniff {
			s := c.cat.Sniff
			res, err := SniffFile(path, s.PrefixBytes, s.MaxSmallRecords)
			if err != nil {
				return f, false
			}
			f.Sniff = &res
			switch res.Verdict {
			case VerdictSmallMolecule:
				if c.cat.AcceptsExtension(s.SmallMoleculeCategory, ext) {
					leaf = s.SmallMoleculeCategory
				}
			case VerdictProtein:
				if c.cat.AcceptsExtension(s.ProteinCategory, ext) && !c.cat.IsA(leaf, s.ProteinCategory) {
					leaf = s.ProteinCategory
				}
			}
		}
	}
	f.Category = leaf
	f.Root = c.cat.Root(leaf)
	return f, true
}

// matchName picks the deepest category whose patterns or words match the
// lower-cased basename; earlier declarations win ties. With no match the
// extension's default category is used.
func (c *Classifier) matchName(base, ext string) string {
	lower := strings.ToLower(base)
	stem := strings.TrimSuffix(lower, ext)
	best, bestDepth := "", -1
	for _, cat := range c.cat.Categories {
		if len(cat.Patterns) == 0 && len(cat.Words) == 0 {
			continue
		}
		if !c.cat.AcceptsExtension(cat.Name, ext) {
			continue
		}
		if !matchesCategory(cat, lower, stem) || excluded(cat.Exclude, stem) {
			continue
		}
		if d := c.cat.Depth(cat.Name); d > bestDepth {
			best, bestDepth = cat.Name, d
		}
	}
	if best != "" {
		return best
	}
	for _, cat := range c.cat.Categories {
		if cat.Default && c.cat.AcceptsExtension(cat.Name, ext) && !excluded(cat.Exclude, stem) {
			return cat.Name
		}
	}
	return ""
}

func matchesCategory(cat catalog.Category, lower, stem string) bool {
	for _, p := range cat.Patterns {
		if ok, _ := doublestar.Match(strings.ToLower(p), lower); ok {
			return true
		}
	}
	for _, w := range cat.Words {
		if HasWord(stem, strings.ToLower(w), true) {
			return true
		}
	}
	return false
}

func excluded(words []string, stem string) bool {
	for _, w := range words {
		if HasWord(stem, strings.ToLower(w), false) {
			return true
		}
	}
	return false
}

// HasWord reports whether w occurs in s starting at a word boundary: the
// start of s or just after '_', '-', '.' or a space. With wholeWord the match
// must also end at the end of s, a separator, or a digit. "noligand" does not
// contain the word "ligand".
func HasWord(s, w string, wholeWord bool) bool {
	if w == "" {
		return false
	}
	for i := 0; i <= len(s)-len(w); {
		j := strings.Index(s[i:], w)
		if j < 0 {
			return false
		}
		pos := i + j
		end := pos + len(w)
		startOK := pos == 0 || isSep(s[pos-1])
		endOK := !wholeWord || end == len(s) || isSep(s[end]) || isDigit(s[end])
		if startOK && endOK {
			return true
		}
		i = pos + 1
	}
	return false
}

func isSep(b byte) bool {
	return b == '_' || b == '-' || b == '.' || b == ' '
}

func isDigit(b byte) bool {
	return b >= '0' && b <= '9'
}
