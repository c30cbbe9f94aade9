package files

import (
	"path/filepath"

	"github.com/danshapiro/xtalflow/internal/xtal/catalog"
)

// Classification is the per-cycle result of Classify. It is derived data and
// is rebuilt from the file listing every cycle.
type Classification struct {
	cat          *catalog.Catalog
	files        []File
	index        map[string]int
	unclassified []string
}

func (c *Classification) Files() []File {
	if c == nil {
		return nil
	}
	return append([]File{}, c.files...)
}

func (c *Classification) Unclassified() []string {
	if c == nil {
		return nil
	}
	return append([]string{}, c.unclassified...)
}

// Lookup finds a file by full path, falling back to a unique basename match.
func (c *Classification) Lookup(path string) (File, bool) {
	if c == nil {
		return File{}, false
	}
	if i, ok := c.index[path]; ok {
		return c.files[i], true
	}
	base := filepath.Base(path)
	var found File
	n := 0
	for _, f := range c.files {
		if f.Base == base {
			found = f
			n++
		}
	}
	return found, n == 1
}

func (c *Classification) Contains(path string) bool {
	_, ok := c.Lookup(path)
	return ok
}

// InCategory answers for the file's leaf and every ancestor of it.
func (c *Classification) InCategory(path, category string) bool {
	f, ok := c.Lookup(path)
	if !ok {
		return false
	}
	return c.cat.IsA(f.Category, category)
}

// ByCategory lists paths whose leaf is category or a descendant of it, in
// listing order.
func (c *Classification) ByCategory(category string) []string {
	if c == nil {
		return nil
	}
	var out []string
	for _, f := range c.files {
		if c.cat.IsA(f.Category, category) {
			out = append(out, f.Path)
		}
	}
	return out
}

func (c *Classification) Has(category string) bool {
	return len(c.ByCategory(category)) > 0
}

// Map yields category -> paths with every file bubbled up into all of its
// ancestors.
func (c *Classification) Map() map[string][]string {
	out := map[string][]string{}
	if c == nil {
		return out
	}
	for _, f := range c.files {
		for _, name := range c.cat.Lineage(f.Category) {
			out[name] = append(out[name], f.Path)
		}
	}
	return out
}

func (c *Classification) Basenames() []string {
	if c == nil {
		return nil
	}
	out := make([]string, 0, len(c.files)+len(c.unclassified))
	for _, f := range c.files {
		out = append(out, f.Base)
	}
	for _, p := range c.unclassified {
		out = append(out, filepath.Base(p))
	}
	return out
}

func (c *Classification) Catalog() *catalog.Catalog {
	if c == nil {
		return nil
	}
	return c.cat
}
