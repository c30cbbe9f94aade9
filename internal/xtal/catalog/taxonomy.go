package catalog

// The category taxonomy is a small DAG of declared parent edges. Everything
// that needs "is X a kind of Y" goes through these helpers instead of name
// conventions.

func (c *Catalog) Category(name string) (*Category, bool) {
	if c == nil {
		return nil, false
	}
	for i := range c.Categories {
		if c.Categories[i].Name == name {
			return &c.Categories[i], true
		}
	}
	return nil, false
}

// Ancestors returns every category reachable through parent edges, nearest
// first, each once. name itself is not included.
func (c *Catalog) Ancestors(name string) []string {
	var out []string
	seen := map[string]bool{name: true}
	queue := []string{name}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		cat, ok := c.Category(cur)
		if !ok {
			continue
		}
		for _, p := range cat.Parents {
			if seen[p] {
				continue
			}
			seen[p] = true
			out = append(out, p)
			queue = append(queue, p)
		}
	}
	return out
}

// Lineage is name followed by its ancestors.
func (c *Catalog) Lineage(name string) []string {
	if name == "" {
		return nil
	}
	return append([]string{name}, c.Ancestors(name)...)
}

// IsA reports whether name is ancestor or one of its descendants.
func (c *Catalog) IsA(name, ancestor string) bool {
	if name == "" || ancestor == "" {
		return false
	}
	for _, n := range c.Lineage(name) {
		if n == ancestor {
			return true
		}
	}
	return false
}

// Depth is the length of the longest parent chain above name.
func (c *Catalog) Depth(name string) int {
	return c.depth(name, map[string]bool{})
}

func (c *Catalog) depth(name string, visiting map[string]bool) int {
	cat, ok := c.Category(name)
	if !ok || visiting[name] {
		return 0
	}
	visiting[name] = true
	defer delete(visiting, name)
	best := 0
	for _, p := range cat.Parents {
		if d := c.depth(p, visiting) + 1; d > best {
			best = d
		}
	}
	return best
}

func (c *Catalog) IsRoot(name string) bool {
	cat, ok := c.Category(name)
	return ok && len(cat.Parents) == 0
}

// Extensions returns the category's own extensions, or the nearest
// ancestor's when it declares none.
func (c *Catalog) Extensions(name string) []string {
	for _, n := range c.Lineage(name) {
		if cat, ok := c.Category(n); ok && len(cat.Extensions) > 0 {
			return cat.Extensions
		}
	}
	return nil
}

func (c *Catalog) AcceptsExtension(name, ext string) bool {
	for _, e := range c.Extensions(name) {
		if e == ext {
			return true
		}
	}
	return false
}

// PolicyFor returns the effective update policy and lock qualifier, inherited
// from the nearest ancestor that declares one.
func (c *Catalog) PolicyFor(name string) (policy, qualifier string) {
	for _, n := range c.Lineage(name) {
		if cat, ok := c.Category(n); ok && cat.Policy != "" {
			return cat.Policy, cat.LockQualifier
		}
	}
	return PolicyBestScore, ""
}

// StageFor returns the processing stage label, inherited like PolicyFor.
func (c *Catalog) StageFor(name string) string {
	for _, n := range c.Lineage(name) {
		if cat, ok := c.Category(n); ok && cat.Stage != "" {
			return cat.Stage
		}
	}
	return ""
}

// Positioned reports whether name or an ancestor is marked positioned.
func (c *Catalog) Positioned(name string) bool {
	for _, n := range c.Lineage(name) {
		if cat, ok := c.Category(n); ok && cat.Positioned {
			return true
		}
	}
	return false
}

// Root returns the first root reachable from name.
func (c *Catalog) Root(name string) string {
	lineage := c.Lineage(name)
	for i := len(lineage) - 1; i >= 0; i-- {
		if c.IsRoot(lineage[i]) {
			return lineage[i]
		}
	}
	return name
}
