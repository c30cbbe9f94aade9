// Package bestfiles keeps, per category, the highest quality file seen so far
// in a session.
package bestfiles

import (
	"fmt"
	"sort"
	"strings"

	"github.com/danshapiro/xtalflow/internal/xtal/catalog"
	"github.com/danshapiro/xtalflow/internal/xtal/files"
	"github.com/danshapiro/xtalflow/internal/xtal/runtime"
)

// Entry is the persisted best file for one category. Entries are overwritten,
// never removed.
type Entry struct {
	Path     string          `json:"path"`
	Category string          `json:"category"`
	Leaf     string          `json:"leaf,omitempty"`
	Stage    string          `json:"stage,omitempty"`
	Score    float64         `json:"score"`
	Metrics  runtime.Metrics `json:"metrics,omitempty"`
	Locked   bool            `json:"locked,omitempty"`
	Cycle    int             `json:"cycle,omitempty"`
}

// Candidate is one file offered to the tracker. Category is the file's leaf.
type Candidate struct {
	Path     string
	Category string
	Stage    string
	Metrics  runtime.Metrics
	Cycle    int
}

type Tracker struct {
	cat     *catalog.Catalog
	entries map[string]Entry
}

func NewTracker(c *catalog.Catalog, entries map[string]Entry) *Tracker {
	t := &Tracker{cat: c, entries: map[string]Entry{}}
	for k, v := range entries {
		t.entries[k] = v
	}
	return t
}

// Entries returns a copy of the best-by-category map.
func (t *Tracker) Entries() map[string]Entry {
	out := make(map[string]Entry, len(t.entries))
	for k, v := range t.entries {
		out[k] = v
	}
	return out
}

func (t *Tracker) Best(category string) (Entry, bool) {
	e, ok := t.entries[category]
	return e, ok
}

// Locked returns the entry of a lock_on_first category once it has locked.
func (t *Tracker) Locked(category string) (Entry, bool) {
	e, ok := t.entries[category]
	if !ok || !e.Locked {
		return Entry{}, false
	}
	return e, true
}

// Evaluate offers the candidate to its leaf category and every ancestor. It
// reports whether any entry changed and a short reason per category.
func (t *Tracker) Evaluate(c Candidate) (bool, string) {
	if strings.TrimSpace(c.Path) == "" || c.Category == "" {
		return false, "empty candidate"
	}
	changed := false
	var reasons []string
	for _, name := range t.cat.Lineage(c.Category) {
		ok, why := t.EvaluateCategory(name, c)
		changed = changed || ok
		reasons = append(reasons, name+": "+why)
	}
	return changed, strings.Join(reasons, "; ")
}

// Seed offers a listed file (Cycle 0) to the categories in its lineage that
// hold no program output yet. A category whose entry came from a recorded
// run (Cycle > 0) is left alone.
func (t *Tracker) Seed(c Candidate) bool {
	if strings.TrimSpace(c.Path) == "" || c.Category == "" {
		return false
	}
	c.Cycle = 0
	changed := false
	for _, name := range t.cat.Lineage(c.Category) {
		if cur, have := t.entries[name]; have && cur.Cycle > 0 {
			continue
		}
		ok, _ := t.EvaluateCategory(name, c)
		changed = changed || ok
	}
	return changed
}

// EvaluateCategory applies the category's update policy to one candidate.
func (t *Tracker) EvaluateCategory(name string, c Candidate) (bool, string) {
	stage := c.Stage
	if stage == "" {
		stage = t.cat.StageFor(c.Category)
	}
	next := Entry{
		Path:     c.Path,
		Category: name,
		Leaf:     c.Category,
		Stage:    stage,
		Score:    Score(t.cat, c.Category, stage, c.Metrics),
		Metrics:  c.Metrics.Clone(),
		Cycle:    c.Cycle,
	}
	cur, have := t.entries[name]
	policy, qualifier := t.cat.PolicyFor(name)
	switch policy {
	case catalog.PolicyLockOnFirst:
		if have && cur.Locked {
			return false, fmt.Sprintf("locked to %s", cur.Path)
		}
		if qualifier == "" || t.cat.IsA(c.Category, qualifier) {
			next.Locked = true
			t.entries[name] = next
			return true, fmt.Sprintf("locked on %s", c.Path)
		}
		if have && next.Score <= cur.Score {
			return false, fmt.Sprintf("score %.1f <= %.1f", next.Score, cur.Score)
		}
		t.entries[name] = next
		return true, fmt.Sprintf("score %.1f (unlocked)", next.Score)
	case catalog.PolicyMostRecentWins:
		t.entries[name] = next
		return !have || cur.Path != next.Path || cur.Score != next.Score, "most recent wins"
	default:
		if have && next.Score <= cur.Score {
			return false, fmt.Sprintf("score %.1f <= %.1f", next.Score, cur.Score)
		}
		t.entries[name] = next
		return true, fmt.Sprintf("score %.1f", next.Score)
	}
}

// LockedFor returns a locked entry for any of the slot categories that is
// still present in the listing and not vetoed by exclude.
func (t *Tracker) LockedFor(slot, exclude []string, cl *files.Classification) (Entry, bool) {
	for _, name := range slot {
		if e, ok := t.Locked(name); ok && t.usable(e, exclude, cl) {
			return e, true
		}
	}
	return Entry{}, false
}

// BestFor returns the best file for a slot. Slot categories are tried first,
// then their non-root parents. A file that falls in any excluded category is
// rejected however high its score.
func (t *Tracker) BestFor(slot, exclude []string, cl *files.Classification) (Entry, bool) {
	for _, name := range slot {
		if e, ok := t.entries[name]; ok && t.usable(e, exclude, cl) {
			return e, true
		}
	}
	var parents []string
	for _, name := range slot {
		cat, ok := t.cat.Category(name)
		if !ok {
			continue
		}
		for _, p := range cat.Parents {
			if !t.cat.IsRoot(p) {
				parents = append(parents, p)
			}
		}
	}
	for _, name := range parents {
		if e, ok := t.entries[name]; ok && t.usable(e, exclude, cl) {
			return e, true
		}
	}
	return Entry{}, false
}

func (t *Tracker) usable(e Entry, exclude []string, cl *files.Classification) bool {
	if cl == nil || !cl.Contains(e.Path) {
		return false
	}
	for _, ex := range exclude {
		if cl.InCategory(e.Path, ex) {
			return false
		}
	}
	return true
}

// Summary renders the map in category order, one category=path line each.
func (t *Tracker) Summary() []string {
	names := make([]string, 0, len(t.entries))
	for k := range t.entries {
		names = append(names, k)
	}
	sort.Strings(names)
	out := make([]string, 0, len(names))
	for _, n := range names {
		e := t.entries[n]
		var parts []string
		if e.Stage != "" {
			parts = append(parts, e.Stage)
		}
		parts = append(parts, fmt.Sprintf("%.1f", e.Score))
		if e.Locked {
			parts = append(parts, "locked")
		}
		out = append(out, fmt.Sprintf("%s=%s (%s)", n, e.Path, strings.Join(parts, " ")))
	}
	return out
}
