package state

import (
	"fmt"
	"path/filepath"
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/danshapiro/xtalflow/internal/xtal/catalog"
)

// Reconciliation is the outcome of clearing zombie done flags: flags that
// claim success although no expected output file is present.
type Reconciliation struct {
	Flags       map[string]bool
	Counts      map[string]int
	Cleared     []string
	Diagnostics []string
}

// Reconcile checks every set flag named in table against the available file
// basenames. A zombie flag is cleared and each dependent counter drops by
// one, never below zero. Inputs are not modified, so a second call on the
// result clears nothing.
func Reconcile(flags map[string]bool, counts map[string]int, available []string, table []catalog.ZombieRule) Reconciliation {
	r := Reconciliation{Flags: copyFlags(flags), Counts: copyCounts(counts)}
	bases := make([]string, 0, len(available))
	for _, p := range available {
		bases = append(bases, strings.ToLower(filepath.Base(p)))
	}
	for _, rule := range table {
		if !r.Flags[rule.Flag] || anyMatch(rule.Patterns, bases) {
			continue
		}
		r.Flags[rule.Flag] = false
		r.Cleared = append(r.Cleared, rule.Flag)
		for _, c := range rule.Counters {
			if r.Counts[c] > 0 {
				r.Counts[c]--
			}
		}
		r.Diagnostics = append(r.Diagnostics, fmt.Sprintf("zombie state: %s was set but no output matching %s exists; cleared", rule.Flag, strings.Join(rule.Patterns, ", ")))
	}
	sort.Strings(r.Cleared)
	return r
}

func anyMatch(patterns, bases []string) bool {
	for _, pat := range patterns {
		pat = strings.ToLower(pat)
		for _, b := range bases {
			if ok, _ := doublestar.Match(pat, b); ok {
				return true
			}
		}
	}
	return false
}
