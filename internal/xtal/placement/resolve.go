package placement

import (
	"fmt"

	"github.com/danshapiro/xtalflow/internal/xtal/catalog"
)

type Outcome string

const (
	Placed          Outcome = "placed"
	NotPlaced       Outcome = "not_placed"
	NeedsReposition Outcome = "needs_reposition"
	NeedsProbe      Outcome = "needs_probe"
	Inconclusive    Outcome = "inconclusive"
	NoModel         Outcome = "no_model"
)

// Input carries evidence only. User directives are deliberately not part of
// it: nothing a user says can suppress a geometric mismatch.
type Input struct {
	Experiment    catalog.ExperimentType
	ModelPath     string
	ModelCategory string
	ReferencePath string
	FilesLocal    bool

	HasPlacedModelFromHistory bool
	PlacementProbed           bool
	PlacementProbeResult      string
}

type Decision struct {
	Outcome      Outcome `json:"outcome"`
	Tier         int     `json:"tier"`
	CellMismatch bool    `json:"cell_mismatch"`
	Reason       string  `json:"reason"`
}

// Uncertain reports whether the decision leaves placement open.
func (d Decision) Uncertain() bool {
	return d.Outcome == NeedsProbe || d.Outcome == Inconclusive
}

type Resolver struct {
	cat       *catalog.Catalog
	tolerance float64
	readCells func(path string) ([]Cell, error)
}

func NewResolver(c *catalog.Catalog) *Resolver {
	tol := c.Run.CellTolerance
	if tol <= 0 {
		tol = 0.05
	}
	return &Resolver{cat: c, tolerance: tol, readCells: ReadCells}
}

func (r *Resolver) Resolve(in Input) Decision {
	if in.ModelPath == "" {
		return Decision{Outcome: NoModel, Reason: "no model file"}
	}
	if d, ok := r.tier1(in); ok {
		return d
	}
	if d, ok := r.tier2(in); ok {
		return d
	}
	return r.tier3(in)
}

// tier1 compares unit cells. Any read failure or placeholder cell is "no
// mismatch" so an unreadable file never blocks progress.
func (r *Resolver) tier1(in Input) (Decision, bool) {
	if !in.FilesLocal || in.ReferencePath == "" {
		return Decision{}, false
	}
	mismatch, why := CellMismatch(in.ModelPath, in.ReferencePath, r.tolerance, r.readCells)
	if !mismatch {
		return Decision{}, false
	}
	return Decision{Outcome: NeedsReposition, Tier: 1, CellMismatch: true, Reason: why}, true
}

func (r *Resolver) tier2(in Input) (Decision, bool) {
	switch {
	case in.HasPlacedModelFromHistory:
		return Decision{Outcome: Placed, Tier: 2, Reason: "a placing or refining program already succeeded"}, true
	case r.cat.Positioned(in.ModelCategory):
		return Decision{Outcome: Placed, Tier: 2, Reason: fmt.Sprintf("model category %s is positioned", in.ModelCategory)}, true
	case r.cat.IsA(in.ModelCategory, "search_model"):
		return Decision{Outcome: NotPlaced, Tier: 2, Reason: fmt.Sprintf("model category %s needs placement", in.ModelCategory)}, true
	}
	return Decision{}, false
}

func (r *Resolver) tier3(in Input) Decision {
	if !in.PlacementProbed {
		return Decision{Outcome: NeedsProbe, Tier: 3, Reason: "placement unknown; probe not yet run"}
	}
	switch in.PlacementProbeResult {
	case "placed":
		return Decision{Outcome: Placed, Tier: 3, Reason: "probe passed"}
	case "needs_reposition":
		return Decision{Outcome: NeedsReposition, Tier: 3, Reason: "probe failed"}
	default:
		return Decision{Outcome: Inconclusive, Tier: 3, Reason: "probe ran without a usable result"}
	}
}

// CellMismatch reports a definitive disagreement between model and
// reference cells. The reference matches when any of its cells (full or
// boxed map) agrees with the model.
func CellMismatch(modelPath, refPath string, tol float64, read func(string) ([]Cell, error)) (bool, string) {
	if read == nil {
		read = ReadCells
	}
	mc, err := read(modelPath)
	if err != nil || len(mc) == 0 || mc[0].Placeholder() {
		return false, ""
	}
	refs, err := read(refPath)
	if err != nil || len(refs) == 0 {
		return false, ""
	}
	for _, rc := range refs {
		if rc.Placeholder() || Compatible(mc[0], rc, tol) {
			return false, ""
		}
	}
	return true, fmt.Sprintf("model cell (%s) differs from reference cell (%s) by more than %.0f%%", mc[0], refs[0], tol*100)
}
