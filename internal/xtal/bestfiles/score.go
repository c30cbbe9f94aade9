package bestfiles

import (
	"github.com/danshapiro/xtalflow/internal/xtal/catalog"
	"github.com/danshapiro/xtalflow/internal/xtal/runtime"
)

// stageScores ranks how processed a file is, 0-100. Labels are shared
// across families where the meaning is the same ("refined").
var stageScores = map[string]float64{
	// coordinates
	"with_ligand": 100,
	"refined":     100,
	"autobuilt":   70,
	"docked":      60,
	"placed":      50,
	"processed":   45,
	"predicted":   40,
	"pdb":         10,
	// map coefficients
	"density_modified": 90,
	"polder":           50,
	"mtz":              10,
	// reflection data
	"rfree_flagged": 100,
	"original":      50,
	// maps
	"optimized": 100,
	"sharpened": 90,
	"full":      50,
	"half":      20,
}

func StageScore(stage string) float64 {
	return stageScores[stage]
}

// linear maps v from [from, to] onto [0, 100], clamped. from may exceed to
// for inverse scales.
func linear(v, from, to float64) float64 {
	if from == to {
		return 0
	}
	s := (v - from) / (to - from) * 100
	if s < 0 {
		return 0
	}
	if s > 100 {
		return 100
	}
	return s
}

// MetricScore averages the quality components available for the category's
// family. Coordinates are judged by R-free, map CC and clashscore; data and
// maps by resolution. No components scores 0.
func MetricScore(c *catalog.Catalog, category string, m runtime.Metrics) float64 {
	var parts []float64
	switch c.Root(category) {
	case "mtz", "map":
		if v, ok := m.Get(runtime.MetricResolution); ok && v > 0 {
			parts = append(parts, linear(v, 4.0, 1.5))
		}
	default:
		if v, ok := m.Get(runtime.MetricRFree); ok && v > 0 {
			parts = append(parts, linear(v, 0.50, 0.20))
		}
		if v, ok := m.Get(runtime.MetricMapCC); ok {
			parts = append(parts, linear(v, 0, 1))
		}
		if v, ok := m.Get(runtime.MetricClashscore); ok {
			parts = append(parts, linear(v, 40, 2))
		}
	}
	if len(parts) == 0 {
		return 0
	}
	sum := 0.0
	for _, p := range parts {
		sum += p
	}
	return sum / float64(len(parts))
}

// Score is stage score plus metric score, 0-200.
func Score(c *catalog.Catalog, category, stage string, m runtime.Metrics) float64 {
	if stage == "" {
		stage = c.StageFor(category)
	}
	return StageScore(stage) + MetricScore(c, category, m)
}
