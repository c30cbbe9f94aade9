package placement

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/danshapiro/xtalflow/internal/xtal/catalog"
)

func writePDB(t *testing.T, dir, name string, c Cell) string {
	t.Helper()
	line := fmt.Sprintf("CRYST1%9.3f%9.3f%9.3f%7.2f%7.2f%7.2f P 1           1\n", c.A, c.B, c.C, c.Alpha, c.Beta, c.Gamma)
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(line+"END\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func writeMRC(t *testing.T, dir, name string, n, m [3]int32, c Cell) string {
	t.Helper()
	hdr := make([]byte, mrcHeaderSize)
	putI := func(word int, v int32) { binary.LittleEndian.PutUint32(hdr[(word-1)*4:], uint32(v)) }
	putF := func(word int, v float64) {
		binary.LittleEndian.PutUint32(hdr[(word-1)*4:], math.Float32bits(float32(v)))
	}
	putI(1, n[0])
	putI(2, n[1])
	putI(3, n[2])
	putI(4, 2)
	putI(8, m[0])
	putI(9, m[1])
	putI(10, m[2])
	putF(11, c.A)
	putF(12, c.B)
	putF(13, c.C)
	putF(14, c.Alpha)
	putF(15, c.Beta)
	putF(16, c.Gamma)
	copy(hdr[208:212], "MAP ")
	hdr[212], hdr[213] = 0x44, 0x41
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, hdr, 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func writeMTZ(t *testing.T, dir, name string, c Cell) string {
	t.Helper()
	// 20 header-prefix words, then the 80-byte records.
	body := make([]byte, 80)
	copy(body[0:4], "MTZ ")
	binary.LittleEndian.PutUint32(body[4:8], 21)
	body[8], body[9] = 0x44, 0x41
	recs := []string{
		"VERS MTZ:V1.1",
		"TITLE test",
		fmt.Sprintf("CELL %10.4f%10.4f%10.4f%10.4f%10.4f%10.4f", c.A, c.B, c.C, c.Alpha, c.Beta, c.Gamma),
		"END",
	}
	for _, r := range recs {
		body = append(body, []byte(fmt.Sprintf("%-80s", r))...)
	}
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, body, 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestReadCells_Formats(t *testing.T) {
	dir := t.TempDir()
	want := Cell{50.1, 60.2, 70.3, 90, 95.5, 90}

	got, err := ReadCells(writePDB(t, dir, "m.pdb", want))
	if err != nil || !Compatible(got[0], want, 1e-4) {
		t.Fatalf("pdb: %v %v", got, err)
	}
	got, err = ReadCells(writeMTZ(t, dir, "d.mtz", want))
	if err != nil || !Compatible(got[0], want, 1e-4) {
		t.Fatalf("mtz: %v %v", got, err)
	}
	cif := filepath.Join(dir, "m.cif")
	if err := os.WriteFile(cif, []byte("data_x\n_cell.length_a 50.1\n_cell.length_b 60.2(2)\n_cell.length_c 70.3\n_cell.angle_alpha 90\n_cell.angle_beta 95.5\n_cell.angle_gamma 90\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	got, err = ReadCells(cif)
	if err != nil || !Compatible(got[0], want, 1e-4) {
		t.Fatalf("cif: %v %v", got, err)
	}

	boxed, err := ReadCells(writeMRC(t, dir, "box.mrc", [3]int32{50, 50, 50}, [3]int32{200, 200, 200}, Cell{200, 200, 200, 90, 90, 90}))
	if err != nil || len(boxed) != 2 {
		t.Fatalf("mrc: %v %v", boxed, err)
	}
	if !Compatible(boxed[1], Cell{50, 50, 50, 90, 90, 90}, 1e-4) {
		t.Fatalf("visible cell=%v", boxed[1])
	}
}

// A model in a 184 A cube against a small boxed map is a definitive tier-1
// mismatch; later tiers never run.
func TestResolve_ScenarioCellMismatch(t *testing.T) {
	dir := t.TempDir()
	model := writePDB(t, dir, "model.pdb", Cell{184, 184, 184, 90, 90, 90})
	mapPath := writeMRC(t, dir, "map.mrc", [3]int32{65, 79, 73}, [3]int32{65, 79, 73}, Cell{32.5, 39.65, 36.4, 90, 90, 90})

	r := NewResolver(catalog.MustDefault())
	d := r.Resolve(Input{
		Experiment:                catalog.ExperimentCryoEM,
		ModelPath:                 model,
		ModelCategory:             "model",
		ReferencePath:             mapPath,
		FilesLocal:                true,
		HasPlacedModelFromHistory: true,
		PlacementProbed:           true,
		PlacementProbeResult:      "placed",
	})
	if d.Outcome != NeedsReposition || d.Tier != 1 || !d.CellMismatch {
		t.Fatalf("decision=%+v", d)
	}
}

func TestResolve_BoxedMapAcceptsVisibleCell(t *testing.T) {
	dir := t.TempDir()
	model := writePDB(t, dir, "model.pdb", Cell{51, 49.5, 50, 90, 90, 90})
	mapPath := writeMRC(t, dir, "map.mrc", [3]int32{50, 50, 50}, [3]int32{200, 200, 200}, Cell{200, 200, 200, 90, 90, 90})
	mismatch, why := CellMismatch(model, mapPath, 0.05, nil)
	if mismatch {
		t.Fatalf("visible cell should match: %s", why)
	}
}

func TestResolve_Tiers(t *testing.T) {
	r := NewResolver(catalog.MustDefault())
	r.readCells = func(path string) ([]Cell, error) {
		switch {
		case strings.Contains(path, "unreadable"):
			return nil, errors.New("boom")
		case strings.Contains(path, "placeholder"):
			return []Cell{{1, 1, 1, 90, 90, 90}}, nil
		}
		return []Cell{{50, 50, 50, 90, 90, 90}}, nil
	}
	cases := []struct {
		name string
		in   Input
		want Outcome
		tier int
	}{
		{"no model", Input{}, NoModel, 0},
		{"unreadable cell falls through", Input{ModelPath: "unreadable.pdb", ModelCategory: "model", ReferencePath: "d.mtz", FilesLocal: true}, NeedsProbe, 3},
		{"placeholder cell falls through", Input{ModelPath: "placeholder.pdb", ModelCategory: "predicted_model", ReferencePath: "d.mtz", FilesLocal: true}, NotPlaced, 2},
		{"history placed", Input{ModelPath: "m.pdb", ModelCategory: "model", HasPlacedModelFromHistory: true}, Placed, 2},
		{"positioned subcategory", Input{ModelPath: "refine_001.pdb", ModelCategory: "refined_model"}, Placed, 2},
		{"search model", Input{ModelPath: "af.pdb", ModelCategory: "processed_model"}, NotPlaced, 2},
		{"probe pending", Input{ModelPath: "m.pdb", ModelCategory: "model"}, NeedsProbe, 3},
		{"probe placed", Input{ModelPath: "m.pdb", ModelCategory: "model", PlacementProbed: true, PlacementProbeResult: "placed"}, Placed, 3},
		{"probe negative", Input{ModelPath: "m.pdb", ModelCategory: "model", PlacementProbed: true, PlacementProbeResult: "needs_reposition"}, NeedsReposition, 3},
		{"probe inconclusive", Input{ModelPath: "m.pdb", ModelCategory: "model", PlacementProbed: true}, Inconclusive, 3},
	}
	for _, tc := range cases {
		d := r.Resolve(tc.in)
		if d.Outcome != tc.want || d.Tier != tc.tier {
			t.Fatalf("%s: got %+v want %s tier %d", tc.name, d, tc.want, tc.tier)
		}
	}
}
