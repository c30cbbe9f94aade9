package files

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/danshapiro/xtalflow/internal/xtal/catalog"
)

func TestClassify_NamePatterns(t *testing.T) {
	c := NewClassifier(catalog.MustDefault())
	cases := []struct {
		path string
		want string
	}{
		{"model.pdb", "model"},
		{"noligand.pdb", "model"},
		{"refine_noligand_001.pdb", "refined_model"},
		{"refine_ligand_001.pdb", "ligand"},
		{"my_ligand.pdb", "ligand"},
		{"lig.pdb", "ligand"},
		{"atp.cif", "model"},
		{"atp_elbow.cif", "ligand_restraints"},
		{"ligand_fit_1.pdb", "fitted_ligand"},
		{"model_with_ligand.pdb", "with_ligand_model"},
		{"alphafold_model.pdb", "predicted_model"},
		{"alphafold_processed.pdb", "processed_model"},
		{"phaser_1.pdb", "phaser_model"},
		{"data.mtz", "data_mtz"},
		{"model_refine_data.mtz", "rfree_data_mtz"},
		{"model_refine_001.mtz", "refine_map_coeffs"},
		{"overall_best_map_coeffs.mtz", "denmod_map_coeffs"},
		{"half_map_1.mrc", "half_map"},
		{"denmod_map.ccp4", "optimized_map"},
		{"emd_1234.map", "full_map"},
		{"seq.fasta", "sequence"},
		{"/runs/a/SEQ.FA", "sequence"},
	}
	for _, tc := range cases {
		f, ok := c.ClassifyFile(tc.path, false)
		if !ok {
			t.Fatalf("%s: unclassified, want %s", tc.path, tc.want)
		}
		if f.Category != tc.want {
			t.Fatalf("%s: category=%s want %s", tc.path, f.Category, tc.want)
		}
	}
	if _, ok := c.ClassifyFile("notes.txt", false); ok {
		t.Fatalf("notes.txt should be unclassified")
	}
}

func TestHasWord_Boundaries(t *testing.T) {
	cases := []struct {
		s, w  string
		whole bool
		want  bool
	}{
		{"noligand", "ligand", false, false},
		{"my_ligand", "ligand", false, true},
		{"ligand", "ligand", true, true},
		{"ligands", "ligand", true, false},
		{"ligands", "ligand", false, true},
		{"lig2", "lig", true, true},
		{"x-lig.v1", "lig", true, true},
		{"ligligand", "ligand", false, false},
		{"", "lig", false, false},
	}
	for _, tc := range cases {
		if got := HasWord(tc.s, tc.w, tc.whole); got != tc.want {
			t.Fatalf("HasWord(%q,%q,%v)=%v want %v", tc.s, tc.w, tc.whole, got, tc.want)
		}
	}
}

func writeCoords(t *testing.T, dir, name string, atoms, hetatms int) string {
	t.Helper()
	var b strings.Builder
	b.WriteString("CRYST1   50.000   60.000   70.000  90.00  90.00  90.00 P 21 21 21\n")
	for i := 0; i < atoms; i++ {
		fmt.Fprintf(&b, "ATOM  %5d  CA  ALA A%4d      11.104   6.134  -6.504  1.00  0.00           C\n", i+1, i+1)
	}
	for i := 0; i < hetatms; i++ {
		fmt.Fprintf(&b, "HETATM%5d  C1  LIG B   1       1.000   2.000   3.000  1.00  0.00           C\n", atoms+i+1)
	}
	b.WriteString("END\n")
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(b.String()), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestClassify_ContentSniff(t *testing.T) {
	dir := t.TempDir()
	c := NewClassifier(catalog.MustDefault())
	cases := []struct {
		name    string
		atoms   int
		hetatms int
		want    string
	}{
		// At or below the threshold the record mix does not matter.
		{"model_small.pdb", 0, 30, "ligand"},
		{"protein.pdb", 150, 0, "ligand"},
		{"mixed.pdb", 100, 50, "ligand"},
		// Above it, an ATOM majority is a protein whatever the name says.
		{"lig_big.pdb", 400, 10, "model"},
		{"big_model.pdb", 151, 0, "model"},
		// A large HETATM-majority file keeps its name-based category.
		{"waters.pdb", 10, 300, "model"},
	}
	for _, tc := range cases {
		path := writeCoords(t, dir, tc.name, tc.atoms, tc.hetatms)
		f, ok := c.ClassifyFile(path, true)
		if !ok {
			t.Fatalf("%s: unclassified", tc.name)
		}
		if f.Category != tc.want {
			t.Fatalf("%s: category=%s want %s (sniff=%+v)", tc.name, f.Category, tc.want, f.Sniff)
		}
	}

	// Sniffing only runs for local files.
	path := writeCoords(t, dir, "tiny.pdb", 5, 0)
	if f, _ := c.ClassifyFile(path, false); f.Category != "model" {
		t.Fatalf("remote tiny.pdb category=%s want model", f.Category)
	}
	// Unreadable files are unclassified, never an error.
	if _, ok := c.ClassifyFile(filepath.Join(dir, "missing.pdb"), true); ok {
		t.Fatalf("missing file should be unclassified")
	}
	// Name-certain categories are not sniffed.
	path = writeCoords(t, dir, "refine_001.pdb", 5, 0)
	if f, _ := c.ClassifyFile(path, true); f.Category != "refined_model" {
		t.Fatalf("refine_001.pdb category=%s want refined_model", f.Category)
	}
}

func TestClassification_BubbleUp(t *testing.T) {
	c := NewClassifier(catalog.MustDefault())
	cl := c.Classify([]string{
		"/w/model_refine_001.mtz",
		"/w/data.mtz",
		"/w/alphafold_processed.pdb",
		"/w/readme.md",
		"/w/data.mtz",
	}, false)

	if got := cl.ByCategory("refine_map_coeffs"); len(got) != 1 || got[0] != "/w/model_refine_001.mtz" {
		t.Fatalf("leaf query=%v", got)
	}
	if got := cl.ByCategory("map_coeffs_mtz"); len(got) != 1 {
		t.Fatalf("parent query=%v", got)
	}
	if got := cl.ByCategory("mtz"); len(got) != 2 {
		t.Fatalf("root query=%v", got)
	}
	m := cl.Map()
	for _, cat := range []string{"processed_model", "predicted_model", "search_model"} {
		if len(m[cat]) != 1 {
			t.Fatalf("Map()[%s]=%v", cat, m[cat])
		}
	}
	if len(m["model"]) != 0 {
		t.Fatalf("search models must not bubble into model: %v", m["model"])
	}
	if !cl.InCategory("alphafold_processed.pdb", "search_model") {
		t.Fatalf("basename lookup should resolve")
	}
	if got := cl.Unclassified(); len(got) != 1 || got[0] != "/w/readme.md" {
		t.Fatalf("unclassified=%v", got)
	}
	if got := len(cl.Files()); got != 3 {
		t.Fatalf("files=%d want 3 (duplicates collapse)", got)
	}
}
