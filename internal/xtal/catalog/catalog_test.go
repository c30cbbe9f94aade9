package catalog

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestDefault_LoadsAndLintsClean(t *testing.T) {
	c, err := Default()
	if err != nil {
		t.Fatalf("Default: %v", err)
	}
	for _, d := range Lint(c) {
		if d.Severity == SeverityError {
			t.Fatalf("lint error: %+v", d)
		}
	}
	if got := c.Run.MaxRefineCycles; got != 3 {
		t.Fatalf("max_refine_cycles=%d want 3", got)
	}
	if p := c.ProbeProgram(ExperimentXray); p == nil || p.Name != "phenix.model_vs_data" {
		t.Fatalf("xray probe: %+v", p)
	}
	if p := c.ProbeProgram(ExperimentCryoEM); p == nil || p.Name != "phenix.map_correlations" {
		t.Fatalf("cryoem probe: %+v", p)
	}
	if p, ok := c.Program("refine"); !ok || p.Name != "phenix.refine" {
		t.Fatalf("short name lookup: %+v ok=%v", p, ok)
	}
}

func TestTaxonomy_LineageAndPolicy(t *testing.T) {
	c := MustDefault()
	if got := strings.Join(c.Lineage("refine_map_coeffs"), ","); got != "refine_map_coeffs,map_coeffs_mtz,mtz" {
		t.Fatalf("lineage=%q", got)
	}
	if !c.IsA("processed_model", "search_model") {
		t.Fatalf("processed_model should be a search_model")
	}
	if c.IsA("search_model", "processed_model") {
		t.Fatalf("IsA must not go downward")
	}
	if got := c.Depth("processed_model"); got != 2 {
		t.Fatalf("depth=%d want 2", got)
	}
	pol, q := c.PolicyFor("rfree_data_mtz")
	if pol != PolicyLockOnFirst || q != "rfree_data_mtz" {
		t.Fatalf("policy=%q qualifier=%q", pol, q)
	}
	if pol, _ := c.PolicyFor("denmod_map_coeffs"); pol != PolicyMostRecentWins {
		t.Fatalf("denmod policy=%q", pol)
	}
	if pol, _ := c.PolicyFor("refined_model"); pol != PolicyBestScore {
		t.Fatalf("refined policy=%q", pol)
	}
	if !c.AcceptsExtension("refine_map_coeffs", ".mtz") || c.AcceptsExtension("refine_map_coeffs", ".sca") {
		t.Fatalf("extension inheritance broken")
	}
	if got := c.Root("processed_model"); got != "search_model" {
		t.Fatalf("root=%q", got)
	}
}

func TestRunConfig_TargetRFree(t *testing.T) {
	r := MustDefault().Run
	cases := []struct {
		res  float64
		want float64
	}{
		{1.2, 0.20},
		{2.0, 0.23},
		{2.8, 0.29},
		{4.5, 0.32},
		{0, 0.32},
	}
	for _, tc := range cases {
		if got := r.TargetRFree(tc.res); got != tc.want {
			t.Fatalf("TargetRFree(%v)=%v want %v", tc.res, got, tc.want)
		}
	}
}

const minimalYAML = `
version: 1
categories:
  - name: model
    extensions: [.pdb]
    default: true
  - name: ligand
    extensions: [.pdb]
    words: [lig]
programs:
  - name: suite.fit
    experiments: [xray]
    role: refine
    done_flag: fit_done
    inputs:
      - name: model
        categories: [model]
        required: true
`

func TestLoad_YAMLJSONTOML(t *testing.T) {
	dir := t.TempDir()
	yml := filepath.Join(dir, "catalog.yaml")
	if err := os.WriteFile(yml, []byte(minimalYAML), 0o644); err != nil {
		t.Fatal(err)
	}
	c, err := Load(yml)
	if err != nil {
		t.Fatalf("Load(yaml): %v", err)
	}
	if c.Sniff.MaxSmallRecords != 150 || c.Run.DuplicateOverlap != 0.80 {
		t.Fatalf("defaults not applied: %+v %+v", c.Sniff, c.Run)
	}

	js := filepath.Join(dir, "catalog.json")
	if err := os.WriteFile(js, []byte(`{
  "version": 1,
  "categories": [{"name": "model", "extensions": ["pdb"], "default": true}],
  "programs": [{"name": "suite.fit", "experiments": ["xray"], "role": "refine",
    "inputs": [{"name": "model", "categories": ["model"], "required": true}]}]
}`), 0o644); err != nil {
		t.Fatal(err)
	}
	c2, err := Load(js)
	if err != nil {
		t.Fatalf("Load(json): %v", err)
	}
	if got := c2.Categories[0].Extensions; len(got) != 1 || got[0] != ".pdb" {
		t.Fatalf("extensions not normalized: %v", got)
	}

	tm := filepath.Join(dir, "catalog.toml")
	if err := os.WriteFile(tm, []byte(`
version = 1

[[categories]]
name = "model"
extensions = [".pdb"]
default = true

[[programs]]
name = "suite.fit"
experiments = ["cryoem"]
role = "refine"

  [[programs.inputs]]
  name = "model"
  categories = ["model"]
  required = true
`), 0o644); err != nil {
		t.Fatal(err)
	}
	c3, err := Load(tm)
	if err != nil {
		t.Fatalf("Load(toml): %v", err)
	}
	if !c3.Programs[0].Supports(ExperimentCryoEM) {
		t.Fatalf("toml program: %+v", c3.Programs[0])
	}
}

func TestParse_RejectsBadCatalogs(t *testing.T) {
	cases := []struct {
		name string
		body string
		ext  string
		want string
	}{
		{"unknown yaml field", minimalYAML + "bogus: 1\n", ".yaml", "bogus"},
		{"multi document", minimalYAML + "---\nversion: 1\n", ".yaml", "multiple documents"},
		{"unknown parent", strings.Replace(minimalYAML, "words: [lig]", "words: [lig]\n    parents: [nope]", 1), ".yaml", "category_parent_unknown"},
		{"bad role", strings.Replace(minimalYAML, "role: refine", "role: dance", 1), ".yaml", "Role"},
		{"bad when", strings.Replace(minimalYAML, "done_flag: fit_done", "done_flag: fit_done\n    when: \"=x\"", 1), ".yaml", "program_when_syntax"},
		{"unknown slot category", strings.Replace(minimalYAML, "categories: [model]", "categories: [ghost]", 1), ".yaml", "slot_category_unknown"},
		{"toml unknown key", "version = 1\nextra = true\n", ".toml", "unknown fields"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Parse([]byte(tc.body), tc.ext)
			if err == nil {
				t.Fatalf("expected error")
			}
			if !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("err=%v want substring %q", err, tc.want)
			}
		})
	}
}

func TestLint_DetectsCycle(t *testing.T) {
	c := &Catalog{
		Version: 1,
		Categories: []Category{
			{Name: "a", Parents: []string{"b"}},
			{Name: "b", Parents: []string{"a"}},
		},
	}
	found := false
	for _, d := range Lint(c) {
		if d.Rule == "category_cycle" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected category_cycle diagnostic")
	}
}
