package catalog

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

//go:embed default_catalog.yaml
var defaultCatalogYAML []byte

// Default returns the built-in program catalog.
func Default() (*Catalog, error) {
	return Parse(defaultCatalogYAML, ".yaml")
}

// MustDefault is Default for package-level initialization and tests.
func MustDefault() *Catalog {
	c, err := Default()
	if err != nil {
		panic(fmt.Sprintf("default catalog: %v", err))
	}
	return c
}

// Load reads a catalog file. The encoding is chosen by extension: .json,
// .toml, anything else is YAML.
func Load(path string) (*Catalog, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	c, err := Parse(b, filepath.Ext(path))
	if err != nil {
		return nil, fmt.Errorf("catalog %s: %w", path, err)
	}
	return c, nil
}

func Parse(b []byte, ext string) (*Catalog, error) {
	var c Catalog
	switch strings.ToLower(strings.TrimSpace(ext)) {
	case ".json":
		if err := decodeJSONStrict(b, &c); err != nil {
			return nil, err
		}
	case ".toml":
		if err := decodeTOMLStrict(b, &c); err != nil {
			return nil, err
		}
	default:
		if err := decodeYAMLStrict(b, &c); err != nil {
			return nil, err
		}
	}
	applyDefaults(&c)
	if err := validate(&c); err != nil {
		return nil, err
	}
	return &c, nil
}

func decodeJSONStrict(b []byte, c *Catalog) error {
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.DisallowUnknownFields()
	if err := dec.Decode(c); err != nil {
		return err
	}
	var trailing any
	if err := dec.Decode(&trailing); err != io.EOF {
		if err == nil {
			return fmt.Errorf("json: multiple top-level values are not allowed")
		}
		return err
	}
	return nil
}

func decodeYAMLStrict(b []byte, c *Catalog) error {
	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil {
		return err
	}
	var trailing any
	if err := dec.Decode(&trailing); err != io.EOF {
		if err == nil {
			return fmt.Errorf("yaml: multiple documents are not allowed")
		}
		return err
	}
	return nil
}

func decodeTOMLStrict(b []byte, c *Catalog) error {
	md, err := toml.Decode(string(b), c)
	if err != nil {
		return err
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, 0, len(undecoded))
		for _, k := range undecoded {
			keys = append(keys, k.String())
		}
		return fmt.Errorf("toml: unknown fields: %s", strings.Join(keys, ", "))
	}
	return nil
}

func applyDefaults(c *Catalog) {
	if c == nil {
		return
	}
	if c.Version == 0 {
		c.Version = 1
	}
	r := &c.Run
	if r.MaxRefineCycles == 0 {
		r.MaxRefineCycles = 3
	}
	if r.HopelessRFree == 0 {
		r.HopelessRFree = 0.50
	}
	if r.HopelessMapCC == 0 {
		r.HopelessMapCC = 0.30
	}
	if r.TargetMapCC == 0 {
		r.TargetMapCC = 0.75
	}
	if len(r.RFreeTargets) == 0 {
		r.RFreeTargets = []ResolutionTarget{
			{MaxResolution: 1.5, RFree: 0.20},
			{MaxResolution: 2.0, RFree: 0.23},
			{MaxResolution: 2.5, RFree: 0.26},
			{MaxResolution: 3.0, RFree: 0.29},
			{MaxResolution: 99, RFree: 0.32},
		}
	}
	if r.DuplicateOverlap == 0 {
		r.DuplicateOverlap = 0.80
	}
	if r.CellTolerance == 0 {
		r.CellTolerance = 0.05
	}
	if r.Oracle.TimeoutMS == 0 {
		r.Oracle.TimeoutMS = 120000
	}
	if r.Oracle.BaseDelayMS == 0 {
		r.Oracle.BaseDelayMS = 500
	}
	if r.Oracle.MaxDelayMS == 0 {
		r.Oracle.MaxDelayMS = 30000
	}
	r.Oracle.Command = trimNonEmpty(r.Oracle.Command)
	r.LogsRoot = strings.TrimSpace(r.LogsRoot)

	s := &c.Sniff
	if s.SmallMoleculeCategory == "" {
		s.SmallMoleculeCategory = "ligand"
	}
	if s.ProteinCategory == "" {
		s.ProteinCategory = "model"
	}
	if s.MaxSmallRecords == 0 {
		s.MaxSmallRecords = 150
	}
	if s.PrefixBytes == 0 {
		s.PrefixBytes = 256 * 1024
	}
	if len(c.UniversalScopes) == 0 {
		c.UniversalScopes = []string{"general", "output", "crystal_symmetry"}
	}

	for i := range c.Categories {
		cat := &c.Categories[i]
		cat.Name = strings.TrimSpace(cat.Name)
		cat.Extensions = normalizeExtensions(cat.Extensions)
	}
	for i := range c.Programs {
		p := &c.Programs[i]
		p.Name = strings.TrimSpace(p.Name)
		for j := range p.Inputs {
			slot := &p.Inputs[j]
			if slot.Count == 0 {
				slot.Count = 1
			}
			slot.Extensions = normalizeExtensions(slot.Extensions)
		}
	}
}

func normalizeExtensions(exts []string) []string {
	out := make([]string, 0, len(exts))
	for _, e := range exts {
		e = strings.ToLower(strings.TrimSpace(e))
		if e == "" {
			continue
		}
		if !strings.HasPrefix(e, ".") {
			e = "." + e
		}
		out = append(out, e)
	}
	return out
}

func trimNonEmpty(parts []string) []string {
	if len(parts) == 0 {
		return nil
	}
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if s := strings.TrimSpace(p); s != "" {
			out = append(out, s)
		}
	}
	return out
}
