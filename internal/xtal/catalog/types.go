package catalog

import (
	"sort"
	"strings"
)

type ExperimentType string

const (
	ExperimentXray   ExperimentType = "xray"
	ExperimentCryoEM ExperimentType = "cryoem"
)

func ParseExperimentType(s string) (ExperimentType, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "xray", "x-ray", "crystallography", "mx":
		return ExperimentXray, true
	case "cryoem", "cryo-em", "cryo_em", "em":
		return ExperimentCryoEM, true
	default:
		return "", false
	}
}

// Program roles gate which phase a program may be offered in.
const (
	RoleAnalyze  = "analyze"
	RolePrepare  = "prepare"
	RolePlace    = "place"
	RolePhasing  = "phasing"
	RoleBuild    = "build"
	RoleRebuild  = "rebuild"
	RoleMap      = "map"
	RoleRefine   = "refine"
	RoleLigand   = "ligand"
	RoleValidate = "validate"
	RoleProbe    = "probe"
)

// Best-file update policies.
const (
	PolicyBestScore      = "best_score"
	PolicyLockOnFirst    = "lock_on_first"
	PolicyMostRecentWins = "most_recent_wins"
)

// Slot content guards.
const (
	GuardModel  = "model"
	GuardLigand = "ligand"
)

type Category struct {
	Name       string   `json:"name" yaml:"name" toml:"name" validate:"required"`
	Parents    []string `json:"parents,omitempty" yaml:"parents,omitempty" toml:"parents,omitempty"`
	Extensions []string `json:"extensions,omitempty" yaml:"extensions,omitempty" toml:"extensions,omitempty"`
	// Patterns are doublestar globs matched against the lower-cased basename.
	Patterns []string `json:"patterns,omitempty" yaml:"patterns,omitempty" toml:"patterns,omitempty"`
	// Words match only on word boundaries at both ends.
	Words []string `json:"words,omitempty" yaml:"words,omitempty" toml:"words,omitempty"`
	// Exclude words veto the category when they occur at a word start.
	Exclude    []string `json:"exclude,omitempty" yaml:"exclude,omitempty" toml:"exclude,omitempty"`
	Default    bool     `json:"default,omitempty" yaml:"default,omitempty" toml:"default,omitempty"`
	Sniff      bool     `json:"sniff,omitempty" yaml:"sniff,omitempty" toml:"sniff,omitempty"`
	Positioned bool     `json:"positioned,omitempty" yaml:"positioned,omitempty" toml:"positioned,omitempty"`
	Stage      string   `json:"stage,omitempty" yaml:"stage,omitempty" toml:"stage,omitempty"`
	Policy     string   `json:"policy,omitempty" yaml:"policy,omitempty" toml:"policy,omitempty" validate:"omitempty,oneof=best_score lock_on_first most_recent_wins"`
	// LockQualifier names the category a file must belong to before a
	// lock_on_first category locks on it.
	LockQualifier string `json:"lock_qualifier,omitempty" yaml:"lock_qualifier,omitempty" toml:"lock_qualifier,omitempty"`
}

type InputSlot struct {
	Name                string           `json:"name" yaml:"name" toml:"name" validate:"required"`
	Categories          []string         `json:"categories" yaml:"categories" toml:"categories" validate:"required,min=1"`
	ExcludeCategories   []string         `json:"exclude_categories,omitempty" yaml:"exclude_categories,omitempty" toml:"exclude_categories,omitempty"`
	PreferSubcategories []string         `json:"prefer_subcategories,omitempty" yaml:"prefer_subcategories,omitempty" toml:"prefer_subcategories,omitempty"`
	Extensions          []string         `json:"extensions,omitempty" yaml:"extensions,omitempty" toml:"extensions,omitempty"`
	Required            bool             `json:"required,omitempty" yaml:"required,omitempty" toml:"required,omitempty"`
	Param               string           `json:"param,omitempty" yaml:"param,omitempty" toml:"param,omitempty"`
	Count               int              `json:"count,omitempty" yaml:"count,omitempty" toml:"count,omitempty" validate:"gte=0"`
	Experiments         []ExperimentType `json:"experiments,omitempty" yaml:"experiments,omitempty" toml:"experiments,omitempty"`
	// RequireBestFilesOnly disables the extension-based fallback tier.
	RequireBestFilesOnly bool   `json:"require_best_files_only,omitempty" yaml:"require_best_files_only,omitempty" toml:"require_best_files_only,omitempty"`
	Guard                string `json:"guard,omitempty" yaml:"guard,omitempty" toml:"guard,omitempty" validate:"omitempty,oneof=model ligand"`
}

func (s InputSlot) AppliesTo(exp ExperimentType) bool {
	if len(s.Experiments) == 0 || exp == "" {
		return true
	}
	for _, e := range s.Experiments {
		if e == exp {
			return true
		}
	}
	return false
}

type Param struct {
	Key   string `json:"key" yaml:"key" toml:"key" validate:"required"`
	Value string `json:"value" yaml:"value" toml:"value"`
}

// Invariant is a declarative auto-fill rule. Value is used verbatim; From
// names a context key whose value is copied. When gates the rule.
type Invariant struct {
	Name     string `json:"name" yaml:"name" toml:"name" validate:"required"`
	Param    string `json:"param" yaml:"param" toml:"param" validate:"required"`
	Value    string `json:"value,omitempty" yaml:"value,omitempty" toml:"value,omitempty"`
	From     string `json:"from,omitempty" yaml:"from,omitempty" toml:"from,omitempty"`
	When     string `json:"when,omitempty" yaml:"when,omitempty" toml:"when,omitempty"`
	Required bool   `json:"required,omitempty" yaml:"required,omitempty" toml:"required,omitempty"`
}

// Cascade records that a full run of a program internally performs a
// dependent step, so the dependent done flag and counter move too.
type Cascade struct {
	Experiment            ExperimentType `json:"experiment,omitempty" yaml:"experiment,omitempty" toml:"experiment,omitempty"`
	Flag                  string         `json:"flag" yaml:"flag" toml:"flag" validate:"required"`
	Counter               string         `json:"counter,omitempty" yaml:"counter,omitempty" toml:"counter,omitempty"`
	UnlessCommandContains string         `json:"unless_command_contains,omitempty" yaml:"unless_command_contains,omitempty" toml:"unless_command_contains,omitempty"`
}

type Probe struct {
	Metric    string  `json:"metric" yaml:"metric" toml:"metric" validate:"required"`
	Threshold float64 `json:"threshold" yaml:"threshold" toml:"threshold"`
	// PassBelow flips the comparison for metrics where lower is better.
	PassBelow bool `json:"pass_below,omitempty" yaml:"pass_below,omitempty" toml:"pass_below,omitempty"`
}

func (p Probe) Passes(v float64) bool {
	if p.PassBelow {
		return v < p.Threshold
	}
	return v > p.Threshold
}

type SymmetryParams struct {
	UnitCell   string `json:"unit_cell,omitempty" yaml:"unit_cell,omitempty" toml:"unit_cell,omitempty"`
	SpaceGroup string `json:"space_group,omitempty" yaml:"space_group,omitempty" toml:"space_group,omitempty"`
}

type Program struct {
	Name        string           `json:"name" yaml:"name" toml:"name" validate:"required"`
	Experiments []ExperimentType `json:"experiments" yaml:"experiments" toml:"experiments" validate:"required,min=1,dive,oneof=xray cryoem"`
	Role        string           `json:"role" yaml:"role" toml:"role" validate:"required,oneof=analyze prepare place phasing build rebuild map refine ligand validate probe"`
	DoneFlag    string           `json:"done_flag,omitempty" yaml:"done_flag,omitempty" toml:"done_flag,omitempty"`
	Counter     string           `json:"counter,omitempty" yaml:"counter,omitempty" toml:"counter,omitempty"`
	Repeatable  bool             `json:"repeatable,omitempty" yaml:"repeatable,omitempty" toml:"repeatable,omitempty"`
	PlacesModel bool             `json:"places_model,omitempty" yaml:"places_model,omitempty" toml:"places_model,omitempty"`
	When        string           `json:"when,omitempty" yaml:"when,omitempty" toml:"when,omitempty"`
	RequiresAny []string         `json:"requires_any,omitempty" yaml:"requires_any,omitempty" toml:"requires_any,omitempty"`

	Inputs     []InputSlot       `json:"inputs,omitempty" yaml:"inputs,omitempty" toml:"inputs,omitempty" validate:"dive"`
	Strategy   map[string]string `json:"strategy,omitempty" yaml:"strategy,omitempty" toml:"strategy,omitempty"`
	KnownFlags []string          `json:"known_flags,omitempty" yaml:"known_flags,omitempty" toml:"known_flags,omitempty"`
	Scopes     []string          `json:"scopes,omitempty" yaml:"scopes,omitempty" toml:"scopes,omitempty"`
	Blacklist  []string          `json:"blacklist,omitempty" yaml:"blacklist,omitempty" toml:"blacklist,omitempty"`
	Defaults   []Param           `json:"defaults,omitempty" yaml:"defaults,omitempty" toml:"defaults,omitempty" validate:"dive"`
	Invariants []Invariant       `json:"invariants,omitempty" yaml:"invariants,omitempty" toml:"invariants,omitempty" validate:"dive"`
	Cascades   []Cascade         `json:"cascades,omitempty" yaml:"cascades,omitempty" toml:"cascades,omitempty" validate:"dive"`
	Probe      *Probe            `json:"probe,omitempty" yaml:"probe,omitempty" toml:"probe,omitempty"`
	// ProbeOnly programs accept nothing but file paths on their command line.
	ProbeOnly bool           `json:"probe_only,omitempty" yaml:"probe_only,omitempty" toml:"probe_only,omitempty"`
	Symmetry  SymmetryParams `json:"symmetry,omitempty" yaml:"symmetry,omitempty" toml:"symmetry,omitempty"`
	// LabelsParam receives the data-label choice when an ambiguous-labels
	// failure is recovered. Empty means the failure cannot be recovered.
	LabelsParam string `json:"labels_param,omitempty" yaml:"labels_param,omitempty" toml:"labels_param,omitempty"`
}

// ShortName strips the suite prefix: "phenix.refine" -> "refine".
func (p *Program) ShortName() string {
	if p == nil {
		return ""
	}
	return ShortProgramName(p.Name)
}

func ShortProgramName(name string) string {
	name = strings.ToLower(strings.TrimSpace(name))
	if i := strings.LastIndex(name, "."); i >= 0 {
		return name[i+1:]
	}
	return name
}

func (p *Program) Supports(exp ExperimentType) bool {
	if p == nil {
		return false
	}
	for _, e := range p.Experiments {
		if e == exp {
			return true
		}
	}
	return false
}

func (p *Program) SlotsFor(exp ExperimentType) []InputSlot {
	if p == nil {
		return nil
	}
	out := make([]InputSlot, 0, len(p.Inputs))
	for _, s := range p.Inputs {
		if s.AppliesTo(exp) {
			out = append(out, s)
		}
	}
	return out
}

func (p *Program) KnowsFlag(key string) bool {
	if p == nil {
		return false
	}
	key = strings.TrimSpace(key)
	for _, f := range p.KnownFlags {
		if f == key {
			return true
		}
	}
	for k := range p.Strategy {
		if p.Strategy[k] == key {
			return true
		}
	}
	return false
}

type ZombieRule struct {
	Flag     string   `json:"flag" yaml:"flag" toml:"flag" validate:"required"`
	Patterns []string `json:"patterns" yaml:"patterns" toml:"patterns" validate:"required,min=1"`
	Counters []string `json:"counters,omitempty" yaml:"counters,omitempty" toml:"counters,omitempty"`
}

// LabelPreference resolves ambiguous data-label choices. Programs are
// doublestar globs over program names. A preference with Keywords applies
// only when one of them occurs in the advice or failure text.
type LabelPreference struct {
	Programs []string `json:"programs" yaml:"programs" toml:"programs" validate:"required,min=1"`
	Keywords []string `json:"keywords,omitempty" yaml:"keywords,omitempty" toml:"keywords,omitempty"`
	Prefer   string   `json:"prefer" yaml:"prefer" toml:"prefer" validate:"required,oneof=anomalous merged"`
}

type ResolutionTarget struct {
	MaxResolution float64 `json:"max_resolution" yaml:"max_resolution" toml:"max_resolution" validate:"gt=0"`
	RFree         float64 `json:"r_free" yaml:"r_free" toml:"r_free" validate:"gt=0,lt=1"`
}

type OracleConfig struct {
	Command     []string `json:"command,omitempty" yaml:"command,omitempty" toml:"command,omitempty"`
	TimeoutMS   int      `json:"timeout_ms,omitempty" yaml:"timeout_ms,omitempty" toml:"timeout_ms,omitempty" validate:"gte=0"`
	Retries     int      `json:"retries,omitempty" yaml:"retries,omitempty" toml:"retries,omitempty" validate:"gte=0"`
	BaseDelayMS int      `json:"base_delay_ms,omitempty" yaml:"base_delay_ms,omitempty" toml:"base_delay_ms,omitempty" validate:"gte=0"`
	MaxDelayMS  int      `json:"max_delay_ms,omitempty" yaml:"max_delay_ms,omitempty" toml:"max_delay_ms,omitempty" validate:"gte=0"`
	// Jitter spreads each retry delay over [0.5, 1.5) of its nominal value.
	Jitter bool `json:"jitter,omitempty" yaml:"jitter,omitempty" toml:"jitter,omitempty"`
}

type SniffConfig struct {
	SmallMoleculeCategory string `json:"small_molecule_category,omitempty" yaml:"small_molecule_category,omitempty" toml:"small_molecule_category,omitempty"`
	ProteinCategory       string `json:"protein_category,omitempty" yaml:"protein_category,omitempty" toml:"protein_category,omitempty"`
	MaxSmallRecords       int    `json:"max_small_records,omitempty" yaml:"max_small_records,omitempty" toml:"max_small_records,omitempty" validate:"gte=0"`
	PrefixBytes           int    `json:"prefix_bytes,omitempty" yaml:"prefix_bytes,omitempty" toml:"prefix_bytes,omitempty" validate:"gte=0"`
}

type RunConfig struct {
	MaxRefineCycles  int                `json:"max_refine_cycles,omitempty" yaml:"max_refine_cycles,omitempty" toml:"max_refine_cycles,omitempty" validate:"gte=0"`
	HopelessRFree    float64            `json:"hopeless_r_free,omitempty" yaml:"hopeless_r_free,omitempty" toml:"hopeless_r_free,omitempty" validate:"gte=0,lte=1"`
	HopelessMapCC    float64            `json:"hopeless_map_cc,omitempty" yaml:"hopeless_map_cc,omitempty" toml:"hopeless_map_cc,omitempty" validate:"gte=0,lte=1"`
	TargetMapCC      float64            `json:"target_map_cc,omitempty" yaml:"target_map_cc,omitempty" toml:"target_map_cc,omitempty" validate:"gte=0,lte=1"`
	RFreeTargets     []ResolutionTarget `json:"r_free_targets,omitempty" yaml:"r_free_targets,omitempty" toml:"r_free_targets,omitempty" validate:"dive"`
	DuplicateOverlap float64            `json:"duplicate_overlap,omitempty" yaml:"duplicate_overlap,omitempty" toml:"duplicate_overlap,omitempty" validate:"gte=0,lte=1"`
	CellTolerance    float64            `json:"cell_tolerance,omitempty" yaml:"cell_tolerance,omitempty" toml:"cell_tolerance,omitempty" validate:"gte=0,lt=1"`
	Oracle           OracleConfig       `json:"oracle,omitempty" yaml:"oracle,omitempty" toml:"oracle,omitempty"`
	LogsRoot         string             `json:"logs_root,omitempty" yaml:"logs_root,omitempty" toml:"logs_root,omitempty"`
}

// TargetRFree returns the R-free considered "at target" for resolution res.
func (r RunConfig) TargetRFree(res float64) float64 {
	targets := append([]ResolutionTarget{}, r.RFreeTargets...)
	sort.SliceStable(targets, func(i, j int) bool { return targets[i].MaxResolution < targets[j].MaxResolution })
	if len(targets) == 0 {
		return 0.25
	}
	if res <= 0 {
		return targets[len(targets)-1].RFree
	}
	for _, t := range targets {
		if res <= t.MaxResolution {
			return t.RFree
		}
	}
	return targets[len(targets)-1].RFree
}

// Catalog is the static, pre-validated description of the program suite:
// category taxonomy, programs and their slots, and run policy.
type Catalog struct {
	Version          int               `json:"version" yaml:"version" toml:"version"`
	Run              RunConfig         `json:"run,omitempty" yaml:"run,omitempty" toml:"run,omitempty"`
	Sniff            SniffConfig       `json:"sniff,omitempty" yaml:"sniff,omitempty" toml:"sniff,omitempty"`
	UniversalScopes  []string          `json:"universal_scopes,omitempty" yaml:"universal_scopes,omitempty" toml:"universal_scopes,omitempty"`
	Categories       []Category        `json:"categories" yaml:"categories" toml:"categories" validate:"required,min=1,dive"`
	Programs         []Program         `json:"programs" yaml:"programs" toml:"programs" validate:"required,min=1,dive"`
	Zombies          []ZombieRule      `json:"zombies,omitempty" yaml:"zombies,omitempty" toml:"zombies,omitempty" validate:"dive"`
	LabelPreferences []LabelPreference `json:"label_preferences,omitempty" yaml:"label_preferences,omitempty" toml:"label_preferences,omitempty" validate:"dive"`
}

func (c *Catalog) Program(name string) (*Program, bool) {
	if c == nil {
		return nil, false
	}
	name = strings.TrimSpace(name)
	for i := range c.Programs {
		if c.Programs[i].Name == name {
			return &c.Programs[i], true
		}
	}
	// Accept short names ("refine") as a convenience for oracle output.
	short := ShortProgramName(name)
	for i := range c.Programs {
		if c.Programs[i].ShortName() == short {
			return &c.Programs[i], true
		}
	}
	return nil, false
}

func (c *Catalog) ProgramsFor(exp ExperimentType) []*Program {
	if c == nil {
		return nil
	}
	var out []*Program
	for i := range c.Programs {
		if c.Programs[i].Supports(exp) {
			out = append(out, &c.Programs[i])
		}
	}
	return out
}

// ProbeProgram returns the placement-probe program for exp.
func (c *Catalog) ProbeProgram(exp ExperimentType) *Program {
	for _, p := range c.ProgramsFor(exp) {
		if p.Role == RoleProbe {
			return p
		}
	}
	return nil
}

func (c *Catalog) IsProbe(name string) bool {
	p, ok := c.Program(name)
	return ok && p.Role == RoleProbe
}
