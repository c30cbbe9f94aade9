// Package session persists the state carried between cycles: history, best
// files, recovery overrides and cached directives. The document is read in
// full at cycle start and replaced atomically at the end.
package session

import (
	_ "embed"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/santhosh-tekuri/jsonschema/v5"
	"github.com/zeebo/blake3"

	"github.com/danshapiro/xtalflow/internal/xtal/bestfiles"
	"github.com/danshapiro/xtalflow/internal/xtal/catalog"
	"github.com/danshapiro/xtalflow/internal/xtal/command"
	"github.com/danshapiro/xtalflow/internal/xtal/history"
	"github.com/danshapiro/xtalflow/internal/xtal/runtime"
	"github.com/danshapiro/xtalflow/internal/xtal/state"
)

const Version = 1

var (
	ErrInvalidDocument = errors.New("invalid session document")
	ErrChecksum        = errors.New("session checksum mismatch")
	ErrOutOfOrder      = errors.New("history record out of order")
)

//go:embed schema.json
var schemaJSON string

var docSchema = mustCompileSchema(schemaJSON)

func mustCompileSchema(src string) *jsonschema.Schema {
	c := jsonschema.NewCompiler()
	if err := c.AddResource("session.schema.json", strings.NewReader(src)); err != nil {
		panic(err)
	}
	return c.MustCompile("session.schema.json")
}

type Document struct {
	Version        int                         `json:"version"`
	ID             string                      `json:"id"`
	ExperimentType catalog.ExperimentType      `json:"experiment_type"`
	Resolution     float64                     `json:"resolution,omitempty"`
	LockedDataFile string                      `json:"locked_data_file,omitempty"`
	BestFiles      map[string]bestfiles.Entry  `json:"best_files,omitempty"`
	History        []history.Record            `json:"history"`
	Overrides      map[string]command.Override `json:"overrides,omitempty"`

	// Advice is the text the cached directives were extracted from.
	Advice     string           `json:"advice,omitempty"`
	AdviceHash string           `json:"advice_hash,omitempty"`
	Directives state.Directives `json:"directives,omitempty"`

	// EvaluatedThrough is the last cycle whose output files were offered to
	// the best-file tracker.
	EvaluatedThrough int `json:"evaluated_through"`

	Stopped    bool   `json:"stopped,omitempty"`
	StopReason string `json:"stop_reason,omitempty"`

	UpdatedAt time.Time `json:"updated_at"`
	Checksum  string    `json:"checksum"`
}

// New starts an empty session with a fresh id.
func New(exp catalog.ExperimentType) *Document {
	return &Document{
		Version:        Version,
		ID:             ulid.Make().String(),
		ExperimentType: exp,
		BestFiles:      map[string]bestfiles.Entry{},
		History:        []history.Record{},
		Overrides:      map[string]command.Override{},
	}
}

// Load reads, schema-validates and checksum-verifies a session document.
func Load(path string) (*Document, error) {
	return load(path, true)
}

// LoadEdited is Load without the checksum check, for documents an operator
// has edited by hand. The next Save reseals them.
func LoadEdited(path string) (*Document, error) {
	return load(path, false)
}

// Open loads path, or starts a new session when it does not exist yet.
func Open(path string, exp catalog.ExperimentType) (*Document, bool, error) {
	d, err := Load(path)
	if err == nil {
		return d, false, nil
	}
	if errors.Is(err, os.ErrNotExist) {
		return New(exp), true, nil
	}
	return nil, false, err
}

func load(path string, verify bool) (*Document, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	d, err := Decode(b)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	if verify {
		sum, err := d.computeChecksum()
		if err != nil {
			return nil, err
		}
		if sum != d.Checksum {
			return nil, fmt.Errorf("%s: %w (stored %s, computed %s)", path, ErrChecksum, short(d.Checksum), short(sum))
		}
	}
	return d, nil
}

// Decode validates b against the document schema and decodes it.
func Decode(b []byte) (*Document, error) {
	var raw any
	if err := json.Unmarshal(b, &raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidDocument, err)
	}
	if err := docSchema.Validate(raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidDocument, err)
	}
	var d Document
	if err := json.Unmarshal(b, &d); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidDocument, err)
	}
	if d.Version > Version {
		return nil, fmt.Errorf("%w: version %d is newer than supported %d", ErrInvalidDocument, d.Version, Version)
	}
	if err := checkOrder(d.History); err != nil {
		return nil, err
	}
	d.normalize()
	return &d, nil
}

// Save seals the document with a fresh checksum and replaces path.
func (d *Document) Save(path string) error {
	d.normalize()
	d.UpdatedAt = time.Now().UTC()
	sum, err := d.computeChecksum()
	if err != nil {
		return err
	}
	d.Checksum = sum
	return runtime.WriteJSONAtomicFile(path, d)
}

func (d *Document) normalize() {
	if d.Version == 0 {
		d.Version = Version
	}
	if d.History == nil {
		d.History = []history.Record{}
	}
	if d.BestFiles == nil {
		d.BestFiles = map[string]bestfiles.Entry{}
	}
	if d.Overrides == nil {
		d.Overrides = map[string]command.Override{}
	}
}

// computeChecksum hashes the document with its checksum field blank. Map keys
// marshal sorted, so the encoding is stable.
func (d *Document) computeChecksum() (string, error) {
	c := *d
	c.Checksum = ""
	b, err := json.Marshal(&c)
	if err != nil {
		return "", err
	}
	sum := blake3.Sum256(b)
	return hex.EncodeToString(sum[:]), nil
}

// LastCycle is the cycle number of the newest record, or 0.
func (d *Document) LastCycle() int {
	if len(d.History) == 0 {
		return 0
	}
	return d.History[len(d.History)-1].Cycle
}

func (d *Document) NextCycle() int { return d.LastCycle() + 1 }

// AppendRecord adds one executed cycle. A zero cycle number is assigned the
// next one; an explicit number must exceed every recorded cycle.
func (d *Document) AppendRecord(rec history.Record) error {
	rec.Program = strings.TrimSpace(rec.Program)
	if rec.Program == "" {
		return fmt.Errorf("%w: record has no program", ErrInvalidDocument)
	}
	if rec.Cycle == 0 {
		rec.Cycle = d.NextCycle()
	}
	if rec.Cycle <= d.LastCycle() {
		return fmt.Errorf("%w: cycle %d after %d", ErrOutOfOrder, rec.Cycle, d.LastCycle())
	}
	d.History = append(d.History, rec)
	d.Stopped = false
	d.StopReason = ""
	return nil
}

func checkOrder(recs []history.Record) error {
	last := 0
	for _, r := range recs {
		if r.Cycle <= last {
			return fmt.Errorf("%w: cycle %d after %d", ErrOutOfOrder, r.Cycle, last)
		}
		last = r.Cycle
	}
	return nil
}

// SetBestFiles stores the tracker's entries and mirrors the locked data file.
func (d *Document) SetBestFiles(entries map[string]bestfiles.Entry, dataCategory string) {
	d.BestFiles = entries
	if e, ok := entries[dataCategory]; ok && e.Locked {
		d.LockedDataFile = e.Path
	}
}

// HashAdvice is the cache key for extracted directives. Whitespace runs are
// collapsed so reflowed advice hits the cache.
func HashAdvice(advice string) string {
	norm := strings.Join(strings.Fields(advice), " ")
	if norm == "" {
		return ""
	}
	sum := blake3.Sum256([]byte(norm))
	return hex.EncodeToString(sum[:])
}

// CachedDirectives returns the stored directives when advice hashes to the
// cached value.
func (d *Document) CachedDirectives(advice string) (state.Directives, bool) {
	h := HashAdvice(advice)
	if h == "" || h != d.AdviceHash {
		return nil, false
	}
	return d.Directives, true
}

func (d *Document) SetDirectives(advice string, ds []state.Directive) {
	d.Advice = strings.TrimSpace(advice)
	d.AdviceHash = HashAdvice(advice)
	d.Directives = state.Directives(ds)
}

// Override returns the recovery override stored for a file basename.
func (d *Document) Override(base string) (command.Override, bool) {
	o, ok := d.Overrides[base]
	return o, ok
}

func (d *Document) AddOverride(o command.Override) {
	if d.Overrides == nil {
		d.Overrides = map[string]command.Override{}
	}
	d.Overrides[o.File] = o
}

func (d *Document) Stop(reason string) {
	d.Stopped = true
	d.StopReason = strings.TrimSpace(reason)
}

func short(s string) string {
	if len(s) > 12 {
		return s[:12]
	}
	return s
}
