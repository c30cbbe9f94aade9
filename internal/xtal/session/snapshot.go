package session

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/danshapiro/xtalflow/internal/xtal/bestfiles"
	"github.com/danshapiro/xtalflow/internal/xtal/catalog"
	"github.com/danshapiro/xtalflow/internal/xtal/state"
)

type SessionState string

const (
	StateNew     SessionState = "new"
	StateActive  SessionState = "active"
	StateStopped SessionState = "stopped"
	StateFailing SessionState = "failing"
)

// Snapshot is a compact status view of a session for operators.
type Snapshot struct {
	Path           string                 `json:"path"`
	ID             string                 `json:"id"`
	ExperimentType catalog.ExperimentType `json:"experiment_type"`
	State          SessionState           `json:"state"`
	Cycles         int                    `json:"cycles"`
	LastProgram    string                 `json:"last_program,omitempty"`
	LastExitCode   int                    `json:"last_exit_code"`
	StopReason     string                 `json:"stop_reason,omitempty"`
	LockedDataFile string                 `json:"locked_data_file,omitempty"`
	BestFiles      map[string]string      `json:"best_files,omitempty"`
	BestSummary    []string               `json:"best_summary,omitempty"`
	Overrides      []string               `json:"overrides,omitempty"`
	Directives     []string               `json:"directives,omitempty"`
	ChecksumOK     bool                   `json:"checksum_ok"`

	LastEvent   string    `json:"last_event,omitempty"`
	LastEventAt time.Time `json:"last_event_at,omitempty"`
	LastPhase   string    `json:"last_phase,omitempty"`
}

// LoadSnapshot summarizes the session at path. logsRoot, when set, supplies
// the latest progress event. A hand-edited document still produces a
// snapshot with ChecksumOK false.
func LoadSnapshot(path, logsRoot string) (*Snapshot, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("session path is required")
	}
	s := &Snapshot{Path: path, State: StateNew, ChecksumOK: true}

	d, err := Load(path)
	switch {
	case err == nil:
	case errors.Is(err, ErrChecksum):
		s.ChecksumOK = false
		if d, err = LoadEdited(path); err != nil {
			return nil, err
		}
	case errors.Is(err, os.ErrNotExist):
		return s, nil
	default:
		return nil, err
	}
	applyDocument(s, d)

	if strings.TrimSpace(logsRoot) != "" {
		ev, found, err := readLastProgressEvent(filepath.Join(logsRoot, "progress.ndjson"))
		if err != nil {
			return nil, err
		}
		if found {
			s.LastEvent = eventString(ev["event"])
			s.LastPhase = eventString(ev["phase"])
			s.LastEventAt = parseEventTime(ev["ts"])
		}
	}
	return s, nil
}

func applyDocument(s *Snapshot, d *Document) {
	s.ID = d.ID
	s.ExperimentType = d.ExperimentType
	s.Cycles = len(d.History)
	s.LockedDataFile = d.LockedDataFile
	s.StopReason = d.StopReason
	if n := len(d.History); n > 0 {
		last := d.History[n-1]
		s.LastProgram = last.Program
		s.LastExitCode = last.ExitCode
		s.State = StateActive
		if last.ExitCode != 0 {
			s.State = StateFailing
		}
	}
	if d.Stopped {
		s.State = StateStopped
	}
	if len(d.BestFiles) > 0 {
		s.BestFiles = make(map[string]string, len(d.BestFiles))
		for cat, e := range d.BestFiles {
			s.BestFiles[cat] = e.Path
		}
		s.BestSummary = bestfiles.NewTracker(nil, d.BestFiles).Summary()
	}
	for _, o := range d.Overrides {
		s.Overrides = append(s.Overrides, fmt.Sprintf("%s: %s=%s", o.File, o.Param, o.Value))
	}
	sort.Strings(s.Overrides)
	s.Directives = state.Describe(d.Directives)
}

func readLastProgressEvent(path string) (map[string]any, bool, error) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, false, nil
		}
		return nil, false, err
	}
	defer func() { _ = f.Close() }()

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 2*1024*1024)
	last := ""
	for sc.Scan() {
		if line := strings.TrimSpace(sc.Text()); line != "" {
			last = line
		}
	}
	if err := sc.Err(); err != nil {
		return nil, false, err
	}
	if last == "" {
		return nil, false, nil
	}
	var ev map[string]any
	if err := json.Unmarshal([]byte(last), &ev); err != nil {
		return nil, false, fmt.Errorf("decode %s: %w", path, err)
	}
	return ev, true, nil
}

func eventString(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(t)
	default:
		return strings.TrimSpace(fmt.Sprint(t))
	}
}

func parseEventTime(v any) time.Time {
	raw := eventString(v)
	if raw == "" {
		return time.Time{}
	}
	if ts, err := time.Parse(time.RFC3339Nano, raw); err == nil {
		return ts
	}
	return time.Time{}
}
