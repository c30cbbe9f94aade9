package runtime

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// ProgressLog appends one JSON object per line to progress.ndjson. It is the
// operator-facing activity feed; a nil *ProgressLog discards events.
type ProgressLog struct {
	mu   sync.Mutex
	path string
	now  func() time.Time

	warnings []string
}

func NewProgressLog(logsRoot string) *ProgressLog {
	root := strings.TrimSpace(logsRoot)
	if root == "" {
		return nil
	}
	return &ProgressLog{path: filepath.Join(root, "progress.ndjson"), now: time.Now}
}

func (p *ProgressLog) Path() string {
	if p == nil {
		return ""
	}
	return p.path
}

// Append writes ev with a "ts" field. Write failures are swallowed; progress
// is best-effort and must never fail a cycle.
func (p *ProgressLog) Append(ev map[string]any) {
	if p == nil || ev == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make(map[string]any, len(ev)+1)
	for k, v := range ev {
		out[k] = v
	}
	out["ts"] = p.now().UTC().Format(time.RFC3339Nano)
	b, err := json.Marshal(out)
	if err != nil {
		return
	}
	if err := os.MkdirAll(filepath.Dir(p.path), 0o755); err != nil {
		return
	}
	f, err := os.OpenFile(p.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return
	}
	_, _ = f.Write(append(b, '\n'))
	_ = f.Close()
}

func (p *ProgressLog) Warn(msg string) {
	if p == nil {
		return
	}
	msg = strings.TrimSpace(msg)
	if msg == "" {
		return
	}
	p.mu.Lock()
	p.warnings = append(p.warnings, msg)
	p.mu.Unlock()
	p.Append(map[string]any{
		"event":   "warning",
		"message": msg,
	})
}

func (p *ProgressLog) Warnings() []string {
	if p == nil {
		return nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string{}, p.warnings...)
}
