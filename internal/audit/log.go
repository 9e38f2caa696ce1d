// Package audit keeps the local forensic trail: an append-only event
// log and a periodically refreshed status snapshot. Writes are best
// effort; supervision never stops because a disk write failed.
package audit

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const eventsFileName = "events.log"

// Event is one line of the audit trail.
type Event struct {
	ID        string         `json:"id"`
	TS        time.Time      `json:"ts"`
	Kind      string         `json:"kind"`
	Component string         `json:"component"`
	Detail    map[string]any `json:"detail,omitempty"`
}

// Log appends events to a JSONL file and keeps a bounded in-memory tail
// for status surfaces.
type Log struct {
	mu      sync.Mutex
	file    *os.File
	logger  zerolog.Logger
	recent  []Event
	maxTail int
	dropped uint64
	now     func() time.Time
}

// NewLog opens (or creates) the event log under dir.
func NewLog(dir string, logger zerolog.Logger) (*Log, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	file, err := os.OpenFile(filepath.Join(dir, eventsFileName), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, err
	}
	return &Log{
		file:    file,
		logger:  logger.With().Str("component", "audit_log").Logger(),
		maxTail: 256,
		now:     time.Now,
	}, nil
}

// Append writes one event and returns its id. Failures are counted and
// logged, never propagated.
func (l *Log) Append(kind, component string, detail map[string]any) string {
	ev := Event{
		ID:        uuid.New().String(),
		TS:        l.now().UTC(),
		Kind:      kind,
		Component: component,
		Detail:    detail,
	}

	line, err := json.Marshal(ev)
	if err != nil {
		l.mu.Lock()
		l.dropped++
		l.mu.Unlock()
		l.logger.Warn().Err(err).Str("kind", kind).Msg("audit event not serialisable, dropped")
		return ev.ID
	}

	l.mu.Lock()
	if _, err := l.file.Write(append(line, '\n')); err != nil {
		l.dropped++
		l.mu.Unlock()
		l.logger.Warn().Err(err).Str("kind", kind).Msg("audit append failed, event dropped")
		return ev.ID
	}
	l.recent = append(l.recent, ev)
	if len(l.recent) > l.maxTail {
		l.recent = l.recent[len(l.recent)-l.maxTail:]
	}
	l.mu.Unlock()
	return ev.ID
}

// Recent returns up to n of the latest events, oldest first.
func (l *Log) Recent(n int) []Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	if n <= 0 || n > len(l.recent) {
		n = len(l.recent)
	}
	out := make([]Event, n)
	copy(out, l.recent[len(l.recent)-n:])
	return out
}

// Dropped reports how many events failed to persist.
func (l *Log) Dropped() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.dropped
}

// Close releases the underlying file.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.file.Close()
}
