package audit

import (
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"

	"trade-warden/internal/atomicfile"
)

const snapshotFileName = "status.json"

// SnapshotPath returns the snapshot location under dir.
func SnapshotPath(dir string) string {
	return filepath.Join(dir, snapshotFileName)
}

// SnapshotWriter persists the latest status document. Each write fully
// replaces the previous file so external tooling always reads a
// consistent document.
type SnapshotWriter struct {
	path   string
	logger zerolog.Logger
}

// NewSnapshotWriter targets dir/status.json.
func NewSnapshotWriter(dir string, logger zerolog.Logger) (*SnapshotWriter, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	return &SnapshotWriter{
		path:   SnapshotPath(dir),
		logger: logger.With().Str("component", "audit_snapshot").Logger(),
	}, nil
}

// Write serialises v and atomically replaces the snapshot file.
func (w *SnapshotWriter) Write(v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	return atomicfile.WriteFile(w.path, data, 0o644)
}

// Path returns the snapshot location.
func (w *SnapshotWriter) Path() string { return w.path }
