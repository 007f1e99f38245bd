package objectstore

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
)

// LocalConfig configures LocalWriter, a disk-backed Writer used in tests and
// single-node deployments in place of S3.
type LocalConfig struct {
	Path string `yaml:"path"`
}

// LocalWriter writes objects under a local directory, mirroring the
// session_recordings/... key layout as a nested path. Grounded on
// friggdb/backend/local's create-directory-then-write pattern.
type LocalWriter struct {
	root string
}

// NewLocalWriter builds a LocalWriter rooted at cfg.Path.
func NewLocalWriter(cfg LocalConfig) (*LocalWriter, error) {
	if err := os.MkdirAll(cfg.Path, 0o755); err != nil {
		return nil, fmt.Errorf("creating object store root: %w", err)
	}
	return &LocalWriter{root: cfg.Path}, nil
}

// Put implements Writer.
func (w *LocalWriter) Put(_ context.Context, teamID int64, sessionID string, partition int32, lowest, highest, createdAtUnixMs int64, body []byte, _ Metadata) (string, error) {
	key := Key(teamID, sessionID, partition, lowest, highest, createdAtUnixMs)
	full := filepath.Join(w.root, filepath.FromSlash(key))

	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return "", fmt.Errorf("creating object directory: %w", err)
	}

	// Write-then-rename keeps a concurrent reader from ever observing a
	// partially written object, and makes the upload idempotent under retry.
	tmp := full + ".tmp"
	if err := os.WriteFile(tmp, body, 0o644); err != nil {
		return "", fmt.Errorf("writing object: %w", err)
	}
	if err := os.Rename(tmp, full); err != nil {
		return "", fmt.Errorf("finalizing object: %w", err)
	}

	return key, nil
}
