// Package objectstore writes finalized session buffers to durable object
// storage under a deterministic key layout, adapting friggdb/backend's
// reader/writer split (local and gcs backends) to an S3-compatible writer
// plus a local-disk backend used by tests.
package objectstore

import (
	"context"
	"fmt"
)

// Metadata is attached to the uploaded object as user metadata.
type Metadata struct {
	TeamID     int64
	SessionID  string
	LowestOff  int64
	HighestOff int64
	EventCount int
}

// Writer uploads a compressed session buffer under a deterministic key.
// Implementations must make repeated uploads of the same key idempotent,
// since at-least-once delivery means the same (team, session, partition,
// offset-range) tuple may be flushed more than once across worker restarts.
type Writer interface {
	// Put uploads body (already gzip-compressed) under the object key
	// derived from the given coordinates.
	Put(ctx context.Context, teamID int64, sessionID string, partition int32, lowest, highest, createdAtUnixMs int64, body []byte, meta Metadata) (key string, err error)
}

// Key builds the deterministic object key:
// session_recordings/team_id=<T>/session_id=<S>/partition=<P>/<lowest>-<highest>-<createdAt>.jsonl.gz
func Key(teamID int64, sessionID string, partition int32, lowest, highest, createdAtUnixMs int64) string {
	return fmt.Sprintf(
		"session_recordings/team_id=%d/session_id=%s/partition=%d/%d-%d-%d.jsonl.gz",
		teamID, sessionID, partition, lowest, highest, createdAtUnixMs,
	)
}
