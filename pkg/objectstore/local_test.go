package objectstore

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestKey_Format(t *testing.T) {
	key := Key(5, "session-1", 2, 10, 20, 1700000000000)
	require.Equal(t, "session_recordings/team_id=5/session_id=session-1/partition=2/10-20-1700000000000.jsonl.gz", key)
}

func TestLocalWriter_PutWritesReadableFileAtDeterministicKey(t *testing.T) {
	dir := t.TempDir()
	w, err := NewLocalWriter(LocalConfig{Path: dir})
	require.NoError(t, err)

	key, err := w.Put(context.Background(), 5, "session-1", 2, 10, 20, 1700000000000, []byte("hello"), Metadata{})
	require.NoError(t, err)
	require.Equal(t, Key(5, "session-1", 2, 10, 20, 1700000000000), key)

	contents, err := os.ReadFile(filepath.Join(dir, filepath.FromSlash(key)))
	require.NoError(t, err)
	require.Equal(t, "hello", string(contents))
}

func TestLocalWriter_PutIsIdempotentAcrossRetries(t *testing.T) {
	dir := t.TempDir()
	w, err := NewLocalWriter(LocalConfig{Path: dir})
	require.NoError(t, err)

	key1, err := w.Put(context.Background(), 5, "session-1", 2, 10, 20, 1700000000000, []byte("first"), Metadata{})
	require.NoError(t, err)
	key2, err := w.Put(context.Background(), 5, "session-1", 2, 10, 20, 1700000000000, []byte("second"), Metadata{})
	require.NoError(t, err)

	require.Equal(t, key1, key2, "uploads with identical coordinates must land on the same key")

	contents, err := os.ReadFile(filepath.Join(dir, filepath.FromSlash(key1)))
	require.NoError(t, err)
	require.Equal(t, "second", string(contents), "a retried upload overwrites rather than duplicating")
}

func TestLocalWriter_NewLocalWriterCreatesRoot(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nested", "store")
	_, err := NewLocalWriter(LocalConfig{Path: dir})
	require.NoError(t, err)

	info, err := os.Stat(dir)
	require.NoError(t, err)
	require.True(t, info.IsDir())
}

func TestLocalWriter_PutNeverLeavesTempFileBehind(t *testing.T) {
	dir := t.TempDir()
	w, err := NewLocalWriter(LocalConfig{Path: dir})
	require.NoError(t, err)

	key, err := w.Put(context.Background(), 1, "s", 0, 1, 2, 3, []byte("x"), Metadata{})
	require.NoError(t, err)

	_, err = os.Stat(filepath.Join(dir, filepath.FromSlash(key)+".tmp"))
	require.True(t, os.IsNotExist(err))
}
