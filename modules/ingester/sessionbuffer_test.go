package ingester

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBuffer_AppendTracksOffsetsAndTimestamps(t *testing.T) {
	b, err := NewBuffer(t.TempDir(), 1000)
	require.NoError(t, err)
	defer b.Destroy()

	require.True(t, b.IsEmpty())

	require.NoError(t, b.Append([]byte(`{"a":1}`), 5, 100))
	require.NoError(t, b.Append([]byte(`{"a":2}`), 3, 300))
	require.NoError(t, b.Append([]byte(`{"a":3}`), 8, 200))

	require.False(t, b.IsEmpty())

	low, ok := b.LowestOffset()
	require.True(t, ok)
	require.Equal(t, int64(3), low)

	high, ok := b.HighestOffset()
	require.True(t, ok)
	require.Equal(t, int64(8), high)

	oldest, ok := b.OldestTimestamp()
	require.True(t, ok)
	require.Equal(t, int64(100), oldest)

	require.Greater(t, b.Size(), int64(0))
}

func TestBuffer_LowestOffsetOnEmptyBufferReportsFalse(t *testing.T) {
	b, err := NewBuffer(t.TempDir(), 0)
	require.NoError(t, err)
	defer b.Destroy()

	_, ok := b.LowestOffset()
	require.False(t, ok)
}

func TestBuffer_RealtimeTailIsBoundedAndOrdered(t *testing.T) {
	b, err := NewBuffer(t.TempDir(), 0)
	require.NoError(t, err)
	defer b.Destroy()

	for i := 0; i < realtimeTailSize+5; i++ {
		require.NoError(t, b.Append([]byte{byte(i)}, int64(i), int64(i)))
	}

	tail := b.RealtimeTail()
	require.Len(t, tail, realtimeTailSize)
	require.Equal(t, byte(5), tail[0][0], "the tail must keep the most recent events, dropping the oldest")
	require.Equal(t, byte(realtimeTailSize+4), tail[len(tail)-1][0])
}

func TestBuffer_FinalizeWritesNewlineDelimitedEvents(t *testing.T) {
	dir := t.TempDir()
	b, err := NewBuffer(dir, 0)
	require.NoError(t, err)

	require.NoError(t, b.Append([]byte(`{"a":1}`), 1, 1))
	require.NoError(t, b.Append([]byte(`{"a":2}`), 2, 2))

	fb, err := b.Finalize()
	require.NoError(t, err)
	require.Equal(t, 2, fb.EventCount)
	require.Equal(t, int64(1), fb.LowestOffset)
	require.Equal(t, int64(2), fb.HighestOffset)

	contents, err := os.ReadFile(fb.FilePath)
	require.NoError(t, err)
	require.Equal(t, "{\"a\":1}\n{\"a\":2}\n", string(contents))

	require.NoError(t, os.Remove(fb.FilePath))
}

func TestBuffer_ResetStartsFreshFileAndKeepsRealtimeTail(t *testing.T) {
	dir := t.TempDir()
	b, err := NewBuffer(dir, 0)
	require.NoError(t, err)
	defer b.Destroy()

	require.NoError(t, b.Append([]byte(`{"a":1}`), 1, 1))
	fb, err := b.Finalize()
	require.NoError(t, err)
	oldPath := fb.FilePath

	require.NoError(t, b.Reset(555))

	require.True(t, b.IsEmpty())
	require.Len(t, b.RealtimeTail(), 1, "Reset must preserve the realtime tail across a flush cycle")

	_, err = os.Stat(oldPath)
	require.True(t, os.IsNotExist(err), "Reset must remove the finalized temp file")

	require.NoError(t, b.Append([]byte(`{"a":2}`), 9, 9))
	fb2, err := b.Finalize()
	require.NoError(t, err)
	require.NotEqual(t, oldPath, fb2.FilePath)
	require.NoError(t, os.Remove(fb2.FilePath))
}

func TestBuffer_DestroyIsIdempotentAndRemovesFile(t *testing.T) {
	dir := t.TempDir()
	b, err := NewBuffer(dir, 0)
	require.NoError(t, err)

	require.NoError(t, b.Append([]byte(`{"a":1}`), 1, 1))
	path := b.path

	b.Destroy()
	_, err = os.Stat(path)
	require.True(t, os.IsNotExist(err))

	require.NotPanics(t, func() { b.Destroy() })
}

func TestBuffer_NewBufferCreatesDirectory(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nested", "sessions")
	b, err := NewBuffer(dir, 0)
	require.NoError(t, err)
	defer b.Destroy()

	info, err := os.Stat(dir)
	require.NoError(t, err)
	require.True(t, info.IsDir())
}
