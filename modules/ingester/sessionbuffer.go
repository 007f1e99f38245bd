package ingester

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
)

// realtimeTailSize bounds the in-memory ring of most-recent serialized
// events mirrored to the realtime cache.
const realtimeTailSize = 20

// FinalizedBuffer is the immutable snapshot returned by Buffer.Finalize:
// the temp file has been flushed and closed, and is ready for compression
// and upload.
type FinalizedBuffer struct {
	FilePath        string
	LowestOffset    int64
	HighestOffset   int64
	OldestKafkaTime int64
	NewestKafkaTime int64
	ByteSize        int64
	EventCount      int
	CreatedAtUnixMs int64
}

// Buffer is a per-session, append-only buffer backed by a temp file plus
// in-memory metadata. It is owned exclusively by
// one SessionManager; nothing here is safe for concurrent Append calls by
// design, since the consumer's single batch-processing goroutine is the
// only writer.
type Buffer struct {
	dir string

	file   *os.File
	writer *bufio.Writer
	path   string

	lowestOffset  int64
	highestOffset int64
	haveOffsets   bool

	oldestTimestamp int64
	newestTimestamp int64
	haveTimestamps  bool

	byteSize   int64
	eventCount int

	createdAtUnixMs int64

	realtimeTail [][]byte
}

// NewBuffer creates a buffer backed by a fresh temp file under dir.
// createdAtUnixMs is the wall-clock creation time used in the object-store
// key.
func NewBuffer(dir string, createdAtUnixMs int64) (*Buffer, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating session buffer directory: %w", err)
	}

	path := filepath.Join(dir, uuid.New().String()+".jsonl")
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("creating session buffer temp file: %w", err)
	}

	return &Buffer{
		dir:             dir,
		file:            f,
		writer:          bufio.NewWriter(f),
		path:            path,
		createdAtUnixMs: createdAtUnixMs,
	}, nil
}

// Append serializes event as one newline-delimited JSON record and tracks
// its offset/timestamp in the buffer's metadata. O(1) amortized.
func (b *Buffer) Append(event []byte, offset int64, timestampMs int64) error {
	if _, err := b.writer.Write(event); err != nil {
		return fmt.Errorf("appending event: %w", err)
	}
	if err := b.writer.WriteByte('\n'); err != nil {
		return fmt.Errorf("appending event: %w", err)
	}

	if !b.haveOffsets || offset < b.lowestOffset {
		b.lowestOffset = offset
	}
	if !b.haveOffsets || offset > b.highestOffset {
		b.highestOffset = offset
	}
	b.haveOffsets = true

	if !b.haveTimestamps || timestampMs < b.oldestTimestamp {
		b.oldestTimestamp = timestampMs
	}
	if !b.haveTimestamps || timestampMs > b.newestTimestamp {
		b.newestTimestamp = timestampMs
	}
	b.haveTimestamps = true

	b.byteSize += int64(len(event)) + 1
	b.eventCount++

	b.realtimeTail = append(b.realtimeTail, append([]byte(nil), event...))
	if len(b.realtimeTail) > realtimeTailSize {
		b.realtimeTail = b.realtimeTail[len(b.realtimeTail)-realtimeTailSize:]
	}

	return nil
}

// Size returns the current buffered byte size.
func (b *Buffer) Size() int64 { return b.byteSize }

// IsEmpty reports whether any event has been appended since creation or the
// last Reset.
func (b *Buffer) IsEmpty() bool { return b.eventCount == 0 }

// LowestOffset returns the lowest appended offset, or false if empty.
func (b *Buffer) LowestOffset() (int64, bool) { return b.lowestOffset, b.haveOffsets }

// HighestOffset returns the highest appended offset, or false if empty.
func (b *Buffer) HighestOffset() (int64, bool) { return b.highestOffset, b.haveOffsets }

// OldestTimestamp returns the oldest appended Kafka record timestamp, or
// false if empty.
func (b *Buffer) OldestTimestamp() (int64, bool) { return b.oldestTimestamp, b.haveTimestamps }

// RealtimeTail returns the bounded ring of most recent serialized events.
func (b *Buffer) RealtimeTail() [][]byte { return b.realtimeTail }

// Finalize flushes OS buffers and closes the temp file, returning an
// immutable snapshot ready for compression and upload. Finalizing an empty
// buffer still closes the file and returns a valid (zero-event) snapshot;
// SessionManager checks IsEmpty first and never finalizes an empty buffer.
func (b *Buffer) Finalize() (FinalizedBuffer, error) {
	if err := b.writer.Flush(); err != nil {
		return FinalizedBuffer{}, fmt.Errorf("flushing session buffer: %w", err)
	}
	if err := b.file.Sync(); err != nil {
		return FinalizedBuffer{}, fmt.Errorf("syncing session buffer: %w", err)
	}
	if err := b.file.Close(); err != nil {
		return FinalizedBuffer{}, fmt.Errorf("closing session buffer: %w", err)
	}

	return FinalizedBuffer{
		FilePath:        b.path,
		LowestOffset:    b.lowestOffset,
		HighestOffset:   b.highestOffset,
		OldestKafkaTime: b.oldestTimestamp,
		NewestKafkaTime: b.newestTimestamp,
		ByteSize:        b.byteSize,
		EventCount:      b.eventCount,
		CreatedAtUnixMs: b.createdAtUnixMs,
	}, nil
}

// Reset discards the finalized temp file (if still present) and starts a
// fresh one, zeroing counters while preserving the realtime tail.
func (b *Buffer) Reset(createdAtUnixMs int64) error {
	_ = os.Remove(b.path)

	path := filepath.Join(b.dir, uuid.New().String()+".jsonl")
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("recreating session buffer temp file: %w", err)
	}

	tail := b.realtimeTail
	*b = Buffer{
		dir:             b.dir,
		file:            f,
		writer:          bufio.NewWriter(f),
		path:            path,
		createdAtUnixMs: createdAtUnixMs,
		realtimeTail:    tail,
	}
	return nil
}

// Destroy closes and unlinks the temp file. Idempotent.
func (b *Buffer) Destroy() {
	if b.file != nil {
		_ = b.file.Close()
		b.file = nil
	}
	_ = os.Remove(b.path)
}
