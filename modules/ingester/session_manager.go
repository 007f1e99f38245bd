package ingester

import (
	"bytes"
	"compress/gzip"
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"github.com/posthog/replay-ingester/pkg/highwatermark"
	"github.com/posthog/replay-ingester/pkg/objectstore"
	"github.com/posthog/replay-ingester/pkg/realtimecache"
	"github.com/posthog/replay-ingester/pkg/snapshotevent"
)

// FlushReason labels why a flush was triggered; it is also the Prometheus
// label value recorded on metricFlushesTotal.
type FlushReason string

const (
	FlushReasonSize              FlushReason = "size_limit"
	FlushReasonAge               FlushReason = "age_limit"
	FlushReasonPartitionShutdown FlushReason = "partition_shutdown"
	FlushReasonProcessStop       FlushReason = "process_stop"
)

// SessionManager owns one Buffer, decides when to flush, performs the
// compressed upload to object storage, and updates the high-water marker
// and realtime cache. A SessionManager is bound to exactly one
// (topic, partition) for its lifetime.
type SessionManager struct {
	key       snapshotevent.SessionKey
	topic     string
	partition int32

	cfg    *Config
	writer objectstore.Writer
	marker *highwatermark.Marker
	rtc    *realtimecache.Cache
	logger log.Logger

	mu     sync.Mutex
	buffer *Buffer

	flushPermit  chan struct{} // buffered(1): held while a flush is in flight
	pendingFlush bool          // a follow-up flush was requested while one was running
	destroyed    bool
}

// NewSessionManager creates a manager lazily bound to key on (topic, partition).
func NewSessionManager(key snapshotevent.SessionKey, topic string, partition int32, cfg *Config, writer objectstore.Writer, marker *highwatermark.Marker, rtc *realtimecache.Cache, logger log.Logger, nowUnixMs int64) (*SessionManager, error) {
	buf, err := NewBuffer(cfg.LocalDirectory, nowUnixMs)
	if err != nil {
		return nil, err
	}

	return &SessionManager{
		key:         key,
		topic:       topic,
		partition:   partition,
		cfg:         cfg,
		writer:      writer,
		marker:      marker,
		rtc:         rtc,
		logger:      logger,
		buffer:      buf,
		flushPermit: make(chan struct{}, 1),
	}, nil
}

// Add appends msg's events to the buffer, mirrors the tail to the realtime
// cache fire-and-forget, and kicks off a flush in the same call if the
// buffer has crossed its size limit, so a size-triggered flush lands within
// the same batch that crossed the threshold rather than the next poll.
func (m *SessionManager) Add(ctx context.Context, msg *snapshotevent.IncomingMessage) error {
	m.mu.Lock()
	for _, evt := range msg.Events {
		if err := m.buffer.Append(evt, msg.Metadata.Offset, msg.Metadata.Timestamp); err != nil {
			m.mu.Unlock()
			return fmt.Errorf("session %s: appending to buffer: %w", m.key, err)
		}
	}
	tail := m.buffer.RealtimeTail()
	eventCount := m.buffer.eventCount
	sizeExceeded := m.buffer.Size() >= m.cfg.FlushSizeLimit
	m.mu.Unlock()

	m.pushRealtimeTail(tail, eventCount)

	if sizeExceeded {
		// A failed flush here is not a fatal Add error: the event is
		// already durably appended to the buffer, and the buffer is left
		// intact on flush failure for flush_all_ready_sessions to retry.
		if err := m.Flush(ctx, FlushReasonSize); err != nil {
			level.Error(m.logger).Log("msg", "size-triggered flush failed, buffer retained for retry", "session", m.key.String(), "err", err)
		}
	}

	return nil
}

func (m *SessionManager) pushRealtimeTail(tail [][]byte, eventCount int) {
	if m.rtc == nil || len(tail) == 0 {
		return
	}
	latest := tail[len(tail)-1]

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()

		rtKey := realtimecache.SessionKey{TeamID: m.key.TeamID, SessionID: m.key.SessionID}
		if err := m.rtc.Push(ctx, rtKey, latest, eventCount); err != nil {
			level.Warn(m.logger).Log("msg", "realtime cache push failed", "session", m.key.String(), "err", err)
		}
	}()
}

// LowestOffset returns the lowest un-flushed offset, or false if the buffer
// is empty. Used by the consumer to compute a safe commit point.
func (m *SessionManager) LowestOffset() (int64, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.buffer.LowestOffset()
}

// OldestKafkaTimestamp returns the oldest buffered Kafka record timestamp,
// used by the revoke-time ordered flush, which sorts
// oldest-first using the actual timestamp field, not object identity).
func (m *SessionManager) OldestKafkaTimestamp() (int64, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.buffer.OldestTimestamp()
}

// ShouldFlushForAge reports whether referenceTimeMs - oldest buffered
// timestamp has crossed the age limit, or the buffer has crossed the size
// limit.
func (m *SessionManager) ShouldFlushForAge(referenceTimeMs int64) (bool, FlushReason) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.buffer.IsEmpty() {
		return false, ""
	}
	if m.buffer.Size() >= m.cfg.FlushSizeLimit {
		return true, FlushReasonSize
	}
	oldest, ok := m.buffer.OldestTimestamp()
	if ok && referenceTimeMs-oldest >= m.cfg.FlushAgeLimit.Milliseconds() {
		return true, FlushReasonAge
	}
	return false, ""
}

// FlushIfOld flushes the buffer if it has crossed either threshold.
func (m *SessionManager) FlushIfOld(ctx context.Context, referenceTimeMs int64) error {
	if should, reason := m.ShouldFlushForAge(referenceTimeMs); should {
		return m.Flush(ctx, reason)
	}
	return nil
}

// Flush runs the single-flighted flush protocol: acquire the
// per-session permit (coalescing concurrent requests into one follow-up),
// snapshot and finalize the buffer, upload, advance the high-water marker
// (per-session key first, then the partition-global key), then reset the buffer. On any failure the
// buffer is left intact and the error is surfaced for the next tick to retry.
func (m *SessionManager) Flush(ctx context.Context, reason FlushReason) error {
	select {
	case m.flushPermit <- struct{}{}:
		// acquired
	default:
		// Already flushing: coalesce into one pending follow-up rather than
		// running two flushes concurrently against the same buffer.
		m.mu.Lock()
		m.pendingFlush = true
		m.mu.Unlock()
		return nil
	}
	defer func() { <-m.flushPermit }()

	err := m.doFlush(ctx, reason)

	m.mu.Lock()
	rerun := m.pendingFlush
	m.pendingFlush = false
	m.mu.Unlock()

	if err == nil && rerun {
		return m.doFlush(ctx, reason)
	}
	return err
}

func (m *SessionManager) doFlush(ctx context.Context, reason FlushReason) error {
	m.mu.Lock()
	if m.buffer.IsEmpty() {
		m.mu.Unlock()
		metricFlushesTotal.WithLabelValues(string(reason), "empty").Inc()
		return nil
	}

	finalized, err := m.buffer.Finalize()
	if err != nil {
		m.mu.Unlock()
		metricFlushesTotal.WithLabelValues(string(reason), "error").Inc()
		return fmt.Errorf("session %s: finalizing buffer: %w", m.key, err)
	}
	m.mu.Unlock()

	body, err := readAndCompress(finalized.FilePath)
	if err != nil {
		metricFlushesTotal.WithLabelValues(string(reason), "error").Inc()
		return fmt.Errorf("session %s: compressing buffer: %w", m.key, err)
	}

	meta := objectstore.Metadata{
		TeamID:     m.key.TeamID,
		SessionID:  m.key.SessionID,
		LowestOff:  finalized.LowestOffset,
		HighestOff: finalized.HighestOffset,
		EventCount: finalized.EventCount,
	}

	_, err = m.writer.Put(ctx, m.key.TeamID, m.key.SessionID, m.partition, finalized.LowestOffset, finalized.HighestOffset, finalized.CreatedAtUnixMs, body, meta)
	if err != nil {
		metricFlushesTotal.WithLabelValues(string(reason), "error").Inc()
		return fmt.Errorf("session %s: uploading buffer: %w", m.key, err)
	}

	tp := highwatermark.TopicPartition{Topic: m.topic, Partition: m.partition}
	if err := m.marker.Add(ctx, tp, m.key.SessionID, finalized.HighestOffset); err != nil {
		metricFlushesTotal.WithLabelValues(string(reason), "error").Inc()
		return fmt.Errorf("session %s: advancing per-session high water mark: %w", m.key, err)
	}
	if err := m.marker.Add(ctx, tp, highwatermark.PartitionGlobal, finalized.HighestOffset); err != nil {
		metricFlushesTotal.WithLabelValues(string(reason), "error").Inc()
		return fmt.Errorf("session %s: advancing partition-global high water mark: %w", m.key, err)
	}
	m.marker.Clear(tp, finalized.HighestOffset)

	m.mu.Lock()
	resetErr := m.buffer.Reset(nowUnixMs())
	m.mu.Unlock()
	if resetErr != nil {
		return fmt.Errorf("session %s: resetting buffer after flush: %w", m.key, resetErr)
	}

	metricFlushesTotal.WithLabelValues(string(reason), "success").Inc()
	metricFlushBytes.Observe(float64(finalized.ByteSize))
	level.Debug(m.logger).Log("msg", "flushed session", "session", m.key.String(), "reason", reason,
		"lowest_offset", finalized.LowestOffset, "highest_offset", finalized.HighestOffset, "event_count", finalized.EventCount)

	return nil
}

// IsEmpty reports whether the live buffer currently holds no events, used
// by the consumer to decide whether a manager can be destroyed after flush.
func (m *SessionManager) IsEmpty() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.buffer.IsEmpty()
}

// Destroy cancels pending work and unlinks temp files. Idempotent.
func (m *SessionManager) Destroy() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.destroyed {
		return
	}
	m.destroyed = true
	m.buffer.Destroy()
}

func readAndCompress(path string) ([]byte, error) {
	raw, err := readFile(path)
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	gw := gzip.NewWriter(&buf)
	if _, err := gw.Write(raw); err != nil {
		return nil, err
	}
	if err := gw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
