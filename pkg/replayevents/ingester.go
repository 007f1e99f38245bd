// Package replayevents derives a compact replay record per ingested message
// and publishes it to a downstream topic (component G). It is gated by the
// high-water marker using a logical key distinct from the session-buffer
// flush path, so its acknowledgment is independent of F.
package replayevents

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/posthog/replay-ingester/pkg/highwatermark"
	"github.com/posthog/replay-ingester/pkg/snapshotevent"
)

// logicalKeyPrefix namespaces this component's high-water-mark entries so
// they never collide with the session-buffer's per-session keys.
const logicalKeyPrefix = "replay:"

// Event is the compact record published downstream.
type Event struct {
	TeamID         int64  `json:"team_id"`
	SessionID      string `json:"session_id"`
	DistinctID     string `json:"distinct_id"`
	WindowID       string `json:"window_id"`
	FirstTimestamp int64  `json:"first_timestamp_ms"`
	LastTimestamp  int64  `json:"last_timestamp_ms"`
	EventCount     int    `json:"event_count"`
}

// Producer is the subset of *kgo.Client this package depends on, so tests
// can substitute a recording fake.
type Producer interface {
	ProduceSync(ctx context.Context, records ...*kgo.Record) kgo.ProduceResults
}

// Ingester derives and publishes replay events.
type Ingester struct {
	producer Producer
	marker   *highwatermark.Marker
	topic    string
}

// New builds an Ingester publishing to topic via producer, gated by marker.
func New(producer Producer, marker *highwatermark.Marker, topic string) *Ingester {
	return &Ingester{producer: producer, marker: marker, topic: topic}
}

// ConsumeBatch derives one Event per message and publishes it. A failing
// publish fails the whole batch so it will be reprocessed; idempotence on
// replay relies on the high-water marker, not on downstream deduplication.
func (g *Ingester) ConsumeBatch(ctx context.Context, msgs []*snapshotevent.IncomingMessage) error {
	for _, msg := range msgs {
		tp := highwatermark.TopicPartition{Topic: msg.Metadata.Topic, Partition: msg.Metadata.Partition}
		key := logicalKeyPrefix + msg.SessionID

		below, err := g.marker.IsBelow(ctx, tp, key, msg.Metadata.Offset)
		if err != nil {
			return fmt.Errorf("replay events: checking high water mark: %w", err)
		}
		if below {
			continue
		}

		evt := g.derive(msg)
		body, err := json.Marshal(evt)
		if err != nil {
			return fmt.Errorf("replay events: marshaling event: %w", err)
		}

		record := &kgo.Record{Topic: g.topic, Value: body, Key: []byte(msg.SessionID)}
		results := g.producer.ProduceSync(ctx, record)
		if err := results.FirstErr(); err != nil {
			return fmt.Errorf("replay events: publishing: %w", err)
		}

		if err := g.marker.Add(ctx, tp, key, msg.Metadata.Offset); err != nil {
			return fmt.Errorf("replay events: advancing high water mark: %w", err)
		}
	}
	return nil
}

func (g *Ingester) derive(msg *snapshotevent.IncomingMessage) Event {
	return Event{
		TeamID:         msg.TeamID,
		SessionID:      msg.SessionID,
		DistinctID:     msg.DistinctID,
		WindowID:       msg.WindowID,
		FirstTimestamp: msg.Metadata.Timestamp,
		LastTimestamp:  msg.Metadata.Timestamp,
		EventCount:     len(msg.Events),
	}
}
