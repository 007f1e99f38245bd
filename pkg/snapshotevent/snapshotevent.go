// Package snapshotevent defines the wire schema for session-replay snapshot
// batches consumed off the inbound Kafka topic, and parses the envelope
// described in the inbound topic schema.
package snapshotevent

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Sentinel drop causes. The consumer maps each one to a label value of its
// dropped-message counter.
var (
	ErrInvalidEnvelope  = errors.New("invalid envelope")
	ErrUnknownEventType = errors.New("unexpected event type")
	ErrMissingSessionID = errors.New("missing session id")
	ErrEmptySnapshot    = errors.New("empty snapshot items")
)

const snapshotBatchEventType = "$snapshot_items"

// Envelope is the outer message read off the bus. Team is resolved either
// directly from TeamID or indirectly via Token through pkg/teamresolver.
type Envelope struct {
	TeamID     *int64  `json:"team_id,omitempty"`
	Token      *string `json:"token,omitempty"`
	DistinctID string  `json:"distinct_id"`
	Data       string  `json:"data"`
}

// pipelineEvent is the inner, JSON-encoded event carried in Envelope.Data.
type pipelineEvent struct {
	Event      string `json:"event"`
	Properties struct {
		SnapshotItems []json.RawMessage `json:"$snapshot_items"`
		SessionID     string            `json:"$session_id"`
		WindowID      string            `json:"$window_id"`
	} `json:"properties"`
}

// Metadata carries the Kafka coordinates of a message, used by the
// high-water marker and the commit-offset computation.
type Metadata struct {
	Topic     string
	Partition int32
	Offset    int64
	Timestamp int64 // ms since epoch, Kafka record timestamp
}

// SessionKey uniquely identifies a session within this process.
type SessionKey struct {
	TeamID    int64
	SessionID string
}

func (k SessionKey) String() string {
	return fmt.Sprintf("%d:%s", k.TeamID, k.SessionID)
}

// IncomingMessage is one parsed snapshot batch, ready to be routed to a
// SessionManager.
type IncomingMessage struct {
	TeamID     int64
	SessionID  string
	WindowID   string
	DistinctID string
	Events     []json.RawMessage
	Metadata   Metadata
}

// Key returns the SessionKey this message belongs to.
func (m *IncomingMessage) Key() SessionKey {
	return SessionKey{TeamID: m.TeamID, SessionID: m.SessionID}
}

// Parse decodes a raw Kafka record value into an Envelope, resolves its team
// through resolveTeam, and returns the IncomingMessage it describes. Parse
// itself never touches the high-water marker or the network; any lookup
// happens inside resolveTeam, whose error is returned unchanged. Callers
// classify drop causes from the returned sentinel error.
func Parse(raw []byte, meta Metadata, resolveTeam func(envelope *Envelope) (int64, error)) (*IncomingMessage, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrInvalidEnvelope, err)
	}
	if env.Data == "" {
		return nil, fmt.Errorf("%w: missing data", ErrInvalidEnvelope)
	}

	teamID, err := resolveTeam(&env)
	if err != nil {
		return nil, err
	}

	var evt pipelineEvent
	if err := json.Unmarshal([]byte(env.Data), &evt); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrInvalidEnvelope, err)
	}
	if evt.Event != snapshotBatchEventType {
		return nil, fmt.Errorf("%w: %q", ErrUnknownEventType, evt.Event)
	}
	if evt.Properties.SessionID == "" {
		return nil, ErrMissingSessionID
	}
	if len(evt.Properties.SnapshotItems) == 0 {
		return nil, ErrEmptySnapshot
	}

	return &IncomingMessage{
		TeamID:     teamID,
		SessionID:  evt.Properties.SessionID,
		WindowID:   evt.Properties.WindowID,
		DistinctID: env.DistinctID,
		Events:     evt.Properties.SnapshotItems,
		Metadata:   meta,
	}, nil
}
