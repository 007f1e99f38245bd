package snapshotevent

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func resolveDirect(teamID int64) func(*Envelope) (int64, error) {
	return func(env *Envelope) (int64, error) {
		if env.TeamID != nil {
			return *env.TeamID, nil
		}
		return teamID, nil
	}
}

func validPayload(sessionID, windowID string) []byte {
	return []byte(`{"team_id":5,"distinct_id":"user-1","data":"{\"event\":\"$snapshot_items\",\"properties\":{\"$session_id\":\"` + sessionID + `\",\"$window_id\":\"` + windowID + `\",\"$snapshot_items\":[{\"type\":3}]}}"}`)
}

func TestParse_ValidEnvelope(t *testing.T) {
	meta := Metadata{Topic: "snapshots", Partition: 0, Offset: 10, Timestamp: 1000}

	msg, err := Parse(validPayload("session-1", "window-1"), meta, resolveDirect(0))
	require.NoError(t, err)
	require.Equal(t, int64(5), msg.TeamID)
	require.Equal(t, "session-1", msg.SessionID)
	require.Equal(t, "window-1", msg.WindowID)
	require.Equal(t, "user-1", msg.DistinctID)
	require.Len(t, msg.Events, 1)
	require.Equal(t, meta, msg.Metadata)
	require.Equal(t, SessionKey{TeamID: 5, SessionID: "session-1"}, msg.Key())
}

func TestParse_InvalidJSONEnvelope(t *testing.T) {
	_, err := Parse([]byte("not json"), Metadata{}, resolveDirect(1))
	require.ErrorIs(t, err, ErrInvalidEnvelope)
}

func TestParse_MissingDataField(t *testing.T) {
	_, err := Parse([]byte(`{"team_id":5,"distinct_id":"u"}`), Metadata{}, resolveDirect(1))
	require.ErrorIs(t, err, ErrInvalidEnvelope)
}

func TestParse_InvalidInnerDataJSON(t *testing.T) {
	raw := []byte(`{"team_id":5,"distinct_id":"u","data":"not json"}`)
	_, err := Parse(raw, Metadata{}, resolveDirect(1))
	require.ErrorIs(t, err, ErrInvalidEnvelope)
}

func TestParse_UnknownEventType(t *testing.T) {
	raw := []byte(`{"team_id":5,"distinct_id":"u","data":"{\"event\":\"$pageview\",\"properties\":{}}"}`)
	_, err := Parse(raw, Metadata{}, resolveDirect(1))
	require.ErrorIs(t, err, ErrUnknownEventType)
}

func TestParse_MissingSessionID(t *testing.T) {
	raw := []byte(`{"team_id":5,"distinct_id":"u","data":"{\"event\":\"$snapshot_items\",\"properties\":{\"$snapshot_items\":[{\"type\":3}]}}"}`)
	_, err := Parse(raw, Metadata{}, resolveDirect(1))
	require.ErrorIs(t, err, ErrMissingSessionID)
}

func TestParse_EmptySnapshotItems(t *testing.T) {
	raw := []byte(`{"team_id":5,"distinct_id":"u","data":"{\"event\":\"$snapshot_items\",\"properties\":{\"$session_id\":\"s\",\"$snapshot_items\":[]}}"}`)
	_, err := Parse(raw, Metadata{}, resolveDirect(1))
	require.ErrorIs(t, err, ErrEmptySnapshot)
}

func TestParse_TeamResolutionErrorPropagates(t *testing.T) {
	wantErr := errors.New("unknown token")
	resolve := func(env *Envelope) (int64, error) { return 0, wantErr }

	_, err := Parse(validPayload("session-1", "w"), Metadata{}, resolve)
	require.ErrorIs(t, err, wantErr)
}

func TestParse_TokenBasedResolution(t *testing.T) {
	raw := []byte(`{"token":"tok-abc","distinct_id":"u","data":"{\"event\":\"$snapshot_items\",\"properties\":{\"$session_id\":\"s\",\"$snapshot_items\":[{\"type\":3}]}}"}`)

	resolve := func(env *Envelope) (int64, error) {
		require.Nil(t, env.TeamID)
		require.NotNil(t, env.Token)
		require.Equal(t, "tok-abc", *env.Token)
		return 77, nil
	}

	msg, err := Parse(raw, Metadata{}, resolve)
	require.NoError(t, err)
	require.Equal(t, int64(77), msg.TeamID)
}

func TestSessionKey_String(t *testing.T) {
	k := SessionKey{TeamID: 5, SessionID: "abc"}
	require.Equal(t, "5:abc", k.String())
}
