package highwatermark

import (
	"context"
	"testing"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/go-kit/log"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/require"
)

func newTestMarker(t *testing.T) (*Marker, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return New(client, "test", log.NewNopLogger()), mr
}

func TestMarker_IsBelow_NoMarkYet(t *testing.T) {
	m, _ := newTestMarker(t)
	ctx := context.Background()
	tp := TopicPartition{Topic: "snapshots", Partition: 0}

	below, err := m.IsBelow(ctx, tp, "session-1", 10)
	require.NoError(t, err)
	require.False(t, below)
}

func TestMarker_AddThenIsBelow(t *testing.T) {
	m, _ := newTestMarker(t)
	ctx := context.Background()
	tp := TopicPartition{Topic: "snapshots", Partition: 0}

	require.NoError(t, m.Add(ctx, tp, "session-1", 10))

	below, err := m.IsBelow(ctx, tp, "session-1", 10)
	require.NoError(t, err)
	require.True(t, below, "offset equal to the mark counts as already seen")

	below, err = m.IsBelow(ctx, tp, "session-1", 11)
	require.NoError(t, err)
	require.False(t, below)
}

func TestMarker_AddIsMonotonic(t *testing.T) {
	m, mr := newTestMarker(t)
	ctx := context.Background()
	tp := TopicPartition{Topic: "snapshots", Partition: 0}

	require.NoError(t, m.Add(ctx, tp, "session-1", 10))
	require.NoError(t, m.Add(ctx, tp, "session-1", 5))

	val, err := mr.Get(m.redisKey(tp, "session-1"))
	require.NoError(t, err)
	require.Equal(t, "10", val, "a lower offset must never move the mark backwards")
}

func TestMarker_IsBelow_ServedFromLocalCacheWithoutHittingRedis(t *testing.T) {
	m, mr := newTestMarker(t)
	ctx := context.Background()
	tp := TopicPartition{Topic: "snapshots", Partition: 0}

	require.NoError(t, m.Add(ctx, tp, "session-1", 10))
	mr.Close()

	below, err := m.IsBelow(ctx, tp, "session-1", 10)
	require.NoError(t, err)
	require.True(t, below, "cached mark must answer without needing the shared store")
}

func TestMarker_Revoke_ClearsLocalCacheOnly(t *testing.T) {
	m, mr := newTestMarker(t)
	ctx := context.Background()
	tp := TopicPartition{Topic: "snapshots", Partition: 0}

	require.NoError(t, m.Add(ctx, tp, "session-1", 10))
	m.Revoke(tp)

	m.mu.RLock()
	_, cached := m.cache[m.redisKey(tp, "session-1")]
	m.mu.RUnlock()
	require.False(t, cached)

	val, err := mr.Get(m.redisKey(tp, "session-1"))
	require.NoError(t, err)
	require.Equal(t, "10", val, "revoke must not touch the shared store")
}

func TestMarker_Clear_DropsOnlyMarksAtOrBelowThreshold(t *testing.T) {
	m, _ := newTestMarker(t)
	ctx := context.Background()
	tp := TopicPartition{Topic: "snapshots", Partition: 0}

	require.NoError(t, m.Add(ctx, tp, "session-1", 5))
	require.NoError(t, m.Add(ctx, tp, "session-2", 50))
	require.NoError(t, m.Add(ctx, tp, PartitionGlobal, 5))

	m.Clear(tp, 10)

	m.mu.RLock()
	defer m.mu.RUnlock()
	_, gone := m.cache[m.redisKey(tp, "session-1")]
	_, kept := m.cache[m.redisKey(tp, "session-2")]
	_, globalKept := m.cache[m.redisKey(tp, PartitionGlobal)]
	require.False(t, gone)
	require.True(t, kept, "a mark above the threshold must survive")
	require.True(t, globalKept, "the partition-global key is never evicted by Clear")
}

func TestMarker_KeysAreScopedByPartition(t *testing.T) {
	m, _ := newTestMarker(t)
	ctx := context.Background()
	tp0 := TopicPartition{Topic: "snapshots", Partition: 0}
	tp1 := TopicPartition{Topic: "snapshots", Partition: 1}

	require.NoError(t, m.Add(ctx, tp0, "session-1", 10))

	below, err := m.IsBelow(ctx, tp1, "session-1", 10)
	require.NoError(t, err)
	require.False(t, below, "the same logical key on a different partition must not share a mark")
}
