package partitionlock

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/go-kit/log"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/require"
)

func newTestLocker(t *testing.T, ownerID string) (*Locker, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return New(client, "test", 10*time.Second, ownerID, log.NewNopLogger()), mr
}

func TestLocker_ClaimAcquiresFreshLease(t *testing.T) {
	l, mr := newTestLocker(t, "owner-a")
	ctx := context.Background()
	tps := []TopicPartition{{Topic: "snapshots", Partition: 0}, {Topic: "snapshots", Partition: 1}}

	require.NoError(t, l.Claim(ctx, tps))

	for _, tp := range tps {
		owner, err := mr.Get(l.key(tp))
		require.NoError(t, err)
		require.Equal(t, "owner-a", owner)
	}
}

func TestLocker_ClaimExtendsOwnLease(t *testing.T) {
	l, mr := newTestLocker(t, "owner-a")
	ctx := context.Background()
	tp := TopicPartition{Topic: "snapshots", Partition: 0}

	require.NoError(t, l.Claim(ctx, []TopicPartition{tp}))
	mr.FastForward(9 * time.Second)

	require.NoError(t, l.Claim(ctx, []TopicPartition{tp}))

	ttl := mr.TTL(l.key(tp))
	require.Greater(t, ttl, 5*time.Second, "a re-claim by the current owner must reset the TTL")
}

func TestLocker_ClaimSkipsPartitionOwnedBySomeoneElse(t *testing.T) {
	l1, mr := newTestLocker(t, "owner-a")
	ctx := context.Background()
	tp := TopicPartition{Topic: "snapshots", Partition: 0}

	require.NoError(t, l1.Claim(ctx, []TopicPartition{tp}))

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	l2 := New(client, "test", 10*time.Second, "owner-b", log.NewNopLogger())
	require.NoError(t, l2.Claim(ctx, []TopicPartition{tp}))

	owner, err := mr.Get(l1.key(tp))
	require.NoError(t, err)
	require.Equal(t, "owner-a", owner, "claim must never steal a lease still held by another owner")
}

func TestLocker_ReleaseDeletesOwnLease(t *testing.T) {
	l, mr := newTestLocker(t, "owner-a")
	ctx := context.Background()
	tp := TopicPartition{Topic: "snapshots", Partition: 0}

	require.NoError(t, l.Claim(ctx, []TopicPartition{tp}))
	require.NoError(t, l.Release(ctx, []TopicPartition{tp}))

	require.False(t, mr.Exists(l.key(tp)))
}

func TestLocker_ReleaseSkipsLeaseOwnedBySomeoneElse(t *testing.T) {
	l1, mr := newTestLocker(t, "owner-a")
	ctx := context.Background()
	tp := TopicPartition{Topic: "snapshots", Partition: 0}
	require.NoError(t, l1.Claim(ctx, []TopicPartition{tp}))

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	l2 := New(client, "test", 10*time.Second, "owner-b", log.NewNopLogger())
	require.NoError(t, l2.Release(ctx, []TopicPartition{tp}))

	owner, err := mr.Get(l1.key(tp))
	require.NoError(t, err)
	require.Equal(t, "owner-a", owner, "release must never delete a lease it does not own")
}

func TestLocker_ReleaseOfUnclaimedPartitionIsNoop(t *testing.T) {
	l, _ := newTestLocker(t, "owner-a")
	ctx := context.Background()
	tp := TopicPartition{Topic: "snapshots", Partition: 9}

	require.NoError(t, l.Release(ctx, []TopicPartition{tp}))
}
