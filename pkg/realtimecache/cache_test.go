package realtimecache

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/require"
)

func newTestCache(t *testing.T, ttl time.Duration, maxLength int64) (*Cache, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return New(client, "test", ttl, maxLength), mr
}

func TestCache_PushAppendsAndRefreshesTTL(t *testing.T) {
	c, mr := newTestCache(t, 5*time.Minute, 10)
	ctx := context.Background()
	key := SessionKey{TeamID: 1, SessionID: "session-1"}

	require.NoError(t, c.Push(ctx, key, []byte("fragment-1"), 3))

	tail, err := c.Tail(ctx, key)
	require.NoError(t, err)
	require.Equal(t, []string{"fragment-1"}, tail)

	ttl := mr.TTL(c.key(key))
	require.Greater(t, ttl, 4*time.Minute)
}

func TestCache_PushBoundsListLength(t *testing.T) {
	c, _ := newTestCache(t, 5*time.Minute, 3)
	ctx := context.Background()
	key := SessionKey{TeamID: 1, SessionID: "session-1"}

	for i := 0; i < 5; i++ {
		require.NoError(t, c.Push(ctx, key, []byte{byte('a' + i)}, 1))
	}

	tail, err := c.Tail(ctx, key)
	require.NoError(t, err)
	require.Len(t, tail, 3, "list must be trimmed to maxLength")
	require.Equal(t, []string{"c", "d", "e"}, tail, "trim must drop the oldest fragments, not the newest")
}

func TestCache_PushRefreshesTTLOnEveryCall(t *testing.T) {
	c, mr := newTestCache(t, 1*time.Minute, 10)
	ctx := context.Background()
	key := SessionKey{TeamID: 1, SessionID: "session-1"}

	require.NoError(t, c.Push(ctx, key, []byte("a"), 1))
	mr.FastForward(50 * time.Second)
	require.NoError(t, c.Push(ctx, key, []byte("b"), 1))

	ttl := mr.TTL(c.key(key))
	require.Greater(t, ttl, 30*time.Second, "a later push must reset the TTL, not merely extend the original deadline")
}

func TestCache_TailOfUnknownSessionIsEmpty(t *testing.T) {
	c, _ := newTestCache(t, 5*time.Minute, 10)
	ctx := context.Background()

	tail, err := c.Tail(ctx, SessionKey{TeamID: 9, SessionID: "missing"})
	require.NoError(t, err)
	require.Empty(t, tail)
}

func TestCache_PushAnnouncesOnActivityChannel(t *testing.T) {
	c, _ := newTestCache(t, 5*time.Minute, 10)
	ctx := context.Background()
	key := SessionKey{TeamID: 7, SessionID: "session-9"}

	sub := c.Subscribe(ctx)
	defer sub.Close()
	_, err := sub.Receive(ctx)
	require.NoError(t, err)

	require.NoError(t, c.Push(ctx, key, []byte("fragment"), 2))

	msg, err := sub.ReceiveTimeout(ctx, 2*time.Second)
	require.NoError(t, err)
	dataMsg, ok := msg.(*redis.Message)
	require.True(t, ok)
	require.Contains(t, dataMsg.Payload, `"session_id":"session-9"`)
	require.Contains(t, dataMsg.Payload, `"event_count":2`)
}
