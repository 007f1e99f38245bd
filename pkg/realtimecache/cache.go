// Package realtimecache mirrors the tail of each active session into a
// Redis-backed bounded list with a refreshed TTL, plus a pub/sub channel
// announcing session activity, so live viewers can stream a recording in
// progress (component D). It is an accelerant, not the source of truth: on
// flush the list is left in place and reaped by its TTL.
package realtimecache

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

const activityChannel = "session_recordings:activity"

// Activity is published on the pub/sub channel whenever a session receives
// new fragments.
type Activity struct {
	TeamID     int64  `json:"team_id"`
	SessionID  string `json:"session_id"`
	EventCount int    `json:"event_count"`
}

// SessionKey identifies a session; mirrors snapshotevent.SessionKey without
// importing it, to keep this package dependency-free of the ingestion model.
type SessionKey struct {
	TeamID    int64
	SessionID string
}

// Cache pushes snapshot fragments into a bounded, TTL'd Redis list per
// session and announces activity over pub/sub.
type Cache struct {
	client    redis.Cmdable
	prefix    string
	ttl       time.Duration
	maxLength int64
}

// New builds a Cache. maxLength bounds the per-session list (oldest
// fragments are trimmed); ttl is refreshed on every push.
func New(client redis.Cmdable, prefix string, ttl time.Duration, maxLength int64) *Cache {
	return &Cache{client: client, prefix: prefix, ttl: ttl, maxLength: maxLength}
}

func (c *Cache) key(k SessionKey) string {
	return fmt.Sprintf("%s:realtime:%d:%s", c.prefix, k.TeamID, k.SessionID)
}

// Push appends fragment to the session's bounded list, refreshes its TTL,
// and announces the activity. Intended to be called fire-and-forget with a
// short caller-supplied timeout; errors are returned for the caller to log
// and discard rather than retry (this is best-effort by design).
func (c *Cache) Push(ctx context.Context, key SessionKey, fragment []byte, eventCount int) error {
	rk := c.key(key)

	pipe := c.client.TxPipeline()
	pipe.RPush(ctx, rk, fragment)
	pipe.LTrim(ctx, rk, -c.maxLength, -1)
	pipe.Expire(ctx, rk, c.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("realtime cache push: %w", err)
	}

	return c.announce(ctx, key, eventCount)
}

func (c *Cache) announce(ctx context.Context, key SessionKey, eventCount int) error {
	payload := fmt.Sprintf(`{"team_id":%d,"session_id":%q,"event_count":%d}`, key.TeamID, key.SessionID, eventCount)
	if err := c.client.Publish(ctx, activityChannel, payload).Err(); err != nil {
		return fmt.Errorf("realtime cache announce: %w", err)
	}
	return nil
}

// Tail returns the current bounded fragment list for a session, oldest
// first, for use by live-viewer read paths.
func (c *Cache) Tail(ctx context.Context, key SessionKey) ([]string, error) {
	return c.client.LRange(ctx, c.key(key), 0, -1).Result()
}

// Subscribe returns a pub/sub subscription to the activity channel.
func (c *Cache) Subscribe(ctx context.Context) *redis.PubSub {
	return c.client.Subscribe(ctx, activityChannel)
}
