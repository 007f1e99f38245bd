package ingester

import (
	"context"
	"fmt"
	"sort"

	"github.com/go-kit/log/level"
	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/posthog/replay-ingester/pkg/highwatermark"
	"github.com/posthog/replay-ingester/pkg/partitionlock"
	"github.com/posthog/replay-ingester/pkg/snapshotevent"
)

// onPartitionsAssigned and onPartitionsRevoked are franz-go group-session
// callbacks. They run on the client's internal goroutine, so they only
// enqueue work onto rebalanceEvents; the actual assign/revoke logic runs
// serialized with batch processing inside running() so there is never
// interleaving between a revoke and an in-flight batch.
func (c *Consumer) onPartitionsAssigned(ctx context.Context, _ *kgo.Client, assigned map[string][]int32) {
	parts, ok := assigned[c.cfg.Topic]
	if !ok || len(parts) == 0 {
		return
	}
	c.enqueueRebalance(ctx, rebalanceAssign, parts)
}

func (c *Consumer) onPartitionsRevoked(ctx context.Context, _ *kgo.Client, revoked map[string][]int32) {
	parts, ok := revoked[c.cfg.Topic]
	if !ok || len(parts) == 0 {
		return
	}
	c.enqueueRebalance(ctx, rebalanceRevoke, parts)
}

// enqueueRebalance blocks the group-session callback until running() has
// drained the event, which is what franz-go requires: OnPartitionsRevoked
// must not return until any buffered state for those partitions is safe to
// hand off (committed or otherwise accounted for).
func (c *Consumer) enqueueRebalance(ctx context.Context, kind rebalanceKind, parts []int32) {
	done := make(chan struct{})
	ev := rebalanceEvent{kind: kind, partitions: parts, done: done}

	select {
	case c.rebalanceEvents <- ev:
	case <-c.stopCh:
		return
	case <-ctx.Done():
		return
	}

	select {
	case <-done:
	case <-c.stopCh:
	case <-ctx.Done():
	}
}

func (c *Consumer) handleRebalanceEvent(ctx context.Context, ev rebalanceEvent) {
	defer close(ev.done)

	switch ev.kind {
	case rebalanceAssign:
		c.handleAssign(ctx, ev.partitions)
	case rebalanceRevoke:
		c.handleRevoke(ctx, ev.partitions)
	}
}

// handleAssign claims the best-effort cooperative lease for each newly
// assigned partition. A failed claim is logged, not fatal: the
// lease is advisory, used only to prefer steady ownership across rebalances
// and to gate the revoke-time optimization, never for correctness.
func (c *Consumer) handleAssign(ctx context.Context, parts []int32) {
	for _, p := range parts {
		c.partitionStateFor(p)
	}

	if c.cfg.PartitionRevokeOptimization && c.locker != nil {
		tps := make([]partitionlock.TopicPartition, len(parts))
		for i, p := range parts {
			tps[i] = partitionlock.TopicPartition{Topic: c.cfg.Topic, Partition: p}
		}
		if err := c.locker.Claim(ctx, tps); err != nil {
			level.Warn(c.logger).Log("msg", "partition lock claim failed, proceeding without lease", "partitions", fmt.Sprint(parts), "err", err)
		}
	}

	level.Info(c.logger).Log("msg", "partitions assigned", "partitions", fmt.Sprint(parts))
}

// handleRevoke identifies every SessionManager owned by a revoked
// partition, optionally flushes them oldest-buffered-timestamp first
// (ordered by the record's actual Kafka timestamp field, not insertion
// order) when the partition-lock optimization is enabled, then
// unconditionally destroys them and drops all local state for that
// partition: a revoked partition's un-flushed data will be redelivered to
// whichever consumer it lands on next, replayed past the last committed
// offset. The ordered flush is purely an optimization to minimize that
// redelivery window on handover, never required for correctness.
func (c *Consumer) handleRevoke(ctx context.Context, parts []int32) {
	revoked := make(map[int32]bool, len(parts))
	for _, p := range parts {
		revoked[p] = true
	}

	type ordered struct {
		key     snapshotevent.SessionKey
		mgr     *SessionManager
		oldest  int64
		hasTime bool
	}

	var owned []ordered
	for key, mgr := range c.managers {
		if !revoked[mgr.partition] {
			continue
		}
		oldest, ok := mgr.OldestKafkaTimestamp()
		owned = append(owned, ordered{key: key, mgr: mgr, oldest: oldest, hasTime: ok})
	}

	flushed := 0
	if c.cfg.PartitionRevokeOptimization {
		sort.SliceStable(owned, func(i, j int) bool {
			if !owned[i].hasTime {
				return false
			}
			if !owned[j].hasTime {
				return true
			}
			return owned[i].oldest < owned[j].oldest
		})

		flushCtx, cancel := context.WithTimeout(ctx, c.cfg.FlushHardTimeout)
		defer cancel()

		for _, o := range owned {
			if err := o.mgr.Flush(flushCtx, FlushReasonPartitionShutdown); err != nil {
				level.Error(c.logger).Log("msg", "revoke-time flush failed, data will be redelivered and re-flushed by the new owner", "session", o.key.String(), "err", err)
			}
			flushed++
		}
	}

	for _, o := range owned {
		o.mgr.Destroy()
		delete(c.managers, o.key)
	}

	metricSessionsRevoked.Add(float64(len(owned)))
	metricSessionsHandled.Set(float64(len(c.managers)))

	for _, p := range parts {
		delete(c.partitions, p)
		c.marker.Revoke(highwatermark.TopicPartition{Topic: c.cfg.Topic, Partition: p})
	}

	if c.cfg.PartitionRevokeOptimization && c.locker != nil {
		tps := make([]partitionlock.TopicPartition, len(parts))
		for i, p := range parts {
			tps[i] = partitionlock.TopicPartition{Topic: c.cfg.Topic, Partition: p}
		}
		if err := c.locker.Release(ctx, tps); err != nil {
			level.Warn(c.logger).Log("msg", "partition lock release failed, it will expire on its own", "partitions", fmt.Sprint(parts), "err", err)
		}
	}

	level.Info(c.logger).Log("msg", "partitions revoked", "partitions", fmt.Sprint(parts), "sessions_flushed", flushed)
}
