// Package partitionlock implements a best-effort distributed lease over
// (topic, partition) pairs, used to discourage a formerly-owning worker from
// writing after its partitions are revoked (component B). It is an
// optimization for clean handoff, not a safety mechanism: safety rests on
// pkg/highwatermark.
package partitionlock

import (
	"context"
	"fmt"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// TopicPartition identifies one partition of one topic.
type TopicPartition struct {
	Topic     string
	Partition int32
}

var metricClaimFailures = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "replay_ingester",
	Name:      "partition_lock_claim_failures_total",
	Help:      "Number of failed partition lock claim attempts, by topic.",
}, []string{"topic"})

// Locker is a cooperative Redis lease per (topic, partition), with a short
// TTL re-extended on every Claim call.
type Locker struct {
	client  redis.Cmdable
	prefix  string
	ttl     time.Duration
	ownerID string
	logger  log.Logger
}

// New builds a Locker. ownerID should be unique per worker process (e.g.
// hostname+pid) so Release only ever deletes leases this worker owns.
func New(client redis.Cmdable, prefix string, ttl time.Duration, ownerID string, logger log.Logger) *Locker {
	return &Locker{client: client, prefix: prefix, ttl: ttl, ownerID: ownerID, logger: logger}
}

func (l *Locker) key(tp TopicPartition) string {
	return fmt.Sprintf("%s:lock:%s:%d", l.prefix, tp.Topic, tp.Partition)
}

// Claim (re)acquires or extends leases for the given partitions. Failures to
// claim a given partition are logged and skipped; they never block
// ingestion for that partition.
func (l *Locker) Claim(ctx context.Context, partitions []TopicPartition) error {
	for _, tp := range partitions {
		key := l.key(tp)

		ok, err := l.client.SetNX(ctx, key, l.ownerID, l.ttl).Result()
		if err != nil {
			metricClaimFailures.WithLabelValues(tp.Topic).Inc()
			level.Warn(l.logger).Log("msg", "failed to claim partition lock", "topic", tp.Topic, "partition", tp.Partition, "err", err)
			continue
		}
		if ok {
			continue
		}

		// Already held; extend it only if we're still the owner.
		owner, err := l.client.Get(ctx, key).Result()
		if err != nil && err != redis.Nil {
			metricClaimFailures.WithLabelValues(tp.Topic).Inc()
			level.Warn(l.logger).Log("msg", "failed to read partition lock owner", "topic", tp.Topic, "partition", tp.Partition, "err", err)
			continue
		}
		if owner == l.ownerID {
			if err := l.client.Expire(ctx, key, l.ttl).Err(); err != nil {
				metricClaimFailures.WithLabelValues(tp.Topic).Inc()
				level.Warn(l.logger).Log("msg", "failed to extend partition lock", "topic", tp.Topic, "partition", tp.Partition, "err", err)
			}
		}
		// Owned by someone else: best-effort, log and move on.
	}
	return nil
}

// Release deletes leases this worker owns for the given partitions.
func (l *Locker) Release(ctx context.Context, partitions []TopicPartition) error {
	for _, tp := range partitions {
		key := l.key(tp)
		owner, err := l.client.Get(ctx, key).Result()
		if err != nil {
			if err != redis.Nil {
				level.Warn(l.logger).Log("msg", "failed to read partition lock before release", "topic", tp.Topic, "partition", tp.Partition, "err", err)
			}
			continue
		}
		if owner != l.ownerID {
			continue
		}
		if err := l.client.Del(ctx, key).Err(); err != nil {
			level.Warn(l.logger).Log("msg", "failed to release partition lock", "topic", tp.Topic, "partition", tp.Partition, "err", err)
		}
	}
	return nil
}
