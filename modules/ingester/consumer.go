// Package ingester implements the session-recording blob ingester: the
// partitioned consumer (Consumer, component H) that routes inbound snapshot
// batches to per-session SessionManagers (component F) backed by
// SessionBuffers (component E), flushing compressed buffers to object
// storage and advancing committed offsets only once durability is
// guaranteed.
package ingester

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/grafana/dskit/backoff"
	"github.com/grafana/dskit/services"
	"github.com/twmb/franz-go/pkg/kadm"
	"github.com/twmb/franz-go/pkg/kgo"
	"github.com/twmb/franz-go/pkg/kmsg"
	"github.com/twmb/franz-go/plugin/kotel"
	"github.com/twmb/franz-go/plugin/kprom"

	"github.com/posthog/replay-ingester/pkg/backgroundrefresher"
	"github.com/posthog/replay-ingester/pkg/highwatermark"
	"github.com/posthog/replay-ingester/pkg/objectstore"
	"github.com/posthog/replay-ingester/pkg/partitionlock"
	"github.com/posthog/replay-ingester/pkg/realtimecache"
	"github.com/posthog/replay-ingester/pkg/replayevents"
	"github.com/posthog/replay-ingester/pkg/snapshotevent"
)

// TeamResolver resolves an envelope to a team ID (pkg/teamresolver.Resolver
// satisfies this).
type TeamResolver interface {
	Resolve(ctx context.Context, env *snapshotevent.Envelope) (int64, error)
}

// Consumer is the core coordinator: it owns consumer-group membership,
// routes each message to a SessionManager, drives commit cadence, and
// reacts to rebalances. It is a dskit services.Service, the
// same lifecycle shape modules/backendscheduler.BackendScheduler uses.
type Consumer struct {
	services.Service

	cfg     Config
	client  *kgo.Client
	logger  log.Logger
	ownerID string

	writer   objectstore.Writer
	marker   *highwatermark.Marker
	locker   *partitionlock.Locker
	rtc      *realtimecache.Cache
	resolver TeamResolver
	replay   *replayevents.Ingester

	offsetRefresher *backgroundrefresher.Refresher[map[int32]int64]
	admin           *kadm.Client

	// rebalanceEvents serializes assign/revoke callbacks with in-flight
	// batch processing so there is never interleaving between a revoke and
	// a batch for the revoked partition.
	rebalanceEvents chan rebalanceEvent

	// mutated only by the running() goroutine.
	managers   map[snapshotevent.SessionKey]*SessionManager
	partitions map[int32]*partitionState

	stopOnce sync.Once
	stopCh   chan struct{}
}

type partitionState struct {
	lastSeenOffset    int64
	lastSeenTimestamp int64
	lastCommitted     int64
	haveCommit        bool
}

type rebalanceKind int

const (
	rebalanceAssign rebalanceKind = iota
	rebalanceRevoke
)

type rebalanceEvent struct {
	kind       rebalanceKind
	partitions []int32
	done       chan struct{}
}

// Deps bundles the Consumer's collaborators, built once at process startup.
type Deps struct {
	Writer   objectstore.Writer
	Marker   *highwatermark.Marker
	Locker   *partitionlock.Locker
	RTC      *realtimecache.Cache
	Resolver TeamResolver
	Replay   *replayevents.Ingester
	Admin    *kadm.Client
}

// New builds a Consumer bound to cfg. ownerID should be unique per worker
// process; it is used by the partition locker to identify lease ownership.
func New(cfg Config, deps Deps, logger log.Logger, ownerID string) (*Consumer, error) {
	c := &Consumer{
		cfg:             cfg,
		logger:          logger,
		ownerID:         ownerID,
		writer:          deps.Writer,
		marker:          deps.Marker,
		locker:          deps.Locker,
		rtc:             deps.RTC,
		resolver:        deps.Resolver,
		replay:          deps.Replay,
		admin:           deps.Admin,
		rebalanceEvents: make(chan rebalanceEvent, 8),
		managers:        make(map[snapshotevent.SessionKey]*SessionManager),
		partitions:      make(map[int32]*partitionState),
		stopCh:          make(chan struct{}),
	}

	c.offsetRefresher = backgroundrefresher.New("broker-high-offsets", cfg.OffsetRefreshInterval, c.loadBrokerHighOffsets, logger)

	opts := []kgo.Opt{
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.ConsumeTopics(cfg.Topic),
		kgo.ConsumerGroup(cfg.ConsumerGroup),
		kgo.DisableAutoCommit(),
		kgo.FetchMaxBytes(int32(cfg.ConsumptionMaxBytes)),
		kgo.FetchMaxPartitionBytes(int32(cfg.ConsumptionMaxBytesPerPartition)),
		kgo.FetchMaxWait(cfg.ConsumptionMaxWait),
		kgo.OnPartitionsAssigned(c.onPartitionsAssigned),
		kgo.OnPartitionsRevoked(c.onPartitionsRevoked),
		kgo.OnPartitionsLost(c.onPartitionsRevoked),
	}

	opts = append(opts, kgo.WithHooks(kprom.NewMetrics("replay_ingester_kafka")))
	opts = append(opts, kgo.WithHooks(kotel.NewKotel().Hooks()...))

	client, err := kgo.NewClient(opts...)
	if err != nil {
		return nil, fmt.Errorf("creating kafka client: %w", err)
	}
	c.client = client

	if deps.Admin == nil {
		c.admin = kadm.NewClient(client)
	}

	c.Service = services.NewBasicService(c.starting, c.running, c.stopping)
	return c, nil
}

func (c *Consumer) starting(ctx context.Context) error {
	return nil
}

func (c *Consumer) stopping(failureCase error) error {
	c.stopOnce.Do(func() { close(c.stopCh) })

	// Simulate a revoke of everything we own to flush and destroy all
	// managers cleanly, then release any held locks.
	owned := c.ownedPartitions()
	if len(owned) > 0 {
		c.handleRevoke(context.Background(), owned)
	}

	c.client.Close()
	return failureCase
}

func (c *Consumer) ownedPartitions() []int32 {
	out := make([]int32, 0, len(c.partitions))
	for p := range c.partitions {
		out = append(out, p)
	}
	return out
}

// running is the sole mutator of c.managers and c.partitions: the consumer
// task owns all per-key state.
func (c *Consumer) running(ctx context.Context) error {
	level.Info(c.logger).Log("msg", "session recording consumer running", "topic", c.cfg.Topic, "group", c.cfg.ConsumerGroup)

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev := <-c.rebalanceEvents:
			c.handleRebalanceEvent(ctx, ev)
			continue
		default:
		}

		batchCtx, cancel := context.WithTimeout(ctx, c.cfg.BatchSoftTimeout)
		fetches := c.client.PollFetches(batchCtx)
		cancel()

		select {
		case <-ctx.Done():
			return nil
		default:
		}

		fetches.EachError(func(topic string, partition int32, err error) {
			level.Error(c.logger).Log("msg", "fetch error", "topic", topic, "partition", partition, "err", err)
		})

		c.claimBatchPartitions(ctx, fetches)

		msgs := c.parseBatch(ctx, fetches)
		metricBatchSize.Observe(float64(len(msgs)))

		if len(msgs) == 0 && fetches.NumRecords() == 0 {
			continue
		}

		if err := c.routeBatch(ctx, msgs); err != nil {
			// A session manager that cannot be created (its local
			// directory or temp file is unusable) is fatal: stop the
			// consumer without committing this batch.
			level.Error(c.logger).Log("msg", "failed to route batch, stopping consumer", "err", err)
			return fmt.Errorf("routing batch: %w", err)
		}

		c.commitSafeOffsets(ctx, fetches)

		if c.replay != nil && len(msgs) > 0 {
			if err := c.replay.ConsumeBatch(ctx, msgs); err != nil {
				// A failing replay-events publish fails the whole batch; it
				// will be reprocessed and is idempotent via the high-water
				// marker.
				level.Error(c.logger).Log("msg", "replay events batch failed, will be reprocessed", "err", err)
			}
		}

		c.flushAllReadySessions(ctx)
	}
}

// claimBatchPartitions implements step 1 of the per-batch algorithm: when
// the partition-lock optimization is enabled, (re)claim the lease for every
// partition present in this batch, so steady-state consumption keeps
// extending the lease rather than letting it expire between rebalances.
func (c *Consumer) claimBatchPartitions(ctx context.Context, fetches kgo.Fetches) {
	if !c.cfg.PartitionRevokeOptimization || c.locker == nil {
		return
	}

	seen := make(map[int32]bool)
	fetches.EachRecord(func(rec *kgo.Record) {
		seen[rec.Partition] = true
	})
	if len(seen) == 0 {
		return
	}

	tps := make([]partitionlock.TopicPartition, 0, len(seen))
	for p := range seen {
		tps = append(tps, partitionlock.TopicPartition{Topic: c.cfg.Topic, Partition: p})
	}
	if err := c.locker.Claim(ctx, tps); err != nil {
		level.Warn(c.logger).Log("msg", "per-batch partition lock claim failed, proceeding without lease", "err", err)
	}
}

// parseBatch implements step 2 of the per-batch algorithm: update partition
// metrics, parse, resolve team, and drop duplicates/invalid envelopes before
// any side effect.
func (c *Consumer) parseBatch(ctx context.Context, fetches kgo.Fetches) []*snapshotevent.IncomingMessage {
	var out []*snapshotevent.IncomingMessage

	fetches.EachRecord(func(rec *kgo.Record) {
		partitionLabel := fmt.Sprintf("%d", rec.Partition)
		metricMessagesReceived.WithLabelValues(partitionLabel).Inc()

		st := c.partitionStateFor(rec.Partition)
		st.lastSeenOffset = rec.Offset
		st.lastSeenTimestamp = rec.Timestamp.UnixMilli()

		meta := snapshotevent.Metadata{
			Topic:     rec.Topic,
			Partition: rec.Partition,
			Offset:    rec.Offset,
			Timestamp: rec.Timestamp.UnixMilli(),
		}

		msg, err := snapshotevent.Parse(rec.Value, meta, func(env *snapshotevent.Envelope) (int64, error) {
			return c.resolver.Resolve(ctx, env)
		})
		if err != nil {
			metricMessagesDropped.WithLabelValues(dropReason(err)).Inc()
			return
		}

		tp := highwatermark.TopicPartition{Topic: rec.Topic, Partition: rec.Partition}

		belowSession, err := c.marker.IsBelow(ctx, tp, msg.SessionID, rec.Offset)
		if err != nil {
			level.Warn(c.logger).Log("msg", "high water mark lookup failed, treating as not-duplicate", "err", err)
		}
		belowGlobal, err := c.marker.IsBelow(ctx, tp, highwatermark.PartitionGlobal, rec.Offset)
		if err != nil {
			level.Warn(c.logger).Log("msg", "high water mark lookup failed, treating as not-duplicate", "err", err)
		}
		if belowSession || belowGlobal {
			metricMessagesDropped.WithLabelValues("high_water_mark").Inc()
			return
		}

		out = append(out, msg)
	})

	return out
}

func dropReason(err error) string {
	switch {
	case snapshotErrIs(err, snapshotevent.ErrMissingSessionID):
		return "missing_session_id"
	case snapshotErrIs(err, snapshotevent.ErrUnknownEventType):
		return "unexpected_event_type"
	case snapshotErrIs(err, snapshotevent.ErrEmptySnapshot):
		return "empty_snapshot"
	case snapshotErrIs(err, snapshotevent.ErrInvalidEnvelope):
		return "invalid_envelope"
	default:
		return "unknown_team"
	}
}

func (c *Consumer) partitionStateFor(p int32) *partitionState {
	st, ok := c.partitions[p]
	if !ok {
		st = &partitionState{}
		c.partitions[p] = st
	}
	return st
}

// routeBatch implements step 3: route each valid message to its owning
// SessionManager, creating one if absent.
func (c *Consumer) routeBatch(ctx context.Context, msgs []*snapshotevent.IncomingMessage) error {
	for _, msg := range msgs {
		key := msg.Key()
		mgr, ok := c.managers[key]
		if !ok {
			var err error
			mgr, err = NewSessionManager(key, msg.Metadata.Topic, msg.Metadata.Partition, &c.cfg, c.writer, c.marker, c.rtc, c.logger, nowUnixMs())
			if err != nil {
				return fmt.Errorf("creating session manager for %s: %w", key, err)
			}
			c.managers[key] = mgr
			metricSessionsHandled.Set(float64(len(c.managers)))
		}

		if err := mgr.Add(ctx, msg); err != nil {
			// A failed add is a fatal per-session error: destroy the
			// manager without advancing the high-water mark and allow
			// re-delivery.
			level.Error(c.logger).Log("msg", "session add failed, destroying manager for re-delivery", "session", key.String(), "err", err)
			mgr.Destroy()
			delete(c.managers, key)
			metricSessionsHandled.Set(float64(len(c.managers)))
		}
	}
	return nil
}

// commitSafeOffsets implements step 4: for each partition in the batch,
// compute the safe commit point and issue it if it advances the prior
// commit.
func (c *Consumer) commitSafeOffsets(ctx context.Context, fetches kgo.Fetches) {
	partitionsInBatch := map[int32]int64{} // highest offset seen in this batch, per partition
	fetches.EachRecord(func(rec *kgo.Record) {
		if cur, ok := partitionsInBatch[rec.Partition]; !ok || rec.Offset > cur {
			partitionsInBatch[rec.Partition] = rec.Offset
		}
	})

	for partition, highestInBatch := range partitionsInBatch {
		lowestUnflushed, haveLiveManager := c.minLowestOffsetOnPartition(partition)

		// A live manager's lowest un-flushed offset is itself the next
		// offset to read on recovery: it has not been made durable yet, so
		// the commit must point at it, not past it. Only when every
		// manager on the partition has been flushed away (haveLiveManager
		// is false) is everything through highestInBatch durable, and the
		// commit point advances past it.
		var newCommit int64
		if haveLiveManager {
			newCommit = lowestUnflushed
		} else {
			newCommit = highestInBatch + 1
		}

		st := c.partitionStateFor(partition)
		if st.haveCommit && newCommit <= st.lastCommitted {
			continue
		}

		if err := c.commitOffset(ctx, partition, newCommit); err != nil {
			metricCommitFailures.WithLabelValues(fmt.Sprintf("%d", partition)).Inc()
			level.Error(c.logger).Log("msg", "commit failed", "partition", partition, "offset", newCommit, "err", err)
			continue
		}

		st.lastCommitted = newCommit
		st.haveCommit = true
		metricLastCommittedOffset.WithLabelValues(fmt.Sprintf("%d", partition)).Set(float64(newCommit))
	}
}

func (c *Consumer) minLowestOffsetOnPartition(partition int32) (int64, bool) {
	var min int64
	found := false
	for key, mgr := range c.managers {
		_ = key
		if mgr.partition != partition {
			continue
		}
		lo, ok := mgr.LowestOffset()
		if !ok {
			continue
		}
		if !found || lo < min {
			min = lo
			found = true
		}
	}
	return min, found
}

func (c *Consumer) commitOffset(ctx context.Context, partition int32, offset int64) error {
	offsets := make(map[string]map[int32]kgo.EpochOffset)
	offsets[c.cfg.Topic] = map[int32]kgo.EpochOffset{
		partition: {Epoch: -1, Offset: offset},
	}

	var commitErr error
	boff := backoff.New(ctx, backoff.Config{MinBackoff: 100 * time.Millisecond, MaxBackoff: 2 * time.Second, MaxRetries: 3})
	for boff.Ongoing() {
		done := make(chan struct{})
		c.client.CommitOffsets(ctx, offsets, func(_ *kgo.Client, _ *kmsg.OffsetCommitRequest, resp *kmsg.OffsetCommitResponse, err error) {
			commitErr = err
			_ = resp
			close(done)
		})
		<-done

		if commitErr == nil {
			return nil
		}
		boff.Wait()
	}
	return commitErr
}

// flushAllReadySessions implements step 6: flush every manager whose
// trigger conditions are met, using each partition's last-seen message
// timestamp as the reference time, not wall clock.
func (c *Consumer) flushAllReadySessions(parentCtx context.Context) {
	ctx, cancel := context.WithTimeout(parentCtx, c.cfg.FlushHardTimeout)
	defer cancel()

	var wg sync.WaitGroup
	for key, mgr := range c.managers {
		st, ok := c.partitions[mgr.partition]
		if !ok {
			continue
		}
		referenceTime := st.lastSeenTimestamp

		wg.Add(1)
		go func(key snapshotevent.SessionKey, mgr *SessionManager) {
			defer wg.Done()
			if err := mgr.FlushIfOld(ctx, referenceTime); err != nil {
				level.Error(c.logger).Log("msg", "session flush failed, buffer retained for retry", "session", key.String(), "err", err)
			}
		}(key, mgr)
	}

	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()

	select {
	case <-done:
	case <-ctx.Done():
		level.Error(c.logger).Log("msg", "flush_all_ready_sessions hit hard timeout, continuing without aborting")
	}

	c.reapEmptyManagers()
}

// reapEmptyManagers destroys any SessionManager whose buffer is empty after
// a flush.
func (c *Consumer) reapEmptyManagers() {
	for key, mgr := range c.managers {
		if mgr.IsEmpty() {
			mgr.Destroy()
			delete(c.managers, key)
		}
	}
	metricSessionsHandled.Set(float64(len(c.managers)))
}

func (c *Consumer) loadBrokerHighOffsets(ctx context.Context) (map[int32]int64, error) {
	if c.admin == nil {
		return nil, fmt.Errorf("kafka admin client not available")
	}
	listed, err := c.admin.ListEndOffsets(ctx, c.cfg.Topic)
	if err != nil {
		return nil, fmt.Errorf("listing end offsets: %w", err)
	}

	out := make(map[int32]int64)
	listed.Each(func(o kadm.ListedOffset) {
		if o.Topic != c.cfg.Topic {
			return
		}
		out[o.Partition] = o.Offset
	})
	return out, nil
}

// RefreshLagGauges updates the per-partition lag gauges from the cached
// broker high-offset table. Safe to call on
// a ticker independent of the batch loop.
func (c *Consumer) RefreshLagGauges(ctx context.Context) {
	highOffsets, err := c.offsetRefresher.Get(ctx)
	if err != nil {
		level.Warn(c.logger).Log("msg", "failed to refresh broker high offsets", "err", err)
		return
	}

	for partition, st := range c.partitions {
		label := fmt.Sprintf("%d", partition)
		highOffset, ok := highOffsets[partition]
		if !ok {
			continue
		}
		lag := highOffset - st.lastSeenOffset
		if lag < 0 {
			lag = 0
		}
		metricLagMessages.WithLabelValues(label).Set(float64(lag))

		lagMs := int64(0)
		if st.lastSeenTimestamp > 0 {
			lagMs = nowUnixMs() - st.lastSeenTimestamp
			if lagMs < 0 {
				lagMs = 0
			}
		}
		metricLagMillis.WithLabelValues(label).Set(float64(lagMs))
	}
}

func snapshotErrIs(err, target error) bool {
	for err != nil {
		if err == target {
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}
