// Package highwatermark implements the per-partition, per-logical-key
// high-water mark used to drop duplicate messages on replay (component A).
package highwatermark

import (
	"context"
	"fmt"
	"sync"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// PartitionGlobal is the fixed logical key used to record a partition's
// overall durable progress, independent of any one session.
const PartitionGlobal = "__partition_global__"

// TopicPartition identifies one partition of one topic.
type TopicPartition struct {
	Topic     string
	Partition int32
}

// advanceScript raises the stored mark to max(current, new) atomically so
// that concurrent Add calls race-safely to the highest argument: Add is
// monotonic and never moves a mark backwards.
var advanceScript = redis.NewScript(`
local current = redis.call("GET", KEYS[1])
if current == false or tonumber(current) < tonumber(ARGV[1]) then
	redis.call("SET", KEYS[1], ARGV[1])
	return ARGV[1]
end
return current
`)

var (
	metricCacheHits = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "replay_ingester",
		Name:      "high_water_mark_cache_hits_total",
		Help:      "Number of IsBelow calls served from the local write-through cache.",
	})
	metricCacheMisses = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "replay_ingester",
		Name:      "high_water_mark_cache_misses_total",
		Help:      "Number of IsBelow calls that fell back to the shared store.",
	})
)

// Marker is the shared, Redis-backed high-water mark store with a local
// write-through cache.
type Marker struct {
	client redis.Cmdable
	prefix string
	logger log.Logger

	mu    sync.RWMutex
	cache map[string]int64 // keyed by redisKey(topic, partition, key)
}

// New builds a Marker against the given shared store. prefix namespaces all
// keys this process writes (SESSION_RECORDING_REDIS_PREFIX).
func New(client redis.Cmdable, prefix string, logger log.Logger) *Marker {
	return &Marker{
		client: client,
		prefix: prefix,
		logger: logger,
		cache:  make(map[string]int64),
	}
}

func (m *Marker) redisKey(tp TopicPartition, key string) string {
	return fmt.Sprintf("%s:hwm:%s:%d:%s", m.prefix, tp.Topic, tp.Partition, key)
}

// IsBelow reports whether the stored mark for (meta, key) is >= offset,
// meaning offset should be dropped as a duplicate. It is served from the
// local cache when possible, falling back to the shared store on miss.
func (m *Marker) IsBelow(ctx context.Context, tp TopicPartition, key string, offset int64) (bool, error) {
	rk := m.redisKey(tp, key)

	m.mu.RLock()
	mark, ok := m.cache[rk]
	m.mu.RUnlock()
	if ok {
		metricCacheHits.Inc()
		return mark >= offset, nil
	}
	metricCacheMisses.Inc()

	val, err := m.client.Get(ctx, rk).Int64()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("high water mark read: %w", err)
	}

	m.mu.Lock()
	m.cache[rk] = val
	m.mu.Unlock()

	return val >= offset, nil
}

// Add monotonically raises the mark for (tp, key) to offset.
func (m *Marker) Add(ctx context.Context, tp TopicPartition, key string, offset int64) error {
	rk := m.redisKey(tp, key)

	res, err := advanceScript.Run(ctx, m.client, []string{rk}, offset).Result()
	if err != nil {
		return fmt.Errorf("high water mark advance: %w", err)
	}

	newMark, err := parseRedisInt(res)
	if err != nil {
		return err
	}

	m.mu.Lock()
	if cur, ok := m.cache[rk]; !ok || newMark > cur {
		m.cache[rk] = newMark
	}
	m.mu.Unlock()

	return nil
}

// Clear discards locally-cached per-session marks whose values are <=
// upToOffset, reclaiming memory once the partition-global mark has advanced
// past them. The shared store is left untouched.
func (m *Marker) Clear(tp TopicPartition, upToOffset int64) {
	prefix := fmt.Sprintf("%s:hwm:%s:%d:", m.prefix, tp.Topic, tp.Partition)
	globalKey := m.redisKey(tp, PartitionGlobal)

	m.mu.Lock()
	defer m.mu.Unlock()
	for k, v := range m.cache {
		if k == globalKey {
			continue
		}
		if len(k) >= len(prefix) && k[:len(prefix)] == prefix && v <= upToOffset {
			delete(m.cache, k)
		}
	}
}

// Revoke forgets all local cache state for the partition; the shared store
// is left intact so a new owner can still see marks this worker wrote.
func (m *Marker) Revoke(tp TopicPartition) {
	prefix := fmt.Sprintf("%s:hwm:%s:%d:", m.prefix, tp.Topic, tp.Partition)

	m.mu.Lock()
	defer m.mu.Unlock()
	for k := range m.cache {
		if len(k) >= len(prefix) && k[:len(prefix)] == prefix {
			delete(m.cache, k)
		}
	}
	level.Debug(m.logger).Log("msg", "cleared local high water mark cache on revoke", "topic", tp.Topic, "partition", tp.Partition)
}

func parseRedisInt(v interface{}) (int64, error) {
	switch t := v.(type) {
	case int64:
		return t, nil
	case string:
		var n int64
		_, err := fmt.Sscanf(t, "%d", &n)
		return n, err
	default:
		return 0, fmt.Errorf("unexpected high water mark script result type %T", v)
	}
}
