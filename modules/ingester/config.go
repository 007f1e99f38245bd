package ingester

import (
	"flag"
	"time"
)

// Config holds every tunable exposed by this component, registered the way
// cmd/tempo/app/config.go registers its module configs: one
// RegisterFlagsAndApplyDefaults per config struct, prefixed by the caller.
type Config struct {
	Brokers       []string `yaml:"brokers"`
	Topic         string   `yaml:"topic"`
	ConsumerGroup string   `yaml:"consumer_group"`

	ConsumptionMaxBytes             int           `yaml:"consumption_max_bytes"`
	ConsumptionMaxBytesPerPartition int           `yaml:"consumption_max_bytes_per_partition"`
	QueueSize                       int           `yaml:"queue_size"`
	ConsumptionMaxWait              time.Duration `yaml:"consumption_max_wait"`
	BatchSize                       int           `yaml:"batch_size"`
	BatchingTimeout                 time.Duration `yaml:"batching_timeout"`

	LocalDirectory string `yaml:"local_directory"`
	RedisPrefix    string `yaml:"redis_prefix"`

	PartitionRevokeOptimization bool `yaml:"partition_revoke_optimization"`

	FlushAgeLimit  time.Duration `yaml:"flush_age_limit"`
	FlushSizeLimit int64         `yaml:"flush_size_limit_bytes"`

	RealtimeTTL       time.Duration `yaml:"realtime_ttl"`
	RealtimeMaxLength int64         `yaml:"realtime_max_length"`

	PartitionLockTTL time.Duration `yaml:"partition_lock_ttl"`

	TokenTableRefreshInterval time.Duration `yaml:"token_table_refresh_interval"`
	OffsetRefreshInterval     time.Duration `yaml:"offset_refresh_interval"`

	ReplayEventsTopic string `yaml:"replay_events_topic"`

	BatchSoftTimeout time.Duration `yaml:"batch_soft_timeout"`
	FlushHardTimeout time.Duration `yaml:"flush_hard_timeout"`
}

// RegisterFlagsAndApplyDefaults registers every flag under prefix, applying
// production defaults (tests typically override the size/age thresholds to
// test-local overrides of these production defaults).
func (c *Config) RegisterFlagsAndApplyDefaults(prefix string, f *flag.FlagSet) {
	if len(c.Brokers) == 0 {
		c.Brokers = []string{"localhost:9092"}
	}

	f.StringVar(&c.Topic, prefix+".topic", "session_recording_snapshot_item_events", "Kafka topic carrying inbound snapshot batches.")
	f.StringVar(&c.ConsumerGroup, prefix+".consumer-group", "session-recordings-blob-ingester", "Kafka consumer group name.")

	f.IntVar(&c.ConsumptionMaxBytes, prefix+".kafka-consumption-max-bytes", 512<<20, "KAFKA_CONSUMPTION_MAX_BYTES: total fetch sizing.")
	f.IntVar(&c.ConsumptionMaxBytesPerPartition, prefix+".kafka-consumption-max-bytes-per-partition", 32<<20, "KAFKA_CONSUMPTION_MAX_BYTES_PER_PARTITION.")
	f.IntVar(&c.QueueSize, prefix+".kafka-queue-size", 1000, "SESSION_RECORDING_KAFKA_QUEUE_SIZE: min messages buffered per partition.")
	f.DurationVar(&c.ConsumptionMaxWait, prefix+".kafka-consumption-max-wait", 1*time.Second, "KAFKA_CONSUMPTION_MAX_WAIT_MS: fetch long-poll timeout.")
	f.IntVar(&c.BatchSize, prefix+".kafka-batch-size", 500, "SESSION_RECORDING_KAFKA_BATCH_SIZE.")
	f.DurationVar(&c.BatchingTimeout, prefix+".kafka-batching-timeout", 1*time.Second, "KAFKA_CONSUMPTION_BATCHING_TIMEOUT_MS.")

	f.StringVar(&c.LocalDirectory, prefix+".local-directory", "/tmp/session-recordings", "SESSION_RECORDING_LOCAL_DIRECTORY: temp file root, purged on startup.")
	f.StringVar(&c.RedisPrefix, prefix+".redis-prefix", "session-recordings", "SESSION_RECORDING_REDIS_PREFIX: key namespace in the shared cache.")

	f.BoolVar(&c.PartitionRevokeOptimization, prefix+".partition-revoke-optimization", true, "SESSION_RECORDING_PARTITION_REVOKE_OPTIMIZATION: enables the partition locker and revoke-time ordered flush.")

	f.DurationVar(&c.FlushAgeLimit, prefix+".flush-age-limit", 5*time.Minute, "Flush a session once its oldest buffered event is this old, measured against partition time.")
	f.Int64Var(&c.FlushSizeLimit, prefix+".flush-size-limit-bytes", 50<<20, "Flush a session once its buffer reaches this size.")

	f.DurationVar(&c.RealtimeTTL, prefix+".realtime-ttl", 5*time.Minute, "TTL of a session's realtime tail list, refreshed on every push.")
	f.Int64Var(&c.RealtimeMaxLength, prefix+".realtime-max-length", 50, "Maximum number of fragments kept per session in the realtime cache.")

	f.DurationVar(&c.PartitionLockTTL, prefix+".partition-lock-ttl", 10*time.Second, "TTL of a partition's cooperative lease.")

	f.DurationVar(&c.TokenTableRefreshInterval, prefix+".token-table-refresh-interval", 30*time.Second, "Refresh interval for the token->team_id table.")
	f.DurationVar(&c.OffsetRefreshInterval, prefix+".offset-refresh-interval", 15*time.Second, "Refresh interval for the broker high-offset lag gauge.")

	f.StringVar(&c.ReplayEventsTopic, prefix+".replay-events-topic", "session_replay_events", "Downstream topic for derived replay events.")

	f.DurationVar(&c.BatchSoftTimeout, prefix+".batch-soft-timeout", 60*time.Second, "Soft timeout for processing one batch; logged and continues.")
	f.DurationVar(&c.FlushHardTimeout, prefix+".flush-hard-timeout", 120*time.Second, "Hard timeout for flush_all_ready_sessions; reported but non-aborting.")
}
