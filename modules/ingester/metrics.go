package ingester

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metric collectors, declared at package scope with promauto the way
// friggdb/friggdb.go declares its metricBlockList* vars, covering every
// the series this component tracks.
var (
	metricMessagesReceived = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "replay_ingester",
		Name:      "messages_received_total",
		Help:      "Total number of inbound Kafka messages seen, by partition.",
	}, []string{"partition"})

	metricMessagesDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "replay_ingester",
		Name:      "messages_dropped_total",
		Help:      "Total number of inbound messages dropped, by cause.",
	}, []string{"reason"})

	metricSessionsHandled = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "replay_ingester",
		Name:      "sessions_handled",
		Help:      "Number of SessionManagers currently live in this process.",
	})

	metricSessionsRevoked = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "replay_ingester",
		Name:      "sessions_revoked_total",
		Help:      "Total number of SessionManagers destroyed due to partition revocation.",
	})

	metricRealtimeSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "replay_ingester",
		Name:      "realtime_sessions",
		Help:      "Number of sessions with an active realtime tail push in the last flush interval.",
	})

	metricLagMessages = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "replay_ingester",
		Name:      "lag_messages",
		Help:      "max(0, broker_high_offset - last_consumed_offset), by partition.",
	}, []string{"partition"})

	metricLagMillis = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "replay_ingester",
		Name:      "lag_milliseconds",
		Help:      "Estimated consumption lag in milliseconds, by partition.",
	}, []string{"partition"})

	metricLastCommittedOffset = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "replay_ingester",
		Name:      "last_committed_offset",
		Help:      "Last offset committed to the broker, by partition.",
	}, []string{"partition"})

	metricCommitFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "replay_ingester",
		Name:      "commit_failures_total",
		Help:      "Total number of failed offset commits, by partition.",
	}, []string{"partition"})

	metricBatchSize = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "replay_ingester",
		Name:      "batch_size",
		Help:      "Number of messages in each processed fetch batch that passed parsing and high-water-mark filtering.",
		Buckets:   prometheus.ExponentialBuckets(8, 2, 10),
	})

	metricFlushesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "replay_ingester",
		Name:      "session_flushes_total",
		Help:      "Total number of session flushes, by reason and outcome.",
	}, []string{"reason", "outcome"})

	metricFlushBytes = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "replay_ingester",
		Name:      "session_flush_bytes",
		Help:      "Size in bytes of each flushed session buffer.",
		Buckets:   prometheus.ExponentialBuckets(1024, 4, 10),
	})
)
