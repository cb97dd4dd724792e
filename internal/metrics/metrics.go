// Copyright (c) HashiCorp, Inc
// SPDX-License-Identifier: MPL-2.0

// Package metrics defines one Prometheus metrics struct per core subsystem,
// built with promauto the same way the teacher's walMetrics is, so every
// subsystem can be wired to a caller-supplied prometheus.Registerer without
// each package reaching for the global default registry.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// LogMetrics instruments the append-only log (component B).
type LogMetrics struct {
	BytesWritten     prometheus.Counter
	EntriesWritten   prometheus.Counter
	Appends          prometheus.Counter
	SegmentRotations prometheus.Counter
	LastSegmentAge   prometheus.Gauge
	CorruptionTruncations prometheus.Counter
}

func NewLogMetrics(reg prometheus.Registerer) *LogMetrics {
	return &LogMetrics{
		BytesWritten: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "ledger_log_bytes_written_total",
			Help: "Bytes of encoded envelope written to segment files.",
		}),
		EntriesWritten: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "ledger_log_entries_written_total",
			Help: "Number of envelopes appended to the log.",
		}),
		Appends: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "ledger_log_appends_total",
			Help: "Number of Append batch calls.",
		}),
		SegmentRotations: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "ledger_log_segment_rotations_total",
			Help: "Number of times the active segment was rotated.",
		}),
		LastSegmentAge: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "ledger_log_last_segment_age_seconds",
			Help: "Age in seconds of the most recently sealed segment at seal time.",
		}),
		CorruptionTruncations: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "ledger_log_partial_trailing_truncations_total",
			Help: "Number of times recovery truncated a partial trailing record.",
		}),
	}
}

// WriterMetrics instruments the async writer (component E).
type WriterMetrics struct {
	BatchesFlushed  prometheus.Counter
	EventsEnqueued  prometheus.Counter
	FsyncDuration   prometheus.Histogram
	QueueDepth      prometheus.Gauge
	BackPressureEvents prometheus.Counter
}

func NewWriterMetrics(reg prometheus.Registerer) *WriterMetrics {
	return &WriterMetrics{
		BatchesFlushed: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "ledger_writer_batches_flushed_total",
			Help: "Number of batches flushed to the log.",
		}),
		EventsEnqueued: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "ledger_writer_events_enqueued_total",
			Help: "Number of envelopes enqueued to the async writer.",
		}),
		FsyncDuration: promauto.With(reg).NewHistogram(prometheus.HistogramOpts{
			Name:    "ledger_writer_fsync_duration_seconds",
			Help:    "Time spent in fsync per batch.",
			Buckets: prometheus.DefBuckets,
		}),
		QueueDepth: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "ledger_writer_queue_depth",
			Help: "Number of envelopes currently buffered awaiting flush.",
		}),
		BackPressureEvents: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "ledger_writer_backpressure_total",
			Help: "Number of times an append call suspended on a full buffer.",
		}),
	}
}

// StateMetrics instruments the state engine (component G).
type StateMetrics struct {
	ReadLocks  prometheus.Counter
	WriteLocks prometheus.Counter
	Poisoned   prometheus.Gauge
}

func NewStateMetrics(reg prometheus.Registerer) *StateMetrics {
	return &StateMetrics{
		ReadLocks: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "ledger_state_read_locks_total",
			Help: "Number of with_state calls.",
		}),
		WriteLocks: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "ledger_state_write_locks_total",
			Help: "Number of with_state_mut calls.",
		}),
		Poisoned: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "ledger_state_poisoned",
			Help: "1 if the state engine's lock has been poisoned by a panicking writer.",
		}),
	}
}

// ReplicationMetrics instruments the replication coordinator and
// reconciliation loop (components I and J).
type ReplicationMetrics struct {
	FanoutLatency   prometheus.Histogram
	FanoutFailures  *prometheus.CounterVec
	PeerState       *prometheus.GaugeVec
	ReconcilePulled prometheus.Counter
	ReconcileCycles prometheus.Counter
}

func NewReplicationMetrics(reg prometheus.Registerer) *ReplicationMetrics {
	return &ReplicationMetrics{
		FanoutLatency: promauto.With(reg).NewHistogram(prometheus.HistogramOpts{
			Name:    "ledger_replication_fanout_duration_seconds",
			Help:    "Latency of a single fan-out call to a peer.",
			Buckets: prometheus.DefBuckets,
		}),
		FanoutFailures: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "ledger_replication_fanout_failures_total",
			Help: "Fan-out failures by peer.",
		}, []string{"peer"}),
		PeerState: promauto.With(reg).NewGaugeVec(prometheus.GaugeOpts{
			Name: "ledger_replication_peer_state",
			Help: "Current peer state machine value (0=Healthy,1=Lagging,2=Degraded,3=Unreachable).",
		}, []string{"peer"}),
		ReconcilePulled: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "ledger_reconcile_envelopes_pulled_total",
			Help: "Number of envelopes pulled during reconciliation.",
		}),
		ReconcileCycles: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "ledger_reconcile_cycles_total",
			Help: "Number of reconciliation cycles run.",
		}),
	}
}
