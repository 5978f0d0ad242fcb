// Package metrics holds the prometheus instruments for both sides of the
// pipeline. Every Collector owns a private registry, so tests and multiple
// instances never collide on the default registerer.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "account_stream"

// Collector manages all metrics. A nil *Collector is valid and records
// nothing.
type Collector struct {
	registry *prometheus.Registry

	// Publisher
	eventsPublished   *prometheus.CounterVec
	eventsFiltered    prometheus.Counter
	malformedEvents   *prometheus.CounterVec
	activeAccounts    prometheus.Gauge
	activeEvictions   prometheus.Counter
	subscribers       prometheus.Gauge
	subscribersLagged prometheus.Counter
	highestWriteSlot  prometheus.Gauge
	heartbeatsSent    prometheus.Counter

	// Consumer
	sourceEvents     *prometheus.CounterVec
	sourceReconnects *prometheus.CounterVec
	sourceOverflows  *prometheus.CounterVec
	sourceState      *prometheus.GaugeVec
	forwarded        *prometheus.CounterVec
	duplicates       *prometheus.CounterVec
	baselineDropped  prometheus.Counter
	resyncs          prometheus.Counter
	snapshotAttempts prometheus.Counter
	snapshotFailures prometheus.Counter
	sinkBatches      prometheus.Counter
	sinkErrors       prometheus.Counter
	sinkQueueDepth   prometheus.Gauge
	sinkBatchSize    prometheus.Histogram
}

// NewCollector creates a collector with a fresh registry.
func NewCollector() *Collector {
	registry := prometheus.NewRegistry()

	c := &Collector{
		registry: registry,

		eventsPublished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_published_total",
			Help:      "Events handed to the broadcast hub, by kind",
		}, []string{"kind"}),
		eventsFiltered: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "account_writes_filtered_total",
			Help:      "Account writes rejected by the selector",
		}),
		malformedEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "malformed_events_total",
			Help:      "Events dropped because they could not be decoded",
		}, []string{"side"}),
		activeAccounts: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_accounts",
			Help:      "Accounts in the active set",
		}),
		activeEvictions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "active_account_evictions_total",
			Help:      "Accounts evicted from a bounded active set",
		}),
		subscribers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "subscribers",
			Help:      "Open subscription sessions",
		}),
		subscribersLagged: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "subscribers_lagged_total",
			Help:      "Sessions closed because the subscriber fell behind",
		}),
		highestWriteSlot: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "highest_write_slot",
			Help:      "Highest slot of any published account write",
		}),
		heartbeatsSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "heartbeats_total",
			Help:      "Ping messages broadcast",
		}),

		sourceEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "source_events_total",
			Help:      "Events received from a source, by source and kind",
		}, []string{"source", "kind"}),
		sourceReconnects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "source_reconnects_total",
			Help:      "Connection attempts after a failure, by source",
		}, []string{"source"}),
		sourceOverflows: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "source_overflows_total",
			Help:      "Times a source's inbound queue overflowed",
		}, []string{"source"}),
		sourceState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "source_state",
			Help:      "Connection state by source (0 disconnected, 1 connecting, 2 streaming, 3 backoff)",
		}, []string{"source"}),
		forwarded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconciler_forwarded_total",
			Help:      "Events forwarded to the sink, by kind",
		}, []string{"kind"}),
		duplicates: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconciler_duplicates_total",
			Help:      "Events discarded as duplicate or stale, by kind",
		}, []string{"kind"}),
		baselineDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconciler_baseline_dropped_total",
			Help:      "Deltas discarded because the snapshot baseline already covers them",
		}),
		resyncs: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconciler_resyncs_total",
			Help:      "Times the reconciler discarded its state and refetched a baseline",
		}),
		snapshotAttempts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "snapshot_attempts_total",
			Help:      "Snapshot fetch attempts",
		}),
		snapshotFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "snapshot_failures_total",
			Help:      "Failed snapshot fetch attempts",
		}),
		sinkBatches: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sink_batches_total",
			Help:      "Batches written to the sink",
		}),
		sinkErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sink_errors_total",
			Help:      "Failed sink writes",
		}),
		sinkQueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sink_queue_depth",
			Help:      "Batches waiting for the sink",
		}),
		sinkBatchSize: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "sink_batch_size",
			Help:      "Events per sink batch",
			Buckets:   prometheus.ExponentialBuckets(1, 4, 8),
		}),
	}

	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		c.eventsPublished,
		c.eventsFiltered,
		c.malformedEvents,
		c.activeAccounts,
		c.activeEvictions,
		c.subscribers,
		c.subscribersLagged,
		c.highestWriteSlot,
		c.heartbeatsSent,
		c.sourceEvents,
		c.sourceReconnects,
		c.sourceOverflows,
		c.sourceState,
		c.forwarded,
		c.duplicates,
		c.baselineDropped,
		c.resyncs,
		c.snapshotAttempts,
		c.snapshotFailures,
		c.sinkBatches,
		c.sinkErrors,
		c.sinkQueueDepth,
		c.sinkBatchSize,
	)

	return c
}

// Registry exposes the private registry, mainly for tests.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Handler serves the registry in the prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}
