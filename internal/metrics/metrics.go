// Package metrics defines the Prometheus instrumentation shared by all
// pipeline components. Every drop, retry, and breaker transition the
// operator cares about surfaces here; the read-side API serves the
// registry at /metrics.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds every instrument on a private registry so tests can
// construct isolated instances.
type Metrics struct {
	reg *prometheus.Registry

	// Pipeline accounting. The steady-state invariant is
	// enqueued = written + dropped + in_flight.
	PipelineEnqueued      prometheus.Counter
	PipelineDropped       prometheus.Counter
	PipelineBackpressured prometheus.Counter
	PipelineDepth         prometheus.Gauge

	// Ingest validation.
	InvalidFrames     prometheus.Counter
	CatalogCacheMiss  prometheus.Counter
	UnknownDeviceRefs prometheus.Counter

	// Writer.
	WrittenPoints   prometheus.Counter
	WriteRetries    prometheus.Counter
	WriteDropped    prometheus.Counter
	TagOverflow     *prometheus.CounterVec // by tag key
	InFlightBytes   prometheus.Gauge
	SpooledBatches  prometheus.Counter
	ReplayedBatches prometheus.Counter

	// Connection manager. BreakerState is 0=closed, 1=half-open, 2=open.
	BreakerState   *prometheus.GaugeVec // by endpoint
	ConnectFailure *prometheus.CounterVec

	// Webhooks.
	WebhookDelivered *prometheus.CounterVec // by subscription id
	WebhookGivenUp   *prometheus.CounterVec
	WebhookDropped   *prometheus.CounterVec // mailbox overflow, oldest dropped

	// Aggregation.
	AggregateRuns   *prometheus.CounterVec // by job name and outcome
	AggregateRows   *prometheus.CounterVec // by detector
	TombstonePurged prometheus.Counter
}

// New constructs a Metrics instance on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		reg: reg,
		PipelineEnqueued: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pipeline_enqueued_total",
			Help: "Events accepted into the pipeline queue.",
		}),
		PipelineDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pipeline_dropped_total",
			Help: "Events dropped at the pipeline tail because the queue was full.",
		}),
		PipelineBackpressured: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pipeline_backpressured_total",
			Help: "Events rejected while the writer held the high-water mark.",
		}),
		PipelineDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "pipeline_depth",
			Help: "Events currently buffered in the pipeline queue.",
		}),
		InvalidFrames: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ingest_invalid_frames_total",
			Help: "Event frames dropped by validation.",
		}),
		CatalogCacheMiss: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ingest_catalog_miss_total",
			Help: "Events enqueued without device/area ids due to a replica miss.",
		}),
		UnknownDeviceRefs: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "catalog_unknown_device_refs_total",
			Help: "Entities upserted whose device_id is not in the catalog.",
		}),
		WrittenPoints: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "written_total",
			Help: "Points successfully written to the time-series store.",
		}),
		WriteRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "write_retries_total",
			Help: "Batch write attempts that failed with a retriable error.",
		}),
		WriteDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "write_dropped_total",
			Help: "Points dropped after a non-retriable write rejection.",
		}),
		TagOverflow: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tag_cardinality_overflow_total",
			Help: "Tag values collapsed to OVERFLOW after exceeding the cardinality bound.",
		}, []string{"tag"}),
		InFlightBytes: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "writer_in_flight_bytes",
			Help: "Bytes held by batches buffered or awaiting retry.",
		}),
		SpooledBatches: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "writer_spooled_batches_total",
			Help: "Batches persisted to the failed-batch spool at shutdown.",
		}),
		ReplayedBatches: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "writer_replayed_batches_total",
			Help: "Spooled batches replayed on startup.",
		}),
		BreakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "breaker_state",
			Help: "Circuit breaker state per endpoint (0=closed, 1=half-open, 2=open).",
		}, []string{"endpoint"}),
		ConnectFailure: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "connect_failures_total",
			Help: "Failed connection attempts per endpoint.",
		}, []string{"endpoint"}),
		WebhookDelivered: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "webhook_delivered_total",
			Help: "Successful webhook deliveries per subscription.",
		}, []string{"subscription"}),
		WebhookGivenUp: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "webhook_given_up_total",
			Help: "Webhook deliveries abandoned after exhausting the attempt schedule.",
		}, []string{"subscription"}),
		WebhookDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "webhook_mailbox_dropped_total",
			Help: "Oldest events dropped from a full subscription mailbox.",
		}, []string{"subscription"}),
		AggregateRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "aggregate_runs_total",
			Help: "Aggregation job runs by job name and outcome.",
		}, []string{"job", "outcome"}),
		AggregateRows: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "aggregate_rows_total",
			Help: "Aggregate rows written per detector.",
		}, []string{"detector"}),
		TombstonePurged: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "catalog_tombstones_purged_total",
			Help: "Soft-deleted catalog rows hard-deleted after the grace period.",
		}),
	}

	reg.MustRegister(
		m.PipelineEnqueued, m.PipelineDropped, m.PipelineBackpressured, m.PipelineDepth,
		m.InvalidFrames, m.CatalogCacheMiss, m.UnknownDeviceRefs,
		m.WrittenPoints, m.WriteRetries, m.WriteDropped, m.TagOverflow,
		m.InFlightBytes, m.SpooledBatches, m.ReplayedBatches,
		m.BreakerState, m.ConnectFailure,
		m.WebhookDelivered, m.WebhookGivenUp, m.WebhookDropped,
		m.AggregateRuns, m.AggregateRows, m.TombstonePurged,
	)

	return m
}

// Handler returns the /metrics HTTP handler for this registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry for gathering in the
// status endpoint.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.reg
}
