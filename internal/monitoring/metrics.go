package monitoring

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog/log"
)

var (
	SyncOutcomes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sync_items_processed_total",
			Help: "Total number of sync queue items processed by platform and outcome",
		},
		[]string{"platform", "outcome"},
	)
	SyncDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "sync_dispatch_duration_seconds",
			Help:    "Duration of a single sync dispatch in seconds",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 10),
		},
		[]string{"platform"},
	)
	WebhooksReceived = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "webhooks_received_total",
			Help: "Total number of inbound webhooks by platform and result",
		},
		[]string{"platform", "result"},
	)
	ConflictsOpen = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "sync_conflicts_open",
			Help: "Number of conflicts currently awaiting resolution",
		},
	)
	QueueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "sync_queue_depth",
			Help: "Number of queue items by status",
		},
		[]string{"status"},
	)
	BreakerTrips = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sync_breaker_trips_total",
			Help: "Total number of circuit breaker trips by platform",
		},
		[]string{"platform"},
	)
)

func InitMetrics() {
	collectors := map[string]prometheus.Collector{
		"SyncOutcomes":     SyncOutcomes,
		"SyncDuration":     SyncDuration,
		"WebhooksReceived": WebhooksReceived,
		"ConflictsOpen":    ConflictsOpen,
		"QueueDepth":       QueueDepth,
		"BreakerTrips":     BreakerTrips,
	}
	for name, c := range collectors {
		if err := prometheus.Register(c); err != nil {
			log.Error().Err(err).Str("metric", name).Msg("Failed to register metric")
		}
	}
}
