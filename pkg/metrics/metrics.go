// Package metrics holds the prometheus collectors of groupsync.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	SyncTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "groupsync_sync_total",
			Help: "Conversation sync attempts by result.",
		},
		[]string{"result"},
	)

	SyncDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "groupsync_sync_duration_seconds",
			Help:    "Duration of one conversation sync.",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 16),
		},
	)

	EntriesApplied = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "groupsync_entries_applied_total",
			Help: "Log entries applied to local state by commit kind.",
		},
		[]string{"kind"},
	)

	ValidationFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "groupsync_validation_failures_total",
			Help: "Log entries skipped during apply by reason.",
		},
		[]string{"reason"},
	)

	StreamEventsDropped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "groupsync_stream_events_dropped_total",
			Help: "Events discarded from full subscriber queues.",
		},
		[]string{"stream"},
	)

	StreamSubscribers = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "groupsync_stream_subscribers",
			Help: "Live subscriptions per stream.",
		},
		[]string{"stream"},
	)

	StoreFreeBytes = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "groupsync_store_free_bytes",
			Help: "Free bytes on the filesystem holding the local store.",
		},
	)
)

func init() {
	prometheus.MustRegister(SyncTotal)
	prometheus.MustRegister(SyncDuration)
	prometheus.MustRegister(EntriesApplied)
	prometheus.MustRegister(ValidationFailures)
	prometheus.MustRegister(StreamEventsDropped)
	prometheus.MustRegister(StreamSubscribers)
	prometheus.MustRegister(StoreFreeBytes)
}
