// Package metrics exposes the service counters on the default
// Prometheus registry.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// TasksStarted counts admitted download tasks by provider.
	TasksStarted = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "vdl",
		Name:      "tasks_started_total",
		Help:      "Download tasks admitted and enqueued.",
	}, []string{"provider"})

	// TasksFinished counts worker outcomes by terminal status.
	TasksFinished = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "vdl",
		Name:      "tasks_finished_total",
		Help:      "Download tasks by terminal status.",
	}, []string{"status"})

	// ActiveDownloads tracks tasks currently held by workers.
	ActiveDownloads = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "vdl",
		Name:      "active_downloads",
		Help:      "Downloads currently being processed by workers.",
	})

	// DeliveredBytes counts bytes streamed to clients.
	DeliveredBytes = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "vdl",
		Name:      "delivered_bytes_total",
		Help:      "Bytes of finished files streamed to clients.",
	})

	// MetaCacheLookups counts metadata resolutions by cache outcome.
	MetaCacheLookups = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "vdl",
		Name:      "meta_cache_lookups_total",
		Help:      "Metadata lookups by cache outcome.",
	}, []string{"outcome"})
)
