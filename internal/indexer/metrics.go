package indexer

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	indexWrites = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "citysearch_indexer_writes_total",
			Help: "Index document writes by outcome",
		},
		[]string{"kind", "op", "result"},
	)

	indexRetries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "citysearch_indexer_retries_total",
			Help: "Index writes retried after a transient failure",
		},
		[]string{"kind", "op"},
	)

	queueDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "citysearch_indexer_queue_dropped_total",
			Help: "Index jobs dropped because the queue was full",
		},
	)

	rebuildDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "citysearch_indexer_rebuild_duration_seconds",
			Help:    "Duration of index rebuilds",
			Buckets: []float64{.1, .5, 1, 5, 15, 60, 300, 900},
		},
		[]string{"kind", "result"},
	)
)
