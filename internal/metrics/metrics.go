// Package metrics holds the Prometheus collectors shared by the try-on pipeline.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// CacheLookups counts try-on cache lookups by result (hit, miss, error).
	CacheLookups = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fitroom_cache_lookups_total",
		Help: "Try-on cache lookups by result.",
	}, []string{"result"})

	// CacheWriteFailures counts upserts that could not be persisted.
	CacheWriteFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fitroom_cache_write_failures_total",
		Help: "Try-on cache writes that failed and were swallowed.",
	})

	// CacheTouchesDropped counts hit bookkeeping writes dropped because the queue was full.
	CacheTouchesDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fitroom_cache_touches_dropped_total",
		Help: "Cache hit bookkeeping writes dropped on a full queue.",
	})

	// GenerationAttempts counts generative calls by prompt strategy and outcome.
	GenerationAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fitroom_generation_attempts_total",
		Help: "Try-on generation attempts by strategy and outcome.",
	}, []string{"strategy", "outcome"})

	// GenerationDuration observes full generate calls including retries.
	GenerationDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "fitroom_generation_duration_seconds",
		Help:    "Duration of try-on generate calls including retries.",
		Buckets: []float64{1, 2, 5, 10, 20, 30, 60, 120, 300},
	})

	// EnhanceStages counts enhancement stage runs by stage and outcome.
	EnhanceStages = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fitroom_enhance_stages_total",
		Help: "Photo enhancement stage runs by stage and outcome.",
	}, []string{"stage", "outcome"})

	// CodecFetches counts remote image fetches by outcome (fetched, memo, rejected).
	CodecFetches = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fitroom_codec_fetches_total",
		Help: "Remote image fetches by outcome.",
	}, []string{"outcome"})
)
