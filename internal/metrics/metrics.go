package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	ResolutionCached         = "cached"
	ResolutionCachedDegraded = "cached_degraded"
	ResolutionGenerated      = "generated"
	ResolutionEmpty          = "empty"
	ResolutionPersistFailed  = "persist_failed"
	ResolutionFailed         = "failed"
)

var (
	UpstreamRequestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "top8_upstream_request_duration_seconds",
		Help:    "Latency of social graph API requests",
		Buckets: prometheus.DefBuckets,
	}, []string{"operation", "status"})

	UpstreamRequestTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "top8_upstream_requests_total",
		Help: "Social graph API requests by operation and outcome",
	}, []string{"operation", "status"})

	ResolutionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "top8_resolutions_total",
		Help: "Top 8 resolutions by outcome",
	}, []string{"outcome"})

	UpdatesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "top8_updates_total",
		Help: "Manual Top 8 saves by outcome",
	}, []string{"status"})

	PreviewRendersTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "top8_preview_renders_total",
		Help: "Crawler previews served by kind and cache outcome",
	}, []string{"kind", "cache"})
)

// MustRegister registers every collector on the provided registerer.
func MustRegister(registerer prometheus.Registerer) {
	registerer.MustRegister(
		UpstreamRequestDuration,
		UpstreamRequestTotal,
		ResolutionsTotal,
		UpdatesTotal,
		PreviewRendersTotal,
	)
}

// ObserveUpstreamRequest records latency and outcome of a social graph request.
func ObserveUpstreamRequest(operation string, start time.Time, err error) {
	if operation == "" {
		operation = "unknown"
	}
	status := statusOf(err)
	UpstreamRequestDuration.WithLabelValues(operation, status).Observe(time.Since(start).Seconds())
	UpstreamRequestTotal.WithLabelValues(operation, status).Inc()
}

// IncResolution counts a resolver outcome.
func IncResolution(outcome string) {
	ResolutionsTotal.WithLabelValues(outcome).Inc()
}

// IncUpdate counts a mutator outcome.
func IncUpdate(err error) {
	UpdatesTotal.WithLabelValues(statusOf(err)).Inc()
}

// IncPreviewRender counts a preview response; cacheHit only matters for images.
func IncPreviewRender(kind string, cacheHit bool) {
	cache := "miss"
	if cacheHit {
		cache = "hit"
	}
	PreviewRendersTotal.WithLabelValues(kind, cache).Inc()
}

func statusOf(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}
