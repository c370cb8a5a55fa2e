// Package metrics centralizes the Prometheus collectors the rest of the
// tree registers itself against, and exposes the scrape handler the API
// server mounts at /metrics. The teacher module declared client_golang in
// go.mod but never wired it to anything; this package is where that
// dependency actually gets exercised.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// JobsProcessed counts job-pipeline executions by class and terminal
	// outcome (succeeded, retried, dead_lettered).
	JobsProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "blacklake",
		Subsystem: "jobs",
		Name:      "processed_total",
		Help:      "Job pipeline executions by class and outcome.",
	}, []string{"class", "outcome"})

	// JobLeaseDuration observes how long a handler held a job's lease,
	// by class.
	JobLeaseDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "blacklake",
		Subsystem: "jobs",
		Name:      "lease_duration_seconds",
		Help:      "Wall-clock time a worker held a job's lease.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"class"})

	// AuditRecordsDropped counts audit events dropped because the buffered
	// writer's channel was full — the writer is best-effort and never
	// blocks the request path it instruments.
	AuditRecordsDropped = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "blacklake",
		Subsystem: "audit",
		Name:      "records_dropped_total",
		Help:      "Audit records dropped because the buffered writer's channel was full.",
	})

	// AuditRecordsFlushed counts audit records successfully persisted.
	AuditRecordsFlushed = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "blacklake",
		Subsystem: "audit",
		Name:      "records_flushed_total",
		Help:      "Audit records persisted by the buffered writer.",
	})

	// CacheHits and CacheMisses track the read-through cache's hit rate, by
	// key namespace ("search" or "meta").
	CacheHits = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "blacklake",
		Subsystem: "cache",
		Name:      "hits_total",
		Help:      "Read-through cache hits by key namespace.",
	}, []string{"namespace"})

	CacheMisses = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "blacklake",
		Subsystem: "cache",
		Name:      "misses_total",
		Help:      "Read-through cache misses by key namespace.",
	}, []string{"namespace"})

	// RetentionBlobsDeleted counts blobs hard-deleted by the retention
	// sweeper.
	RetentionBlobsDeleted = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "blacklake",
		Subsystem: "retention",
		Name:      "blobs_deleted_total",
		Help:      "Blobs hard-deleted by the retention sweeper.",
	})
)

// Handler returns the HTTP handler to mount at the metrics scrape endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}
