// Package metrics provides Prometheus metrics for dupescan runs.
// A CLI run has no scrape endpoint, so metrics are written once at the end
// in the node-exporter textfile format.
package metrics

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Registry holds every dupescan collector.
var Registry = prometheus.NewRegistry()

var factory = promauto.With(Registry)

var (
	remoteCallsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dupescan_remote_calls_total",
			Help: "Remote calls by operation and outcome",
		},
		[]string{"op", "status"},
	)

	remoteCallDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "dupescan_remote_call_duration_seconds",
			Help:    "Remote call latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"op"},
	)

	retriesTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dupescan_retries_total",
			Help: "Retry attempts scheduled by operation",
		},
		[]string{"op"},
	)

	itemsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dupescan_items_total",
			Help: "Items processed by operation and outcome",
		},
		[]string{"op", "status"},
	)

	cacheEventsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dupescan_cache_events_total",
			Help: "Cache hits, misses, invalidations and persists",
		},
		[]string{"event"},
	)

	cacheEntries = factory.NewGauge(
		prometheus.GaugeOpts{
			Name: "dupescan_cache_entries",
			Help: "Entries held by the metadata cache",
		},
	)

	duplicateGroups = factory.NewGauge(
		prometheus.GaugeOpts{
			Name: "dupescan_duplicate_groups",
			Help: "Duplicate groups found by the last analysis",
		},
	)

	wastedBytes = factory.NewGauge(
		prometheus.GaugeOpts{
			Name: "dupescan_wasted_bytes",
			Help: "Bytes held by non-keeper duplicates",
		},
	)

	runDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "dupescan_stage_duration_seconds",
			Help:    "Duration of each scan stage",
			Buckets: prometheus.ExponentialBuckets(0.01, 4, 10),
		},
		[]string{"stage"},
	)
)

func status(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}

// RecordRemoteCall records one remote call.
func RecordRemoteCall(op string, duration time.Duration, err error) {
	remoteCallsTotal.WithLabelValues(op, status(err)).Inc()
	remoteCallDuration.WithLabelValues(op).Observe(duration.Seconds())
}

// RecordRetry records a scheduled retry.
func RecordRetry(op string) {
	retriesTotal.WithLabelValues(op).Inc()
}

// RecordItems adds n processed items with the given outcome.
func RecordItems(op, outcome string, n int) {
	if n > 0 {
		itemsTotal.WithLabelValues(op, outcome).Add(float64(n))
	}
}

// RecordCacheEvent counts a cache hit, miss, invalidate or persist.
func RecordCacheEvent(event string) {
	cacheEventsTotal.WithLabelValues(event).Inc()
}

// SetCacheEntries sets the cache size gauge.
func SetCacheEntries(n int) {
	cacheEntries.Set(float64(n))
}

// SetDuplicates sets the duplicate analysis gauges.
func SetDuplicates(groups int, wasted int64) {
	duplicateGroups.Set(float64(groups))
	wastedBytes.Set(float64(wasted))
}

// RecordStage records how long a scan stage took.
func RecordStage(stage string, duration time.Duration) {
	runDuration.WithLabelValues(stage).Observe(duration.Seconds())
}

// WriteTextfile writes every metric to path for the textfile collector.
func WriteTextfile(path string) error {
	if err := prometheus.WriteToTextfile(path, Registry); err != nil {
		return fmt.Errorf("failed to write metrics: %w", err)
	}
	return nil
}
