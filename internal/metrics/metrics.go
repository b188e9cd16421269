package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	DeliveriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dripline_deliveries_total",
			Help: "Total number of delivery attempts by terminal outcome.",
		},
		[]string{"status", "channel"}, // status: sent|failed|skipped
	)

	DeliveryLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "dripline_delivery_latency_seconds",
			Help:    "Latency of channel delivery attempts.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"channel"},
	)

	RetriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dripline_retries_total",
			Help: "Total number of delivery retries by reason.",
		},
		[]string{"reason"}, // e.g. http_5xx, timeout, rate_limited, network
	)

	ItemsQueuedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dripline_items_queued_total",
			Help: "Total number of queue items scheduled by the distributor.",
		},
		[]string{"kind"},
	)

	PoolEvictionsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "dripline_pool_evictions_total",
			Help: "Total number of tenant connections evicted from the pool.",
		},
	)

	PoolSize = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "dripline_pool_size",
			Help: "Current number of tenant connections held by the pool.",
		},
	)

	JobRunsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dripline_job_runs_total",
			Help: "Total number of job runs by job name and result.",
		},
		[]string{"job", "result"}, // result: ok|error|skipped
	)

	JobDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "dripline_job_duration_seconds",
			Help:    "Duration of job runs.",
			Buckets: []float64{0.1, 0.5, 1, 5, 15, 60, 300},
		},
		[]string{"job"},
	)
)

// MustRegister registers all engine collectors on the given registry.
func MustRegister(reg *prometheus.Registry) {
	reg.MustRegister(
		DeliveriesTotal,
		DeliveryLatency,
		RetriesTotal,
		ItemsQueuedTotal,
		PoolEvictionsTotal,
		PoolSize,
		JobRunsTotal,
		JobDuration,
	)
}

// RecordDelivery records one terminal delivery outcome.
func RecordDelivery(status, channel string, latency time.Duration) {
	DeliveriesTotal.WithLabelValues(status, channel).Inc()
	if latency > 0 {
		DeliveryLatency.WithLabelValues(channel).Observe(latency.Seconds())
	}
}

// RecordRetry records one retry by classified reason.
func RecordRetry(reason string) {
	RetriesTotal.WithLabelValues(reason).Inc()
}

// RecordQueued records items persisted by the distributor.
func RecordQueued(kind string, n int) {
	ItemsQueuedTotal.WithLabelValues(kind).Add(float64(n))
}

// RecordEviction records one pool eviction.
func RecordEviction() {
	PoolEvictionsTotal.Inc()
}

// UpdatePoolSize sets the current pool size gauge.
func UpdatePoolSize(n int) {
	PoolSize.Set(float64(n))
}

// RecordJobRun records a finished (or skipped) job run.
func RecordJobRun(job, result string, d time.Duration) {
	JobRunsTotal.WithLabelValues(job, result).Inc()
	if result != "skipped" {
		JobDuration.WithLabelValues(job).Observe(d.Seconds())
	}
}
