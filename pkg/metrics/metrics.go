// Package metrics provides Prometheus instrumentation for the proxy.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// UpstreamRequestsTotal counts job API calls by path and outcome.
	UpstreamRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "upstream_requests_total",
			Help: "Total number of upstream job API calls by outcome.",
		},
		[]string{"path", "outcome"}, // outcome: "ok", "error", "exhausted"
	)

	// UpstreamRetriesTotal counts retried job API attempts.
	UpstreamRetriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "upstream_retries_total",
			Help: "Total number of retried upstream attempts.",
		},
		[]string{"path"},
	)

	// UpstreamLatency tracks per-call latency including retries.
	UpstreamLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "upstream_request_latency_seconds",
			Help:    "Upstream job API call latency in seconds, retries included.",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		},
		[]string{"path"},
	)

	// UploadStepsTotal counts upload pipeline steps by result.
	UploadStepsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "upload_steps_total",
			Help: "Total number of upload pipeline steps by step and status.",
		},
		[]string{"step", "status"}, // step: token, apply, upload, commit
	)

	// UploadCacheLookupsTotal counts upload URI cache lookups.
	UploadCacheLookupsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "upload_cache_lookups_total",
			Help: "Total number of upload URI cache lookups by result.",
		},
		[]string{"result"}, // "hit", "miss", "error"
	)

	// PollAttemptsTotal counts polling cycles by observed state.
	PollAttemptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "poll_attempts_total",
			Help: "Total number of job status polls by observed state.",
		},
		[]string{"state"}, // "pending", "soft_miss", "succeeded", "failed"
	)

	// JobOutcomesTotal counts terminal job outcomes.
	JobOutcomesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "job_outcomes_total",
			Help: "Total number of generation jobs by kind and terminal outcome.",
		},
		[]string{"kind", "outcome"},
	)

	// JobLatency tracks end-to-end job latency in seconds.
	JobLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "job_latency_seconds",
			Help:    "End-to-end generation latency in seconds.",
			Buckets: []float64{5, 10, 20, 30, 60, 120, 300, 600, 1200},
		},
		[]string{"kind", "outcome"},
	)

	// ResubmissionsTotal counts whole-job resubmissions by reason.
	ResubmissionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "job_resubmissions_total",
			Help: "Total number of job resubmissions by failure kind.",
		},
		[]string{"reason"},
	)

	// ActiveJobs tracks the number of in-flight generation jobs.
	ActiveJobs = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "active_jobs",
			Help: "Number of currently in-flight generation jobs.",
		},
	)
)

// RecordUploadStep records the result of one upload pipeline step.
func RecordUploadStep(step string, err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	UploadStepsTotal.WithLabelValues(step, status).Inc()
}

// RecordJob records a terminal job outcome and its latency.
func RecordJob(kind, outcome string, seconds float64) {
	JobOutcomesTotal.WithLabelValues(kind, outcome).Inc()
	JobLatency.WithLabelValues(kind, outcome).Observe(seconds)
}
