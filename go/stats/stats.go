// Package stats keeps rolling per-source counters of indexing runs and
// exposes them as prometheus metrics. Counters are updated under a single
// lock at the end of each run so the indexing hot path stays lock-free.
package stats

import (
	"sync"
	"time"

	"github.com/KASPACOM/ai-agent-sub001/go/message"
	"github.com/prometheus/client_golang/prometheus"
)

// SourceStats is the rolling aggregate for one source.
type SourceStats struct {
	Runs         int       `json:"runs"`
	FailedRuns   int       `json:"failedRuns"`
	Processed    int       `json:"processed"`
	Embedded     int       `json:"embedded"`
	Stored       int       `json:"stored"`
	Errors       int       `json:"errors"`
	RequestsUsed int       `json:"requestsUsed"`
	RateLimited  int       `json:"rateLimited"`
	LastRunAt    time.Time `json:"lastRunAt"`
	LastRunID    string    `json:"lastRunId"`
	LastError    string    `json:"lastError,omitempty"`
}

// ErrorRate is the fraction of failed runs, in [0, 1].
func (s SourceStats) ErrorRate() float64 {
	if s.Runs == 0 {
		return 0
	}
	return float64(s.FailedRuns) / float64(s.Runs)
}

// Registry aggregates run reports.
type Registry struct {
	mu      sync.Mutex
	sources map[message.Source]SourceStats
}

// NewRegistry builds an empty Registry and registers its prometheus
// collectors exactly once per process.
func NewRegistry() *Registry {
	registerMetricsOnce.Do(func() {
		prometheus.MustRegister(runsTotal, storedTotal, errorsTotal, requestsTotal, rateLimitedTotal, runSeconds)
	})
	return &Registry{sources: make(map[message.Source]SourceStats)}
}

// Record folds a finished run into the registry.
func (r *Registry) Record(report message.RunReport) {
	var src = string(report.Source)
	runsTotal.WithLabelValues(src, successLabel(report.Success)).Inc()
	storedTotal.WithLabelValues(src).Add(float64(report.Stored))
	errorsTotal.WithLabelValues(src).Add(float64(report.Errors))
	requestsTotal.WithLabelValues(src).Add(float64(report.RequestsUsed))
	if report.RateLimited {
		rateLimitedTotal.WithLabelValues(src).Inc()
	}
	runSeconds.WithLabelValues(src).Observe(report.ProcessingTime.Seconds())

	r.mu.Lock()
	defer r.mu.Unlock()
	var s = r.sources[report.Source]
	s.Runs++
	if !report.Success {
		s.FailedRuns++
		s.LastError = report.FatalError
	}
	s.Processed += report.Processed
	s.Embedded += report.Embedded
	s.Stored += report.Stored
	s.Errors += report.Errors
	s.RequestsUsed += report.RequestsUsed
	if report.RateLimited {
		s.RateLimited++
	}
	s.LastRunAt = report.StartedAt
	s.LastRunID = report.RunID
	r.sources[report.Source] = s
}

// Snapshot returns a copy of all per-source aggregates.
func (r *Registry) Snapshot() map[message.Source]SourceStats {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out = make(map[message.Source]SourceStats, len(r.sources))
	for k, v := range r.sources {
		out[k] = v
	}
	return out
}

// Reset clears the rolling aggregates. Prometheus counters are monotonic and
// are left alone.
func (r *Registry) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sources = make(map[message.Source]SourceStats)
}

func successLabel(ok bool) string {
	if ok {
		return "success"
	}
	return "failure"
}

var registerMetricsOnce sync.Once

var (
	runsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "etl_runs_total",
		Help: "Count of indexing runs by source and outcome.",
	}, []string{"source", "outcome"})
	storedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "etl_points_stored_total",
		Help: "Count of points stored into the vector collection.",
	}, []string{"source"})
	errorsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "etl_item_errors_total",
		Help: "Count of per-item pipeline errors.",
	}, []string{"source"})
	requestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "etl_source_requests_total",
		Help: "Count of source API requests billed against run budgets.",
	}, []string{"source"})
	rateLimitedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "etl_rate_limited_runs_total",
		Help: "Count of runs which hit a source rate limit.",
	}, []string{"source"})
	runSeconds = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "etl_run_duration_seconds",
		Help:    "Indexing run duration.",
		Buckets: prometheus.ExponentialBuckets(0.5, 2, 10),
	}, []string{"source"})
)
