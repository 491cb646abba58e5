package monitoring

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/sells-group/locsync/internal/queue"
)

// Metrics holds the pipeline's Prometheus instruments. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	JobsProcessed    *prometheus.CounterVec
	StageDuration    *prometheus.HistogramVec
	EnrichmentCalls  *prometheus.CounterVec
	CacheLookups     *prometheus.CounterVec
	QueueDepth       *prometheus.GaugeVec
	VersionEvents    prometheus.Counter
	ReplayRecords    *prometheus.CounterVec
	AlertsDispatched *prometheus.CounterVec
}

// NewMetrics registers all instruments on a fresh registry, so several
// instances can coexist in tests.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,
		JobsProcessed: f.NewCounterVec(prometheus.CounterOpts{
			Name: "locsync_jobs_processed_total",
			Help: "Jobs handled by a worker, by stage and outcome",
		}, []string{"stage", "outcome"}),
		StageDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "locsync_stage_duration_seconds",
			Help:    "Wall time spent in a stage handler",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 15, 30, 60, 120},
		}, []string{"stage"}),
		EnrichmentCalls: f.NewCounterVec(prometheus.CounterOpts{
			Name: "locsync_enrichment_calls_total",
			Help: "Enrichment provider calls, by result",
		}, []string{"result"}),
		CacheLookups: f.NewCounterVec(prometheus.CounterOpts{
			Name: "locsync_fingerprint_cache_lookups_total",
			Help: "Fingerprint cache lookups, by result",
		}, []string{"result"}),
		QueueDepth: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "locsync_queue_jobs",
			Help: "Jobs in the queue, by stage and state",
		}, []string{"stage", "state"}),
		VersionEvents: f.NewCounter(prometheus.CounterOpts{
			Name: "locsync_version_events_total",
			Help: "Field change events appended to the version log",
		}),
		ReplayRecords: f.NewCounterVec(prometheus.CounterOpts{
			Name: "locsync_replay_records_total",
			Help: "Archived records handled by the replay feeder, by result",
		}, []string{"result"}),
		AlertsDispatched: f.NewCounterVec(prometheus.CounterOpts{
			Name: "locsync_alerts_total",
			Help: "Operator alerts raised, by type",
		}, []string{"type"}),
	}
}

// ObserveJob records one handled job and how long its stage ran.
func (m *Metrics) ObserveJob(stage, outcome string, start time.Time) {
	if m == nil {
		return
	}
	m.JobsProcessed.WithLabelValues(stage, outcome).Inc()
	m.StageDuration.WithLabelValues(stage).Observe(time.Since(start).Seconds())
}

// ObserveEnrichment records a provider call result: ok, quota, transient or
// permanent.
func (m *Metrics) ObserveEnrichment(result string) {
	if m == nil {
		return
	}
	m.EnrichmentCalls.WithLabelValues(result).Inc()
}

// ObserveCache records a fingerprint cache lookup.
func (m *Metrics) ObserveCache(hit bool) {
	if m == nil {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	m.CacheLookups.WithLabelValues(result).Inc()
}

// AddVersionEvents counts events appended by a reconcile.
func (m *Metrics) AddVersionEvents(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.VersionEvents.Add(float64(n))
}

// ObserveReplay adds n records to the replay result counter.
func (m *Metrics) ObserveReplay(result string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.ReplayRecords.WithLabelValues(result).Add(float64(n))
}

// ObserveAlert counts a raised alert.
func (m *Metrics) ObserveAlert(t AlertType) {
	if m == nil {
		return
	}
	m.AlertsDispatched.WithLabelValues(string(t)).Inc()
}

// SetQueueDepth replaces the queue depth gauges with rows.
func (m *Metrics) SetQueueDepth(rows []queue.DepthRow) {
	if m == nil {
		return
	}
	m.QueueDepth.Reset()
	for _, r := range rows {
		m.QueueDepth.WithLabelValues(string(r.Stage), string(r.State)).Set(float64(r.Count))
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry for tests and extra collectors.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}
