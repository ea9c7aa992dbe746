package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Upload results recorded on hls_uploads_total.
const (
	ResultSuccess  = "success"
	ResultReadErr  = "read_error"
	ResultPushErr  = "push_error"
	ResultOutboxed = "outboxed"
)

// Metrics holds Prometheus counters and gauges for the HLS publisher.
type Metrics struct {
	registry         *prometheus.Registry
	requestsTotal    prometheus.Counter
	errorsTotal      prometheus.Counter
	requestDuration  prometheus.Histogram
	jobsStartedTotal prometheus.Counter
	jobsStoppedTotal prometheus.Counter
	activeJobs       prometheus.Gauge
	watchersStarted  prometheus.Counter
	artifactsTotal   *prometheus.CounterVec
	uploadsTotal     *prometheus.CounterVec
	uploadDuration   prometheus.Histogram
	uploadRetries    prometheus.Counter
	outboxDrained    prometheus.Counter
	outboxPending    prometheus.Gauge
}

// New creates and registers Prometheus metrics for the publisher.
func New() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,
		requestsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "hls_requests_total",
			Help: "Total number of HTTP requests received",
		}),
		errorsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "hls_errors_total",
			Help: "Total number of HTTP responses with error status (4xx or 5xx)",
		}),
		requestDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "hls_request_duration_seconds",
			Help:    "HTTP request latency",
			Buckets: prometheus.DefBuckets,
		}),
		jobsStartedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "hls_jobs_started_total",
			Help: "Total number of transcode jobs accepted",
		}),
		jobsStoppedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "hls_jobs_stopped_total",
			Help: "Total number of transcode jobs that reached the stopped state",
		}),
		activeJobs: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "hls_active_jobs",
			Help: "Number of transcode jobs that are not stopped",
		}),
		watchersStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "hls_watchers_started_total",
			Help: "Total number of rendition directory watchers armed",
		}),
		artifactsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "hls_artifacts_detected_total",
			Help: "Artifacts detected by rendition watchers, by kind",
		}, []string{"kind"}),
		uploadsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "hls_uploads_total",
			Help: "Artifact uploads by final result",
		}, []string{"result"}),
		uploadDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "hls_upload_duration_seconds",
			Help:    "Time from read start to successful push, including retries",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 12),
		}),
		uploadRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "hls_upload_retries_total",
			Help: "Total number of upload attempts beyond the first",
		}),
		outboxDrained: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "hls_outbox_drained_total",
			Help: "Total number of outbox entries delivered on a later attempt",
		}),
		outboxPending: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "hls_outbox_pending",
			Help: "Number of uploads waiting in the outbox",
		}),
	}

	registry.MustRegister(
		m.requestsTotal,
		m.errorsTotal,
		m.requestDuration,
		m.jobsStartedTotal,
		m.jobsStoppedTotal,
		m.activeJobs,
		m.watchersStarted,
		m.artifactsTotal,
		m.uploadsTotal,
		m.uploadDuration,
		m.uploadRetries,
		m.outboxDrained,
		m.outboxPending,
	)

	return m
}

// IncRequests increments the total request counter.
func (m *Metrics) IncRequests() {
	m.requestsTotal.Inc()
}

// IncErrors increments the errors counter.
func (m *Metrics) IncErrors() {
	m.errorsTotal.Inc()
}

// ObserveRequest records one served HTTP request.
func (m *Metrics) ObserveRequest(status int, d time.Duration) {
	m.IncRequests()
	m.requestDuration.Observe(d.Seconds())
	if status >= 400 {
		m.IncErrors()
	}
}

// IncJobsStarted increments the accepted jobs counter.
func (m *Metrics) IncJobsStarted() {
	m.jobsStartedTotal.Inc()
}

// IncJobsStopped increments the stopped jobs counter.
func (m *Metrics) IncJobsStopped() {
	m.jobsStoppedTotal.Inc()
}

// SetActiveJobs sets the active jobs gauge.
func (m *Metrics) SetActiveJobs(n int) {
	m.activeJobs.Set(float64(n))
}

// IncWatchersStarted increments the armed watchers counter.
func (m *Metrics) IncWatchersStarted() {
	m.watchersStarted.Inc()
}

// IncArtifacts counts one detected artifact of the given kind.
func (m *Metrics) IncArtifacts(kind string) {
	m.artifactsTotal.WithLabelValues(kind).Inc()
}

// ObserveUpload records the final result of one upload and, on success, its duration.
func (m *Metrics) ObserveUpload(result string, d time.Duration) {
	m.uploadsTotal.WithLabelValues(result).Inc()
	if result == ResultSuccess {
		m.uploadDuration.Observe(d.Seconds())
	}
}

// IncUploadRetries increments the retry counter.
func (m *Metrics) IncUploadRetries() {
	m.uploadRetries.Inc()
}

// IncOutboxDrained counts one outbox entry delivered.
func (m *Metrics) IncOutboxDrained() {
	m.outboxDrained.Inc()
}

// SetOutboxPending sets the outbox depth gauge.
func (m *Metrics) SetOutboxPending(n int) {
	m.outboxPending.Set(float64(n))
}

// Handler returns an http.Handler that serves Prometheus metrics.
// updateGauges is called before each scrape to refresh gauge values (e.g. active jobs).
func (m *Metrics) Handler(updateGauges func()) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if updateGauges != nil {
			updateGauges()
		}
		promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}).ServeHTTP(w, r)
	})
}
