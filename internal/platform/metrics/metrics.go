package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector owns the process registry. A nil *Collector is valid and records
// nothing, so tests can hand one to any component.
type Collector struct {
	registry        *prometheus.Registry
	requests        *prometheus.CounterVec
	requestDuration prometheus.Observer
	submitted       *prometheus.CounterVec
	submitAttempts  *prometheus.HistogramVec
	confirmed       *prometheus.CounterVec
	confirmLatency  *prometheus.HistogramVec
	failed          *prometheus.CounterVec
	reconciliation  *prometheus.CounterVec
	receipts        *prometheus.CounterVec
	jobRuns         *prometheus.CounterVec
	jobDuration     *prometheus.HistogramVec
}

func New() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "payrail_http_requests_total",
			Help: "HTTP requests by status class.",
		}, []string{"code"}),
		submitted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "payrail_settlement_submitted_total",
			Help: "Transfers accepted by the chain gateway.",
		}, []string{"network"}),
		submitAttempts: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "payrail_settlement_submit_attempts",
			Help:    "Submission attempts needed before the gateway accepted a transfer.",
			Buckets: []float64{1, 2, 3, 5, 8},
		}, []string{"network"}),
		confirmed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "payrail_settlement_confirmed_total",
			Help: "Transfers that reached the confirmation threshold.",
		}, []string{"network"}),
		confirmLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "payrail_settlement_confirmation_seconds",
			Help:    "Time from submission to confirmation.",
			Buckets: []float64{5, 15, 30, 60, 120, 300, 600, 1800, 3600},
		}, []string{"network"}),
		failed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "payrail_settlement_failed_total",
			Help: "Failed transfers by low-cardinality reason.",
		}, []string{"network", "reason"}),
		reconciliation: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "payrail_reconciliation_errors_total",
			Help: "Treasury or confirmation reconciliation errors.",
		}, []string{"kind"}),
		receipts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "payrail_receipts_issued_total",
			Help: "Receipts issued by verification outcome.",
		}, []string{"status"}),
		jobRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "payrail_job_runs_total",
			Help: "Background job runs by name and outcome.",
		}, []string{"job", "status"}),
		jobDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "payrail_job_duration_seconds",
			Help:    "Background job latency.",
			Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		}, []string{"job"}),
	}
	duration := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "payrail_http_request_duration_seconds",
		Help:    "HTTP request latency.",
		Buckets: prometheus.DefBuckets,
	})
	c.requestDuration = duration
	c.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		c.requests,
		duration,
		c.submitted,
		c.submitAttempts,
		c.confirmed,
		c.confirmLatency,
		c.failed,
		c.reconciliation,
		c.receipts,
		c.jobRuns,
		c.jobDuration,
	)
	return c
}

func (c *Collector) Handler() http.Handler {
	if c == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{Registry: c.registry})
}

func (c *Collector) Record(status int, duration time.Duration) {
	if c == nil {
		return
	}
	c.requests.WithLabelValues(strconv.Itoa(status/100) + "xx").Inc()
	c.requestDuration.Observe(duration.Seconds())
}

func (c *Collector) SettlementSubmitted(network string, attempts int) {
	if c == nil {
		return
	}
	c.submitted.WithLabelValues(network).Inc()
	c.submitAttempts.WithLabelValues(network).Observe(float64(attempts))
}

func (c *Collector) SettlementConfirmed(network string, latency time.Duration) {
	if c == nil {
		return
	}
	c.confirmed.WithLabelValues(network).Inc()
	c.confirmLatency.WithLabelValues(network).Observe(latency.Seconds())
}

func (c *Collector) SettlementFailed(network, reason string) {
	if c == nil {
		return
	}
	c.failed.WithLabelValues(network, reason).Inc()
}

func (c *Collector) ReconciliationError(kind string) {
	if c == nil {
		return
	}
	c.reconciliation.WithLabelValues(kind).Inc()
}

func (c *Collector) ReceiptIssued(status string) {
	if c == nil {
		return
	}
	c.receipts.WithLabelValues(status).Inc()
}

func (c *Collector) JobRun(job string, err error, duration time.Duration) {
	if c == nil {
		return
	}
	status := "completed"
	if err != nil {
		status = "failed"
	}
	c.jobRuns.WithLabelValues(job, status).Inc()
	c.jobDuration.WithLabelValues(job).Observe(duration.Seconds())
}
