// Package metrics exposes Prometheus metrics for dubbing jobs, provider calls
// and the adaptive rate limiter.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "dubber"

// Collector holds every metric on its own registry.
type Collector struct {
	registry *prometheus.Registry

	jobsSubmitted prometheus.Counter
	jobsRejected  prometheus.Counter
	jobsFinished  *prometheus.CounterVec
	jobDuration   *prometheus.HistogramVec
	jobsActive    prometheus.Gauge

	providerCalls   *prometheus.CounterVec
	providerLatency *prometheus.HistogramVec
	limiterWait     *prometheus.HistogramVec
}

// NewCollector creates and registers all metrics.
func NewCollector() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		jobsSubmitted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_submitted_total",
			Help:      "Total number of dubbing jobs admitted",
		}),
		jobsRejected: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_rejected_total",
			Help:      "Total number of submissions rejected because a job was already active",
		}),
		jobsFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_finished_total",
			Help:      "Total number of jobs that reached a terminal status",
		}, []string{"status"}),
		jobDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "job_duration_seconds",
			Help:      "Wall time from processing start to terminal status",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 14),
		}, []string{"status"}),
		jobsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "jobs_active",
			Help:      "Number of jobs currently running",
		}),
		providerCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "provider_calls_total",
			Help:      "Provider calls by outcome",
		}, []string{"provider", "outcome"}),
		providerLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "provider_call_duration_seconds",
			Help:      "Provider call latency",
			Buckets:   prometheus.DefBuckets,
		}, []string{"provider"}),
		limiterWait: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "limiter_wait_seconds",
			Help:      "Time spent waiting on the rate limiter before a provider call",
			Buckets:   []float64{0.1, 0.25, 0.5, 1, 2, 4, 8, 16, 30, 60},
		}, []string{"provider"}),
	}

	c.registry.MustRegister(
		c.jobsSubmitted,
		c.jobsRejected,
		c.jobsFinished,
		c.jobDuration,
		c.jobsActive,
		c.providerCalls,
		c.providerLatency,
		c.limiterWait,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return c
}

// Registry returns the registry backing the collector.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Handler serves the metrics in the Prometheus text format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// RecordSubmitted counts an admitted job.
func (c *Collector) RecordSubmitted() {
	if c == nil {
		return
	}
	c.jobsSubmitted.Inc()
	c.jobsActive.Inc()
}

// RecordRejected counts a submission refused with a conflict.
func (c *Collector) RecordRejected() {
	if c == nil {
		return
	}
	c.jobsRejected.Inc()
}

// RecordFinished counts a job reaching status after running for d.
func (c *Collector) RecordFinished(status string, d time.Duration) {
	if c == nil {
		return
	}
	c.jobsActive.Dec()
	c.jobsFinished.WithLabelValues(status).Inc()
	c.jobDuration.WithLabelValues(status).Observe(d.Seconds())
}

// RecordProviderCall counts one provider call and its latency. outcome is
// success, rate_limited, transient or permanent.
func (c *Collector) RecordProviderCall(provider, outcome string, d time.Duration) {
	if c == nil {
		return
	}
	c.providerCalls.WithLabelValues(provider, outcome).Inc()
	c.providerLatency.WithLabelValues(provider).Observe(d.Seconds())
}

// RecordLimiterWait observes a limiter delay.
func (c *Collector) RecordLimiterWait(provider string, d time.Duration) {
	if c == nil {
		return
	}
	c.limiterWait.WithLabelValues(provider).Observe(d.Seconds())
}
