// Package metrics exposes gateway counters and gauges to Prometheus.
//
// Metrics:
//   - sherpa_bus_state: 0 disconnected, 1 connecting, 2 registered
//   - sherpa_bus_reconnects_total
//   - sherpa_requests_total{operation,result} and
//     sherpa_request_duration_seconds{operation}
//   - sherpa_replies_total{status,delivered} and sherpa_reply_attempts
//   - sherpa_jobs_total{class,outcome}, sherpa_job_duration_seconds{class}
//     and sherpa_jobs_running{class}
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mattjoyce/sherpa-gw/internal/jobs"
	"github.com/mattjoyce/sherpa-gw/internal/lifecycle"
	"github.com/mattjoyce/sherpa-gw/internal/protocol"
)

const namespace = "sherpa"

// Collector owns a private registry so several gateways (or tests) can
// coexist in one process.
type Collector struct {
	registry *prometheus.Registry

	busState   prometheus.Gauge
	reconnects prometheus.Counter

	requests        *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec

	replies      *prometheus.CounterVec
	replyAttempt prometheus.Histogram

	jobs        *prometheus.CounterVec
	jobDuration *prometheus.HistogramVec
}

func NewCollector() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		busState: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "bus_state",
			Help:      "Bus registration state (0 disconnected, 1 connecting, 2 registered).",
		}),
		reconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bus_reconnects_total",
			Help:      "Successful reconnects to the hub.",
		}),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_total",
			Help:      "Requests served by operation and result.",
		}, []string{"operation", "result"}),
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "request_duration_seconds",
			Help:      "Time from request receipt to reply.",
			Buckets:   []float64{0.001, 0.005, 0.025, 0.1, 0.5, 1, 5, 30, 120, 600},
		}, []string{"operation"}),
		replies: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "replies_total",
			Help:      "Reply envelopes by status and whether the bus accepted them.",
		}, []string{"status", "delivered"}),
		replyAttempt: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "reply_attempts",
			Help:      "Send attempts needed per reply.",
			Buckets:   []float64{1, 2, 5, 10, 25, 50, 100},
		}),
		jobs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_total",
			Help:      "Finished worker jobs by class and outcome.",
		}, []string{"class", "outcome"}),
		jobDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "job_duration_seconds",
			Help:      "Worker job wall time.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 14),
		}, []string{"class"}),
	}
	c.registry.MustRegister(
		c.busState, c.reconnects,
		c.requests, c.requestDuration,
		c.replies, c.replyAttempt,
		c.jobs, c.jobDuration,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return c
}

// Registry returns the registry the collector's metrics live in.
func (c *Collector) Registry() *prometheus.Registry { return c.registry }

// Handler serves the registry in the Prometheus text format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{Registry: c.registry})
}

// WatchRegistry exports the live job count of every class.
func (c *Collector) WatchRegistry(reg *jobs.Registry) {
	running := prometheus.NewDesc(prometheus.BuildFQName(namespace, "", "jobs_running"),
		"Live worker jobs by class.", []string{"class"}, nil)
	c.registry.MustRegister(&registryCollector{desc: running, reg: reg})
}

// BusState is a lifecycle OnState hook.
func (c *Collector) BusState(_, to lifecycle.State) {
	c.busState.Set(float64(to))
}

// Reconnected is a lifecycle OnReconnect hook.
func (c *Collector) Reconnected() {
	c.reconnects.Inc()
}

// Request records one served request.
func (c *Collector) Request(operation, result string, elapsed time.Duration) {
	c.requests.WithLabelValues(operation, result).Inc()
	c.requestDuration.WithLabelValues(operation).Observe(elapsed.Seconds())
}

// Reply is a reply.Observer.
func (c *Collector) Reply(env protocol.Envelope, attempts int, delivered bool) {
	c.replies.WithLabelValues(string(env.Status), strconv.FormatBool(delivered)).Inc()
	c.replyAttempt.Observe(float64(attempts))
}

// Job is an Executor.OnFinish hook.
func (c *Collector) Job(j *jobs.Job, out jobs.Outcome) {
	c.jobs.WithLabelValues(string(j.Class), out.Kind.String()).Inc()
	c.jobDuration.WithLabelValues(string(j.Class)).Observe(out.Duration.Seconds())
}

type registryCollector struct {
	desc *prometheus.Desc
	reg  *jobs.Registry
}

func (r *registryCollector) Describe(ch chan<- *prometheus.Desc) { ch <- r.desc }

func (r *registryCollector) Collect(ch chan<- prometheus.Metric) {
	for _, class := range []jobs.Class{jobs.ClassFit, jobs.ClassConfidence, jobs.ClassStatistic} {
		ch <- prometheus.MustNewConstMetric(r.desc, prometheus.GaugeValue, float64(r.reg.Len(class)), string(class))
	}
}
