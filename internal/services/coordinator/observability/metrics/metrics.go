// Package metrics exports coordinator and bus activity as Prometheus
// metrics. Collector implements engine.Recorder and bus.Metrics.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/louisbranch/evcoord/internal/services/coordinator/domain/engine"
)

const namespace = "evcoord"

// Collector owns a registry with every coordinator metric.
type Collector struct {
	registry *prometheus.Registry

	commands        *prometheus.CounterVec
	commandDuration *prometheus.HistogramVec
	conflicts       *prometheus.CounterVec
	published       *prometheus.CounterVec
	delivered       *prometheus.CounterVec
	malformed       *prometheus.CounterVec
	deadLetters     *prometheus.CounterVec
	claimChecks     *prometheus.CounterVec
	claimCheckBytes prometheus.Histogram
}

// New creates a Collector with its own registry, including the Go runtime
// and process collectors.
func New() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		commands: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "coordinator",
				Name:      "commands_total",
				Help:      "Commands handled by outcome.",
			},
			[]string{"domain", "outcome"},
		),
		commandDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "coordinator",
				Name:      "command_duration_seconds",
				Help:      "Duration of command handling.",
				Buckets:   prometheus.ExponentialBuckets(0.001, 2, 12), // 1ms to ~4s
			},
			[]string{"domain"},
		),
		conflicts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "coordinator",
				Name:      "append_conflicts_total",
				Help:      "Appends that lost a sequence race.",
			},
			[]string{"domain"},
		),
		published: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "bus",
				Name:      "published_total",
				Help:      "Event books published by result.",
			},
			[]string{"domain", "result"},
		),
		delivered: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "bus",
				Name:      "deliveries_total",
				Help:      "Handler invocations by subscriber and result.",
			},
			[]string{"subscriber", "domain", "result"},
		),
		malformed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "bus",
				Name:      "malformed_total",
				Help:      "Undecodable messages acknowledged without handling.",
			},
			[]string{"subscriber"},
		),
		deadLetters: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "bus",
				Name:      "dead_letters_total",
				Help:      "Dead letters published by domain and source component.",
			},
			[]string{"domain", "source"},
		),
		claimChecks: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "bus",
				Name:      "claim_checks_total",
				Help:      "Books offloaded to blob storage.",
			},
			[]string{"domain"},
		),
		claimCheckBytes: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "bus",
				Name:      "claim_check_bytes",
				Help:      "Size of offloaded books.",
				Buckets:   prometheus.ExponentialBuckets(64*1024, 2, 10), // 64KiB to 32MiB
			},
		),
	}
	c.registry.MustRegister(
		c.commands,
		c.commandDuration,
		c.conflicts,
		c.published,
		c.delivered,
		c.malformed,
		c.deadLetters,
		c.claimChecks,
		c.claimCheckBytes,
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
		prometheus.NewGoCollector(),
	)
	return c
}

// Handler serves the registry in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// CommandHandled implements engine.Recorder.
func (c *Collector) CommandHandled(domain string, outcome engine.Outcome, elapsed time.Duration) {
	c.commands.WithLabelValues(domain, string(outcome)).Inc()
	c.commandDuration.WithLabelValues(domain).Observe(elapsed.Seconds())
}

// AppendConflict implements engine.Recorder.
func (c *Collector) AppendConflict(domain string) {
	c.conflicts.WithLabelValues(domain).Inc()
}

// Published implements bus.Metrics.
func (c *Collector) Published(domain string, err error) {
	c.published.WithLabelValues(domain, result(err)).Inc()
}

// Delivered implements bus.Metrics.
func (c *Collector) Delivered(subscriber, domain string, err error) {
	c.delivered.WithLabelValues(subscriber, domain, result(err)).Inc()
}

// Malformed implements bus.Metrics.
func (c *Collector) Malformed(subscriber string) {
	c.malformed.WithLabelValues(subscriber).Inc()
}

// DeadLettered implements bus.Metrics.
func (c *Collector) DeadLettered(domain, source string) {
	c.deadLetters.WithLabelValues(domain, source).Inc()
}

// ClaimChecked implements bus.Metrics.
func (c *Collector) ClaimChecked(domain string, size int) {
	c.claimChecks.WithLabelValues(domain).Inc()
	c.claimCheckBytes.Observe(float64(size))
}

func result(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
