// Package metrics provides Prometheus metrics collection for utter.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/artpar/utter/ports"
)

const namespace = "utter"

// Collector holds all Prometheus metrics for utter.
type Collector struct {
	// Request metrics
	RequestsTotal    *prometheus.CounterVec
	RequestDuration  *prometheus.HistogramVec
	RequestsInFlight prometheus.Gauge

	// Rate limit metrics
	RateLimitDecisions *prometheus.CounterVec
	RateLimitDegraded  *prometheus.CounterVec

	// Ledger metrics
	LedgerEvents *prometheus.CounterVec

	// Task metrics
	TasksFinished   *prometheus.CounterVec
	RunnerQueue     prometheus.Gauge
	ProviderLatency *prometheus.HistogramVec
	ProviderErrors  *prometheus.CounterVec

	// Billing metrics
	WebhookEvents *prometheus.CounterVec

	// Config metrics
	ConfigReloads      prometheus.Counter
	ConfigReloadErrors prometheus.Counter
	ConfigLastReload   prometheus.Gauge
}

var _ ports.Metrics = (*Collector)(nil)

// New creates a collector registered with the default registry.
func New() *Collector {
	return NewWithRegistry(prometheus.DefaultRegisterer)
}

// NewWithRegistry creates a new metrics collector with a custom registry.
// Useful for testing to avoid global state.
func NewWithRegistry(reg prometheus.Registerer) *Collector {
	factory := promauto.With(reg)

	return &Collector{
		RequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "requests_total",
				Help:      "Total number of requests processed",
			},
			[]string{"method", "route", "status"},
		),
		RequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "request_duration_seconds",
				Help:      "Request duration in seconds",
				Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
			},
			[]string{"method", "route"},
		),
		RequestsInFlight: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "requests_in_flight",
				Help:      "Number of requests currently being processed",
			},
		),
		RateLimitDecisions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "rate_limit_decisions_total",
				Help:      "Rate limit decisions by tier and outcome",
			},
			[]string{"tier", "outcome"},
		),
		RateLimitDegraded: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "rate_limit_degraded_total",
				Help:      "Requests decided without the counter store",
			},
			[]string{"tier", "action"},
		),
		LedgerEvents: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "ledger_events_total",
				Help:      "Ledger apply outcomes by kind",
			},
			[]string{"kind", "outcome"},
		),
		TasksFinished: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "tasks_finished_total",
				Help:      "Tasks reaching a terminal status",
			},
			[]string{"type", "status"},
		),
		RunnerQueue: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "runner_queue_depth",
				Help:      "Background units waiting for a worker",
			},
		),
		ProviderLatency: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "provider_call_duration_seconds",
				Help:      "Provider call duration in seconds",
				Buckets:   []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60, 120, 180},
			},
			[]string{"provider", "call"},
		),
		ProviderErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "provider_errors_total",
				Help:      "Provider failures by category",
			},
			[]string{"provider", "category"},
		),
		WebhookEvents: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "webhook_events_total",
				Help:      "Payment webhook deliveries by outcome",
			},
			[]string{"outcome"},
		),
		ConfigReloads: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "config_reloads_total",
				Help:      "Total number of successful config reloads",
			},
		),
		ConfigReloadErrors: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "config_reload_errors_total",
				Help:      "Total number of config reload errors",
			},
		),
		ConfigLastReload: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "config_last_reload_timestamp",
				Help:      "Unix timestamp of last successful config reload",
			},
		),
	}
}

// ObserveRequest records one served request.
func (c *Collector) ObserveRequest(method, route string, status int, d time.Duration) {
	if route == "" {
		route = "unmatched"
	}
	c.RequestsTotal.WithLabelValues(method, route, statusClass(status)).Inc()
	c.RequestDuration.WithLabelValues(method, route).Observe(d.Seconds())
}

func (c *Collector) RateLimitDecision(tier string, allowed bool) {
	outcome := "allowed"
	if !allowed {
		outcome = "limited"
	}
	c.RateLimitDecisions.WithLabelValues(tier, outcome).Inc()
}

func (c *Collector) RateLimiterDegraded(tier string, failClosed bool) {
	action := "fail_open"
	if failClosed {
		action = "fail_closed"
	}
	c.RateLimitDegraded.WithLabelValues(tier, action).Inc()
}

func (c *Collector) LedgerApplied(kind, outcome string) {
	c.LedgerEvents.WithLabelValues(kind, outcome).Inc()
}

func (c *Collector) TaskFinished(typ, status string) {
	c.TasksFinished.WithLabelValues(typ, status).Inc()
}

func (c *Collector) ProviderCall(provider, call string, d time.Duration, category string) {
	c.ProviderLatency.WithLabelValues(provider, call).Observe(d.Seconds())
	if category != "" {
		c.ProviderErrors.WithLabelValues(provider, category).Inc()
	}
}

func (c *Collector) WebhookEvent(outcome string) {
	c.WebhookEvents.WithLabelValues(outcome).Inc()
}

func (c *Collector) RunnerQueueDepth(n int) {
	c.RunnerQueue.Set(float64(n))
}

// ConfigReloaded records a reload attempt.
func (c *Collector) ConfigReloaded(err error) {
	if err != nil {
		c.ConfigReloadErrors.Inc()
		return
	}
	c.ConfigReloads.Inc()
	c.ConfigLastReload.SetToCurrentTime()
}

func statusClass(status int) string {
	if status < 100 || status > 599 {
		return strconv.Itoa(status)
	}
	return strconv.Itoa(status/100) + "xx"
}
