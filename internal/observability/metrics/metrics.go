// Package metrics exposes the agent's Prometheus collectors: loop phase,
// balance readings, polls, swaps, confirmation latency and HTTP traffic.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shopspring/decimal"
)

const namespace = "dough"

// Collector owns a private registry so tests can create independent instances.
// All methods are safe to call on a nil *Collector.
type Collector struct {
	registry *prometheus.Registry

	phase         *prometheus.GaugeVec
	balance       prometheus.Gauge
	threshold     prometheus.Gauge
	polls         *prometheus.CounterVec
	swaps         *prometheus.CounterVec
	confirmations *prometheus.HistogramVec
	httpRequests  *prometheus.CounterVec
	httpDuration  *prometheus.HistogramVec
}

// New registers every collector on a fresh registry.
func New() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		phase: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "loop_phase",
			Help:      "Current control loop phase (1 for the active phase).",
		}, []string{"phase"}),
		balance: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "balance",
			Help:      "Last observed account balance.",
		}),
		threshold: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "balance_threshold",
			Help:      "Configured rebalance threshold.",
		}),
		polls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "balance_polls_total",
			Help:      "Balance polls by result.",
		}, []string{"result"}),
		swaps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "swaps_total",
			Help:      "Swap attempts by result.",
		}, []string{"result"}),
		confirmations: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "tx_confirmation_seconds",
			Help:      "Time from submission to receipt.",
			Buckets:   []float64{1, 2.5, 5, 10, 20, 30, 60, 120, 300},
		}, []string{"method"}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests processed.",
		}, []string{"handler", "method", "code"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}, []string{"handler", "method"}),
	}
	c.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		c.phase, c.balance, c.threshold, c.polls, c.swaps, c.confirmations,
		c.httpRequests, c.httpDuration,
	)
	return c
}

// Registry returns the underlying registry.
func (c *Collector) Registry() *prometheus.Registry {
	if c == nil {
		return nil
	}
	return c.registry
}

// SetPhase marks phase as the only active one.
func (c *Collector) SetPhase(phase string) {
	if c == nil {
		return
	}
	c.phase.Reset()
	c.phase.WithLabelValues(phase).Set(1)
}

// SetThreshold records the configured threshold.
func (c *Collector) SetThreshold(v decimal.Decimal) {
	if c == nil {
		return
	}
	c.threshold.Set(v.InexactFloat64())
}

// ObservePoll counts a balance poll and, on success, records the reading.
func (c *Collector) ObservePoll(reading decimal.Decimal, err error) {
	if c == nil {
		return
	}
	if err != nil {
		c.polls.WithLabelValues("error").Inc()
		return
	}
	c.polls.WithLabelValues("ok").Inc()
	c.balance.Set(reading.InexactFloat64())
}

// ObserveSwap counts a swap by result: confirmed, failed or skipped.
func (c *Collector) ObserveSwap(result string) {
	if c == nil {
		return
	}
	c.swaps.WithLabelValues(result).Inc()
}

// ObserveConfirmation records confirmation latency for a contract method.
func (c *Collector) ObserveConfirmation(method string, elapsed time.Duration) {
	if c == nil {
		return
	}
	c.confirmations.WithLabelValues(method).Observe(elapsed.Seconds())
}

// ObserveHTTPRequest records metrics about an HTTP request lifecycle.
func (c *Collector) ObserveHTTPRequest(handler, method string, status int, duration time.Duration) {
	if c == nil {
		return
	}
	c.httpRequests.WithLabelValues(handler, method, strconv.Itoa(status)).Inc()
	c.httpDuration.WithLabelValues(handler, method).Observe(duration.Seconds())
}

// Handler exposes the metrics in Prometheus text exposition format.
func (c *Collector) Handler() http.Handler {
	if c == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{Registry: c.registry})
}
