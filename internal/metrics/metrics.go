// Package metrics exposes Prometheus collectors for sweeps and generations.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const Namespace = "fluxsweep"

// Outcome labels.
const (
	OutcomeSucceeded = "succeeded"
	OutcomeFailed    = "failed"
	OutcomeTimedOut  = "timed_out"
	OutcomeRejected  = "rejected"
)

// Collector groups the application's metrics on its own registry.
type Collector struct {
	registry *prometheus.Registry

	combinations      *prometheus.CounterVec
	combinationTime   *prometheus.HistogramVec
	sweeps            *prometheus.CounterVec
	activeSweeps      prometheus.Gauge
	generationAttempt *prometheus.CounterVec
	generations       *prometheus.CounterVec
	polls             *prometheus.CounterVec
	httpRequests      *prometheus.CounterVec
}

// New registers every collector on a fresh registry.
func New() *Collector {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	c := &Collector{registry: reg}
	c.combinations = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: Namespace,
		Name:      "sweep_combinations_total",
		Help:      "Sweep combinations attempted, by backend and outcome",
	}, []string{"backend", "outcome"})
	c.combinationTime = factory.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: Namespace,
		Name:      "sweep_combination_duration_seconds",
		Help:      "Time to resolve one sweep combination",
		Buckets:   []float64{1, 5, 10, 30, 60, 120, 300},
	}, []string{"backend"})
	c.sweeps = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: Namespace,
		Name:      "sweeps_total",
		Help:      "Sweeps finished, by terminal state",
	}, []string{"state"})
	c.activeSweeps = factory.NewGauge(prometheus.GaugeOpts{
		Namespace: Namespace,
		Name:      "sweeps_active",
		Help:      "Sweeps currently running",
	})
	c.generationAttempt = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: Namespace,
		Name:      "generation_attempts_total",
		Help:      "Submit and poll cycles made by single generations",
	}, []string{"backend"})
	c.generations = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: Namespace,
		Name:      "generations_total",
		Help:      "Single generations finished, by outcome",
	}, []string{"backend", "outcome"})
	c.polls = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: Namespace,
		Name:      "polls_total",
		Help:      "Status polls sent to image services",
	}, []string{"backend"})
	c.httpRequests = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: Namespace,
		Name:      "http_requests_total",
		Help:      "HTTP API requests, by route and status",
	}, []string{"route", "status"})

	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	return c
}

// Registry exposes the underlying registry.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Handler serves the registry in the Prometheus text format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

func (c *Collector) ObserveCombination(backend, outcome string, duration time.Duration, polls int) {
	if c == nil {
		return
	}
	c.combinations.WithLabelValues(backend, outcome).Inc()
	c.combinationTime.WithLabelValues(backend).Observe(duration.Seconds())
	if polls > 0 {
		c.polls.WithLabelValues(backend).Add(float64(polls))
	}
}

func (c *Collector) SweepStarted() {
	if c == nil {
		return
	}
	c.activeSweeps.Inc()
}

func (c *Collector) SweepFinished(state string) {
	if c == nil {
		return
	}
	c.activeSweeps.Dec()
	c.sweeps.WithLabelValues(state).Inc()
}

func (c *Collector) ObserveGenerationAttempt(backend string) {
	if c == nil {
		return
	}
	c.generationAttempt.WithLabelValues(backend).Inc()
}

func (c *Collector) ObserveGeneration(backend, outcome string) {
	if c == nil {
		return
	}
	c.generations.WithLabelValues(backend, outcome).Inc()
}

func (c *Collector) ObserveHTTP(route string, status int) {
	if c == nil {
		return
	}
	c.httpRequests.WithLabelValues(route, http.StatusText(status)).Inc()
}
