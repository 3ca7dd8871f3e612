package telemetry

import (
	"net/http"

	"github.com/maxpert/txcore/cfg"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

const namespace = "txcore"

// registry stays nil while Prometheus is disabled; every constructor then
// hands out NoopStat.
var registry *prometheus.Registry

// Histogram, Counter and Gauge are the slices of the Prometheus metric
// types that the lock table and transaction state touch.
type Histogram interface {
	Observe(float64)
}

type Counter interface {
	Inc()
	Add(float64)
}

type Gauge interface {
	Set(float64)
}

// CounterVec selects a counter by label values, in declaration order.
type CounterVec interface {
	With(labels ...string) Counter
}

// NoopStat satisfies every metric interface and records nothing.
type NoopStat struct{}

func (NoopStat) Observe(float64) {}
func (NoopStat) Set(float64)     {}
func (NoopStat) Inc()            {}
func (NoopStat) Add(float64)     {}

type noopCounterVec struct{}

func (noopCounterVec) With(...string) Counter { return NoopStat{} }

type counterVec struct {
	vec *prometheus.CounterVec
}

func (c counterVec) With(values ...string) Counter {
	return c.vec.WithLabelValues(values...)
}

func register[C prometheus.Collector](c C) C {
	registry.MustRegister(c)
	return c
}

func NewCounter(name, help string) Counter {
	if registry == nil {
		return NoopStat{}
	}
	return register(prometheus.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: name, Help: help}))
}

func NewGauge(name, help string) Gauge {
	if registry == nil {
		return NoopStat{}
	}
	return register(prometheus.NewGauge(prometheus.GaugeOpts{Namespace: namespace, Name: name, Help: help}))
}

func NewHistogramWithBuckets(name, help string, buckets []float64) Histogram {
	if registry == nil {
		return NoopStat{}
	}
	return register(prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      name,
		Help:      help,
		Buckets:   buckets,
	}))
}

func NewCounterVec(name, help string, labels []string) CounterVec {
	if registry == nil {
		return noopCounterVec{}
	}
	vec := register(prometheus.NewCounterVec(prometheus.CounterOpts{Namespace: namespace, Name: name, Help: help}, labels))
	return counterVec{vec: vec}
}

// InitializeTelemetry creates the registry when Prometheus is enabled. It
// must run before InitMetrics.
func InitializeTelemetry() {
	if !cfg.Config.Prometheus.Enabled {
		return
	}

	registry = prometheus.NewRegistry()
	registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	registry.MustRegister(collectors.NewGoCollector())

	log.Info().Msg("Prometheus metrics enabled, served by the admin server at /metrics")
}

// GetMetricsHandler returns the Prometheus handler, or nil when metrics are
// disabled.
func GetMetricsHandler() http.Handler {
	if registry == nil {
		return nil
	}
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{Registry: registry})
}
