// Package metrics exposes the transport engine's lifecycle and perf-sampler
// state as Prometheus metrics, following the teacher's collector/server split
// (internal/collector, internal/server) but scraping an in-process Engine
// instead of sysfs.
package metrics

import (
	"log/slog"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/astate-project/astate-transport/internal/engine"
)

// EngineStateProvider is the narrow slice of *engine.Engine the collector
// reads. Kept as an interface so tests can substitute a fake without
// standing up a real backend.
type EngineStateProvider interface {
	GetBindPort() int
	PerfSampler() *engine.PerfSampler
}

// EngineCollector implements prometheus.Collector for one Engine.
type EngineCollector struct {
	engine EngineStateProvider
	logger *slog.Logger

	bindPortDesc    *prometheus.Desc
	perfEnabledDesc *prometheus.Desc
	perfTicksDesc   *prometheus.Desc

	collectMu sync.Mutex
}

// NewCollector constructs an EngineCollector for e.
func NewCollector(e EngineStateProvider, logger *slog.Logger) *EngineCollector {
	if logger == nil {
		logger = slog.Default()
	}
	return &EngineCollector{
		engine: e,
		logger: logger,
		bindPortDesc: prometheus.NewDesc(
			"transport_engine_bind_port",
			"The control-plane port the engine's RPC listener is bound to.",
			nil, nil,
		),
		perfEnabledDesc: prometheus.NewDesc(
			"transport_perf_sampler_enabled",
			"1 if the engine's perf sampler was created with perf metrics enabled, 0 otherwise.",
			nil, nil,
		),
		perfTicksDesc: prometheus.NewDesc(
			"transport_perf_sampler_ticks_total",
			"Total number of perf samples taken since Start.",
			nil, nil,
		),
	}
}

// Describe implements prometheus.Collector.
func (c *EngineCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.bindPortDesc
	ch <- c.perfEnabledDesc
	ch <- c.perfTicksDesc
}

// Collect implements prometheus.Collector.
func (c *EngineCollector) Collect(ch chan<- prometheus.Metric) {
	c.collectMu.Lock()
	defer c.collectMu.Unlock()

	ch <- prometheus.MustNewConstMetric(c.bindPortDesc, prometheus.GaugeValue, float64(c.engine.GetBindPort()))

	sampler := c.engine.PerfSampler()
	if sampler == nil {
		ch <- prometheus.MustNewConstMetric(c.perfEnabledDesc, prometheus.GaugeValue, 0)
		ch <- prometheus.MustNewConstMetric(c.perfTicksDesc, prometheus.GaugeValue, 0)
		return
	}

	enabled := 0.0
	if sampler.Enabled() {
		enabled = 1
	}
	ch <- prometheus.MustNewConstMetric(c.perfEnabledDesc, prometheus.GaugeValue, enabled)
	ch <- prometheus.MustNewConstMetric(c.perfTicksDesc, prometheus.CounterValue, float64(sampler.TickCount()))
}
