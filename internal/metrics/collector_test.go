package metrics

import (
	"sync/atomic"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"

	"github.com/astate-project/astate-transport/internal/engine"
)

type fakeEngine struct {
	port    int
	sampler *engine.PerfSampler
}

func (f fakeEngine) GetBindPort() int                  { return f.port }
func (f fakeEngine) PerfSampler() *engine.PerfSampler { return f.sampler }

func gatherAll(t *testing.T, c prometheus.Collector) map[string]*dto.MetricFamily {
	t.Helper()
	reg := prometheus.NewRegistry()
	if err := reg.Register(c); err != nil {
		t.Fatalf("register: %v", err)
	}
	mfs, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	out := make(map[string]*dto.MetricFamily, len(mfs))
	for _, mf := range mfs {
		out[mf.GetName()] = mf
	}
	return out
}

func TestCollectorReportsBindPort(t *testing.T) {
	t.Parallel()

	c := NewCollector(fakeEngine{port: 51010, sampler: nil}, nil)
	mfs := gatherAll(t, c)

	mf, ok := mfs["transport_engine_bind_port"]
	if !ok {
		t.Fatalf("missing transport_engine_bind_port metric")
	}
	if got := mf.GetMetric()[0].GetGauge().GetValue(); got != 51010 {
		t.Fatalf("expected bind port 51010, got %v", got)
	}
}

func TestCollectorNilSamplerReportsDisabled(t *testing.T) {
	t.Parallel()

	c := NewCollector(fakeEngine{port: 1, sampler: nil}, nil)
	mfs := gatherAll(t, c)

	mf := mfs["transport_perf_sampler_enabled"]
	if got := mf.GetMetric()[0].GetGauge().GetValue(); got != 0 {
		t.Fatalf("expected 0 for nil sampler, got %v", got)
	}
}

func TestCollectorWithEnabledSamplerReportsTicks(t *testing.T) {
	t.Parallel()

	var lastTransfer atomic.Int64
	sampler := engine.NewPerfSampler(nil, nil, true, 100, &lastTransfer, nil)
	c := NewCollector(fakeEngine{port: 2, sampler: sampler}, nil)
	mfs := gatherAll(t, c)

	if got := mfs["transport_perf_sampler_enabled"].GetMetric()[0].GetGauge().GetValue(); got != 1 {
		t.Fatalf("expected enabled=1, got %v", got)
	}
	if got := mfs["transport_perf_sampler_ticks_total"].GetMetric()[0].GetCounter().GetValue(); got != 0 {
		t.Fatalf("expected zero ticks for a fresh sampler, got %v", got)
	}
}
