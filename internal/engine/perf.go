package engine

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/astate-project/astate-transport/internal/backend"
)

// PerfSampler is the background worker described in spec.md §4.7: while
// enabled, it periodically asks the backend for a perf dump, but only when
// a transfer occurred within the last second.
type PerfSampler struct {
	backend backend.Backend
	bctx    backend.Context

	enabled      bool
	intervalMs   atomic.Int64
	lastTransfer *atomic.Int64
	logger       *slog.Logger

	running atomic.Bool
	done    chan struct{}
	wg      sync.WaitGroup

	tickCount  atomic.Int64
	lastSample atomic.Value // string
}

func NewPerfSampler(b backend.Backend, bctx backend.Context, enabled bool, intervalMs int64, lastTransfer *atomic.Int64, logger *slog.Logger) *PerfSampler {
	if intervalMs <= 0 {
		intervalMs = 500
	}
	p := &PerfSampler{
		backend:      b,
		bctx:         bctx,
		enabled:      enabled,
		lastTransfer: lastTransfer,
		logger:       logger,
		done:         make(chan struct{}),
	}
	p.intervalMs.Store(intervalMs)
	return p
}

// SetIntervalMs live-reconfigures the sampling period (spec.md §5: only the
// interval is advertised as tunable at runtime).
func (p *PerfSampler) SetIntervalMs(ms int64) {
	if ms > 0 {
		p.intervalMs.Store(ms)
	}
}

// Start launches the sampler goroutine iff perf metrics are enabled
// (spec.md §8 invariant 5: "if enable_perf_metrics=false, the perf worker
// is never started").
func (p *PerfSampler) Start() {
	if !p.enabled {
		return
	}
	p.running.Store(true)
	p.wg.Add(1)
	go p.loop()
}

func (p *PerfSampler) loop() {
	defer p.wg.Done()

	for {
		interval := time.Duration(p.intervalMs.Load()) * time.Millisecond
		select {
		case <-time.After(interval):
		case <-p.done:
			return
		}

		if !p.running.Load() {
			return
		}

		now := nowMs()
		last := p.lastTransfer.Load()
		if now-last < 1000 {
			dump := p.backend.PrintPerf(p.bctx)
			p.lastSample.Store(dump)
			p.tickCount.Add(1)
			p.logger.Debug("perf sample", "dump", dump)
		}
	}
}

// Stop signals the loop to exit and joins it. The caller must call Stop
// before destroying the backend context (spec.md §4.7's ordering
// invariant).
func (p *PerfSampler) Stop() {
	if !p.running.CompareAndSwap(true, false) {
		return
	}
	close(p.done)
	p.wg.Wait()
}

// LastSample returns the most recent perf dump text, or "" if none has
// been taken yet. Used by the Prometheus exposition in internal/metrics.
func (p *PerfSampler) LastSample() string {
	v, _ := p.lastSample.Load().(string)
	return v
}

// TickCount returns the number of samples taken so far.
func (p *PerfSampler) TickCount() int64 {
	return p.tickCount.Load()
}

// Enabled reports whether this sampler was constructed with perf metrics
// enabled (spec.md §8 invariant 5). Fixed at construction; Start/Stop do not
// change it.
func (p *PerfSampler) Enabled() bool {
	return p.enabled
}
