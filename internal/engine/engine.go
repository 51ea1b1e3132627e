// Package engine implements the transport engine core (spec.md §4.4, §4.6,
// §4.8): Start/Stop lifecycle, memory registration, and composition of the
// topology probe, backend, listener bootstrapper, retry policy, and perf
// sampler into the public transport API.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/astate-project/astate-transport/internal/backend"
	"github.com/astate-project/astate-transport/internal/listener"
	"github.com/astate-project/astate-transport/internal/topology"
)

type regionKey struct {
	addr uintptr
	len  uint64
}

// Engine is the public transport core (spec.md §6's External Interfaces
// table). The zero value is not usable; construct with New.
type Engine struct {
	opts     Options
	parallel ParallelConfig
	backend  backend.Backend
	selector *topology.Selector
	sysfsRoot string
	logger   *slog.Logger

	state      atomic.Int32
	stopMu     sync.Mutex
	bctx       backend.Context
	boundPort  atomic.Int32
	rdmaNUMANode int

	regionsMu sync.Mutex
	regions   map[regionKey]backend.MemoryRegion

	lastTransferMs atomic.Int64

	perf *PerfSampler
}

// New constructs an Engine. b and selector are required collaborators; a
// nil logger falls back to slog.Default().
func New(opts Options, parallel ParallelConfig, b backend.Backend, selector *topology.Selector, sysfsRoot string, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	e := &Engine{
		opts:      opts,
		parallel:  parallel,
		backend:   b,
		selector:  selector,
		sysfsRoot: sysfsRoot,
		logger:    logger,
		regions:   make(map[regionKey]backend.MemoryRegion),
		rdmaNUMANode: topology.UnknownNUMANode,
	}
	e.state.Store(int32(stateNew))
	return e
}

func (e *Engine) currentState() state { return state(e.state.Load()) }

// Start brings up the backend context and control-plane listener, selects
// RDMA devices, optionally pins this goroutine's OS thread to the primary
// NIC's NUMA node, starts the perf sampler, and sleeps for StartupWarmup
// before returning (spec.md §4.4, §4.1, §5, §9).
func (e *Engine) Start(ctx context.Context) (bool, error) {
	if !e.state.CompareAndSwap(int32(stateNew), int32(stateStarting)) {
		return false, ErrAlreadyRunning
	}

	devices := e.selector.Select(e.parallel.RoleRank, e.opts.MaxRdmaDevices)
	e.rdmaNUMANode = topology.PrimaryNUMANode(e.sysfsRoot, devices)

	devicePattern := ""
	if len(devices) > 0 {
		devicePattern = devices[0]
	}

	bctx, err := e.backend.Setup(ctx, backend.SetupConfig{
		LocalAddress:  e.opts.LocalAddress,
		DevicePattern: devicePattern,
		NumPollers:    e.opts.NumPollers,
	})
	if err != nil {
		e.state.Store(int32(stateNew))
		return false, fmt.Errorf("%w: %s", ErrBackendSetup, err)
	}
	e.bctx = bctx

	if e.opts.EnableNUMA {
		if unlock, err := topology.PinCurrentThreadToNUMANode(e.sysfsRoot, e.rdmaNUMANode); err != nil {
			e.logger.Warn("engine: numa pinning failed, continuing without it", "node", e.rdmaNUMANode, "err", err)
		} else {
			unlock()
		}
	}

	port, ok := listener.Bootstrap(e.backend, e.bctx, e.opts.FixedPort, e.opts.LocalPort, e.logger)
	if !ok {
		e.backend.Clean(e.bctx)
		e.state.Store(int32(stateNew))
		return false, fmt.Errorf("%w: listener bring-up failed", ErrBackendSetup)
	}
	e.boundPort.Store(int32(port))

	e.perf = NewPerfSampler(e.backend, e.bctx, e.opts.EnablePerfMetrics, e.opts.PerfStatsIntervalMs, &e.lastTransferMs, e.logger)
	e.perf.Start()

	e.state.Store(int32(stateRunning))

	time.Sleep(StartupWarmup)
	return true, nil
}

// Stop idempotently tears the engine down: it joins the perf sampler before
// destroying the backend context (spec.md §4.7's hard ordering invariant),
// guarded so a second Stop is a no-op (spec.md §4.8).
func (e *Engine) Stop() {
	e.stopMu.Lock()
	defer e.stopMu.Unlock()

	if !e.state.CompareAndSwap(int32(stateRunning), int32(stateStopping)) {
		return
	}

	if e.perf != nil {
		e.perf.Stop()
	}
	e.backend.Clean(e.bctx)
	e.state.Store(int32(stateTerminated))
}

// GetBindPort returns the port recorded during Start; meaningful only after
// a successful Start (spec.md §4.3, §8 invariant 1).
func (e *Engine) GetBindPort() int { return int(e.boundPort.Load()) }

// GetWriteTimeout returns the configured write timeout in ms.
func (e *Engine) GetWriteTimeout() int64 { return e.opts.WriteTimeoutMs }

// GetReadTimeout returns the configured read timeout in ms.
func (e *Engine) GetReadTimeout() int64 { return e.opts.ReadTimeoutMs }

// GetLocalServerName returns the configured local address.
func (e *Engine) GetLocalServerName() string { return e.opts.LocalAddress }

// GetMetaAddr returns the configured meta-service address.
func (e *Engine) GetMetaAddr() string { return e.opts.MetaServiceAddress }

// PerfSampler returns the engine's sampler, or nil before a successful
// Start. When perf metrics are disabled the sampler still exists but its
// worker is never started. Used to wire Prometheus exposition.
func (e *Engine) PerfSampler() *PerfSampler { return e.perf }

// TopologySnapshot returns the device-selection outcome resolved during
// Start, for diagnostics by upper layers (the original exposes the same
// state off its process-wide singleton topology manager; see DESIGN.md).
func (e *Engine) TopologySnapshot() topology.Snapshot { return e.selector.Snapshot() }

// RegisterMemory registers a buffer as RAM or VRAM (spec.md §4.6). The
// NUMA node used for RAM registration always comes from the engine's
// primary NIC, never from gpuOrNuma — that argument exists for interface
// parity only.
func (e *Engine) RegisterMemory(addr uintptr, length uint64, isVRAM bool, gpuOrNuma int) (bool, error) {
	if e.currentState() != stateRunning {
		return false, notRunningError("RegisterMemory")
	}
	if addr == 0 || length == 0 {
		return false, argumentError("RegisterMemory", fmt.Errorf("null buffer or zero length"))
	}

	var mr backend.MemoryRegion
	var err error
	if isVRAM {
		mr, err = e.backend.RegisterVRAM(e.bctx, addr, length, gpuOrNuma)
	} else {
		mr, err = e.backend.RegisterRAM(e.bctx, addr, length, e.rdmaNUMANode)
	}
	if err != nil || mr == nil {
		return false, fmt.Errorf("%w: %s", ErrBackendSetup, errOrNullHandle(err))
	}

	key := regionKey{addr: addr, len: length}
	e.regionsMu.Lock()
	e.regions[key] = mr
	e.regionsMu.Unlock()

	return true, nil
}

func errOrNullHandle(err error) error {
	if err != nil {
		return err
	}
	return backend.ErrNullHandle
}

// DeregisterMemory releases a registered region. It never raises: an
// unregistered {addr,len}, or a second call for the same pair, simply
// returns false (spec.md §4.6, §8 invariant 2). The backend is the source
// of truth for whether the region was registered; the engine's own map is
// bookkeeping for the opaque handle only, per spec.md §3's ownership note.
func (e *Engine) DeregisterMemory(addr uintptr, length uint64) bool {
	if e.currentState() != stateRunning {
		return false
	}

	ok := e.backend.Deregister(e.bctx, addr, length)

	key := regionKey{addr: addr, len: length}
	e.regionsMu.Lock()
	delete(e.regions, key)
	e.regionsMu.Unlock()

	return ok
}
