package engine

import (
	"context"
	"log/slog"
	"testing"
	"unsafe"

	"github.com/astate-project/astate-transport/internal/backend"
	"github.com/astate-project/astate-transport/internal/topology"
)

type nullLister struct{}

func (nullLister) Devices() ([]string, error) { return nil, nil }

func testSelector(t *testing.T) *topology.Selector {
	t.Helper()
	return topology.NewSelector(t.TempDir(), nullLister{}, nil, slog.Default())
}

func newTestEngine(t *testing.T, opts Options) (*Engine, *backend.Loopback) {
	t.Helper()
	lb := backend.NewLoopback()
	e := New(opts, ParallelConfig{RoleRank: 0, RoleSize: 1}, lb, testSelector(t), t.TempDir(), slog.Default())
	return e, lb
}

// S1 — fixed-port bring-up.
func TestStartFixedPort(t *testing.T) {
	t.Parallel()

	opts := DefaultOptions()
	opts.FixedPort = true
	opts.LocalPort = 19001
	opts.EnableNUMA = false

	e, _ := newTestEngine(t, opts)
	ok, err := e.Start(context.Background())
	if err != nil || !ok {
		t.Fatalf("Start failed: ok=%v err=%v", ok, err)
	}
	defer e.Stop()

	if e.GetBindPort() != 19001 {
		t.Fatalf("expected bind port 19001, got %d", e.GetBindPort())
	}
}

// S3 — scan exhaustion: Start returns false, no perf thread started, Stop
// is a no-op.
func TestStartScanExhaustionFails(t *testing.T) {
	t.Parallel()

	opts := DefaultOptions()
	opts.FixedPort = false
	opts.EnableNUMA = false

	lb := backend.NewLoopback()
	failing := &alwaysFailSetup{Loopback: lb}
	e := New(opts, ParallelConfig{}, failing, testSelector(t), t.TempDir(), slog.Default())

	ok, err := e.Start(context.Background())
	if ok || err == nil {
		t.Fatalf("expected Start to fail, got ok=%v err=%v", ok, err)
	}
	if e.PerfSampler() != nil {
		t.Fatalf("expected no perf sampler to be created on failed start")
	}

	e.Stop() // must not panic
}

type alwaysFailSetup struct {
	*backend.Loopback
}

func (a *alwaysFailSetup) SetupRPCServer(backend.Context) error {
	return context.DeadlineExceeded
}

// S4 — Send happy path.
func TestSendHappyPath(t *testing.T) {
	t.Parallel()

	opts := DefaultOptions()
	opts.FixedPort = true
	opts.LocalPort = 0
	opts.EnableNUMA = false
	opts.EnablePerfMetrics = false

	e, lb := newTestEngine(t, opts)
	ok, err := e.Start(context.Background())
	if err != nil || !ok {
		t.Fatalf("Start failed: %v %v", ok, err)
	}
	defer e.Stop()

	local := []byte("0123456789abcdef")
	remote := make([]byte, len(local))
	localAddr := uintptr(unsafe.Pointer(&local[0]))
	remoteAddr := uint64(uintptr(unsafe.Pointer(&remote[0])))

	if ok, err := e.RegisterMemory(localAddr, uint64(len(local)), false, -1); err != nil || !ok {
		t.Fatalf("RegisterMemory local failed: %v %v", ok, err)
	}
	if ok, err := e.RegisterMemory(uintptr(remoteAddr), uint64(len(remote)), false, -1); err != nil || !ok {
		t.Fatalf("RegisterMemory remote failed: %v %v", ok, err)
	}

	ok, err = e.Send(context.Background(), localAddr, uint64(len(local)), "peer", 19001, ExtendInfo{remoteAddr})
	if err != nil {
		t.Fatalf("Send returned error: %v", err)
	}
	if !ok {
		t.Fatalf("expected Send to succeed")
	}
	if string(remote) != string(local) {
		t.Fatalf("expected data to be written to remote buffer")
	}
	if e.lastTransferMs.Load() == 0 {
		t.Fatalf("expected last transfer time to be updated")
	}
	_ = lb
}

// S5 — Receive retries then succeeds.
func TestReceiveRetriesThenSucceeds(t *testing.T) {
	t.Parallel()

	opts := DefaultOptions()
	opts.FixedPort = true
	opts.EnableNUMA = false
	opts.EnablePerfMetrics = false
	opts.ReceiveRetryCount = 3
	opts.ReceiveRetrySleepMs = 1

	e, lb := newTestEngine(t, opts)
	ok, err := e.Start(context.Background())
	if err != nil || !ok {
		t.Fatalf("Start failed: %v %v", ok, err)
	}
	defer e.Stop()

	local := make([]byte, 8)
	remote := []byte("abcdefgh")
	localAddr := uintptr(unsafe.Pointer(&local[0]))
	remoteAddr := uint64(uintptr(unsafe.Pointer(&remote[0])))

	e.RegisterMemory(localAddr, 8, false, -1)
	e.RegisterMemory(uintptr(remoteAddr), 8, false, -1)

	lb.FailNext = 2

	ok, err = e.Receive(context.Background(), localAddr, 8, "peer", 19001, ExtendInfo{remoteAddr})
	if err != nil {
		t.Fatalf("Receive returned error: %v", err)
	}
	if !ok {
		t.Fatalf("expected Receive to succeed after retries")
	}
	if string(local) != string(remote) {
		t.Fatalf("expected local buffer to contain remote data")
	}
}

// S6 — argument error is not retried; zero backend submissions.
func TestSendArgumentErrorNoSubmission(t *testing.T) {
	t.Parallel()

	opts := DefaultOptions()
	opts.FixedPort = true
	opts.EnableNUMA = false
	opts.EnablePerfMetrics = false

	e, lb := newTestEngine(t, opts)
	ok, err := e.Start(context.Background())
	if err != nil || !ok {
		t.Fatalf("Start failed: %v %v", ok, err)
	}
	defer e.Stop()

	lb.FailQueryInstanceID = false
	// Each ExecTransfer call consumes one FailNext; an untouched counter
	// means no transfer was submitted.
	lb.FailNext = 1
	ok, sendErr := e.Send(context.Background(), 0, 0, "peer", 1, ExtendInfo{uint64(1)})
	if ok {
		t.Fatalf("expected Send to fail on null buffer")
	}
	if sendErr == nil {
		t.Fatalf("expected an argument error")
	}
	if lb.FailNext != 1 {
		t.Fatalf("expected zero backend submissions, FailNext went from 1 to %d", lb.FailNext)
	}
}

func TestRegisterThenDeregisterThenDeregisterAgainFails(t *testing.T) {
	t.Parallel()

	opts := DefaultOptions()
	opts.FixedPort = true
	opts.EnableNUMA = false
	opts.EnablePerfMetrics = false

	e, _ := newTestEngine(t, opts)
	ok, err := e.Start(context.Background())
	if err != nil || !ok {
		t.Fatalf("Start failed: %v %v", ok, err)
	}
	defer e.Stop()

	buf := make([]byte, 16)
	addr := uintptr(unsafe.Pointer(&buf[0]))

	if ok, err := e.RegisterMemory(addr, 16, false, -1); err != nil || !ok {
		t.Fatalf("RegisterMemory: %v %v", ok, err)
	}
	if !e.DeregisterMemory(addr, 16) {
		t.Fatalf("expected first DeregisterMemory to succeed")
	}
	if e.DeregisterMemory(addr, 16) {
		t.Fatalf("expected second DeregisterMemory to fail")
	}
}

func TestPerfSamplerDisabledRecordsNoSamples(t *testing.T) {
	t.Parallel()

	opts := DefaultOptions()
	opts.FixedPort = true
	opts.EnableNUMA = false
	opts.EnablePerfMetrics = false

	e, _ := newTestEngine(t, opts)
	ok, err := e.Start(context.Background())
	if err != nil || !ok {
		t.Fatalf("Start failed: %v %v", ok, err)
	}
	defer e.Stop()

	if e.PerfSampler() == nil {
		t.Fatalf("expected a PerfSampler instance even when disabled (Start must not be gated)")
	}
	if e.PerfSampler().TickCount() != 0 {
		t.Fatalf("expected zero ticks when perf metrics are disabled")
	}
}

func TestAsyncSendReceiveNotImplemented(t *testing.T) {
	t.Parallel()

	opts := DefaultOptions()
	opts.FixedPort = true
	opts.EnableNUMA = false
	opts.EnablePerfMetrics = false

	e, _ := newTestEngine(t, opts)
	ok, err := e.Start(context.Background())
	if err != nil || !ok {
		t.Fatalf("Start failed: %v %v", ok, err)
	}
	defer e.Stop()

	if err := e.AsyncSend(context.Background(), 1, 1, "peer", 1, nil); err != ErrNotImplemented {
		t.Fatalf("expected ErrNotImplemented, got %v", err)
	}
	if err := e.AsyncReceive(context.Background(), 1, 1, "peer", 1, nil); err != ErrNotImplemented {
		t.Fatalf("expected ErrNotImplemented, got %v", err)
	}
}

func TestTopologySnapshotReflectsStart(t *testing.T) {
	t.Parallel()

	opts := DefaultOptions()
	opts.FixedPort = true
	opts.EnableNUMA = false
	opts.EnablePerfMetrics = false

	e, _ := newTestEngine(t, opts)
	ok, err := e.Start(context.Background())
	if err != nil || !ok {
		t.Fatalf("Start failed: %v %v", ok, err)
	}
	defer e.Stop()

	snap := e.TopologySnapshot()
	if len(snap.Devices) != 0 {
		t.Fatalf("expected no devices selected with a null device lister, got %v", snap.Devices)
	}
}

func TestStopIsIdempotent(t *testing.T) {
	t.Parallel()

	opts := DefaultOptions()
	opts.FixedPort = true
	opts.EnableNUMA = false

	e, _ := newTestEngine(t, opts)
	ok, err := e.Start(context.Background())
	if err != nil || !ok {
		t.Fatalf("Start failed: %v %v", ok, err)
	}

	e.Stop()
	e.Stop() // must not panic or double-clean
}
