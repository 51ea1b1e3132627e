package engine

import (
	"errors"
	"fmt"
	"time"

	"github.com/astate-project/astate-transport/internal/retry"
)

// InfiniteTimeout is the sentinel meaning "wait forever" for read/write
// timeouts, propagated verbatim to the backend (spec.md §3, §5).
const InfiniteTimeout = -1

// Options is the immutable configuration snapshot an Engine is started
// with (spec.md §3's Options entity).
type Options struct {
	MetaServiceAddress string
	LocalAddress        string
	LocalPort           int
	FixedPort           bool

	ReadTimeoutMs  int64
	WriteTimeoutMs int64

	MaxRdmaDevices int
	NumPollers     int

	EnableNUMA bool

	EnablePerfMetrics   bool
	PerfStatsIntervalMs int64

	SendRetryCount      int
	SendRetrySleepMs    int64
	ReceiveRetryCount   int
	ReceiveRetrySleepMs int64
}

// DefaultOptions returns the documented defaults for every tunable, mirroring
// spec.md §6's configuration-key table.
func DefaultOptions() Options {
	return Options{
		LocalPort:           0,
		FixedPort:           false,
		ReadTimeoutMs:       InfiniteTimeout,
		WriteTimeoutMs:      InfiniteTimeout,
		MaxRdmaDevices:      1,
		NumPollers:          4,
		EnableNUMA:          true,
		EnablePerfMetrics:   true,
		PerfStatsIntervalMs: 500,
		SendRetryCount:      3,
		SendRetrySleepMs:    100,
		ReceiveRetryCount:   3,
		ReceiveRetrySleepMs: 100,
	}
}

// ParallelConfig is the role-placement context passed to Start (spec.md §3).
type ParallelConfig struct {
	RoleRank int
	RoleSize int
}

// RemoteAddress is a peer control endpoint (spec.md §3). Compared by value.
type RemoteAddress struct {
	Host string
	Port int
}

func (r RemoteAddress) String() string {
	return fmt.Sprintf("%s:%d", r.Host, r.Port)
}

// ExtendInfo is the ordered, heterogeneous carrier passed to Send/Receive.
// Element 0 must hold the opaque remote virtual address (spec.md §6).
type ExtendInfo []any

// RemoteVirtualAddress extracts the opaque remote address from element 0.
func (e ExtendInfo) RemoteVirtualAddress() (uint64, bool) {
	if len(e) == 0 {
		return 0, false
	}
	switch v := e[0].(type) {
	case uint64:
		return v, true
	case uintptr:
		return uint64(v), true
	case int:
		if v < 0 {
			return 0, false
		}
		return uint64(v), true
	default:
		return 0, false
	}
}

// Errors implementing spec.md §7's taxonomy. ArgumentError and
// BackendSetupError are non-retryable; TransientTransferError is retryable
// and is simply any error not wrapped as non-retryable (see internal/retry).
var (
	ErrArgument        = errors.New("argument error")
	ErrBackendSetup    = errors.New("backend setup error")
	ErrNotImplemented  = errors.New("not implemented")
	ErrNotRunning      = errors.New("engine is not running")
	ErrAlreadyRunning  = errors.New("engine is already running")
)

func argumentError(op string, err error) error {
	return retry.NonRetryable(op, fmt.Errorf("%w: %s", ErrArgument, err))
}

func notRunningError(op string) error {
	return retry.NonRetryable(op, fmt.Errorf("%w: %s", ErrNotRunning, op))
}

// state is the engine lifecycle state machine (spec.md §4.8).
type state int32

const (
	stateNew state = iota
	stateStarting
	stateRunning
	stateStopping
	stateTerminated
)

func (s state) String() string {
	switch s {
	case stateNew:
		return "new"
	case stateStarting:
		return "starting"
	case stateRunning:
		return "running"
	case stateStopping:
		return "stopping"
	case stateTerminated:
		return "terminated"
	default:
		return "unknown"
	}
}

// StartupWarmup is the documented post-Start warm-up sleep, load-bearing
// for the listener to become reachable (spec.md §5, §9).
const StartupWarmup = 1000 * time.Millisecond
