package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/astate-project/astate-transport/internal/backend"
	"github.com/astate-project/astate-transport/internal/retry"
)

// Send issues a one-sided RDMA WRITE of length bytes starting at localAddr
// to the peer's opaque remote address (spec.md §4.4).
func (e *Engine) Send(ctx context.Context, localAddr uintptr, length uint64, host string, port int, extend ExtendInfo) (bool, error) {
	return e.transfer(ctx, backend.OpWrite, localAddr, length, host, port, extend, e.opts.SendRetryCount, e.opts.SendRetrySleepMs, e.opts.WriteTimeoutMs)
}

// Receive issues a one-sided RDMA READ of length bytes from the peer's
// opaque remote address into localAddr (spec.md §4.4).
func (e *Engine) Receive(ctx context.Context, localAddr uintptr, length uint64, host string, port int, extend ExtendInfo) (bool, error) {
	return e.transfer(ctx, backend.OpRead, localAddr, length, host, port, extend, e.opts.ReceiveRetryCount, e.opts.ReceiveRetrySleepMs, e.opts.ReadTimeoutMs)
}

// AsyncSend is declared but not implemented in this core: async semantics
// are layered above one-sided transfers by the caller, not below them
// (spec.md §4.4, an explicit design decision).
func (e *Engine) AsyncSend(context.Context, uintptr, uint64, string, int, ExtendInfo) error {
	return ErrNotImplemented
}

// AsyncReceive mirrors AsyncSend's non-implementation.
func (e *Engine) AsyncReceive(context.Context, uintptr, uint64, string, int, ExtendInfo) error {
	return ErrNotImplemented
}

func (e *Engine) transfer(
	ctx context.Context,
	opcode backend.OpCode,
	localAddr uintptr,
	length uint64,
	host string,
	port int,
	extend ExtendInfo,
	retryCount int,
	retrySleepMs int64,
	timeoutMs int64,
) (bool, error) {
	opName := "Send"
	if opcode == backend.OpRead {
		opName = "Receive"
	}

	if e.currentState() != stateRunning {
		return false, notRunningError(opName)
	}
	if localAddr == 0 || length == 0 {
		return false, argumentError(opName, fmt.Errorf("null local buffer or zero length"))
	}
	remoteAddr, ok := extend.RemoteVirtualAddress()
	if !ok {
		return false, argumentError(opName, fmt.Errorf("missing remote virtual address in extend info"))
	}

	policy := retry.NewCountingAndSleep(retryCount, time.Duration(retrySleepMs)*time.Millisecond)

	err := retry.Retry(opName, e.logger, policy, func() error {
		return e.attemptOnce(ctx, opcode, localAddr, length, host, port, remoteAddr, timeoutMs)
	})
	if err != nil {
		e.logger.Warn("transfer failed", "op", opName, "host", host, "port", port, "err", err)
		return false, nil
	}
	return true, nil
}

// attemptOnce runs a single attempt of the per-call procedure in spec.md
// §4.4: resolve the peer, submit the transfer, wait for its result, and
// release the op handle on every path.
func (e *Engine) attemptOnce(ctx context.Context, opcode backend.OpCode, localAddr uintptr, length uint64, host string, port int, remoteAddr uint64, timeoutMs int64) error {
	e.lastTransferMs.Store(nowMs())

	instanceID, err := e.backend.QueryInstanceID(ctx, e.bctx, host, port)
	if err != nil {
		return fmt.Errorf("query instance id for %s:%d: %w", host, port, err)
	}

	req := backend.TransferRequest{
		Opcode:         opcode,
		LocalAddr:      localAddr,
		Length:         length,
		RemoteAddr:     remoteAddr,
		RemoteInstance: instanceID,
	}
	conf := backend.TransferConfig{
		Pollers:   backend.DefaultPollers,
		ChunkSize: backend.DefaultChunkSize,
		TimeoutMs: timeoutMs,
	}

	op, err := e.backend.ExecTransfer(ctx, e.bctx, req, conf)
	if err != nil {
		if op != nil {
			e.backend.ReleaseOp(op)
		}
		return fmt.Errorf("exec transfer: %w", err)
	}
	if op == nil {
		return fmt.Errorf("exec transfer: %w", backend.ErrNullHandle)
	}
	defer e.backend.ReleaseOp(op)

	status, err := e.backend.TransferResult(op)
	if err != nil {
		return fmt.Errorf("transfer result: %w", err)
	}
	if status != backend.StatusSuccess {
		return fmt.Errorf("transfer result: status=%v", status)
	}
	return nil
}

// clockBase anchors nowMs to the Unix epoch; later readings advance on the
// monotonic clock, so wall-clock adjustments do not move them.
var clockBase = time.Now()

// nowMs returns the current monotonic wall-clock time in milliseconds,
// gating the perf sampler (spec.md §4.7).
func nowMs() int64 {
	return clockBase.UnixMilli() + time.Since(clockBase).Milliseconds()
}
