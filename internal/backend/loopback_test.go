package backend

import (
	"context"
	"testing"
	"unsafe"
)

func TestLoopbackWriteCopiesLocalIntoRemote(t *testing.T) {
	t.Parallel()

	lb := NewLoopback()
	ctx := context.Background()
	bctx, err := lb.Setup(ctx, SetupConfig{})
	if err != nil {
		t.Fatalf("Setup: %v", err)
	}

	local := []byte("hello-transport")
	remote := make([]byte, len(local))

	localAddr := uintptr(unsafe.Pointer(&local[0]))
	remoteAddr := uint64(uintptr(unsafe.Pointer(&remote[0])))

	if _, err := lb.RegisterRAM(bctx, localAddr, uint64(len(local)), -1); err != nil {
		t.Fatalf("RegisterRAM local: %v", err)
	}
	if _, err := lb.RegisterRAM(bctx, uintptr(remoteAddr), uint64(len(remote)), -1); err != nil {
		t.Fatalf("RegisterRAM remote: %v", err)
	}

	op, err := lb.ExecTransfer(ctx, bctx, TransferRequest{
		Opcode:     OpWrite,
		LocalAddr:  localAddr,
		Length:     uint64(len(local)),
		RemoteAddr: remoteAddr,
	}, TransferConfig{Pollers: DefaultPollers, ChunkSize: DefaultChunkSize})
	if err != nil {
		t.Fatalf("ExecTransfer: %v", err)
	}
	defer lb.ReleaseOp(op)

	status, err := lb.TransferResult(op)
	if err != nil {
		t.Fatalf("TransferResult: %v", err)
	}
	if status != StatusSuccess {
		t.Fatalf("expected success, got %v", status)
	}
	if string(remote) != string(local) {
		t.Fatalf("expected remote to equal local, got %q", remote)
	}
}

func TestLoopbackExecTransferFailsNTimes(t *testing.T) {
	t.Parallel()

	lb := NewLoopback()
	lb.FailNext = 2
	ctx := context.Background()
	bctx, _ := lb.Setup(ctx, SetupConfig{})

	buf := make([]byte, 8)
	addr := uintptr(unsafe.Pointer(&buf[0]))
	lb.RegisterRAM(bctx, addr, 8, -1)

	for i := 0; i < 2; i++ {
		op, err := lb.ExecTransfer(ctx, bctx, TransferRequest{Opcode: OpWrite, LocalAddr: addr, Length: 8, RemoteAddr: uint64(addr)}, TransferConfig{})
		if err != nil {
			t.Fatalf("ExecTransfer returned error: %v", err)
		}
		if op != nil {
			t.Fatalf("expected nil op handle on failure %d", i)
		}
	}

	op, err := lb.ExecTransfer(ctx, bctx, TransferRequest{Opcode: OpWrite, LocalAddr: addr, Length: 8, RemoteAddr: uint64(addr)}, TransferConfig{})
	if err != nil || op == nil {
		t.Fatalf("expected success on 3rd attempt, got op=%v err=%v", op, err)
	}
}

func TestLoopbackDeregisterUnregisteredReturnsFalse(t *testing.T) {
	t.Parallel()

	lb := NewLoopback()
	if lb.Deregister(&loopbackContext{}, 1, 1) {
		t.Fatalf("expected false deregistering an unregistered region")
	}
}

func TestLoopbackRegisterNullIsError(t *testing.T) {
	t.Parallel()

	lb := NewLoopback()
	if _, err := lb.RegisterRAM(&loopbackContext{}, 0, 8, -1); err != ErrNullHandle {
		t.Fatalf("expected ErrNullHandle, got %v", err)
	}
}
