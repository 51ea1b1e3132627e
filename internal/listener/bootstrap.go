// Package listener brings up the control-plane RPC listener, either on a
// fixed port or by scanning a randomized window of ports, per spec.md
// §4.3.
package listener

import (
	"log/slog"
	"math/rand"

	"github.com/astate-project/astate-transport/internal/backend"
	"github.com/astate-project/astate-transport/internal/retry"
)

const (
	// ScanBase is the low end of the scan-mode port window (spec.md §6).
	ScanBase = 51010
	// ScanJitterWindow is the size of the random offset drawn once per
	// Start (spec.md §4.3 step 1: "r in [0, 1000]").
	ScanJitterWindow = 1000
	// MaxBindRetry bounds scan-mode attempts (spec.md's kBindPortMaxRetry).
	MaxBindRetry = 32
)

// Bootstrap brings up bctx's RPC listener and returns the bound port.
//
// Fixed-port mode sets the listener port to localPort and makes a single
// setup attempt. Scan mode draws one random offset, then tries
// MaxBindRetry consecutive ports starting at ScanBase+offset, using the
// generic counting retry policy with no sleep (spec.md §4.3).
func Bootstrap(b backend.Backend, bctx backend.Context, fixedPort bool, localPort int, logger *slog.Logger) (boundPort int, ok bool) {
	if logger == nil {
		logger = slog.Default()
	}

	if fixedPort {
		b.SetListenerPort(bctx, localPort)
		if err := b.SetupRPCServer(bctx); err != nil {
			logger.Warn("listener: fixed-port bind failed", "port", localPort, "err", err)
			return 0, false
		}
		return localPort, true
	}

	base := ScanBase + rand.Intn(ScanJitterWindow+1)
	policy := retry.NewCounting(MaxBindRetry - 1)

	attempt := 0
	var bound int
	err := retry.Retry("bind_port", logger, policy, func() error {
		port := base + attempt
		attempt++
		b.SetListenerPort(bctx, port)
		if err := b.SetupRPCServer(bctx); err != nil {
			logger.Warn("listener: scan-mode bind attempt failed", "port", port, "err", err)
			return err
		}
		bound = port
		return nil
	})
	if err != nil {
		logger.Warn("listener: scan-mode bind exhausted all attempts", "attempts", MaxBindRetry, "base", base)
		return 0, false
	}
	return bound, true
}
