// Command transferengined brings up a single transport engine instance,
// exposing its lifecycle and perf-sampler state over Prometheus, following
// the signal-handling and graceful-shutdown shape of the exporter daemon
// this repo is descended from.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/astate-project/astate-transport/internal/backend"
	"github.com/astate-project/astate-transport/internal/config"
	"github.com/astate-project/astate-transport/internal/engine"
	"github.com/astate-project/astate-transport/internal/metrics"
	"github.com/astate-project/astate-transport/internal/topology"
)

var (
	version = "0.1.0"
	commit  = "unknown"
)

func main() {
	cfg, err := config.Parse(os.Args[1:])
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			os.Exit(0)
		}
		os.Exit(2)
	}

	if cfg.ShowVersion {
		fmt.Printf("transferengined v%s\ncommit: %s\nbuilt with: %s\n", version, commit, runtime.Version())
		os.Exit(0)
	}

	logger := newLogger(cfg.LogLevel)
	logger.Info("starting transfer engine daemon",
		"listen_address", cfg.ListenAddress,
		"metrics_path", cfg.MetricsPath,
		"health_path", cfg.HealthPath,
		"sysfs_root", cfg.SysfsRoot,
		"backend", cfg.Backend,
		"fixed_port", cfg.FixedPort,
		"local_port", cfg.LocalPort,
	)

	b, err := newBackend(cfg.Backend)
	if err != nil {
		logger.Error("unsupported backend", "backend", cfg.Backend, "err", err)
		os.Exit(2)
	}

	gpuProvider := topology.NewNVMLGPUIndexProvider()
	defer gpuProvider.Close()

	selector := topology.NewSelector(cfg.SysfsRoot, topology.RdmamapDeviceLister{}, gpuProvider, logger)

	eng := engine.New(cfg.ToEngineOptions(), engine.ParallelConfig{RoleRank: 0, RoleSize: 1}, b, selector, cfg.SysfsRoot, logger)

	ctx, cancelStart := context.WithTimeout(context.Background(), 30*time.Second)
	ok, err := eng.Start(ctx)
	cancelStart()
	if err != nil || !ok {
		logger.Error("engine failed to start", "err", err)
		os.Exit(1)
	}
	logger.Info("engine started", "bind_port", eng.GetBindPort())

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
		prometheus.NewGoCollector(),
		metrics.NewCollector(eng, logger),
	)

	srv := metrics.New(metrics.Options{
		ListenAddress: cfg.ListenAddress,
		MetricsPath:   cfg.MetricsPath,
		HealthPath:    cfg.HealthPath,
		ScrapeTimeout: cfg.ScrapeTimeout,
	}, registry, logger)

	errCh := make(chan error, 1)
	go func() {
		if serveErr := srv.ListenAndServe(); serveErr != nil {
			errCh <- serveErr
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info("signal received, shutting down", "signal", sig.String())
	case serveErr := <-errCh:
		logger.Error("metrics server exited with error", "err", serveErr)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("metrics server shutdown failed", "err", err)
	}

	eng.Stop()
	logger.Info("shutdown complete")
}

func newBackend(name string) (backend.Backend, error) {
	switch name {
	case "", "rdmamap":
		return backend.NewRdmamap(""), nil
	case "loopback":
		return backend.NewLoopback(), nil
	default:
		return nil, fmt.Errorf("unknown backend %q", name)
	}
}

func newLogger(level slog.Level) *slog.Logger {
	handler := slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level})
	return slog.New(handler)
}
