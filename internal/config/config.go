// Package config parses the transport engine's runtime configuration from
// flags and environment variables, following the teacher's envOrDefault +
// flag.FlagSet pattern (internal/config/config.go in the exporter this repo
// is descended from).
package config

import (
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/astate-project/astate-transport/internal/engine"
)

const (
	defaultListenAddress = ":9879"
	defaultMetricsPath   = "/metrics"
	defaultHealthPath    = "/healthz"
	defaultLogLevel      = "info"
	defaultSysfsRoot     = "/sys"
	defaultScrapeTimeout = 5 * time.Second

	defaultLocalPort           = 0
	defaultFixedPort           = false
	defaultReadTimeoutMs       = engine.InfiniteTimeout
	defaultWriteTimeoutMs      = engine.InfiniteTimeout
	defaultNumPollers          = 4
	defaultMaxRdmaDevices      = 1
	defaultEnableNUMA          = true
	defaultEnablePerfMetrics   = true
	defaultPerfStatsIntervalMs = int64(500)
	defaultSendRetryCount      = 3
	defaultSendRetrySleepMs    = int64(100)
	defaultReceiveRetryCount   = 3
	defaultReceiveRetrySleepMs = int64(100)
)

// Config captures every tunable of the transport engine plus the ambient
// process concerns (HTTP exposition, logging) carried over from the
// exporter this module is descended from.
type Config struct {
	ListenAddress string
	MetricsPath   string
	HealthPath    string
	LogLevel      slog.Level
	SysfsRoot     string
	ScrapeTimeout time.Duration
	ShowVersion   bool

	MetaServiceAddress string
	LocalAddress       string
	LocalPort          int
	FixedPort          bool

	ReadTimeoutMs  int64
	WriteTimeoutMs int64

	MaxRdmaDevices int
	NumPollers     int

	Backend string

	EnableNUMA bool

	EnablePerfMetrics   bool
	PerfStatsIntervalMs int64

	SendRetryCount      int
	SendRetrySleepMs    int64
	ReceiveRetryCount   int
	ReceiveRetrySleepMs int64
}

// ToEngineOptions projects the transport-engine-relevant fields into
// engine.Options, leaving the ambient HTTP/logging fields behind.
func (c Config) ToEngineOptions() engine.Options {
	return engine.Options{
		MetaServiceAddress:  c.MetaServiceAddress,
		LocalAddress:        c.LocalAddress,
		LocalPort:           c.LocalPort,
		FixedPort:           c.FixedPort,
		ReadTimeoutMs:       c.ReadTimeoutMs,
		WriteTimeoutMs:      c.WriteTimeoutMs,
		MaxRdmaDevices:      c.MaxRdmaDevices,
		NumPollers:          c.NumPollers,
		EnableNUMA:          c.EnableNUMA,
		EnablePerfMetrics:   c.EnablePerfMetrics,
		PerfStatsIntervalMs: c.PerfStatsIntervalMs,
		SendRetryCount:      c.SendRetryCount,
		SendRetrySleepMs:    c.SendRetrySleepMs,
		ReceiveRetryCount:   c.ReceiveRetryCount,
		ReceiveRetrySleepMs: c.ReceiveRetrySleepMs,
	}
}

// Parse constructs a Config from command-line flags and environment
// variables. Flags take precedence over environment variables, which take
// precedence over the documented defaults (spec.md §6).
func Parse(args []string) (Config, error) {
	var cfg Config

	fs := flag.NewFlagSet("transferengined", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	listen := fs.String("listen-address", envOrDefault("TRANSFER_ENGINE_METRICS_LISTEN_ADDRESS", defaultListenAddress), "Address to listen on for the metrics/health HTTP server.")
	metricsPath := fs.String("metrics-path", envOrDefault("TRANSFER_ENGINE_METRICS_PATH", defaultMetricsPath), "HTTP path under which metrics are served.")
	healthPath := fs.String("health-path", envOrDefault("TRANSFER_ENGINE_HEALTH_PATH", defaultHealthPath), "HTTP path for health checks.")
	logLevel := fs.String("log-level", envOrDefault("TRANSFER_ENGINE_LOG_LEVEL", defaultLogLevel), "Log level (debug, info, warn, error).")
	sysfsRoot := fs.String("sysfs-root", envOrDefault("TRANSFER_ENGINE_SYSFS_ROOT", defaultSysfsRoot), "Root of the sysfs tree to read RDMA/NUMA topology from.")

	scrapeTimeoutDefault, err := envDuration("TRANSFER_ENGINE_SCRAPE_TIMEOUT", defaultScrapeTimeout)
	if err != nil {
		return cfg, err
	}
	scrapeTimeout := fs.Duration("scrape-timeout", scrapeTimeoutDefault, "Maximum duration to spend gathering metrics per scrape.")
	showVersion := fs.Bool("version", false, "Print version information and exit.")

	metaServiceAddress := fs.String("meta-service-address", envOrDefault("TRANSFER_ENGINE_META_SERVICE_ADDRESS", ""), "Address of the metadata service; stored and reported by the engine, which does not contact it.")
	localAddress := fs.String("local-address", envOrDefault("TRANSFER_ENGINE_LOCAL_ADDRESS", ""), "Local server address passed to the backend's Setup; the loopback and rdmamap backends do not bind to it.")

	localPortDefault, err := envInt("TRANSFER_ENGINE_LOCAL_PORT", defaultLocalPort)
	if err != nil {
		return cfg, err
	}
	localPort := fs.Int("local-port", localPortDefault, "Control-plane port used when -fixed-port is set; ignored in scan mode.")

	fixedPortDefault, err := envBool("TRANSFER_ENGINE_SERVICE_FIXED_PORT", defaultFixedPort)
	if err != nil {
		return cfg, err
	}
	fixedPort := fs.Bool("fixed-port", fixedPortDefault, "Bind exactly to -local-port instead of scanning for a free port.")

	readTimeoutDefault, err := envInt64("TRANSFER_ENGINE_READ_TIMEOUT_MS", defaultReadTimeoutMs)
	if err != nil {
		return cfg, err
	}
	readTimeoutMs := fs.Int64("read-timeout-ms", readTimeoutDefault, "Receive timeout in milliseconds; -1 waits forever.")

	writeTimeoutDefault, err := envInt64("TRANSFER_ENGINE_WRITE_TIMEOUT_MS", defaultWriteTimeoutMs)
	if err != nil {
		return cfg, err
	}
	writeTimeoutMs := fs.Int64("write-timeout-ms", writeTimeoutDefault, "Send timeout in milliseconds; -1 waits forever.")

	numPollersDefault, err := envInt("TRANSFER_ENGINE_RDMA_NUM_POLLERS", defaultNumPollers)
	if err != nil {
		return cfg, err
	}
	numPollers := fs.Int("rdma-num-pollers", numPollersDefault, "Polling concurrency hint passed to the backend.")

	maxRdmaDevicesDefault, err := envInt("TRANSFER_ENGINE_MAX_RDMA_DEVICES", defaultMaxRdmaDevices)
	if err != nil {
		return cfg, err
	}
	maxRdmaDevices := fs.Int("max-rdma-devices", maxRdmaDevicesDefault, "Upper bound on the number of RDMA devices selected per process.")

	backendName := fs.String("backend", envOrDefault("TRANSFER_ENGINE_BACKEND", "rdmamap"), "Backend implementation: rdmamap or loopback.")

	enableNUMADefault, err := envBool("TRANSFER_ENGINE_ENABLE_NUMA_ALLOCATION", defaultEnableNUMA)
	if err != nil {
		return cfg, err
	}
	enableNUMA := fs.Bool("enable-numa-allocation", enableNUMADefault, "Pin the Start goroutine's OS thread to the selected NIC's NUMA node.")

	enablePerfMetricsDefault, err := envBool("TRANSFER_ENGINE_ENABLE_PERF_METRICS", defaultEnablePerfMetrics)
	if err != nil {
		return cfg, err
	}
	enablePerfMetrics := fs.Bool("enable-perf-metrics", enablePerfMetricsDefault, "Run the background perf sampler.")

	perfStatsIntervalDefault, err := envInt64("TRANSFER_ENGINE_PERF_STATS_INTERVAL_MS", defaultPerfStatsIntervalMs)
	if err != nil {
		return cfg, err
	}
	perfStatsIntervalMs := fs.Int64("perf-stats-interval-ms", perfStatsIntervalDefault, "Perf sampler polling interval in milliseconds.")

	sendRetryCountDefault, err := envInt("TRANSPORT_SEND_RETRY_COUNT", defaultSendRetryCount)
	if err != nil {
		return cfg, err
	}
	sendRetryCount := fs.Int("send-retry-count", sendRetryCountDefault, "Number of retry attempts for Send, beyond the first.")

	sendRetrySleepDefault, err := envInt64("TRANSPORT_SEND_RETRY_SLEEP_MS", defaultSendRetrySleepMs)
	if err != nil {
		return cfg, err
	}
	sendRetrySleepMs := fs.Int64("send-retry-sleep-ms", sendRetrySleepDefault, "Sleep between Send retry attempts, in milliseconds.")

	receiveRetryCountDefault, err := envInt("TRANSPORT_RECEIVE_RETRY_COUNT", defaultReceiveRetryCount)
	if err != nil {
		return cfg, err
	}
	receiveRetryCount := fs.Int("receive-retry-count", receiveRetryCountDefault, "Number of retry attempts for Receive, beyond the first.")

	receiveRetrySleepDefault, err := envInt64("TRANSPORT_RECEIVE_RETRY_SLEEP_MS", defaultReceiveRetrySleepMs)
	if err != nil {
		return cfg, err
	}
	receiveRetrySleepMs := fs.Int64("receive-retry-sleep-ms", receiveRetrySleepDefault, "Sleep between Receive retry attempts, in milliseconds.")

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return cfg, err
		}
		return cfg, fmt.Errorf("parse flags: %w", err)
	}

	level, err := parseLogLevel(*logLevel)
	if err != nil {
		return cfg, err
	}

	cfg = Config{
		ListenAddress:       *listen,
		MetricsPath:         *metricsPath,
		HealthPath:          *healthPath,
		LogLevel:            level,
		SysfsRoot:           *sysfsRoot,
		ScrapeTimeout:       *scrapeTimeout,
		ShowVersion:         *showVersion,
		MetaServiceAddress:  *metaServiceAddress,
		LocalAddress:        *localAddress,
		LocalPort:           *localPort,
		FixedPort:           *fixedPort,
		ReadTimeoutMs:       *readTimeoutMs,
		WriteTimeoutMs:      *writeTimeoutMs,
		MaxRdmaDevices:      *maxRdmaDevices,
		NumPollers:          *numPollers,
		Backend:             *backendName,
		EnableNUMA:          *enableNUMA,
		EnablePerfMetrics:   *enablePerfMetrics,
		PerfStatsIntervalMs: *perfStatsIntervalMs,
		SendRetryCount:      *sendRetryCount,
		SendRetrySleepMs:    *sendRetrySleepMs,
		ReceiveRetryCount:   *receiveRetryCount,
		ReceiveRetrySleepMs: *receiveRetrySleepMs,
	}
	return cfg, nil
}

func envOrDefault(key, fallback string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return fallback
}

func envBool(key string, fallback bool) (bool, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback, nil
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return false, fmt.Errorf("invalid %s: %w", key, err)
	}
	return v, nil
}

func envInt(key string, fallback int) (int, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return v, nil
}

func envInt64(key string, fallback int64) (int64, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback, nil
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return v, nil
}

func envDuration(key string, fallback time.Duration) (time.Duration, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback, nil
	}
	v, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return v, nil
}

func parseLogLevel(value string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "debug":
		return slog.LevelDebug, nil
	case "info", "":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error", "err":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("invalid log level %q", value)
	}
}
