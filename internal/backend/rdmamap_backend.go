package backend

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/Mellanox/rdmamap"
)

// Rdmamap is a Backend whose device/perf introspection is grounded on
// github.com/Mellanox/rdmamap — the same library the teacher exporter uses
// to enumerate devices and read sysfs port counters. Its control-plane
// listener and data-plane transfer are delegated to an embedded Loopback,
// since the retrieval pack carries no portable pure-Go ibverbs binding for
// the data path (see DESIGN.md's Open Question, carried from spec.md §9).
type Rdmamap struct {
	*Loopback
	devicePattern string
}

// NewRdmamap constructs an Rdmamap backend. devicePattern restricts
// PrintPerf/perf-dump reporting to a single device name; an empty pattern
// reports the first device rdmamap discovers.
func NewRdmamap(devicePattern string) *Rdmamap {
	return &Rdmamap{Loopback: NewLoopback(), devicePattern: devicePattern}
}

func (r *Rdmamap) Setup(ctx context.Context, cfg SetupConfig) (Context, error) {
	if cfg.DevicePattern != "" {
		r.devicePattern = cfg.DevicePattern
	}
	return r.Loopback.Setup(ctx, cfg)
}

// PrintPerf renders real sysfs port counters for the configured (or first
// discovered) RDMA device via rdmamap, falling back to a diagnostic string
// when no devices are visible (e.g. running off-cluster in CI).
func (r *Rdmamap) PrintPerf(bctx Context) string {
	device := r.devicePattern
	if device == "" {
		devices := rdmamap.GetRdmaDeviceList()
		if len(devices) == 0 {
			return "rdmamap perf: no rdma devices visible"
		}
		device = devices[0]
	}

	stats, err := rdmamap.GetRdmaSysfsAllPortsStats(device)
	if err != nil {
		return fmt.Sprintf("rdmamap perf: device=%s err=%v", device, err)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "rdmamap perf: device=%s", device)
	for _, port := range stats.PortStats {
		fmt.Fprintf(&b, " port=%d", port.Port)
		for _, stat := range port.Stats {
			fmt.Fprintf(&b, " %s=%s", stat.Name, strconv.FormatUint(stat.Value, 10))
		}
		for _, stat := range port.HwStats {
			fmt.Fprintf(&b, " hw_%s=%s", stat.Name, strconv.FormatUint(stat.Value, 10))
		}
	}
	return b.String()
}
