// Package topology implements the NUMA/topology probe and RDMA device
// selector described by the transport engine: choosing an ordered set of
// RDMA device names for this process and pinning the calling goroutine's
// OS thread to the primary NIC's NUMA node.
package topology

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"
)

const (
	// UnknownNUMANode is returned when a NUMA node cannot be determined,
	// per spec.md §4.1 ("missing/unreadable -> unknown (-1)").
	UnknownNUMANode = -1

	classInfinibandPath = "class/infiniband"
	deviceSubpath        = "device"
	numaNodeFile          = "numa_node"
	nodeCPUListPathFormat = "devices/system/node/node%d/cpulist"
)

// ReadDeviceNUMANode reads /sys/class/infiniband/<dev>/device/numa_node
// under sysfsRoot. Whitespace around the value is tolerated; a missing or
// unreadable file yields UnknownNUMANode rather than an error, matching
// spec.md's filesystem-input contract.
func ReadDeviceNUMANode(sysfsRoot, device string) int {
	path := filepath.Join(sysfsRoot, classInfinibandPath, device, deviceSubpath, numaNodeFile)
	return readNUMANodeFile(path)
}

func readNUMANodeFile(path string) int {
	data, err := os.ReadFile(path)
	if err != nil {
		return UnknownNUMANode
	}
	value, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return UnknownNUMANode
	}
	if value < 0 {
		return UnknownNUMANode
	}
	return value
}

// PinCurrentThreadToNUMANode locks the calling goroutine to its current OS
// thread and restricts that thread's scheduling to the CPUs belonging to
// node, as reported by /sys/devices/system/node/node<N>/cpulist. It is a
// best-effort operation: a node with no discoverable CPU list, or a
// platform that rejects the affinity syscall, is logged by the caller and
// never treated as fatal (spec.md §4.1, "topology init failure ... is
// logged ... never fatal").
//
// Callers that no longer need the pinning (e.g. after Start returns) should
// call runtime.UnlockOSThread via the returned unlock function.
func PinCurrentThreadToNUMANode(sysfsRoot string, node int) (unlock func(), err error) {
	if node < 0 {
		return func() {}, fmt.Errorf("pin to numa node: node is unknown")
	}

	cpus, err := nodeCPUList(sysfsRoot, node)
	if err != nil {
		return func() {}, err
	}
	if len(cpus) == 0 {
		return func() {}, fmt.Errorf("pin to numa node %d: no CPUs listed", node)
	}

	runtime.LockOSThread()

	var mask unix.CPUSet
	for _, cpu := range cpus {
		mask.Set(cpu)
	}
	if err := unix.SchedSetaffinity(0, &mask); err != nil {
		runtime.UnlockOSThread()
		return func() {}, fmt.Errorf("sched_setaffinity to numa node %d: %w", node, err)
	}

	return runtime.UnlockOSThread, nil
}

func nodeCPUList(sysfsRoot string, node int) ([]int, error) {
	path := filepath.Join(sysfsRoot, fmt.Sprintf(nodeCPUListPathFormat, node))
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read cpulist for node %d: %w", node, err)
	}
	return parseCPUList(strings.TrimSpace(string(data)))
}

// parseCPUList parses a Linux cpulist range expression, e.g. "0-3,8,10-11".
func parseCPUList(value string) ([]int, error) {
	if value == "" {
		return nil, nil
	}

	var cpus []int
	for _, part := range strings.Split(value, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		if idx := strings.Index(part, "-"); idx >= 0 {
			lo, err := strconv.Atoi(part[:idx])
			if err != nil {
				return nil, fmt.Errorf("parse cpulist range %q: %w", part, err)
			}
			hi, err := strconv.Atoi(part[idx+1:])
			if err != nil {
				return nil, fmt.Errorf("parse cpulist range %q: %w", part, err)
			}
			for cpu := lo; cpu <= hi; cpu++ {
				cpus = append(cpus, cpu)
			}
			continue
		}
		cpu, err := strconv.Atoi(part)
		if err != nil {
			return nil, fmt.Errorf("parse cpulist entry %q: %w", part, err)
		}
		cpus = append(cpus, cpu)
	}
	return cpus, nil
}
