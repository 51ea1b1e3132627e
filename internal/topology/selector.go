package topology

import (
	"fmt"
	"log/slog"
	"path/filepath"
	"sort"
	"sync"

	"github.com/Mellanox/rdmamap"
)

// Snapshot is the most recently resolved device-selection outcome. The
// original keeps this state on its process-wide singleton
// GpuTopologyManager and upper layers query it for diagnostics; here it is
// owned by the Selector instead (DESIGN.md's "make it owned by the engine
// or passed as a dependency" resolution of spec.md §9's global-state note).
type Snapshot struct {
	Devices         []string
	PrimaryNUMANode int
	GPUIndex        int
	GPUActive       bool
}

// GPUIndexProvider reports the active CUDA device index for the calling
// process. Implementations wrap a GPU runtime; NVMLGPUIndexProvider is the
// default. It is a narrow interface so the selector has no hard dependency
// on a GPU runtime being present (spec.md §4.1 step 1).
type GPUIndexProvider interface {
	// ActiveDeviceIndex returns the active CUDA device index, or ok=false
	// if none is active or the runtime is unavailable.
	ActiveDeviceIndex() (index int, ok bool)
}

// DeviceLister enumerates RDMA device names visible on this host. The
// default implementation is backed by rdmamap.GetRdmaDeviceList.
type DeviceLister interface {
	Devices() ([]string, error)
}

// RdmamapDeviceLister lists devices via github.com/Mellanox/rdmamap,
// grounding spec.md's device-selection algorithm on a real sysfs-backed
// enumeration rather than a hand-rolled directory walk.
type RdmamapDeviceLister struct{}

func (RdmamapDeviceLister) Devices() ([]string, error) {
	return rdmamap.GetRdmaDeviceList(), nil
}

// Selector implements spec.md §4.1's device-selection algorithm.
type Selector struct {
	sysfsRoot string
	lister    DeviceLister
	gpu       GPUIndexProvider
	logger    *slog.Logger

	snapshotMu sync.Mutex
	snapshot   Snapshot
}

// NewSelector builds a Selector. A nil gpu disables the GPU-aware branch
// and falls straight to rank-based selection, matching spec.md's
// "otherwise" clause.
func NewSelector(sysfsRoot string, lister DeviceLister, gpu GPUIndexProvider, logger *slog.Logger) *Selector {
	if lister == nil {
		lister = RdmamapDeviceLister{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Selector{sysfsRoot: sysfsRoot, lister: lister, gpu: gpu, logger: logger}
}

// Select returns up to max device names per spec.md §4.1: GPU-topology
// ordering when an active GPU is present, otherwise a deterministic
// rank-based partition. An empty result is a warning, never an error — the
// backend falls back to its own default device when given no pattern.
func (s *Selector) Select(roleRank, maxDevices int) []string {
	devices, err := s.lister.Devices()
	if err != nil {
		s.logger.Warn("topology: failed to enumerate rdma devices", "err", err)
		devices = nil
	}
	if len(devices) == 0 {
		s.logger.Warn("topology: no rdma devices visible; backend will use its default device pattern")
		s.recordSnapshot(nil, 0, false)
		return nil
	}
	sort.Strings(devices)

	if s.gpu != nil {
		if idx, ok := s.gpu.ActiveDeviceIndex(); ok && idx >= 0 {
			selected := s.selectByGPU(devices, idx, maxDevices)
			s.recordSnapshot(selected, idx, true)
			return selected
		}
	}
	selected := s.selectByRank(devices, roleRank, maxDevices)
	s.recordSnapshot(selected, 0, false)
	return selected
}

func (s *Selector) recordSnapshot(selected []string, gpuIndex int, gpuActive bool) {
	s.snapshotMu.Lock()
	defer s.snapshotMu.Unlock()
	s.snapshot = Snapshot{
		Devices:         selected,
		PrimaryNUMANode: PrimaryNUMANode(s.sysfsRoot, selected),
		GPUIndex:        gpuIndex,
		GPUActive:       gpuActive,
	}
}

// Snapshot returns the outcome of the most recent Select call, or the zero
// Snapshot if Select has never been called. Used for diagnostics by upper
// layers, mirroring the original's singleton topology manager.
func (s *Selector) Snapshot() Snapshot {
	s.snapshotMu.Lock()
	defer s.snapshotMu.Unlock()
	return s.snapshot
}

// selectByGPU orders devices by NUMA-node affinity to the GPU's node,
// closest devices first. The pack carries no portable pure-Go PCIe
// topology library, so affinity is approximated via shared NUMA node
// (spec.md §4.1 explicitly reads the *NUMA* node as the proxy for "closest
// in the topology"; see DESIGN.md for the Open Question this resolves).
func (s *Selector) selectByGPU(devices []string, gpuIndex, maxDevices int) []string {
	gpuNode := gpuNUMANode(s.sysfsRoot, gpuIndex)

	type scored struct {
		name string
		same bool
	}
	scoredDevices := make([]scored, len(devices))
	for i, d := range devices {
		node := ReadDeviceNUMANode(s.sysfsRoot, d)
		scoredDevices[i] = scored{name: d, same: gpuNode != UnknownNUMANode && node == gpuNode}
	}

	sort.SliceStable(scoredDevices, func(i, j int) bool {
		if scoredDevices[i].same != scoredDevices[j].same {
			return scoredDevices[i].same
		}
		return false
	})

	out := make([]string, 0, maxDevices)
	for _, d := range scoredDevices {
		if len(out) == maxDevices {
			break
		}
		out = append(out, d.name)
	}
	return out
}

// selectByRank deterministically partitions devices across ranks: rank r
// starts at device index (r*max)%len(devices) and takes max devices,
// wrapping. Equal ranks always yield equal selections; two ranks share a
// starting offset only when rank*max is equal modulo len(devices) (e.g. with
// 4 devices and max 2, ranks 0 and 2 both start at index 0) (spec.md §4.1).
func (s *Selector) selectByRank(devices []string, roleRank, maxDevices int) []string {
	n := len(devices)
	if maxDevices <= 0 || maxDevices > n {
		maxDevices = n
	}
	if roleRank < 0 {
		roleRank = 0
	}

	start := (roleRank * maxDevices) % n
	out := make([]string, 0, maxDevices)
	for i := 0; i < maxDevices; i++ {
		out = append(out, devices[(start+i)%n])
	}
	return out
}

// PrimaryNUMANode returns the NUMA node of the first selected device, used
// by the engine as rdma_numa_node (spec.md §4.1).
func PrimaryNUMANode(sysfsRoot string, selected []string) int {
	if len(selected) == 0 {
		return UnknownNUMANode
	}
	return ReadDeviceNUMANode(sysfsRoot, selected[0])
}

// gpuNUMANode resolves the NUMA node backing the given GPU index by reading
// /sys/class/drm/card<index>/device/numa_node, mirroring the RDMA device
// path convention read by ReadDeviceNUMANode.
func gpuNUMANode(sysfsRoot string, gpuIndex int) int {
	path := filepath.Join(sysfsRoot, "class", "drm", fmt.Sprintf("card%d", gpuIndex), "device", numaNodeFile)
	return readNUMANodeFile(path)
}
