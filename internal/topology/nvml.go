package topology

import (
	"os"
	"strconv"
	"strings"
	"sync"

	"github.com/NVIDIA/go-nvml/pkg/nvml"
)

// ActiveDeviceEnvVar is read by NVMLGPUIndexProvider as the caller's active
// CUDA device index. The engine never owns a CUDA context itself (spec.md
// keeps tensor addressing and GPU runtime ownership with the caller), so the
// index is supplied by the embedding process; NVML is used only to confirm
// the index names a real, present device before it is trusted.
const ActiveDeviceEnvVar = "ASTATE_ACTIVE_CUDA_DEVICE"

// NVMLGPUIndexProvider implements GPUIndexProvider using
// github.com/NVIDIA/go-nvml to validate a caller-supplied device index
// against the host's visible GPUs.
type NVMLGPUIndexProvider struct {
	once sync.Once
	ok   bool
}

// NewNVMLGPUIndexProvider returns a provider that lazily initializes NVML on
// first use. NVML init failure (no driver, no GPU, permissions) is not
// fatal: ActiveDeviceIndex simply reports ok=false and callers fall back to
// rank-based selection, per spec.md §4.1's failure semantics.
func NewNVMLGPUIndexProvider() *NVMLGPUIndexProvider {
	return &NVMLGPUIndexProvider{}
}

func (p *NVMLGPUIndexProvider) init() {
	p.once.Do(func() {
		p.ok = nvml.Init() == nvml.SUCCESS
	})
}

// ActiveDeviceIndex returns the device index from ActiveDeviceEnvVar if it
// names a valid, present NVML device.
func (p *NVMLGPUIndexProvider) ActiveDeviceIndex() (int, bool) {
	raw := strings.TrimSpace(os.Getenv(ActiveDeviceEnvVar))
	if raw == "" {
		return 0, false
	}
	index, err := strconv.Atoi(raw)
	if err != nil || index < 0 {
		return 0, false
	}

	p.init()
	if !p.ok {
		return 0, false
	}

	count, ret := nvml.DeviceGetCount()
	if ret != nvml.SUCCESS || index >= count {
		return 0, false
	}
	return index, true
}

// Close releases NVML resources. Safe to call even if Init never succeeded.
func (p *NVMLGPUIndexProvider) Close() {
	if p.ok {
		_ = nvml.Shutdown()
	}
}
