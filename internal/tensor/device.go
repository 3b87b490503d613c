package tensor

import (
	"fmt"
	"strings"
)

// Device identifies the compute device that owns a tensor's storage.
//
// Buffers are host-resident in this implementation; the device is an
// affinity tag that move operations must preserve byte-for-byte. See the
// accelerator backends for where the tag maps to real device memory.
type Device int

// Supported compute devices.
const (
	CPU Device = iota
	CUDA
	Metal
	WebGPU
)

// String returns a human-readable device name.
func (d Device) String() string {
	switch d {
	case CPU:
		return "cpu"
	case CUDA:
		return "cuda"
	case Metal:
		return "metal"
	case WebGPU:
		return "webgpu"
	default:
		return "unknown"
	}
}

// ParseDevice converts a device name (optionally with an ordinal suffix,
// e.g. "cuda:0") to a Device.
func ParseDevice(s string) (Device, error) {
	name, _, _ := strings.Cut(s, ":")
	switch name {
	case "cpu":
		return CPU, nil
	case "cuda":
		return CUDA, nil
	case "metal":
		return Metal, nil
	case "webgpu":
		return WebGPU, nil
	default:
		return 0, fmt.Errorf("unknown device %q", s)
	}
}
