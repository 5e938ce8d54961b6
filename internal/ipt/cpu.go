package ipt

import (
	"fmt"

	"github.com/klauspost/cpuid/v2"
)

// Vendor is the CPU vendor as far as the engine is concerned.
type Vendor uint32

const (
	VendorUnknown Vendor = 0
	VendorIntel   Vendor = 1
)

func (v Vendor) String() string {
	switch v {
	case VendorIntel:
		return "intel"
	default:
		return "unknown"
	}
}

// CPU identifies the processor that recorded a trace.
type CPU struct {
	Vendor   Vendor
	Family   uint16
	Model    uint8
	Stepping uint8
}

func (c CPU) String() string {
	return fmt.Sprintf("%s/%d/%d/%d", c.Vendor, c.Family, c.Model, c.Stepping)
}

// HostCPU identifies the processor the current process runs on. Vendors
// other than Intel are reported as VendorUnknown.
func HostCPU() (CPU, error) {
	return cpuFromInfo(&cpuid.CPU)
}

func cpuFromInfo(info *cpuid.CPUInfo) (CPU, error) {
	var c CPU
	if info.VendorID == cpuid.Intel {
		c.Vendor = VendorIntel
	}
	if info.Family < 0 || info.Model < 0 || info.Stepping < 0 {
		return CPU{}, NewError("cpu", CodeBadCPU)
	}
	c.Family = uint16(info.Family)
	c.Model = uint8(info.Model)
	c.Stepping = uint8(info.Stepping)
	return c, nil
}
