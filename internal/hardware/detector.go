package hardware

import (
	"fmt"

	"github.com/shirou/gopsutil/cpu"

	"github.com/doomedramen/autopwn/pkg/debug"
)

// CPUInfo describes the host's CPU inventory.
type CPUInfo struct {
	Model         string
	PhysicalCores int
	LogicalCores  int
}

// DetectCPU inventories the host CPU. Used at startup to log what the CPU
// device pool is running on and to derive a sane default pool size.
func DetectCPU() (*CPUInfo, error) {
	physical, err := cpu.Counts(false)
	if err != nil {
		return nil, fmt.Errorf("failed to count physical cores: %w", err)
	}
	logical, err := cpu.Counts(true)
	if err != nil {
		return nil, fmt.Errorf("failed to count logical cores: %w", err)
	}

	info := &CPUInfo{
		PhysicalCores: physical,
		LogicalCores:  logical,
	}
	if details, err := cpu.Info(); err == nil && len(details) > 0 {
		info.Model = details[0].ModelName
	}

	debug.Info("Detected CPU: %s (%d physical / %d logical cores)",
		info.Model, info.PhysicalCores, info.LogicalCores)
	return info, nil
}

// DefaultCPUSlots suggests a CPU pool size that leaves headroom for the
// watcher and the status listener.
func (c *CPUInfo) DefaultCPUSlots() int {
	if c.PhysicalCores <= 2 {
		return 1
	}
	return c.PhysicalCores / 2
}
