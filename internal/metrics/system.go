// SPDX-License-Identifier: MIT

package metrics

import (
	"fmt"
	"os"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/process"
)

// SystemSample is one reading of process and host resource usage.
type SystemSample struct {
	UsedMemoryMB       float64 // process RSS
	MaxMemoryMB        float64 // host total
	MemoryUsagePercent float64 // RSS / host total
	SystemCPULoad      float64 // host CPU percent
	ProcessCPULoad     float64 // this process's CPU percent
}

// SystemCollector samples this process and its host via gopsutil.
type SystemCollector struct {
	proc *process.Process
}

// NewSystemCollector binds to the current process.
func NewSystemCollector() (*SystemCollector, error) {
	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return nil, fmt.Errorf("bind to own process: %w", err)
	}
	return &SystemCollector{proc: proc}, nil
}

// Sample reads current usage. Partial failures degrade to zeros for the
// affected fields rather than failing the whole reading; the memory figures
// are the ones the governor acts on and do propagate errors.
func (c *SystemCollector) Sample() (SystemSample, error) {
	var s SystemSample

	vm, err := mem.VirtualMemory()
	if err != nil {
		return s, fmt.Errorf("host memory: %w", err)
	}
	mi, err := c.proc.MemoryInfo()
	if err != nil {
		return s, fmt.Errorf("process memory: %w", err)
	}

	const mb = 1024 * 1024
	s.UsedMemoryMB = float64(mi.RSS) / mb
	s.MaxMemoryMB = float64(vm.Total) / mb
	if vm.Total > 0 {
		s.MemoryUsagePercent = float64(mi.RSS) / float64(vm.Total) * 100
	}

	if loads, err := cpu.Percent(0, false); err == nil && len(loads) > 0 {
		s.SystemCPULoad = loads[0]
	}
	if pl, err := c.proc.CPUPercent(); err == nil {
		s.ProcessCPULoad = pl
	}

	return s, nil
}
