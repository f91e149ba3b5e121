// Package sysinfo reads host memory and load through gopsutil.
package sysinfo

import (
	"context"
	"fmt"

	"github.com/shirou/gopsutil/v4/load"
	"github.com/shirou/gopsutil/v4/mem"
)

const mib = 1024 * 1024

// Status is the host summary shown by the admin API.
type Status struct {
	MemTotalMB uint64     `json:"mem_total_mb"`
	MemAvailMB uint64     `json:"mem_avail_mb"`
	LoadAvg    [3]float64 `json:"load_avg"`
}

// Read samples memory and the 1/5/15 minute load averages. Load is left at
// zero on platforms where gopsutil cannot provide it.
func Read(ctx context.Context) (Status, error) {
	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return Status{}, fmt.Errorf("read memory: %w", err)
	}
	st := Status{
		MemTotalMB: vm.Total / mib,
		MemAvailMB: vm.Available / mib,
	}
	if avg, err := load.AvgWithContext(ctx); err == nil {
		st.LoadAvg = [3]float64{avg.Load1, avg.Load5, avg.Load15}
	}
	return st, nil
}

// Memory reports available system memory in bytes.
type Memory struct{}

func (Memory) Available(ctx context.Context) (uint64, error) {
	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return 0, err
	}
	return vm.Available, nil
}
