package node

import (
	"context"

	"github.com/shirou/gopsutil/v4/load"
	"github.com/shirou/gopsutil/v4/mem"
)

// HostSampler reports host load for Server nodes.
type HostSampler interface {
	Sample(ctx context.Context) (cpu float64, memory float64, err error)
}

// HostStats samples the one-minute load average and the percentage of
// physical memory not free.
type HostStats struct{}

func (HostStats) Sample(ctx context.Context) (float64, float64, error) {
	avg, err := load.AvgWithContext(ctx)
	if err != nil {
		return 0, 0, err
	}
	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return avg.Load1, 0, err
	}
	if vm.Total == 0 {
		return avg.Load1, 0, nil
	}
	used := float64(vm.Total-vm.Free) / float64(vm.Total) * 100
	return avg.Load1, used, nil
}
