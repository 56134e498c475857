// sampler.go — Host pressure inputs from gopsutil.
// Reads host free-memory percentage and the broker's own RSS against the
// configured budget. Queue inputs come from the scheduler, not from here.
package governor

import (
	"context"
	"os"

	"github.com/shirou/gopsutil/v4/mem"
	"github.com/shirou/gopsutil/v4/process"
)

// HostSample is a memory-only pressure reading.
type HostSample struct {
	FreeMemPct  float64
	RssUsagePct float64
}

// HostSampler produces host pressure readings.
type HostSampler interface {
	Sample(ctx context.Context) (HostSample, error)
}

// GopsutilSampler reads live host metrics.
type GopsutilSampler struct {
	rssBudgetBytes uint64
	proc           *process.Process
}

// NewGopsutilSampler builds a sampler for this process with the given RSS
// budget in megabytes.
func NewGopsutilSampler(rssBudgetMb int) (*GopsutilSampler, error) {
	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return nil, err
	}
	if rssBudgetMb <= 0 {
		rssBudgetMb = 2048
	}
	return &GopsutilSampler{
		rssBudgetBytes: uint64(rssBudgetMb) * 1024 * 1024,
		proc:           proc,
	}, nil
}

// Sample reads current host free memory and process RSS usage.
func (s *GopsutilSampler) Sample(ctx context.Context) (HostSample, error) {
	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return HostSample{}, err
	}
	out := HostSample{}
	if vm.Total > 0 {
		out.FreeMemPct = float64(vm.Available) / float64(vm.Total) * 100
	}
	memInfo, err := s.proc.MemoryInfoWithContext(ctx)
	if err == nil && memInfo != nil && s.rssBudgetBytes > 0 {
		out.RssUsagePct = float64(memInfo.RSS) / float64(s.rssBudgetBytes) * 100
	}
	return out, nil
}

// StaticSampler returns fixed readings; used in tests and when host metrics
// are unavailable.
type StaticSampler struct {
	Value HostSample
}

// Sample returns the fixed reading.
func (s StaticSampler) Sample(context.Context) (HostSample, error) {
	return s.Value, nil
}
