// Package monitoring implements components L and M of the expanded spec:
// a resource monitor used to pick a default worker count and to notice
// memory pressure, and a set of in-process run metrics that tally job
// outcomes the way the teacher's MetricsCollector tallies uploads/errors.
package monitoring

import (
	"context"
	"runtime"
	"time"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/mem"
)

// ResourceSample is a point-in-time reading of host resource usage.
type ResourceSample struct {
	CPUPercent        float64
	MemUsedBytes      uint64
	MemAvailableBytes uint64
	SampledAt         time.Time
}

// ResourceMonitor periodically samples CPU/memory the way the teacher's
// services.SystemMonitor does for its thermal-throttling decisions; this
// domain has no throttling, only the default-parallelism pick (spec §6
// `-j N`, default hw-concurrency) and backpressure logging (spec §4.H/§5).
type ResourceMonitor struct {
	interval time.Duration
}

// NewResourceMonitor creates a monitor that samples every interval.
func NewResourceMonitor(interval time.Duration) *ResourceMonitor {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &ResourceMonitor{interval: interval}
}

// DefaultParallelism returns the hardware-concurrency default for `-j`
// (spec §6), preferring gopsutil's physical+logical core count and
// falling back to runtime.NumCPU() if the host doesn't expose it.
func (m *ResourceMonitor) DefaultParallelism() int {
	if n, err := cpu.Counts(true); err == nil && n > 0 {
		return n
	}
	return runtime.NumCPU()
}

// Sample takes one CPU/memory reading. CPU sampling blocks for a short
// interval (cpu.PercentWithContext's documented behavior when interval>0)
// so callers should not call Sample on a hot path.
func (m *ResourceMonitor) Sample(ctx context.Context) (ResourceSample, error) {
	percents, err := cpu.PercentWithContext(ctx, 200*time.Millisecond, false)
	if err != nil {
		return ResourceSample{}, err
	}
	var cpuPct float64
	if len(percents) > 0 {
		cpuPct = percents[0]
	}

	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return ResourceSample{}, err
	}

	return ResourceSample{
		CPUPercent:        cpuPct,
		MemUsedBytes:      vm.Used,
		MemAvailableBytes: vm.Available,
		SampledAt:         time.Now(),
	}, nil
}

// Watch runs Sample on the configured interval until ctx is cancelled,
// invoking onSample for each reading. cmd/stride-runner uses this to log a
// warning when available memory runs low during a run; the upload queue's
// fill level is not consulted, and it never throttles dispatch itself.
func (m *ResourceMonitor) Watch(ctx context.Context, onSample func(ResourceSample)) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sample, err := m.Sample(ctx)
			if err != nil {
				continue
			}
			onSample(sample)
		}
	}
}
