// Package hoststats collects host resource utilization for heartbeat
// telemetry via github.com/shirou/gopsutil/v4.
package hoststats

import (
	"context"
	"time"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/disk"
	"github.com/shirou/gopsutil/v4/mem"
)

// Snapshot is a point-in-time read of host resource usage. Percentages are
// 0-100.
type Snapshot struct {
	CPUPercent  float64
	MemPercent  float64
	DiskPercent float64
}

// Collect samples CPU, memory, and disk usage for the root filesystem.
// CPU sampling blocks for up to sampleWindow; pass a short window (e.g.
// 200ms) for heartbeat-path use. Any individual metric that fails to
// collect is reported as zero rather than aborting the whole snapshot —
// heartbeat telemetry is best-effort.
func Collect(ctx context.Context, sampleWindow time.Duration) Snapshot {
	var snap Snapshot

	if percentages, err := cpu.PercentWithContext(ctx, sampleWindow, false); err == nil && len(percentages) > 0 {
		snap.CPUPercent = percentages[0]
	}

	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		snap.MemPercent = vm.UsedPercent
	}

	if usage, err := disk.UsageWithContext(ctx, "/"); err == nil {
		snap.DiskPercent = usage.UsedPercent
	}

	return snap
}
