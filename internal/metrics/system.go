package metrics

import (
	"context"
	"fmt"
	"time"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/disk"
	"github.com/shirou/gopsutil/v4/load"
	"github.com/shirou/gopsutil/v4/mem"
	"github.com/shirou/gopsutil/v4/net"
)

const bytesPerGB = 1024 * 1024 * 1024

// SystemMetrics is a snapshot of host resource usage.
type SystemMetrics struct {
	Timestamp time.Time      `json:"timestamp"`
	CPU       CPUMetrics     `json:"cpu"`
	Memory    MemoryMetrics  `json:"memory"`
	Disk      DiskMetrics    `json:"disk"`
	Network   NetworkMetrics `json:"network"`
}

// CPUMetrics holds CPU usage figures.
type CPUMetrics struct {
	UsagePercent float64   `json:"usage_percent"`
	Count        int       `json:"count"`
	LoadAverage  []float64 `json:"load_average,omitempty"`
}

// MemoryMetrics holds virtual memory figures in gigabytes.
type MemoryMetrics struct {
	TotalGB     float64 `json:"total_gb"`
	AvailableGB float64 `json:"available_gb"`
	UsedPercent float64 `json:"used_percent"`
	FreeGB      float64 `json:"free_gb"`
}

// DiskMetrics holds root filesystem figures in gigabytes.
type DiskMetrics struct {
	TotalGB     float64 `json:"total_gb"`
	UsedGB      float64 `json:"used_gb"`
	FreeGB      float64 `json:"free_gb"`
	UsedPercent float64 `json:"used_percent"`
}

// NetworkMetrics holds aggregate network I/O counters.
type NetworkMetrics struct {
	BytesSent   uint64 `json:"bytes_sent"`
	BytesRecv   uint64 `json:"bytes_recv"`
	PacketsSent uint64 `json:"packets_sent"`
	PacketsRecv uint64 `json:"packets_recv"`
}

// CollectSystem gathers host metrics with gopsutil.
func CollectSystem(ctx context.Context) (*SystemMetrics, error) {
	m := &SystemMetrics{Timestamp: time.Now().UTC()}

	cpuPercent, err := cpu.PercentWithContext(ctx, 0, false)
	if err != nil {
		return nil, fmt.Errorf("failed to get CPU metrics: %w", err)
	}
	if len(cpuPercent) > 0 {
		m.CPU.UsagePercent = cpuPercent[0]
	}
	if count, err := cpu.CountsWithContext(ctx, true); err == nil {
		m.CPU.Count = count
	}
	if avg, err := load.AvgWithContext(ctx); err == nil {
		m.CPU.LoadAverage = []float64{avg.Load1, avg.Load5, avg.Load15}
	}

	memInfo, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get memory metrics: %w", err)
	}
	m.Memory = MemoryMetrics{
		TotalGB:     round2(float64(memInfo.Total) / bytesPerGB),
		AvailableGB: round2(float64(memInfo.Available) / bytesPerGB),
		UsedPercent: memInfo.UsedPercent,
		FreeGB:      round2(float64(memInfo.Free) / bytesPerGB),
	}

	diskInfo, err := disk.UsageWithContext(ctx, "/")
	if err != nil {
		return nil, fmt.Errorf("failed to get disk metrics: %w", err)
	}
	m.Disk = DiskMetrics{
		TotalGB:     round2(float64(diskInfo.Total) / bytesPerGB),
		UsedGB:      round2(float64(diskInfo.Used) / bytesPerGB),
		FreeGB:      round2(float64(diskInfo.Free) / bytesPerGB),
		UsedPercent: round2(diskInfo.UsedPercent),
	}

	netInfo, err := net.IOCountersWithContext(ctx, false)
	if err != nil {
		return nil, fmt.Errorf("failed to get network metrics: %w", err)
	}
	if len(netInfo) > 0 {
		m.Network = NetworkMetrics{
			BytesSent:   netInfo[0].BytesSent,
			BytesRecv:   netInfo[0].BytesRecv,
			PacketsSent: netInfo[0].PacketsSent,
			PacketsRecv: netInfo[0].PacketsRecv,
		}
	}

	return m, nil
}

func round2(v float64) float64 {
	return float64(int64(v*100+0.5)) / 100
}
