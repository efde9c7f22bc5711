package health

import (
	"context"
	"fmt"
	"time"

	"github.com/shirou/gopsutil/v4/disk"
	"github.com/shirou/gopsutil/v4/load"
	"github.com/shirou/gopsutil/v4/mem"
	"github.com/shirou/gopsutil/v4/net"
	"github.com/shirou/gopsutil/v4/sensors"
)

// Sample is the state of the host at one moment
type Sample struct {
	ID           int64              `json:"id,omitempty"`
	SampledAt    time.Time          `json:"sampled_at"`
	CPULoad      float64            `json:"cpu_load"`
	RAMFree      uint64             `json:"ram_free"`
	SwapFree     uint64             `json:"swap_free"`
	DiskFree     map[string]uint64  `json:"disk_free"`
	NetBytesIn   uint64             `json:"net_bytes_in"`
	NetBytesOut  uint64             `json:"net_bytes_out"`
	Temperatures map[string]float64 `json:"temperatures"`
}

// Probe reads the current state of the host
type Probe interface {
	Sample(ctx context.Context) (*Sample, error)
}

// SystemProbe reads the host through gopsutil. Mounts restricts the disks
// reported; an empty list reports every physical partition.
type SystemProbe struct {
	Mounts []string
}

// NewSystemProbe creates a probe over the given mount points
func NewSystemProbe(mounts []string) *SystemProbe {
	return &SystemProbe{Mounts: mounts}
}

// Sample reads load, memory, disks, network counters and sensors. Missing
// sensors are not an error: most virtual machines have none.
func (p *SystemProbe) Sample(ctx context.Context) (*Sample, error) {
	s := &Sample{
		SampledAt:    time.Now().UTC(),
		DiskFree:     map[string]uint64{},
		Temperatures: map[string]float64{},
	}

	avg, err := load.AvgWithContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read load average: %w", err)
	}
	s.CPULoad = avg.Load1

	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read memory: %w", err)
	}
	s.RAMFree = vm.Available

	swap, err := mem.SwapMemoryWithContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read swap: %w", err)
	}
	s.SwapFree = swap.Free

	mounts, err := p.mounts(ctx)
	if err != nil {
		return nil, err
	}
	for _, m := range mounts {
		usage, err := disk.UsageWithContext(ctx, m)
		if err != nil {
			return nil, fmt.Errorf("failed to read usage of %s: %w", m, err)
		}
		s.DiskFree[m] = usage.Free
	}

	counters, err := net.IOCountersWithContext(ctx, false)
	if err != nil {
		return nil, fmt.Errorf("failed to read network counters: %w", err)
	}
	for _, c := range counters {
		s.NetBytesIn += c.BytesRecv
		s.NetBytesOut += c.BytesSent
	}

	temps, _ := sensors.TemperaturesWithContext(ctx)
	for _, t := range temps {
		s.Temperatures[t.SensorKey] = t.Temperature
	}
	return s, nil
}

func (p *SystemProbe) mounts(ctx context.Context) ([]string, error) {
	if len(p.Mounts) > 0 {
		return p.Mounts, nil
	}
	parts, err := disk.PartitionsWithContext(ctx, false)
	if err != nil {
		return nil, fmt.Errorf("failed to list partitions: %w", err)
	}
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		out = append(out, part.Mountpoint)
	}
	return out, nil
}
