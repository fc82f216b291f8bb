package collectors

import (
	"context"
	"fmt"
	"runtime"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/bmagent/agent/internal/logging"
	"github.com/bmagent/agent/internal/protocol"
)

// Collector gathers the telemetry the agent reports: one system description
// per connection and periodic monitor snapshots.
type Collector struct {
	diskPath string
	metrics  *MetricsCollector
	publicIP *PublicIPResolver
}

// Options configures New.
type Options struct {
	// DiskPath selects the volume reported as disk usage.
	DiskPath string
	// PublicIPEndpoints are plain-text "what is my IP" services.
	PublicIPEndpoints []string
	// ProbeHost is the ICMP latency target; empty disables probing.
	ProbeHost string
}

func New(opts Options) *Collector {
	var prober *LatencyProber
	if opts.ProbeHost != "" {
		prober = NewLatencyProber(opts.ProbeHost)
	}
	return &Collector{
		diskPath: opts.DiskPath,
		metrics:  NewMetricsCollector(opts.DiskPath, prober),
		publicIP: NewPublicIPResolver(opts.PublicIPEndpoints),
	}
}

// Monitor returns one telemetry snapshot.
func (c *Collector) Monitor(ctx context.Context) (protocol.MonitorPayload, error) {
	return c.metrics.Collect(ctx)
}

// SystemInfo describes the host. Host identity is required; everything else
// is best effort.
func (c *Collector) SystemInfo(ctx context.Context) (protocol.SystemInfoPayload, error) {
	info, err := host.InfoWithContext(ctx)
	if err != nil {
		return protocol.SystemInfoPayload{}, fmt.Errorf("host info: %w", err)
	}

	p := protocol.SystemInfoPayload{
		Hostname:        info.Hostname,
		OS:              info.OS,
		Platform:        info.Platform,
		PlatformVersion: info.PlatformVersion,
		KernelVersion:   info.KernelVersion,
		KernelArch:      info.KernelArch,
		BootTime:        info.BootTime,
		CPUCores:        runtime.NumCPU(),
	}

	if cpus, err := cpu.InfoWithContext(ctx); err == nil && len(cpus) > 0 {
		p.CPUModel = cpus[0].ModelName
	} else if err != nil {
		log.Debug("cpu info failed", logging.KeyError, err)
	}
	if cores, err := cpu.CountsWithContext(ctx, true); err == nil && cores > 0 {
		p.CPUCores = cores
	}
	if vmem, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		p.MemoryTotal = vmem.Total
	}
	diskPath := c.diskPath
	if diskPath == "" {
		diskPath = "/"
	}
	if usage, err := disk.UsageWithContext(ctx, diskPath); err == nil {
		p.DiskTotal = usage.Total
	}

	p.PublicIP = c.publicIP.Lookup(ctx)
	return p, nil
}
