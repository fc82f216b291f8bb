package collectors

import (
	"context"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/load"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/net"

	"github.com/bmagent/agent/internal/logging"
	"github.com/bmagent/agent/internal/protocol"
)

var log = logging.L("collectors")

// counterSource reads cumulative network byte counters.
type counterSource func(ctx context.Context) (in, out uint64, err error)

// MetricsCollector produces monitor snapshots. Network throughput is the
// per-second rate since the previous snapshot; the first snapshot reports 0.
type MetricsCollector struct {
	diskPath string
	prober   *LatencyProber
	counters counterSource
	now      func() time.Time

	mu         sync.Mutex
	lastNetIn  uint64
	lastNetOut uint64
	lastAt     time.Time
}

// NewMetricsCollector measures disk usage of the volume holding diskPath.
// prober may be nil to report zero latency.
func NewMetricsCollector(diskPath string, prober *LatencyProber) *MetricsCollector {
	if diskPath == "" {
		diskPath = "/"
	}
	return &MetricsCollector{
		diskPath: diskPath,
		prober:   prober,
		counters: netCounters,
		now:      time.Now,
	}
}

func netCounters(ctx context.Context) (uint64, uint64, error) {
	stats, err := net.IOCountersWithContext(ctx, false)
	if err != nil || len(stats) == 0 {
		return 0, 0, err
	}
	return stats[0].BytesRecv, stats[0].BytesSent, nil
}

// Collect samples every metric it can; individual failures leave the field
// at zero and are logged at debug level.
func (c *MetricsCollector) Collect(ctx context.Context) (protocol.MonitorPayload, error) {
	var m protocol.MonitorPayload

	if pct, err := cpu.PercentWithContext(ctx, 0, false); err == nil && len(pct) > 0 {
		m.CPUUsage = pct[0]
	} else if err != nil {
		log.Debug("cpu sample failed", logging.KeyError, err)
	}

	if vmem, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		m.MemoryUsed = vmem.Used
		m.MemoryTotal = vmem.Total
	} else {
		log.Debug("memory sample failed", logging.KeyError, err)
	}

	if usage, err := disk.UsageWithContext(ctx, c.diskPath); err == nil {
		m.DiskUsed = usage.Used
		m.DiskTotal = usage.Total
	} else {
		log.Debug("disk sample failed", "path", c.diskPath, logging.KeyError, err)
	}

	if boot, err := host.BootTimeWithContext(ctx); err == nil {
		m.BootTime = boot
	}

	if avg, err := load.AvgWithContext(ctx); err == nil {
		m.LoadAvg1, m.LoadAvg5, m.LoadAvg15 = avg.Load1, avg.Load5, avg.Load15
	}

	m.NetworkIn, m.NetworkOut = c.networkRates(ctx)

	if c.prober != nil {
		m.Latency, m.PacketLoss = c.prober.Probe(ctx)
	}

	return m, ctx.Err()
}

func (c *MetricsCollector) networkRates(ctx context.Context) (float64, float64) {
	in, out, err := c.counters(ctx)
	if err != nil {
		log.Debug("network sample failed", logging.KeyError, err)
		return 0, 0
	}
	now := c.now()

	c.mu.Lock()
	defer c.mu.Unlock()

	var inRate, outRate float64
	if !c.lastAt.IsZero() {
		elapsed := now.Sub(c.lastAt)
		inRate = rate(c.lastNetIn, in, elapsed)
		outRate = rate(c.lastNetOut, out, elapsed)
	}
	c.lastNetIn, c.lastNetOut, c.lastAt = in, out, now
	return inRate, outRate
}

// rate is bytes per second between two cumulative readings. Counter resets
// report 0.
func rate(prev, cur uint64, elapsed time.Duration) float64 {
	if cur < prev || elapsed <= 0 {
		return 0
	}
	return float64(cur-prev) / elapsed.Seconds()
}
