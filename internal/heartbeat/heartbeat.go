package heartbeat

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/bmagent/agent/internal/health"
	"github.com/bmagent/agent/internal/logging"
	"github.com/bmagent/agent/internal/protocol"
)

var log = logging.L("heartbeat")

// Sender delivers one outbound frame.
type Sender interface {
	Send(v any) error
}

// Collector samples the host.
type Collector interface {
	Monitor(ctx context.Context) (protocol.MonitorPayload, error)
	SystemInfo(ctx context.Context) (protocol.SystemInfoPayload, error)
}

// Options configures a Reporter.
type Options struct {
	Sender            Sender
	Collector         Collector
	Health            *health.Monitor
	Version           string
	HeartbeatInterval time.Duration
	MonitorInterval   time.Duration
}

// Reporter runs the periodic heartbeat and monitor loops for one
// connection. Start launches both loops plus a one-shot system-info report;
// Stop cancels them and waits. A Reporter can be restarted after Stop.
type Reporter struct {
	sender    Sender
	collector Collector
	health    *health.Monitor
	version   string
	hbEvery   time.Duration
	monEvery  time.Duration

	mu     sync.Mutex
	cancel context.CancelFunc
	group  *errgroup.Group
}

func New(opts Options) *Reporter {
	hm := opts.Health
	if hm == nil {
		hm = health.NewMonitor()
	}
	return &Reporter{
		sender:    opts.Sender,
		collector: opts.Collector,
		health:    hm,
		version:   opts.Version,
		hbEvery:   opts.HeartbeatInterval,
		monEvery:  opts.MonitorInterval,
	}
}

// Start is a no-op if the loops are already running.
func (r *Reporter) Start() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.group != nil {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	g, gctx := errgroup.WithContext(ctx)
	r.cancel = cancel
	r.group = g

	g.Go(func() error {
		every(gctx, r.hbEvery, func() { _ = r.SendHeartbeat() })
		return nil
	})
	g.Go(func() error {
		every(gctx, r.monEvery, func() { _ = r.SendMonitor(gctx) })
		return nil
	})
	g.Go(func() error {
		_ = r.SendSystemInfo(gctx)
		return nil
	})

	log.Info("reporters started", "heartbeatInterval", r.hbEvery, "monitorInterval", r.monEvery)
}

// Stop cancels the loops and waits for them to exit.
func (r *Reporter) Stop() {
	r.mu.Lock()
	cancel, g := r.cancel, r.group
	r.cancel, r.group = nil, nil
	r.mu.Unlock()

	if g == nil {
		return
	}
	cancel()
	_ = g.Wait()
	log.Info("reporters stopped")
}

// Running reports whether the loops are active.
func (r *Reporter) Running() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.group != nil
}

// Status is the heartbeat status string: "online" while every component is
// healthy, otherwise the worst component status.
func (r *Reporter) Status() string {
	return StatusOf(r.health)
}

// StatusOf maps a health snapshot onto the heartbeat status vocabulary.
func StatusOf(m *health.Monitor) string {
	switch overall := m.Overall(); overall {
	case health.Healthy, health.Unknown:
		return protocol.StatusOnline
	default:
		return string(overall)
	}
}

func (r *Reporter) SendHeartbeat() error {
	return r.send("heartbeat", protocol.NewHeartbeat(r.Status(), r.version, false))
}

// SendMonitor samples telemetry and sends it. Partial samples are still
// sent; a sampling error only degrades telemetry health.
func (r *Reporter) SendMonitor(ctx context.Context) error {
	snapshot, err := r.collector.Monitor(ctx)
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if err != nil {
		log.Warn("telemetry sample incomplete", logging.KeyError, err)
		r.health.Update(health.Telemetry, health.Degraded, err.Error())
	} else {
		r.health.Update(health.Telemetry, health.Healthy, "")
	}
	return r.send("monitor", protocol.Report{Type: protocol.TypeMonitor, Payload: snapshot})
}

// SendSystemInfo describes the host once per connection.
func (r *Reporter) SendSystemInfo(ctx context.Context) error {
	info, err := r.collector.SystemInfo(ctx)
	if err != nil {
		if ctx.Err() == nil {
			log.Warn("system info unavailable", logging.KeyError, err)
			r.health.Update(health.Telemetry, health.Degraded, err.Error())
		}
		return err
	}
	log.Info("reporting system info", "hostname", info.Hostname, "publicIp", info.PublicIP)
	return r.send("system info", protocol.Report{Type: protocol.TypeSystemInfo, Payload: info})
}

func (r *Reporter) send(what string, v any) error {
	if err := r.sender.Send(v); err != nil {
		log.Warn("failed to send "+what, logging.KeyError, err)
		r.health.Update(health.Reporters, health.Degraded, err.Error())
		return err
	}
	r.health.Update(health.Reporters, health.Healthy, "")
	return nil
}

// every runs fn immediately and then on each tick until ctx is done.
func every(ctx context.Context, interval time.Duration, fn func()) {
	if interval <= 0 {
		interval = time.Second
	}
	fn()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			fn()
		}
	}
}
