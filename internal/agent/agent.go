package agent

import (
	"context"
	"fmt"

	"github.com/bmagent/agent/internal/collectors"
	"github.com/bmagent/agent/internal/config"
	"github.com/bmagent/agent/internal/health"
	"github.com/bmagent/agent/internal/heartbeat"
	"github.com/bmagent/agent/internal/logging"
	"github.com/bmagent/agent/internal/remote/tools"
	"github.com/bmagent/agent/internal/router"
	"github.com/bmagent/agent/internal/secmem"
	"github.com/bmagent/agent/internal/shell"
	"github.com/bmagent/agent/internal/websocket"
	"github.com/bmagent/agent/internal/workerpool"
)

// Agent is the fully wired process: transport, router, shells, reporters
// and the connection manager that ties them together.
type Agent struct {
	cfg     *config.Config
	version string
	key     *secmem.SecureString

	health    *health.Monitor
	pool      *workerpool.Pool
	client    *websocket.Client
	shells    *shell.Manager
	router    *router.Router
	reporters *heartbeat.Reporter
	manager   *Manager
	status    *StatusServer
}

// New wires an agent from validated configuration. Nothing runs until Start.
func New(cfg *config.Config, version string) (*Agent, error) {
	if err := cfg.RequireServer(); err != nil {
		return nil, err
	}

	a := &Agent{
		cfg:     cfg,
		version: version,
		key:     secmem.NewSecureString(cfg.ServerKey),
		health:  health.NewMonitor(),
		pool:    workerpool.New(cfg.MaxConcurrentCommands, cfg.CommandQueueSize),
	}
	cfg.ServerKey = ""

	// router and manager are assigned below, before anything can connect.
	a.client = websocket.New(
		func(data []byte) { a.router.Handle(data) },
		func(ev websocket.StateEvent) { a.manager.HandleState(ev) },
	)

	a.shells = shell.NewManager(a.client, shell.Options{
		Command: cfg.ShellCommand,
		Dir:     cfg.StorageRoot,
	})

	a.reporters = heartbeat.New(heartbeat.Options{
		Sender: a.client,
		Collector: collectors.New(collectors.Options{
			DiskPath:          cfg.StorageRoot,
			PublicIPEndpoints: cfg.PublicIPEndpoints,
			ProbeHost:         cfg.ProbeHost(),
		}),
		Health:            a.health,
		Version:           version,
		HeartbeatInterval: cfg.HeartbeatInterval(),
		MonitorInterval:   cfg.MonitorInterval(),
	})

	a.router = router.New(router.Options{
		Sender:    a.client,
		Files:     tools.NewFiles(cfg.StorageRoot, cfg.MaxFileReadBytes),
		Processes: tools.Processes{},
		Shells:    a.shells,
		Pool:      a.pool,
		Version:   version,
		Status:    a.reporters.Status,
	})

	a.manager = NewManager(ManagerOptions{
		Transport:               a.client,
		Reporters:               a.reporters,
		Sessions:                a.shells,
		Health:                  a.health,
		ReconnectDelay:          cfg.ReconnectDelay(),
		CloseShellsOnDisconnect: cfg.CloseShellsOnDisconnect,
	})

	if cfg.StatusAddr != "" {
		a.status = NewStatusServer(cfg.StatusAddr, StatusSource{
			Version:  version,
			Manager:  a.manager,
			Sessions: a.shells,
			Health:   a.health,
			Logs:     logging.Recent,
		})
	}
	return a, nil
}

// Start brings up the status endpoint and begins connecting.
func (a *Agent) Start() error {
	target, err := websocket.BuildURL(a.cfg.ServerURL, a.cfg.ServerID, a.key.Reveal())
	if err != nil {
		return fmt.Errorf("build server url: %w", err)
	}

	if a.status != nil {
		if err := a.status.Start(); err != nil {
			log.Warn("status endpoint unavailable", "addr", a.cfg.StatusAddr, logging.KeyError, err)
			a.status = nil
		}
	}

	log.Info("starting agent", "version", a.version, "storageRoot", a.cfg.StorageRoot,
		"serverId", a.cfg.ServerID, "key", a.key.Hint())
	a.manager.Start(target)
	return nil
}

// Shutdown stops the connection, closes every shell and drains in-flight
// requests within ctx.
func (a *Agent) Shutdown(ctx context.Context) {
	a.manager.Stop()
	a.shells.CloseAll()
	a.pool.Shutdown(ctx)
	if a.status != nil {
		if err := a.status.Shutdown(ctx); err != nil {
			log.Warn("status endpoint shutdown", logging.KeyError, err)
		}
	}
	a.key.Zero()
}

func (a *Agent) Manager() *Manager {
	return a.manager
}

// StatusAddr is the bound status address, or "" when disabled.
func (a *Agent) StatusAddr() string {
	if a.status == nil {
		return ""
	}
	return a.status.Addr()
}
