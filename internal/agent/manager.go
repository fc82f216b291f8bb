package agent

import (
	"sync"
	"time"

	"github.com/bmagent/agent/internal/health"
	"github.com/bmagent/agent/internal/logging"
	"github.com/bmagent/agent/internal/websocket"
)

var log = logging.L("agent")

// State is the connection state owned by the Manager.
type State int

const (
	Disconnected State = iota
	Connecting
	Connected
)

func (s State) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	default:
		return "disconnected"
	}
}

// Transport is the connection the Manager drives. Connect returns the id of
// the attempt and reports its outcome through HandleState: one connected
// event on success and one disconnected event when the attempt or connection
// ends, both tagged with that id. Connect must not call HandleState itself.
type Transport interface {
	Connect(target string) string
	Disconnect()
}

// Reporters are the periodic loops that run only while connected.
type Reporters interface {
	Start()
	Stop()
}

// Sessions is the shell session owner, consulted by the disconnect policy.
type Sessions interface {
	CloseAll()
	Count() int
}

// scheduleFunc runs f once after d and returns a function that cancels it.
type scheduleFunc func(d time.Duration, f func()) (cancel func() bool)

func afterFunc(d time.Duration, f func()) func() bool {
	return time.AfterFunc(d, f).Stop
}

// ManagerOptions configures a Manager.
type ManagerOptions struct {
	Transport      Transport
	Reporters      Reporters
	Sessions       Sessions
	Health         *health.Monitor
	ReconnectDelay time.Duration
	// CloseShellsOnDisconnect closes every shell session when the connection
	// drops. When false, sessions outlive the connection and their output is
	// dropped until the next one is up.
	CloseShellsOnDisconnect bool
}

// Manager keeps the agent connected while it is running. It separates what
// the operator asked for (running) from what the transport achieved (state)
// and reconnects after a fixed delay whenever the two disagree.
type Manager struct {
	transport  Transport
	reporters  Reporters
	sessions   Sessions
	health     *health.Monitor
	delay      time.Duration
	closeShell bool
	schedule   scheduleFunc

	mu          sync.Mutex
	running     bool
	state       State
	target      string
	connID      string
	cancelRetry func() bool
}

func NewManager(opts ManagerOptions) *Manager {
	hm := opts.Health
	if hm == nil {
		hm = health.NewMonitor()
	}
	return &Manager{
		transport:  opts.Transport,
		reporters:  opts.Reporters,
		sessions:   opts.Sessions,
		health:     hm,
		delay:      opts.ReconnectDelay,
		closeShell: opts.CloseShellsOnDisconnect,
		schedule:   afterFunc,
		state:      Disconnected,
	}
}

// Start begins connecting to target. It is a no-op while already running.
func (m *Manager) Start(target string) {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return
	}
	m.running = true
	m.target = target
	m.state = Connecting
	log.Info("Connecting to server...", "target", websocket.Redact(target))
	// Held across Connect so the attempt's events wait for its id.
	m.connID = m.transport.Connect(target)
	m.mu.Unlock()
}

// Stop cancels any pending reconnect, stops the reporters and closes the
// connection. Shell sessions are left to the caller.
func (m *Manager) Stop() {
	m.mu.Lock()
	m.running = false
	if m.cancelRetry != nil {
		m.cancelRetry()
		m.cancelRetry = nil
	}
	m.mu.Unlock()

	m.reporters.Stop()
	m.transport.Disconnect()

	m.mu.Lock()
	m.state = Disconnected
	m.mu.Unlock()

	m.health.Update(health.Transport, health.Unhealthy, "stopped")
	log.Info("Agent stopped.")
}

// HandleState consumes transport state events. Events from an attempt other
// than the latest one are ignored.
func (m *Manager) HandleState(ev websocket.StateEvent) {
	if ev.Connected {
		m.onConnected(ev)
		return
	}
	m.onDisconnected(ev)
}

func (m *Manager) onConnected(ev websocket.StateEvent) {
	m.mu.Lock()
	if m.stale(ev) {
		m.mu.Unlock()
		return
	}
	if !m.running {
		// Stop raced the dial.
		m.mu.Unlock()
		m.transport.Disconnect()
		return
	}
	m.state = Connected
	m.mu.Unlock()

	m.health.Update(health.Transport, health.Healthy, "")
	log.Info("Connected to server", logging.KeyConnID, ev.ConnID)
	m.reporters.Start()
}

func (m *Manager) onDisconnected(ev websocket.StateEvent) {
	m.mu.Lock()
	if m.stale(ev) {
		m.mu.Unlock()
		return
	}
	m.state = Disconnected
	running := m.running
	if running && m.cancelRetry == nil {
		m.cancelRetry = m.schedule(m.delay, m.reconnect)
	}
	m.mu.Unlock()

	m.reporters.Stop()

	msg := "connection closed"
	if ev.Err != nil {
		msg = ev.Err.Error()
	}
	m.health.Update(health.Transport, health.Unhealthy, msg)

	if m.closeShell && m.sessions != nil {
		if n := m.sessions.Count(); n > 0 {
			log.Info("closing shell sessions after disconnect", "sessions", n)
			m.sessions.CloseAll()
		}
	}

	if running {
		log.Warn("Disconnected from server, reconnecting", logging.KeyConnID, ev.ConnID,
			"delay", m.delay, logging.KeyError, ev.Err)
	} else {
		log.Info("Disconnected from server", logging.KeyConnID, ev.ConnID)
	}
}

// stale reports whether ev belongs to an attempt other than the latest.
// Callers hold m.mu.
func (m *Manager) stale(ev websocket.StateEvent) bool {
	if ev.ConnID == m.connID {
		return false
	}
	log.Debug("ignoring state event from previous connection",
		logging.KeyConnID, ev.ConnID, "connected", ev.Connected)
	return true
}

// reconnect makes one attempt, and only if the agent still wants to run and
// nothing else has connected it in the meantime.
func (m *Manager) reconnect() {
	m.mu.Lock()
	m.cancelRetry = nil
	if !m.running || m.state != Disconnected {
		m.mu.Unlock()
		return
	}
	m.state = Connecting
	log.Info("Reconnecting to server...")
	m.connID = m.transport.Connect(m.target)
	m.mu.Unlock()
}

func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *Manager) IsRunning() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running
}

func (m *Manager) IsConnected() bool {
	return m.State() == Connected
}

// Target returns the connection URL with the token redacted.
func (m *Manager) Target() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.target == "" {
		return ""
	}
	return websocket.Redact(m.target)
}
