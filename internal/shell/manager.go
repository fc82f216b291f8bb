package shell

import (
	"errors"
	"fmt"
	"io"
	"slices"
	"sync"

	"github.com/bmagent/agent/internal/logging"
	"github.com/bmagent/agent/internal/protocol"
)

var log = logging.L("shell")

var ErrSessionNotFound = errors.New("shell session not found")

const closedMessage = "Session closed"

// Sender delivers one outbound frame. Send must be safe for concurrent use.
type Sender interface {
	Send(v any) error
}

// Options configures the shells a Manager spawns.
type Options struct {
	// Command is the shell argv, e.g. ["/bin/sh", "-i"].
	Command []string
	// Dir is the working directory of new shells.
	Dir string
}

// Manager owns the interactive shell sessions of one agent, keyed by the
// server-chosen session id. At most one session exists per id.
type Manager struct {
	sender  Sender
	command []string
	dir     string

	mu       sync.Mutex
	sessions map[string]*session
}

func NewManager(sender Sender, opts Options) *Manager {
	return &Manager{
		sender:   sender,
		command:  slices.Clone(opts.Command),
		dir:      opts.Dir,
		sessions: make(map[string]*session),
	}
}

// Create spawns a shell for id. It is a no-op when the session already
// exists. When the shell cannot be started the client is told with an
// immediate shell_close and no session is recorded.
func (m *Manager) Create(id string) error {
	m.mu.Lock()
	if _, exists := m.sessions[id]; exists {
		m.mu.Unlock()
		log.Debug("shell session already exists", logging.KeySessionID, id)
		return nil
	}

	// Spawning under the lock keeps one process per id.
	s, err := m.spawn(id)
	if err != nil {
		m.mu.Unlock()
		log.Error("failed to create shell", logging.KeySessionID, id, logging.KeyError, err)
		m.send(protocol.NewShellClosed(id, "Failed to create shell: "+err.Error()))
		return err
	}
	m.sessions[id] = s
	m.mu.Unlock()

	go m.readLoop(s)

	log.Info("shell session started", logging.KeySessionID, id, "pid", s.cmd.Process.Pid)
	return nil
}

// Input runs each character of data through the line editor. Completed
// lines go to the shell's stdin; every echo is sent as its own frame.
// Input for an unknown id creates the session first.
func (m *Manager) Input(id, data string) error {
	s := m.lookup(id)
	if s == nil {
		log.Warn("input for unknown shell session, creating it", logging.KeySessionID, id)
		if err := m.Create(id); err != nil {
			return err
		}
		if s = m.lookup(id); s == nil {
			return ErrSessionNotFound
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, ch := range data {
		var step Step
		s.buffer, step = Feed(s.buffer, ch)
		if step.Commit != "" {
			if _, err := io.WriteString(s.stdin, step.Commit); err != nil {
				return fmt.Errorf("write to shell %s: %w", id, err)
			}
		}
		if step.Echo != "" {
			m.send(protocol.NewShellOutput(id, step.Echo))
		}
	}
	return nil
}

// Resize is accepted for protocol compatibility. Shells run on plain pipes
// and have no window size.
func (m *Manager) Resize(id string, cols, rows int) error {
	log.Debug("shell resize ignored", logging.KeySessionID, id, "cols", cols, "rows", rows)
	return nil
}

// Close terminates the session and reports it closed.
func (m *Manager) Close(id string) error {
	m.mu.Lock()
	s, exists := m.sessions[id]
	if exists {
		delete(m.sessions, id)
	}
	m.mu.Unlock()

	if !exists {
		return ErrSessionNotFound
	}

	s.terminate()
	m.send(protocol.NewShellClosed(id, closedMessage))
	log.Info("shell session closed", logging.KeySessionID, id)
	return nil
}

// CloseAll closes every session.
func (m *Manager) CloseAll() {
	for _, id := range m.IDs() {
		_ = m.Close(id)
	}
}

// Count returns the number of live sessions.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// IDs returns the live session ids in sorted order.
func (m *Manager) IDs() []string {
	m.mu.Lock()
	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	slices.Sort(ids)
	return ids
}

func (m *Manager) lookup(id string) *session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sessions[id]
}

// detach removes s if it is still the session registered under its id and
// reports whether it was. A reader outliving a Close must not remove a
// newer session that reused the id.
func (m *Manager) detach(s *session) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sessions[s.id] != s {
		return false
	}
	delete(m.sessions, s.id)
	return true
}

func (m *Manager) send(v any) {
	if err := m.sender.Send(v); err != nil {
		log.Debug("shell frame dropped", logging.KeyError, err)
	}
}
