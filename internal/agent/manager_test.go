package agent

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bmagent/agent/internal/health"
	"github.com/bmagent/agent/internal/websocket"
)

const target = "ws://control.example:8080/api/servers/s1/ws?token=secret"

type fakeTransport struct {
	mu          sync.Mutex
	connects    []string
	disconnects int
}

// Connect names attempts c1, c2, ... in call order.
func (f *fakeTransport) Connect(target string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connects = append(f.connects, target)
	return fmt.Sprintf("c%d", len(f.connects))
}

func (f *fakeTransport) Disconnect() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.disconnects++
}

func (f *fakeTransport) connectCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.connects)
}

type fakeReporters struct {
	starts, stops atomic.Int32
}

func (f *fakeReporters) Start() { f.starts.Add(1) }
func (f *fakeReporters) Stop()  { f.stops.Add(1) }

type fakeSessions struct {
	count    int
	closeAll atomic.Int32
}

func (f *fakeSessions) CloseAll() { f.closeAll.Add(1) }
func (f *fakeSessions) Count() int { return f.count }

// manualTimer captures scheduled reconnects so tests decide when they fire.
type manualTimer struct {
	mu        sync.Mutex
	scheduled []func()
	delays    []time.Duration
	cancelled int
}

func (m *manualTimer) schedule(d time.Duration, f func()) func() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.scheduled = append(m.scheduled, f)
	m.delays = append(m.delays, d)
	return func() bool {
		m.mu.Lock()
		defer m.mu.Unlock()
		m.cancelled++
		return true
	}
}

func (m *manualTimer) fire(t *testing.T) {
	t.Helper()
	m.mu.Lock()
	require.NotEmpty(t, m.scheduled, "no reconnect scheduled")
	f := m.scheduled[len(m.scheduled)-1]
	m.mu.Unlock()
	f()
}

type fixture struct {
	m         *Manager
	transport *fakeTransport
	reporters *fakeReporters
	sessions  *fakeSessions
	timer     *manualTimer
	health    *health.Monitor
}

func newFixture(closeShells bool) *fixture {
	f := &fixture{
		transport: &fakeTransport{},
		reporters: &fakeReporters{},
		sessions:  &fakeSessions{count: 2},
		timer:     &manualTimer{},
		health:    health.NewMonitor(),
	}
	f.m = NewManager(ManagerOptions{
		Transport:               f.transport,
		Reporters:               f.reporters,
		Sessions:                f.sessions,
		Health:                  f.health,
		ReconnectDelay:          5 * time.Second,
		CloseShellsOnDisconnect: closeShells,
	})
	f.m.schedule = f.timer.schedule
	return f
}

func TestStartConnectsOnce(t *testing.T) {
	f := newFixture(false)

	f.m.Start(target)
	f.m.Start(target)

	assert.Equal(t, []string{target}, f.transport.connects)
	assert.Equal(t, Connecting, f.m.State())
	assert.True(t, f.m.IsRunning())
	assert.False(t, f.m.IsConnected())
	assert.Equal(t, "ws://control.example:8080/api/servers/s1/ws?token=REDACTED", f.m.Target())
}

func TestConnectedStartsReporters(t *testing.T) {
	f := newFixture(false)
	f.m.Start(target)

	f.m.HandleState(websocket.StateEvent{Connected: true, ConnID: "c1"})

	assert.Equal(t, Connected, f.m.State())
	assert.True(t, f.m.IsConnected())
	assert.Equal(t, int32(1), f.reporters.starts.Load())
	check, ok := f.health.Get(health.Transport)
	require.True(t, ok)
	assert.Equal(t, health.Healthy, check.Status)
}

func TestDisconnectReconnectsExactlyOnceAfterDelay(t *testing.T) {
	f := newFixture(false)
	f.m.Start(target)
	f.m.HandleState(websocket.StateEvent{Connected: true, ConnID: "c1"})

	f.m.HandleState(websocket.StateEvent{Connected: false, ConnID: "c1", Err: errors.New("read: connection reset")})

	assert.Equal(t, Disconnected, f.m.State())
	assert.Equal(t, int32(1), f.reporters.stops.Load())
	require.Len(t, f.timer.scheduled, 1)
	assert.Equal(t, 5*time.Second, f.timer.delays[0])
	assert.Equal(t, 1, f.transport.connectCount(), "no reconnect before the delay")

	f.timer.fire(t)
	assert.Equal(t, 2, f.transport.connectCount())
	assert.Equal(t, target, f.transport.connects[1])
	assert.Equal(t, Connecting, f.m.State())

	// A stale fire does nothing while an attempt is in flight.
	f.timer.fire(t)
	assert.Equal(t, 2, f.transport.connectCount())
}

func TestDialFailureSchedulesReconnect(t *testing.T) {
	f := newFixture(false)
	f.m.Start(target)

	f.m.HandleState(websocket.StateEvent{Connected: false, ConnID: "c1", Err: errors.New("dial: refused")})
	require.Len(t, f.timer.scheduled, 1)
	assert.Equal(t, int32(0), f.reporters.starts.Load())

	f.timer.fire(t)
	assert.Equal(t, 2, f.transport.connectCount())
}

func TestStopCancelsPendingReconnect(t *testing.T) {
	f := newFixture(false)
	f.m.Start(target)
	f.m.HandleState(websocket.StateEvent{Connected: false, ConnID: "c1"})
	require.Len(t, f.timer.scheduled, 1)

	f.m.Stop()
	assert.Equal(t, 1, f.timer.cancelled)
	assert.False(t, f.m.IsRunning())
	assert.Equal(t, Disconnected, f.m.State())
	assert.Equal(t, 1, f.transport.disconnects)

	// Even if the timer had already fired, nothing connects.
	f.timer.fire(t)
	assert.Equal(t, 1, f.transport.connectCount())
}

func TestDisconnectAfterStopDoesNotReconnect(t *testing.T) {
	f := newFixture(false)
	f.m.Start(target)
	f.m.HandleState(websocket.StateEvent{Connected: true, ConnID: "c1"})

	f.m.Stop()
	f.m.HandleState(websocket.StateEvent{Connected: false, ConnID: "c1"})

	assert.Empty(t, f.timer.scheduled)
	assert.Equal(t, 1, f.transport.connectCount())
}

func TestConnectedAfterStopIsClosed(t *testing.T) {
	f := newFixture(false)
	f.m.Start(target)
	f.m.Stop()

	f.m.HandleState(websocket.StateEvent{Connected: true, ConnID: "c1"})

	assert.Equal(t, 2, f.transport.disconnects)
	assert.Equal(t, int32(0), f.reporters.starts.Load())
	assert.Equal(t, Disconnected, f.m.State())
}

func TestRestartIgnoresPreviousConnectionEvents(t *testing.T) {
	f := newFixture(false)
	f.m.Start(target)
	f.m.HandleState(websocket.StateEvent{Connected: true, ConnID: "c1"})

	f.m.Stop()
	f.m.Start(target)
	require.Equal(t, 2, f.transport.connectCount(), "restart connects right away")

	// The first connection's teardown lands after the restart.
	f.m.HandleState(websocket.StateEvent{Connected: false, ConnID: "c1"})
	assert.Empty(t, f.timer.scheduled)
	assert.Equal(t, Connecting, f.m.State())
	assert.Equal(t, int32(0), f.sessions.closeAll.Load())

	f.m.HandleState(websocket.StateEvent{Connected: true, ConnID: "c2"})
	assert.Equal(t, Connected, f.m.State())
	assert.Equal(t, int32(2), f.reporters.starts.Load())
}

func TestStaleConnectedEventIsIgnored(t *testing.T) {
	f := newFixture(false)
	f.m.Start(target)
	f.m.HandleState(websocket.StateEvent{Connected: false, ConnID: "c1"})
	f.timer.fire(t)

	f.m.HandleState(websocket.StateEvent{Connected: true, ConnID: "c1"})
	assert.Equal(t, Connecting, f.m.State())
	assert.Equal(t, int32(0), f.reporters.starts.Load())
	assert.Equal(t, 0, f.transport.disconnects)
}

func TestSessionPolicy(t *testing.T) {
	keep := newFixture(false)
	keep.m.Start(target)
	keep.m.HandleState(websocket.StateEvent{Connected: false, ConnID: "c1"})
	assert.Equal(t, int32(0), keep.sessions.closeAll.Load())

	closing := newFixture(true)
	closing.m.Start(target)
	closing.m.HandleState(websocket.StateEvent{Connected: false, ConnID: "c1"})
	assert.Equal(t, int32(1), closing.sessions.closeAll.Load())
}

func TestReconnectWithRealTimer(t *testing.T) {
	transport := &fakeTransport{}
	m := NewManager(ManagerOptions{
		Transport:      transport,
		Reporters:      &fakeReporters{},
		ReconnectDelay: 20 * time.Millisecond,
	})

	m.Start(target)
	m.HandleState(websocket.StateEvent{Connected: false, ConnID: "c1"})

	require.Eventually(t, func() bool { return transport.connectCount() == 2 }, time.Second, 5*time.Millisecond)
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 2, transport.connectCount())
	m.Stop()
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "disconnected", Disconnected.String())
	assert.Equal(t, "connecting", Connecting.String())
	assert.Equal(t, "connected", Connected.String())
}
