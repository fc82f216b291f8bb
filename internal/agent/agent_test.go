//go:build !windows

package agent

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	gws "github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bmagent/agent/internal/config"
	"github.com/bmagent/agent/internal/protocol"
	"github.com/bmagent/agent/internal/websocket"
	"github.com/bmagent/agent/pkg/api"
)

type controlServer struct {
	*httptest.Server
	conns    chan *gws.Conn
	received chan map[string]any
	paths    chan string
}

func newControlServer(t *testing.T) *controlServer {
	t.Helper()
	cs := &controlServer{
		conns:    make(chan *gws.Conn, 4),
		received: make(chan map[string]any, 256),
		paths:    make(chan string, 4),
	}
	upgrader := gws.Upgrader{}
	cs.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		cs.paths <- r.URL.Path + "?" + r.URL.RawQuery
		cs.conns <- conn
		for {
			_, msg, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var frame map[string]any
			if json.Unmarshal(msg, &frame) == nil {
				cs.received <- frame
			}
		}
	}))
	t.Cleanup(cs.Close)
	return cs
}

func (cs *controlServer) accept(t *testing.T) *gws.Conn {
	t.Helper()
	select {
	case c := <-cs.conns:
		return c
	case <-time.After(5 * time.Second):
		t.Fatal("agent did not connect")
		return nil
	}
}

// waitFor returns the first frame that satisfies match, skipping the rest.
func (cs *controlServer) waitFor(t *testing.T, match func(map[string]any) bool) map[string]any {
	t.Helper()
	deadline := time.After(10 * time.Second)
	for {
		select {
		case f := <-cs.received:
			if match(f) {
				return f
			}
		case <-deadline:
			t.Fatal("timed out waiting for frame")
			return nil
		}
	}
}

func ofType(msgType string) func(map[string]any) bool {
	return func(f map[string]any) bool { return f["type"] == msgType }
}

func send(t *testing.T, conn *gws.Conn, v any) {
	t.Helper()
	require.NoError(t, conn.WriteJSON(v))
}

func startAgent(t *testing.T, cs *controlServer) (*Agent, string) {
	t.Helper()
	root := t.TempDir()

	cfg := config.Default()
	cfg.ServerURL = cs.URL
	cfg.ServerID = "s1"
	cfg.ServerKey = "k3y"
	cfg.StorageRoot = root
	cfg.ShellCommand = []string{"/bin/sh"}
	cfg.StatusAddr = "127.0.0.1:0"
	cfg.ReconnectDelaySeconds = 1
	cfg.HeartbeatIntervalSeconds = 1
	cfg.LatencyProbeHost = ""
	cfg.PublicIPEndpoints = nil
	require.False(t, cfg.ValidateTiered().HasFatals())

	a, err := New(cfg, "test")
	require.NoError(t, err)
	assert.Empty(t, cfg.ServerKey, "key must not stay in the config")
	require.NoError(t, a.Start())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		a.Shutdown(ctx)
	})
	return a, root
}

func TestNewRequiresServer(t *testing.T) {
	cfg := config.Default()
	_, err := New(cfg, "test")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "server_url")
}

func TestManagerRestartConnectsWithoutWaiting(t *testing.T) {
	cs := newControlServer(t)
	reporters := &fakeReporters{}
	var m *Manager
	client := websocket.New(nil, func(ev websocket.StateEvent) { m.HandleState(ev) })
	m = NewManager(ManagerOptions{
		Transport:      client,
		Reporters:      reporters,
		ReconnectDelay: 5 * time.Second,
	})
	target, err := websocket.BuildURL(cs.URL, "s1", "k")
	require.NoError(t, err)

	m.Start(target)
	first := cs.accept(t)
	defer first.Close()
	require.Eventually(t, m.IsConnected, 2*time.Second, 10*time.Millisecond)

	m.Stop()
	m.Start(target)
	second := cs.accept(t)
	defer second.Close()
	require.Eventually(t, m.IsConnected, 2*time.Second, 10*time.Millisecond)

	// The first connection's late disconnect must not knock the new one over.
	time.Sleep(200 * time.Millisecond)
	assert.True(t, m.IsConnected())
	m.mu.Lock()
	assert.Nil(t, m.cancelRetry, "no reconnect pending")
	m.mu.Unlock()
	assert.Equal(t, int32(2), reporters.starts.Load())

	m.Stop()
}

func TestAgentEndToEnd(t *testing.T) {
	cs := newControlServer(t)
	a, root := startAgent(t, cs)
	require.NoError(t, os.WriteFile(filepath.Join(root, "hello.txt"), []byte("hi"), 0644))

	conn := cs.accept(t)
	assert.Equal(t, "/api/servers/s1/ws?token=k3y", <-cs.paths)

	cs.waitFor(t, ofType(protocol.TypeSystemInfo))
	hb := cs.waitFor(t, ofType(protocol.TypeHeartbeat))
	assert.NotEmpty(t, hb["status"])
	assert.Equal(t, false, hb["is_reply"])
	assert.Equal(t, "test", hb["version"])
	require.Eventually(t, a.Manager().IsConnected, 2*time.Second, 10*time.Millisecond)

	t.Run("file list", func(t *testing.T) {
		send(t, conn, map[string]any{
			"type":       protocol.TypeFileList,
			"request_id": "r1",
			"payload":    map[string]any{"path": "/"},
		})
		resp := cs.waitFor(t, ofType(protocol.TypeFileListResponse))
		assert.Equal(t, "r1", resp["request_id"])
		data := resp["data"].(map[string]any)
		assert.Equal(t, true, data["success"])
		files := data["files"].([]any)
		require.Len(t, files, 1)
		assert.Equal(t, "hello.txt", files[0].(map[string]any)["name"])
	})

	t.Run("shell echo", func(t *testing.T) {
		send(t, conn, map[string]any{
			"type":    protocol.TypeShellCommand,
			"payload": map[string]any{"type": "create", "session": "t1"},
		})
		send(t, conn, map[string]any{
			"type":    protocol.TypeShellCommand,
			"payload": map[string]any{"type": "input", "session": "t1", "data": "echo marker-42\r"},
		})
		cs.waitFor(t, func(f map[string]any) bool {
			if f["type"] != protocol.TypeShellResponse || f["session"] != "t1" {
				return false
			}
			data, _ := f["data"].(string)
			return strings.Contains(data, "marker-42\n")
		})

		send(t, conn, map[string]any{
			"type":    protocol.TypeShellCommand,
			"payload": map[string]any{"type": "close", "session": "t1"},
		})
		closed := cs.waitFor(t, ofType(protocol.TypeShellClose))
		assert.Equal(t, "t1", closed["session"])
	})

	t.Run("status endpoint", func(t *testing.T) {
		st, err := api.NewClient(a.StatusAddr()).Status(context.Background())
		require.NoError(t, err)
		assert.True(t, st.Running)
		assert.Equal(t, "connected", st.State)
		assert.NotContains(t, st.Target, "k3y")
	})

	t.Run("reconnect after drop", func(t *testing.T) {
		require.NoError(t, conn.Close())

		next := cs.accept(t)
		defer next.Close()
		cs.waitFor(t, ofType(protocol.TypeSystemInfo))
		require.Eventually(t, a.Manager().IsConnected, 2*time.Second, 10*time.Millisecond)
	})
}
