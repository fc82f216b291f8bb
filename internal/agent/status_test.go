package agent

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bmagent/agent/internal/health"
	"github.com/bmagent/agent/internal/websocket"
	"github.com/bmagent/agent/pkg/api"
)

func newStatusFixture(t *testing.T) (*fixture, StatusSource, *[]int) {
	t.Helper()
	f := newFixture(false)
	var asked []int
	src := StatusSource{
		Version:  "1.2.3",
		Manager:  f.m,
		Sessions: f.sessions,
		Health:   f.health,
		Logs: func(n int) []string {
			asked = append(asked, n)
			return []string{"line one", "line two"}
		},
	}
	return f, src, &asked
}

func TestSnapshot(t *testing.T) {
	f, src, _ := newStatusFixture(t)
	f.m.Start(target)
	f.m.HandleState(websocket.StateEvent{Connected: true, ConnID: "c1"})

	st := src.Snapshot(10)
	assert.Equal(t, "1.2.3", st.Version)
	assert.True(t, st.Running)
	assert.True(t, st.Connected)
	assert.Equal(t, "connected", st.State)
	assert.Equal(t, 2, st.Sessions)
	assert.NotContains(t, st.Target, "secret")
	assert.Equal(t, []string{"line one", "line two"}, st.Logs)
	assert.Equal(t, string(health.Healthy), st.Health["status"])
}

func TestSnapshotWithoutLogs(t *testing.T) {
	_, src, asked := newStatusFixture(t)

	st := src.Snapshot(0)
	assert.Empty(t, st.Logs)
	assert.NotNil(t, st.Logs)
	assert.Empty(t, *asked)
	assert.False(t, st.Running)
	assert.Equal(t, "disconnected", st.State)
	assert.Empty(t, st.Target)
}

func TestHandleStatus(t *testing.T) {
	_, src, asked := newStatusFixture(t)
	s := NewStatusServer("127.0.0.1:0", src)

	tests := []struct {
		name     string
		query    string
		wantCode int
		wantLogs int
	}{
		{name: "default", query: "", wantCode: http.StatusOK, wantLogs: defaultStatusLogs},
		{name: "explicit", query: "?logs=5", wantCode: http.StatusOK, wantLogs: 5},
		{name: "capped", query: "?logs=50000", wantCode: http.StatusOK, wantLogs: maxStatusLogs},
		{name: "not a number", query: "?logs=many", wantCode: http.StatusBadRequest},
		{name: "negative", query: "?logs=-1", wantCode: http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			*asked = nil
			req := httptest.NewRequest(http.MethodGet, api.StatusPath+tt.query, nil)
			rec := httptest.NewRecorder()

			s.handleStatus(rec, req)

			require.Equal(t, tt.wantCode, rec.Code)
			if tt.wantCode != http.StatusOK {
				assert.Empty(t, *asked)
				return
			}
			assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
			assert.Equal(t, []int{tt.wantLogs}, *asked)

			var st api.Status
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &st))
			assert.Equal(t, "1.2.3", st.Version)
			assert.Len(t, st.Logs, 2)
		})
	}
}

func TestStatusServerRoundTrip(t *testing.T) {
	_, src, _ := newStatusFixture(t)
	s := NewStatusServer("127.0.0.1:0", src)
	require.NoError(t, s.Start())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = s.Shutdown(ctx)
	})

	st, err := api.NewClient(s.Addr()).Status(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "1.2.3", st.Version)
	assert.Equal(t, 2, st.Sessions)
}
