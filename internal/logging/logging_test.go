package logging

import (
	"bytes"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestPreInitLoggerUsesConfiguredHandler(t *testing.T) {
	logger := L("websocket")

	var buf bytes.Buffer
	Init("text", "info", &buf)

	logger.Info("connected", "url", "ws://localhost:8080")

	out := buf.String()
	if !strings.Contains(out, "msg=connected") {
		t.Fatalf("expected plain connected message, got: %s", out)
	}
	if !strings.Contains(out, "component=websocket") {
		t.Fatalf("expected component field, got: %s", out)
	}
	if !strings.Contains(out, "url=ws://localhost:8080") {
		t.Fatalf("expected url field, got: %s", out)
	}
}

func TestPreInitLoggerRespectsConfiguredLevel(t *testing.T) {
	logger := L("websocket")

	var buf bytes.Buffer
	Init("text", "warn", &buf)

	logger.Info("hidden")
	logger.Warn("shown")

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Fatalf("info log should be filtered at warn level: %s", out)
	}
	if !strings.Contains(out, "shown") {
		t.Fatalf("warn log should be emitted: %s", out)
	}
}

func TestJSONFormat(t *testing.T) {
	var buf bytes.Buffer
	Init("json", "debug", &buf)
	L("router").Debug("dispatch", KeyRequestID, "r-1")

	out := buf.String()
	if !strings.Contains(out, `"requestId":"r-1"`) || !strings.Contains(out, `"component":"router"`) {
		t.Fatalf("expected json fields, got: %s", out)
	}
}

func TestSinkReceivesInfoEvenWhenOutputFiltered(t *testing.T) {
	var buf bytes.Buffer
	Init("text", "error", &buf)

	marker := "sink-marker-" + t.Name()
	L("agent").Info(marker, KeySessionID, "s1")

	if strings.Contains(buf.String(), marker) {
		t.Fatalf("info record should not reach error-level output")
	}

	lines := Recent(5)
	found := false
	for _, line := range lines {
		if strings.Contains(line, marker) && strings.Contains(line, "[agent]") && strings.Contains(line, "sessionId=s1") {
			found = true
		}
	}
	if !found {
		t.Fatalf("sink missing record, got %v", lines)
	}
}

func TestSinkSkipsDebug(t *testing.T) {
	var buf bytes.Buffer
	Init("text", "debug", &buf)

	marker := "debug-only-" + t.Name()
	L("agent").Debug(marker)
	for _, line := range Recent(0) {
		if strings.Contains(line, marker) {
			t.Fatalf("debug record should not be appended to the sink")
		}
	}
}

func TestSinkEvictsOldest(t *testing.T) {
	s := NewSink(3)
	for i := 0; i < 5; i++ {
		s.Append(fmt.Sprintf("line-%d", i))
	}

	if s.Len() != 3 {
		t.Fatalf("Len = %d, want 3", s.Len())
	}
	got := s.Recent(0)
	want := []string{"line-2", "line-3", "line-4"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("Recent = %v, want %v", got, want)
		}
	}
	if last := s.Recent(1); len(last) != 1 || last[0] != "line-4" {
		t.Fatalf("Recent(1) = %v", last)
	}
}

func TestSinkHandlerKeepsLoggerAttrs(t *testing.T) {
	var buf bytes.Buffer
	sink := NewSink(10)
	handler := &sinkHandler{
		base: slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}),
		sink: sink,
	}

	logger := slog.New(handler).With(slog.String(KeyComponent, "shell"), slog.String("subsystem", "reader"))
	logger.Warn("read failed", slog.String(KeySessionID, "abc"))

	lines := sink.Recent(0)
	if len(lines) != 1 {
		t.Fatalf("expected 1 line, got %v", lines)
	}
	line := lines[0]
	for _, want := range []string{"WARN", "[shell]", "read failed", "subsystem=reader", "sessionId=abc"} {
		if !strings.Contains(line, want) {
			t.Fatalf("line %q missing %q", line, want)
		}
	}
}

func TestSinkQualifiesGroupedKeys(t *testing.T) {
	var buf bytes.Buffer
	sink := NewSink(10)
	root := newSwapHandler(&sinkHandler{
		base: slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}),
		sink: sink,
	})

	logger := slog.New(root).
		With(slog.String(KeyComponent, "router"), slog.String("outer", "1")).
		WithGroup("req").
		With(slog.String("id", "r1"))
	logger.Info("handled", slog.Int("ms", 5))

	lines := sink.Recent(0)
	if len(lines) != 1 {
		t.Fatalf("expected 1 line, got %v", lines)
	}
	for _, want := range []string{"[router]", " outer=1", " req.id=r1", " req.ms=5"} {
		if !strings.Contains(lines[0], want) {
			t.Fatalf("sink line %q missing %q", lines[0], want)
		}
		if !strings.Contains(buf.String(), strings.TrimPrefix(strings.Trim(want, "[]"), " ")) {
			t.Fatalf("handler output %q missing %q", buf.String(), want)
		}
	}
	if strings.Contains(lines[0], "req.outer") || strings.Contains(buf.String(), "req.outer") {
		t.Fatalf("attr bound before the group was moved into it: %q / %q", lines[0], buf.String())
	}
}

func TestRotatingWriterRotates(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "agent.log")
	rw, err := NewRotatingWriter(path, 1, 2)
	if err != nil {
		t.Fatal(err)
	}
	defer rw.Close()

	chunk := bytes.Repeat([]byte("x"), 600*1024)
	for i := 0; i < 3; i++ {
		if _, err := rw.Write(chunk); err != nil {
			t.Fatalf("write %d: %v", i, err)
		}
	}

	if _, err := os.Stat(path + ".1"); err != nil {
		t.Fatalf("expected first backup: %v", err)
	}
	if _, err := os.Stat(path + ".2"); err != nil {
		t.Fatalf("expected second backup: %v", err)
	}
	if _, err := os.Stat(path + ".3"); !os.IsNotExist(err) {
		t.Fatalf("backup beyond maxBackups should not exist")
	}
}
