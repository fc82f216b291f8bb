package workerpool

import (
	"context"
	"sync/atomic"
	"testing"
	"time"
)

func shutdown(t *testing.T, p *Pool, d time.Duration) time.Duration {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), d)
	defer cancel()
	start := time.Now()
	p.Shutdown(ctx)
	return time.Since(start)
}

func TestShutdownRunsEverythingQueued(t *testing.T) {
	p := New(1, 32)
	var ran atomic.Int32
	for range 20 {
		if !p.Submit(func() {
			time.Sleep(time.Millisecond)
			ran.Add(1)
		}) {
			t.Fatal("Submit rejected with room in the queue")
		}
	}

	shutdown(t, p, 5*time.Second)
	if got := ran.Load(); got != 20 {
		t.Fatalf("ran %d tasks, want 20", got)
	}
	if got := p.Pending(); got != 0 {
		t.Fatalf("Pending = %d after drain", got)
	}
}

func TestSubmitAfterShutdown(t *testing.T) {
	p := New(2, 4)
	shutdown(t, p, time.Second)
	shutdown(t, p, time.Second)

	if p.Submit(func() {}) {
		t.Fatal("Submit accepted work after Shutdown")
	}
}

func TestFullQueueRejects(t *testing.T) {
	p := New(1, 1)
	release := make(chan struct{})
	started := make(chan struct{})

	p.Submit(func() {
		close(started)
		<-release
	})
	<-started
	if !p.Submit(func() {}) {
		t.Fatal("second task should fit in the queue")
	}
	if p.Submit(func() {}) {
		t.Fatal("third task should be rejected")
	}
	if got := p.Pending(); got != 2 {
		t.Fatalf("Pending = %d, want 2", got)
	}

	close(release)
	shutdown(t, p, 5*time.Second)
}

func TestShutdownHonoursDeadline(t *testing.T) {
	p := New(1, 1)
	release := make(chan struct{})
	defer close(release)
	p.Submit(func() { <-release })

	if took := shutdown(t, p, 50*time.Millisecond); took > time.Second {
		t.Fatalf("Shutdown took %v past its deadline", took)
	}
}

func TestPanicDoesNotKillWorker(t *testing.T) {
	p := New(1, 4)
	var ran atomic.Bool
	p.Submit(func() { panic("boom") })
	p.Submit(func() { ran.Store(true) })

	shutdown(t, p, 5*time.Second)
	if !ran.Load() {
		t.Fatal("task after a panic did not run")
	}
}
