package workerpool

import (
	"context"
	"runtime/debug"
	"sync"
	"sync/atomic"

	"github.com/bmagent/agent/internal/logging"
)

var log = logging.L("workerpool")

// Task is a unit of work submitted to the pool.
type Task func()

// Pool runs request handlers off the connection's read goroutine on a fixed
// set of workers. The queue is bounded and a full queue rejects work rather
// than blocking the reader.
type Pool struct {
	tasks   chan Task
	workers sync.WaitGroup
	pending atomic.Int64

	mu     sync.RWMutex
	closed bool
}

func New(maxWorkers, queueSize int) *Pool {
	maxWorkers = max(maxWorkers, 1)
	queueSize = max(queueSize, 1)

	p := &Pool{tasks: make(chan Task, queueSize)}
	p.workers.Add(maxWorkers)
	for range maxWorkers {
		go p.work()
	}
	log.Info("worker pool started", "workers", maxWorkers, "queueSize", queueSize)
	return p
}

// Submit enqueues task. It reports false once the pool is shut down or when
// the queue is full.
func (p *Pool) Submit(task Task) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return false
	}

	p.pending.Add(1)
	select {
	case p.tasks <- task:
		return true
	default:
		p.pending.Add(-1)
		log.Warn("worker pool queue full, task rejected", "pending", p.Pending())
		return false
	}
}

// Pending counts queued plus running tasks.
func (p *Pool) Pending() int {
	return int(p.pending.Load())
}

// Shutdown refuses new work and waits for everything already queued to
// finish, or for ctx to end. Workers keep draining in the background after
// a timeout. Safe to call more than once.
func (p *Pool) Shutdown(ctx context.Context) {
	p.mu.Lock()
	if !p.closed {
		p.closed = true
		close(p.tasks)
	}
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.workers.Wait()
		close(done)
	}()

	select {
	case <-done:
		log.Info("worker pool drained")
	case <-ctx.Done():
		log.Warn("worker pool drain timed out", "pending", p.Pending())
	}
}

func (p *Pool) work() {
	defer p.workers.Done()
	for task := range p.tasks {
		p.run(task)
	}
}

func (p *Pool) run(task Task) {
	defer p.pending.Add(-1)
	defer func() {
		if r := recover(); r != nil {
			log.Error("task panicked", "panic", r, "stack", string(debug.Stack()))
		}
	}()
	task()
}
