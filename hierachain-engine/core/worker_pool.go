package core

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
)

// Worker pool errors
var (
	ErrPoolClosed = errors.New("worker pool is shut down")
	ErrQueueFull  = errors.New("task queue is full")
)

// Job is a unit of work run by the pool.
type Job func(ctx context.Context) error

// PoolStats contains worker pool statistics.
type PoolStats struct {
	Name        string  `json:"name"`
	Workers     int     `json:"workers"`
	Active      int64   `json:"active"`
	Completed   int64   `json:"completed"`
	Failed      int64   `json:"failed"`
	Pending     int     `json:"pending"`
	SuccessRate float64 `json:"success_rate"`
}

type task struct {
	job  Job
	done chan error
}

// WorkerPool runs jobs on a fixed set of goroutines. Inbound envelopes are
// verified and decoded here before they reach a node's single-threaded inbox.
type WorkerPool struct {
	name    string
	workers int
	tasks   chan task
	onError func(error)
	wg      sync.WaitGroup

	// Atomic counters for thread-safe statistics
	active    int64
	completed int64
	failed    int64

	// Control
	ctx     context.Context
	cancel  context.CancelFunc
	running bool
	mu      sync.RWMutex
}

// NewWorkerPool creates a pool with the given number of workers and queue
// capacity. onError, if set, receives every failed job's error.
func NewWorkerPool(name string, workers, queue int, onError func(error)) *WorkerPool {
	if workers <= 0 {
		workers = 1
	}
	if queue <= 0 {
		queue = workers * 100
	}

	ctx, cancel := context.WithCancel(context.Background())

	pool := &WorkerPool{
		name:    name,
		workers: workers,
		tasks:   make(chan task, queue),
		onError: onError,
		ctx:     ctx,
		cancel:  cancel,
		running: true,
	}

	for i := 0; i < workers; i++ {
		pool.wg.Add(1)
		go pool.worker()
	}

	return pool
}

func (p *WorkerPool) worker() {
	defer p.wg.Done()

	for {
		select {
		case <-p.ctx.Done():
			return
		case t, ok := <-p.tasks:
			if !ok {
				return
			}
			p.run(t)
		}
	}
}

func (p *WorkerPool) run(t task) {
	atomic.AddInt64(&p.active, 1)
	defer atomic.AddInt64(&p.active, -1)

	err := p.safeRun(t.job)
	if err != nil {
		atomic.AddInt64(&p.failed, 1)
		if p.onError != nil {
			p.onError(err)
		}
	} else {
		atomic.AddInt64(&p.completed, 1)
	}
	if t.done != nil {
		t.done <- err
	}
}

// safeRun keeps one panicking job from taking the pool down.
func (p *WorkerPool) safeRun(job Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.Errorf("panic in %s worker: %v", p.name, r)
		}
	}()
	return job(p.ctx)
}

// Submit queues a job without waiting for it.
func (p *WorkerPool) Submit(job Job) error {
	return p.submit(task{job: job})
}

// SubmitAndWait queues a job and waits for its result.
func (p *WorkerPool) SubmitAndWait(ctx context.Context, job Job) error {
	done := make(chan error, 1)
	if err := p.submit(task{job: job, done: done}); err != nil {
		return err
	}
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *WorkerPool) submit(t task) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if !p.running {
		return ErrPoolClosed
	}

	select {
	case p.tasks <- t:
		return nil
	default:
		return ErrQueueFull
	}
}

// GetStats returns current worker pool statistics.
func (p *WorkerPool) GetStats() PoolStats {
	completed := atomic.LoadInt64(&p.completed)
	failed := atomic.LoadInt64(&p.failed)
	total := completed + failed

	var successRate float64
	if total > 0 {
		successRate = float64(completed) / float64(total) * 100
	}

	return PoolStats{
		Name:        p.name,
		Workers:     p.workers,
		Active:      atomic.LoadInt64(&p.active),
		Completed:   completed,
		Failed:      failed,
		Pending:     len(p.tasks),
		SuccessRate: successRate,
	}
}

// Shutdown stops accepting jobs, drains the queue and waits for workers.
func (p *WorkerPool) Shutdown() {
	_ = p.ShutdownWithTimeout(0)
}

// ShutdownWithTimeout is Shutdown bounded by timeout (0 waits forever).
// Jobs still queued when the timeout expires see a cancelled context.
func (p *WorkerPool) ShutdownWithTimeout(timeout time.Duration) error {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return nil
	}
	p.running = false
	close(p.tasks)
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	if timeout <= 0 {
		<-done
		p.cancel()
		return nil
	}

	select {
	case <-done:
		p.cancel()
		return nil
	case <-time.After(timeout):
		p.cancel()
		return errors.New("shutdown timeout")
	}
}

// IsRunning returns true if the pool is still accepting jobs.
func (p *WorkerPool) IsRunning() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.running
}
