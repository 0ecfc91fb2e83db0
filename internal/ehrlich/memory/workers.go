package memory

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

var (
	// ErrWorkersStopped is returned by tasks submitted after Stop.
	ErrWorkersStopped = errors.New("memory workers: stopped")
	// ErrQueueFull is returned by tasks submitted while the queue is full.
	ErrQueueFull = errors.New("memory workers: queue full")
)

// Task is the handle of a background job. Done is closed once the job has
// finished (or was rejected); Err is valid after that.
type Task struct {
	name     string
	done     chan struct{}
	err      error
	rejected bool
}

func newTask(name string) *Task {
	return &Task{name: name, done: make(chan struct{})}
}

func (t *Task) finish(err error) {
	t.err = err
	close(t.done)
}

// Name returns the label given at submission.
func (t *Task) Name() string { return t.name }

// Done is closed when the task completes.
func (t *Task) Done() <-chan struct{} { return t.done }

// Err returns the job's error. It must only be called after Done is closed.
func (t *Task) Err() error { return t.err }

// Rejected reports whether the scheduler refused the job. It is set before
// Done is closed.
func (t *Task) Rejected() bool { return t.rejected }

// Wait blocks until the task completes or ctx ends.
func (t *Task) Wait(ctx context.Context) error {
	select {
	case <-t.done:
		return t.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Scheduler runs background memory jobs. Submit never blocks; a job it
// cannot accept is returned as an already-finished, rejected Task.
type Scheduler interface {
	Submit(name string, fn func(ctx context.Context) error) *Task
}

type job struct {
	task *Task
	fn   func(ctx context.Context) error
}

// WorkersConfig sizes the pool.
type WorkersConfig struct {
	// Size is the number of worker goroutines. Default: 2.
	Size int
	// QueueSize bounds pending jobs. Default: 64.
	QueueSize int
	// JobTimeout bounds each job's context. Default: 2 minutes.
	JobTimeout time.Duration
}

// Workers is a bounded goroutine pool implementing Scheduler.
type Workers struct {
	cfg    WorkersConfig
	jobs   chan job
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	logger *slog.Logger

	mu      sync.Mutex
	stopped bool
}

// NewWorkers starts the pool. If logger is nil, the default slog logger is
// used.
func NewWorkers(cfg WorkersConfig, logger *slog.Logger) *Workers {
	if cfg.Size <= 0 {
		cfg.Size = 2
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 64
	}
	if cfg.JobTimeout <= 0 {
		cfg.JobTimeout = 2 * time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	w := &Workers{
		cfg:    cfg,
		jobs:   make(chan job, cfg.QueueSize),
		ctx:    ctx,
		cancel: cancel,
		logger: logger,
	}
	for i := 0; i < cfg.Size; i++ {
		w.wg.Add(1)
		go w.loop()
	}
	return w
}

// Submit enqueues fn.
func (w *Workers) Submit(name string, fn func(ctx context.Context) error) *Task {
	t := newTask(name)

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.stopped {
		t.rejected = true
		t.finish(ErrWorkersStopped)
		return t
	}
	select {
	case w.jobs <- job{task: t, fn: fn}:
	default:
		t.rejected = true
		t.finish(ErrQueueFull)
	}
	return t
}

// Stop rejects new jobs, lets queued ones finish and waits for the workers.
// If ctx ends first, running jobs are cancelled and ctx's error returned.
func (w *Workers) Stop(ctx context.Context) error {
	w.mu.Lock()
	if !w.stopped {
		w.stopped = true
		close(w.jobs)
	}
	w.mu.Unlock()

	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		w.cancel()
		return nil
	case <-ctx.Done():
		w.cancel()
		<-done
		return ctx.Err()
	}
}

func (w *Workers) loop() {
	defer w.wg.Done()
	for j := range w.jobs {
		err := w.run(j)
		if err != nil {
			w.logger.Warn("memory workers: task failed", "task", j.task.name, "err", err)
		}
		j.task.finish(err)
	}
}

// run executes one job with a timeout, turning panics into errors so a bad
// job cannot take a worker down.
func (w *Workers) run(j job) (err error) {
	ctx, cancel := context.WithTimeout(w.ctx, w.cfg.JobTimeout)
	defer cancel()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("memory workers: task %s panicked: %v", j.task.name, r)
		}
	}()
	return j.fn(ctx)
}

var _ Scheduler = (*Workers)(nil)

// GoScheduler runs each job on its own goroutine. It is the fallback when a
// Conversation is built without a Scheduler.
type GoScheduler struct{}

// Submit implements Scheduler.
func (GoScheduler) Submit(name string, fn func(ctx context.Context) error) *Task {
	t := newTask(name)
	go func() { t.finish(fn(context.Background())) }()
	return t
}
