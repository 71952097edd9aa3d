package services

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-navigator/pkg/apperrors"
)

// DefaultWorkers is the dispatcher size when none is configured.
const DefaultWorkers = 4

// Job is one unit of background work. ctx is cancelled when the dispatcher
// closes.
type Job func(ctx context.Context) error

type dispatchedJob struct {
	name     string
	run      Job
	callback func(error)
}

// Dispatcher runs UI-originated work on a fixed set of worker goroutines so
// the caller never blocks on network I/O. Results are reported through
// callbacks invoked on the worker goroutine.
type Dispatcher struct {
	jobs    chan dispatchedJob
	workers int

	mu     sync.RWMutex
	closed bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	running   atomic.Int64
	completed atomic.Int64
	failed    atomic.Int64

	logger *zap.Logger
}

// DispatcherOption configures a Dispatcher.
type DispatcherOption func(*Dispatcher)

// WithWorkers sets the number of worker goroutines.
func WithWorkers(n int) DispatcherOption {
	return func(d *Dispatcher) {
		if n > 0 {
			d.workers = n
		}
	}
}

// WithQueueSize sets how many jobs may wait before Submit blocks.
func WithQueueSize(n int) DispatcherOption {
	return func(d *Dispatcher) {
		if n >= 0 {
			d.jobs = make(chan dispatchedJob, n)
		}
	}
}

// NewDispatcher starts the workers.
func NewDispatcher(logger *zap.Logger, opts ...DispatcherOption) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	d := &Dispatcher{
		workers: DefaultWorkers,
		ctx:     ctx,
		cancel:  cancel,
		logger:  logger.Named("dispatcher"),
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.jobs == nil {
		d.jobs = make(chan dispatchedJob, d.workers*16)
	}

	d.wg.Add(d.workers)
	for range d.workers {
		go d.worker()
	}
	return d
}

// Submit queues job. callback, when non-nil, receives the job's result. It
// blocks only while the queue is full and fails with
// apperrors.ErrAlreadyClosed once the dispatcher is closed.
func (d *Dispatcher) Submit(name string, job Job, callback func(error)) error {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if d.closed {
		return fmt.Errorf("submit %s: %w", name, apperrors.ErrAlreadyClosed)
	}
	select {
	case d.jobs <- dispatchedJob{name: name, run: job, callback: callback}:
		return nil
	case <-d.ctx.Done():
		return fmt.Errorf("submit %s: %w", name, apperrors.ErrAlreadyClosed)
	}
}

func (d *Dispatcher) worker() {
	defer d.wg.Done()
	for job := range d.jobs {
		d.execute(job)
	}
}

func (d *Dispatcher) execute(job dispatchedJob) {
	d.running.Add(1)
	defer d.running.Add(-1)

	err := d.safeRun(job)
	if err != nil {
		d.failed.Add(1)
		d.logger.Debug("Job failed", zap.String("job", job.name), zap.Error(err))
	} else {
		d.completed.Add(1)
	}

	if job.callback != nil {
		job.callback(err)
	}
}

func (d *Dispatcher) safeRun(job dispatchedJob) (err error) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("Job panicked", zap.String("job", job.name), zap.Any("panic", r))
			err = fmt.Errorf("job %s panicked: %v", job.name, r)
		}
	}()
	if ctxErr := d.ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	return job.run(d.ctx)
}

// DispatcherStats reports job counters.
type DispatcherStats struct {
	Workers   int   `json:"workers"`
	Queued    int   `json:"queued"`
	Running   int64 `json:"running"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
}

func (d *Dispatcher) Stats() DispatcherStats {
	return DispatcherStats{
		Workers:   d.workers,
		Queued:    len(d.jobs),
		Running:   d.running.Load(),
		Completed: d.completed.Load(),
		Failed:    d.failed.Load(),
	}
}

// Close rejects new jobs, cancels running ones and waits for the workers.
// Queued jobs still run their callbacks with the cancellation error.
func (d *Dispatcher) Close() error {
	d.cancel()

	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	close(d.jobs)
	d.mu.Unlock()

	d.wg.Wait()
	d.logger.Debug("Dispatcher closed",
		zap.Int64("completed", d.completed.Load()),
		zap.Int64("failed", d.failed.Load()))
	return nil
}
