package tasks

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/kubilitics/churnwatch/internal/pkg/metrics"
)

var (
	// ErrQueueFull is returned by Submit when no queue slot is free.
	ErrQueueFull = errors.New("task queue is full")
	// ErrRunnerStopped is returned by Submit after Stop.
	ErrRunnerStopped = errors.New("task runner is stopped")
)

// Task is a unit of background work.
type Task struct {
	Name       string
	MaxRetries int
	Backoff    time.Duration
	Run        func(ctx context.Context) Result
	// OnDone, if set, receives the final result.
	OnDone func(Result)
}

type job struct {
	task    Task
	attempt int
}

// Runner executes tasks on a fixed pool of workers over a buffered queue.
type Runner struct {
	workers int
	queue   chan *job
	logger  *zap.Logger

	mu       sync.Mutex
	started  bool
	stopped  bool
	ctx      context.Context
	cancel   context.CancelFunc
	workerWG sync.WaitGroup
	inflight sync.WaitGroup
}

// NewRunner creates a runner with the given pool and queue sizes.
func NewRunner(workers, queueSize int, logger *zap.Logger) *Runner {
	if workers < 1 {
		workers = 1
	}
	if queueSize < 1 {
		queueSize = 100
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Runner{
		workers: workers,
		queue:   make(chan *job, queueSize),
		logger:  logger.Named("tasks"),
	}
}

// Start launches the workers. Tasks run with a context derived from ctx.
func (r *Runner) Start(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.started {
		return
	}
	r.started = true
	r.ctx, r.cancel = context.WithCancel(ctx)

	r.logger.Info("starting task runner", zap.Int("workers", r.workers), zap.Int("queue_size", cap(r.queue)))
	for i := 0; i < r.workers; i++ {
		r.workerWG.Add(1)
		go r.loop(i + 1)
	}
}

// Submit enqueues t without blocking.
func (r *Runner) Submit(t Task) error {
	if t.Run == nil {
		return fmt.Errorf("task %s has no run function", t.Name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stopped {
		return ErrRunnerStopped
	}
	r.inflight.Add(1)
	select {
	case r.queue <- &job{task: t}:
		metrics.TaskQueueDepth.Set(float64(len(r.queue)))
		return nil
	default:
		r.inflight.Done()
		return ErrQueueFull
	}
}

// Wait blocks until every submitted task, including pending retries, has finished.
func (r *Runner) Wait() {
	r.inflight.Wait()
}

// Stop stops accepting tasks, cancels running ones and waits for the workers
// or for ctx to expire. Retries still waiting on their backoff are dropped.
func (r *Runner) Stop(ctx context.Context) error {
	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()
		return nil
	}
	r.stopped = true
	cancel := r.cancel
	r.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	done := make(chan struct{})
	go func() {
		r.workerWG.Wait()
		r.drain()
		close(done)
	}()
	select {
	case <-done:
		r.logger.Info("task runner stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Runner) loop(workerID int) {
	defer r.workerWG.Done()
	for {
		select {
		case <-r.ctx.Done():
			r.drain()
			return
		case j := <-r.queue:
			metrics.TaskQueueDepth.Set(float64(len(r.queue)))
			r.execute(workerID, j)
		}
	}
}

// drain releases queued jobs that will never run.
func (r *Runner) drain() {
	for {
		select {
		case j := <-r.queue:
			r.logger.Warn("dropping queued task on shutdown", zap.String("task", j.task.Name))
			r.finish(j, Fatal(context.Canceled), "dropped")
		default:
			return
		}
	}
}

func (r *Runner) execute(workerID int, j *job) {
	res := r.runSafely(workerID, j)
	log := r.logger.With(
		zap.String("task", j.task.Name),
		zap.Int("attempt", j.attempt+1),
		zap.Int("worker_id", workerID),
	)

	switch {
	case res.IsOk():
		r.finish(j, res, "ok")
	case res.IsFatal():
		log.Error("task failed", zap.Error(res.Err))
		r.finish(j, res, "fatal")
	case j.attempt >= j.task.MaxRetries:
		log.Error("task failed after retries", zap.Int("max_retries", j.task.MaxRetries), zap.Error(res.Err))
		r.finish(j, res, "exhausted")
	default:
		log.Warn("task failed, retrying", zap.Duration("backoff", j.task.Backoff), zap.Error(res.Err))
		metrics.TaskRetriesTotal.WithLabelValues(j.task.Name).Inc()
		j.attempt++
		go r.requeue(j)
	}
}

func (r *Runner) runSafely(workerID int, j *job) (res Result) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("task panic",
				zap.String("task", j.task.Name),
				zap.Int("worker_id", workerID),
				zap.Any("panic", rec),
			)
			res = Fatal(fmt.Errorf("panic: %v", rec))
		}
	}()
	return j.task.Run(r.ctx)
}

func (r *Runner) requeue(j *job) {
	timer := time.NewTimer(j.task.Backoff)
	defer timer.Stop()
	select {
	case <-r.ctx.Done():
		r.finish(j, Fatal(context.Canceled), "dropped")
		return
	case <-timer.C:
	}

	// Stop flips stopped under mu before cancelling, so a job sent here is
	// always seen by a worker or by the drain.
	r.mu.Lock()
	var dropErr error
	if r.stopped {
		dropErr = context.Canceled
	} else {
		select {
		case r.queue <- j:
			metrics.TaskQueueDepth.Set(float64(len(r.queue)))
		default:
			dropErr = ErrQueueFull
		}
	}
	r.mu.Unlock()

	if dropErr != nil {
		r.logger.Warn("dropping task retry", zap.String("task", j.task.Name), zap.Error(dropErr))
		r.finish(j, Fatal(dropErr), "dropped")
	}
}

func (r *Runner) finish(j *job, res Result, label string) {
	metrics.TasksTotal.WithLabelValues(j.task.Name, label).Inc()
	if j.task.OnDone != nil {
		j.task.OnDone(res)
	}
	r.inflight.Done()
}
