package tasks

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/swimr-hq/swimr/internal/common"
)

// Task is a unit of detached work whose lifetime is the process, not the
// request or view that spawned it.
type Task struct {
	Name string
	Run  func(ctx context.Context) error
}

// Runner executes detached tasks on a bounded queue with a small worker pool.
type Runner struct {
	log        *slog.Logger
	ch         chan Task
	workers    int
	wg         sync.WaitGroup
	cancelOnce sync.Once
	cancel     context.CancelFunc
	started    bool
	mu         sync.Mutex
}

// NewRunner creates a Runner with the given queue capacity and worker count.
func NewRunner(logger *slog.Logger, capacity int, workers int) *Runner {
	if capacity <= 0 {
		capacity = common.DefaultTaskCapacity
	}
	if workers <= 0 {
		workers = common.DefaultTaskWorkers
	}
	return &Runner{
		log:     logger,
		ch:      make(chan Task, capacity),
		workers: workers,
	}
}

// Start launches the worker goroutines.
func (r *Runner) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.started {
		return errors.New("runner already started")
	}
	ctx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	for i := 0; i < r.workers; i++ {
		r.wg.Add(1)
		go r.worker(ctx, i)
	}
	r.started = true
	return nil
}

func (r *Runner) worker(ctx context.Context, idx int) {
	defer r.wg.Done()
	log := r.log.With("worker", idx)
	for {
		select {
		case <-ctx.Done():
			log.Debug("worker stopping due to context cancellation")
			return
		case task, ok := <-r.ch:
			if !ok {
				log.Debug("runner closed, worker exiting")
				return
			}
			start := time.Now()
			if err := task.Run(ctx); err != nil {
				log.Error("task failed", "task", task.Name, "err", err, "duration", time.Since(start))
			} else {
				log.Debug("task finished", "task", task.Name, "duration", time.Since(start))
			}
		}
	}
}

// Submit queues a task without blocking.
func (r *Runner) Submit(task Task) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.started {
		return errors.New("runner not started")
	}
	select {
	case r.ch <- task:
		return nil
	default:
		return errors.New("task queue is full")
	}
}

// Shutdown stops accepting work and waits for in-flight tasks up to deadline.
func (r *Runner) Shutdown(deadline time.Duration) {
	r.cancelOnce.Do(func() {
		if r.cancel != nil {
			r.cancel()
		}
		close(r.ch)

		done := make(chan struct{})
		go func() {
			defer close(done)
			r.wg.Wait()
		}()

		if deadline <= 0 {
			<-done
			return
		}

		timer := time.NewTimer(deadline)
		defer timer.Stop()
		select {
		case <-done:
			return
		case <-timer.C:
			r.log.Warn("runner shutdown deadline reached; tasks may still be running")
		}
	})
}
