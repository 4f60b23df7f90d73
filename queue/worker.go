package queue

import (
	"context"
	"fmt"
	"log"
	"time"
)

// Handler executes one task. A non-nil error is logged by the worker; it
// never stops the loop.
type Handler func(ctx context.Context, task Task) error

// DefaultPollInterval is the sleep between drains when the queue is empty
const DefaultPollInterval = 1 * time.Second

// Worker drains the queue one task at a time, sequentially. A task is never
// removed from storage before being attempted and never left in storage
// after; a crash between the attempt and the rewrite loses at most the
// in-flight task (at-most-once dispatch). The queue is reloaded before and
// rewritten after each attempt as whole snapshots, so a task appended by a
// concurrent producer inside that window is lost with the rewrite; producers
// are expected to enqueue between attempts, not during them.
type Worker struct {
	store    Store
	handlers map[string]Handler
	interval time.Duration
	logger   *log.Logger
}

// WorkerOption configures the worker
type WorkerOption func(*Worker)

// WithPollInterval sets the empty-queue sleep interval
func WithPollInterval(d time.Duration) WorkerOption {
	return func(w *Worker) {
		w.interval = d
	}
}

// WithLogger sets the event logger
func WithLogger(logger *log.Logger) WorkerOption {
	return func(w *Worker) {
		w.logger = logger
	}
}

// NewWorker creates a worker over the given store
func NewWorker(store Store, opts ...WorkerOption) *Worker {
	w := &Worker{
		store:    store,
		handlers: make(map[string]Handler),
		interval: DefaultPollInterval,
		logger:   log.Default(),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Handle registers the handler for a task type tag
func (w *Worker) Handle(taskType string, h Handler) {
	w.handlers[taskType] = h
}

// Run drains tasks until ctx is cancelled. Stop requests take effect
// between tasks, never mid-dispatch.
func (w *Worker) Run(ctx context.Context) error {
	w.logger.Printf("worker: running")

	for {
		select {
		case <-ctx.Done():
			w.logger.Printf("worker: stopping")
			return ctx.Err()
		default:
		}

		drained, err := w.runNext(ctx)
		if err != nil {
			w.logger.Printf("worker: queue error: %v", err)
		}
		if drained {
			continue
		}

		select {
		case <-ctx.Done():
			w.logger.Printf("worker: stopping")
			return ctx.Err()
		case <-time.After(w.interval):
		}
	}
}

// runNext attempts the task at the front of the queue. It reports whether a
// task was attempted. The queue is rewritten with the task removed only
// after the dispatch attempt completes, success or caught failure.
func (w *Worker) runNext(ctx context.Context) (bool, error) {
	tasks, err := w.store.Load()
	if err != nil {
		return false, err
	}
	if len(tasks) == 0 {
		return false, nil
	}

	task := tasks[0]
	w.dispatch(ctx, task)

	if err := w.store.Save(tasks[1:]); err != nil {
		return true, fmt.Errorf("failed to remove attempted task %s: %w", task.ID, err)
	}
	return true, nil
}

// dispatch routes one task by its type tag, catching handler failures
func (w *Worker) dispatch(ctx context.Context, task Task) {
	w.logger.Printf("worker: running task %s (%s)", task.Type, task.ID)

	h, ok := w.handlers[task.Type]
	if !ok {
		w.logger.Printf("worker: no handler for task type %q, dropping task %s", task.Type, task.ID)
		return
	}
	if err := h(ctx, task); err != nil {
		w.logger.Printf("worker: task %s (%s) failed: %v", task.Type, task.ID, err)
		return
	}
	w.logger.Printf("worker: task %s (%s) completed", task.Type, task.ID)
}
