// Package taskqueue provides the background task facility the batch
// orchestrator runs on. Callers depend only on the Queue interface; the
// backend is selected once at startup, preferring the worker-pool scheduler
// and falling back to plain deferred timers.
package taskqueue

import (
	"context"
	"io"
	"log"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/tphakala/media-migrate/internal/logging"
)

// Package-level logger specific to the task queue
var (
	logger          *slog.Logger
	serviceLevelVar = new(slog.LevelVar)
	closeLogger     func() error
)

func init() {
	var err error
	logFilePath := filepath.Join("logs", "taskqueue.log")
	serviceLevelVar.Set(slog.LevelInfo)

	logger, closeLogger, err = logging.NewFileLogger(logFilePath, "taskqueue", serviceLevelVar)
	if err != nil {
		log.Printf("Failed to initialize taskqueue file logger at %s: %v. Service logging disabled.", logFilePath, err)
		fbHandler := slog.NewJSONHandler(io.Discard, &slog.HandlerOptions{Level: serviceLevelVar})
		logger = slog.New(fbHandler).With("service", "taskqueue")
		closeLogger = func() error { return nil }
	}
}

// Task is one unit of queued work.
type Task struct {
	Name string
	Args map[string]string
}

// Handler executes one task. Delivery is at-least-once: a handler may see
// the same logical task twice and must tolerate it.
type Handler func(ctx context.Context, task Task) error

// Queue enqueues named tasks for background execution.
type Queue interface {
	// Enqueue schedules a task after delay. Returns false when the task
	// could not be accepted.
	Enqueue(taskName string, args map[string]string, delay time.Duration) bool
	Close()
}

// Registry maps task names to their handlers.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

// NewRegistry creates an empty handler registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

// Register installs the handler for a task name, replacing any previous one.
func (r *Registry) Register(name string, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[name] = h
}

func (r *Registry) lookup(name string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[name]
	return h, ok
}

// New selects the queue backend: a worker-pool scheduler when workers is
// positive, otherwise deferred timers. The choice is made once; callers see
// only the Queue interface.
func New(ctx context.Context, registry *Registry, workers, buffer int) Queue {
	if workers > 0 {
		logger.Info("using worker-pool task backend", "workers", workers, "buffer", buffer)
		return newWorkerQueue(ctx, registry, workers, buffer)
	}
	logger.Info("using deferred-timer task backend")
	return newTimerQueue(ctx, registry)
}

// workerQueue dispatches tasks to a fixed worker pool through a bounded
// channel. Delayed tasks are held by a timer until due.
type workerQueue struct {
	ctx      context.Context
	cancel   context.CancelFunc
	registry *Registry
	tasks    chan Task
	wg       sync.WaitGroup
}

func newWorkerQueue(ctx context.Context, registry *Registry, workers, buffer int) *workerQueue {
	if buffer <= 0 {
		buffer = 64
	}
	qctx, cancel := context.WithCancel(ctx)
	q := &workerQueue{
		ctx:      qctx,
		cancel:   cancel,
		registry: registry,
		tasks:    make(chan Task, buffer),
	}
	for i := 0; i < workers; i++ {
		q.wg.Add(1)
		go q.worker()
	}
	return q
}

func (q *workerQueue) worker() {
	defer q.wg.Done()
	for {
		select {
		case <-q.ctx.Done():
			return
		case task := <-q.tasks:
			q.run(task)
		}
	}
}

func (q *workerQueue) run(task Task) {
	handler, ok := q.registry.lookup(task.Name)
	if !ok {
		logger.Error("no handler registered for task", "task", task.Name)
		return
	}
	start := time.Now()
	if err := handler(q.ctx, task); err != nil {
		logger.Error("task failed", "task", task.Name, "error", err)
		return
	}
	logger.Debug("task complete", "task", task.Name, "duration_ms", time.Since(start).Milliseconds())
}

// Enqueue accepts the task unless the queue is shut down or full.
func (q *workerQueue) Enqueue(taskName string, args map[string]string, delay time.Duration) bool {
	task := Task{Name: taskName, Args: args}
	if delay > 0 {
		timer := time.AfterFunc(delay, func() {
			if !q.submit(task) {
				logger.Error("delayed task dropped, queue unavailable", "task", taskName)
			}
		})
		go func() {
			<-q.ctx.Done()
			timer.Stop()
		}()
		return true
	}
	return q.submit(task)
}

func (q *workerQueue) submit(task Task) bool {
	select {
	case <-q.ctx.Done():
		return false
	case q.tasks <- task:
		return true
	default:
		logger.Warn("task queue full", "task", task.Name)
		return false
	}
}

// Close stops the workers and waits for in-flight tasks to finish.
func (q *workerQueue) Close() {
	q.cancel()
	q.wg.Wait()
}

// timerQueue is the fallback backend: every task runs on its own deferred
// timer goroutine.
type timerQueue struct {
	ctx      context.Context
	cancel   context.CancelFunc
	registry *Registry
	wg       sync.WaitGroup
}

func newTimerQueue(ctx context.Context, registry *Registry) *timerQueue {
	qctx, cancel := context.WithCancel(ctx)
	return &timerQueue{ctx: qctx, cancel: cancel, registry: registry}
}

func (q *timerQueue) Enqueue(taskName string, args map[string]string, delay time.Duration) bool {
	select {
	case <-q.ctx.Done():
		return false
	default:
	}

	q.wg.Add(1)
	go func() {
		defer q.wg.Done()
		if delay > 0 {
			select {
			case <-q.ctx.Done():
				return
			case <-time.After(delay):
			}
		}
		handler, ok := q.registry.lookup(taskName)
		if !ok {
			logger.Error("no handler registered for task", "task", taskName)
			return
		}
		if err := handler(q.ctx, Task{Name: taskName, Args: args}); err != nil {
			logger.Error("task failed", "task", taskName, "error", err)
		}
	}()
	return true
}

// Close cancels pending timers and waits for running tasks.
func (q *timerQueue) Close() {
	q.cancel()
	q.wg.Wait()
}

// CloseLogger releases the service log file. Called once at shutdown.
func CloseLogger() {
	if closeLogger != nil {
		if err := closeLogger(); err != nil {
			log.Printf("Error closing taskqueue logger: %v", err)
		}
	}
}
