package task

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// Task is one cancellable unit of background work.
type Task struct {
	ID     string
	Run    func(ctx context.Context) error
	OnDone func()
	OnErr  func(err error)

	ctx    context.Context
	cancel context.CancelFunc
}

// Runner executes one-shot background tasks on a bounded set of worker
// goroutines. Identity seeding, offline sync, and recent-count refreshes
// all go through here so a panicking task never takes the engine down.
type Runner struct {
	maxWorkers  int
	tasks       chan *Task
	activeTasks sync.Map
	wg          sync.WaitGroup
	ctx         context.Context
	cancel      context.CancelFunc
	logger      *zap.Logger
	mu          sync.RWMutex
	started     bool
}

// NewRunner creates a task runner with the given concurrency.
func NewRunner(maxWorkers int, logger *zap.Logger) *Runner {
	if maxWorkers <= 0 {
		maxWorkers = 2
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Runner{
		maxWorkers: maxWorkers,
		tasks:      make(chan *Task, 256),
		logger:     logger,
	}
}

// Start spawns the worker goroutines.
func (r *Runner) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.started {
		return fmt.Errorf("task runner already started")
	}

	r.ctx, r.cancel = context.WithCancel(ctx)
	for i := 0; i < r.maxWorkers; i++ {
		r.wg.Add(1)
		go r.worker()
	}
	r.started = true
	return nil
}

func (r *Runner) worker() {
	defer r.wg.Done()

	for {
		select {
		case <-r.ctx.Done():
			return
		case task := <-r.tasks:
			r.runTask(task)
		}
	}
}

func (r *Runner) runTask(task *Task) {
	r.activeTasks.Store(task.ID, task)
	defer r.activeTasks.Delete(task.ID)

	err := r.invoke(task)
	if err != nil {
		r.logger.Warn("background task failed",
			zap.String("task", task.ID),
			zap.Error(err))
		if task.OnErr != nil {
			task.OnErr(err)
		}
		return
	}
	if task.OnDone != nil {
		task.OnDone()
	}
}

// invoke runs the task body behind panic recovery.
func (r *Runner) invoke(task *Task) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("task %s panicked: %v", task.ID, rec)
		}
	}()
	return task.Run(task.ctx)
}

// Submit schedules a task for execution.
func (r *Runner) Submit(task *Task) error {
	r.mu.RLock()
	if !r.started {
		r.mu.RUnlock()
		return fmt.Errorf("task runner not started")
	}
	r.mu.RUnlock()

	if task.Run == nil {
		return fmt.Errorf("task %s has no body", task.ID)
	}

	task.ctx, task.cancel = context.WithCancel(r.ctx)

	select {
	case r.tasks <- task:
		return nil
	case <-r.ctx.Done():
		return fmt.Errorf("task runner is shutting down")
	}
}

// Cancel cancels a running task by id.
func (r *Runner) Cancel(taskID string) bool {
	value, ok := r.activeTasks.Load(taskID)
	if !ok {
		return false
	}
	if task, ok := value.(*Task); ok && task.cancel != nil {
		task.cancel()
		return true
	}
	return false
}

// Active returns the number of tasks currently running.
func (r *Runner) Active() int {
	count := 0
	r.activeTasks.Range(func(key, value any) bool {
		count++
		return true
	})
	return count
}

// Stop cancels all running tasks and waits for workers to exit. The
// tasks channel is never closed; workers leave on context cancellation,
// so a Submit racing Stop cannot hit a closed channel.
func (r *Runner) Stop() {
	r.mu.Lock()
	if !r.started {
		r.mu.Unlock()
		return
	}
	r.started = false
	r.mu.Unlock()

	r.activeTasks.Range(func(key, value any) bool {
		if task, ok := value.(*Task); ok && task.cancel != nil {
			task.cancel()
		}
		return true
	})

	r.cancel()
	r.wg.Wait()
}
