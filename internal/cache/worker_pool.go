package cache

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// downloadHandler processes one file; the context is cancelled when the
// file is cancelled, paused, or the pool shuts down.
type downloadHandler func(ctx context.Context, file *File) error

// workerPool runs downloads on a small fixed set of goroutines so the
// engine never saturates the device's network or disk.
type workerPool struct {
	maxWorkers int
	jobs       chan *File
	activeJobs sync.Map // entry ID -> *File
	wg         sync.WaitGroup
	ctx        context.Context
	cancel     context.CancelFunc
	handler    downloadHandler
	logger     *zap.Logger
	mu         sync.RWMutex
	started    bool
}

func newWorkerPool(maxWorkers int, handler downloadHandler, logger *zap.Logger) *workerPool {
	if maxWorkers <= 0 {
		maxWorkers = 3
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &workerPool{
		maxWorkers: maxWorkers,
		jobs:       make(chan *File, 1024),
		handler:    handler,
		logger:     logger,
	}
}

func (wp *workerPool) Start(ctx context.Context) error {
	wp.mu.Lock()
	defer wp.mu.Unlock()

	if wp.started {
		return fmt.Errorf("worker pool already started")
	}
	if wp.handler == nil {
		return fmt.Errorf("download handler not set")
	}

	wp.ctx, wp.cancel = context.WithCancel(ctx)
	for i := 0; i < wp.maxWorkers; i++ {
		wp.wg.Add(1)
		go wp.worker()
	}
	wp.started = true
	return nil
}

func (wp *workerPool) worker() {
	defer wp.wg.Done()

	for {
		select {
		case <-wp.ctx.Done():
			return
		case file := <-wp.jobs:
			wp.processFile(file)
		}
	}
}

func (wp *workerPool) processFile(file *File) {
	// A file pulled from the queue may have been cancelled or already
	// picked up while it waited.
	if state, _ := file.snapshotState(); state != StateQueued && state != StatePaused && state != StateFailed {
		return
	}

	wp.activeJobs.Store(file.Entry.ID, file)
	defer wp.activeJobs.Delete(file.Entry.ID)

	if err := wp.handler(wp.ctx, file); err != nil {
		// Per-file errors are contained; the pool and its other
		// workers keep running.
		wp.logger.Debug("download finished with error",
			zap.String("entry", file.Entry.ID),
			zap.Error(err))
	}
}

// Submit queues a file for a worker. Non-blocking against shutdown.
func (wp *workerPool) Submit(file *File) error {
	wp.mu.RLock()
	if !wp.started {
		wp.mu.RUnlock()
		return fmt.Errorf("worker pool not started")
	}
	wp.mu.RUnlock()

	select {
	case wp.jobs <- file:
		return nil
	case <-wp.ctx.Done():
		return fmt.Errorf("worker pool is shutting down")
	}
}

// ActiveCount returns the number of files currently being written.
func (wp *workerPool) ActiveCount() int {
	count := 0
	wp.activeJobs.Range(func(key, value any) bool {
		count++
		return true
	})
	return count
}

// Drain removes all queued but unstarted files.
func (wp *workerPool) Drain() {
	for {
		select {
		case <-wp.jobs:
		default:
			return
		}
	}
}

// Stop cancels active downloads and waits for workers to exit. The jobs
// channel is never closed; workers leave on context cancellation, so a
// Submit racing Stop can at worst park a file in the buffer.
func (wp *workerPool) Stop() {
	wp.mu.Lock()
	if !wp.started {
		wp.mu.Unlock()
		return
	}
	wp.started = false
	wp.mu.Unlock()

	wp.activeJobs.Range(func(key, value any) bool {
		if file, ok := value.(*File); ok {
			file.Pause()
		}
		return true
	})

	wp.cancel()
	wp.wg.Wait()
}
