package worker

import (
	"context"
	"sync"
)

// WorkerPool runs submitted tasks on a fixed number of goroutines. The sync
// engine uses it to fetch full messages for a page without hammering the
// provider with unbounded concurrency.
type WorkerPool struct {
	workerCount int
	taskChan    chan func() error
	wg          sync.WaitGroup
	ctx         context.Context
	cancel      context.CancelFunc
	closed      bool
	mu          sync.Mutex
}

// NewWorkerPool creates and starts a pool with workerCount goroutines.
func NewWorkerPool(workerCount int) *WorkerPool {
	ctx, cancel := context.WithCancel(context.Background())
	wp := &WorkerPool{
		workerCount: workerCount,
		taskChan:    make(chan func() error, workerCount*2),
		ctx:         ctx,
		cancel:      cancel,
	}
	wp.start()
	return wp
}

func (wp *WorkerPool) start() {
	for i := 0; i < wp.workerCount; i++ {
		wp.wg.Add(1)
		go wp.worker()
	}
}

func (wp *WorkerPool) worker() {
	defer wp.wg.Done()
	for {
		select {
		case <-wp.ctx.Done():
			return
		case task, ok := <-wp.taskChan:
			if !ok {
				return
			}
			_ = task()
		}
	}
}

// Submit adds a task to the pool, blocking while the buffer is full.
func (wp *WorkerPool) Submit(task func() error) error {
	select {
	case <-wp.ctx.Done():
		return wp.ctx.Err()
	case wp.taskChan <- task:
		return nil
	}
}

// Wait closes the intake and blocks until queued tasks finish.
func (wp *WorkerPool) Wait() {
	wp.mu.Lock()
	if !wp.closed {
		close(wp.taskChan)
		wp.closed = true
	}
	wp.mu.Unlock()
	wp.wg.Wait()
}

// Shutdown cancels in-flight work and stops the pool.
func (wp *WorkerPool) Shutdown() {
	wp.cancel()
	wp.mu.Lock()
	if !wp.closed {
		close(wp.taskChan)
		wp.closed = true
	}
	wp.mu.Unlock()
	wp.wg.Wait()
}

// SubmitAndWait submits a task and returns a WaitGroup signalled on
// completion, so callers can join single tasks without closing the pool.
func (wp *WorkerPool) SubmitAndWait(task func() error) (*sync.WaitGroup, error) {
	var wg sync.WaitGroup
	wg.Add(1)

	wrappedTask := func() error {
		defer wg.Done()
		return task()
	}

	if err := wp.Submit(wrappedTask); err != nil {
		wg.Done()
		return nil, err
	}

	return &wg, nil
}
