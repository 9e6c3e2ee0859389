package worker

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Task is a function that represents a background job
type Task func(ctx context.Context) error

type WorkerPool struct {
	taskQueue   chan Task
	wg          sync.WaitGroup
	mu          sync.RWMutex
	isClosing   bool
	taskTimeout time.Duration
	logger      zerolog.Logger
}

// NewWorkerPool starts size workers sharing a queue of queueSize tasks.
// Each task runs under its own timeout.
func NewWorkerPool(size, queueSize int, taskTimeout time.Duration, logger zerolog.Logger) *WorkerPool {
	wp := &WorkerPool{
		taskQueue:   make(chan Task, queueSize),
		taskTimeout: taskTimeout,
		logger:      logger.With().Str("component", "worker").Logger(),
	}

	for range size {
		wp.wg.Add(1)
		go wp.startWorker()
	}

	return wp
}

func (wp *WorkerPool) startWorker() {
	defer wp.wg.Done()
	for task := range wp.taskQueue {
		ctx, cancel := context.WithTimeout(context.Background(), wp.taskTimeout)
		if err := task(ctx); err != nil {
			wp.logger.Error().Err(err).Msg("worker task failed")
		}
		cancel()
	}
}

// Submit queues t without blocking. It reports false when the pool is
// shutting down or the queue is full; the task is dropped.
func (wp *WorkerPool) Submit(t Task) bool {
	wp.mu.RLock()
	defer wp.mu.RUnlock()
	if wp.isClosing {
		wp.logger.Warn().Msg("task submitted during shutdown, dropping")
		return false
	}
	select {
	case wp.taskQueue <- t:
		return true
	default:
		wp.logger.Warn().Msg("task queue full, dropping task")
		return false
	}
}

// Shutdown closes the queue and waits for queued tasks to finish.
func (wp *WorkerPool) Shutdown() {
	wp.mu.Lock()
	if !wp.isClosing {
		wp.isClosing = true
		close(wp.taskQueue)
	}
	wp.mu.Unlock()
	wp.wg.Wait()
}
