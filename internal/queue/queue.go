// Package queue runs evaluation jobs on a fixed pool of workers.
package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

var (
	ErrQueueFull   = errors.New("evaluation queue is full")
	ErrQueueClosed = errors.New("evaluation queue is closed")
)

// Handler processes one answer.
type Handler func(ctx context.Context, answerID string) error

// Queue is a bounded FIFO of answer IDs consumed by Run's workers.
type Queue struct {
	jobs    chan string
	handler Handler
	workers int

	mu     sync.RWMutex
	closed bool
}

// New returns a queue holding up to size pending jobs, processed by workers goroutines.
func New(size, workers int, h Handler) *Queue {
	if size < 1 {
		size = 1
	}
	if workers < 1 {
		workers = 1
	}
	return &Queue{
		jobs:    make(chan string, size),
		handler: h,
		workers: workers,
	}
}

// Enqueue adds a job without blocking.
func (q *Queue) Enqueue(answerID string) error {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return ErrQueueClosed
	}
	select {
	case q.jobs <- answerID:
		return nil
	default:
		return ErrQueueFull
	}
}

// Len returns the number of jobs waiting for a worker.
func (q *Queue) Len() int {
	return len(q.jobs)
}

// Run processes jobs until ctx is cancelled. Jobs still queued at that point are
// dropped; their answers stay unevaluated.
func (q *Queue) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < q.workers; i++ {
		worker := i
		g.Go(func() error {
			for {
				select {
				case <-ctx.Done():
					return nil
				case id := <-q.jobs:
					q.process(ctx, worker, id)
				}
			}
		})
	}
	slog.Info("evaluation workers started", "workers", q.workers, "capacity", cap(q.jobs))

	<-ctx.Done()
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()

	err := g.Wait()
	if dropped := len(q.jobs); dropped > 0 {
		slog.Warn("evaluation queue stopped with pending jobs", "pending", dropped)
	}
	return err
}

func (q *Queue) process(ctx context.Context, worker int, id string) {
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			slog.Error("evaluation job panicked",
				"answer_id", id, "worker", worker, "panic", fmt.Sprint(r), "stack", string(debug.Stack()))
		}
	}()
	if err := q.handler(ctx, id); err != nil {
		slog.Warn("evaluation job failed", "answer_id", id, "worker", worker, "error", err)
		return
	}
	slog.Debug("evaluation job done", "answer_id", id, "worker", worker, "elapsed", time.Since(start))
}
