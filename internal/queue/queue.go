// Package queue provides the in-process hand-off between producers and the worker.
package queue

import (
	"context"
	"sync"

	"github.com/amillerrr/reel-pipeline/internal/metrics"
	"github.com/amillerrr/reel-pipeline/pkg/models"
)

// Queue is an unbounded FIFO of jobs. Any number of goroutines may Enqueue;
// exactly one goroutine is expected to Dequeue.
type Queue struct {
	mu     sync.Mutex
	items  []models.Job
	closed bool

	ready     chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

// New creates an empty queue.
func New() *Queue {
	return &Queue{
		ready: make(chan struct{}, 1),
		done:  make(chan struct{}),
	}
}

// Enqueue appends a job without blocking.
func (q *Queue) Enqueue(job models.Job) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return models.ErrQueueClosed
	}
	q.items = append(q.items, job)
	metrics.QueueDepth.Set(float64(len(q.items)))
	q.mu.Unlock()

	select {
	case q.ready <- struct{}{}:
	default:
	}
	return nil
}

// Dequeue blocks until a job is available, the queue is closed or ctx is done.
// Once closed it returns ErrQueueClosed even if jobs remain; see Drain.
func (q *Queue) Dequeue(ctx context.Context) (models.Job, error) {
	for {
		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			return models.Job{}, models.ErrQueueClosed
		}
		if len(q.items) > 0 {
			job := q.items[0]
			q.items[0] = models.Job{}
			q.items = q.items[1:]
			metrics.QueueDepth.Set(float64(len(q.items)))
			q.mu.Unlock()
			return job, nil
		}
		q.mu.Unlock()

		select {
		case <-q.ready:
		case <-q.done:
		case <-ctx.Done():
			return models.Job{}, ctx.Err()
		}
	}
}

// Len returns the number of waiting jobs.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Close stops the queue and wakes a blocked Dequeue. Safe to call repeatedly.
func (q *Queue) Close() {
	q.closeOnce.Do(func() {
		q.mu.Lock()
		q.closed = true
		q.mu.Unlock()
		close(q.done)
	})
}

// Drain removes and returns jobs still waiting. Their files stay in the work
// directory and are picked up again by startup recovery.
func (q *Queue) Drain() []models.Job {
	q.mu.Lock()
	defer q.mu.Unlock()
	left := q.items
	q.items = nil
	metrics.QueueDepth.Set(0)
	return left
}
