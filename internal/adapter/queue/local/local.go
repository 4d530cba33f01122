// Package local provides the in-process bounded FIFO transport.
//
// Delivery is guaranteed by the dequeue itself, so ack and nack are no-ops.
package local

import (
	"fmt"
	"time"

	"github.com/fairyhunter13/scrape-orchestrator/internal/domain"
)

// DefaultCapacity bounds each per-account queue.
const DefaultCapacity = 256

// TaskQueue is a bounded in-process FIFO of task envelopes.
type TaskQueue struct{ ch chan domain.TaskEnvelope }

// NewTaskQueue creates a task queue with the given capacity (default when <= 0).
func NewTaskQueue(capacity int) *TaskQueue {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &TaskQueue{ch: make(chan domain.TaskEnvelope, capacity)}
}

// Send enqueues an envelope, failing fast when the queue is full so the
// router keeps its tokens instead of blocking the dispatch tick.
func (q *TaskQueue) Send(ctx domain.Context, env domain.TaskEnvelope) error {
	select {
	case q.ch <- env:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	default:
		return fmt.Errorf("task queue full, dropping send for %s", env.ID)
	}
}

// Len reports the number of envelopes waiting in the queue.
func (q *TaskQueue) Len() int { return len(q.ch) }

// Receive blocks up to timeout for the next envelope.
func (q *TaskQueue) Receive(ctx domain.Context, timeout time.Duration) (domain.TaskEnvelope, domain.AckFunc, domain.NackFunc, bool, error) {
	noop := func() {}
	select {
	case env := <-q.ch:
		return env, noop, noop, true, nil
	case <-ctx.Done():
		return domain.TaskEnvelope{}, nil, nil, false, ctx.Err()
	case <-time.After(timeout):
		return domain.TaskEnvelope{}, nil, nil, false, nil
	}
}

// ResultQueue is a bounded in-process FIFO of result envelopes.
type ResultQueue struct{ ch chan domain.ResultEnvelope }

// NewResultQueue creates a result queue with the given capacity.
func NewResultQueue(capacity int) *ResultQueue {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &ResultQueue{ch: make(chan domain.ResultEnvelope, capacity)}
}

// Send enqueues a result. Blocks while the dispatcher is draining a full
// queue; workers tolerate the backpressure.
func (q *ResultQueue) Send(ctx domain.Context, res domain.ResultEnvelope) error {
	select {
	case q.ch <- res:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// TryGetNowait pops the next result without blocking.
func (q *ResultQueue) TryGetNowait(_ domain.Context) (domain.ResultEnvelope, bool, error) {
	select {
	case res := <-q.ch:
		return res, true, nil
	default:
		return domain.ResultEnvelope{}, false, nil
	}
}
