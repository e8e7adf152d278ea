// Package memory implements the task queue on a buffered channel.
package memory

import (
	"context"
	"errors"

	"github.com/ebenwert/ingestd/internal/ingest"
)

// ErrQueueFull is returned when an enqueue would block.
var ErrQueueFull = errors.New("task queue full")

// DefaultCapacity bounds the queue when none is given.
const DefaultCapacity = 1024

// Queue is a bounded in-process task queue.
type Queue struct {
	ch chan ingest.TaskMessage
}

// New returns a queue with the given capacity.
func New(capacity int) *Queue {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Queue{ch: make(chan ingest.TaskMessage, capacity)}
}

// Enqueue adds a message without blocking. A full queue is an error so the
// API can push back instead of stalling request handlers.
func (q *Queue) Enqueue(ctx context.Context, msg ingest.TaskMessage) error {
	select {
	case q.ch <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	default:
		return ErrQueueFull
	}
}

// Dequeue blocks until a message is available or ctx is canceled.
func (q *Queue) Dequeue(ctx context.Context) (ingest.TaskMessage, error) {
	select {
	case msg := <-q.ch:
		return msg, nil
	case <-ctx.Done():
		return ingest.TaskMessage{}, ctx.Err()
	}
}

// Len reports the number of queued messages.
func (q *Queue) Len() int {
	return len(q.ch)
}
