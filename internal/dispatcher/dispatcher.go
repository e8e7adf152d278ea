// Package dispatcher fans the task queue out to a pool of runners.
package dispatcher

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"

	"github.com/ebenwert/ingestd/internal/ingest"
	"github.com/ebenwert/ingestd/internal/task"
)

// Dispatcher owns the worker pool and the enqueue side of the queue.
type Dispatcher struct {
	queue   ingest.Queue
	runners []*task.Runner
	logger  *zap.Logger
}

// New builds a dispatcher over the given runners.
func New(queue ingest.Queue, runners []*task.Runner, logger *zap.Logger) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{queue: queue, runners: runners, logger: logger}
}

// Enqueue hands a task message to the queue.
func (d *Dispatcher) Enqueue(ctx context.Context, msg ingest.TaskMessage) error {
	return d.queue.Enqueue(ctx, msg)
}

// Run starts every runner and blocks until all have stopped. Runners exit
// when ctx is canceled.
func (d *Dispatcher) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	for i, r := range d.runners {
		wg.Add(1)
		go func(idx int, r *task.Runner) {
			defer wg.Done()
			if err := r.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				d.logger.Error("runner stopped", zap.Int("runner", idx), zap.Error(err))
			}
		}(i, r)
	}
	wg.Wait()
	return ctx.Err()
}
