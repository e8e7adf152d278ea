// Package reaper fails tasks stuck IN_PROGRESS past a grace period. A worker
// crash, an abandoned hard-timeout attempt or a lost pod all leave rows in
// IN_PROGRESS forever; the reaper is what turns them into visible failures.
package reaper

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/ebenwert/ingestd/internal/ingest"
	"github.com/ebenwert/ingestd/internal/metrics"
)

// DefaultGracePeriod is how long a task may sit IN_PROGRESS without a status
// refresh before it is declared stuck. Must exceed the hard task timeout so
// actively running work is never reaped.
const DefaultGracePeriod = 2 * time.Hour

// ReapNote is appended to the message of every reaped task.
const ReapNote = "reaped: exceeded maximum processing time"

// Config tunes the reaper.
type Config struct {
	GracePeriod time.Duration
	// Interval between sweeps. Zero derives it from the grace period.
	Interval time.Duration
}

func (c Config) withDefaults() Config {
	if c.GracePeriod <= 0 {
		c.GracePeriod = DefaultGracePeriod
	}
	if c.Interval <= 0 {
		c.Interval = c.GracePeriod / 4
		if c.Interval < time.Minute {
			c.Interval = time.Minute
		}
		if c.Interval > 15*time.Minute {
			c.Interval = 15 * time.Minute
		}
	}
	return c
}

// Reaper periodically sweeps the task store for stale IN_PROGRESS rows.
type Reaper struct {
	cfg    Config
	tasks  ingest.TaskStore
	clock  ingest.Clock
	logger *zap.Logger
}

// New builds a reaper. clock may be nil.
func New(cfg Config, tasks ingest.TaskStore, clock ingest.Clock, logger *zap.Logger) *Reaper {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Reaper{cfg: cfg.withDefaults(), tasks: tasks, clock: clock, logger: logger}
}

// Interval returns the effective sweep interval.
func (r *Reaper) Interval() time.Duration { return r.cfg.Interval }

// Run sweeps on a ticker until ctx is canceled. An initial sweep runs
// immediately so a restart after a crash cleans up without waiting a full
// interval.
func (r *Reaper) Run(ctx context.Context) error {
	if _, err := r.Sweep(ctx); err != nil {
		r.logger.Error("initial sweep failed", zap.Error(err))
	}

	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := r.Sweep(ctx); err != nil {
				r.logger.Error("sweep failed", zap.Error(err))
			}
		}
	}
}

// Sweep fails every task stuck IN_PROGRESS beyond the grace period. The store
// applies the status condition atomically, so concurrent sweeps and racing
// workers cannot double-fail a row. Returns the number of tasks reaped.
func (r *Reaper) Sweep(ctx context.Context) (int, error) {
	cutoff := r.now().Add(-r.cfg.GracePeriod)
	reaped, err := r.tasks.ReapStale(ctx, cutoff, ReapNote)
	if err != nil {
		return 0, err
	}
	if reaped > 0 {
		metrics.TasksReaped(reaped)
		r.logger.Warn("reaped stuck tasks",
			zap.Int("count", reaped),
			zap.Time("cutoff", cutoff))
	}
	return reaped, nil
}

func (r *Reaper) now() time.Time {
	if r.clock != nil {
		return r.clock.Now()
	}
	return time.Now()
}
