package task

import (
	"context"
	"crypto/rand"
	"math"
	"math/big"
	"time"

	"github.com/ebenwert/ingestd/internal/ingest"
)

// RetryPolicy implements bounded exponential backoff with jitter. Backoff is
// a pure function of the attempt number, so the schedule is testable without
// real sleeps.
type RetryPolicy struct {
	maxAttempts int
	baseDelay   time.Duration
	maxDelay    time.Duration
}

// NewRetryPolicy builds a policy with sane defaults (3 attempts).
func NewRetryPolicy() *RetryPolicy {
	return &RetryPolicy{
		maxAttempts: 3,
		baseDelay:   500 * time.Millisecond,
		maxDelay:    10 * time.Second,
	}
}

// WithMaxAttempts overrides the attempt cap.
func (p *RetryPolicy) WithMaxAttempts(n int) *RetryPolicy {
	if n > 0 {
		p.maxAttempts = n
	}
	return p
}

// WithBackoff overrides the base and maximum delays.
func (p *RetryPolicy) WithBackoff(base, max time.Duration) *RetryPolicy {
	if base > 0 {
		p.baseDelay = base
	}
	if max > 0 {
		p.maxDelay = max
	}
	return p
}

// MaxAttempts returns the attempt cap.
func (p *RetryPolicy) MaxAttempts() int { return p.maxAttempts }

// ShouldRetry decides whether another attempt is warranted. Only
// classified-transient failures are retried; SSRF rejections, exhausted
// extraction chains and canceled contexts never are.
func (p *RetryPolicy) ShouldRetry(ctx context.Context, err error, attempt int) bool {
	if err == nil {
		return false
	}
	if attempt >= p.maxAttempts {
		return false
	}
	if ctx.Err() != nil {
		return false
	}
	return ingest.IsTransient(err)
}

// Backoff returns the wait duration before the given attempt (1-based).
// The delay doubles per attempt up to the cap, with half of it randomized.
func (p *RetryPolicy) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := float64(p.baseDelay) * math.Pow(2, float64(attempt-1))
	if delay > float64(p.maxDelay) {
		delay = float64(p.maxDelay)
	}
	half := time.Duration(delay / 2)
	return half + randomJitter(half)
}

func randomJitter(limit time.Duration) time.Duration {
	if limit <= 0 {
		return 0
	}
	n, err := rand.Int(rand.Reader, big.NewInt(int64(limit)))
	if err != nil {
		return limit / 2
	}
	return time.Duration(n.Int64())
}
