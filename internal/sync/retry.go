package sync

import (
	"context"
	"time"
)

// Policy drives round-level retries of a whole HTTP call. It is distinct
// from the per-item retry budget the outbox tracks: the policy retries a
// request that never produced a server verdict, the outbox reschedules items
// the server explicitly rejected.
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Retryable   func(error) bool
}

// DefaultPolicy builds the standard policy from configured values
func DefaultPolicy(maxRetries int, retryDelay time.Duration) Policy {
	if maxRetries <= 0 {
		maxRetries = 3
	}
	if retryDelay <= 0 {
		retryDelay = time.Second
	}
	return Policy{
		MaxAttempts: maxRetries,
		BaseDelay:   retryDelay,
		MaxDelay:    30 * time.Second,
		Retryable:   Retryable,
	}
}

// Delay returns the wait before the given attempt (1-based): base doubled
// per attempt, capped.
func (p Policy) Delay(attempt int) time.Duration {
	if attempt <= 1 {
		return p.BaseDelay
	}
	d := p.BaseDelay << uint(attempt-1)
	if p.MaxDelay > 0 && (d > p.MaxDelay || d <= 0) {
		d = p.MaxDelay
	}
	return d
}

// Do runs fn under the policy. It returns fn's first success, or the last
// error once attempts are exhausted or a non-retryable error appears.
// Context cancellation interrupts the backoff wait.
func (p Policy) Do(ctx context.Context, fn func() error) error {
	var err error
	for attempt := 1; attempt <= p.MaxAttempts; attempt++ {
		err = fn()
		if err == nil {
			return nil
		}
		if p.Retryable != nil && !p.Retryable(err) {
			return err
		}
		if attempt == p.MaxAttempts {
			break
		}
		select {
		case <-time.After(p.Delay(attempt)):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return err
}
