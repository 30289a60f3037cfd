// Package retry provides bounded exponential backoff for transient failures.
package retry

import (
	"context"
	"math"
	"time"
)

// Policy configures exponential backoff.
type Policy struct {
	// MaxAttempts is the total number of attempts, including the first.
	// Zero or negative means retry until the context ends.
	MaxAttempts int `json:"max_attempts" yaml:"max_attempts"`

	// InitialBackoff is the delay after the first failure.
	InitialBackoff time.Duration `json:"initial_backoff" yaml:"initial_backoff"`

	// MaxBackoff caps the delay between attempts.
	MaxBackoff time.Duration `json:"max_backoff" yaml:"max_backoff"`
}

// DefaultPolicy returns the default retry policy.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:    5,
		InitialBackoff: 100 * time.Millisecond,
		MaxBackoff:     10 * time.Second,
	}
}

// Backoff returns the delay before attempt+1, where attempt starts at 0.
func (p Policy) Backoff(attempt int) time.Duration {
	initial := p.InitialBackoff
	if initial <= 0 {
		initial = 100 * time.Millisecond
	}
	f := math.Pow(2, float64(attempt)) * float64(initial)
	d := time.Duration(math.MaxInt64)
	if f < float64(math.MaxInt64) {
		d = time.Duration(f)
	}
	if p.MaxBackoff > 0 && d > p.MaxBackoff {
		d = p.MaxBackoff
	}
	return d
}

// Do runs op until it succeeds, returns an error for which retryable reports
// false, the attempts are exhausted, or ctx ends. It returns the last error
// and the number of attempts made.
func Do(ctx context.Context, p Policy, retryable func(error) bool, op func(attempt int) error) (int, error) {
	var lastErr error
	attempt := 0
	for {
		if err := ctx.Err(); err != nil {
			if lastErr != nil {
				return attempt, lastErr
			}
			return attempt, err
		}

		lastErr = op(attempt)
		attempt++
		if lastErr == nil {
			return attempt, nil
		}
		if retryable != nil && !retryable(lastErr) {
			return attempt, lastErr
		}
		if p.MaxAttempts > 0 && attempt >= p.MaxAttempts {
			return attempt, lastErr
		}

		if err := Sleep(ctx, p.Backoff(attempt-1)); err != nil {
			return attempt, lastErr
		}
	}
}

// Sleep waits for d or until ctx ends.
func Sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
