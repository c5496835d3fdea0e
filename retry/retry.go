// Package retry re-runs calls that failed for transient reasons, waiting an
// exponentially growing delay between attempts.
package retry

import (
	"context"
	"fmt"
	"math/rand/v2"
	"time"
)

// Policy describes how often and how patiently a call is retried.
type Policy struct {
	// Attempts is the total number of calls, including the first. Values
	// below 1 are treated as 1.
	Attempts int

	// BaseDelay is the wait before the second attempt.
	BaseDelay time.Duration

	// MaxDelay caps every wait. Zero means no cap.
	MaxDelay time.Duration

	// Multiplier grows the wait after each failed attempt. Values below 1 keep it constant.
	Multiplier float64

	// Jitter randomises each wait by up to this fraction, in [0, 1].
	Jitter float64
}

// DefaultPolicy retries twice, starting at 100ms.
var DefaultPolicy = Policy{
	Attempts:   3,
	BaseDelay:  100 * time.Millisecond,
	MaxDelay:   2 * time.Second,
	Multiplier: 2,
}

// Retryable reports whether err is worth another attempt.
type Retryable func(error) bool

// ExhaustedError is returned when every attempt failed with a retryable error.
type ExhaustedError struct {
	Attempts int
	Err      error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("gave up after %d attempts: %v", e.Attempts, e.Err)
}

func (e *ExhaustedError) Unwrap() error {
	return e.Err
}

// Delay returns the wait after failed attempt n, counting from 1, before jitter.
func (p Policy) Delay(n int) time.Duration {
	if n < 1 {
		return 0
	}
	d := float64(p.BaseDelay)
	if p.Multiplier > 1 {
		for i := 1; i < n; i++ {
			d *= p.Multiplier
			if p.MaxDelay > 0 && d >= float64(p.MaxDelay) {
				return p.MaxDelay
			}
		}
	}
	if p.MaxDelay > 0 && d > float64(p.MaxDelay) {
		return p.MaxDelay
	}
	return time.Duration(d)
}

func (p Policy) jittered(n int) time.Duration {
	d := p.Delay(n)
	if p.Jitter <= 0 || d <= 0 {
		return d
	}
	j := p.Jitter
	if j > 1 {
		j = 1
	}
	// Spread over [d*(1-j), d].
	return d - time.Duration(rand.Float64()*j*float64(d))
}

// Do calls fn until it succeeds, fails with an error retryable rejects, the
// attempts run out or ctx is done. fn receives the attempt number, starting at 1.
//
// A nil retryable retries every error.
func Do[T any](ctx context.Context, p Policy, retryable Retryable, fn func(attempt int) (T, error)) (T, error) {
	var zero T
	attempts := p.Attempts
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			if lastErr != nil {
				return zero, fmt.Errorf("%w (last error: %v)", err, lastErr)
			}
			return zero, err
		}

		result, err := fn(attempt)
		if err == nil {
			return result, nil
		}
		if retryable != nil && !retryable(err) {
			return zero, err
		}
		lastErr = err

		if attempt == attempts {
			break
		}

		timer := time.NewTimer(p.jittered(attempt))
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return zero, fmt.Errorf("%w (last error: %v)", ctx.Err(), lastErr)
		}
	}

	if attempts == 1 {
		return zero, lastErr
	}
	return zero, &ExhaustedError{Attempts: attempts, Err: lastErr}
}
