package reliability

import (
	"context"
	"math"
	"math/rand"
	"time"
)

// RetryPolicy decides whether and when an operation is retried.
type RetryPolicy interface {
	// ShouldRetry reports whether another attempt should be made after the
	// given number of completed attempts, and the delay before it.
	ShouldRetry(attempt int, err error) (bool, time.Duration)
	// NextDelay calculates the delay before the given attempt.
	NextDelay(attempt int) time.Duration
	// MaxAttempts returns the attempt cap, or a negative value for no cap.
	MaxAttempts() int
}

// ExponentialBackoff grows the delay geometrically up to MaxInterval with
// randomized jitter so concurrent clients do not retry in lockstep.
type ExponentialBackoff struct {
	InitialInterval time.Duration
	MaxInterval     time.Duration
	Multiplier      float64
	Attempts        int // negative means unlimited
	Jitter          bool
}

// NewExponentialBackoff creates an exponential backoff policy with jitter.
func NewExponentialBackoff(initial, max time.Duration, multiplier float64, maxAttempts int) *ExponentialBackoff {
	return &ExponentialBackoff{
		InitialInterval: initial,
		MaxInterval:     max,
		Multiplier:      multiplier,
		Attempts:        maxAttempts,
		Jitter:          true,
	}
}

// ShouldRetry implements RetryPolicy.
func (e *ExponentialBackoff) ShouldRetry(attempt int, err error) (bool, time.Duration) {
	if e.Attempts >= 0 && attempt >= e.Attempts {
		return false, 0
	}
	if !IsRetryable(err) {
		return false, 0
	}
	return true, e.NextDelay(attempt)
}

// NextDelay implements RetryPolicy.
func (e *ExponentialBackoff) NextDelay(attempt int) time.Duration {
	delay := float64(e.InitialInterval) * math.Pow(e.Multiplier, float64(attempt))
	if delay > float64(e.MaxInterval) {
		delay = float64(e.MaxInterval)
	}
	if e.Jitter {
		// ±15% of the computed delay
		delay += delay * 0.3 * (rand.Float64() - 0.5)
	}
	return time.Duration(delay)
}

// MaxAttempts implements RetryPolicy.
func (e *ExponentialBackoff) MaxAttempts() int {
	return e.Attempts
}

// FixedDelay retries at a constant interval.
type FixedDelay struct {
	Delay    time.Duration
	Attempts int
}

// NewFixedDelay creates a fixed delay policy.
func NewFixedDelay(delay time.Duration, maxAttempts int) *FixedDelay {
	return &FixedDelay{Delay: delay, Attempts: maxAttempts}
}

// ShouldRetry implements RetryPolicy.
func (f *FixedDelay) ShouldRetry(attempt int, err error) (bool, time.Duration) {
	if f.Attempts >= 0 && attempt >= f.Attempts {
		return false, 0
	}
	if !IsRetryable(err) {
		return false, 0
	}
	return true, f.Delay
}

// NextDelay implements RetryPolicy.
func (f *FixedDelay) NextDelay(attempt int) time.Duration {
	return f.Delay
}

// MaxAttempts implements RetryPolicy.
func (f *FixedDelay) MaxAttempts() int {
	return f.Attempts
}

// Backoff tracks retry state for one owner. It is not safe for concurrent
// use; each retrying component owns exactly one and resets it on success.
type Backoff struct {
	policy  RetryPolicy
	attempt int
}

// NewBackoff creates backoff state over a policy.
func NewBackoff(policy RetryPolicy) *Backoff {
	return &Backoff{policy: policy}
}

// Next returns the delay before the next attempt and advances the counter.
// The second return is false once the policy's attempt cap is reached.
func (b *Backoff) Next() (time.Duration, bool) {
	max := b.policy.MaxAttempts()
	if max >= 0 && b.attempt >= max {
		return 0, false
	}
	delay := b.policy.NextDelay(b.attempt)
	b.attempt++
	return delay, true
}

// Attempt returns the number of attempts made so far.
func (b *Backoff) Attempt() int {
	return b.attempt
}

// Reset restores the initial delay after a success.
func (b *Backoff) Reset() {
	b.attempt = 0
}

// Sleep waits for the given duration, returning early with an error if the
// context is cancelled or the done channel closes first.
func Sleep(ctx context.Context, done <-chan struct{}, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-done:
		return context.Canceled
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Retry executes fn until it succeeds, the policy gives up, or the context
// is cancelled. The last error is returned on failure.
func Retry(ctx context.Context, policy RetryPolicy, fn func() error) error {
	var lastErr error
	for attempt := 0; ; attempt++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		err := fn()
		if err == nil {
			return nil
		}
		lastErr = err

		shouldRetry, delay := policy.ShouldRetry(attempt+1, err)
		if !shouldRetry {
			return lastErr
		}

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// IsRetryable reports whether an error may be retried. Errors can opt out
// by implementing IsRetryable() bool; unknown errors default to retryable.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	type retryable interface {
		IsRetryable() bool
	}
	if r, ok := err.(retryable); ok {
		return r.IsRetryable()
	}
	return true
}

// RetryableError wraps an error with an explicit retryability flag.
type RetryableError struct {
	Err       error
	Retryable bool
}

// Error implements the error interface.
func (r RetryableError) Error() string {
	return r.Err.Error()
}

// IsRetryable reports the wrapped flag.
func (r RetryableError) IsRetryable() bool {
	return r.Retryable
}

// Unwrap returns the wrapped error.
func (r RetryableError) Unwrap() error {
	return r.Err
}
