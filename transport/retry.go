package transport

import (
	"context"
	"fmt"
	"time"
)

// Default retry settings.
const (
	DefaultAttempts  = 3
	DefaultBaseDelay = 100 * time.Millisecond
	DefaultMaxDelay  = 2 * time.Second
)

// RetryPolicy bounds reconnect attempts with exponential backoff.
type RetryPolicy struct {
	// Attempts is the total number of tries, including the first.
	Attempts int
	// BaseDelay is the wait before the second try; it doubles per try.
	BaseDelay time.Duration
	// MaxDelay caps the wait between tries.
	MaxDelay time.Duration
}

// DefaultRetryPolicy returns the default policy.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		Attempts:  DefaultAttempts,
		BaseDelay: DefaultBaseDelay,
		MaxDelay:  DefaultMaxDelay,
	}
}

func (p RetryPolicy) attempts() int {
	if p.Attempts < 1 {
		return 1
	}
	return p.Attempts
}

// Delay returns the backoff before the given retry (attempt >= 1).
func (p RetryPolicy) Delay(attempt int) time.Duration {
	if attempt < 1 || p.BaseDelay <= 0 {
		return 0
	}
	shift := min(attempt-1, 30)
	d := p.BaseDelay << uint(shift)
	if p.MaxDelay > 0 && (d > p.MaxDelay || d <= 0) {
		d = p.MaxDelay
	}
	return d
}

// Do calls fn until it succeeds, returns a non-retryable error, or the
// attempts are exhausted. It waits Delay(attempt) between tries. The last
// error is returned; if ctx ends during a backoff the last error is wrapped
// with the context error.
func (p RetryPolicy) Do(ctx context.Context, retryable func(error) bool, fn func(attempt int) error) error {
	var err error
	for attempt := range p.attempts() {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return fmt.Errorf("%w (backoff interrupted: %v)", err, ctx.Err())
			case <-time.After(p.Delay(attempt)):
			}
		}

		err = fn(attempt)
		if err == nil {
			return nil
		}
		if retryable != nil && !retryable(err) {
			return err
		}
	}
	return err
}
