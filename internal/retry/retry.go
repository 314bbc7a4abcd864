package retry

import (
	"context"
	"errors"
	"time"
)

const (
	DefaultAttempts = 3
	DefaultInterval = 2 * time.Second
)

// Policy is a fixed-interval retry ceiling.
type Policy struct {
	Attempts int
	Interval time.Duration
}

// Default returns the policy used when nothing is configured.
func Default() Policy {
	return Policy{Attempts: DefaultAttempts, Interval: DefaultInterval}
}

type permanentError struct{ err error }

func (p *permanentError) Error() string { return p.err.Error() }
func (p *permanentError) Unwrap() error { return p.err }

// Permanent marks err as not worth retrying. Do returns the wrapped error.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// Do runs op until it succeeds, returns a Permanent error, or the policy's
// attempts are used up. It sleeps Interval between attempts, never after the
// last one, and returns the last error seen.
func Do(ctx context.Context, p Policy, op func(attempt int) error) error {
	if ctx == nil {
		ctx = context.Background()
	}
	attempts := p.Attempts
	if attempts <= 0 {
		attempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		lastErr = op(attempt)
		if lastErr == nil {
			return nil
		}
		var perm *permanentError
		if errors.As(lastErr, &perm) {
			return perm.err
		}
		if attempt == attempts {
			break
		}
		if err := sleep(ctx, p.Interval); err != nil {
			return errors.Join(lastErr, err)
		}
	}
	return lastErr
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
