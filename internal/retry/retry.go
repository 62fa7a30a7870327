// Package retry provides the backoff policy shared by the stream,
// queue, and monitoring legs. A Policy is a value; the zero value is
// not usable, construct one explicitly or use a preset.
package retry

import (
	"context"
	"errors"
	"math/rand"
	"time"
)

// Policy describes exponential backoff with full jitter.
type Policy struct {
	Base        time.Duration // first delay
	Cap         time.Duration // upper bound on any delay
	MaxAttempts int           // 0 means retry forever
	Jitter      bool          // full jitter: delay drawn from [0, backoff)
}

// Forever returns a policy suitable for reconnect loops: it never
// gives up and caps the delay.
func Forever(base, cap time.Duration) Policy {
	return Policy{Base: base, Cap: cap, Jitter: true}
}

// Delay returns the backoff before the given attempt (1-based).
func (p Policy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := p.Base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= p.Cap {
			d = p.Cap
			break
		}
	}
	if d > p.Cap {
		d = p.Cap
	}
	if p.Jitter && d > 0 {
		d = time.Duration(rand.Int63n(int64(d) + 1))
	}
	return d
}

// Permanent wraps an error to stop Do from retrying it.
type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as non-retryable.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was wrapped by Permanent.
func IsPermanent(err error) bool {
	var pe *permanentError
	return errors.As(err, &pe)
}

// Do runs fn until it succeeds, returns a permanent error, the attempt
// budget is exhausted, or ctx is cancelled. The last error is returned.
func (p Policy) Do(ctx context.Context, fn func() error) error {
	var lastErr error
	for attempt := 1; ; attempt++ {
		if err := ctx.Err(); err != nil {
			if lastErr != nil {
				return lastErr
			}
			return err
		}

		lastErr = fn()
		if lastErr == nil {
			return nil
		}
		var pe *permanentError
		if errors.As(lastErr, &pe) {
			return pe.err
		}
		if p.MaxAttempts > 0 && attempt >= p.MaxAttempts {
			return lastErr
		}

		select {
		case <-ctx.Done():
			return lastErr
		case <-time.After(p.Delay(attempt)):
		}
	}
}

// Sleep waits out the delay for the given attempt or returns early
// when ctx is cancelled. Used by loops that manage their own attempt
// counting, such as the stream reconnect loop.
func (p Policy) Sleep(ctx context.Context, attempt int) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(p.Delay(attempt)):
		return nil
	}
}
