// Package retry runs an operation with bounded exponential backoff.
package retry

import (
	"context"
	"errors"
	"math/rand"
	"time"
)

// Policy bounds how often and how patiently an operation is retried
type Policy struct {
	MaxAttempts int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
}

// ErrExhausted wraps the last error once every attempt has failed
var ErrExhausted = errors.New("retry budget exhausted")

type permanentError struct {
	err error
}

func (p *permanentError) Error() string { return p.err.Error() }
func (p *permanentError) Unwrap() error { return p.err }

// Permanent marks err as not worth retrying. Do returns it unwrapped.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// Backoff returns the delay before the given zero-based retry: the base
// doubled per attempt, capped, plus up to half of it again as jitter.
func (p Policy) Backoff(attempt int) time.Duration {
	exp := p.BaseBackoff
	for i := 0; i < attempt && (p.MaxBackoff <= 0 || exp < p.MaxBackoff); i++ {
		exp *= 2
	}
	if p.MaxBackoff > 0 && exp > p.MaxBackoff {
		exp = p.MaxBackoff
	}
	if exp <= 0 {
		return 0
	}
	jitter := time.Duration(rand.Int63n(int64(exp)/2 + 1))
	return exp + jitter
}

// Do calls op until it succeeds, returns a Permanent error, the attempts
// run out, or ctx is done. onRetry, when set, is told about every failed
// attempt that will be retried.
func Do(ctx context.Context, p Policy, op func(ctx context.Context) error, onRetry func(attempt int, err error)) error {
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		err := op(ctx)
		if err == nil {
			return nil
		}

		var perm *permanentError
		if errors.As(err, &perm) {
			return perm.err
		}
		lastErr = err

		if attempt == attempts-1 {
			break
		}
		if onRetry != nil {
			onRetry(attempt+1, err)
		}

		timer := time.NewTimer(p.Backoff(attempt))
		select {
		case <-ctx.Done():
			timer.Stop()
			return errors.Join(ErrExhausted, ctx.Err(), lastErr)
		case <-timer.C:
		}
	}

	return errors.Join(ErrExhausted, lastErr)
}
