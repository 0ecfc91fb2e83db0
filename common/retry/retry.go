// Package retry provides exponential-backoff retry logic for transient errors
// at service boundaries (LLM completions, embeddings).
//
// Usage:
//
//	text, err := retry.DoValue(ctx, retry.DefaultConfig, func() (string, error) {
//	    return client.Complete(ctx, req)
//	})
package retry

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

// Config controls the retry behaviour.
type Config struct {
	// MaxAttempts is the total number of attempts (including the first).
	// Zero or negative values are treated as 1 (no retries).
	MaxAttempts int
	// InitialDelay is the wait before the second attempt.
	// Subsequent delays are doubled up to MaxDelay.
	InitialDelay time.Duration
	// MaxDelay caps the per-attempt wait.
	MaxDelay time.Duration
	// ShouldRetry classifies errors as retryable. When nil, every error
	// except one wrapped by Permanent is retried.
	ShouldRetry func(err error) bool
}

// DefaultConfig suits short-lived network calls.
var DefaultConfig = Config{
	MaxAttempts:  3,
	InitialDelay: 500 * time.Millisecond,
	MaxDelay:     10 * time.Second,
}

// permanentError marks an error that must not be retried.
type permanentError struct{ err error }

func (p *permanentError) Error() string { return p.err.Error() }
func (p *permanentError) Unwrap() error { return p.err }

// Permanent wraps err so that Do returns it immediately. The wrapper is
// transparent to errors.Is and errors.As. Permanent(nil) is nil.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was marked with Permanent.
func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}

// Do calls fn up to cfg.MaxAttempts times, backing off exponentially between
// attempts. It stops early when ctx is cancelled, fn returns nil, or the
// error is classified as not retryable. The last error is returned.
func Do(ctx context.Context, cfg Config, fn func() error) error {
	_, err := DoValue(ctx, cfg, func() (struct{}, error) {
		return struct{}{}, fn()
	})
	return err
}

// DoValue is Do for functions that produce a value. On failure the zero
// value is returned together with the last error.
func DoValue[T any](ctx context.Context, cfg Config, fn func() (T, error)) (T, error) {
	var zero T
	cfg = cfg.normalized()

	var lastErr error
	for attempt := 1; ; attempt++ {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return zero, errors.Join(lastErr, ctxErr)
		}
		v, err := fn()
		if err == nil {
			return v, nil
		}
		lastErr = err
		if attempt >= cfg.MaxAttempts || !cfg.ShouldRetry(err) {
			return zero, err
		}

		wait := cfg.backoff(attempt)
		slog.Debug("retry: backing off",
			"attempt", attempt, "max_attempts", cfg.MaxAttempts, "wait", wait, "err", err)

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return zero, errors.Join(lastErr, ctx.Err())
		case <-timer.C:
		}
	}
}

// normalized fills zero fields from DefaultConfig. A nil ShouldRetry retries
// everything not marked Permanent.
func (c Config) normalized() Config {
	c.MaxAttempts = max(c.MaxAttempts, 1)
	if c.InitialDelay <= 0 {
		c.InitialDelay = DefaultConfig.InitialDelay
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = DefaultConfig.MaxDelay
	}
	if c.ShouldRetry == nil {
		c.ShouldRetry = func(err error) bool { return !IsPermanent(err) }
	}
	return c
}

// backoff is the wait after the given failed attempt: InitialDelay doubled
// per attempt, capped at MaxDelay.
func (c Config) backoff(attempt int) time.Duration {
	d := c.InitialDelay
	for i := 1; i < attempt && d < c.MaxDelay; i++ {
		d *= 2
	}
	return min(d, c.MaxDelay)
}
