// Package retry drives the repeated delivery attempts behind sync
// requests: jittered exponential backoff, a bounded attempt budget, and a
// marker that separates transient failures from terminal ones.
package retry

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"time"
)

// Config shapes the backoff schedule.
type Config struct {
	MaxAttempts int           // 0 retries until the context ends
	InitialWait time.Duration // wait before the second attempt
	MaxWait     time.Duration // ceiling for a single wait
	Multiplier  float64       // growth factor per attempt
	Jitter      float64       // fraction of each wait randomized both ways
}

// DefaultConfig is the schedule for individual sync requests: three
// attempts spread over well under a second, so a flaky request resolves
// quickly and a dead connection fails fast enough for the offline path to
// take over.
func DefaultConfig() Config {
	return Config{
		MaxAttempts: 3,
		InitialWait: 100 * time.Millisecond,
		MaxWait:     10 * time.Second,
		Multiplier:  2.0,
		Jitter:      0.1,
	}
}

// RetryableError marks an error as transient. Anything not wrapped in it
// is treated as terminal and returned immediately.
type RetryableError struct {
	Err error
}

func (e RetryableError) Error() string { return e.Err.Error() }

func (e RetryableError) Unwrap() error { return e.Err }

// Retryable marks err as transient. nil stays nil.
func Retryable(err error) error {
	if err == nil {
		return nil
	}
	return RetryableError{Err: err}
}

// IsRetryable reports whether err is marked transient.
func IsRetryable(err error) bool {
	var re RetryableError
	return errors.As(err, &re)
}

// DoWithResult runs fn until it succeeds, fails terminally, exhausts the
// attempt budget, or the context ends. The error fn returned last is what
// the caller sees, so sentinel and typed errors survive the retries.
func DoWithResult[T any](ctx context.Context, cfg Config, fn func() (T, error)) (T, error) {
	var zero T
	for attempt := 1; ; attempt++ {
		got, err := fn()
		if err == nil {
			return got, nil
		}
		if !IsRetryable(err) {
			return zero, err
		}
		if cfg.MaxAttempts != 0 && attempt >= cfg.MaxAttempts {
			return zero, err
		}

		select {
		case <-ctx.Done():
			return zero, ctx.Err()
		case <-time.After(wait(cfg, attempt)):
		}
	}
}

// Do is DoWithResult for calls without a result.
func Do(ctx context.Context, cfg Config, fn func() error) error {
	_, err := DoWithResult(ctx, cfg, func() (struct{}, error) {
		return struct{}{}, fn()
	})
	return err
}

// wait computes the backoff before the next attempt.
func wait(cfg Config, attempt int) time.Duration {
	w := float64(cfg.InitialWait) * math.Pow(cfg.Multiplier, float64(attempt-1))
	if w > float64(cfg.MaxWait) {
		w = float64(cfg.MaxWait)
	}
	if cfg.Jitter > 0 {
		w += w * cfg.Jitter * (rand.Float64()*2 - 1)
	}
	return time.Duration(w)
}
