package db

import (
	"context"
	"time"
)

// RetryPolicy bounds Retry.
type RetryPolicy struct {
	Attempts  int
	BaseDelay time.Duration
	// Retryable decides whether an error is worth another attempt. Nil means
	// IsTransient.
	Retryable func(error) bool
}

// DefaultRetryPolicy retries transient failures three times.
var DefaultRetryPolicy = RetryPolicy{Attempts: 3, BaseDelay: 20 * time.Millisecond}

// Retry runs fn until it succeeds, returns a non-retryable error, or the
// attempts are spent. The delay doubles after each failure.
func Retry(ctx context.Context, p RetryPolicy, fn func(ctx context.Context) error) error {
	retryable := p.Retryable
	if retryable == nil {
		retryable = IsTransient
	}
	attempts := p.Attempts
	if attempts < 1 {
		attempts = 1
	}

	delay := p.BaseDelay
	var err error
	for i := 0; i < attempts; i++ {
		if err = fn(ctx); err == nil || !retryable(err) {
			return err
		}
		if i == attempts-1 {
			break
		}
		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			return err
		case <-t.C:
		}
		delay *= 2
	}
	return err
}
