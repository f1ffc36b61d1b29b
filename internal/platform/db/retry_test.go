package db

import (
	"context"
	"errors"
	"testing"
	"time"
)

var errRetry = errors.New("try again")

func TestRetry_SucceedsAfterRetryableFailures(t *testing.T) {
	calls := 0
	p := RetryPolicy{Attempts: 3, BaseDelay: time.Millisecond, Retryable: func(err error) bool { return errors.Is(err, errRetry) }}
	err := Retry(context.Background(), p, func(ctx context.Context) error {
		calls++
		if calls < 3 {
			return errRetry
		}
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if calls != 3 {
		t.Errorf("expected 3 calls, got %d", calls)
	}
}

func TestRetry_StopsOnPermanentError(t *testing.T) {
	calls := 0
	permanent := errors.New("bad input")
	err := Retry(context.Background(), DefaultRetryPolicy, func(ctx context.Context) error {
		calls++
		return permanent
	})
	if !errors.Is(err, permanent) {
		t.Fatalf("expected permanent error, got %v", err)
	}
	if calls != 1 {
		t.Errorf("expected 1 call, got %d", calls)
	}
}

func TestRetry_ExhaustsAttempts(t *testing.T) {
	calls := 0
	p := RetryPolicy{Attempts: 2, BaseDelay: time.Millisecond, Retryable: func(error) bool { return true }}
	err := Retry(context.Background(), p, func(ctx context.Context) error {
		calls++
		return errRetry
	})
	if !errors.Is(err, errRetry) {
		t.Fatalf("expected last error, got %v", err)
	}
	if calls != 2 {
		t.Errorf("expected 2 calls, got %d", calls)
	}
}

func TestRetry_StopsWhenContextDone(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	p := RetryPolicy{Attempts: 5, BaseDelay: time.Hour, Retryable: func(error) bool { return true }}
	err := Retry(ctx, p, func(ctx context.Context) error {
		calls++
		cancel()
		return errRetry
	})
	if !errors.Is(err, errRetry) {
		t.Fatalf("expected last error, got %v", err)
	}
	if calls != 1 {
		t.Errorf("expected 1 call, got %d", calls)
	}
}
