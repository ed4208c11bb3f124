package util

import (
	"context"
	"errors"
	"testing"
	"time"
)

func fastConfig() RetryConfig {
	return RetryConfig{MaxAttempts: 3, InitialDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond}
}

func TestRetry_EventualSuccess(t *testing.T) {
	calls := 0
	result, err := Retry(context.Background(), fastConfig(), func() (string, error) {
		calls++
		if calls < 3 {
			return "", errors.New("resource temporarily unavailable")
		}
		return "ok", nil
	})

	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if result != "ok" {
		t.Errorf("expected 'ok', got %q", result)
	}
	if calls != 3 {
		t.Errorf("expected 3 calls, got %d", calls)
	}
}

func TestRetry_NonTransientStopsImmediately(t *testing.T) {
	calls := 0
	err := RetryErr(context.Background(), fastConfig(), func() error {
		calls++
		return errors.New("permission denied")
	})

	if err == nil {
		t.Fatal("expected error")
	}
	if calls != 1 {
		t.Errorf("expected 1 call, got %d", calls)
	}
}

func TestRetry_PermanentStopsImmediately(t *testing.T) {
	calls := 0
	err := RetryErr(context.Background(), fastConfig(), func() error {
		calls++
		return MarkPermanent(errors.New("resource temporarily unavailable"))
	})

	if !IsPermanent(err) {
		t.Errorf("expected permanent error, got %v", err)
	}
	if calls != 1 {
		t.Errorf("expected 1 call, got %d", calls)
	}
}

func TestRetry_MaxAttempts(t *testing.T) {
	calls := 0
	err := RetryErr(context.Background(), fastConfig(), func() error {
		calls++
		return errors.New("EAGAIN")
	})

	if err == nil {
		t.Fatal("expected error")
	}
	if calls != 3 {
		t.Errorf("expected 3 calls, got %d", calls)
	}
}

func TestRetry_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := RetryErr(ctx, fastConfig(), func() error { return nil })

	if !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}
