package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/MrWong99/vaani/pkg/fault"
)

func TestRetry_SucceedsAfterTransient(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), RetryPolicy{Attempts: 3, Backoff: time.Millisecond}, func(context.Context) error {
		calls++
		if calls < 3 {
			return errTransient
		}
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
}

func TestRetry_GivesUp(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), RetryPolicy{Attempts: 2, Backoff: time.Millisecond}, func(context.Context) error {
		calls++
		return errTransient
	})
	if !errors.Is(err, fault.ErrNetworkUnavailable) {
		t.Fatalf("err = %v, want ErrNetworkUnavailable", err)
	}
	if calls != 2 {
		t.Errorf("calls = %d, want 2", calls)
	}
}

func TestRetry_DoesNotRetryPermanent(t *testing.T) {
	tests := []error{
		fault.ErrInvalidCredentials,
		fault.ErrSessionExpired,
		ErrCircuitOpen,
		errors.New("unclassified"),
	}
	for _, want := range tests {
		calls := 0
		err := Retry(context.Background(), RetryPolicy{Attempts: 5}, func(context.Context) error {
			calls++
			return want
		})
		if !errors.Is(err, want) {
			t.Errorf("err = %v, want %v", err, want)
		}
		if calls != 1 {
			t.Errorf("%v: calls = %d, want 1", want, calls)
		}
	}
}

func TestRetry_StopsOnContextCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	err := Retry(ctx, RetryPolicy{Attempts: 10, Backoff: time.Hour}, func(context.Context) error {
		calls++
		cancel()
		return errTransient
	})
	if !errors.Is(err, fault.ErrNetworkUnavailable) {
		t.Fatalf("err = %v", err)
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}
