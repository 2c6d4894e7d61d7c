package resilience

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/MrWong99/vaani/pkg/fault"
)

// RetryPolicy configures [Retry].
type RetryPolicy struct {
	// Attempts is the total number of calls, including the first. Values
	// below 1 mean 1.
	Attempts int

	// Backoff is the delay before the first retry; it doubles after each
	// retry up to MaxBackoff.
	Backoff time.Duration

	// MaxBackoff caps the delay. Default: 5s.
	MaxBackoff time.Duration
}

// Retry calls fn until it succeeds, fails with a non-transient error, the
// attempts are exhausted, or ctx is done. fn must reuse the same payload on
// every call. An open circuit is returned immediately.
func Retry(ctx context.Context, p RetryPolicy, fn func(context.Context) error) error {
	attempts := max(p.Attempts, 1)
	maxBackoff := p.MaxBackoff
	if maxBackoff <= 0 {
		maxBackoff = 5 * time.Second
	}
	backoff := p.Backoff

	var err error
	for attempt := 1; ; attempt++ {
		err = fn(ctx)
		if err == nil || !fault.IsRetryable(err) || errors.Is(err, ErrCircuitOpen) {
			return err
		}
		if attempt >= attempts {
			return err
		}

		slog.Debug("retrying transient failure", "attempt", attempt, "backoff", backoff, "err", err)

		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return err
		case <-timer.C:
		}
		backoff = min(backoff*2, maxBackoff)
	}
}
