// Package resilience protects calls to the banking backend.
//
// [Breaker] is a three-state circuit breaker (closed → open → half-open) that
// only counts transient faults: a rejected PIN or an expired session is an
// answer from a healthy backend and never trips it. [Retry] re-issues a call
// with the same payload while it keeps failing transiently.
//
// All types are safe for concurrent use.
package resilience

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/vaani/pkg/fault"
)

// ErrCircuitOpen is returned by [Breaker.Execute] while the breaker is open.
// It is a transient fault, but [Retry] does not retry it.
var ErrCircuitOpen = fault.New(fault.KindTransient, "circuit_open", "backend circuit breaker is open")

// State represents the current operating mode of a [Breaker].
type State int

const (
	// StateClosed forwards all calls.
	StateClosed State = iota

	// StateOpen rejects calls with [ErrCircuitOpen] until the reset timeout
	// elapses.
	StateOpen

	// StateHalfOpen lets a limited number of probe calls through; if they
	// succeed the breaker closes, otherwise it re-opens.
	StateHalfOpen
)

// String returns the human-readable name of the state.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// BreakerConfig holds tuning knobs for a [Breaker].
type BreakerConfig struct {
	// Name is a human-readable label used in log messages.
	Name string

	// MaxFailures is the number of consecutive counted failures in the closed
	// state before the breaker opens. Default: 5.
	MaxFailures int

	// ResetTimeout is how long the breaker stays open before probing.
	// Default: 30s.
	ResetTimeout time.Duration

	// HalfOpenMax is the number of successful probes needed to close.
	// Default: 3.
	HalfOpenMax int

	// Counts decides whether an error counts as a failure. Default: only
	// transient faults and unclassified errors.
	Counts func(error) bool
}

// Breaker implements the three-state circuit breaker pattern.
type Breaker struct {
	name         string
	maxFailures  int
	resetTimeout time.Duration
	halfOpenMax  int
	counts       func(error) bool

	mu              sync.Mutex
	state           State
	consecutiveFail int
	openedAt        time.Time
	probes          int
	probeSuccesses  int
}

// NewBreaker creates a [Breaker]. Zero-value config fields are replaced with
// defaults.
func NewBreaker(cfg BreakerConfig) *Breaker {
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = 5
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = 30 * time.Second
	}
	if cfg.HalfOpenMax <= 0 {
		cfg.HalfOpenMax = 3
	}
	if cfg.Counts == nil {
		cfg.Counts = countsAsFailure
	}
	return &Breaker{
		name:         cfg.Name,
		maxFailures:  cfg.MaxFailures,
		resetTimeout: cfg.ResetTimeout,
		halfOpenMax:  cfg.HalfOpenMax,
		counts:       cfg.Counts,
		state:        StateClosed,
	}
}

func countsAsFailure(err error) bool {
	k := fault.KindOf(err)
	return k == fault.KindTransient || k == fault.KindUnknown
}

// Execute runs fn if the breaker allows it.
func (b *Breaker) Execute(ctx context.Context, fn func(context.Context) error) error {
	probe, err := b.admit()
	if err != nil {
		return err
	}

	err = fn(ctx)

	b.mu.Lock()
	defer b.mu.Unlock()
	if err != nil && b.counts(err) {
		b.recordFailure(probe)
	} else {
		b.recordSuccess(probe)
	}
	return err
}

// admit decides whether a call may proceed and whether it is a probe.
func (b *Breaker) admit() (probe bool, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateOpen:
		if time.Since(b.openedAt) < b.resetTimeout {
			return false, ErrCircuitOpen
		}
		b.state = StateHalfOpen
		b.probes = 0
		b.probeSuccesses = 0
		slog.Info("circuit breaker half-open", "name", b.name)
		fallthrough
	case StateHalfOpen:
		if b.probes >= b.halfOpenMax {
			return false, ErrCircuitOpen
		}
		b.probes++
		return true, nil
	}
	return false, nil
}

// recordFailure must be called with b.mu held.
func (b *Breaker) recordFailure(probe bool) {
	if probe || b.state == StateHalfOpen {
		b.trip("probe failed")
		return
	}
	b.consecutiveFail++
	if b.consecutiveFail >= b.maxFailures {
		b.trip("consecutive failures")
	}
}

// recordSuccess must be called with b.mu held.
func (b *Breaker) recordSuccess(probe bool) {
	if !probe {
		b.consecutiveFail = 0
		return
	}
	b.probeSuccesses++
	if b.probeSuccesses >= b.halfOpenMax {
		b.state = StateClosed
		b.consecutiveFail = 0
		slog.Info("circuit breaker closed", "name", b.name)
	}
}

func (b *Breaker) trip(reason string) {
	b.state = StateOpen
	b.openedAt = time.Now()
	slog.Warn("circuit breaker opened",
		"name", b.name,
		"reason", reason,
		"consecutive_failures", b.consecutiveFail)
}

// State returns the current [State]. An open breaker whose reset timeout has
// elapsed reports [StateHalfOpen]; the transition happens on the next call.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == StateOpen && time.Since(b.openedAt) >= b.resetTimeout {
		return StateHalfOpen
	}
	return b.state
}

// Reset forces the breaker closed.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = StateClosed
	b.consecutiveFail = 0
	b.probes = 0
	b.probeSuccesses = 0
	slog.Info("circuit breaker manually reset", "name", b.name)
}
