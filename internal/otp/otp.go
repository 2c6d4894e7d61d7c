// Package otp issues and verifies single-use second-factor codes.
//
// Codes are six decimal digits drawn from crypto/rand. Only a bcrypt hash of
// each code is kept; the plain code is handed to a [Sender] once and then
// forgotten. A challenge is consumed by the first correct answer and
// invalidated after too many wrong ones or when its TTL elapses.
package otp

import (
	"context"
	"crypto/rand"
	"fmt"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/MrWong99/vaani/pkg/fault"
)

const (
	// CodeDigits is the length of an issued code.
	CodeDigits = 6

	// DefaultTTL is how long a challenge stays valid.
	DefaultTTL = 5 * time.Minute

	// DefaultMaxAttempts is the number of wrong answers a challenge tolerates.
	DefaultMaxAttempts = 5
)

var codeSpace = big.NewInt(1_000_000)

// Challenge identifies an issued code. It never contains the code itself.
type Challenge struct {
	ID        string    `json:"id"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Sender delivers a freshly issued code to its subject.
type Sender interface {
	Send(ctx context.Context, subject, code string) error
}

// SenderFunc adapts a function to [Sender].
type SenderFunc func(ctx context.Context, subject, code string) error

// Send calls f.
func (f SenderFunc) Send(ctx context.Context, subject, code string) error {
	return f(ctx, subject, code)
}

// LogSender writes codes to the structured log. It is meant for development
// deployments without an SMS or e-mail gateway.
type LogSender struct{}

// Send implements [Sender].
func (LogSender) Send(_ context.Context, subject, code string) error {
	slog.Info("second factor issued", "subject", subject, "code", code)
	return nil
}

type entry struct {
	subject  string
	hash     []byte
	expires  time.Time
	attempts int
}

// Service issues and verifies challenges. It is safe for concurrent use.
type Service struct {
	sender      Sender
	ttl         time.Duration
	maxAttempts int
	cost        int
	now         func() time.Time

	mu         sync.Mutex
	challenges map[string]*entry
}

// Option configures a [Service].
type Option func(*Service)

// WithTTL sets the challenge lifetime. Non-positive values are ignored.
func WithTTL(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.ttl = d
		}
	}
}

// WithMaxAttempts sets how many wrong answers invalidate a challenge.
// Non-positive values are ignored.
func WithMaxAttempts(n int) Option {
	return func(s *Service) {
		if n > 0 {
			s.maxAttempts = n
		}
	}
}

// WithHashCost sets the bcrypt cost. Values outside bcrypt's range fall back
// to [bcrypt.DefaultCost].
func WithHashCost(cost int) Option {
	return func(s *Service) {
		if cost >= bcrypt.MinCost && cost <= bcrypt.MaxCost {
			s.cost = cost
		}
	}
}

// WithClock replaces the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// NewService creates a [Service] delivering codes through sender. A nil
// sender means [LogSender].
func NewService(sender Sender, opts ...Option) *Service {
	if sender == nil {
		sender = LogSender{}
	}
	s := &Service{
		sender:      sender,
		ttl:         DefaultTTL,
		maxAttempts: DefaultMaxAttempts,
		cost:        bcrypt.DefaultCost,
		now:         time.Now,
		challenges:  make(map[string]*entry),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Issue creates a challenge for subject and delivers its code.
func (s *Service) Issue(ctx context.Context, subject string) (Challenge, error) {
	n, err := rand.Int(rand.Reader, codeSpace)
	if err != nil {
		return Challenge{}, fmt.Errorf("otp: generate code: %w", err)
	}
	code := fmt.Sprintf("%0*d", CodeDigits, n.Int64())

	hash, err := bcrypt.GenerateFromPassword([]byte(code), s.cost)
	if err != nil {
		return Challenge{}, fmt.Errorf("otp: hash code: %w", err)
	}

	ch := Challenge{ID: uuid.NewString(), ExpiresAt: s.now().Add(s.ttl)}

	s.mu.Lock()
	s.challenges[ch.ID] = &entry{subject: subject, hash: hash, expires: ch.ExpiresAt}
	s.mu.Unlock()

	if err := s.sender.Send(ctx, subject, code); err != nil {
		s.mu.Lock()
		delete(s.challenges, ch.ID)
		s.mu.Unlock()
		return Challenge{}, fmt.Errorf("otp: deliver code: %w", fault.Wrap(fault.ErrNetworkUnavailable, err))
	}
	return ch, nil
}

// Verify checks code against the challenge issued to subject. A correct code
// consumes the challenge. Unknown, expired, consumed or foreign challenges
// fail with [fault.ErrSecondFactorExpired]; a wrong code fails with
// [fault.ErrSecondFactorIncorrect] and leaves the challenge usable until the
// attempt limit is reached.
func (s *Service) Verify(_ context.Context, challengeID, subject, code string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.challenges[challengeID]
	if !ok || e.subject != subject {
		return fault.ErrSecondFactorExpired
	}
	if !s.now().Before(e.expires) {
		delete(s.challenges, challengeID)
		return fault.ErrSecondFactorExpired
	}
	if err := bcrypt.CompareHashAndPassword(e.hash, []byte(code)); err != nil {
		e.attempts++
		if e.attempts >= s.maxAttempts {
			delete(s.challenges, challengeID)
			slog.Warn("second factor locked after repeated failures", "subject", subject, "attempts", e.attempts)
		}
		return fault.ErrSecondFactorIncorrect
	}
	delete(s.challenges, challengeID)
	return nil
}

// Sweep drops challenges that expired at or before now and returns how many
// were removed.
func (s *Service) Sweep(now time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id, e := range s.challenges {
		if !now.Before(e.expires) {
			delete(s.challenges, id)
			n++
		}
	}
	return n
}

// Pending returns the number of live challenges.
func (s *Service) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.challenges)
}

// RunSweeper calls [Service.Sweep] every interval until ctx is cancelled.
// It always returns nil so it can run inside an errgroup.
func (s *Service) RunSweeper(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = time.Minute
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			if n := s.Sweep(s.now()); n > 0 {
				slog.Debug("expired second factors swept", "count", n)
			}
		}
	}
}
