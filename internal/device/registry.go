package device

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/MrWong99/vaani/internal/observe"
	"github.com/MrWong99/vaani/internal/otp"
	"github.com/MrWong99/vaani/pkg/audio"
	"github.com/MrWong99/vaani/pkg/fault"
)

// Authenticator resolves a session token to the account it belongs to. It
// returns an error for unknown, expired or revoked tokens.
type Authenticator interface {
	AccountFor(ctx context.Context, token string) (accountID string, err error)
}

// SecondFactor issues and checks the one-time codes that promote a binding.
type SecondFactor interface {
	Issue(ctx context.Context, subject string) (otp.Challenge, error)
	Verify(ctx context.Context, challengeID, subject, code string) error
}

// RevocationListener is notified after a binding has been revoked. The
// session host uses it to terminate every live session authenticated through
// the binding.
type RevocationListener interface {
	OnRevoked(ctx context.Context, b Binding)
}

// RevocationFunc adapts a function to [RevocationListener].
type RevocationFunc func(ctx context.Context, b Binding)

// OnRevoked calls f.
func (f RevocationFunc) OnRevoked(ctx context.Context, b Binding) { f(ctx, b) }

// RegisterRequest is the input of [Registry.Register]. A voice sample is
// accepted only by [Registry.Verify], once the device is being trusted.
type RegisterRequest struct {
	// Fingerprint is the hex digest computed by the client with
	// [Signals.Fingerprint].
	Fingerprint string `json:"fingerprint"`
	Label       string `json:"label"`
	Platform    string `json:"platform"`
}

// VerifyRequest is the input of [Registry.Verify].
type VerifyRequest struct {
	Fingerprint string `json:"fingerprint"`
	ChallengeID string `json:"challenge_id"`
	Code        string `json:"code"`

	// VoiceSample, when set, attaches a voice signature to the binding.
	VoiceSample *audio.Sample `json:"-"`
}

// Registry manages the device bindings of every account. It is safe for
// concurrent use.
type Registry struct {
	store   Store
	auth    Authenticator
	factor  SecondFactor
	metrics *observe.Metrics
	now     func() time.Time

	listeners []RevocationListener
}

// RegistryOption configures a [Registry].
type RegistryOption func(*Registry)

// WithRevocationListener adds a listener notified after every revocation.
func WithRevocationListener(l RevocationListener) RegistryOption {
	return func(r *Registry) { r.listeners = append(r.listeners, l) }
}

// WithMetrics sets the metrics sink. Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) RegistryOption {
	return func(r *Registry) { r.metrics = m }
}

// WithClock replaces the time source.
func WithClock(now func() time.Time) RegistryOption {
	return func(r *Registry) { r.now = now }
}

// NewRegistry creates a [Registry].
func NewRegistry(store Store, auth Authenticator, factor SecondFactor, opts ...RegistryOption) *Registry {
	r := &Registry{
		store:  store,
		auth:   auth,
		factor: factor,
		now:    time.Now,
	}
	for _, o := range opts {
		o(r)
	}
	if r.metrics == nil {
		r.metrics = observe.DefaultMetrics()
	}
	return r
}

// account resolves token. Any failure is reported as an expired session.
func (r *Registry) account(ctx context.Context, token string) (string, error) {
	if token == "" {
		return "", fault.ErrSessionExpired
	}
	id, err := r.auth.AccountFor(ctx, token)
	if err != nil {
		if fault.KindOf(err) == fault.KindSession {
			return "", err
		}
		return "", fault.Wrap(fault.ErrSessionExpired, err)
	}
	return id, nil
}

// owned loads a binding and checks that it belongs to accountID. Bindings of
// other accounts are reported as not found.
func (r *Registry) owned(ctx context.Context, accountID, bindingID string) (Binding, error) {
	b, err := r.store.Get(ctx, bindingID)
	if errors.Is(err, ErrNotFound) || (err == nil && b.AccountID != accountID) {
		return Binding{}, fault.ErrBindingNotFound
	}
	if err != nil {
		return Binding{}, err
	}
	return b, nil
}

// Register creates a provisional binding for the caller's device. An active
// binding with the same fingerprint is replaced in place and drops back to
// provisional; a revoked one stays as history and a new binding is created.
func (r *Registry) Register(ctx context.Context, token string, req RegisterRequest) (Binding, error) {
	accountID, err := r.account(ctx, token)
	if err != nil {
		return Binding{}, err
	}
	if !ValidFingerprint(req.Fingerprint) {
		return Binding{}, fault.New(fault.KindProtocol, "invalid_fingerprint", "fingerprint must be a hex SHA-256 digest")
	}

	existing, err := r.store.FindActive(ctx, accountID, req.Fingerprint)
	switch {
	case err == nil:
		existing.Label = req.Label
		existing.Platform = req.Platform
		existing.Trust = TrustProvisional
		existing.VoiceSigned = false
		if err := r.store.Update(ctx, existing); err != nil {
			return Binding{}, fmt.Errorf("device: register: %w", err)
		}
		slog.Info("device binding re-registered", "binding", existing.ID, "account", accountID)
		return existing, nil
	case !errors.Is(err, ErrNotFound):
		return Binding{}, fmt.Errorf("device: register: %w", err)
	}

	b := Binding{
		ID:          uuid.NewString(),
		AccountID:   accountID,
		Fingerprint: req.Fingerprint,
		Label:       req.Label,
		Platform:    req.Platform,
		Trust:       TrustProvisional,
		CreatedAt:   r.now(),
	}
	if err := r.store.Insert(ctx, b); err != nil {
		return Binding{}, fmt.Errorf("device: register: %w", err)
	}
	slog.Info("device binding registered", "binding", b.ID, "account", accountID, "platform", b.Platform)
	return b, nil
}

// Challenge issues the second-factor code that [Registry.Verify] expects for
// the binding.
func (r *Registry) Challenge(ctx context.Context, token, bindingID string) (otp.Challenge, error) {
	accountID, err := r.account(ctx, token)
	if err != nil {
		return otp.Challenge{}, err
	}
	b, err := r.owned(ctx, accountID, bindingID)
	if err != nil {
		return otp.Challenge{}, err
	}
	if !b.Active() {
		return otp.Challenge{}, fault.ErrRevoked
	}
	return r.factor.Issue(ctx, subject(b.ID))
}

// Verify promotes a binding to trusted after checking the fingerprint and the
// second-factor code. Revoked bindings and fingerprint mismatches are trust
// faults; the device has to register again.
func (r *Registry) Verify(ctx context.Context, token, bindingID string, req VerifyRequest) (Binding, error) {
	accountID, err := r.account(ctx, token)
	if err != nil {
		return Binding{}, err
	}
	b, err := r.owned(ctx, accountID, bindingID)
	if err != nil {
		return Binding{}, err
	}
	if !b.Active() {
		return Binding{}, fault.ErrRevoked
	}
	if b.Fingerprint != req.Fingerprint {
		slog.Warn("device fingerprint mismatch", "binding", b.ID, "account", accountID)
		return Binding{}, fault.ErrFingerprintMismatch
	}
	if err := r.factor.Verify(ctx, req.ChallengeID, subject(b.ID), req.Code); err != nil {
		return Binding{}, err
	}

	voice := req.VoiceSample != nil && !req.VoiceSample.IsZero()
	if err := b.Promote(r.now(), voice); err != nil {
		return Binding{}, err
	}
	if err := r.store.Update(ctx, b); err != nil {
		// Lost a race against Revoke.
		return Binding{}, fmt.Errorf("device: verify: %w", err)
	}
	slog.Info("device binding trusted", "binding", b.ID, "account", accountID, "voice", b.VoiceSigned)
	return b, nil
}

// Revoke permanently revokes a binding and notifies the revocation
// listeners. Revoking an already revoked binding returns it unchanged and
// does not notify again.
func (r *Registry) Revoke(ctx context.Context, token, bindingID string) (Binding, error) {
	accountID, err := r.account(ctx, token)
	if err != nil {
		return Binding{}, err
	}
	b, err := r.owned(ctx, accountID, bindingID)
	if err != nil {
		return Binding{}, err
	}
	if !b.Active() {
		return b, nil
	}

	b.Revoke(r.now())
	if err := r.store.Update(ctx, b); err != nil {
		if errors.Is(err, fault.ErrRevoked) {
			return r.store.Get(ctx, bindingID)
		}
		return Binding{}, fmt.Errorf("device: revoke: %w", err)
	}

	r.metrics.DeviceRevocations.Add(ctx, 1)
	slog.Info("device binding revoked", "binding", b.ID, "account", accountID)
	for _, l := range r.listeners {
		l.OnRevoked(ctx, b)
	}
	return b, nil
}

// List returns a snapshot of the caller's bindings, revoked ones included.
func (r *Registry) List(ctx context.Context, token string) ([]Binding, error) {
	accountID, err := r.account(ctx, token)
	if err != nil {
		return nil, err
	}
	bs, err := r.store.List(ctx, accountID)
	if err != nil {
		return nil, fmt.Errorf("device: list: %w", err)
	}
	return bs, nil
}

// VoiceSecured reports whether any of the caller's active bindings carries a
// voice signature.
func (r *Registry) VoiceSecured(ctx context.Context, token string) (bool, error) {
	bs, err := r.List(ctx, token)
	if err != nil {
		return false, err
	}
	return VoiceSecured(bs), nil
}

// Lookup returns a binding by ID without a token check. The session host
// uses it to validate the binding a login arrives through.
func (r *Registry) Lookup(ctx context.Context, bindingID string) (Binding, error) {
	b, err := r.store.Get(ctx, bindingID)
	if errors.Is(err, ErrNotFound) {
		return Binding{}, fault.ErrBindingNotFound
	}
	return b, err
}

func subject(bindingID string) string { return "device:" + bindingID }
