// Package auth drives the two-step login: a preliminary credential check
// (password or voice sample) that does not create a session, followed by a
// single-use second-factor code. Splitting the steps means a mistyped code
// never forces the user to record their voice or type their password again.
package auth

import (
	"context"
	"time"

	"github.com/MrWong99/vaani/internal/otp"
)

// Mode is the primary credential type.
type Mode string

const (
	ModePassword Mode = "password"
	ModeVoice    Mode = "voice"
)

// Valid reports whether m is a known mode.
func (m Mode) Valid() bool { return m == ModePassword || m == ModeVoice }

// Step is the position in the login state machine.
type Step int

const (
	StepEnteringCredentials Step = iota
	StepAwaitingSecondFactor
	StepAuthenticated
)

// String returns the step name used in logs and the API.
func (s Step) String() string {
	switch s {
	case StepEnteringCredentials:
		return "entering-credentials"
	case StepAwaitingSecondFactor:
		return "awaiting-second-factor"
	case StepAuthenticated:
		return "authenticated"
	default:
		return "unknown"
	}
}

// MarshalText implements [encoding.TextMarshaler].
func (s Step) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// Credentials are what the user enters on the login form. Voice credentials
// come from the enrollment protocol and are not part of this struct.
type Credentials struct {
	Password string `json:"password,omitempty"`
}

// Attempt is the payload sent to the [Backend]. The same value is reused for
// every retry of a call.
type Attempt struct {
	UserID      string `json:"user_id"`
	Fingerprint string `json:"device_fingerprint"`
	Mode        Mode   `json:"mode"`
	Password    string `json:"password,omitempty"`

	// Sample is the WAV-encoded voice sample in voice mode.
	Sample []byte `json:"voice_sample,omitempty"`
}

// Verdict is the backend's answer to a preliminary check.
type Verdict struct {
	Accepted bool   `json:"accepted"`
	Reason   string `json:"reason,omitempty"`
}

// Session is what a successful login produces. It bootstraps the
// conversation.
type Session struct {
	Token     string    `json:"token"`
	AccountID string    `json:"account_id"`
	UserID    string    `json:"user_id"`
	BindingID string    `json:"binding_id,omitempty"`
	Mode      Mode      `json:"mode"`
	ExpiresAt time.Time `json:"expires_at,omitzero"`
}

// Backend is the banking authentication service.
type Backend interface {
	// Validate checks credentials without creating a session. A rejection is
	// a Verdict with Accepted false, not an error.
	Validate(ctx context.Context, a Attempt) (Verdict, error)

	// Login finalises the login. Rejected credentials fail with
	// fault.ErrInvalidCredentials.
	Login(ctx context.Context, a Attempt) (Session, error)
}

// SecondFactor issues and verifies one-time codes.
type SecondFactor interface {
	Issue(ctx context.Context, subject string) (otp.Challenge, error)
	Verify(ctx context.Context, challengeID, subject, code string) error
}

// Validation is the result of [Flow.ValidateOnly].
type Validation struct {
	Accepted  bool           `json:"accepted"`
	Reason    string         `json:"reason,omitempty"`
	Challenge *otp.Challenge `json:"challenge,omitempty"`
}

// Result is the result of [Flow.Complete].
type Result struct {
	Session *Session `json:"session,omitempty"`
	Reason  string   `json:"reason,omitempty"`

	// Challenge replaces the consumed one after a failed finalisation.
	Challenge *otp.Challenge `json:"challenge,omitempty"`
}
