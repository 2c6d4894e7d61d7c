// Package fault defines the error taxonomy shared by every Vaani component.
//
// Each failure carries a [Kind] that decides how the caller reacts:
//
//   - [KindDevice] and [KindProtocol] are surfaced inline; state is not unwound.
//   - [KindTrust] and [KindSession] are terminal for the current session and
//     are propagated to the session host, which signs the user out.
//   - [KindTransient] may be retried with the same payload.
//
// Errors compare by [Error.Code] under [errors.Is], so a wrapped, enriched
// copy of a sentinel still matches the sentinel:
//
//	err := fault.Wrap(fault.ErrNetworkUnavailable, dialErr)
//	errors.Is(err, fault.ErrNetworkUnavailable) // true
package fault

import (
	"errors"
	"fmt"
)

// Kind classifies an [Error].
type Kind int

const (
	// KindUnknown marks errors that did not originate from this taxonomy.
	KindUnknown Kind = iota

	// KindDevice covers capture hardware and codec failures.
	KindDevice

	// KindProtocol covers user-correctable flow errors (missing sample,
	// wrong second factor, wrong PIN).
	KindProtocol

	// KindTrust covers device-binding violations: revoked binding or
	// fingerprint mismatch.
	KindTrust

	// KindSession covers expired or invalid backend sessions.
	KindSession

	// KindTransient covers network or backend unavailability.
	KindTransient
)

// String returns the lower-case name of the kind.
func (k Kind) String() string {
	switch k {
	case KindDevice:
		return "device"
	case KindProtocol:
		return "protocol"
	case KindTrust:
		return "trust"
	case KindSession:
		return "session"
	case KindTransient:
		return "transient"
	default:
		return "unknown"
	}
}

// Error is a classified failure.
type Error struct {
	// Kind decides how callers react to the failure.
	Kind Kind

	// Code is the stable machine-readable identifier (e.g. "session_expired").
	Code string

	// Msg is a short human-readable description.
	Msg string

	// Err is the underlying cause, if any.
	Err error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error { return e.Err }

// Is reports whether target is an [*Error] with the same code.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Code == e.Code
}

// New returns a new classified error.
func New(kind Kind, code, msg string) *Error {
	return &Error{Kind: kind, Code: code, Msg: msg}
}

// Wrap returns a copy of sentinel with cause attached. The result still
// matches sentinel under [errors.Is].
func Wrap(sentinel *Error, cause error) *Error {
	cp := *sentinel
	cp.Err = cause
	return &cp
}

// Sentinel errors. Compare with [errors.Is].
var (
	ErrCaptureUnavailable = New(KindDevice, "capture_unavailable", "audio capture device unavailable")
	ErrDecodeFailed       = New(KindDevice, "decode_failed", "captured audio could not be decoded")

	ErrNoSampleCaptured      = New(KindProtocol, "no_sample_captured", "no voice sample has been captured")
	ErrSecondFactorIncorrect = New(KindProtocol, "second_factor_incorrect", "second-factor code is incorrect")
	ErrSecondFactorExpired   = New(KindProtocol, "second_factor_expired", "second-factor challenge expired")
	ErrInvalidCredentials    = New(KindProtocol, "invalid_credentials", "credentials were rejected")
	ErrIncorrectPIN          = New(KindProtocol, "incorrect_pin", "UPI PIN is incorrect")
	ErrUnknownRecipient      = New(KindProtocol, "unknown_recipient", "payment recipient is not recognised")
	ErrInvalidState          = New(KindProtocol, "invalid_state", "operation not allowed in the current state")
	ErrVerificationInFlight  = New(KindProtocol, "verification_in_flight", "a PIN verification is already in flight")
	ErrConsentRequired       = New(KindProtocol, "consent_required", "UPI consent has not been given")
	ErrUnsupportedLanguage   = New(KindProtocol, "unsupported_language", "language is not supported")
	ErrBindingNotFound       = New(KindProtocol, "binding_not_found", "device binding not found")

	ErrRevoked             = New(KindTrust, "binding_revoked", "device binding has been revoked")
	ErrFingerprintMismatch = New(KindTrust, "fingerprint_mismatch", "device fingerprint does not match binding")

	ErrSessionExpired = New(KindSession, "session_expired", "session expired")

	ErrNetworkUnavailable = New(KindTransient, "network_unavailable", "network or backend unavailable")
)

// KindOf returns the [Kind] of the first [*Error] in err's chain, or
// [KindUnknown].
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return KindUnknown
}

// CodeOf returns the code of the first [*Error] in err's chain, or "".
func CodeOf(err error) string {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Code
	}
	return ""
}

// IsTerminal reports whether err must end the current session.
func IsTerminal(err error) bool {
	k := KindOf(err)
	return k == KindTrust || k == KindSession
}

// IsRetryable reports whether err may be retried with the same payload.
func IsRetryable(err error) bool {
	return KindOf(err) == KindTransient
}
