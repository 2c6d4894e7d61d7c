package fault

// Session-expiry codes returned by the banking backend. Any of them forces
// sign-out.
const (
	CodeSessionTimeout  = "session_timeout"
	CodeSessionExpired  = "session_expired"
	CodeSessionInactive = "session_inactive"
	CodeSessionInvalid  = "session_invalid"
)

// IsSessionCode reports whether code is one of the backend session-expiry
// codes.
func IsSessionCode(code string) bool {
	switch code {
	case CodeSessionTimeout, CodeSessionExpired, CodeSessionInactive, CodeSessionInvalid:
		return true
	}
	return false
}

// FromCode maps a backend error code to a classified error. Session-expiry
// codes become [KindSession] errors that keep the original code; everything
// else returns nil so the caller can apply its own mapping.
func FromCode(code, msg string) *Error {
	if !IsSessionCode(code) {
		return nil
	}
	if msg == "" {
		msg = ErrSessionExpired.Msg
	}
	e := New(KindSession, code, msg)
	e.Err = ErrSessionExpired
	return e
}
