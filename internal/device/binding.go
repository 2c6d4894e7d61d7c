package device

import (
	"fmt"
	"time"

	"github.com/MrWong99/vaani/pkg/fault"
)

// TrustLevel is the trust state of a [Binding].
type TrustLevel string

const (
	// TrustProvisional is a registered binding whose second factor has not
	// been verified yet.
	TrustProvisional TrustLevel = "provisional"

	// TrustTrusted is a verified binding.
	TrustTrusted TrustLevel = "trusted"

	// TrustRevoked is permanently untrusted. It is terminal.
	TrustRevoked TrustLevel = "revoked"
)

// Valid reports whether t is a known trust level.
func (t TrustLevel) Valid() bool {
	switch t {
	case TrustProvisional, TrustTrusted, TrustRevoked:
		return true
	}
	return false
}

// Binding is the trust relationship between one device and one account.
type Binding struct {
	ID           string     `json:"id"`
	AccountID    string     `json:"account_id"`
	Fingerprint  string     `json:"fingerprint"`
	Label        string     `json:"label"`
	Platform     string     `json:"platform"`
	Trust        TrustLevel `json:"trust"`
	VoiceSigned  bool       `json:"voice_signature"`
	LastVerified time.Time  `json:"last_verified,omitzero"`
	CreatedAt    time.Time  `json:"created_at"`
	RevokedAt    time.Time  `json:"revoked_at,omitzero"`
}

// Active reports whether the binding has not been revoked.
func (b *Binding) Active() bool { return b.Trust != TrustRevoked }

// Promote marks the binding trusted as of now. A revoked binding cannot be
// promoted.
func (b *Binding) Promote(now time.Time, voice bool) error {
	if b.Trust == TrustRevoked {
		return fmt.Errorf("device: promote %s: %w", b.ID, fault.ErrRevoked)
	}
	b.Trust = TrustTrusted
	b.LastVerified = now
	if voice {
		b.VoiceSigned = true
	}
	return nil
}

// Revoke marks the binding revoked. Revoking twice keeps the first timestamp.
func (b *Binding) Revoke(now time.Time) {
	if b.Trust == TrustRevoked {
		return
	}
	b.Trust = TrustRevoked
	b.RevokedAt = now
}

// VoiceSecured reports whether any active binding carries a voice signature.
// The voice flag of a revoked binding is ignored.
func VoiceSecured(bindings []Binding) bool {
	for i := range bindings {
		if bindings[i].Active() && bindings[i].VoiceSigned {
			return true
		}
	}
	return false
}
