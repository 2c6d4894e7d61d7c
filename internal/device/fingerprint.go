// Package device manages device fingerprints and the trust lifecycle of the
// bindings between a device and an account.
//
// A [Binding] starts provisional, is promoted to trusted once a second factor
// has been verified, and can be revoked at any time. Revocation is terminal:
// a revoked binding is kept as history and a new binding must be registered
// for the same device. Stores enforce this independently of the [Registry] so
// a revoked row can never be written back as trusted.
package device

import (
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"strings"
)

// Signals are the device characteristics a client reports when it computes
// its fingerprint. Raw signals stay on the client; only [Signals.Fingerprint]
// is sent to the server.
type Signals struct {
	UserAgent           string
	Locale              string
	Platform            string
	Timezone            string
	ScreenWidth         int
	ScreenHeight        int
	ColorDepth          int
	PixelRatio          float64
	HardwareConcurrency int
}

// Canonical returns the stable string the fingerprint is derived from. Fields
// are joined with '|' in declaration order; the pixel ratio is formatted with
// the shortest exact representation so 2 and 2.0 hash the same.
func (s Signals) Canonical() string {
	return strings.Join([]string{
		s.UserAgent,
		s.Locale,
		s.Platform,
		s.Timezone,
		strconv.Itoa(s.ScreenWidth) + "x" + strconv.Itoa(s.ScreenHeight),
		strconv.Itoa(s.ColorDepth),
		strconv.FormatFloat(s.PixelRatio, 'g', -1, 64),
		strconv.Itoa(s.HardwareConcurrency),
	}, "|")
}

// Fingerprint returns the lowercase hex SHA-256 digest of [Signals.Canonical].
func (s Signals) Fingerprint() string {
	sum := sha256.Sum256([]byte(s.Canonical()))
	return hex.EncodeToString(sum[:])
}

// ValidFingerprint reports whether fp looks like a digest produced by
// [Signals.Fingerprint]. The server never sees raw signals, so anything else
// is rejected at registration.
func ValidFingerprint(fp string) bool {
	if len(fp) != sha256.Size*2 {
		return false
	}
	for i := 0; i < len(fp); i++ {
		c := fp[i]
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}
	return true
}
