// Package prefs persists per-user preferences (language and voice mode) and
// the per-device voice enrollment marker.
//
// [BadgerStore] keeps everything in an embedded badger database so the
// preferences survive restarts without a database server; [MemStore] is the
// in-memory equivalent for tests and single-process deployments.
package prefs

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a user has no stored preferences.
var ErrNotFound = errors.New("prefs: not found")

// Preferences are the settings a user carries between sessions.
type Preferences struct {
	Language  string    `json:"language"`
	VoiceMode bool      `json:"voice_mode"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Store persists preferences and enrollment markers. Implementations are
// safe for concurrent use.
type Store interface {
	// Get returns the stored preferences or [ErrNotFound].
	Get(ctx context.Context, userID string) (Preferences, error)

	// SetLanguage stores the user's language, keeping the other fields.
	SetLanguage(ctx context.Context, userID, lang string) error

	// SetVoiceMode stores the user's voice-mode flag, keeping the other
	// fields.
	SetVoiceMode(ctx context.Context, userID string, on bool) error

	// IsEnrolled reports whether the marker for key is set.
	IsEnrolled(ctx context.Context, key string) (bool, error)

	// MarkEnrolled sets the marker for key.
	MarkEnrolled(ctx context.Context, key string) error

	// ClearEnrolled removes the marker for key. Clearing an unset marker is
	// not an error.
	ClearEnrolled(ctx context.Context, key string) error

	// Close releases the underlying resources.
	Close() error
}

// EnrollmentKey builds the marker key for a user on a device.
func EnrollmentKey(userID, fingerprint string) string {
	return userID + "@" + fingerprint
}

// GetOrDefault returns the stored preferences, or def when none are stored.
func GetOrDefault(ctx context.Context, s Store, userID string, def Preferences) (Preferences, error) {
	p, err := s.Get(ctx, userID)
	if errors.Is(err, ErrNotFound) {
		return def, nil
	}
	return p, err
}
