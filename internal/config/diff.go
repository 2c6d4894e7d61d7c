package config

import (
	"maps"
	"slices"
	"time"
)

// ConfigDiff describes what changed between two configs.
// Only fields that can be safely hot-reloaded are tracked; everything else
// needs a restart.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	PINLockGraceChanged bool
	NewPINLockGrace     time.Duration

	LanguagesChanged bool
	AddedLanguages   []string
	RemovedLanguages []string

	// RestartRequired is true when a field outside the hot-reload set
	// changed.
	RestartRequired bool
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	if old.Conversation.PINLockGrace != new.Conversation.PINLockGrace {
		d.PINLockGraceChanged = true
		d.NewPINLockGrace = new.Conversation.PINLockGrace
	}

	for _, lang := range new.Conversation.Languages {
		if !slices.Contains(old.Conversation.Languages, lang) {
			d.AddedLanguages = append(d.AddedLanguages, lang)
		}
	}
	for _, lang := range old.Conversation.Languages {
		if !slices.Contains(new.Conversation.Languages, lang) {
			d.RemovedLanguages = append(d.RemovedLanguages, lang)
		}
	}
	d.LanguagesChanged = len(d.AddedLanguages) > 0 || len(d.RemovedLanguages) > 0 ||
		old.Conversation.DefaultLanguage != new.Conversation.DefaultLanguage

	if old.Server.ListenAddr != new.Server.ListenAddr ||
		old.Server.LogFile != new.Server.LogFile ||
		old.Server.LogFileMaxSizeMB != new.Server.LogFileMaxSizeMB ||
		!sameTLS(old.Server.TLS, new.Server.TLS) ||
		old.Backend != new.Backend ||
		old.Audio != new.Audio ||
		old.Enrollment != new.Enrollment ||
		old.Auth != new.Auth ||
		old.Devices != new.Devices ||
		old.Prefs != new.Prefs ||
		old.Telemetry != new.Telemetry ||
		!sameSpeech(old.Speech, new.Speech) {
		d.RestartRequired = true
	}

	return d
}

// Empty reports whether the two configs were equivalent.
func (d ConfigDiff) Empty() bool {
	return !d.LogLevelChanged && !d.PINLockGraceChanged && !d.LanguagesChanged && !d.RestartRequired
}

func sameTLS(a, b *TLSConfig) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

func sameSpeech(a, b SpeechConfig) bool {
	return a.STT == b.STT && a.TTS == b.TTS &&
		a.ListenTimeout == b.ListenTimeout &&
		maps.Equal(a.Voices, b.Voices)
}
