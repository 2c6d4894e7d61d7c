package config_test

import (
	"slices"
	"testing"
	"time"

	"github.com/MrWong99/vaani/internal/config"
)

func TestDiff_NoChanges(t *testing.T) {
	t.Parallel()
	cfg := &config.Config{
		Server:       config.ServerConfig{LogLevel: config.LogInfo},
		Conversation: config.ConversationConfig{Languages: []string{"en-IN"}},
	}
	d := config.Diff(cfg, cfg)
	if d.LogLevelChanged || d.PINLockGraceChanged || d.LanguagesChanged || d.RestartRequired {
		t.Errorf("expected no changes, got %+v", d)
	}
}

func TestDiff_LogLevelChanged(t *testing.T) {
	t.Parallel()
	old := &config.Config{Server: config.ServerConfig{LogLevel: config.LogInfo}}
	new := &config.Config{Server: config.ServerConfig{LogLevel: config.LogDebug}}

	d := config.Diff(old, new)
	if !d.LogLevelChanged {
		t.Error("expected LogLevelChanged=true")
	}
	if d.NewLogLevel != config.LogDebug {
		t.Errorf("expected NewLogLevel=debug, got %q", d.NewLogLevel)
	}
	if d.RestartRequired {
		t.Error("log level change should not require a restart")
	}
}

func TestDiff_PINLockGrace(t *testing.T) {
	t.Parallel()
	old := &config.Config{Conversation: config.ConversationConfig{PINLockGrace: 2 * time.Second}}
	new := &config.Config{Conversation: config.ConversationConfig{PINLockGrace: 3 * time.Second}}

	d := config.Diff(old, new)
	if !d.PINLockGraceChanged || d.NewPINLockGrace != 3*time.Second {
		t.Errorf("got %+v", d)
	}
}

func TestDiff_Languages(t *testing.T) {
	t.Parallel()
	old := &config.Config{Conversation: config.ConversationConfig{Languages: []string{"en-IN", "hi-IN"}}}
	new := &config.Config{Conversation: config.ConversationConfig{Languages: []string{"en-IN", "ta-IN"}}}

	d := config.Diff(old, new)
	if !d.LanguagesChanged {
		t.Fatal("expected LanguagesChanged=true")
	}
	if !slices.Equal(d.AddedLanguages, []string{"ta-IN"}) {
		t.Errorf("added: got %v", d.AddedLanguages)
	}
	if !slices.Equal(d.RemovedLanguages, []string{"hi-IN"}) {
		t.Errorf("removed: got %v", d.RemovedLanguages)
	}
}

func TestDiff_RestartRequired(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name   string
		mutate func(*config.Config)
	}{
		{"backend url", func(c *config.Config) { c.Backend.BaseURL = "https://b.example.com" }},
		{"listen addr", func(c *config.Config) { c.Server.ListenAddr = ":9090" }},
		{"tls enabled", func(c *config.Config) { c.Server.TLS = &config.TLSConfig{CertFile: "c.pem", KeyFile: "k.pem"} }},
		{"audio codec", func(c *config.Config) { c.Audio.Codec = "opus" }},
		{"otp ttl", func(c *config.Config) { c.Auth.OTPTTL = time.Minute }},
		{"sample ttl", func(c *config.Config) { c.Enrollment.SampleTTL = time.Minute }},
		{"stt model", func(c *config.Config) { c.Speech.STT.Model = "nova-3" }},
		{"voice map", func(c *config.Config) { c.Speech.Voices = map[string]string{"hi-IN": "v2"} }},
		{"prefs path", func(c *config.Config) { c.Prefs.Path = "/var/lib/vaani" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			old := &config.Config{
				Backend: config.BackendConfig{BaseURL: "https://a.example.com"},
				Speech:  config.SpeechConfig{Voices: map[string]string{"hi-IN": "v1"}},
			}
			new := &config.Config{
				Backend: old.Backend,
				Speech:  config.SpeechConfig{Voices: map[string]string{"hi-IN": "v1"}},
			}
			if d := config.Diff(old, new); !d.Empty() {
				t.Fatalf("identical configs reported %+v", d)
			}
			tt.mutate(new)
			d := config.Diff(old, new)
			if !d.RestartRequired {
				t.Errorf("%s change should require a restart", tt.name)
			}
			if d.Empty() {
				t.Error("Empty() = true for a restart-required diff")
			}
		})
	}
}

func TestDiff_EmptyIgnoresHotFieldsOnlyWhenUnchanged(t *testing.T) {
	t.Parallel()
	old := &config.Config{Conversation: config.ConversationConfig{DefaultLanguage: "en-IN"}}
	new := &config.Config{Conversation: config.ConversationConfig{DefaultLanguage: "hi-IN"}}

	d := config.Diff(old, new)
	if d.Empty() {
		t.Fatal("default language change reported as empty")
	}
	if !d.LanguagesChanged || d.RestartRequired {
		t.Errorf("got %+v, want a language-only change", d)
	}
}
