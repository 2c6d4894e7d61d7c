package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"slices"

	"gopkg.in/yaml.v3"
)

// ValidCodecs lists the capture codecs the server can decode.
var ValidCodecs = []string{"f32le", "s16le", "opus"}

// ValidSTTProviders and ValidTTSProviders list the speech providers the
// server can construct.
var (
	ValidSTTProviders = []string{"deepgram"}
	ValidTTSProviders = []string{"elevenlabs"}
)

// opusRates lists the sample rates an Opus decoder accepts.
var opusRates = []int{8000, 12000, 16000, 24000, 48000}

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, expands ${VAR} references from
// the environment, applies defaults and validates the result.
// Useful in tests where configs are constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("config: read: %w", err)
	}
	expanded := os.ExpandEnv(string(raw))

	cfg := &Config{}
	dec := yaml.NewDecoder(bytes.NewReader([]byte(expanded)))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyDefaults fills unset fields with their defaults.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.ListenAddr == "" {
		cfg.Server.ListenAddr = DefaultListenAddr
	}
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	}
	if cfg.Server.LogFile != "" && cfg.Server.LogFileMaxSizeMB == 0 {
		cfg.Server.LogFileMaxSizeMB = DefaultLogFileMaxSizeMB
	}
	if cfg.Backend.Timeout == 0 {
		cfg.Backend.Timeout = DefaultBackendTimeout
	}
	if cfg.Backend.RetryAttempts == 0 {
		cfg.Backend.RetryAttempts = DefaultRetryAttempts
	}
	if cfg.Backend.RetryBackoff == 0 {
		cfg.Backend.RetryBackoff = DefaultRetryBackoff
	}
	if cfg.Audio.Codec == "" {
		cfg.Audio.Codec = "f32le"
	}
	if cfg.Audio.SampleRate == 0 {
		cfg.Audio.SampleRate = 48000
	}
	if cfg.Audio.Channels == 0 {
		cfg.Audio.Channels = 1
	}
	if cfg.Enrollment.MaxRecording == 0 {
		cfg.Enrollment.MaxRecording = DefaultMaxRecording
	}
	if cfg.Enrollment.SampleTTL == 0 {
		cfg.Enrollment.SampleTTL = DefaultSampleTTL
	}
	if cfg.Auth.OTPTTL == 0 {
		cfg.Auth.OTPTTL = DefaultOTPTTL
	}
	if cfg.Auth.OTPMaxAttempts == 0 {
		cfg.Auth.OTPMaxAttempts = DefaultOTPMaxAttempts
	}
	if cfg.Conversation.DefaultLanguage == "" {
		cfg.Conversation.DefaultLanguage = DefaultLanguage
	}
	if cfg.Conversation.PINLockGrace == 0 {
		cfg.Conversation.PINLockGrace = DefaultPINLockGrace
	}
	if cfg.Speech.ListenTimeout == 0 {
		cfg.Speech.ListenTimeout = DefaultListenTimeout
	}
	if cfg.Telemetry.ServiceName == "" {
		cfg.Telemetry.ServiceName = DefaultServiceName
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if cfg.Server.TLS != nil && (cfg.Server.TLS.CertFile == "" || cfg.Server.TLS.KeyFile == "") {
		errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
	}
	if cfg.Server.LogFileMaxSizeMB < 0 {
		errs = append(errs, fmt.Errorf("server.log_file_max_size_mb %d must not be negative", cfg.Server.LogFileMaxSizeMB))
	}

	// Backend
	if cfg.Backend.BaseURL == "" {
		slog.Warn("backend.base_url is empty; login and payments will fail until it is configured")
	} else if u, err := url.Parse(cfg.Backend.BaseURL); err != nil || u.Scheme == "" || u.Host == "" {
		errs = append(errs, fmt.Errorf("backend.base_url %q is not an absolute URL", cfg.Backend.BaseURL))
	}
	if cfg.Backend.Timeout < 0 {
		errs = append(errs, fmt.Errorf("backend.timeout %s must not be negative", cfg.Backend.Timeout))
	}
	if cfg.Backend.RetryAttempts < 0 {
		errs = append(errs, fmt.Errorf("backend.retry_attempts %d must not be negative", cfg.Backend.RetryAttempts))
	}

	// Audio
	if cfg.Audio.Codec != "" && !slices.Contains(ValidCodecs, cfg.Audio.Codec) {
		errs = append(errs, fmt.Errorf("audio.codec %q is invalid; valid values: f32le, s16le, opus", cfg.Audio.Codec))
	}
	if cfg.Audio.SampleRate < 0 {
		errs = append(errs, fmt.Errorf("audio.sample_rate %d must be positive", cfg.Audio.SampleRate))
	}
	if cfg.Audio.Channels < 0 || cfg.Audio.Channels > 8 {
		errs = append(errs, fmt.Errorf("audio.channels %d is out of range [1, 8]", cfg.Audio.Channels))
	}
	if cfg.Audio.Codec == "opus" {
		if !slices.Contains(opusRates, cfg.Audio.SampleRate) {
			errs = append(errs, fmt.Errorf("audio.sample_rate %d is not supported by opus; valid values: %v", cfg.Audio.SampleRate, opusRates))
		}
		if cfg.Audio.Channels > 2 {
			errs = append(errs, fmt.Errorf("audio.channels %d is not supported by opus", cfg.Audio.Channels))
		}
	}

	// Enrollment
	if cfg.Enrollment.MaxRecording < 0 {
		errs = append(errs, fmt.Errorf("enrollment.max_recording %s must not be negative", cfg.Enrollment.MaxRecording))
	}

	// Auth
	if cfg.Auth.OTPMaxAttempts < 0 {
		errs = append(errs, fmt.Errorf("auth.otp_max_attempts %d must not be negative", cfg.Auth.OTPMaxAttempts))
	}

	// Conversation
	if cfg.Conversation.PINLockGrace < 0 {
		errs = append(errs, fmt.Errorf("conversation.pin_lock_grace %s must not be negative", cfg.Conversation.PINLockGrace))
	}
	if len(cfg.Conversation.Languages) > 0 && cfg.Conversation.DefaultLanguage != "" &&
		!slices.Contains(cfg.Conversation.Languages, cfg.Conversation.DefaultLanguage) {
		errs = append(errs, fmt.Errorf("conversation.default_language %q is not in conversation.languages", cfg.Conversation.DefaultLanguage))
	}
	seen := make(map[string]int, len(cfg.Conversation.Languages))
	for i, lang := range cfg.Conversation.Languages {
		if lang == "" {
			errs = append(errs, fmt.Errorf("conversation.languages[%d] is empty", i))
			continue
		}
		if prev, ok := seen[lang]; ok {
			errs = append(errs, fmt.Errorf("conversation.languages[%d] %q is a duplicate of conversation.languages[%d]", i, lang, prev))
		}
		seen[lang] = i
	}

	// Speech
	errs = append(errs, validateProvider("speech.stt", cfg.Speech.STT, ValidSTTProviders)...)
	errs = append(errs, validateProvider("speech.tts", cfg.Speech.TTS, ValidTTSProviders)...)
	if cfg.Speech.ListenTimeout < 0 {
		errs = append(errs, fmt.Errorf("speech.listen_timeout %s must not be negative", cfg.Speech.ListenTimeout))
	}
	if cfg.Speech.TTS.Name != "" && len(cfg.Speech.Voices) == 0 {
		errs = append(errs, errors.New("speech.voices must map at least one language when speech.tts is set"))
	}

	// Storage
	if cfg.Devices.PostgresDSN == "" {
		slog.Warn("devices.postgres_dsn is empty; device bindings will not survive a restart")
	}

	return errors.Join(errs...)
}

func validateProvider(field string, p ProviderEntry, valid []string) []error {
	if p.Name == "" {
		return nil
	}
	var errs []error
	if !slices.Contains(valid, p.Name) {
		errs = append(errs, fmt.Errorf("%s.name %q is invalid; valid values: %v", field, p.Name, valid))
	}
	if p.APIKey == "" {
		errs = append(errs, fmt.Errorf("%s.api_key is required for %q", field, p.Name))
	}
	if p.BaseURL != "" {
		if u, err := url.Parse(p.BaseURL); err != nil || u.Scheme == "" || u.Host == "" {
			errs = append(errs, fmt.Errorf("%s.base_url %q is not an absolute URL", field, p.BaseURL))
		}
	}
	return errs
}
