// Package host owns the live conversation sessions of the process.
//
// A [Host] turns an authenticated login into a [Live] session: one
// [conversation.Orchestrator] running on its own goroutine, one
// [speech.Controller] for voice mode, and a fan-out of [Event] values to every
// connected client. Terminal faults (an expired backend session, a revoked or
// mismatched device binding) end the session through [Host.SignOut]; the host
// also listens for device revocations and signs out every session that
// arrived through the revoked binding.
package host

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/MrWong99/vaani/internal/auth"
	"github.com/MrWong99/vaani/internal/conversation"
	"github.com/MrWong99/vaani/internal/device"
	"github.com/MrWong99/vaani/internal/observe"
	"github.com/MrWong99/vaani/internal/prefs"
	"github.com/MrWong99/vaani/internal/speech"
	"github.com/MrWong99/vaani/pkg/fault"
	"github.com/MrWong99/vaani/pkg/provider/stt"
	"github.com/MrWong99/vaani/pkg/provider/tts"
)

// Sign-out reasons reported in the final [Event].
const (
	ReasonUser     = "signed_out"
	ReasonRevoked  = "device_revoked"
	ReasonShutdown = "shutdown"
)

// ErrNotFound is returned for unknown session IDs.
var ErrNotFound = errors.New("host: session not found")

// Bindings is the part of the device registry the host needs.
type Bindings interface {
	Lookup(ctx context.Context, bindingID string) (device.Binding, error)
	VoiceSecured(ctx context.Context, token string) (bool, error)
}

// Config holds the dependencies shared by every session.
type Config struct {
	Payments conversation.Payments
	Resolver conversation.Resolver
	Prefs    prefs.Store
	Bindings Bindings

	// STT and TTS are optional; without them voice mode has no server-side
	// transcription or playback.
	STT           stt.Provider
	TTS           tts.Provider
	Voices        map[string]string
	ListenTimeout time.Duration
	SampleRate    int

	DefaultLanguage string
	Languages       []string
	Grace           time.Duration

	Metrics *observe.Metrics
}

// Host tracks live sessions. It is safe for concurrent use.
type Host struct {
	cfg Config

	mu    sync.Mutex
	live  map[string]*Live
	grace time.Duration
}

// New creates an empty Host.
func New(cfg Config) *Host {
	if cfg.Metrics == nil {
		cfg.Metrics = observe.DefaultMetrics()
	}
	if cfg.DefaultLanguage == "" {
		cfg.DefaultLanguage = "en-IN"
	}
	return &Host{
		cfg:   cfg,
		live:  make(map[string]*Live),
		grace: cfg.Grace,
	}
}

var _ device.RevocationListener = (*Host)(nil)

// Open starts a live session for an authenticated login. A login that
// arrived through a revoked binding is refused with [fault.ErrRevoked].
func (h *Host) Open(ctx context.Context, s auth.Session) (*Live, error) {
	if s.Token == "" {
		return nil, fmt.Errorf("host: open: %w", fault.ErrSessionExpired)
	}
	if s.BindingID != "" && h.cfg.Bindings != nil {
		b, err := h.cfg.Bindings.Lookup(ctx, s.BindingID)
		if err != nil {
			return nil, fmt.Errorf("host: open: %w", err)
		}
		if !b.Active() {
			return nil, fmt.Errorf("host: open: binding %s: %w", b.ID, fault.ErrRevoked)
		}
	}

	p := prefs.Preferences{Language: h.cfg.DefaultLanguage}
	if h.cfg.Prefs != nil {
		var err error
		p, err = prefs.GetOrDefault(ctx, h.cfg.Prefs, s.UserID, p)
		if err != nil {
			slog.Warn("host: load preferences", "user", s.UserID, "err", err)
			p = prefs.Preferences{Language: h.cfg.DefaultLanguage}
		}
	}
	if p.Language == "" {
		p.Language = h.cfg.DefaultLanguage
	}

	id := uuid.NewString()
	sess := conversation.NewSession(id, s.UserID, s.Token, p.Language)
	sess.BindingID = s.BindingID
	sess.VoiceMode = p.VoiceMode

	l := &Live{
		id:      id,
		auth:    s,
		subs:    make(map[int]chan Event),
		ended:   make(chan struct{}),
		started: time.Now(),
	}

	l.speech = speech.New(h.speechOptions(l)...)

	h.mu.Lock()
	grace := h.grace
	h.mu.Unlock()

	opts := []conversation.Option{
		conversation.WithSpeech(l.speech),
		conversation.WithMetrics(h.cfg.Metrics),
		conversation.WithListener(l.onUpdate),
		conversation.WithFaultHandler(func(err error) { h.HandleFault(id, err) }),
	}
	if h.cfg.Payments != nil {
		opts = append(opts, conversation.WithPayments(h.cfg.Payments))
	}
	if h.cfg.Resolver != nil {
		opts = append(opts, conversation.WithResolver(h.cfg.Resolver))
	}
	if h.cfg.Prefs != nil {
		opts = append(opts, conversation.WithPreferences(h.cfg.Prefs))
	}
	if h.cfg.Bindings != nil {
		token := s.Token
		opts = append(opts, conversation.WithVoiceStatus(func(ctx context.Context) (bool, error) {
			return h.cfg.Bindings.VoiceSecured(ctx, token)
		}))
	}
	if len(h.cfg.Languages) > 0 {
		opts = append(opts, conversation.WithLanguages(h.cfg.Languages...))
	}
	if grace > 0 {
		opts = append(opts, conversation.WithGrace(grace))
	}
	l.orch = conversation.New(sess, opts...)

	runCtx, cancel := context.WithCancel(context.Background())
	l.cancel = cancel
	go func() { _ = l.orch.Run(runCtx) }()

	h.mu.Lock()
	h.live[id] = l
	h.mu.Unlock()
	h.cfg.Metrics.ActiveSessions.Add(ctx, 1)

	slog.Info("session opened", "session", id, "user", s.UserID, "binding", s.BindingID, "mode", s.Mode)
	return l, nil
}

func (h *Host) speechOptions(l *Live) []speech.Option {
	opts := []speech.Option{
		speech.WithUtteranceHandler(l.onUtterance),
		speech.WithPartialHandler(l.onPartial),
		speech.WithSpokenHandler(l.onSpoken),
	}
	if h.cfg.STT != nil {
		opts = append(opts, speech.WithRecognizer(h.cfg.STT))
	}
	if h.cfg.TTS != nil {
		opts = append(opts, speech.WithSynthesizer(h.cfg.TTS, speech.PlayerFunc(l.play)))
	}
	if len(h.cfg.Voices) > 0 {
		opts = append(opts, speech.WithVoices(h.cfg.Voices))
	}
	if h.cfg.ListenTimeout > 0 {
		opts = append(opts, speech.WithListenTimeout(h.cfg.ListenTimeout))
	}
	if h.cfg.SampleRate > 0 {
		opts = append(opts, speech.WithSampleRate(h.cfg.SampleRate))
	}
	return opts
}

// Get returns the live session with id.
func (h *Host) Get(id string) (*Live, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	l, ok := h.live[id]
	if !ok {
		return nil, ErrNotFound
	}
	return l, nil
}

// Len returns the number of live sessions.
func (h *Host) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.live)
}

// SetGrace changes the PIN modal lock window for running and future
// sessions.
func (h *Host) SetGrace(d time.Duration) {
	h.mu.Lock()
	h.grace = d
	live := make([]*Live, 0, len(h.live))
	for _, l := range h.live {
		live = append(live, l)
	}
	h.mu.Unlock()
	for _, l := range live {
		l.orch.SetGrace(d)
	}
}

// SignOut ends the session with id. Subscribers receive a final
// "signed-out" event carrying reason. It reports whether the session was
// live.
func (h *Host) SignOut(id, reason string) bool {
	h.mu.Lock()
	l, ok := h.live[id]
	delete(h.live, id)
	h.mu.Unlock()
	if !ok {
		return false
	}

	l.end(reason)
	h.cfg.Metrics.ActiveSessions.Add(context.Background(), -1)
	slog.Info("session signed out", "session", id, "user", l.auth.UserID, "reason", reason,
		"duration", time.Since(l.started).Round(time.Second))
	return true
}

// HandleFault signs the session out on a terminal fault. Other faults are
// only logged.
func (h *Host) HandleFault(id string, err error) {
	if !fault.IsTerminal(err) {
		slog.Debug("host: non-terminal fault", "session", id, "err", err)
		return
	}
	h.cfg.Metrics.RecordFault(context.Background(), fault.KindOf(err).String(), fault.CodeOf(err))
	h.SignOut(id, fault.CodeOf(err))
}

// HandleTokenFault signs out every session authenticated with token when
// err is a session fault, i.e. the backend no longer accepts the token. It
// returns the number of sessions ended.
func (h *Host) HandleTokenFault(token string, err error) int {
	if token == "" || fault.KindOf(err) != fault.KindSession {
		return 0
	}
	h.mu.Lock()
	var ids []string
	for id, l := range h.live {
		if l.auth.Token == token {
			ids = append(ids, id)
		}
	}
	h.mu.Unlock()

	n := 0
	for _, id := range ids {
		if h.SignOut(id, fault.CodeOf(err)) {
			n++
		}
	}
	if n > 0 {
		h.cfg.Metrics.RecordFault(context.Background(), fault.KindOf(err).String(), fault.CodeOf(err))
	}
	return n
}

// OnRevoked implements [device.RevocationListener]: every session that
// authenticated through b is signed out.
func (h *Host) OnRevoked(_ context.Context, b device.Binding) {
	h.mu.Lock()
	var ids []string
	for id, l := range h.live {
		if l.auth.BindingID == b.ID {
			ids = append(ids, id)
		}
	}
	h.mu.Unlock()

	for _, id := range ids {
		h.SignOut(id, ReasonRevoked)
	}
	if len(ids) > 0 {
		slog.Info("host: revoked binding ended sessions", "binding", b.ID, "sessions", len(ids))
	}
}

// Close signs out every session.
func (h *Host) Close() {
	h.mu.Lock()
	ids := make([]string, 0, len(h.live))
	for id := range h.live {
		ids = append(ids, id)
	}
	h.mu.Unlock()
	for _, id := range ids {
		h.SignOut(id, ReasonShutdown)
	}
}
