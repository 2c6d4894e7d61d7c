// Package app wires all Vaani subsystems into a running application.
//
// The App struct owns the full lifecycle: New creates and connects all
// subsystems, Run serves HTTP until the context ends, and Shutdown tears
// everything down in order.
//
// For testing, inject in-memory implementations via functional options
// (WithDeviceStore, WithPrefsStore, WithBank, etc.). When an option is not
// provided, New creates real implementations from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/vaani/internal/api"
	"github.com/MrWong99/vaani/internal/auth"
	"github.com/MrWong99/vaani/internal/backend"
	"github.com/MrWong99/vaani/internal/config"
	"github.com/MrWong99/vaani/internal/conversation"
	"github.com/MrWong99/vaani/internal/device"
	"github.com/MrWong99/vaani/internal/health"
	"github.com/MrWong99/vaani/internal/host"
	"github.com/MrWong99/vaani/internal/observe"
	"github.com/MrWong99/vaani/internal/otp"
	"github.com/MrWong99/vaani/internal/prefs"
	"github.com/MrWong99/vaani/internal/recipient"
	"github.com/MrWong99/vaani/internal/resilience"
	"github.com/MrWong99/vaani/pkg/audio"
	"github.com/MrWong99/vaani/pkg/audio/opus"
	"github.com/MrWong99/vaani/pkg/provider/stt"
	"github.com/MrWong99/vaani/pkg/provider/tts"
)

// sweepInterval is how often expired second-factor challenges are dropped.
const sweepInterval = time.Minute

// Providers holds the optional speech providers. Nil means the provider is
// not configured. Populated by main.go from the speech config.
type Providers struct {
	STT stt.Provider
	TTS tts.Provider
}

// Bank is everything the application needs from the banking backend.
// [backend.Client] implements it.
type Bank interface {
	auth.Backend
	device.Authenticator
	recipient.Directory
	conversation.Payments
}

var _ Bank = (*backend.Client)(nil)

// App owns all subsystem lifetimes.
type App struct {
	cfg       *config.Config
	providers *Providers

	// Subsystems, initialised in New and torn down in Shutdown.
	metrics        *observe.Metrics
	metricsHandler http.Handler
	devices        device.Store
	devicePing     health.Pinger
	prefs          prefs.Store
	bank           Bank
	breaker        *resilience.Breaker
	sender         otp.Sender
	factor         *otp.Service
	registry       *device.Registry
	host           *host.Host
	health         *health.Handler
	server         *api.Server

	// closers are called in order during Shutdown.
	closers []func() error

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithDeviceStore injects a binding store instead of creating one from
// config.
func WithDeviceStore(s device.Store) Option {
	return func(a *App) { a.devices = s }
}

// WithPrefsStore injects a preference store instead of opening badger.
func WithPrefsStore(s prefs.Store) Option {
	return func(a *App) { a.prefs = s }
}

// WithBank injects the banking backend instead of the REST client.
func WithBank(b Bank) Option {
	return func(a *App) { a.bank = b }
}

// WithSender sets how second-factor codes are delivered. Default:
// [otp.LogSender].
func WithSender(s otp.Sender) Option {
	return func(a *App) { a.sender = s }
}

// WithTelemetry binds the application instruments and the scrape endpoint.
func WithTelemetry(m *observe.Metrics, handler http.Handler) Option {
	return func(a *App) {
		a.metrics = m
		a.metricsHandler = handler
	}
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App by wiring all subsystems together. Use Option functions
// to inject test doubles for any subsystem.
//
// New performs all initialisation synchronously: the device store is
// connected and migrated, the preference store is opened, and the backend
// client, device registry, session host and HTTP router are assembled.
func New(ctx context.Context, cfg *config.Config, providers *Providers, opts ...Option) (*App, error) {
	if providers == nil {
		providers = &Providers{}
	}
	a := &App{
		cfg:       cfg,
		providers: providers,
	}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}

	// ── 1. Device bindings ───────────────────────────────────────────────
	if err := a.initDevices(ctx); err != nil {
		a.closeAll()
		return nil, fmt.Errorf("app: init devices: %w", err)
	}

	// ── 2. Preferences ───────────────────────────────────────────────────
	if err := a.initPrefs(); err != nil {
		a.closeAll()
		return nil, fmt.Errorf("app: init prefs: %w", err)
	}

	// ── 3. Banking backend ───────────────────────────────────────────────
	if err := a.initBank(); err != nil {
		a.closeAll()
		return nil, fmt.Errorf("app: init backend: %w", err)
	}

	// ── 4. Second factor ─────────────────────────────────────────────────
	a.factor = otp.NewService(a.sender,
		otp.WithTTL(cfg.Auth.OTPTTL),
		otp.WithMaxAttempts(cfg.Auth.OTPMaxAttempts),
	)

	// ── 5. Registry and sessions ─────────────────────────────────────────
	// The registry notifies the host of revocations; the host looks
	// bindings up in the registry.
	a.registry = device.NewRegistry(a.devices, a.bank, a.factor,
		device.WithMetrics(a.metrics),
		device.WithRevocationListener(device.RevocationFunc(func(ctx context.Context, b device.Binding) {
			a.host.OnRevoked(ctx, b)
		})),
	)
	a.host = host.New(host.Config{
		Payments:        a.bank,
		Resolver:        recipient.New(a.bank),
		Prefs:           a.prefs,
		Bindings:        a.registry,
		STT:             providers.STT,
		TTS:             providers.TTS,
		Voices:          cfg.Speech.Voices,
		ListenTimeout:   cfg.Speech.ListenTimeout,
		SampleRate:      cfg.Audio.SampleRate,
		DefaultLanguage: cfg.Conversation.DefaultLanguage,
		Languages:       cfg.Conversation.Languages,
		Grace:           cfg.Conversation.PINLockGrace,
		Metrics:         a.metrics,
	})

	// ── 6. Health ────────────────────────────────────────────────────────
	a.health = health.New(a.checkers()...)

	// ── 7. HTTP surface ──────────────────────────────────────────────────
	format := audio.Format{SampleRate: cfg.Audio.SampleRate, Channels: cfg.Audio.Channels}
	a.server = api.New(api.Config{
		Host:      a.host,
		Registry:  a.registry,
		Backend:   a.bank,
		Factor:    a.factor,
		Marker:    a.prefs,
		Directory: a.bank,
		Format:    format,
		NewDecoder: func() (audio.Decoder, error) {
			return opus.DecoderFor(cfg.Audio.Codec, format)
		},
		MaxRecording:   cfg.Enrollment.MaxRecording,
		SampleTTL:      cfg.Enrollment.SampleTTL,
		Retry:          a.retryPolicy(),
		Health:         a.health,
		MetricsHandler: a.metricsHandler,
		Metrics:        a.metrics,
	})

	slog.Info("application initialised",
		"devices", fmt.Sprintf("%T", a.devices),
		"prefs", fmt.Sprintf("%T", a.prefs),
		"stt", providers.STT != nil,
		"tts", providers.TTS != nil,
	)
	return a, nil
}

func (a *App) initDevices(ctx context.Context) error {
	if a.devices != nil {
		return nil
	}
	dsn := a.cfg.Devices.PostgresDSN
	if dsn == "" {
		a.devices = device.NewMemStore()
		slog.Warn("device bindings are kept in memory; set devices.postgres_dsn to persist them")
		return nil
	}
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return fmt.Errorf("connect postgres: %w", err)
	}
	a.closers = append(a.closers, func() error {
		pool.Close()
		return nil
	})
	store := device.NewPostgresStore(pool)
	if err := store.Migrate(ctx); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	a.devices = store
	a.devicePing = store
	return nil
}

func (a *App) initPrefs() error {
	if a.prefs != nil {
		return nil
	}
	if a.cfg.Prefs.Path == "" {
		a.prefs = prefs.NewMemStore()
		a.closers = append(a.closers, a.prefs.Close)
		return nil
	}
	store, err := prefs.OpenBadger(a.cfg.Prefs.Path)
	if err != nil {
		return err
	}
	a.prefs = store
	a.closers = append(a.closers, store.Close)
	return nil
}

func (a *App) initBank() error {
	if a.bank != nil {
		return nil
	}
	bc := a.cfg.Backend
	a.breaker = resilience.NewBreaker(resilience.BreakerConfig{
		Name:         "backend",
		MaxFailures:  bc.BreakerMaxFailures,
		ResetTimeout: bc.BreakerResetTimeout,
	})
	client, err := backend.New(bc.BaseURL,
		backend.WithTimeout(bc.Timeout),
		backend.WithRetry(a.retryPolicy()),
		backend.WithBreaker(a.breaker),
		backend.WithMetrics(a.metrics),
	)
	if err != nil {
		return err
	}
	a.bank = client
	return nil
}

func (a *App) retryPolicy() resilience.RetryPolicy {
	return resilience.RetryPolicy{
		Attempts: a.cfg.Backend.RetryAttempts,
		Backoff:  a.cfg.Backend.RetryBackoff,
	}
}

func (a *App) checkers() []health.Checker {
	var cs []health.Checker
	if a.devicePing != nil {
		cs = append(cs, health.Ping("devices", a.devicePing))
	}
	if p, ok := a.prefs.(health.Pinger); ok {
		cs = append(cs, health.Ping("prefs", p))
	}
	if a.breaker != nil {
		cs = append(cs, health.Breaker("backend", a.breaker))
	}
	return cs
}

// Handler returns the root HTTP handler.
func (a *App) Handler() http.Handler { return a.server.Handler() }

// Host returns the live session host.
func (a *App) Host() *host.Host { return a.host }

// Reload applies the hot-reloadable parts of a config change.
func (a *App) Reload(d config.ConfigDiff) {
	if d.PINLockGraceChanged {
		a.host.SetGrace(d.NewPINLockGrace)
		slog.Info("pin lock grace updated", "grace", d.NewPINLockGrace)
	}
	if d.LanguagesChanged || d.RestartRequired {
		slog.Warn("config change requires a restart to take effect")
	}
}

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run serves HTTP on the configured address and sweeps expired challenges.
// It blocks until ctx is cancelled, then stops accepting connections; live
// sessions are ended by Shutdown.
func (a *App) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              a.cfg.Server.ListenAddr,
		Handler:           a.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("http server listening", "addr", srv.Addr, "tls", a.cfg.Server.TLS != nil)
		var err error
		if tls := a.cfg.Server.TLS; tls != nil {
			err = srv.ListenAndServeTLS(tls.CertFile, tls.KeyFile)
		} else {
			err = srv.ListenAndServe()
		}
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("app: http server: %w", err)
	})
	g.Go(func() error {
		return a.factor.RunSweeper(ctx, sweepInterval)
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown signs out every live session and closes the stores in order. It
// respects the context deadline: if ctx expires before all closers finish,
// remaining closers are skipped and the context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var err error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "sessions", a.host.Len(), "closers", len(a.closers))
		a.host.Close()
		err = a.runClosers(ctx)
	})
	return err
}

func (a *App) runClosers(ctx context.Context) error {
	var errs []error
	for i, closer := range a.closers {
		if ctx.Err() != nil {
			slog.Warn("shutdown deadline exceeded", "remaining", len(a.closers)-i)
			return ctx.Err()
		}
		if err := closer(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// closeAll releases what a failed New had already opened.
func (a *App) closeAll() {
	if err := a.runClosers(context.Background()); err != nil {
		slog.Warn("cleanup after failed init", "err", err)
	}
}
