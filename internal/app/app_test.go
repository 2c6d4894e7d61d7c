package app_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/MrWong99/vaani/internal/app"
	"github.com/MrWong99/vaani/internal/auth"
	"github.com/MrWong99/vaani/internal/config"
	"github.com/MrWong99/vaani/internal/device"
	"github.com/MrWong99/vaani/internal/prefs"
)

func init() { gin.SetMode(gin.TestMode) }

// testConfig returns a minimal in-memory config for tests.
func testConfig() *config.Config {
	cfg := &config.Config{
		Server:  config.ServerConfig{ListenAddr: "127.0.0.1:0", LogLevel: config.LogInfo},
		Backend: config.BackendConfig{BaseURL: "http://bank.invalid/api"},
	}
	config.ApplyDefaults(cfg)
	return cfg
}

func newApp(t *testing.T, opts ...app.Option) *app.App {
	t.Helper()
	a, err := app.New(context.Background(), testConfig(), nil, opts...)
	if err != nil {
		t.Fatalf("New() returned error: %v", err)
	}
	t.Cleanup(func() { _ = a.Shutdown(context.Background()) })
	return a
}

func TestNew_InMemoryDefaults(t *testing.T) {
	t.Parallel()
	a := newApp(t)

	for _, path := range []string{"/healthz", "/readyz"} {
		rec := httptest.NewRecorder()
		a.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		if rec.Code != http.StatusOK {
			t.Errorf("%s: status = %d body = %s", path, rec.Code, rec.Body)
		}
	}

	rec := httptest.NewRecorder()
	a.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if !strings.Contains(rec.Body.String(), `"backend":"ok"`) {
		t.Errorf("readyz does not report the backend breaker: %s", rec.Body)
	}
}

func TestNew_InjectedStores(t *testing.T) {
	t.Parallel()
	devices := device.NewMemStore()
	store := prefs.NewMemStore()
	_ = store.SetLanguage(context.Background(), "u1", "ta-IN")

	a := newApp(t, app.WithDeviceStore(devices), app.WithPrefsStore(store))

	l, err := a.Host().Open(context.Background(), auth.Session{Token: "tok", UserID: "u1"})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	snap, err := l.Orchestrator().Snapshot(context.Background())
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	if snap.Language != "ta-IN" {
		t.Errorf("language = %q, want ta-IN from the injected store", snap.Language)
	}
}

func TestNew_RejectsMissingBackend(t *testing.T) {
	t.Parallel()
	cfg := testConfig()
	cfg.Backend.BaseURL = ""
	if _, err := app.New(context.Background(), cfg, nil); err == nil {
		t.Fatal("New() with no backend URL returned nil error")
	}
}

func TestShutdown_SignsOutSessions(t *testing.T) {
	t.Parallel()
	a := newApp(t)
	ctx := context.Background()
	l, err := a.Host().Open(ctx, auth.Session{Token: "tok", UserID: "u1"})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	if err := a.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if err := a.Shutdown(ctx); err != nil {
		t.Errorf("second Shutdown: %v", err)
	}
	select {
	case <-l.Ended():
	default:
		t.Error("session still live after Shutdown")
	}
	if a.Host().Len() != 0 {
		t.Errorf("Len = %d after Shutdown", a.Host().Len())
	}
}

func TestReload_AppliesGrace(t *testing.T) {
	t.Parallel()
	a := newApp(t)
	// Reload must not panic for any diff shape.
	a.Reload(config.ConfigDiff{PINLockGraceChanged: true, NewPINLockGrace: time.Second})
	a.Reload(config.ConfigDiff{RestartRequired: true})
}

func TestRun_StopsOnCancel(t *testing.T) {
	t.Parallel()
	a := newApp(t)
	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- a.Run(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()
	select {
	case err := <-errCh:
		if err != nil {
			t.Errorf("Run returned %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
