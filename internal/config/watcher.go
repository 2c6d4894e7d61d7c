package config

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"
)

// DefaultPollInterval is how often a [Watcher] stats its file.
const DefaultPollInterval = 5 * time.Second

// ReloadFunc receives the difference between the running configuration and
// a newly loaded one, plus the new configuration itself.
type ReloadFunc func(d ConfigDiff, next *Config)

// Watcher polls a config file and reports effective changes. An edit that
// fails to parse or validate is logged and ignored; the last good
// configuration stays current. An edit that parses to an equivalent
// configuration (comments, reordering, env values that resolve the same)
// is adopted silently.
type Watcher struct {
	path     string
	interval time.Duration
	onReload ReloadFunc

	mu      sync.Mutex
	current *Config
	stamp   fileStamp

	done     chan struct{}
	stopOnce sync.Once
}

// fileStamp identifies one version of the file on disk.
type fileStamp struct {
	modTime time.Time
	size    int64
}

func stampOf(info os.FileInfo) fileStamp {
	return fileStamp{modTime: info.ModTime(), size: info.Size()}
}

// WatcherOption configures a [Watcher].
type WatcherOption func(*Watcher)

// WithInterval overrides [DefaultPollInterval].
func WithInterval(d time.Duration) WatcherOption {
	return func(w *Watcher) {
		if d > 0 {
			w.interval = d
		}
	}
}

// NewWatcher loads path and returns a watcher primed with it. onReload may be
// nil. Polling starts with [Watcher.Run].
func NewWatcher(path string, onReload ReloadFunc, opts ...WatcherOption) (*Watcher, error) {
	w := &Watcher{
		path:     path,
		interval: DefaultPollInterval,
		onReload: onReload,
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}

	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("config: watch %s: %w", path, err)
	}
	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}
	w.current = cfg
	w.stamp = stampOf(info)
	return w, nil
}

// Current returns the last good configuration.
func (w *Watcher) Current() *Config {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.current
}

// Run polls until ctx is cancelled or [Watcher.Stop] is called. It returns
// nil in both cases.
func (w *Watcher) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-w.done:
			return nil
		case <-ticker.C:
			w.poll()
		}
	}
}

// Stop ends [Watcher.Run]. Safe to call more than once.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() { close(w.done) })
}

func (w *Watcher) poll() {
	info, err := os.Stat(w.path)
	if err != nil {
		slog.Warn("config: watcher stat failed", "path", w.path, "err", err)
		return
	}
	stamp := stampOf(info)

	w.mu.Lock()
	seen := stamp == w.stamp
	w.mu.Unlock()
	if seen {
		return
	}

	next, err := Load(w.path)
	if err != nil {
		slog.Warn("config: ignoring invalid edit", "path", w.path, "err", err)
		// Remember the stamp so the same broken file is not re-parsed on
		// every tick.
		w.mu.Lock()
		w.stamp = stamp
		w.mu.Unlock()
		return
	}

	w.mu.Lock()
	d := Diff(w.current, next)
	w.current = next
	w.stamp = stamp
	w.mu.Unlock()

	if d.Empty() {
		slog.Debug("config: edit has no effect", "path", w.path)
		return
	}
	slog.Info("config: reloaded", "path", w.path,
		"log_level_changed", d.LogLevelChanged,
		"pin_lock_grace_changed", d.PINLockGraceChanged,
		"languages_changed", d.LanguagesChanged,
		"restart_required", d.RestartRequired,
	)
	if w.onReload != nil {
		w.onReload(d, next)
	}
}
