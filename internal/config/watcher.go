package config

import (
	"bytes"
	"context"
	"crypto/sha256"
	"fmt"
	"log/slog"
	"os"
	"sync/atomic"
	"time"
)

// DefaultWatchInterval is how often [Watcher.Run] stats the config file.
const DefaultWatchInterval = 2 * time.Second

// ChangeFunc is told about an accepted config change. d is Diff(old, new).
type ChangeFunc func(old, new *Config, d ConfigDiff)

// Watcher reloads a config file after it changes on disk.
//
// A file is only reparsed once its size and modification time have held still
// for a full interval, so a save that lands in several writes is read once.
// Content that parses to the config already in effect, or that produces an
// empty [ConfigDiff], is ignored. A rejected revision is logged once and the
// previous config stays current until the file changes again.
type Watcher struct {
	path      string
	interval  time.Duration
	log       *slog.Logger
	listeners []ChangeFunc

	current atomic.Pointer[Config]

	// Owned by the goroutine calling Run.
	seen   stamp
	read   stamp
	digest [sha256.Size]byte
}

type stamp struct {
	mtime time.Time
	size  int64
}

func stampOf(fi os.FileInfo) stamp { return stamp{mtime: fi.ModTime(), size: fi.Size()} }

// WatcherOption configures a [Watcher].
type WatcherOption func(*Watcher)

// WithInterval sets the stat interval. Non-positive values are ignored.
func WithInterval(d time.Duration) WatcherOption {
	return func(w *Watcher) {
		if d > 0 {
			w.interval = d
		}
	}
}

// WithWatcherLogger sets the logger for reload events.
func WithWatcherLogger(l *slog.Logger) WatcherOption {
	return func(w *Watcher) {
		if l != nil {
			w.log = l
		}
	}
}

// OnChange registers fn to run after each accepted reload. Listeners run on
// the goroutine calling [Watcher.Run], in registration order.
func OnChange(fn ChangeFunc) WatcherOption {
	return func(w *Watcher) {
		if fn != nil {
			w.listeners = append(w.listeners, fn)
		}
	}
}

// NewWatcher loads path and returns a watcher holding it as the current
// config. Nothing is watched until [Watcher.Run] is called.
func NewWatcher(path string, opts ...WatcherOption) (*Watcher, error) {
	w := &Watcher{
		path:     path,
		interval: DefaultWatchInterval,
		log:      slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		opt(w)
	}

	fi, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("config: watch %s: %w", path, err)
	}
	cfg, digest, err := w.parse()
	if err != nil {
		return nil, fmt.Errorf("config: watch %s: %w", path, err)
	}
	w.current.Store(cfg)
	w.digest = digest
	w.seen = stampOf(fi)
	w.read = w.seen
	return w, nil
}

// Current returns the config most recently accepted. Safe for concurrent use.
func (w *Watcher) Current() *Config { return w.current.Load() }

// Run watches the file until ctx is done. It always returns nil.
func (w *Watcher) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	w.log.Debug("config watcher started", "path", w.path, "interval", w.interval)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			w.tick()
		}
	}
}

// tick is one polling step.
func (w *Watcher) tick() {
	fi, err := os.Stat(w.path)
	if err != nil {
		// Editors that save via rename leave a short gap with no file.
		w.log.Debug("config watcher: stat failed", "path", w.path, "err", err)
		return
	}
	st := stampOf(fi)
	if st != w.seen {
		w.seen = st
		return
	}
	if st == w.read {
		return
	}
	w.read = st

	cfg, digest, err := w.parse()
	if err != nil {
		w.log.Warn("config watcher: edit rejected, keeping previous config", "path", w.path, "err", err)
		return
	}
	if digest == w.digest {
		return
	}
	w.digest = digest

	old := w.Current()
	d := Diff(old, cfg)
	w.current.Store(cfg)
	if d.IsZero() {
		w.log.Debug("config watcher: file changed without effect", "path", w.path)
		return
	}
	w.log.Info("config reloaded",
		"path", w.path,
		"log_level", d.LogLevelChanged,
		"voice", d.VoiceChanged,
		"playback", d.PlaybackChanged,
		"restart_required", len(d.RestartRequired),
	)
	for _, fn := range w.listeners {
		fn(old, cfg, d)
	}
}

func (w *Watcher) parse() (*Config, [sha256.Size]byte, error) {
	data, err := os.ReadFile(w.path)
	if err != nil {
		return nil, [sha256.Size]byte{}, err
	}
	cfg, err := LoadFromReader(bytes.NewReader(data))
	if err != nil {
		return nil, [sha256.Size]byte{}, err
	}
	return cfg, sha256.Sum256(data), nil
}
