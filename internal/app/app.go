// Package app wires the duplexvoice subsystems into a running application.
//
// The [Controller] is the user-facing owner of conversations. It holds the
// configured voice provider and audio host, builds one [session.Session] per
// request from the current [Settings], refuses to start a second session
// while one is running, and fans state changes and transcripts out to any
// number of subscribers. [Controller.Register] exposes the same operations
// over HTTP for a local UI.
package app

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/MrWong99/duplexvoice/internal/config"
	"github.com/MrWong99/duplexvoice/internal/observe"
	"github.com/MrWong99/duplexvoice/internal/session"
	"github.com/MrWong99/duplexvoice/pkg/audio"
	"github.com/MrWong99/duplexvoice/pkg/provider/s2s"
)

var (
	// ErrSessionActive is returned by RequestOpen while a session is running.
	ErrSessionActive = errors.New("app: a session is already active")

	// ErrNoSession is returned by RequestClose when nothing is running.
	ErrNoSession = errors.New("app: no active session")

	// ErrNotConfigured is returned by RequestOpen when the voice provider or
	// audio host is missing.
	ErrNotConfigured = errors.New("app: voice provider or audio host not configured")

	// ErrShutdown is returned by RequestOpen after Shutdown.
	ErrShutdown = errors.New("app: controller shut down")
)

// Providers holds the long-lived dependencies a session is built from.
// Populated by main.go via the config registry.
type Providers struct {
	Voice s2s.Provider
	Audio audio.Host
}

// Settings are the per-session parameters. Changes apply to the next session.
type Settings struct {
	Session session.Config
}

// SettingsFromConfig derives session settings from a loaded config.
func SettingsFromConfig(cfg *config.Config) Settings {
	return Settings{Session: session.Config{
		Capture:          audio.Format{SampleRate: cfg.Audio.Capture.SampleRate, Channels: 1},
		PlaybackRate:     cfg.Audio.Playback.SampleRate,
		OutboundQueue:    cfg.Audio.Capture.OutboundQueue,
		HandshakeTimeout: cfg.Voice.HandshakeTimeout,
		MaxLookahead:     cfg.Audio.Playback.MaxLookahead,
		Remote: s2s.SessionConfig{
			Voice:         cfg.Voice.Voice,
			Instructions:  cfg.Voice.Instructions,
			Transcription: cfg.Voice.Transcription,
		},
	}}
}

// Option is a functional option for [NewController].
type Option func(*Controller)

// WithDiagnostics sets the diagnostics sink handed to every session.
func WithDiagnostics(d observe.Diagnostics) Option {
	return func(c *Controller) { c.diag = d }
}

// WithSubscriberBuffer sets the per-subscriber notification buffer. A
// subscriber that falls further behind misses notifications. Default 64.
func WithSubscriberBuffer(n int) Option {
	return func(c *Controller) {
		if n > 0 {
			c.hub.buffer = n
		}
	}
}

// Controller owns at most one running session at a time. All exported
// methods are safe for concurrent use.
type Controller struct {
	providers *Providers
	diag      observe.Diagnostics
	hub       *hub

	mu       sync.Mutex
	settings Settings
	active   *session.Session
	shutdown bool
}

// NewController creates a Controller. providers may have nil fields; opening
// a session then fails with [ErrNotConfigured].
func NewController(providers *Providers, settings Settings, opts ...Option) *Controller {
	if providers == nil {
		providers = &Providers{}
	}
	c := &Controller{
		providers: providers,
		settings:  settings,
		diag:      observe.Discard(),
		hub:       newHub(),
	}
	for _, o := range opts {
		o(c)
	}
	c.diag = observe.NewDiagnostics(c.diag.Logger, c.diag.Metrics)
	return c
}

// Ready reports whether both a voice provider and an audio host are wired.
func (c *Controller) Ready() bool {
	return c.providers.Voice != nil && c.providers.Audio != nil
}

// RequestOpen starts a new session and blocks until it is Open or has
// failed. The returned Info describes the session either way; on failure the
// error is the session's [*audio.AcquisitionError] or [*s2s.ConnectionError]
// and [session.UserMessage] turns it into display text.
func (c *Controller) RequestOpen(ctx context.Context) (session.Info, error) {
	if !c.Ready() {
		return session.Info{}, ErrNotConfigured
	}

	c.mu.Lock()
	if c.shutdown {
		c.mu.Unlock()
		return session.Info{}, ErrShutdown
	}
	if c.active != nil && c.active.State() != session.StateClosed {
		info := c.active.Snapshot()
		c.mu.Unlock()
		return info, ErrSessionActive
	}
	s := session.New(c.providers.Audio, c.providers.Voice, c.settings.Session,
		session.WithDiagnostics(c.diag),
		session.WithStateListener(c.onState),
		session.WithActivityListener(c.onActivity),
	)
	c.active = s
	c.mu.Unlock()

	err := s.Open(ctx)
	info := s.Snapshot()
	if err != nil {
		c.diag.Logger.Warn("session open failed", "session_id", info.ID, "reason", info.Reason.String(), "err", err)
		return info, err
	}
	return info, nil
}

// RequestClose closes the running session. It returns [ErrNoSession] if
// there is none.
func (c *Controller) RequestClose() error {
	c.mu.Lock()
	s := c.active
	c.mu.Unlock()
	if s == nil || s.State() == session.StateClosed {
		return ErrNoSession
	}
	return s.Close()
}

// Current returns a snapshot of the most recent session, which may already
// be closed. ok is false if no session was ever requested.
func (c *Controller) Current() (info session.Info, ok bool) {
	c.mu.Lock()
	s := c.active
	c.mu.Unlock()
	if s == nil {
		return session.Info{}, false
	}
	return s.Snapshot(), true
}

// Subscribe registers a notification listener. The returned cancel function
// unregisters it and closes the channel; it is safe to call more than once.
func (c *Controller) Subscribe() (<-chan Notification, func()) {
	return c.hub.subscribe()
}

// Settings returns the settings the next session will use.
func (c *Controller) Settings() Settings {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.settings
}

// ApplySettings replaces the settings for subsequent sessions. A running
// session keeps the settings it was opened with.
func (c *Controller) ApplySettings(s Settings) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.settings = s
	c.diag.Logger.Info("session settings updated",
		slog.String("voice", s.Session.Remote.Voice),
		slog.Duration("max_lookahead", s.Session.MaxLookahead),
	)
}

// Shutdown closes the running session and all subscriber channels. Later
// calls to RequestOpen fail with [ErrShutdown].
func (c *Controller) Shutdown(ctx context.Context) error {
	c.mu.Lock()
	c.shutdown = true
	s := c.active
	c.mu.Unlock()

	var err error
	if s != nil {
		done := make(chan error, 1)
		go func() { done <- s.Close() }()
		select {
		case err = <-done:
		case <-ctx.Done():
			err = ctx.Err()
		}
	}
	c.hub.close()
	return err
}

func (c *Controller) onState(ch session.StateChange) {
	c.hub.publish(stateNotification(ch))
}

func (c *Controller) onActivity(a session.Activity) {
	c.hub.publish(activityNotification(a))
}
