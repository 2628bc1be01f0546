package observe

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Diagnostics is the process-wide diagnostics sink handed to every component
// explicitly. The zero value is usable: it logs nowhere and records to
// [DefaultMetrics].
type Diagnostics struct {
	Logger  *slog.Logger
	Metrics *Metrics
}

// NewDiagnostics bundles a logger and metrics. Nil arguments fall back to a
// discarding logger and [DefaultMetrics].
func NewDiagnostics(logger *slog.Logger, metrics *Metrics) Diagnostics {
	return Diagnostics{Logger: logger, Metrics: metrics}.orDefault()
}

// Discard returns Diagnostics that drop all log output.
func Discard() Diagnostics {
	return NewDiagnostics(nil, nil)
}

func (d Diagnostics) orDefault() Diagnostics {
	if d.Logger == nil {
		d.Logger = slog.New(slog.DiscardHandler)
	}
	if d.Metrics == nil {
		d.Metrics = DefaultMetrics()
	}
	return d
}

// With returns a copy whose logger carries the given attributes.
func (d Diagnostics) With(args ...any) Diagnostics {
	d = d.orDefault()
	d.Logger = d.Logger.With(args...)
	return d
}

// Begin opens a session-scoped sink. The returned scope's logger carries the
// session_id attribute and the active-session gauge is incremented until
// [SessionScope.End] is called.
func (d Diagnostics) Begin(ctx context.Context, sessionID string) *SessionScope {
	d = d.With(slog.String("session_id", sessionID))
	d.Metrics.ActiveSessions.Add(ctx, 1)
	return &SessionScope{
		Diagnostics: d,
		id:          sessionID,
		started:     time.Now(),
	}
}

// SessionScope is the diagnostics sink for one session lifetime.
type SessionScope struct {
	Diagnostics

	id      string
	started time.Time
	endOnce sync.Once
}

// ID returns the session ID the scope was opened for.
func (s *SessionScope) ID() string { return s.id }

// End closes the scope: the active-session gauge is decremented and the close
// reason and lifetime are recorded. Calls after the first are no-ops.
func (s *SessionScope) End(ctx context.Context, reason string) {
	s.endOnce.Do(func() {
		lifetime := time.Since(s.started)
		s.Metrics.ActiveSessions.Add(ctx, -1)
		s.Metrics.RecordSessionClosed(ctx, reason, lifetime)
		s.Logger.Info("session scope closed", "reason", reason, "lifetime", lifetime)
	})
}
