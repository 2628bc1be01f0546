package observe

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"testing"
)

func TestDiagnostics_ZeroValueIsUsable(t *testing.T) {
	var d Diagnostics
	scope := d.Begin(context.Background(), "s-1")
	scope.Logger.Info("hello")
	scope.End(context.Background(), "client_close")
}

func TestDiagnostics_BeginTagsLoggerAndTracksGauge(t *testing.T) {
	p := newMeterFixture(t)
	var buf bytes.Buffer
	d := NewDiagnostics(slog.New(slog.NewTextHandler(&buf, nil)), p.m)
	ctx := context.Background()

	scope := d.Begin(ctx, "abc-123")
	if scope.ID() != "abc-123" {
		t.Errorf("ID = %q, want abc-123", scope.ID())
	}
	scope.Logger.Info("inside")
	if !strings.Contains(buf.String(), "session_id=abc-123") {
		t.Errorf("log output missing session_id: %s", buf.String())
	}

	p.snapshot()
	if got := p.sum("duplexvoice.active_sessions"); got != 1 {
		t.Errorf("active sessions during scope = %d, want 1", got)
	}

	scope.End(ctx, "remote_close")
	scope.End(ctx, "client_close") // ignored

	p.snapshot()
	if got := p.sum("duplexvoice.active_sessions"); got != 0 {
		t.Errorf("active sessions after End = %d, want 0", got)
	}
	if got := p.sum("duplexvoice.sessions.closed", Attr("reason", "remote_close")); got != 1 {
		t.Errorf("remote_close count = %d, want 1", got)
	}
	if got := p.sum("duplexvoice.sessions.closed", Attr("reason", "client_close")); got != -1 {
		t.Error("second End should not record a close")
	}
}

func TestDiagnostics_WithDoesNotMutateOriginal(t *testing.T) {
	var buf bytes.Buffer
	d := NewDiagnostics(slog.New(slog.NewTextHandler(&buf, nil)), nil)
	child := d.With("component", "capture")

	d.Logger.Info("parent")
	child.Logger.Info("child")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("got %d lines, want 2", len(lines))
	}
	if strings.Contains(lines[0], "component=") {
		t.Errorf("parent line carries child attribute: %s", lines[0])
	}
	if !strings.Contains(lines[1], "component=capture") {
		t.Errorf("child line missing attribute: %s", lines[1])
	}
}
