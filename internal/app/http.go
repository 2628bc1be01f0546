package app

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/MrWong99/duplexvoice/internal/session"
	"github.com/MrWong99/duplexvoice/pkg/audio"
	"github.com/MrWong99/duplexvoice/pkg/provider/s2s"
)

// eventWriteTimeout bounds a single write to an /v1/events subscriber.
const eventWriteTimeout = 5 * time.Second

// sessionJSON is the wire form of [session.Info].
type sessionJSON struct {
	ID      string `json:"id"`
	State   string `json:"state"`
	Reason  string `json:"reason,omitempty"`
	Message string `json:"message,omitempty"`

	OpenedAt *time.Time `json:"opened_at,omitempty"`
	ClosedAt *time.Time `json:"closed_at,omitempty"`

	FramesEncoded  int64 `json:"frames_encoded"`
	FramesDropped  int64 `json:"frames_dropped"`
	ChunksSent     int64 `json:"chunks_sent"`
	TransmitErrors int64 `json:"transmit_errors"`
	ChunksReceived int64 `json:"chunks_received"`

	PlaybackCursorMS int64 `json:"playback_cursor_ms"`
}

func toJSON(info session.Info) sessionJSON {
	out := sessionJSON{
		ID:               info.ID,
		State:            info.State.String(),
		Message:          info.Message,
		FramesEncoded:    info.Capture.Encoded,
		FramesDropped:    info.Capture.Dropped + info.Capture.Failed,
		ChunksSent:       info.ChunksSent,
		TransmitErrors:   info.TransmitErrors,
		ChunksReceived:   info.ChunksReceived,
		PlaybackCursorMS: info.Cursor.Milliseconds(),
	}
	if info.State == session.StateClosed {
		out.Reason = info.Reason.String()
	}
	if !info.OpenedAt.IsZero() {
		out.OpenedAt = &info.OpenedAt
	}
	if !info.ClosedAt.IsZero() {
		out.ClosedAt = &info.ClosedAt
	}
	return out
}

// errorJSON is the body of every failed request.
type errorJSON struct {
	Error string `json:"error"`
}

// Register adds the session control routes to mux:
//
//	POST   /v1/session  open a session; 201 with the session, or an error
//	DELETE /v1/session  close the running session; 204, or 404 if none
//	GET    /v1/session  the most recent session; 404 if none
//	GET    /v1/events   WebSocket stream of [Notification] values
func (c *Controller) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /v1/session", c.handleOpen)
	mux.HandleFunc("DELETE /v1/session", c.handleClose)
	mux.HandleFunc("GET /v1/session", c.handleCurrent)
	mux.HandleFunc("GET /v1/events", c.handleEvents)
}

func (c *Controller) handleOpen(w http.ResponseWriter, r *http.Request) {
	info, err := c.RequestOpen(r.Context())
	if err != nil {
		writeError(w, statusFor(err), messageFor(err))
		return
	}
	writeJSON(w, http.StatusCreated, toJSON(info))
}

func (c *Controller) handleClose(w http.ResponseWriter, _ *http.Request) {
	err := c.RequestClose()
	switch {
	case errors.Is(err, ErrNoSession):
		writeError(w, http.StatusNotFound, messageFor(err))
	case err != nil:
		// The session is closed regardless; only teardown was incomplete.
		c.diag.Logger.Warn("session close reported errors", "err", err)
		w.WriteHeader(http.StatusNoContent)
	default:
		w.WriteHeader(http.StatusNoContent)
	}
}

func (c *Controller) handleCurrent(w http.ResponseWriter, _ *http.Request) {
	info, ok := c.Current()
	if !ok {
		writeError(w, http.StatusNotFound, messageFor(ErrNoSession))
		return
	}
	writeJSON(w, http.StatusOK, toJSON(info))
}

// handleEvents upgrades to a WebSocket, sends a snapshot of the current
// session, then streams notifications until the client goes away or the
// controller shuts down.
func (c *Controller) handleEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		c.diag.Logger.Warn("events: websocket accept failed", "err", err)
		return
	}
	defer conn.CloseNow()

	notes, cancel := c.Subscribe()
	defer cancel()

	// Clients only send close frames; CloseRead handles them and cancels
	// ctx when the client goes away.
	ctx := conn.CloseRead(r.Context())

	info, ok := c.Current()
	if err := writeEvent(ctx, conn, snapshotNotification(info, ok)); err != nil {
		return
	}

	for {
		select {
		case <-ctx.Done():
			return
		case n, open := <-notes:
			if !open {
				conn.Close(websocket.StatusGoingAway, "shutting down")
				return
			}
			if err := writeEvent(ctx, conn, n); err != nil {
				c.diag.Logger.Debug("events: subscriber write failed", "err", err)
				return
			}
		}
	}
}

func writeEvent(ctx context.Context, conn *websocket.Conn, n Notification) error {
	wctx, cancel := context.WithTimeout(ctx, eventWriteTimeout)
	defer cancel()
	return wsjson.Write(wctx, conn, n)
}

// statusFor maps a RequestOpen failure to an HTTP status.
func statusFor(err error) int {
	var acqErr *audio.AcquisitionError
	var connErr *s2s.ConnectionError
	switch {
	case errors.Is(err, ErrSessionActive):
		return http.StatusConflict
	case errors.Is(err, ErrNotConfigured), errors.Is(err, ErrShutdown):
		return http.StatusServiceUnavailable
	case errors.Is(err, audio.ErrPermissionDenied):
		return http.StatusForbidden
	case errors.Is(err, audio.ErrDeviceBusy):
		return http.StatusConflict
	case errors.As(err, &acqErr):
		return http.StatusServiceUnavailable
	case errors.Is(err, session.ErrHandshakeTimeout):
		return http.StatusGatewayTimeout
	case errors.As(err, &connErr):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// messageFor returns the user-facing text for a controller or session error.
func messageFor(err error) string {
	switch {
	case errors.Is(err, ErrSessionActive):
		return "A conversation is already in progress."
	case errors.Is(err, ErrNoSession):
		return "No conversation is in progress."
	case errors.Is(err, ErrNotConfigured):
		return "The voice service or audio devices are not configured."
	case errors.Is(err, ErrShutdown):
		return "The application is shutting down."
	default:
		return session.UserMessage(err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorJSON{Error: msg})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
