// Package gemini implements the s2s.Provider interface for Google's Gemini Live API.
//
// It establishes a bidirectional WebSocket connection to the Gemini Live endpoint
// and exchanges JSON messages according to the BidiGenerateContent protocol.
// Outbound audio is transmitted as base64-encoded PCM chunks; inbound audio is
// handed to the event handler still base64-encoded, exactly as received.
package gemini

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"golang.org/x/time/rate"

	"github.com/MrWong99/duplexvoice/pkg/audio"
	"github.com/MrWong99/duplexvoice/pkg/provider/s2s"
)

// Compile-time assertions that Provider and conn satisfy the s2s interfaces.
var _ s2s.Provider = (*Provider)(nil)
var _ s2s.Conn = (*conn)(nil)

const (
	defaultModel   = "gemini-2.0-flash-live-001"
	defaultBaseURL = "wss://generativelanguage.googleapis.com/ws"

	keepaliveInterval = 20 * time.Second
	keepaliveTimeout  = 5 * time.Second

	// readLimit bounds a single inbound message. Audio turns routinely exceed
	// the library's 32 KiB default.
	readLimit = 16 << 20

	// malformedLogInterval spaces out warnings about undecodable frames.
	malformedLogInterval = 5 * time.Second
)

var errConnClosed = errors.New("gemini: connection closed")

// ── Options ────────────────────────────────────────────────────────────────────

// Option is a functional option for configuring a Provider.
type Option func(*Provider)

// WithModel sets the Gemini model used for sessions.
func WithModel(model string) Option {
	return func(p *Provider) {
		if model != "" {
			p.model = model
		}
	}
}

// WithBaseURL overrides the base WebSocket URL. Primarily used in tests to
// point at a local mock server.
func WithBaseURL(url string) Option {
	return func(p *Provider) {
		if url != "" {
			p.baseURL = url
		}
	}
}

// WithKeepalive overrides the ping interval. Zero disables keepalive pings.
func WithKeepalive(interval time.Duration) Option {
	return func(p *Provider) { p.keepalive = interval }
}

// WithLogger sets the logger for per-connection diagnostics. Frames that do
// not decode are reported at warn level, at most once per five seconds.
func WithLogger(l *slog.Logger) Option {
	return func(p *Provider) {
		if l != nil {
			p.logger = l
		}
	}
}

// ── Provider ───────────────────────────────────────────────────────────────────

// Provider implements s2s.Provider for Google's Gemini Live API.
type Provider struct {
	apiKey    string
	model     string
	baseURL   string
	keepalive time.Duration
	logger    *slog.Logger
}

// New creates a new Gemini Live Provider with the given API key and options.
func New(apiKey string, opts ...Option) *Provider {
	p := &Provider{
		apiKey:    apiKey,
		model:     defaultModel,
		baseURL:   defaultBaseURL,
		keepalive: keepaliveInterval,
		logger:    slog.New(slog.DiscardHandler),
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Model returns the configured model name.
func (p *Provider) Model() string { return p.model }

// Connect dials the Gemini Live endpoint and sends the setup message. The
// remote's setupComplete reply is delivered to handler as s2s.EventOpen.
func (p *Provider) Connect(ctx context.Context, cfg s2s.SessionConfig, handler s2s.Handler) (s2s.Conn, error) {
	if handler == nil {
		handler = func(s2s.Event) {}
	}
	wsURL := fmt.Sprintf(
		"%s/google.ai.generativelanguage.v1beta.GenerativeService.BidiGenerateContent?key=%s",
		p.baseURL, p.apiKey,
	)

	ws, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPHeader: http.Header{
			"Content-Type": []string{"application/json"},
		},
	})
	if err != nil {
		return nil, &s2s.ConnectionError{Op: "dial", Err: err}
	}
	ws.SetReadLimit(readLimit)

	connCtx, connCancel := context.WithCancel(context.Background())
	c := &conn{
		ws:      ws,
		handler: handler,
		mime:    audio.PCMMIMEType(inputRate(cfg)),
		logger:  p.logger.With("model", p.model),
		done:    make(chan struct{}),
		ctx:     connCtx,
		cancel:  connCancel,

		malformed: rate.Sometimes{First: 1, Interval: malformedLogInterval},
	}

	if err := c.sendSetup(ctx, p.model, cfg); err != nil {
		connCancel()
		ws.Close(websocket.StatusInternalError, "setup failed")
		return nil, &s2s.ConnectionError{Op: "setup", Err: err}
	}

	go c.receiveLoop()
	if p.keepalive > 0 {
		go c.keepaliveLoop(p.keepalive)
	}

	return c, nil
}

func inputRate(cfg s2s.SessionConfig) int {
	if cfg.InputFormat.SampleRate > 0 {
		return cfg.InputFormat.SampleRate
	}
	return audio.CaptureSampleRate
}

// ── Protocol message types (outgoing) ─────────────────────────────────────────

type setupMessage struct {
	Setup setupConfig `json:"setup"`
}

type setupConfig struct {
	Model                    string             `json:"model"`
	GenerationConfig         generationConfig   `json:"generationConfig"`
	SystemInstruction        *systemInstruction `json:"systemInstruction,omitempty"`
	InputAudioTranscription  *struct{}          `json:"inputAudioTranscription,omitempty"`
	OutputAudioTranscription *struct{}          `json:"outputAudioTranscription,omitempty"`
}

type generationConfig struct {
	ResponseModalities []string      `json:"responseModalities"`
	SpeechConfig       *speechConfig `json:"speechConfig,omitempty"`
}

type speechConfig struct {
	VoiceConfig voiceConfig `json:"voiceConfig"`
}

type voiceConfig struct {
	PrebuiltVoiceConfig prebuiltVoiceConfig `json:"prebuiltVoiceConfig"`
}

type prebuiltVoiceConfig struct {
	VoiceName string `json:"voiceName"`
}

type systemInstruction struct {
	Parts []part `json:"parts"`
}

type part struct {
	Text       string      `json:"text,omitempty"`
	InlineData *inlineData `json:"inlineData,omitempty"`
}

type inlineData struct {
	MIMEType string `json:"mimeType"`
	Data     string `json:"data"` // base64-encoded
}

type realtimeInputMessage struct {
	RealtimeInput realtimeInput `json:"realtimeInput"`
}

type realtimeInput struct {
	MediaChunks []mediaChunk `json:"mediaChunks"`
}

type mediaChunk struct {
	MIMEType string `json:"mimeType"`
	Data     []byte `json:"data"` // encoding/json emits []byte as standard base64
}

// ── Protocol message types (incoming) ─────────────────────────────────────────

type serverMessage struct {
	SetupComplete *json.RawMessage `json:"setupComplete,omitempty"`
	ServerContent *serverContent   `json:"serverContent,omitempty"`
	Error         *geminiError     `json:"error,omitempty"`
}

type geminiError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Status  string `json:"status,omitempty"`
}

type serverContent struct {
	ModelTurn           *modelTurn     `json:"modelTurn,omitempty"`
	TurnComplete        bool           `json:"turnComplete,omitempty"`
	Interrupted         bool           `json:"interrupted,omitempty"`
	InputTranscription  *transcription `json:"inputTranscription,omitempty"`
	OutputTranscription *transcription `json:"outputTranscription,omitempty"`
}

type modelTurn struct {
	Parts []part `json:"parts"`
}

type transcription struct {
	Text string `json:"text"`
}

// ── conn ───────────────────────────────────────────────────────────────────────

type conn struct {
	ws      *websocket.Conn
	handler s2s.Handler
	mime    string
	logger  *slog.Logger

	// opened, malformed and dropped are only touched by receiveLoop.
	opened    bool
	malformed rate.Sometimes
	dropped   int

	mu     sync.Mutex
	closed bool
	done   chan struct{}

	ctx    context.Context
	cancel context.CancelFunc
}

// sendSetup sends the initial BidiGenerateContent setup message.
func (c *conn) sendSetup(ctx context.Context, model string, cfg s2s.SessionConfig) error {
	msg := setupMessage{
		Setup: setupConfig{
			Model: fmt.Sprintf("models/%s", model),
			GenerationConfig: generationConfig{
				ResponseModalities: []string{"AUDIO"},
			},
		},
	}

	if cfg.Instructions != "" {
		msg.Setup.SystemInstruction = &systemInstruction{
			Parts: []part{{Text: cfg.Instructions}},
		}
	}

	if cfg.Voice != "" {
		msg.Setup.GenerationConfig.SpeechConfig = &speechConfig{
			VoiceConfig: voiceConfig{
				PrebuiltVoiceConfig: prebuiltVoiceConfig{VoiceName: cfg.Voice},
			},
		}
	}

	if cfg.Transcription {
		msg.Setup.InputAudioTranscription = &struct{}{}
		msg.Setup.OutputAudioTranscription = &struct{}{}
	}

	return c.writeJSON(ctx, msg)
}

// writeJSON marshals v and writes it as a text WebSocket message.
func (c *conn) writeJSON(ctx context.Context, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("gemini: marshal: %w", err)
	}
	return c.ws.Write(ctx, websocket.MessageText, data)
}

// receiveLoop reads messages from the WebSocket and dispatches them to the
// handler. It is the only goroutine that calls the handler, and it always
// finishes with exactly one EventClose.
func (c *conn) receiveLoop() {
	var closeErr error
	defer func() {
		close(c.done)
		c.handler(s2s.Event{Kind: s2s.EventClose, Err: closeErr})
	}()

	for {
		_, data, err := c.ws.Read(c.ctx)
		if err != nil {
			closeErr = classifyReadErr(c.ctx, err)
			return
		}

		var msg serverMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			c.dropMalformed(len(data), err)
			continue
		}

		c.handleServerMessage(&msg)
	}
}

// dropMalformed reports a frame that did not decode. The first drop is logged
// immediately; later ones are counted and folded into the next warning.
func (c *conn) dropMalformed(size int, err error) {
	c.dropped++
	c.malformed.Do(func() {
		c.logger.Warn("gemini: dropping malformed frame",
			"err", err, "bytes", size, "dropped", c.dropped)
		c.dropped = 0
	})
}

// classifyReadErr maps a read failure to the error carried by EventClose. A
// locally cancelled read and a normal close handshake from the remote both
// count as clean termination.
func classifyReadErr(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return nil
	}
	switch websocket.CloseStatus(err) {
	case websocket.StatusNormalClosure, websocket.StatusGoingAway:
		return nil
	}
	return &s2s.ConnectionError{Op: "read", Err: err}
}

func (c *conn) handleServerMessage(msg *serverMessage) {
	if msg.SetupComplete != nil && !c.opened {
		c.opened = true
		c.handler(s2s.Event{Kind: s2s.EventOpen})
	}
	if msg.Error != nil {
		c.handler(s2s.Event{Kind: s2s.EventError, Err: &s2s.RemoteError{
			Code:    msg.Error.Code,
			Status:  msg.Error.Status,
			Message: msg.Error.Message,
		}})
	}
	if msg.ServerContent != nil {
		if sm := convertServerContent(msg.ServerContent); sm != nil {
			c.handler(s2s.Event{Kind: s2s.EventMessage, Message: sm})
		}
	}
}

// convertServerContent extracts the audio path fields. Only the first part's
// inline data is treated as audio. It returns nil when nothing of interest
// was present.
func convertServerContent(sc *serverContent) *s2s.ServerMessage {
	sm := &s2s.ServerMessage{
		TurnComplete: sc.TurnComplete,
		Interrupted:  sc.Interrupted,
	}
	if sc.ModelTurn != nil && len(sc.ModelTurn.Parts) > 0 {
		if first := sc.ModelTurn.Parts[0]; first.InlineData != nil {
			sm.Audio = first.InlineData.Data
			sm.AudioMIMEType = first.InlineData.MIMEType
		}
		for _, p := range sc.ModelTurn.Parts {
			sm.Text += p.Text
		}
	}
	if sc.InputTranscription != nil {
		sm.InputTranscript = sc.InputTranscription.Text
	}
	if sc.OutputTranscription != nil {
		sm.OutputTranscript = sc.OutputTranscription.Text
	}
	if *sm == (s2s.ServerMessage{}) {
		return nil
	}
	return sm
}

// keepaliveLoop sends WebSocket pings to keep the Gemini Live connection alive.
func (c *conn) keepaliveLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(c.ctx, keepaliveTimeout)
			_ = c.ws.Ping(pingCtx)
			cancel()
		}
	}
}

// ── s2s.Conn methods ───────────────────────────────────────────────────────────

// SendAudio delivers one encoded PCM chunk to the model.
func (c *conn) SendAudio(ctx context.Context, chunk audio.EncodedChunk) error {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return &s2s.TransmitError{Err: errConnClosed}
	}

	mime := chunk.MIMEType
	if mime == "" {
		mime = c.mime
	}
	msg := realtimeInputMessage{
		RealtimeInput: realtimeInput{
			MediaChunks: []mediaChunk{
				{MIMEType: mime, Data: chunk.Data},
			},
		},
	}
	if err := c.writeJSON(ctx, msg); err != nil {
		return &s2s.TransmitError{Err: err}
	}
	return nil
}

// Close terminates the connection and releases all resources. Idempotent.
func (c *conn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	c.cancel() // unblocks receiveLoop and keepaliveLoop
	c.ws.Close(websocket.StatusNormalClosure, "session closed")
	return nil
}
