// Package session runs one full-duplex conversation: microphone capture
// streamed to a speech-to-speech remote, and the remote's synthesised speech
// scheduled gap-free on the speaker.
//
// A [Session] is single-use. It moves Idle → Connecting → Open → Closed and
// never goes back; Closed is terminal and reachable from every other state.
// The microphone is acquired before anything else, so a denied microphone
// never leaves a speaker or a remote connection behind.
//
// Three goroutines touch a running session:
//
//   - the capture callback, which encodes frames and offers them to the
//     bounded outbound queue without blocking;
//   - the sender, the only goroutine that calls [s2s.Conn.SendAudio], which
//     drains the queue in FIFO order;
//   - the provider's receive goroutine, which delivers remote events one at a
//     time to the session's handler.
//
// Teardown runs exactly once regardless of which of them triggers it.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/MrWong99/duplexvoice/internal/capture"
	"github.com/MrWong99/duplexvoice/internal/observe"
	"github.com/MrWong99/duplexvoice/internal/playback"
	"github.com/MrWong99/duplexvoice/pkg/audio"
	"github.com/MrWong99/duplexvoice/pkg/provider/s2s"
)

// Defaults applied by [New] to zero-valued [Config] fields.
const (
	DefaultOutboundQueue = 32
	DefaultSendTimeout   = 5 * time.Second
)

// Config holds the static parameters of a session.
type Config struct {
	// Capture is the format requested from the microphone and the rate
	// chunks are encoded at. Defaults to 16 kHz mono.
	Capture audio.Format

	// PlaybackRate is the rate of the remote's synthesised audio and of the
	// speaker. Defaults to 24 kHz.
	PlaybackRate int

	// OutboundQueue bounds the number of encoded chunks waiting for the
	// sender. When full, new chunks are dropped. Defaults to 32.
	OutboundQueue int

	// SendTimeout bounds a single transmit call. Defaults to 5 s.
	SendTimeout time.Duration

	// HandshakeTimeout bounds the wait for the remote's ready signal.
	// Defaults to [s2s.DefaultHandshakeTimeout].
	HandshakeTimeout time.Duration

	// MaxLookahead caps how far ahead of the speaker clock inbound audio may
	// be queued. Zero means unbounded.
	MaxLookahead time.Duration

	// Remote is passed to [s2s.Provider.Connect]. Its InputFormat is filled
	// in from Capture.
	Remote s2s.SessionConfig
}

func (c Config) withDefaults() Config {
	if c.Capture.SampleRate <= 0 {
		c.Capture.SampleRate = audio.CaptureSampleRate
	}
	if c.Capture.Channels <= 0 {
		c.Capture.Channels = 1
	}
	if c.PlaybackRate <= 0 {
		c.PlaybackRate = audio.PlaybackSampleRate
	}
	if c.OutboundQueue <= 0 {
		c.OutboundQueue = DefaultOutboundQueue
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = DefaultSendTimeout
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = s2s.DefaultHandshakeTimeout
	}
	c.Remote.InputFormat = audio.Format{SampleRate: c.Capture.SampleRate, Channels: 1}
	return c
}

// Option is a functional option for configuring a Session.
type Option func(*Session)

// WithStateListener registers fn for every state transition. fn is called
// synchronously from whichever goroutine caused the transition and must not
// call back into Open or Close.
func WithStateListener(fn func(StateChange)) Option {
	return func(s *Session) { s.onState = fn }
}

// WithActivityListener registers fn for transcripts and turn markers. fn is
// called from the provider's receive goroutine and should return quickly.
func WithActivityListener(fn func(Activity)) Option {
	return func(s *Session) { s.onActivity = fn }
}

// WithDiagnostics sets the diagnostics sink. Defaults to [observe.Discard].
func WithDiagnostics(d observe.Diagnostics) Option {
	return func(s *Session) { s.diag = d }
}

// WithID overrides the generated session ID.
func WithID(id string) Option {
	return func(s *Session) {
		if id != "" {
			s.id = id
		}
	}
}

// Session is one duplex conversation. Create with [New], start with
// [Session.Open] and end with [Session.Close].
type Session struct {
	id       string
	host     audio.Host
	provider s2s.Provider
	cfg      Config

	diag       observe.Diagnostics
	scope      *observe.SessionScope
	warn       *observe.Sometimes
	onState    func(StateChange)
	onActivity func(Activity)

	encoder  *capture.Encoder
	outbound chan audio.EncodedChunk

	// state is read lock-free on the capture path; writes happen under mu.
	state atomic.Int32

	mu        sync.Mutex
	reason    CloseReason
	cause     error
	openedAt  time.Time
	closedAt  time.Time
	mic       audio.Microphone
	scheduler *playback.Scheduler
	conn      s2s.Conn
	stopSend  context.CancelFunc
	senderWG  sync.WaitGroup

	dialedAt    time.Time
	readyOnce   sync.Once
	ready       chan struct{}
	remoteEnded chan error
	endedEarly  bool // remote closed while Connecting; guarded by mu

	closeOnce sync.Once
	done      chan struct{}

	sent       atomic.Int64
	sendFailed atomic.Int64
	received   atomic.Int64
}

// New returns an idle session that will use host for audio devices and
// provider for the remote stream. The session counts as active in metrics
// from New until it is closed, so every session must eventually be closed.
func New(host audio.Host, provider s2s.Provider, cfg Config, opts ...Option) *Session {
	s := &Session{
		id:          uuid.NewString(),
		host:        host,
		provider:    provider,
		cfg:         cfg.withDefaults(),
		diag:        observe.Discard(),
		ready:       make(chan struct{}),
		remoteEnded: make(chan error, 1),
		done:        make(chan struct{}),
	}
	for _, o := range opts {
		o(s)
	}
	s.outbound = make(chan audio.EncodedChunk, s.cfg.OutboundQueue)
	s.scope = s.diag.Begin(context.Background(), s.id)
	s.warn = observe.NewSometimes(s.scope.Logger, slog.LevelWarn, 5*time.Second)
	s.encoder = capture.NewEncoder(s, s.cfg.Capture.SampleRate, capture.WithDiagnostics(s.scope.Diagnostics))
	return s
}

// ID returns the session's unique identifier.
func (s *Session) ID() string { return s.id }

// State returns the current lifecycle state.
func (s *Session) State() State { return State(s.state.Load()) }

// Done returns a channel that is closed once teardown has completed.
func (s *Session) Done() <-chan struct{} { return s.done }

// Err returns the error that closed the session, or nil while the session is
// running or after a clean close.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cause
}

// Snapshot returns a point-in-time view of the session.
func (s *Session) Snapshot() Info {
	s.mu.Lock()
	info := Info{
		ID:       s.id,
		State:    s.State(),
		Reason:   s.reason,
		Err:      s.cause,
		Message:  UserMessage(s.cause),
		OpenedAt: s.openedAt,
		ClosedAt: s.closedAt,
	}
	sched := s.scheduler
	s.mu.Unlock()

	info.Capture = s.encoder.Stats()
	info.ChunksSent = s.sent.Load()
	info.TransmitErrors = s.sendFailed.Load()
	info.ChunksReceived = s.received.Load()
	if sched != nil {
		info.Cursor = sched.Cursor()
	}
	return info
}

// ── Lifecycle ────────────────────────────────────────────────────────────────

// Open acquires the microphone, then the speaker, then connects to the remote
// and waits for its ready signal. Capture starts only once the session is
// Open. On any failure the session is Closed with the matching reason and
// every resource acquired so far is released. The returned error is an
// [*audio.AcquisitionError] or an [*s2s.ConnectionError].
//
// Open may only be called once. It returns [ErrNotIdle] otherwise.
func (s *Session) Open(ctx context.Context) (err error) {
	s.mu.Lock()
	if s.State() != StateIdle {
		s.mu.Unlock()
		return ErrNotIdle
	}
	s.state.Store(int32(StateConnecting))
	s.mu.Unlock()
	s.notify(StateChange{State: StateConnecting})

	ctx, span := s.scope.StartSpan(ctx, "open")
	defer func() { observe.EndSpan(span, err) }()

	log := s.scope.ForContext(ctx).Logger
	log.Info("session opening", "capture", s.cfg.Capture.String(), "playback_rate", s.cfg.PlaybackRate)

	mic, err := s.host.OpenMicrophone(ctx, s.cfg.Capture)
	if err != nil {
		return s.fail(ReasonAcquisition, asAcquisition(audio.DeviceMicrophone, err))
	}
	if !s.adopt(func() { s.mic = mic }) {
		_ = mic.Close()
		return ErrClosed
	}

	spk, err := s.host.OpenSpeaker(ctx, audio.Format{SampleRate: s.cfg.PlaybackRate, Channels: 1})
	if err != nil {
		return s.fail(ReasonAcquisition, asAcquisition(audio.DeviceSpeaker, err))
	}
	sched := playback.New(spk, s.cfg.PlaybackRate,
		playback.WithMaxLookahead(s.cfg.MaxLookahead),
		playback.WithDiagnostics(s.scope.Diagnostics),
	)
	if !s.adopt(func() { s.scheduler = sched }) {
		_ = sched.Close()
		return ErrClosed
	}

	s.dialedAt = time.Now()
	conn, err := s.provider.Connect(ctx, s.cfg.Remote, s.handleEvent)
	if err != nil {
		return s.fail(ReasonConnection, asConnection("dial", err))
	}
	// The ready signal may already have been handled; the sender then starts
	// here instead of in handleEvent.
	if !s.adopt(func() {
		s.conn = conn
		s.startSenderLocked()
	}) {
		_ = conn.Close()
		return ErrClosed
	}

	if err := s.awaitReady(ctx); err != nil {
		if errors.Is(err, ErrClosed) {
			return err
		}
		return s.fail(ReasonConnection, err)
	}

	// handleEvent has already moved the session to Open.
	s.mu.Lock()
	switch {
	case s.State() == StateClosed:
		s.mu.Unlock()
		return ErrClosed
	case s.endedEarly:
		s.mu.Unlock()
		return s.fail(ReasonConnection, &s2s.ConnectionError{Op: "handshake", Err: errRemoteClosedEarly})
	}
	handshake := s.openedAt.Sub(s.dialedAt)
	s.mu.Unlock()

	if err := mic.Start(s.encoder.Process); err != nil {
		return s.fail(ReasonAcquisition, asAcquisition(audio.DeviceMicrophone, err))
	}
	log.Info("session open", "handshake", handshake)
	return nil
}

// markOpen performs the Connecting to Open transition on the ready signal, so
// audio the remote sends right behind it is already scheduled.
func (s *Session) markOpen() {
	s.mu.Lock()
	if s.State() != StateConnecting || s.endedEarly {
		s.mu.Unlock()
		return
	}
	s.state.Store(int32(StateOpen))
	s.openedAt = time.Now()
	s.startSenderLocked()
	s.mu.Unlock()
	s.notify(StateChange{State: StateOpen})
}

// startSenderLocked starts the transmitter once the session is Open and the
// connection is known. s.mu must be held.
func (s *Session) startSenderLocked() {
	if s.State() != StateOpen || s.conn == nil || s.stopSend != nil {
		return
	}
	sendCtx, stopSend := context.WithCancel(context.Background())
	s.stopSend = stopSend
	s.senderWG.Add(1)
	go s.runSender(sendCtx, s.conn)
}

// awaitReady blocks until the remote signals readiness, closes the stream,
// the handshake timeout elapses, ctx is cancelled or the session is closed.
func (s *Session) awaitReady(ctx context.Context) error {
	timer := time.NewTimer(s.cfg.HandshakeTimeout)
	defer timer.Stop()

	select {
	case <-s.ready:
		return nil
	case err := <-s.remoteEnded:
		if err == nil {
			err = errRemoteClosedEarly
		}
		return asConnection("handshake", err)
	case <-timer.C:
		return &s2s.ConnectionError{Op: "handshake", Err: ErrHandshakeTimeout}
	case <-ctx.Done():
		return &s2s.ConnectionError{Op: "handshake", Err: ctx.Err()}
	case <-s.done:
		return ErrClosed
	}
}

// Close ends the session: capture stops, queued outbound chunks are
// discarded, scheduled playback is stopped, and the remote connection is
// closed. Calls after the first are no-ops and return nil.
func (s *Session) Close() error {
	return s.shutdown(ReasonClientClose, nil)
}

// fail closes the session with reason and returns cause for Open to report.
func (s *Session) fail(reason CloseReason, cause error) error {
	_ = s.shutdown(reason, cause)
	return cause
}

// adopt runs fn under the lock unless the session has already closed. Open
// uses it to hand each acquired resource to the session; when it reports
// false the caller still owns the resource and must release it.
func (s *Session) adopt(fn func()) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.State() == StateClosed {
		return false
	}
	fn()
	return true
}

// shutdown moves the session to Closed and releases everything it holds, in
// the order capture, sender, playback, remote. Only the first call does
// anything; it returns the release errors joined.
func (s *Session) shutdown(reason CloseReason, cause error) error {
	var err error
	s.closeOnce.Do(func() {
		s.mu.Lock()
		prev := s.State()
		s.state.Store(int32(StateClosed))
		s.reason = reason
		s.cause = cause
		s.closedAt = time.Now()
		mic, sched, conn, stopSend := s.mic, s.scheduler, s.conn, s.stopSend
		s.mu.Unlock()

		var errs []error
		if mic != nil {
			if cerr := mic.Close(); cerr != nil {
				errs = append(errs, fmt.Errorf("session: close microphone: %w", cerr))
			}
		}
		if stopSend != nil {
			stopSend()
		}
		s.senderWG.Wait()
		if sched != nil {
			if cerr := sched.Close(); cerr != nil {
				errs = append(errs, fmt.Errorf("session: close playback: %w", cerr))
			}
		}
		if conn != nil {
			if cerr := conn.Close(); cerr != nil {
				errs = append(errs, fmt.Errorf("session: close connection: %w", cerr))
			}
		}
		err = errors.Join(errs...)
		close(s.done)

		log := s.scope.Logger
		attrs := []any{"reason", reason.String(), "from", prev.String()}
		if cause != nil {
			log.Warn("session closed", append(attrs, "err", cause)...)
		} else {
			log.Info("session closed", attrs...)
		}
		if err != nil {
			log.Warn("session teardown incomplete", "err", err)
		}
		s.scope.End(context.Background(), reason.String())
		s.notify(StateChange{State: StateClosed, Reason: reason, Err: cause, Message: UserMessage(cause)})
	})
	return err
}

func (s *Session) notify(c StateChange) {
	if s.onState == nil {
		return
	}
	c.SessionID = s.id
	c.At = time.Now()
	s.onState(c)
}

// ── Outbound ─────────────────────────────────────────────────────────────────

// Offer queues an encoded chunk for transmission. It never blocks: chunks
// offered while the session is not Open, or while the queue is full, are
// dropped and counted.
func (s *Session) Offer(chunk audio.EncodedChunk) bool {
	ctx := context.Background()
	if s.State() != StateOpen {
		s.scope.Metrics.RecordCaptureDrop(ctx, "not_ready")
		return false
	}
	select {
	case s.outbound <- chunk:
		return true
	default:
		s.scope.Metrics.RecordCaptureDrop(ctx, "queue_full")
		s.warn.Log("outbound queue full, dropping chunk", "capacity", cap(s.outbound))
		return false
	}
}

// runSender is the single transmitter. Chunks leave in the order they were
// queued. A failed send is counted and logged; the next chunk is still sent.
func (s *Session) runSender(ctx context.Context, conn s2s.Conn) {
	defer s.senderWG.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case chunk := <-s.outbound:
			sendCtx, cancel := context.WithTimeout(ctx, s.cfg.SendTimeout)
			err := conn.SendAudio(sendCtx, chunk)
			cancel()
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				s.sendFailed.Add(1)
				s.scope.Metrics.TransmitErrors.Add(ctx, 1)
				s.warn.Log("failed to transmit chunk", "err", err)
				continue
			}
			s.sent.Add(1)
			s.scope.Metrics.ChunksSent.Add(ctx, 1)
		}
	}
}

// ── Inbound ──────────────────────────────────────────────────────────────────

// handleEvent is the [s2s.Handler] given to the provider. Events arrive one
// at a time from the receive goroutine.
func (s *Session) handleEvent(e s2s.Event) {
	ctx := context.Background()
	switch e.Kind {
	case s2s.EventOpen:
		s.readyOnce.Do(func() {
			s.scope.Metrics.HandshakeDuration.Record(ctx, time.Since(s.dialedAt).Seconds())
			s.markOpen()
			close(s.ready)
		})

	case s2s.EventMessage:
		if e.Message != nil {
			s.handleMessage(ctx, e.Message)
		}

	case s2s.EventError:
		s.scope.Metrics.RecordRemoteEvent(ctx, "error")
		s.scope.Logger.Warn("remote reported error", "err", e.Err)
		if e.Err != nil {
			s.activity(ActivityRemoteError, e.Err.Error())
		}

	case s2s.EventClose:
		s.scope.Metrics.RecordRemoteEvent(ctx, "close")
		s.mu.Lock()
		state := s.State()
		if state == StateConnecting {
			s.endedEarly = true
		}
		s.mu.Unlock()
		switch state {
		case StateConnecting:
			select {
			case s.remoteEnded <- e.Err:
			default:
			}
		case StateOpen:
			reason, cause := ReasonRemoteClose, error(nil)
			if e.Err != nil {
				reason, cause = ReasonConnection, asConnection("read", e.Err)
			}
			// Teardown closes the connection, which waits for this
			// goroutine to return.
			go s.shutdown(reason, cause)
		}
	}
}

func (s *Session) handleMessage(ctx context.Context, msg *s2s.ServerMessage) {
	if msg.HasAudio() {
		s.received.Add(1)
		if s.State() == StateOpen {
			s.mu.Lock()
			sched := s.scheduler
			s.mu.Unlock()
			// Rejections are logged and counted by the scheduler.
			_, _ = sched.Enqueue(msg.Audio)
		}
	}
	if msg.InputTranscript != "" {
		s.activity(ActivityUserTranscript, msg.InputTranscript)
	}
	if msg.OutputTranscript != "" {
		s.activity(ActivityModelTranscript, msg.OutputTranscript)
	}
	if msg.Interrupted {
		s.scope.Metrics.RecordRemoteEvent(ctx, "interrupted")
		s.activity(ActivityInterrupted, "")
	}
	if msg.TurnComplete {
		s.scope.Metrics.RecordRemoteEvent(ctx, "turn_complete")
		s.activity(ActivityTurnComplete, "")
	}
}

func (s *Session) activity(kind ActivityKind, text string) {
	if s.onActivity == nil {
		return
	}
	s.onActivity(Activity{SessionID: s.id, Kind: kind, Text: text, At: time.Now()})
}
