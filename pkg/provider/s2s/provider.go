// Package s2s defines the Provider interface for speech-to-speech voice
// services.
//
// An S2S provider wraps a real-time voice model that accepts raw PCM audio and
// streams synthesised PCM audio back over one long-lived duplex connection.
// The connection reports everything that happens on it through a single
// [Handler] receiving one of four event variants: the remote is ready, a
// message arrived, a non-fatal error occurred, or the connection closed.
//
// All implementations must be safe for concurrent use.
package s2s

import (
	"context"
	"fmt"
	"time"

	"github.com/MrWong99/duplexvoice/pkg/audio"
)

// EventKind identifies the variant carried by an [Event].
type EventKind int

const (
	// EventOpen reports that the remote finished its handshake and is ready to
	// receive audio. It is delivered at most once per connection.
	EventOpen EventKind = iota + 1

	// EventMessage carries one inbound server message in [Event.Message].
	EventMessage

	// EventError reports a non-fatal error signalled by the remote. The
	// connection stays up.
	EventError

	// EventClose reports that the connection ended. It is always the last event
	// delivered. [Event.Err] is nil for a normal closure, including one
	// initiated by [Conn.Close].
	EventClose
)

// String returns the lower-case name of the event kind.
func (k EventKind) String() string {
	switch k {
	case EventOpen:
		return "open"
	case EventMessage:
		return "message"
	case EventError:
		return "error"
	case EventClose:
		return "close"
	default:
		return fmt.Sprintf("EventKind(%d)", int(k))
	}
}

// ServerMessage is the audio-relevant content of one inbound message.
type ServerMessage struct {
	// Audio is the base64-encoded PCM16 payload exactly as received, or empty
	// when the message carried no audio.
	Audio string

	// AudioMIMEType is the MIME descriptor the remote attached to Audio.
	AudioMIMEType string

	// Text is any text part the model produced alongside the audio.
	Text string

	// InputTranscript is the remote's recognition of the user's speech.
	InputTranscript string

	// OutputTranscript is the text rendition of the synthesised audio.
	OutputTranscript string

	// TurnComplete marks the end of the model's turn.
	TurnComplete bool

	// Interrupted reports that the model stopped generating because the user
	// started speaking.
	Interrupted bool
}

// HasAudio reports whether the message carried an audio payload.
func (m *ServerMessage) HasAudio() bool { return m != nil && m.Audio != "" }

// Event is a single notification from a [Conn].
type Event struct {
	Kind EventKind

	// Message is set for EventMessage.
	Message *ServerMessage

	// Err is set for EventError and for an abnormal EventClose.
	Err error
}

// Handler receives connection events. Events of one connection are delivered
// sequentially from a single goroutine, in arrival order. Handlers must return
// quickly and must not call [Conn.Close] synchronously.
type Handler func(Event)

// SessionConfig is the initial configuration for a new connection.
type SessionConfig struct {
	// Voice is the provider-specific prebuilt voice name. Empty selects the
	// provider default.
	Voice string

	// Instructions is the system-level instruction text, passed through
	// without interpretation.
	Instructions string

	// InputFormat is the format of outbound audio.
	InputFormat audio.Format

	// Transcription enables input and output transcripts when the provider
	// supports them.
	Transcription bool
}

// Conn is an open duplex connection. Callers must call Close when done.
type Conn interface {
	// SendAudio transmits one encoded chunk. Callers serialise their own calls
	// to preserve ordering. A failure is wrapped in a [*TransmitError].
	SendAudio(ctx context.Context, chunk audio.EncodedChunk) error

	// Close terminates the connection. Calling Close more than once is safe
	// and returns nil.
	Close() error
}

// Provider is the abstraction over any S2S backend.
type Provider interface {
	// Connect dials the remote and sends the session setup. It returns once
	// the connection is established; readiness is reported asynchronously
	// through EventOpen. A dial or setup failure returns a [*ConnectionError]
	// and no events are delivered.
	Connect(ctx context.Context, cfg SessionConfig, handler Handler) (Conn, error)
}

// ConnectionError reports a failed handshake or a transport failure that ends
// the connection.
type ConnectionError struct {
	// Op names the failing step, e.g. "dial", "setup", "handshake" or "read".
	Op  string
	Err error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("s2s: %s: %v", e.Op, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// TransmitError reports a single outbound chunk that could not be sent.
type TransmitError struct {
	Err error
}

func (e *TransmitError) Error() string {
	return fmt.Sprintf("s2s: transmit: %v", e.Err)
}

func (e *TransmitError) Unwrap() error { return e.Err }

// RemoteError is a non-fatal error reported by the remote service inside the
// protocol, delivered as EventError.
type RemoteError struct {
	Code    int
	Status  string
	Message string
}

func (e *RemoteError) Error() string {
	if e.Status != "" {
		return fmt.Sprintf("s2s: remote error %d (%s): %s", e.Code, e.Status, e.Message)
	}
	return fmt.Sprintf("s2s: remote error %d: %s", e.Code, e.Message)
}

// DefaultHandshakeTimeout bounds the wait for EventOpen when the caller has
// no timeout of its own.
const DefaultHandshakeTimeout = 10 * time.Second
