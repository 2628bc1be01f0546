package session

import (
	"fmt"
	"time"

	"github.com/MrWong99/duplexvoice/internal/capture"
)

// State is the lifecycle state of a [Session]. Transitions only move forward:
// Idle → Connecting → Open → Closed, with Closed reachable from every state.
type State int32

const (
	StateIdle State = iota
	StateConnecting
	StateOpen
	StateClosed
)

// String returns the lower-case name of the state.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// MarshalText implements [encoding.TextMarshaler].
func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// CloseReason records why a session reached [StateClosed].
type CloseReason int

const (
	// ReasonNone is the reason of a session that has not closed.
	ReasonNone CloseReason = iota

	// ReasonClientClose: Close was called.
	ReasonClientClose

	// ReasonRemoteClose: the remote ended the stream normally.
	ReasonRemoteClose

	// ReasonAcquisition: the microphone or speaker could not be acquired.
	ReasonAcquisition

	// ReasonConnection: the handshake failed or the transport broke.
	ReasonConnection
)

// String returns the snake_case name used in logs and metrics.
func (r CloseReason) String() string {
	switch r {
	case ReasonNone:
		return "none"
	case ReasonClientClose:
		return "client_close"
	case ReasonRemoteClose:
		return "remote_close"
	case ReasonAcquisition:
		return "acquisition_error"
	case ReasonConnection:
		return "connection_error"
	default:
		return fmt.Sprintf("CloseReason(%d)", int(r))
	}
}

// MarshalText implements [encoding.TextMarshaler].
func (r CloseReason) MarshalText() ([]byte, error) { return []byte(r.String()), nil }

// StateChange is delivered to state listeners on every transition.
type StateChange struct {
	SessionID string
	State     State

	// Reason and Err are set for StateClosed. Err is nil for client and
	// normal remote closure.
	Reason CloseReason
	Err    error

	// Message is the user-facing text for Err, or empty.
	Message string

	At time.Time
}

// ActivityKind identifies what an [Activity] reports.
type ActivityKind int

const (
	// ActivityUserTranscript carries the remote's recognition of user speech.
	ActivityUserTranscript ActivityKind = iota + 1

	// ActivityModelTranscript carries the text of the synthesised speech.
	ActivityModelTranscript

	// ActivityTurnComplete marks the end of the model's turn.
	ActivityTurnComplete

	// ActivityInterrupted reports that the model stopped because the user
	// started speaking.
	ActivityInterrupted

	// ActivityRemoteError carries a non-fatal error message from the remote.
	ActivityRemoteError
)

// String returns the snake_case name of the kind.
func (k ActivityKind) String() string {
	switch k {
	case ActivityUserTranscript:
		return "user_transcript"
	case ActivityModelTranscript:
		return "model_transcript"
	case ActivityTurnComplete:
		return "turn_complete"
	case ActivityInterrupted:
		return "interrupted"
	case ActivityRemoteError:
		return "remote_error"
	default:
		return fmt.Sprintf("ActivityKind(%d)", int(k))
	}
}

// MarshalText implements [encoding.TextMarshaler].
func (k ActivityKind) MarshalText() ([]byte, error) { return []byte(k.String()), nil }

// Activity is a non-audio notification from the remote, surfaced for display.
type Activity struct {
	SessionID string
	Kind      ActivityKind
	Text      string
	At        time.Time
}

// Info is a point-in-time snapshot of a session.
type Info struct {
	ID      string
	State   State
	Reason  CloseReason
	Err     error
	Message string

	OpenedAt time.Time
	ClosedAt time.Time

	Capture        capture.Stats
	ChunksSent     int64
	TransmitErrors int64
	ChunksReceived int64

	// Cursor is the playback cursor on the speaker's clock.
	Cursor time.Duration
}
