package session

import (
	"errors"

	"github.com/MrWong99/duplexvoice/pkg/audio"
	"github.com/MrWong99/duplexvoice/pkg/provider/s2s"
)

var (
	// ErrNotIdle is returned by Open on a session that was already opened or
	// closed. Sessions are single-use.
	ErrNotIdle = errors.New("session: not idle")

	// ErrClosed is returned by Open when Close ran while the open was still
	// in progress.
	ErrClosed = errors.New("session: closed")

	// ErrHandshakeTimeout is wrapped in a [*s2s.ConnectionError] when the
	// remote does not signal readiness in time.
	ErrHandshakeTimeout = errors.New("session: handshake timed out")

	// errRemoteClosedEarly is wrapped in a [*s2s.ConnectionError] when the
	// remote closes the stream before signalling readiness.
	errRemoteClosedEarly = errors.New("session: remote closed before ready")
)

// UserMessage maps a session failure to the text shown to the user. Only
// acquisition and connection failures are user-visible; everything else gets
// a generic message. A nil error yields the empty string.
func UserMessage(err error) string {
	if err == nil {
		return ""
	}

	var acqErr *audio.AcquisitionError
	var connErr *s2s.ConnectionError
	switch {
	case errors.Is(err, audio.ErrPermissionDenied):
		return "Microphone access was denied. Allow access to the microphone and try again."
	case errors.Is(err, audio.ErrDeviceBusy):
		return "The microphone or speaker is already in use by another conversation."
	case errors.As(err, &acqErr):
		if acqErr.Device == audio.DeviceSpeaker {
			return "No usable speaker was found."
		}
		return "No usable microphone was found."
	case errors.Is(err, ErrHandshakeTimeout):
		return "The voice service did not respond in time. Please try again."
	case errors.As(err, &connErr):
		return "The connection to the voice service failed. Please try again."
	case errors.Is(err, ErrNotIdle):
		return "A conversation is already in progress."
	default:
		return "Something went wrong with the conversation."
	}
}

// asAcquisition wraps err in an [*audio.AcquisitionError] for device unless it
// already is one.
func asAcquisition(device string, err error) error {
	var acqErr *audio.AcquisitionError
	if errors.As(err, &acqErr) {
		return err
	}
	return &audio.AcquisitionError{Device: device, Err: err}
}

// asConnection wraps err in an [*s2s.ConnectionError] for op unless it already
// is one.
func asConnection(op string, err error) error {
	var connErr *s2s.ConnectionError
	if errors.As(err, &connErr) {
		return err
	}
	return &s2s.ConnectionError{Op: op, Err: err}
}
