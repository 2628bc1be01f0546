// Package audio defines the audio data model, the PCM16 codec, and the
// interfaces through which the voice client reaches the host's sound devices.
//
// The three device abstractions are:
//
//   - [Host]: grants access to a [Microphone] and a [Speaker].
//   - [Microphone]: delivers fixed-size [AudioFrame] values to a callback.
//   - [Speaker]: plays [DecodedBuffer] values at requested positions on its
//     own monotonic device clock.
//
// Implementations are provided by backend packages (audio/miniaudio for real
// sound cards, audio/mock for tests). The interfaces are intentionally narrow
// so the session logic stays independent of any particular audio API.
//
// This package lives under pkg/ because external code is expected to
// implement [Host] for other platforms.
package audio

import (
	"context"
	"time"
)

// FrameHandler receives one captured frame. It runs on the device's callback
// goroutine and must return quickly; blocking it causes audible glitches.
type FrameHandler func(AudioFrame)

// Microphone is an acquired capture device.
//
// Implementations must be safe for concurrent use.
type Microphone interface {
	// Format reports the format frames are delivered in. It may differ from
	// the requested format if the device cannot honour it; consumers are
	// expected to select channel 0 and resample as needed.
	Format() Format

	// Start begins delivering frames to handler. Start may be called at most
	// once.
	Start(handler FrameHandler) error

	// Close stops capture and releases the device. It is safe to call Close
	// more than once; subsequent calls are no-ops and return nil.
	Close() error
}

// Speaker is an acquired playback device with a monotonic device clock.
//
// Implementations must be safe for concurrent use.
type Speaker interface {
	// Format reports the playback format.
	Format() Format

	// Now returns the current position of the device clock. The value never
	// decreases for the lifetime of the Speaker.
	Now() time.Duration

	// Schedule submits buf to begin playing at device-clock time at.
	// Callers are responsible for not overlapping buffers.
	Schedule(buf DecodedBuffer, at time.Duration) error

	// Stop discards every buffer that has not started playing and silences
	// output immediately.
	Stop() error

	// Close stops playback and releases the device. It is safe to call Close
	// more than once.
	Close() error
}

// Host grants access to the host platform's sound devices.
//
// Implementations must be safe for concurrent use.
type Host interface {
	// OpenMicrophone acquires a capture device. It returns an
	// [*AcquisitionError] if the host denies access or the device is busy.
	OpenMicrophone(ctx context.Context, want Format) (Microphone, error)

	// OpenSpeaker acquires a playback device. It returns an
	// [*AcquisitionError] if the device is unavailable or busy.
	OpenSpeaker(ctx context.Context, want Format) (Speaker, error)
}
