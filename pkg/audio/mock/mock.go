// Package mock provides in-memory mock implementations of the [audio.Host],
// [audio.Microphone], and [audio.Speaker] interfaces for use in unit tests.
//
// All mocks are safe for concurrent use. They record every method call so that
// tests can assert on call counts and arguments, and they expose exported fields
// that the test can set to control return values.
//
// Typical usage:
//
//	host := &mock.Host{}
//	mic, _ := host.OpenMicrophone(ctx, audio.Format{SampleRate: 16000, Channels: 1})
//	mic.Start(handler)
//	host.LastMicrophone().Emit(audio.AudioFrame{...})
//
// The mock speaker's device clock only moves when the test calls
// [Speaker.SetNow] or [Speaker.Advance].
package mock

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/MrWong99/duplexvoice/pkg/audio"
)

// Compile-time interface assertions.
var (
	_ audio.Host       = (*Host)(nil)
	_ audio.Microphone = (*Microphone)(nil)
	_ audio.Speaker    = (*Speaker)(nil)
)

// ─── Host ─────────────────────────────────────────────────────────────────────

// Host is a mock implementation of [audio.Host]. Every successful Open call
// creates a fresh device that is recorded for later inspection.
type Host struct {
	mu sync.Mutex

	// MicrophoneErr is returned by OpenMicrophone when non-nil.
	MicrophoneErr error

	// SpeakerErr is returned by OpenSpeaker when non-nil.
	SpeakerErr error

	// MicrophoneFormat overrides the format reported by created microphones.
	// When zero, the requested format is reported.
	MicrophoneFormat audio.Format

	// CallCountOpenMicrophone records how many times OpenMicrophone was called.
	CallCountOpenMicrophone int

	// CallCountOpenSpeaker records how many times OpenSpeaker was called.
	CallCountOpenSpeaker int

	microphones []*Microphone
	speakers    []*Speaker
}

// SetMicrophoneErr replaces MicrophoneErr under the mock's lock.
func (h *Host) SetMicrophoneErr(err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.MicrophoneErr = err
}

// SetSpeakerErr replaces SpeakerErr under the mock's lock.
func (h *Host) SetSpeakerErr(err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.SpeakerErr = err
}

// OpenMicrophone implements [audio.Host].
func (h *Host) OpenMicrophone(_ context.Context, want audio.Format) (audio.Microphone, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.CallCountOpenMicrophone++
	if h.MicrophoneErr != nil {
		return nil, h.MicrophoneErr
	}
	f := want
	if h.MicrophoneFormat != (audio.Format{}) {
		f = h.MicrophoneFormat
	}
	m := &Microphone{FormatResult: f}
	h.microphones = append(h.microphones, m)
	return m, nil
}

// OpenSpeaker implements [audio.Host].
func (h *Host) OpenSpeaker(_ context.Context, want audio.Format) (audio.Speaker, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.CallCountOpenSpeaker++
	if h.SpeakerErr != nil {
		return nil, h.SpeakerErr
	}
	s := &Speaker{FormatResult: want}
	h.speakers = append(h.speakers, s)
	return s, nil
}

// OpenCounts returns the call counters under the mock's lock.
func (h *Host) OpenCounts() (microphone, speaker int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.CallCountOpenMicrophone, h.CallCountOpenSpeaker
}

// LastMicrophone returns the most recently created microphone, or nil.
func (h *Host) LastMicrophone() *Microphone {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.microphones) == 0 {
		return nil
	}
	return h.microphones[len(h.microphones)-1]
}

// LastSpeaker returns the most recently created speaker, or nil.
func (h *Host) LastSpeaker() *Speaker {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.speakers) == 0 {
		return nil
	}
	return h.speakers[len(h.speakers)-1]
}

// ─── Microphone ───────────────────────────────────────────────────────────────

// Microphone is a mock implementation of [audio.Microphone]. Frames are
// injected with [Microphone.Emit].
type Microphone struct {
	mu sync.Mutex

	// FormatResult is returned by Format.
	FormatResult audio.Format

	// StartError is returned by Start when non-nil.
	StartError error

	handler    audio.FrameHandler
	started    bool
	closeCount int
}

// Format implements [audio.Microphone].
func (m *Microphone) Format() audio.Format {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.FormatResult
}

// Start implements [audio.Microphone]. Records the handler.
func (m *Microphone) Start(handler audio.FrameHandler) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.StartError != nil {
		return m.StartError
	}
	if m.started {
		return errors.New("mock: microphone already started")
	}
	m.started = true
	m.handler = handler
	return nil
}

// Close implements [audio.Microphone]. Counts calls; the handler is detached
// so that Emit after Close delivers nothing.
func (m *Microphone) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closeCount++
	m.handler = nil
	return nil
}

// Emit delivers frame to the registered handler synchronously. It reports
// whether a handler was registered.
func (m *Microphone) Emit(frame audio.AudioFrame) bool {
	m.mu.Lock()
	h := m.handler
	m.mu.Unlock()
	if h == nil {
		return false
	}
	h(frame)
	return true
}

// Started reports whether Start succeeded.
func (m *Microphone) Started() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.started
}

// CloseCount returns how many times Close was called.
func (m *Microphone) CloseCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closeCount
}

// ─── Speaker ──────────────────────────────────────────────────────────────────

// ScheduleCall records the arguments of a single [Speaker.Schedule] invocation.
type ScheduleCall struct {
	// Buffer is the buffer passed to Schedule.
	Buffer audio.DecodedBuffer

	// At is the requested device-clock start time.
	At time.Duration
}

// Speaker is a mock implementation of [audio.Speaker] with a manually driven
// device clock.
type Speaker struct {
	mu sync.Mutex

	// FormatResult is returned by Format.
	FormatResult audio.Format

	// ScheduleError is returned by Schedule when non-nil.
	ScheduleError error

	now        time.Duration
	calls      []ScheduleCall
	stopCount  int
	closeCount int
}

// Format implements [audio.Speaker].
func (s *Speaker) Format() audio.Format {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.FormatResult
}

// Now implements [audio.Speaker].
func (s *Speaker) Now() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.now
}

// SetNow moves the device clock to d. Moving it backwards is ignored so the
// clock stays monotonic.
func (s *Speaker) SetNow(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if d > s.now {
		s.now = d
	}
}

// Advance moves the device clock forward by d.
func (s *Speaker) Advance(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if d > 0 {
		s.now += d
	}
}

// Schedule implements [audio.Speaker]. Records the call.
func (s *Speaker) Schedule(buf audio.DecodedBuffer, at time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ScheduleError != nil {
		return s.ScheduleError
	}
	s.calls = append(s.calls, ScheduleCall{Buffer: buf, At: at})
	return nil
}

// Stop implements [audio.Speaker]. Counts calls.
func (s *Speaker) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopCount++
	return nil
}

// Close implements [audio.Speaker]. Counts calls.
func (s *Speaker) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closeCount++
	return nil
}

// ScheduleCalls returns a copy of all recorded Schedule invocations.
func (s *Speaker) ScheduleCalls() []ScheduleCall {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]ScheduleCall, len(s.calls))
	copy(out, s.calls)
	return out
}

// StopCount returns how many times Stop was called.
func (s *Speaker) StopCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopCount
}

// CloseCount returns how many times Close was called.
func (s *Speaker) CloseCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closeCount
}
