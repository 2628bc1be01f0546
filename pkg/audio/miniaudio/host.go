// Package miniaudio provides an [audio.Host] backed by the miniaudio library
// through github.com/gen2brain/malgo. It opens the system default capture and
// playback devices.
//
// Capture is delivered as 32-bit float and re-framed into fixed-size
// [audio.AudioFrame] values so that consumers see a constant frame hop
// regardless of the period size the OS audio stack chooses. Playback renders
// from an [audio.Timeline], which doubles as the speaker's device clock.
package miniaudio

import (
	"context"
	"encoding/binary"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gen2brain/malgo"

	"github.com/MrWong99/duplexvoice/pkg/audio"
)

// Compile-time interface assertions.
var (
	_ audio.Host       = (*Host)(nil)
	_ audio.Microphone = (*microphone)(nil)
	_ audio.Speaker    = (*speaker)(nil)
)

const bytesPerFloat = 4

// Option is a functional option for configuring a Host.
type Option func(*Host)

// WithFrameSize sets the number of samples per channel delivered per capture
// callback. Defaults to [audio.DefaultFrameSize].
func WithFrameSize(n int) Option {
	return func(h *Host) {
		if n > 0 {
			h.frameSize = n
		}
	}
}

// WithLogger sets the logger that receives miniaudio's diagnostic messages.
func WithLogger(l *slog.Logger) Option {
	return func(h *Host) {
		if l != nil {
			h.logger = l
		}
	}
}

// Host implements [audio.Host] on top of an initialised miniaudio context.
// Call [Host.Close] to release the context after all devices are closed.
type Host struct {
	frameSize int
	logger    *slog.Logger

	mu     sync.Mutex
	ctx    *malgo.AllocatedContext
	closed bool
}

// New initialises a miniaudio context with the platform's default backends.
func New(opts ...Option) (*Host, error) {
	h := &Host{
		frameSize: audio.DefaultFrameSize,
		logger:    slog.Default(),
	}
	for _, o := range opts {
		o(h)
	}

	ctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, func(message string) {
		h.logger.Debug("miniaudio", "msg", strings.TrimSpace(message))
	})
	if err != nil {
		return nil, fmt.Errorf("miniaudio: init context: %w", err)
	}
	h.ctx = ctx
	return h, nil
}

// Close releases the miniaudio context. Idempotent.
func (h *Host) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil
	}
	h.closed = true
	err := h.ctx.Uninit()
	h.ctx.Free()
	return err
}

// OpenMicrophone implements [audio.Host]. The device is opened but does not
// deliver frames until [audio.Microphone.Start] is called.
func (h *Host) OpenMicrophone(_ context.Context, want audio.Format) (audio.Microphone, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, &audio.AcquisitionError{Device: audio.DeviceMicrophone, Err: audio.ErrDeviceUnavailable}
	}

	channels := max(want.Channels, 1)
	cfg := malgo.DefaultDeviceConfig(malgo.Capture)
	cfg.Capture.Format = malgo.FormatF32
	cfg.Capture.Channels = uint32(channels)
	cfg.SampleRate = uint32(want.SampleRate)
	cfg.PeriodSizeInFrames = uint32(h.frameSize)

	m := &microphone{
		format:    audio.Format{SampleRate: want.SampleRate, Channels: channels},
		frameSize: h.frameSize,
		pending:   make([]float32, 0, h.frameSize*channels*2),
	}
	dev, err := malgo.InitDevice(h.ctx.Context, cfg, malgo.DeviceCallbacks{Data: m.onData})
	if err != nil {
		return nil, &audio.AcquisitionError{
			Device: audio.DeviceMicrophone,
			Err:    fmt.Errorf("%w: %v", audio.ErrDeviceUnavailable, err),
		}
	}
	m.dev = dev
	return m, nil
}

// OpenSpeaker implements [audio.Host]. Playback starts immediately so that
// the device clock is running before the first buffer is scheduled; until
// then it renders silence.
func (h *Host) OpenSpeaker(_ context.Context, want audio.Format) (audio.Speaker, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, &audio.AcquisitionError{Device: audio.DeviceSpeaker, Err: audio.ErrDeviceUnavailable}
	}

	cfg := malgo.DefaultDeviceConfig(malgo.Playback)
	cfg.Playback.Format = malgo.FormatF32
	cfg.Playback.Channels = 1
	cfg.SampleRate = uint32(want.SampleRate)

	s := &speaker{
		format:   audio.Format{SampleRate: want.SampleRate, Channels: 1},
		timeline: audio.NewTimeline(want.SampleRate),
	}
	dev, err := malgo.InitDevice(h.ctx.Context, cfg, malgo.DeviceCallbacks{Data: s.onData})
	if err != nil {
		return nil, &audio.AcquisitionError{
			Device: audio.DeviceSpeaker,
			Err:    fmt.Errorf("%w: %v", audio.ErrDeviceUnavailable, err),
		}
	}
	if err := dev.Start(); err != nil {
		dev.Uninit()
		return nil, &audio.AcquisitionError{
			Device: audio.DeviceSpeaker,
			Err:    fmt.Errorf("%w: start: %v", audio.ErrDeviceUnavailable, err),
		}
	}
	s.dev = dev
	return s, nil
}

// ── microphone ────────────────────────────────────────────────────────────────

type microphone struct {
	format    audio.Format
	frameSize int
	dev       *malgo.Device

	handler atomic.Pointer[audio.FrameHandler]

	// pending and captured are only touched from the device callback.
	pending  []float32
	captured int

	mu      sync.Mutex
	started bool
	closed  bool
}

func (m *microphone) Format() audio.Format { return m.format }

func (m *microphone) Start(handler audio.FrameHandler) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return fmt.Errorf("miniaudio: microphone closed")
	}
	if m.started {
		return fmt.Errorf("miniaudio: microphone already started")
	}
	m.handler.Store(&handler)
	if err := m.dev.Start(); err != nil {
		m.handler.Store(nil)
		return fmt.Errorf("miniaudio: start capture: %w", err)
	}
	m.started = true
	return nil
}

func (m *microphone) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	m.handler.Store(nil)
	m.dev.Uninit()
	return nil
}

// onData runs on miniaudio's capture thread. It appends the period to the
// pending buffer and emits every complete frame.
func (m *microphone) onData(_, input []byte, frameCount uint32) {
	hp := m.handler.Load()
	if hp == nil {
		return
	}
	n := min(int(frameCount)*m.format.Channels, len(input)/bytesPerFloat)
	for i := range n {
		m.pending = append(m.pending, math.Float32frombits(binary.LittleEndian.Uint32(input[i*bytesPerFloat:])))
	}

	frameLen := m.frameSize * m.format.Channels
	for len(m.pending) >= frameLen {
		samples := make([]float32, frameLen)
		copy(samples, m.pending[:frameLen])
		m.pending = append(m.pending[:0], m.pending[frameLen:]...)

		(*hp)(audio.AudioFrame{
			Samples:    samples,
			SampleRate: m.format.SampleRate,
			Channels:   m.format.Channels,
			Timestamp:  audio.SamplesToDuration(m.captured, m.format.SampleRate),
		})
		m.captured += m.frameSize
	}
}

// ── speaker ───────────────────────────────────────────────────────────────────

type speaker struct {
	format   audio.Format
	timeline *audio.Timeline
	dev      *malgo.Device

	// scratch is only touched from the device callback.
	scratch []float32

	mu     sync.Mutex
	closed bool
}

func (s *speaker) Format() audio.Format { return s.format }

func (s *speaker) Now() time.Duration { return s.timeline.Now() }

func (s *speaker) Schedule(buf audio.DecodedBuffer, at time.Duration) error {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return fmt.Errorf("miniaudio: speaker closed")
	}
	if buf.SampleRate != s.format.SampleRate {
		return fmt.Errorf("miniaudio: buffer rate %d does not match device rate %d", buf.SampleRate, s.format.SampleRate)
	}
	s.timeline.Schedule(buf, at)
	return nil
}

func (s *speaker) Stop() error {
	s.timeline.Clear()
	return nil
}

func (s *speaker) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	s.timeline.Clear()
	s.dev.Uninit()
	return nil
}

// onData runs on miniaudio's playback thread.
func (s *speaker) onData(output, _ []byte, frameCount uint32) {
	n := min(int(frameCount), len(output)/bytesPerFloat)
	if cap(s.scratch) < n {
		s.scratch = make([]float32, n)
	}
	buf := s.scratch[:n]
	s.timeline.Render(buf)
	for i, v := range buf {
		binary.LittleEndian.PutUint32(output[i*bytesPerFloat:], math.Float32bits(v))
	}
}
