// Package playback schedules inbound synthesised audio on an output device
// back-to-back, with no gaps between chunks that arrive in time and no
// overlap regardless of arrival jitter.
//
// The [Scheduler] owns a single playback cursor: the device-clock time at
// which the next buffer should begin. Every buffer starts at
// max(cursor, now) and moves the cursor to its own end, so starts never
// decrease and no buffer begins before the previous one has finished. The
// cursor is kept as a sample count at the playback rate; conversion to
// [time.Duration] only happens at the device boundary.
package playback

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/duplexvoice/internal/observe"
	"github.com/MrWong99/duplexvoice/pkg/audio"
)

var (
	// ErrClosed is returned for buffers offered after [Scheduler.Close].
	ErrClosed = errors.New("playback: scheduler closed")

	// ErrLookaheadExceeded is returned when a buffer would start further
	// ahead of the device clock than the configured maximum.
	ErrLookaheadExceeded = errors.New("playback: look-ahead limit exceeded")
)

// Placement describes where a buffer landed on the device clock.
type Placement struct {
	// Start is the device-clock time the buffer begins playing.
	Start time.Duration

	// End is Start plus the buffer's duration. It is the cursor value after
	// the buffer was placed.
	End time.Duration

	// Gap is the silence left between the previous buffer's end and Start
	// because this buffer arrived late. Zero for the first buffer and for
	// buffers queued ahead of the clock.
	Gap time.Duration
}

// Duration returns the placed buffer's length.
func (p Placement) Duration() time.Duration { return p.End - p.Start }

// Option is a functional option for configuring a Scheduler.
type Option func(*Scheduler)

// WithMaxLookahead caps how far ahead of the device clock a buffer may be
// scheduled. Zero, the default, leaves look-ahead unbounded.
func WithMaxLookahead(d time.Duration) Option {
	return func(s *Scheduler) {
		if d > 0 {
			s.maxLookahead = d
		}
	}
}

// WithDiagnostics sets the diagnostics sink. Defaults to [observe.Discard].
func WithDiagnostics(d observe.Diagnostics) Option {
	return func(s *Scheduler) { s.diag = d }
}

// Scheduler places decoded buffers on a [audio.Speaker]. It takes ownership
// of the speaker: [Scheduler.Close] stops and closes it.
//
// All methods are safe for concurrent use; the cursor read-modify-write is
// serialised by a mutex.
type Scheduler struct {
	speaker      audio.Speaker
	rate         int
	maxLookahead time.Duration
	diag         observe.Diagnostics
	warn         *observe.Sometimes

	mu     sync.Mutex
	cursor int64 // samples at rate
	placed bool
	closed bool
}

// New creates a Scheduler for speaker with synthesis audio at rate Hz.
func New(speaker audio.Speaker, rate int, opts ...Option) *Scheduler {
	s := &Scheduler{
		speaker: speaker,
		rate:    rate,
		diag:    observe.Discard(),
	}
	for _, o := range opts {
		o(s)
	}
	s.diag = s.diag.With(slog.String("component", "playback"))
	s.warn = observe.NewSometimes(s.diag.Logger, slog.LevelWarn, 5*time.Second)
	return s
}

// Rate returns the synthesis sample rate the scheduler decodes at.
func (s *Scheduler) Rate() int { return s.rate }

// Enqueue decodes a base64 PCM16 payload and schedules it. A malformed
// payload is dropped and returned as a [*audio.DecodeError]; the cursor is not
// touched.
func (s *Scheduler) Enqueue(payload string) (Placement, error) {
	s.diag.Metrics.ChunksReceived.Add(context.Background(), 1)
	pcm, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return Placement{}, s.rejectDecode(&audio.DecodeError{Reason: "invalid base64", Err: err})
	}
	return s.enqueuePCM(pcm)
}

// EnqueuePCM schedules a raw little-endian PCM16 payload.
func (s *Scheduler) EnqueuePCM(pcm []byte) (Placement, error) {
	s.diag.Metrics.ChunksReceived.Add(context.Background(), 1)
	return s.enqueuePCM(pcm)
}

func (s *Scheduler) enqueuePCM(pcm []byte) (Placement, error) {
	samples, err := audio.DecodePCM16(pcm)
	if err != nil {
		var derr *audio.DecodeError
		if !errors.As(err, &derr) {
			derr = &audio.DecodeError{Reason: "pcm16", Err: err}
		}
		return Placement{}, s.rejectDecode(derr)
	}
	return s.Schedule(audio.DecodedBuffer{Samples: samples, SampleRate: s.rate})
}

func (s *Scheduler) rejectDecode(err *audio.DecodeError) error {
	s.diag.Metrics.RecordChunkRejected(context.Background(), "decode")
	s.warn.Log("dropping undecodable chunk", "err", err)
	return err
}

// Schedule places buf at max(cursor, now) and advances the cursor to the
// buffer's end. A buffer at another rate is resampled to the scheduler's rate
// first. A zero-sample buffer is not submitted to the device; it only brings
// a stale cursor up to the present.
func (s *Scheduler) Schedule(buf audio.DecodedBuffer) (Placement, error) {
	ctx := context.Background()
	if buf.SampleRate == 0 {
		buf.SampleRate = s.rate
	}
	if buf.SampleRate != s.rate {
		buf = audio.DecodedBuffer{
			Samples:    audio.ResampleLinear(buf.Samples, buf.SampleRate, s.rate),
			SampleRate: s.rate,
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		s.diag.Metrics.RecordChunkRejected(ctx, "closed")
		return Placement{}, ErrClosed
	}

	// Rounded up: a start between two samples would otherwise land in the past.
	now := audio.DurationToSamplesCeil(s.speaker.Now(), s.rate)
	start := max(s.cursor, now)
	n := int64(len(buf.Samples))

	p := Placement{
		Start: s.toDuration(start),
		End:   s.toDuration(start + n),
	}

	if n == 0 {
		s.cursor = start
		return p, nil
	}

	lookahead := start - now
	if s.maxLookahead > 0 && s.toDuration(lookahead) > s.maxLookahead {
		s.diag.Metrics.RecordChunkRejected(ctx, "lookahead")
		s.warn.Log("dropping chunk beyond look-ahead limit",
			"lookahead", s.toDuration(lookahead), "max", s.maxLookahead)
		return Placement{}, ErrLookaheadExceeded
	}

	if err := s.speaker.Schedule(buf, p.Start); err != nil {
		s.diag.Metrics.RecordChunkRejected(ctx, "device")
		s.warn.Log("output device rejected buffer", "err", err)
		return Placement{}, fmt.Errorf("playback: schedule: %w", err)
	}

	if s.placed && now > s.cursor {
		p.Gap = s.toDuration(now - s.cursor)
		s.diag.Metrics.PlaybackGap.Record(ctx, p.Gap.Seconds())
	}
	s.cursor = start + n
	s.placed = true

	s.diag.Metrics.ChunksScheduled.Add(ctx, 1)
	s.diag.Metrics.PlaybackLookahead.Record(ctx, s.toDuration(lookahead).Seconds())
	return p, nil
}

// Cursor returns the device-clock time at which the next buffer would start
// if the clock had not yet reached it.
func (s *Scheduler) Cursor() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.toDuration(s.cursor)
}

// Close discards every buffer that has not started, stops and closes the
// speaker, and rejects later buffers with [ErrClosed]. Idempotent.
func (s *Scheduler) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	var errs []error
	if err := s.speaker.Stop(); err != nil {
		errs = append(errs, fmt.Errorf("playback: stop speaker: %w", err))
	}
	if err := s.speaker.Close(); err != nil {
		errs = append(errs, fmt.Errorf("playback: close speaker: %w", err))
	}
	return errors.Join(errs...)
}

func (s *Scheduler) toDuration(samples int64) time.Duration {
	return audio.SamplesToDuration(int(samples), s.rate)
}
