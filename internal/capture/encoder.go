// Package capture turns microphone frames into PCM16 chunks for transmission.
//
// [Encoder.Process] is meant to be installed directly as the microphone's
// frame handler. It runs synchronously on the capture callback, keeps no
// state between frames and never blocks: the encoded chunk is offered to a
// [Sink] that either accepts it or drops it.
package capture

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/MrWong99/duplexvoice/internal/observe"
	"github.com/MrWong99/duplexvoice/pkg/audio"
)

// ErrInvalidFrame is returned by [Encoder.Encode] for frames that carry no
// usable format information.
var ErrInvalidFrame = errors.New("capture: invalid frame")

// Sink receives encoded chunks. Offer must not block; it returns false when
// the chunk was dropped.
type Sink interface {
	Offer(chunk audio.EncodedChunk) bool
}

// SinkFunc adapts a function to the [Sink] interface.
type SinkFunc func(audio.EncodedChunk) bool

// Offer calls f(chunk).
func (f SinkFunc) Offer(chunk audio.EncodedChunk) bool { return f(chunk) }

// Option is a functional option for configuring an Encoder.
type Option func(*Encoder)

// WithDiagnostics sets the diagnostics sink. Defaults to [observe.Discard].
func WithDiagnostics(d observe.Diagnostics) Option {
	return func(e *Encoder) { e.diag = d }
}

// Stats is a snapshot of an Encoder's counters.
type Stats struct {
	Encoded int64
	Dropped int64
	Failed  int64
}

// Encoder converts [audio.AudioFrame] values into mono PCM16 chunks at a fixed
// output rate.
type Encoder struct {
	sink Sink
	rate int
	mime string
	diag observe.Diagnostics
	warn *observe.Sometimes

	encoded atomic.Int64
	dropped atomic.Int64
	failed  atomic.Int64
}

// NewEncoder returns an Encoder producing chunks at rate Hz into sink.
func NewEncoder(sink Sink, rate int, opts ...Option) *Encoder {
	e := &Encoder{
		sink: sink,
		rate: rate,
		mime: audio.PCMMIMEType(rate),
		diag: observe.Discard(),
	}
	for _, o := range opts {
		o(e)
	}
	e.diag = e.diag.With(slog.String("component", "capture"))
	e.warn = observe.NewSometimes(e.diag.Logger, slog.LevelWarn, 5*time.Second)
	return e
}

// Encode converts one frame into a chunk: channel 0 only, resampled to the
// output rate when the source differs, quantised to PCM16.
func (e *Encoder) Encode(frame audio.AudioFrame) (audio.EncodedChunk, error) {
	if frame.Channels <= 0 {
		return audio.EncodedChunk{}, fmt.Errorf("%w: %d channels", ErrInvalidFrame, frame.Channels)
	}
	if frame.SampleRate <= 0 {
		return audio.EncodedChunk{}, fmt.Errorf("%w: sample rate %d", ErrInvalidFrame, frame.SampleRate)
	}
	if len(frame.Samples)%frame.Channels != 0 {
		return audio.EncodedChunk{}, fmt.Errorf("%w: %d samples not divisible by %d channels",
			ErrInvalidFrame, len(frame.Samples), frame.Channels)
	}

	mono := audio.Channel0(frame)
	if frame.SampleRate != e.rate {
		mono = audio.ResampleLinear(mono, frame.SampleRate, e.rate)
	}
	return audio.EncodedChunk{Data: audio.EncodePCM16(mono), MIMEType: e.mime}, nil
}

// Process encodes frame and offers it to the sink. Failures are logged at a
// limited rate and counted; the next frame is processed independently.
func (e *Encoder) Process(frame audio.AudioFrame) {
	ctx := context.Background()
	chunk, err := e.Encode(frame)
	if err != nil {
		e.failed.Add(1)
		e.diag.Metrics.RecordCaptureDrop(ctx, "encode")
		e.warn.Log("capture frame could not be encoded", "err", err)
		return
	}
	e.encoded.Add(1)
	e.diag.Metrics.CaptureFrames.Add(ctx, 1)
	if !e.sink.Offer(chunk) {
		e.dropped.Add(1)
	}
}

// Stats returns the encoder's counters.
func (e *Encoder) Stats() Stats {
	return Stats{
		Encoded: e.encoded.Load(),
		Dropped: e.dropped.Load(),
		Failed:  e.failed.Load(),
	}
}
