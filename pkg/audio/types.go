package audio

import (
	"fmt"
	"time"
)

// Reference stream formats for the Gemini Live audio path. Capture and
// playback run on independent clocks at different rates; the two are never
// mixed onto a single rate.
const (
	// CaptureSampleRate is the rate of microphone audio sent to the model.
	CaptureSampleRate = 16000

	// PlaybackSampleRate is the rate of synthesised audio returned by the model.
	PlaybackSampleRate = 24000

	// DefaultFrameSize is the number of samples delivered per capture callback.
	DefaultFrameSize = 4096
)

// AudioFrame is one capture callback's worth of normalised float samples in
// the range [-1.0, 1.0]. Multi-channel frames are interleaved.
//
// A frame is only valid for the duration of the callback that produced it;
// consumers must copy anything they want to keep.
type AudioFrame struct {
	// Samples holds interleaved float samples.
	Samples []float32

	// SampleRate in Hz (e.g., 16000 for capture, 48000 for many sound cards).
	SampleRate int

	// Channels: 1 for mono, 2 for stereo, and so on.
	Channels int

	// Timestamp marks when this frame was captured, relative to stream start.
	Timestamp time.Duration
}

// SampleCount returns the number of samples per channel in the frame.
func (f AudioFrame) SampleCount() int {
	if f.Channels <= 0 {
		return 0
	}
	return len(f.Samples) / f.Channels
}

// EncodedChunk is an immutable PCM16 little-endian mono payload ready for
// transmission, tagged with its MIME descriptor.
type EncodedChunk struct {
	// Data is raw little-endian int16 PCM.
	Data []byte

	// MIMEType describes Data, e.g. "audio/pcm;rate=16000".
	MIMEType string
}

// DecodedBuffer is a fully materialised mono float buffer at the synthesis
// sample rate. Once handed to a [Speaker] it must be treated as read-only.
type DecodedBuffer struct {
	Samples    []float32
	SampleRate int
}

// Duration returns the playback length of the buffer. A buffer with no
// samples or an invalid rate has zero duration.
func (b DecodedBuffer) Duration() time.Duration {
	return SamplesToDuration(len(b.Samples), b.SampleRate)
}

// Format describes the sample rate and channel count of an audio stream.
type Format struct {
	SampleRate int
	Channels   int
}

// String returns a human-readable form such as "16000Hz mono".
func (f Format) String() string {
	return formatString(f.SampleRate, f.Channels)
}

// PCMMIMEType returns the MIME descriptor for mono PCM16 at rate.
func PCMMIMEType(rate int) string {
	return fmt.Sprintf("audio/pcm;rate=%d", rate)
}

// SamplesToDuration converts a per-channel sample count to a duration at rate.
func SamplesToDuration(samples, rate int) time.Duration {
	if rate <= 0 || samples <= 0 {
		return 0
	}
	return time.Duration(int64(samples) * int64(time.Second) / int64(rate))
}

// DurationToSamples converts d to a sample count at rate, rounding to the
// nearest sample so that it inverts [SamplesToDuration] exactly.
func DurationToSamples(d time.Duration, rate int) int64 {
	if rate <= 0 || d <= 0 {
		return 0
	}
	return (int64(d)*int64(rate) + int64(time.Second)/2) / int64(time.Second)
}

// DurationToSamplesCeil is [DurationToSamples] rounding up, so the returned
// sample position never lies before d.
func DurationToSamplesCeil(d time.Duration, rate int) int64 {
	if rate <= 0 || d <= 0 {
		return 0
	}
	return (int64(d)*int64(rate) + int64(time.Second) - 1) / int64(time.Second)
}

// formatString returns a human-readable string for a sample rate and channel count,
// e.g. "48000Hz stereo".
func formatString(rate, channels int) string {
	ch := "mono"
	if channels == 2 {
		ch = "stereo"
	} else if channels > 2 {
		ch = fmt.Sprintf("%dch", channels)
	}
	return fmt.Sprintf("%dHz %s", rate, ch)
}
