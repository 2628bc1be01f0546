package audio

import (
	"encoding/binary"
	"fmt"
	"math"
)

// pcmScale maps normalised float samples onto the int16 range.
const pcmScale = 32768.0

// EncodePCM16 quantises normalised float samples to little-endian int16 PCM
// using round(s * 32768).
//
// No clamping is performed. Callers must keep samples within [-1, 1]; values
// outside that range wrap around (1.0 itself maps to 32768, which wraps to
// -32768).
func EncodePCM16(samples []float32) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		v := int16(int64(math.Round(float64(s) * pcmScale)))
		binary.LittleEndian.PutUint16(out[i*2:], uint16(v))
	}
	return out
}

// DecodePCM16 converts little-endian int16 PCM to float samples via v / 32768.
// An odd byte count cannot be PCM16 and yields a [*DecodeError].
func DecodePCM16(pcm []byte) ([]float32, error) {
	if len(pcm)%2 != 0 {
		return nil, &DecodeError{Reason: fmt.Sprintf("odd byte count %d in PCM16 data", len(pcm))}
	}
	out := make([]float32, len(pcm)/2)
	for i := range out {
		v := int16(binary.LittleEndian.Uint16(pcm[i*2:]))
		out[i] = float32(float64(v) / pcmScale)
	}
	return out, nil
}

// Channel0 returns the channel-0 samples of an interleaved frame. Mono frames
// are returned without copying. This is a selection policy, not a down-mix:
// other channels are discarded.
func Channel0(frame AudioFrame) []float32 {
	if frame.Channels <= 1 {
		return frame.Samples
	}
	n := len(frame.Samples) / frame.Channels
	out := make([]float32, n)
	for i := range n {
		out[i] = frame.Samples[i*frame.Channels]
	}
	return out
}

// ResampleLinear resamples mono float samples from srcRate to dstRate using
// linear interpolation. If the rates match or are invalid, the input is
// returned unchanged. The output always holds len*dstRate/srcRate samples,
// rounded down, so a one-sample input can grow to several or vanish.
func ResampleLinear(samples []float32, srcRate, dstRate int) []float32 {
	if srcRate <= 0 || dstRate <= 0 || srcRate == dstRate {
		return samples
	}
	srcN := len(samples)
	dstN := int(int64(srcN) * int64(dstRate) / int64(srcRate))
	if dstN == 0 {
		return nil
	}

	out := make([]float32, dstN)
	ratio := float64(srcRate) / float64(dstRate)

	for i := range dstN {
		srcPos := float64(i) * ratio
		srcIdx := int(srcPos)
		frac := srcPos - float64(srcIdx)

		s0 := samples[srcIdx]
		s1 := s0
		if srcIdx+1 < srcN {
			s1 = samples[srcIdx+1]
		}
		out[i] = float32(float64(s0)*(1-frac) + float64(s1)*frac)
	}
	return out
}
