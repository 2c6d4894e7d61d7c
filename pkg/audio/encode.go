package audio

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/MrWong99/vaani/pkg/fault"
)

// Downmix averages interleaved frames with the given channel count into a
// mono signal. For channels == 1 the input is returned unchanged.
// A trailing partial frame is dropped.
func Downmix(interleaved []float32, channels int) []float32 {
	if channels <= 1 {
		return interleaved
	}
	frames := len(interleaved) / channels
	mono := make([]float32, frames)
	for i := range frames {
		var sum float64
		for c := range channels {
			sum += float64(interleaved[i*channels+c])
		}
		mono[i] = float32(sum / float64(channels))
	}
	return mono
}

// Quantize maps a float sample to int16. Values are clamped to [-1, 1];
// negative values scale by 32768 and non-negative values by 32767, so both
// -1 and 1 map to the int16 extremes. NaN maps to 0.
func Quantize(s float32) int16 {
	switch {
	case math.IsNaN(float64(s)):
		return 0
	case s <= -1:
		return math.MinInt16
	case s >= 1:
		return math.MaxInt16
	case s < 0:
		return int16(s * 32768)
	default:
		return int16(s * 32767)
	}
}

// EncodePCM16 quantizes mono float samples to little-endian PCM16 bytes.
func EncodePCM16(mono []float32) []byte {
	out := make([]byte, len(mono)*BytesPerSample)
	for i, s := range mono {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(Quantize(s)))
	}
	return out
}

// EncodeFloat downmixes and quantizes interleaved float frames into a
// [Sample]. It is deterministic.
func EncodeFloat(interleaved []float32, channels, sampleRate int) (Sample, error) {
	f := Format{SampleRate: sampleRate, Channels: channels}
	if err := f.Validate(); err != nil {
		return Sample{}, fault.Wrap(fault.ErrDecodeFailed, err)
	}
	if len(interleaved)%channels != 0 {
		return Sample{}, fault.Wrap(fault.ErrDecodeFailed,
			fmt.Errorf("audio: %d samples is not a whole number of %d-channel frames", len(interleaved), channels))
	}
	return Sample{
		pcm:        EncodePCM16(Downmix(interleaved, channels)),
		sampleRate: sampleRate,
	}, nil
}
