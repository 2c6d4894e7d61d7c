// Package audio turns raw capture streams into the mono 16-bit PCM voice
// samples exchanged with the banking backend.
//
// The pipeline is:
//
//   - a [Source] opens a [Stream] on a capture device,
//   - a [Decoder] turns stream packets into interleaved float frames,
//   - [Downmix] averages channels and [Quantize] maps floats to int16,
//   - [Sample.WAV] wraps the PCM in a 44-byte RIFF/WAVE container.
//
// [EncodeFloat] is a pure function of its input: identical frames, channel
// count and sample rate always yield a byte-identical container.
//
// This package lives under pkg/ because capture adapters for other platforms
// are expected to implement [Source] and [Stream].
package audio

import (
	"encoding/binary"
	"fmt"
	"time"

	"github.com/MrWong99/vaani/pkg/fault"
)

// BytesPerSample is the width of one encoded PCM16 sample.
const BytesPerSample = 2

// Sample is an encoded mono PCM16 voice sample. It is immutable: accessors
// return copies.
//
// Invariant: len(pcm) == Frames()*BytesPerSample and
// Duration() == Frames()/SampleRate().
type Sample struct {
	pcm        []byte
	sampleRate int
}

// NewSample wraps little-endian PCM16 mono bytes. The slice is copied.
func NewSample(pcm []byte, sampleRate int) (Sample, error) {
	if sampleRate <= 0 {
		return Sample{}, fault.Wrap(fault.ErrDecodeFailed, fmt.Errorf("sample rate must be positive, got %d", sampleRate))
	}
	if len(pcm)%BytesPerSample != 0 {
		return Sample{}, fault.Wrap(fault.ErrDecodeFailed, fmt.Errorf("odd PCM16 byte count %d", len(pcm)))
	}
	cp := make([]byte, len(pcm))
	copy(cp, pcm)
	return Sample{pcm: cp, sampleRate: sampleRate}, nil
}

// SampleRate returns the sample rate in Hz, inherited from the capture
// device.
func (s Sample) SampleRate() int { return s.sampleRate }

// Frames returns the number of mono samples.
func (s Sample) Frames() int { return len(s.pcm) / BytesPerSample }

// Duration returns the playback length of the sample.
func (s Sample) Duration() time.Duration {
	if s.sampleRate == 0 {
		return 0
	}
	return time.Duration(s.Frames()) * time.Second / time.Duration(s.sampleRate)
}

// IsZero reports whether s holds no audio.
func (s Sample) IsZero() bool { return len(s.pcm) == 0 }

// PCM returns a copy of the little-endian PCM16 payload.
func (s Sample) PCM() []byte {
	cp := make([]byte, len(s.pcm))
	copy(cp, s.pcm)
	return cp
}

// Int16s returns the payload as signed samples.
func (s Sample) Int16s() []int16 {
	out := make([]int16, s.Frames())
	for i := range out {
		out[i] = int16(binary.LittleEndian.Uint16(s.pcm[i*2:]))
	}
	return out
}

// WAV returns the sample wrapped in a 44-byte RIFF/WAVE container.
func (s Sample) WAV() []byte {
	return encodeWAV(s.pcm, s.sampleRate)
}

// String implements fmt.Stringer for log output.
func (s Sample) String() string {
	return fmt.Sprintf("Sample(%dHz, %s, %d bytes)", s.sampleRate, s.Duration(), len(s.pcm))
}
