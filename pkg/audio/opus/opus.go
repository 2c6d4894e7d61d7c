// Package opus provides an [audio.Decoder] for Opus-compressed capture
// streams, as produced by mobile clients and the WebRTC/MediaRecorder path in
// browsers.
package opus

import (
	"fmt"

	"layeh.com/gopus"

	"github.com/MrWong99/vaani/pkg/audio"
)

// Codec is the codec name clients send for Opus streams.
const Codec = "opus"

// maxFrameMs is the longest Opus frame duration.
const maxFrameMs = 120

// Decoder decodes Opus packets to interleaved float frames. Each stream needs
// its own Decoder; it keeps state across consecutive packets.
type Decoder struct {
	dec       *gopus.Decoder
	frameSize int
}

var _ audio.Decoder = (*Decoder)(nil)

// NewDecoder creates a decoder for the stream format f. Opus supports
// 8, 12, 16, 24 and 48 kHz with one or two channels.
func NewDecoder(f audio.Format) (*Decoder, error) {
	if err := f.Validate(); err != nil {
		return nil, fmt.Errorf("opus: %w", err)
	}
	dec, err := gopus.NewDecoder(f.SampleRate, f.Channels)
	if err != nil {
		return nil, fmt.Errorf("opus: create decoder: %w", err)
	}
	return &Decoder{
		dec:       dec,
		frameSize: f.SampleRate * maxFrameMs / 1000,
	}, nil
}

// Decode implements [audio.Decoder].
func (d *Decoder) Decode(packet []byte) ([]float32, error) {
	pcm, err := d.dec.Decode(packet, d.frameSize, false)
	if err != nil {
		return nil, fmt.Errorf("opus: decode: %w", err)
	}
	out := make([]float32, len(pcm))
	for i, s := range pcm {
		out[i] = float32(s) / 32768
	}
	return out, nil
}

// DecoderFor returns a decoder for codec, handling Opus here and delegating
// raw PCM codecs to [audio.DecoderFor].
func DecoderFor(codec string, f audio.Format) (audio.Decoder, error) {
	if codec == Codec {
		return NewDecoder(f)
	}
	return audio.DecoderFor(codec)
}
