package audio

import (
	"encoding/binary"
	"fmt"
	"math"
)

// Codec names accepted by [DecoderFor].
const (
	CodecFloat32LE = "f32le"
	CodecPCM16LE   = "s16le"
)

// Float32LE decodes packets of little-endian IEEE-754 float32 samples, the
// native output of browser capture worklets.
var Float32LE Decoder = DecoderFunc(func(packet []byte) ([]float32, error) {
	if len(packet)%4 != 0 {
		return nil, fmt.Errorf("audio: f32le packet length %d is not a multiple of 4", len(packet))
	}
	out := make([]float32, len(packet)/4)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(packet[i*4:]))
	}
	return out, nil
})

// PCM16LE decodes packets of little-endian signed 16-bit samples.
var PCM16LE Decoder = DecoderFunc(func(packet []byte) ([]float32, error) {
	if len(packet)%2 != 0 {
		return nil, fmt.Errorf("audio: s16le packet length %d is odd", len(packet))
	}
	out := make([]float32, len(packet)/2)
	for i := range out {
		out[i] = float32(int16(binary.LittleEndian.Uint16(packet[i*2:]))) / 32768
	}
	return out, nil
})

// DecoderFor returns the stateless decoder for a raw PCM codec name.
// Compressed codecs live in their own packages (see audio/opus).
func DecoderFor(codec string) (Decoder, error) {
	switch codec {
	case CodecFloat32LE, "":
		return Float32LE, nil
	case CodecPCM16LE:
		return PCM16LE, nil
	}
	return nil, fmt.Errorf("audio: unsupported codec %q", codec)
}
