package audio

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/MrWong99/vaani/pkg/fault"
)

// WAVHeaderSize is the size of the canonical PCM RIFF/WAVE header.
const WAVHeaderSize = 44

// wavHeader is the canonical 44-byte PCM header, written field by field in
// little-endian order.
type wavHeader struct {
	ChunkID       [4]byte // "RIFF"
	ChunkSize     uint32  // 36 + data size
	Format        [4]byte // "WAVE"
	Subchunk1ID   [4]byte // "fmt "
	Subchunk1Size uint32  // 16 for PCM
	AudioFormat   uint16  // 1 for PCM
	NumChannels   uint16
	SampleRate    uint32
	ByteRate      uint32 // SampleRate * BlockAlign
	BlockAlign    uint16 // NumChannels * BitsPerSample / 8
	BitsPerSample uint16
	Subchunk2ID   [4]byte // "data"
	Subchunk2Size uint32
}

func encodeWAV(pcm []byte, sampleRate int) []byte {
	const channels = 1
	const bits = 16
	h := wavHeader{
		ChunkID:       [4]byte{'R', 'I', 'F', 'F'},
		ChunkSize:     uint32(36 + len(pcm)),
		Format:        [4]byte{'W', 'A', 'V', 'E'},
		Subchunk1ID:   [4]byte{'f', 'm', 't', ' '},
		Subchunk1Size: 16,
		AudioFormat:   1,
		NumChannels:   channels,
		SampleRate:    uint32(sampleRate),
		ByteRate:      uint32(sampleRate) * channels * bits / 8,
		BlockAlign:    channels * bits / 8,
		BitsPerSample: bits,
		Subchunk2ID:   [4]byte{'d', 'a', 't', 'a'},
		Subchunk2Size: uint32(len(pcm)),
	}

	buf := bytes.NewBuffer(make([]byte, 0, WAVHeaderSize+len(pcm)))
	// Writes to a bytes.Buffer of fixed-size fields cannot fail.
	_ = binary.Write(buf, binary.LittleEndian, h)
	buf.Write(pcm)
	return buf.Bytes()
}

// ParseWAV reads a mono PCM16 container produced by [Sample.WAV] (or any
// canonical 44-byte PCM16 mono WAV) back into a [Sample].
func ParseWAV(data []byte) (Sample, error) {
	if len(data) < WAVHeaderSize {
		return Sample{}, fault.Wrap(fault.ErrDecodeFailed, fmt.Errorf("wav: need at least %d bytes, got %d", WAVHeaderSize, len(data)))
	}

	var h wavHeader
	if err := binary.Read(bytes.NewReader(data[:WAVHeaderSize]), binary.LittleEndian, &h); err != nil {
		return Sample{}, fault.Wrap(fault.ErrDecodeFailed, fmt.Errorf("wav: read header: %w", err))
	}

	switch {
	case string(h.ChunkID[:]) != "RIFF":
		return Sample{}, fault.Wrap(fault.ErrDecodeFailed, fmt.Errorf("wav: missing RIFF header"))
	case string(h.Format[:]) != "WAVE":
		return Sample{}, fault.Wrap(fault.ErrDecodeFailed, fmt.Errorf("wav: missing WAVE format"))
	case string(h.Subchunk1ID[:]) != "fmt ":
		return Sample{}, fault.Wrap(fault.ErrDecodeFailed, fmt.Errorf("wav: missing fmt chunk"))
	case string(h.Subchunk2ID[:]) != "data":
		return Sample{}, fault.Wrap(fault.ErrDecodeFailed, fmt.Errorf("wav: missing data chunk"))
	case h.AudioFormat != 1:
		return Sample{}, fault.Wrap(fault.ErrDecodeFailed, fmt.Errorf("wav: unsupported audio format %d", h.AudioFormat))
	case h.BitsPerSample != 16:
		return Sample{}, fault.Wrap(fault.ErrDecodeFailed, fmt.Errorf("wav: unsupported bit depth %d", h.BitsPerSample))
	case h.NumChannels != 1:
		return Sample{}, fault.Wrap(fault.ErrDecodeFailed, fmt.Errorf("wav: unsupported channel count %d", h.NumChannels))
	}

	body := data[WAVHeaderSize:]
	if int(h.Subchunk2Size) > len(body) {
		return Sample{}, fault.Wrap(fault.ErrDecodeFailed, fmt.Errorf("wav: data chunk declares %d bytes, have %d", h.Subchunk2Size, len(body)))
	}
	return NewSample(body[:h.Subchunk2Size], int(h.SampleRate))
}
