package opus

import (
	"math"
	"testing"

	"layeh.com/gopus"

	"github.com/MrWong99/vaani/pkg/audio"
)

// sine returns n samples of a 440 Hz tone at rate.
func sine(n, rate int) []int16 {
	pcm := make([]int16, n)
	for i := range pcm {
		pcm[i] = int16(8000 * math.Sin(2*math.Pi*440*float64(i)/float64(rate)))
	}
	return pcm
}

func TestDecoder_RoundTrip(t *testing.T) {
	t.Parallel()
	const (
		rate      = 16000
		frameSize = rate / 50 // 20 ms
	)
	enc, err := gopus.NewEncoder(rate, 1, gopus.Voip)
	if err != nil {
		t.Fatalf("NewEncoder: %v", err)
	}
	dec, err := NewDecoder(audio.Format{SampleRate: rate, Channels: 1})
	if err != nil {
		t.Fatalf("NewDecoder: %v", err)
	}

	pcm := sine(frameSize, rate)
	var peak float32
	// The first frames carry encoder lookahead; check energy over several.
	for range 5 {
		packet, err := enc.Encode(pcm, frameSize, 4000)
		if err != nil {
			t.Fatalf("Encode: %v", err)
		}
		out, err := dec.Decode(packet)
		if err != nil {
			t.Fatalf("Decode: %v", err)
		}
		if len(out) != frameSize {
			t.Fatalf("decoded %d samples, want %d", len(out), frameSize)
		}
		for _, s := range out {
			if s < -1 || s > 1 {
				t.Fatalf("sample %f outside [-1, 1]", s)
			}
			peak = max(peak, float32(math.Abs(float64(s))))
		}
	}
	if peak < 0.05 {
		t.Errorf("peak = %f, tone lost in round trip", peak)
	}
}

func TestNewDecoder_InvalidFormat(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		f    audio.Format
	}{
		{"zero rate", audio.Format{SampleRate: 0, Channels: 1}},
		{"zero channels", audio.Format{SampleRate: 16000, Channels: 0}},
		{"unsupported rate", audio.Format{SampleRate: 44100, Channels: 1}},
		{"too many channels", audio.Format{SampleRate: 48000, Channels: 6}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if _, err := NewDecoder(tt.f); err == nil {
				t.Errorf("NewDecoder(%+v) succeeded", tt.f)
			}
		})
	}
}

func TestDecoderFor(t *testing.T) {
	t.Parallel()
	f := audio.Format{SampleRate: 48000, Channels: 2}

	d, err := DecoderFor(Codec, f)
	if err != nil {
		t.Fatalf("DecoderFor(opus): %v", err)
	}
	if _, ok := d.(*Decoder); !ok {
		t.Errorf("DecoderFor(opus) = %T, want *Decoder", d)
	}

	d, err = DecoderFor(audio.CodecPCM16LE, f)
	if err != nil {
		t.Fatalf("DecoderFor(s16le): %v", err)
	}
	out, err := d.Decode([]byte{0x00, 0x40})
	if err != nil || len(out) != 1 || out[0] != 0.5 {
		t.Errorf("s16le decode = %v, %v", out, err)
	}

	if _, err := DecoderFor("mp3", f); err == nil {
		t.Error("DecoderFor(mp3) succeeded")
	}
	if _, err := DecoderFor(Codec, audio.Format{}); err == nil {
		t.Error("DecoderFor(opus) accepted an empty format")
	}
}
