// Package tts defines the Provider interface for Text-to-Speech backends.
//
// A provider accepts a channel of text fragments and returns a channel of raw
// PCM16 audio as it becomes available, so the assistant's reply can start
// playing before the whole sentence is synthesised.
//
// Implementations must be safe for concurrent use.
package tts

import "context"

// Provider is the abstraction over any TTS backend.
type Provider interface {
	// SynthesizeStream consumes text fragments and returns a channel of PCM16
	// chunks. The audio channel is closed when all text has been synthesised
	// or ctx is cancelled; callers must drain it.
	//
	// Returns a non-nil error only if the stream cannot be started.
	SynthesizeStream(ctx context.Context, text <-chan string, voice VoiceProfile) (<-chan []byte, error)
}
