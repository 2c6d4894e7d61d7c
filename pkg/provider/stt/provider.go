// Package stt defines the Provider interface for Speech-to-Text backends.
//
// A provider wraps a streaming transcription service and exposes it as a
// [SessionHandle]: once opened, a session accepts raw PCM16 frames and emits
// low-latency partials for the live caption and authoritative finals that the
// speech controller turns into a user utterance.
package stt

import "context"

// StreamConfig describes the audio format and recognition hints for a new
// session.
type StreamConfig struct {
	// SampleRate is the audio sample rate in Hz.
	SampleRate int

	// Channels is the number of interleaved channels. Capture audio is
	// downmixed before it reaches the provider, so this is normally 1.
	Channels int

	// Language is the BCP-47 tag of the conversation language (e.g. "hi-IN").
	// Providers map it to whatever their API expects.
	Language string

	// Keywords biases recognition toward uncommon words such as the user's
	// saved beneficiary names.
	Keywords []KeywordBoost
}

// SessionHandle represents an open streaming session.
//
// Callers must call Close when the session is no longer needed. All methods
// must be safe for concurrent use.
type SessionHandle interface {
	// SendAudio delivers a chunk of PCM16 audio. Calling SendAudio after
	// Close returns an error.
	SendAudio(chunk []byte) error

	// Partials emits interim transcripts. Closed when the session ends.
	Partials() <-chan Transcript

	// Finals emits committed transcripts. Closed when the session ends.
	Finals() <-chan Transcript

	// Close flushes pending audio and releases the connection. Calling Close
	// more than once is safe and returns nil.
	Close() error
}

// Provider is the abstraction over any STT backend.
type Provider interface {
	// StartStream opens a new streaming session. The caller owns the returned
	// handle and must Close it.
	StartStream(ctx context.Context, cfg StreamConfig) (SessionHandle, error)
}
