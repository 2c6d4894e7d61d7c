package tts

// VoiceProfile selects a synthesis voice.
type VoiceProfile struct {
	// ID is the provider-specific voice identifier.
	ID string

	// Language is the BCP-47 tag the voice speaks (e.g. "hi-IN").
	Language string

	// SpeedFactor adjusts speaking rate (0.5–2.0). Zero means the provider
	// default.
	SpeedFactor float64
}
