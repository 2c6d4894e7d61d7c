package stt

import "time"

// Transcript is a recognition result. Partial and final results share the
// type.
type Transcript struct {
	Text string

	// IsFinal reports whether the provider has committed to this result.
	IsFinal bool

	// Confidence is between 0 and 1. Zero when the provider does not report
	// one.
	Confidence float64

	// Words carries per-word timing when the provider supplies it.
	Words []WordDetail

	// Language is the tag the provider recognised, when reported.
	Language string
}

// WordDetail holds per-word metadata.
type WordDetail struct {
	Word       string
	Start      time.Duration
	End        time.Duration
	Confidence float64
}

// KeywordBoost is a recognition hint.
type KeywordBoost struct {
	// Keyword is the text to boost (e.g. a payee name like "Sharmila").
	Keyword string

	// Boost is the provider-specific intensity.
	Boost float64
}
