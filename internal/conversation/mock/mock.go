// Package mock provides test doubles for the conversation package's
// collaborators.
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/vaani/internal/conversation"
	"github.com/MrWong99/vaani/internal/recipient"
	"github.com/MrWong99/vaani/pkg/fault"
)

// Log is an ordered record of side effects shared between doubles so tests
// can assert on cross-collaborator ordering.
type Log struct {
	mu      sync.Mutex
	entries []string
}

// Add appends an entry.
func (l *Log) Add(entry string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = append(l.entries, entry)
}

// Entries returns a copy of the recorded entries.
func (l *Log) Entries() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.entries...)
}

// Speech records StopListening and StopSpeaking calls.
type Speech struct {
	Log *Log

	mu          sync.Mutex
	stopListen  []bool
	stopSpeakCt int
}

var _ conversation.Speech = (*Speech)(nil)

// StopListening records the call.
func (s *Speech) StopListening(discard bool) {
	s.mu.Lock()
	s.stopListen = append(s.stopListen, discard)
	s.mu.Unlock()
	if s.Log != nil {
		s.Log.Add("stop-listening")
	}
}

// StopSpeaking records the call.
func (s *Speech) StopSpeaking() {
	s.mu.Lock()
	s.stopSpeakCt++
	s.mu.Unlock()
	if s.Log != nil {
		s.Log.Add("stop-speaking")
	}
}

// StopListeningCalls returns the discard flag of every StopListening call.
func (s *Speech) StopListeningCalls() []bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]bool(nil), s.stopListen...)
}

// StopSpeakingCalls returns how many times StopSpeaking was called.
func (s *Speech) StopSpeakingCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopSpeakCt
}

// VerifyCall records a single VerifyPIN invocation.
type VerifyCall struct {
	Token   string
	Payment conversation.Payment
	PIN     string
}

// Payments is a scripted [conversation.Payments].
type Payments struct {
	// Outcome and Err are returned by VerifyPIN.
	Outcome conversation.Outcome
	Err     error

	// Hold, when non-nil, blocks VerifyPIN until it is closed or the
	// context ends.
	Hold chan struct{}

	// Started, when non-nil, receives one value per call before any
	// blocking on Hold.
	Started chan struct{}

	mu    sync.Mutex
	calls []VerifyCall
}

var _ conversation.Payments = (*Payments)(nil)

// VerifyPIN implements [conversation.Payments].
func (p *Payments) VerifyPIN(ctx context.Context, token string, pay conversation.Payment, pin string) (conversation.Outcome, error) {
	p.mu.Lock()
	p.calls = append(p.calls, VerifyCall{Token: token, Payment: pay, PIN: pin})
	out, err, hold, started := p.Outcome, p.Err, p.Hold, p.Started
	p.mu.Unlock()

	if started != nil {
		started <- struct{}{}
	}
	if hold != nil {
		select {
		case <-hold:
		case <-ctx.Done():
			return conversation.Outcome{}, ctx.Err()
		}
	}
	return out, err
}

// SetResult changes what later calls return.
func (p *Payments) SetResult(out conversation.Outcome, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Outcome, p.Err = out, err
}

// Calls returns a copy of the recorded calls.
func (p *Payments) Calls() []VerifyCall {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]VerifyCall(nil), p.calls...)
}

// Resolver is a map-backed [conversation.Resolver].
type Resolver struct {
	// Matches maps a selector to its beneficiary.
	Matches map[string]recipient.Beneficiary

	// Err, when set, is returned for every selector.
	Err error

	mu    sync.Mutex
	calls []string
}

var _ conversation.Resolver = (*Resolver)(nil)

// Resolve implements [conversation.Resolver].
func (r *Resolver) Resolve(_ context.Context, _, selector string) (recipient.Match, error) {
	r.mu.Lock()
	r.calls = append(r.calls, selector)
	r.mu.Unlock()
	if r.Err != nil {
		return recipient.Match{}, r.Err
	}
	if recipient.IsUPIAddress(selector) {
		return recipient.Match{Beneficiary: recipient.Beneficiary{UPIAddress: selector}, Score: 1}, nil
	}
	b, ok := r.Matches[selector]
	if !ok {
		return recipient.Match{}, fault.ErrUnknownRecipient
	}
	return recipient.Match{Beneficiary: b, Score: 1}, nil
}

// Calls returns the selectors passed to Resolve.
func (r *Resolver) Calls() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.calls...)
}

// Preferences records persisted settings.
type Preferences struct {
	Log *Log
	Err error

	mu        sync.Mutex
	languages []string
	voice     []bool
}

var _ conversation.Preferences = (*Preferences)(nil)

// SetLanguage implements [conversation.Preferences].
func (p *Preferences) SetLanguage(_ context.Context, _, lang string) error {
	p.mu.Lock()
	p.languages = append(p.languages, lang)
	p.mu.Unlock()
	if p.Log != nil {
		p.Log.Add("persist-language:" + lang)
	}
	return p.Err
}

// SetVoiceMode implements [conversation.Preferences].
func (p *Preferences) SetVoiceMode(_ context.Context, _ string, on bool) error {
	p.mu.Lock()
	p.voice = append(p.voice, on)
	p.mu.Unlock()
	return p.Err
}

// Languages returns the persisted languages in order.
func (p *Preferences) Languages() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.languages...)
}

// VoiceModes returns the persisted voice-mode flags in order.
func (p *Preferences) VoiceModes() []bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]bool(nil), p.voice...)
}
