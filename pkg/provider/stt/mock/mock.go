// Package mock provides test doubles for the stt package interfaces.
//
// Use Provider to verify that the caller starts sessions with the expected
// StreamConfig. Use Session to feed controlled Transcript values and inspect
// which audio chunks were delivered.
//
// Example:
//
//	sess := mock.NewSession()
//	p := &mock.Provider{Session: sess}
//	handle, _ := p.StartStream(ctx, cfg)
//	sess.EmitFinal("check my balance")
package mock

import (
	"context"
	"errors"
	"sync"

	"github.com/MrWong99/vaani/pkg/provider/stt"
)

// ErrClosed is returned by Session.SendAudio after Close.
var ErrClosed = errors.New("mock: session closed")

// StartStreamCall records a single invocation of Provider.StartStream.
type StartStreamCall struct {
	// Cfg is the StreamConfig passed to StartStream.
	Cfg stt.StreamConfig
}

// Provider is a mock implementation of stt.Provider.
type Provider struct {
	mu sync.Mutex

	// Session is the handle returned by StartStream. If nil, every call
	// returns a fresh Session; the latest one is available via Last.
	Session *Session

	// StartStreamErr, if non-nil, is returned as the error from StartStream.
	StartStreamErr error

	// StartStreamCalls records every call to StartStream.
	StartStreamCalls []StartStreamCall

	last *Session
}

// StartStream records the call and returns Session, StartStreamErr.
func (p *Provider) StartStream(_ context.Context, cfg stt.StreamConfig) (stt.SessionHandle, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.StartStreamCalls = append(p.StartStreamCalls, StartStreamCall{Cfg: cfg})
	if p.StartStreamErr != nil {
		return nil, p.StartStreamErr
	}
	if p.Session != nil {
		p.last = p.Session
		return p.Session, nil
	}
	p.last = NewSession()
	return p.last, nil
}

// Last returns the session handed out by the most recent StartStream call.
func (p *Provider) Last() *Session {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.last
}

// Calls returns the number of StartStream calls. Thread-safe.
func (p *Provider) Calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.StartStreamCalls)
}

var _ stt.Provider = (*Provider)(nil)

// Session is a mock implementation of stt.SessionHandle. It owns its
// channels and closes them on the first Close.
type Session struct {
	mu sync.Mutex

	partials chan stt.Transcript
	finals   chan stt.Transcript
	closed   bool

	// SendAudioErr, if non-nil, is returned by every SendAudio call.
	SendAudioErr error

	// OnClose, if set, runs inside Close before the channels are closed. Use
	// it to emit a trailing final the way a real provider flushes.
	OnClose func(s *Session)

	chunks     [][]byte
	closeCalls int
}

// NewSession returns a Session with buffered channels.
func NewSession() *Session {
	return &Session{
		partials: make(chan stt.Transcript, 16),
		finals:   make(chan stt.Transcript, 16),
	}
}

// SendAudio records a copy of chunk.
func (s *Session) SendAudio(chunk []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if s.SendAudioErr != nil {
		return s.SendAudioErr
	}
	s.chunks = append(s.chunks, append([]byte(nil), chunk...))
	return nil
}

// Partials returns the partial transcript channel.
func (s *Session) Partials() <-chan stt.Transcript { return s.partials }

// Finals returns the final transcript channel.
func (s *Session) Finals() <-chan stt.Transcript { return s.finals }

// EmitPartial sends an interim transcript. It is a no-op after Close.
func (s *Session) EmitPartial(text string) {
	s.emit(s.partials, stt.Transcript{Text: text})
}

// EmitFinal sends a committed transcript. It is a no-op after Close.
func (s *Session) EmitFinal(text string) {
	s.emit(s.finals, stt.Transcript{Text: text, IsFinal: true})
}

func (s *Session) emit(ch chan stt.Transcript, t stt.Transcript) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	ch <- t
}

// Close closes both channels once and counts every call.
func (s *Session) Close() error {
	s.mu.Lock()
	s.closeCalls++
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	hook := s.OnClose
	s.mu.Unlock()

	if hook != nil {
		hook(s)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	close(s.partials)
	close(s.finals)
	return nil
}

// Chunks returns copies of every chunk passed to SendAudio.
func (s *Session) Chunks() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([][]byte(nil), s.chunks...)
}

// CloseCalls returns how often Close was called.
func (s *Session) CloseCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closeCalls
}

// Closed reports whether Close has been called.
func (s *Session) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

var _ stt.SessionHandle = (*Session)(nil)
