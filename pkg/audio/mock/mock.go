// Package mock provides in-memory mock implementations of [audio.Source] and
// [audio.Stream] for use in unit tests.
//
// All mocks are safe for concurrent use. They record calls so tests can
// assert on them, and expose exported fields that control return values.
//
// Typical usage:
//
//	stream := &mock.Stream{
//	    FormatResult: audio.Format{SampleRate: 16000, Channels: 2},
//	    Packets:      [][]byte{pkt1, pkt2},
//	}
//	src := &mock.Source{OpenResult: stream}
package mock

import (
	"context"
	"io"
	"sync"

	"github.com/MrWong99/vaani/pkg/audio"
)

// ─── Stream ───────────────────────────────────────────────────────────────────

// Stream is a mock implementation of [audio.Stream]. It returns Packets in
// order, then ReadError (or io.EOF when nil). When Hold is true the stream
// blocks after the last packet until it is closed, like a live microphone.
type Stream struct {
	mu sync.Mutex

	// FormatResult is returned by [Stream.Format].
	FormatResult audio.Format

	// Packets are returned by successive Read calls.
	Packets [][]byte

	// ReadError is returned once Packets is exhausted. Defaults to io.EOF.
	ReadError error

	// Hold makes Read block after Packets is exhausted until Close is called.
	Hold bool

	// CloseError is returned by [Stream.Close].
	CloseError error

	// CallCountRead records how many times Read was called.
	CallCountRead int

	// CallCountClose records how many times Close was called.
	CallCountClose int

	pos    int
	closed chan struct{}
	once   sync.Once
}

func (s *Stream) closedCh() chan struct{} {
	s.once.Do(func() { s.closed = make(chan struct{}) })
	return s.closed
}

// Format implements [audio.Stream].
func (s *Stream) Format() audio.Format {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.FormatResult
}

// Read implements [audio.Stream].
func (s *Stream) Read(ctx context.Context) ([]byte, error) {
	closed := s.closedCh()

	s.mu.Lock()
	s.CallCountRead++
	if s.pos < len(s.Packets) {
		pkt := s.Packets[s.pos]
		s.pos++
		s.mu.Unlock()
		return pkt, nil
	}
	hold, readErr := s.Hold, s.ReadError
	s.mu.Unlock()

	if hold {
		select {
		case <-closed:
			return nil, io.EOF
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if readErr != nil {
		return nil, readErr
	}
	return nil, io.EOF
}

// Close implements [audio.Stream]. Closing more than once is allowed.
func (s *Stream) Close() error {
	closed := s.closedCh()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.CallCountClose == 0 {
		close(closed)
	}
	s.CallCountClose++
	return s.CloseError
}

// Closed reports whether Close has been called at least once.
func (s *Stream) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.CallCountClose > 0
}

// ─── Source ───────────────────────────────────────────────────────────────────

// Source is a mock implementation of [audio.Source].
type Source struct {
	mu sync.Mutex

	// OpenResult is returned by [Source.Open] when OpenError is nil. When
	// NewStream is set it takes precedence and is called on every Open.
	OpenResult audio.Stream

	// NewStream, if set, builds a fresh stream for each Open call.
	NewStream func() audio.Stream

	// OpenError is returned by [Source.Open].
	OpenError error

	// CallCountOpen records how many times Open was called.
	CallCountOpen int
}

// Open implements [audio.Source].
func (s *Source) Open(_ context.Context) (audio.Stream, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CallCountOpen++
	if s.OpenError != nil {
		return nil, s.OpenError
	}
	if s.NewStream != nil {
		return s.NewStream(), nil
	}
	return s.OpenResult, nil
}

// Opens returns how many times Open was called.
func (s *Source) Opens() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.CallCountOpen
}

var (
	_ audio.Source = (*Source)(nil)
	_ audio.Stream = (*Stream)(nil)
)
