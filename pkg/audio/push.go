package audio

import (
	"context"
	"errors"
	"io"
	"sync"

	"github.com/MrWong99/vaani/pkg/fault"
)

// ErrSourceBusy is returned by [PushSource.Open] while another stream holds
// the device.
var ErrSourceBusy = errors.New("audio: capture source busy")

// PushSource is a [Source] fed by the caller, typically from packets that a
// remote client streams over a socket. Only one stream may be open at a
// time, mirroring exclusive access to a physical microphone.
type PushSource struct {
	format Format

	mu     sync.Mutex
	active *pushStream
}

// NewPushSource creates a source producing streams of format f.
func NewPushSource(f Format) *PushSource {
	return &PushSource{format: f}
}

// Open implements [Source].
func (s *PushSource) Open(ctx context.Context) (Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, fault.Wrap(fault.ErrCaptureUnavailable, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active != nil {
		return nil, fault.Wrap(fault.ErrCaptureUnavailable, ErrSourceBusy)
	}
	st := &pushStream{
		src:     s,
		format:  s.format,
		packets: make(chan []byte, 64),
		ended:   make(chan struct{}),
		closed:  make(chan struct{}),
	}
	s.active = st
	return st, nil
}

// Push delivers a packet to the open stream. It reports false when no stream
// is open or the stream has been closed; the packet is dropped.
func (s *PushSource) Push(ctx context.Context, packet []byte) bool {
	s.mu.Lock()
	st := s.active
	s.mu.Unlock()
	if st == nil {
		return false
	}
	cp := make([]byte, len(packet))
	copy(cp, packet)
	select {
	case st.packets <- cp:
		return true
	case <-st.ended:
		return false
	case <-st.closed:
		return false
	case <-ctx.Done():
		return false
	}
}

// End signals end-of-stream to the open stream, if any. Buffered packets are
// still delivered before Read returns io.EOF.
func (s *PushSource) End() {
	s.mu.Lock()
	st := s.active
	s.mu.Unlock()
	if st != nil {
		st.endOnce.Do(func() { close(st.ended) })
	}
}

// Active reports whether a stream is currently open.
func (s *PushSource) Active() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active != nil
}

func (s *PushSource) release(st *pushStream) {
	s.mu.Lock()
	if s.active == st {
		s.active = nil
	}
	s.mu.Unlock()
}

type pushStream struct {
	src     *PushSource
	format  Format
	packets chan []byte
	ended   chan struct{}

	closed    chan struct{}
	closeOnce sync.Once
	endOnce   sync.Once
}

func (st *pushStream) Format() Format { return st.format }

func (st *pushStream) Read(ctx context.Context) ([]byte, error) {
	// Prefer the closed signal over buffered packets once Close has run.
	select {
	case <-st.closed:
		return nil, io.EOF
	default:
	}
	select {
	case pkt := <-st.packets:
		return pkt, nil
	case <-st.ended:
		select {
		case pkt := <-st.packets:
			return pkt, nil
		default:
			return nil, io.EOF
		}
	case <-st.closed:
		return nil, io.EOF
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (st *pushStream) Close() error {
	st.closeOnce.Do(func() {
		close(st.closed)
		st.src.release(st)
	})
	return nil
}
