// Package mock provides a test double for the tts.Provider interface.
//
// Example:
//
//	p := &mock.Provider{Chunks: [][]byte{[]byte("audio1"), []byte("audio2")}}
//	ch, _ := p.SynthesizeStream(ctx, textCh, voice)
package mock

import (
	"context"
	"strings"
	"sync"

	"github.com/MrWong99/vaani/pkg/provider/tts"
)

// SynthesizeCall records a single invocation of SynthesizeStream.
type SynthesizeCall struct {
	// Voice is the VoiceProfile passed to SynthesizeStream.
	Voice tts.VoiceProfile
	// Text is the concatenation of every fragment read from the text channel.
	Text string
}

// Provider is a mock implementation of tts.Provider.
type Provider struct {
	mu sync.Mutex

	// Chunks is the audio emitted for every call, after the text channel is
	// drained.
	Chunks [][]byte

	// Err, if non-nil, is returned from SynthesizeStream instead of a channel.
	Err error

	// Hold, if non-nil, delays emission until it is closed or ctx is done.
	Hold chan struct{}

	calls []SynthesizeCall
}

// SynthesizeStream drains text, records the call, then emits Chunks.
func (p *Provider) SynthesizeStream(ctx context.Context, text <-chan string, voice tts.VoiceProfile) (<-chan []byte, error) {
	p.mu.Lock()
	if p.Err != nil {
		err := p.Err
		p.mu.Unlock()
		return nil, err
	}
	chunks := p.Chunks
	hold := p.Hold
	idx := len(p.calls)
	p.calls = append(p.calls, SynthesizeCall{Voice: voice})
	p.mu.Unlock()

	out := make(chan []byte)
	go func() {
		defer close(out)
		var sb strings.Builder
		for frag := range text {
			sb.WriteString(frag)
		}
		p.mu.Lock()
		p.calls[idx].Text = sb.String()
		p.mu.Unlock()

		if hold != nil {
			select {
			case <-hold:
			case <-ctx.Done():
				return
			}
		}
		for _, c := range chunks {
			select {
			case out <- c:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

// Calls returns a copy of the recorded calls.
func (p *Provider) Calls() []SynthesizeCall {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]SynthesizeCall(nil), p.calls...)
}

var _ tts.Provider = (*Provider)(nil)
