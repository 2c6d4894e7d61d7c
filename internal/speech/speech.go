// Package speech owns the microphone and speaker side of a chat session.
//
// A [Controller] runs at most one listening session (streaming transcription)
// and at most one playback at a time. Stopping is idempotent and converges on
// a single path whether it is triggered by the listen deadline, by an intent,
// or by the user. Playback is generation-guarded: once [Controller.StopSpeaking]
// returns, the completion callback of the cancelled playback never fires.
package speech

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/MrWong99/vaani/pkg/fault"
	"github.com/MrWong99/vaani/pkg/provider/stt"
	"github.com/MrWong99/vaani/pkg/provider/tts"
)

// DefaultListenTimeout bounds a single listening session.
const DefaultListenTimeout = 20 * time.Second

// Utterance is the committed text of one listening session.
type Utterance struct {
	Text     string
	Language string
}

// Player plays synthesised PCM16 audio.
type Player interface {
	Play(ctx context.Context, pcm []byte) error
}

// PlayerFunc adapts a function to [Player].
type PlayerFunc func(ctx context.Context, pcm []byte) error

// Play calls f.
func (f PlayerFunc) Play(ctx context.Context, pcm []byte) error { return f(ctx, pcm) }

// Option configures a [Controller].
type Option func(*Controller)

// WithRecognizer sets the speech-to-text provider. Without one, listening
// fails with [fault.ErrCaptureUnavailable].
func WithRecognizer(p stt.Provider) Option {
	return func(c *Controller) { c.stt = p }
}

// WithSynthesizer sets the text-to-speech provider and the player that
// receives its audio. Without one, Speak is a no-op.
func WithSynthesizer(p tts.Provider, player Player) Option {
	return func(c *Controller) {
		c.tts = p
		c.player = player
	}
}

// WithVoices maps BCP-47 tags to synthesis voice IDs.
func WithVoices(voices map[string]string) Option {
	return func(c *Controller) { c.voices = voices }
}

// WithListenTimeout sets the hard deadline of a listening session.
func WithListenTimeout(d time.Duration) Option {
	return func(c *Controller) {
		if d > 0 {
			c.listenTimeout = d
		}
	}
}

// WithSampleRate sets the rate of the PCM16 chunks passed to Feed.
func WithSampleRate(rate int) Option {
	return func(c *Controller) {
		if rate > 0 {
			c.sampleRate = rate
		}
	}
}

// WithUtteranceHandler receives the final text of every listening session
// that was not discarded and produced any text.
func WithUtteranceHandler(fn func(Utterance)) Option {
	return func(c *Controller) { c.onUtterance = fn }
}

// WithPartialHandler receives interim transcripts.
func WithPartialHandler(fn func(string)) Option {
	return func(c *Controller) { c.onPartial = fn }
}

// WithSpokenHandler is called when a playback finishes on its own.
func WithSpokenHandler(fn func()) Option {
	return func(c *Controller) { c.onSpoken = fn }
}

// Controller coordinates capture and playback for one session. It is safe
// for concurrent use.
type Controller struct {
	stt           stt.Provider
	tts           tts.Provider
	player        Player
	voices        map[string]string
	listenTimeout time.Duration
	sampleRate    int
	onUtterance   func(Utterance)
	onPartial     func(string)
	onSpoken      func()

	// cbMu serialises the spoken callback with StopSpeaking.
	cbMu sync.Mutex

	mu          sync.Mutex
	listen      *listening
	listenGen   uint64
	speakGen    uint64
	speakCancel context.CancelFunc
}

type listening struct {
	gen      uint64
	language string
	handle   stt.SessionHandle
	timer    *time.Timer
	done     chan struct{}

	mu     sync.Mutex
	finals []string
}

// New returns a Controller.
func New(opts ...Option) *Controller {
	c := &Controller{
		listenTimeout: DefaultListenTimeout,
		sampleRate:    16000,
	}
	for _, o := range opts {
		o(c)
	}
	if c.player == nil {
		c.player = PlayerFunc(func(context.Context, []byte) error { return nil })
	}
	return c
}

// StartListening opens a transcription stream in language. It is a no-op
// while already listening.
func (c *Controller) StartListening(ctx context.Context, language string, keywords []stt.KeywordBoost) error {
	if c.stt == nil {
		return fault.ErrCaptureUnavailable
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.listen != nil {
		return nil
	}

	handle, err := c.stt.StartStream(ctx, stt.StreamConfig{
		SampleRate: c.sampleRate,
		Channels:   1,
		Language:   language,
		Keywords:   keywords,
	})
	if err != nil {
		return fmt.Errorf("speech: start listening: %w", err)
	}

	c.listenGen++
	l := &listening{
		gen:      c.listenGen,
		language: language,
		handle:   handle,
		done:     make(chan struct{}),
	}
	gen := l.gen
	l.timer = time.AfterFunc(c.listenTimeout, func() {
		slog.Debug("speech: listen deadline reached", "gen", gen)
		c.stop(gen, false)
	})
	c.listen = l
	go c.collect(l)
	return nil
}

// collect drains both transcript channels until the handle closes them.
func (c *Controller) collect(l *listening) {
	defer close(l.done)
	partials, finals := l.handle.Partials(), l.handle.Finals()
	for partials != nil || finals != nil {
		select {
		case t, ok := <-partials:
			if !ok {
				partials = nil
				continue
			}
			if c.onPartial != nil {
				c.onPartial(t.Text)
			}
		case t, ok := <-finals:
			if !ok {
				finals = nil
				continue
			}
			if text := strings.TrimSpace(t.Text); text != "" {
				l.mu.Lock()
				l.finals = append(l.finals, text)
				l.mu.Unlock()
			}
		}
	}
}

// Feed forwards a PCM16 chunk to the open stream.
func (c *Controller) Feed(chunk []byte) error {
	c.mu.Lock()
	l := c.listen
	c.mu.Unlock()
	if l == nil {
		return fault.ErrInvalidState
	}
	if err := l.handle.SendAudio(chunk); err != nil {
		return fmt.Errorf("speech: feed: %w", err)
	}
	return nil
}

// StopListening ends the current listening session, if any. Unless discard
// is set, the collected text is delivered to the utterance handler. Calling
// it again, or after the deadline already stopped the session, does nothing.
func (c *Controller) StopListening(discard bool) {
	c.stop(0, discard)
}

// stop ends the session with generation gen, or the current one when gen is
// zero.
func (c *Controller) stop(gen uint64, discard bool) {
	c.mu.Lock()
	l := c.listen
	if l == nil || (gen != 0 && l.gen != gen) {
		c.mu.Unlock()
		return
	}
	c.listen = nil
	c.mu.Unlock()

	l.timer.Stop()
	if err := l.handle.Close(); err != nil {
		slog.Warn("speech: close transcription stream", "err", err)
	}
	<-l.done

	if discard || c.onUtterance == nil {
		return
	}
	l.mu.Lock()
	text := strings.Join(l.finals, " ")
	l.mu.Unlock()
	if text != "" {
		c.onUtterance(Utterance{Text: text, Language: l.language})
	}
}

// Listening reports whether a listening session is open.
func (c *Controller) Listening() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.listen != nil
}

// Speak synthesises text in language and plays it, cancelling any playback
// in progress.
func (c *Controller) Speak(ctx context.Context, text, language string) error {
	if c.tts == nil || text == "" {
		return nil
	}
	voice, ok := c.voiceFor(language)
	if !ok {
		return fmt.Errorf("speech: speak %s: %w", language, fault.ErrUnsupportedLanguage)
	}

	c.mu.Lock()
	if c.speakCancel != nil {
		c.speakCancel()
	}
	c.speakGen++
	gen := c.speakGen
	pctx, cancel := context.WithCancel(ctx)
	c.speakCancel = cancel
	c.mu.Unlock()

	in := make(chan string, 1)
	in <- text
	close(in)

	audio, err := c.tts.SynthesizeStream(pctx, in, voice)
	if err != nil {
		c.finishSpeaking(gen, false)
		return fmt.Errorf("speech: speak: %w", err)
	}

	go func() {
		for chunk := range audio {
			if pctx.Err() != nil {
				continue
			}
			if err := c.player.Play(pctx, chunk); err != nil && pctx.Err() == nil {
				slog.Warn("speech: playback failed", "err", err)
				cancel()
			}
		}
		c.finishSpeaking(gen, true)
	}()
	return nil
}

func (c *Controller) voiceFor(language string) (tts.VoiceProfile, bool) {
	if id, ok := c.voices[language]; ok {
		return tts.VoiceProfile{ID: id, Language: language}, true
	}
	primary, _, _ := strings.Cut(language, "-")
	for tag, id := range c.voices {
		if p, _, _ := strings.Cut(tag, "-"); strings.EqualFold(p, primary) {
			return tts.VoiceProfile{ID: id, Language: tag}, true
		}
	}
	return tts.VoiceProfile{}, false
}

// finishSpeaking clears playback state if gen is still current and, when
// notify is set, reports completion.
func (c *Controller) finishSpeaking(gen uint64, notify bool) {
	c.cbMu.Lock()
	defer c.cbMu.Unlock()

	c.mu.Lock()
	if gen != c.speakGen || c.speakCancel == nil {
		c.mu.Unlock()
		return
	}
	c.speakCancel()
	c.speakCancel = nil
	cb := c.onSpoken
	c.mu.Unlock()

	if notify && cb != nil {
		cb()
	}
}

// StopSpeaking cancels playback. Once it returns, no completion callback
// fires for the cancelled playback. It must not be called from the spoken
// handler.
func (c *Controller) StopSpeaking() {
	c.mu.Lock()
	c.speakGen++
	if c.speakCancel != nil {
		c.speakCancel()
		c.speakCancel = nil
	}
	c.mu.Unlock()

	// Wait out a callback that passed the generation check before the bump.
	c.cbMu.Lock()
	c.cbMu.Unlock()
}

// Speaking reports whether a playback is in progress.
func (c *Controller) Speaking() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.speakCancel != nil
}

// Close discards any open listening session and stops playback.
func (c *Controller) Close() {
	c.StopListening(true)
	c.StopSpeaking()
}
