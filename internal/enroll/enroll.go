// Package enroll implements the voice enrollment protocol: a small state
// machine that records one or two voice samples and hands out at most one
// sample that is ready to submit.
//
// A device that has never completed voice enrollment records two samples;
// the first is kept only until the confirmation recording starts, after which
// only its duration is retained. Later logins need a single sample.
//
// Every recording is bounded by a hard timeout. The timer is tagged with a
// generation number so a timer that fires after the recording was stopped or
// cancelled does nothing.
package enroll

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/vaani/internal/observe"
	"github.com/MrWong99/vaani/pkg/audio"
	"github.com/MrWong99/vaani/pkg/fault"
)

const (
	// DefaultMaxDuration bounds a single recording.
	DefaultMaxDuration = 15 * time.Second

	// DefaultSampleTTL is how long a ready sample may be submitted.
	DefaultSampleTTL = 5 * time.Minute
)

// State is the recorder state.
type State int

const (
	StateIdle State = iota
	StateRecording
	StateProcessing
	StateCaptured
	StateReady
)

// String returns the lowercase state name.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRecording:
		return "recording"
	case StateProcessing:
		return "processing"
	case StateCaptured:
		return "captured"
	case StateReady:
		return "ready"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// MarshalText implements [encoding.TextMarshaler].
func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// Phase is the progress of the current enrollment attempt.
type Phase string

const (
	PhaseAwaitingFirst        Phase = "awaiting-first"
	PhaseAwaitingConfirmation Phase = "awaiting-confirmation"
	PhaseReady                Phase = "ready"
	PhaseExpired              Phase = "expired"
)

// Marker records whether a device has completed voice enrollment.
// prefs.Store implements it.
type Marker interface {
	IsEnrolled(ctx context.Context, key string) (bool, error)
	MarkEnrolled(ctx context.Context, key string) error
	ClearEnrolled(ctx context.Context, key string) error
}

// Status is a snapshot of a [Protocol].
type Status struct {
	State          State         `json:"state"`
	Phase          Phase         `json:"phase"`
	TwoSample      bool          `json:"two_sample"`
	PhraseHint     string        `json:"phrase_hint,omitempty"`
	FirstDuration  time.Duration `json:"first_duration,omitempty"`
	SampleDuration time.Duration `json:"sample_duration,omitempty"`
}

// Config configures a [Protocol].
type Config struct {
	// Source provides the microphone stream. Required.
	Source audio.Source

	// Decoder turns stream packets into float frames. Required.
	Decoder audio.Decoder

	// Marker stores the enrollment marker. Required.
	Marker Marker

	// Key identifies the user and device in the marker store.
	Key string

	// MaxDuration bounds each recording. Default: [DefaultMaxDuration].
	MaxDuration time.Duration

	// SampleTTL expires ready samples. Default: [DefaultSampleTTL].
	SampleTTL time.Duration

	// Metrics receives encode timings. Default: [observe.DefaultMetrics].
	Metrics *observe.Metrics

	// Now replaces the time source in tests.
	Now func() time.Time
}

// attempt is the enrollment progress of one login form.
type attempt struct {
	phase         Phase
	twoSample     bool
	first         audio.Sample
	firstDuration time.Duration
	sample        audio.Sample
	capturedAt    time.Time
}

// stopOp is an in-flight stop shared by every caller that asks to stop the
// same recording.
type stopOp struct {
	done chan struct{}
	err  error
}

// Protocol is the enrollment state machine for one login form. It is safe
// for concurrent use.
type Protocol struct {
	cfg Config

	mu         sync.Mutex
	state      State
	attempt    attempt
	phraseHint string
	capture    *audio.Capture
	gen        uint64
	timer      *time.Timer
	stopping   *stopOp
}

// New creates an idle [Protocol].
func New(cfg Config) *Protocol {
	if cfg.MaxDuration <= 0 {
		cfg.MaxDuration = DefaultMaxDuration
	}
	if cfg.SampleTTL <= 0 {
		cfg.SampleTTL = DefaultSampleTTL
	}
	if cfg.Metrics == nil {
		cfg.Metrics = observe.DefaultMetrics()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Protocol{
		cfg:     cfg,
		attempt: attempt{phase: PhaseAwaitingFirst},
	}
}

// Status returns a snapshot of the protocol.
func (p *Protocol) Status() Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.expireLocked()
	return p.statusLocked()
}

func (p *Protocol) statusLocked() Status {
	return Status{
		State:          p.state,
		Phase:          p.attempt.phase,
		TwoSample:      p.attempt.twoSample,
		PhraseHint:     p.phraseHint,
		FirstDuration:  p.attempt.firstDuration,
		SampleDuration: p.attempt.sample.Duration(),
	}
}

// Start opens the capture device and begins recording. Starting always
// invalidates a ready sample. In two-sample mode, starting the confirmation
// recording discards the first sample's audio and keeps its duration.
func (p *Protocol) Start(ctx context.Context, phraseHint string) (Status, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.state == StateRecording || p.state == StateProcessing {
		return p.statusLocked(), fault.ErrInvalidState
	}

	if p.attempt.phase == PhaseReady || p.attempt.phase == PhaseExpired {
		p.attempt = attempt{phase: PhaseAwaitingFirst}
		p.state = StateIdle
	}
	if p.attempt.phase == PhaseAwaitingFirst {
		enrolled, err := p.cfg.Marker.IsEnrolled(ctx, p.cfg.Key)
		if err != nil {
			return p.statusLocked(), fmt.Errorf("enroll: start: %w", err)
		}
		p.attempt.twoSample = !enrolled
	}

	c, err := audio.StartCapture(ctx, p.cfg.Source, p.cfg.Decoder, p.cfg.MaxDuration)
	if err != nil {
		if p.state != StateCaptured {
			p.state = StateIdle
		}
		return p.statusLocked(), err
	}

	if p.attempt.phase == PhaseAwaitingConfirmation {
		p.attempt.first = audio.Sample{}
	}
	p.capture = c
	p.state = StateRecording
	p.phraseHint = phraseHint

	p.gen++
	gen := p.gen
	p.timer = time.AfterFunc(p.cfg.MaxDuration, func() { p.onTimeout(gen) })

	slog.Debug("enrollment recording started",
		"key", p.cfg.Key, "phase", p.attempt.phase, "two_sample", p.attempt.twoSample)
	return p.statusLocked(), nil
}

func (p *Protocol) onTimeout(gen uint64) {
	p.mu.Lock()
	if p.gen != gen || p.state != StateRecording {
		p.mu.Unlock()
		return
	}
	slog.Info("enrollment recording hit time limit", "key", p.cfg.Key, "limit", p.cfg.MaxDuration)
	op := p.beginStopLocked()
	p.mu.Unlock()
	p.finishStop(op)
}

// disarmLocked invalidates the pending timeout.
func (p *Protocol) disarmLocked() {
	p.gen++
	if p.timer != nil {
		p.timer.Stop()
		p.timer = nil
	}
}

// beginStopLocked moves a recording to Processing. The caller must call
// finishStop without holding p.mu.
func (p *Protocol) beginStopLocked() *stopOp {
	p.disarmLocked()
	p.state = StateProcessing
	op := &stopOp{done: make(chan struct{})}
	p.stopping = op
	return op
}

func (p *Protocol) finishStop(op *stopOp) {
	p.mu.Lock()
	c := p.capture
	p.capture = nil
	p.mu.Unlock()

	started := time.Now()
	sample, err := c.Stop()
	p.cfg.Metrics.EncodeDuration.Record(context.Background(), time.Since(started).Seconds())

	p.mu.Lock()
	defer p.mu.Unlock()
	defer close(op.done)
	p.stopping = nil

	switch {
	case err != nil:
		op.err = err
		p.abandonLocked()
		slog.Warn("enrollment recording failed", "key", p.cfg.Key, "err", err)
		return
	case sample.IsZero():
		op.err = fault.ErrNoSampleCaptured
		p.abandonLocked()
		return
	}

	p.cfg.Metrics.SampleDuration.Record(context.Background(), sample.Duration().Seconds())

	if p.attempt.twoSample && p.attempt.phase == PhaseAwaitingFirst {
		p.attempt.first = sample
		p.attempt.firstDuration = sample.Duration()
		p.attempt.phase = PhaseAwaitingConfirmation
		p.state = StateCaptured
		slog.Debug("enrollment first sample captured", "key", p.cfg.Key, "duration", sample.Duration())
		return
	}

	p.attempt.sample = sample
	p.attempt.capturedAt = p.cfg.Now()
	p.attempt.phase = PhaseReady
	p.state = StateReady
	slog.Debug("enrollment sample ready", "key", p.cfg.Key, "duration", sample.Duration())
}

// abandonLocked returns to Idle after a recording produced nothing usable.
// A confirmation recording that fails restarts the attempt since the first
// sample's audio is gone.
func (p *Protocol) abandonLocked() {
	p.state = StateIdle
	if p.attempt.phase == PhaseAwaitingConfirmation {
		p.attempt = attempt{phase: PhaseAwaitingFirst}
	}
}

// Stop ends the recording and encodes it. Calls made while the recording is
// being processed wait for and share its result; calls after a capture
// completed return the current status without error. The hard timeout uses
// the same path.
func (p *Protocol) Stop(ctx context.Context) (Status, error) {
	p.mu.Lock()
	switch p.state {
	case StateRecording:
		op := p.beginStopLocked()
		p.mu.Unlock()
		p.finishStop(op)
		return p.Status(), op.err
	case StateProcessing:
		op := p.stopping
		p.mu.Unlock()
		select {
		case <-op.done:
		case <-ctx.Done():
			return p.Status(), ctx.Err()
		}
		return p.Status(), op.err
	case StateCaptured, StateReady:
		st := p.statusLocked()
		p.mu.Unlock()
		return st, nil
	default:
		st := p.statusLocked()
		p.mu.Unlock()
		return st, fault.ErrNoSampleCaptured
	}
}

// Cancel discards an in-progress recording and returns to Idle. It is a
// no-op when nothing is recording.
func (p *Protocol) Cancel() Status {
	p.mu.Lock()
	if p.state != StateRecording {
		st := p.statusLocked()
		p.mu.Unlock()
		return st
	}
	p.disarmLocked()
	c := p.capture
	p.capture = nil
	p.abandonLocked()
	st := p.statusLocked()
	p.mu.Unlock()

	_, _ = c.Stop()
	slog.Debug("enrollment recording cancelled", "key", p.cfg.Key)
	return st
}

// Reset clears every capture. With flushEnrollment the device's enrollment
// marker is cleared too, so the next attempt records two samples.
func (p *Protocol) Reset(ctx context.Context, flushEnrollment bool) error {
	p.Cancel()

	p.mu.Lock()
	if op := p.stopping; op != nil {
		p.mu.Unlock()
		<-op.done
		p.mu.Lock()
	}
	p.attempt = attempt{phase: PhaseAwaitingFirst}
	p.state = StateIdle
	p.phraseHint = ""
	p.mu.Unlock()

	if flushEnrollment {
		if err := p.cfg.Marker.ClearEnrolled(ctx, p.cfg.Key); err != nil {
			return fmt.Errorf("enroll: reset: %w", err)
		}
		slog.Info("voice enrollment marker cleared", "key", p.cfg.Key)
	}
	return nil
}

// ReadySample returns the sample that is ready to submit, if any. A sample
// older than the configured TTL expires and is dropped.
func (p *Protocol) ReadySample() (audio.Sample, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.expireLocked()
	if p.attempt.phase != PhaseReady {
		return audio.Sample{}, false
	}
	return p.attempt.sample, true
}

func (p *Protocol) expireLocked() {
	if p.attempt.phase != PhaseReady {
		return
	}
	if p.cfg.Now().Sub(p.attempt.capturedAt) < p.cfg.SampleTTL {
		return
	}
	p.attempt.sample = audio.Sample{}
	p.attempt.phase = PhaseExpired
	p.state = StateIdle
	slog.Debug("enrollment sample expired", "key", p.cfg.Key)
}

// Complete records that the device finished voice enrollment and clears the
// attempt. It is called after a successful voice login.
func (p *Protocol) Complete(ctx context.Context) error {
	if err := p.cfg.Marker.MarkEnrolled(ctx, p.cfg.Key); err != nil {
		return fmt.Errorf("enroll: complete: %w", err)
	}
	return p.Reset(ctx, false)
}
