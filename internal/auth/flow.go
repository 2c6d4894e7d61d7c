package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/MrWong99/vaani/internal/enroll"
	"github.com/MrWong99/vaani/internal/observe"
	"github.com/MrWong99/vaani/internal/otp"
	"github.com/MrWong99/vaani/internal/resilience"
	"github.com/MrWong99/vaani/pkg/fault"
)

// FlowConfig configures a [Flow].
type FlowConfig struct {
	UserID      string
	Fingerprint string

	// Mode is the initial credential mode. Default: [ModePassword].
	Mode Mode

	Backend    Backend
	Factor     SecondFactor
	Enrollment *enroll.Protocol

	// Retry is applied to every backend call.
	Retry resilience.RetryPolicy

	Metrics *observe.Metrics
}

// Status is a snapshot of a [Flow].
type Status struct {
	ID         string         `json:"id"`
	UserID     string         `json:"user_id"`
	Step       Step           `json:"step"`
	Mode       Mode           `json:"mode"`
	Challenge  *otp.Challenge `json:"challenge,omitempty"`
	Enrollment enroll.Status  `json:"enrollment"`
}

// Flow is the login state machine of one login form. It is safe for
// concurrent use; calls are serialised.
type Flow struct {
	id  string
	cfg FlowConfig

	mu        sync.Mutex
	step      Step
	mode      Mode
	attempt   Attempt
	challenge *otp.Challenge
	session   *Session
}

// NewFlow creates a flow in [StepEnteringCredentials].
func NewFlow(cfg FlowConfig) *Flow {
	if !cfg.Mode.Valid() {
		cfg.Mode = ModePassword
	}
	if cfg.Metrics == nil {
		cfg.Metrics = observe.DefaultMetrics()
	}
	return &Flow{
		id:   uuid.NewString(),
		cfg:  cfg,
		step: StepEnteringCredentials,
		mode: cfg.Mode,
	}
}

// ID returns the flow identifier.
func (f *Flow) ID() string { return f.id }

// Fingerprint returns the fingerprint of the device logging in.
func (f *Flow) Fingerprint() string { return f.cfg.Fingerprint }

// Enrollment returns the enrollment protocol of the login form.
func (f *Flow) Enrollment() *enroll.Protocol { return f.cfg.Enrollment }

// Status returns a snapshot of the flow.
func (f *Flow) Status() Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.statusLocked()
}

func (f *Flow) statusLocked() Status {
	st := Status{
		ID:        f.id,
		UserID:    f.cfg.UserID,
		Step:      f.step,
		Mode:      f.mode,
		Challenge: f.challenge,
	}
	if f.cfg.Enrollment != nil {
		st.Enrollment = f.cfg.Enrollment.Status()
	}
	return st
}

// Session returns the session of an authenticated flow.
func (f *Flow) Session() (*Session, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.session, f.session != nil
}

func (f *Flow) subject() string { return "login:" + f.id }

// ValidateOnly runs the preliminary credential check. In voice mode the
// enrollment protocol must hold a ready sample; otherwise it fails with
// [fault.ErrNoSampleCaptured] and the flow does not move. An accepted check
// issues a second-factor challenge and moves to
// [StepAwaitingSecondFactor]. Running it again from that step starts over
// with the new credentials.
func (f *Flow) ValidateOnly(ctx context.Context, creds Credentials) (Validation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.step == StepAuthenticated {
		return Validation{}, fault.ErrInvalidState
	}

	a := Attempt{UserID: f.cfg.UserID, Fingerprint: f.cfg.Fingerprint, Mode: f.mode}
	switch f.mode {
	case ModeVoice:
		sample, ok := f.cfg.Enrollment.ReadySample()
		if !ok {
			f.record(ctx, "validate", "no_sample")
			return Validation{}, fault.ErrNoSampleCaptured
		}
		a.Sample = sample.WAV()
	default:
		if creds.Password == "" {
			f.record(ctx, "validate", "rejected")
			return Validation{Reason: "password required"}, nil
		}
		a.Password = creds.Password
	}

	var verdict Verdict
	err := resilience.Retry(ctx, f.cfg.Retry, func(ctx context.Context) error {
		var err error
		verdict, err = f.cfg.Backend.Validate(ctx, a)
		return err
	})
	if err != nil {
		f.record(ctx, "validate", "error")
		return Validation{}, fmt.Errorf("auth: validate: %w", err)
	}
	if !verdict.Accepted {
		f.record(ctx, "validate", "rejected")
		f.step = StepEnteringCredentials
		f.challenge = nil
		return Validation{Reason: verdict.Reason}, nil
	}

	ch, err := f.cfg.Factor.Issue(ctx, f.subject())
	if err != nil {
		f.record(ctx, "validate", "error")
		return Validation{}, fmt.Errorf("auth: issue second factor: %w", err)
	}

	f.attempt = a
	f.challenge = &ch
	f.step = StepAwaitingSecondFactor
	f.record(ctx, "validate", "accepted")
	slog.Info("credentials accepted, awaiting second factor", "flow", f.id, "user", f.cfg.UserID, "mode", f.mode)
	return Validation{Accepted: true, Challenge: &ch}, nil
}

// Resend issues a fresh second-factor challenge, replacing the current one.
func (f *Flow) Resend(ctx context.Context) (otp.Challenge, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.step != StepAwaitingSecondFactor {
		return otp.Challenge{}, fault.ErrInvalidState
	}
	ch, err := f.cfg.Factor.Issue(ctx, f.subject())
	if err != nil {
		return otp.Challenge{}, fmt.Errorf("auth: resend second factor: %w", err)
	}
	f.challenge = &ch
	return ch, nil
}

// Complete checks the second-factor code and finalises the login with the
// backend using the credentials accepted by [Flow.ValidateOnly]. A wrong or
// expired code keeps the flow in [StepAwaitingSecondFactor]; rejected
// credentials send it back to [StepEnteringCredentials]. Any other login
// failure issues a fresh challenge, returned in [Result.Challenge]; without
// one the user must call [Flow.Resend]. A successful voice
// login marks the device as enrolled and clears the enrollment attempt.
func (f *Flow) Complete(ctx context.Context, code string) (Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.step != StepAwaitingSecondFactor || f.challenge == nil {
		return Result{}, fault.ErrInvalidState
	}

	if err := f.cfg.Factor.Verify(ctx, f.challenge.ID, f.subject(), code); err != nil {
		f.record(ctx, "second_factor", "rejected")
		return Result{Reason: reasonFor(err)}, err
	}
	// The challenge is consumed; a failed Login below needs a new one.
	f.challenge = nil

	var sess Session
	err := resilience.Retry(ctx, f.cfg.Retry, func(ctx context.Context) error {
		var err error
		sess, err = f.cfg.Backend.Login(ctx, f.attempt)
		return err
	})
	if err != nil {
		f.record(ctx, "login", "error")
		res := Result{Reason: reasonFor(err)}
		if errors.Is(err, fault.ErrInvalidCredentials) {
			f.step = StepEnteringCredentials
			f.attempt = Attempt{}
			slog.Info("login rejected at finalisation", "flow", f.id, "user", f.cfg.UserID)
		} else if ch, ierr := f.cfg.Factor.Issue(ctx, f.subject()); ierr == nil {
			// The credentials still stand; the user finishes with the new code.
			f.challenge = &ch
			res.Challenge = &ch
		} else {
			slog.Warn("failed to reissue second factor after login error", "flow", f.id, "err", ierr)
		}
		return res, fmt.Errorf("auth: login: %w", err)
	}

	if sess.UserID == "" {
		sess.UserID = f.cfg.UserID
	}
	sess.Mode = f.mode
	f.session = &sess
	f.step = StepAuthenticated
	f.attempt = Attempt{}
	f.record(ctx, "login", "ok")

	if f.mode == ModeVoice && f.cfg.Enrollment != nil {
		if err := f.cfg.Enrollment.Complete(ctx); err != nil {
			slog.Warn("failed to record voice enrollment", "flow", f.id, "err", err)
		}
	}
	slog.Info("user authenticated", "flow", f.id, "user", sess.UserID, "mode", f.mode)
	return Result{Session: &sess}, nil
}

// Cancel abandons the second-factor step and returns to credential entry.
func (f *Flow) Cancel() Step {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.step == StepAwaitingSecondFactor {
		f.step = StepEnteringCredentials
		f.challenge = nil
		f.attempt = Attempt{}
	}
	return f.step
}

// SwitchMode changes the credential mode and resets the enrollment attempt.
// A pending second factor is abandoned.
func (f *Flow) SwitchMode(ctx context.Context, mode Mode) error {
	if !mode.Valid() {
		return fault.New(fault.KindProtocol, "invalid_mode", fmt.Sprintf("unknown login mode %q", mode))
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.step == StepAuthenticated {
		return fault.ErrInvalidState
	}
	f.mode = mode
	f.step = StepEnteringCredentials
	f.challenge = nil
	f.attempt = Attempt{}
	if f.cfg.Enrollment != nil {
		if err := f.cfg.Enrollment.Reset(ctx, false); err != nil {
			return fmt.Errorf("auth: switch mode: %w", err)
		}
	}
	return nil
}

func (f *Flow) record(ctx context.Context, step, status string) {
	f.cfg.Metrics.RecordAuthAttempt(ctx, string(f.mode), step, status)
}

func reasonFor(err error) string {
	var fe *fault.Error
	if errors.As(err, &fe) {
		return fe.Msg
	}
	return "unexpected error"
}
