// Package conversation implements the payment state machine behind a chat
// session.
//
// An [Orchestrator] owns one [Session] and mutates it from a single
// goroutine ([Orchestrator.Run]). Public methods, timer callbacks, and the
// results of asynchronous calls (recipient resolution, PIN verification) are
// closures posted to that goroutine's queue, so every step observes and
// leaves a consistent session.
//
// Structured intents from the assistant backend are applied at most once per
// message ID. Intents of the upi-* kinds are parked in a single-slot queue
// behind the consent modal until the user accepts; declining discards them.
// A PIN modal the user opened is guarded by a short [Lock] so that an
// intent arriving in the same instant cannot close it.
package conversation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"slices"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/MrWong99/vaani/internal/observe"
	"github.com/MrWong99/vaani/internal/recipient"
	"github.com/MrWong99/vaani/pkg/fault"
)

const (
	// DefaultGrace is how long a user-opened PIN modal is immune to
	// orchestrator-initiated changes.
	DefaultGrace = 2 * time.Second

	// DefaultTranscriptLimit caps the retained transcript.
	DefaultTranscriptLimit = 200

	// processedPerEntry sizes the remembered message IDs relative to the
	// transcript limit.
	processedPerEntry = 4

	queueSize = 64
)

// DefaultLanguages lists the conversation languages accepted by a
// language-change intent.
var DefaultLanguages = []string{
	"en-IN", "hi-IN", "bn-IN", "ta-IN", "te-IN", "mr-IN",
	"gu-IN", "kn-IN", "ml-IN", "pa-IN", "or-IN",
}

var (
	// ErrClosed is returned when the orchestrator's loop has exited.
	ErrClosed = errors.New("conversation: orchestrator closed")

	// ErrMissingID is returned for messages without an identifier.
	ErrMissingID = fault.New(fault.KindProtocol, "invalid_message", "message has no identifier")

	// ErrInvalidPIN is returned for PINs that are not 4 or 6 digits.
	ErrInvalidPIN = fault.New(fault.KindProtocol, "invalid_pin", "UPI PIN must be 4 or 6 digits")
)

var pinFormat = regexp.MustCompile(`^(\d{4}|\d{6})$`)

// Speech is the capture and playback side of the session.
type Speech interface {
	// StopListening ends capture; with discard the transcript is dropped.
	// It must be idempotent.
	StopListening(discard bool)

	// StopSpeaking cancels playback.
	StopSpeaking()
}

// Outcome is the result of a successful PIN verification.
type Outcome struct {
	Kind      PaymentKind `json:"kind"`
	Balance   Amount      `json:"balance,omitzero"`
	Reference string      `json:"reference,omitempty"`
}

// Payments executes PIN-confirmed operations.
type Payments interface {
	VerifyPIN(ctx context.Context, token string, p Payment, pin string) (Outcome, error)
}

// Resolver maps a recipient selector to a beneficiary.
type Resolver interface {
	Resolve(ctx context.Context, token, selector string) (recipient.Match, error)
}

// Preferences persists the user's language and voice-mode choices.
type Preferences interface {
	SetLanguage(ctx context.Context, userID, lang string) error
	SetVoiceMode(ctx context.Context, userID string, on bool) error
}

// VoiceStatus reports whether the account has a voice-secured device.
type VoiceStatus func(ctx context.Context) (bool, error)

// Update is emitted to listeners after every step that changed the session.
type Update struct {
	Event string   `json:"event"`
	State Snapshot `json:"state"`
	Error string   `json:"error,omitempty"`
	Code  string   `json:"code,omitempty"`
}

// PaymentRequest is a payment the user entered on the payment card.
type PaymentRequest struct {
	Kind          PaymentKind `json:"kind"`
	Amount        Amount      `json:"amount"`
	Recipient     string      `json:"recipient"`
	SourceAccount string      `json:"source_account"`
	Remarks       string      `json:"remarks"`
}

// Option is a functional option for configuring an [Orchestrator].
type Option func(*Orchestrator)

// WithSpeech sets the capture/playback controller.
func WithSpeech(s Speech) Option {
	return func(o *Orchestrator) { o.speech = s }
}

// WithPayments sets the PIN verification backend.
func WithPayments(p Payments) Option {
	return func(o *Orchestrator) { o.payments = p }
}

// WithResolver sets the recipient resolver. The default accepts literal UPI
// addresses only.
func WithResolver(r Resolver) Option {
	return func(o *Orchestrator) { o.resolver = r }
}

// WithPreferences sets where language and voice-mode changes are persisted.
func WithPreferences(p Preferences) Option {
	return func(o *Orchestrator) { o.prefs = p }
}

// WithVoiceStatus sets the check that decides whether enabling voice mode
// shows the enrollment prompt.
func WithVoiceStatus(fn VoiceStatus) Option {
	return func(o *Orchestrator) { o.voiceStatus = fn }
}

// WithListener registers a function that receives every [Update]. Listeners
// run on the orchestrator goroutine and must not block or call back into the
// orchestrator.
func WithListener(fn func(Update)) Option {
	return func(o *Orchestrator) { o.listeners = append(o.listeners, fn) }
}

// WithFaultHandler receives session and trust faults. It runs on its own
// goroutine.
func WithFaultHandler(fn func(error)) Option {
	return func(o *Orchestrator) { o.onFault = fn }
}

// WithGrace sets the user lock window on the PIN modal.
func WithGrace(d time.Duration) Option {
	return func(o *Orchestrator) { o.grace.Store(int64(d)) }
}

// WithLanguages replaces the accepted conversation languages.
func WithLanguages(tags ...string) Option {
	return func(o *Orchestrator) { o.languages = tags }
}

// WithTranscriptLimit caps the retained transcript at n messages. Message
// IDs are remembered for redelivery checks up to a fixed multiple of n.
func WithTranscriptLimit(n int) Option {
	return func(o *Orchestrator) {
		if n > 0 {
			o.limit = n
		}
	}
}

// WithMetrics sets the metrics sink. Default: [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

// Orchestrator serialises every mutation of one [Session].
type Orchestrator struct {
	sess     *Session
	userID   string
	token    string
	language string

	speech      Speech
	payments    Payments
	resolver    Resolver
	prefs       Preferences
	voiceStatus VoiceStatus
	listeners   []func(Update)
	onFault     func(error)
	languages   []string
	metrics     *observe.Metrics
	now         func() time.Time
	limit       int
	grace       atomic.Int64

	queue   chan func()
	done    chan struct{}
	started atomic.Bool

	// runCtx is set by Run before the loop starts and read only from the
	// loop goroutine.
	runCtx context.Context
}

// New returns an Orchestrator for sess. Call [Orchestrator.Run] to start it.
func New(sess *Session, opts ...Option) *Orchestrator {
	if sess.Processed == nil {
		sess.Processed = make(map[string]struct{})
	}
	o := &Orchestrator{
		sess:      sess,
		userID:    sess.UserID,
		token:     sess.Token,
		language:  sess.Language,
		languages: DefaultLanguages,
		limit:     DefaultTranscriptLimit,
		now:       time.Now,
		queue:     make(chan func(), queueSize),
		done:      make(chan struct{}),
	}
	o.grace.Store(int64(DefaultGrace))
	for _, opt := range opts {
		opt(o)
	}
	if o.speech == nil {
		o.speech = nopSpeech{}
	}
	if o.resolver == nil {
		o.resolver = recipient.New(nil)
	}
	if o.metrics == nil {
		o.metrics = observe.DefaultMetrics()
	}
	return o
}

type nopSpeech struct{}

func (nopSpeech) StopListening(bool) {}
func (nopSpeech) StopSpeaking()      {}

// SetGrace changes the PIN modal lock window for locks taken from now on.
func (o *Orchestrator) SetGrace(d time.Duration) { o.grace.Store(int64(d)) }

// Run processes the queue until ctx is done. It must be called exactly once.
func (o *Orchestrator) Run(ctx context.Context) error {
	if !o.started.CompareAndSwap(false, true) {
		return errors.New("conversation: orchestrator already running")
	}
	o.runCtx = ctx
	defer close(o.done)

	slog.Info("conversation started", "session", o.sess.ID, "user", o.userID)
	for {
		select {
		case <-ctx.Done():
			slog.Info("conversation stopped", "session", o.sess.ID)
			return nil
		case fn := <-o.queue:
			fn()
		}
	}
}

// Done is closed when Run has returned.
func (o *Orchestrator) Done() <-chan struct{} { return o.done }

// do runs fn on the loop goroutine and waits for its result.
func (o *Orchestrator) do(ctx context.Context, fn func() error) error {
	res := make(chan error, 1)
	step := func() {
		err := fn()
		if cerr := o.sess.Check(); cerr != nil {
			slog.Error("conversation: session invariant violated", "session", o.sess.ID, "err", cerr)
		}
		res <- err
	}
	select {
	case o.queue <- step:
	case <-o.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-res:
		return err
	case <-o.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// post queues fn from a background goroutine. It is dropped once the loop
// has exited.
func (o *Orchestrator) post(fn func()) {
	select {
	case o.queue <- fn:
	case <-o.done:
	}
}

// ─── Public operations ──────────────────────────────────────────────────────

// Deliver applies a transcript message. Re-delivering a message ID that was
// already applied or queued is a no-op.
func (o *Orchestrator) Deliver(ctx context.Context, msg Message) error {
	if msg.ID == "" {
		return ErrMissingID
	}
	return o.do(ctx, func() error { return o.deliver(ctx, msg) })
}

// AcceptConsent closes the consent modal, enables UPI mode, and applies the
// queued intent, if any.
func (o *Orchestrator) AcceptConsent(ctx context.Context) error {
	return o.do(ctx, func() error {
		s := o.sess
		if s.Modal != ModalConsent {
			return fmt.Errorf("conversation: accept consent with %s modal: %w", s.Modal, fault.ErrInvalidState)
		}
		s.ConsentGiven = true
		s.UPIMode = true
		s.Modal = ModalNone
		s.Lock = Lock{}
		o.metrics.RecordConsent(ctx, "accepted")

		pending := s.Pending
		s.Pending = nil
		if pending == nil {
			o.emit("consent-accepted", nil)
			return nil
		}
		return o.apply(ctx, *pending)
	})
}

// DeclineConsent discards the queued intent and turns UPI mode off.
func (o *Orchestrator) DeclineConsent(ctx context.Context) error {
	return o.do(ctx, func() error {
		s := o.sess
		if s.Modal != ModalConsent {
			return fmt.Errorf("conversation: decline consent with %s modal: %w", s.Modal, fault.ErrInvalidState)
		}
		if s.Pending != nil {
			slog.Info("conversation: discarding queued intent", "session", s.ID, "message", s.Pending.ID)
		}
		o.metrics.RecordConsent(ctx, "declined")
		o.deactivate()
		o.emit("consent-declined", nil)
		return nil
	})
}

// SetUPIMode turns UPI mode on or off. Turning it on without consent shows
// the consent modal; turning it off clears consent, pending state, and any
// modal.
func (o *Orchestrator) SetUPIMode(ctx context.Context, on bool) error {
	return o.do(ctx, func() error {
		s := o.sess
		if !on {
			o.deactivate()
			o.emit("upi-deactivated", nil)
			return nil
		}
		if s.ConsentGiven {
			s.UPIMode = true
			o.emit("upi-activated", nil)
			return nil
		}
		if s.Modal == ModalPIN {
			return fmt.Errorf("conversation: enable upi: %w", fault.ErrInvalidState)
		}
		o.showConsent()
		return nil
	})
}

// OpenPINModal opens the PIN modal for a payment the user entered. The modal
// is locked against orchestrator-initiated changes for the grace window.
func (o *Orchestrator) OpenPINModal(ctx context.Context, req PaymentRequest) error {
	p := Payment{
		Kind:          req.Kind,
		Amount:        req.Amount,
		SourceAccount: req.SourceAccount,
		Remarks:       req.Remarks,
	}
	switch req.Kind {
	case PaymentTransfer:
		if req.Amount <= 0 {
			return fmt.Errorf("conversation: open pin modal: amount required: %w", fault.ErrInvalidState)
		}
		m, err := o.resolver.Resolve(ctx, o.token, req.Recipient)
		if err != nil {
			if fault.IsTerminal(err) {
				_ = o.do(ctx, func() error {
					o.fail(ctx, err)
					return nil
				})
			}
			return fmt.Errorf("conversation: open pin modal: %w", err)
		}
		p.Recipient = m.Beneficiary.UPIAddress
		p.RecipientName = m.Beneficiary.Name
	case PaymentBalanceCheck:
	default:
		return fmt.Errorf("conversation: open pin modal: unknown kind %q: %w", req.Kind, fault.ErrInvalidState)
	}

	return o.do(ctx, func() error {
		s := o.sess
		if !s.ConsentGiven {
			return fault.ErrConsentRequired
		}
		if s.Modal == ModalConsent {
			return fmt.Errorf("conversation: open pin modal over consent: %w", fault.ErrInvalidState)
		}
		o.openPIN(p, OwnerUser)
		o.emit("pin-opened", nil)
		return nil
	})
}

// ClosePINModal closes the PIN modal and drops its payment. It is allowed
// while a verification is in flight; the late result is discarded.
func (o *Orchestrator) ClosePINModal(ctx context.Context) error {
	return o.do(ctx, func() error {
		if o.sess.Modal != ModalPIN {
			return nil
		}
		o.closePIN()
		o.emit("pin-closed", nil)
		return nil
	})
}

// SubmitPIN starts the verification of the open payment. The result arrives
// asynchronously as an [Update]. Only one verification per payment may be in
// flight.
func (o *Orchestrator) SubmitPIN(ctx context.Context, pin string) error {
	if !pinFormat.MatchString(pin) {
		return ErrInvalidPIN
	}
	return o.do(ctx, func() error {
		s := o.sess
		if s.Modal != ModalPIN || s.Payment == nil {
			return fmt.Errorf("conversation: submit pin: %w", fault.ErrInvalidState)
		}
		if s.Verifying == s.Payment.ID {
			return fault.ErrVerificationInFlight
		}
		if o.payments == nil {
			return fmt.Errorf("conversation: submit pin: no payment service: %w", fault.ErrNetworkUnavailable)
		}
		pay := *s.Payment
		s.Verifying = pay.ID
		token := o.token
		rctx := o.runCtx

		go func() {
			out, err := o.payments.VerifyPIN(rctx, token, pay, pin)
			o.post(func() { o.finishPIN(rctx, pay, out, err) })
		}()
		o.emit("pin-verifying", nil)
		return nil
	})
}

// SetVoiceMode turns voice mode on or off. Turning it off stops capture and
// playback. Turning it on for an account without a voice-secured device
// shows the enrollment prompt.
func (o *Orchestrator) SetVoiceMode(ctx context.Context, on bool) error {
	return o.do(ctx, func() error {
		s := o.sess
		s.VoiceMode = on
		if o.prefs != nil {
			if err := o.prefs.SetVoiceMode(ctx, o.userID, on); err != nil {
				slog.Warn("conversation: persist voice mode", "user", o.userID, "err", err)
			}
		}
		if !on {
			o.speech.StopListening(true)
			o.speech.StopSpeaking()
			if s.Modal == ModalEnrollmentPrompt {
				s.Modal = ModalNone
			}
			o.emit("voice-disabled", nil)
			return nil
		}
		if o.voiceStatus != nil && s.Modal == ModalNone {
			secured, err := o.voiceStatus(ctx)
			if err != nil {
				if fault.IsTerminal(err) {
					o.fail(ctx, err)
				}
				return fmt.Errorf("conversation: voice status: %w", err)
			}
			if !secured {
				s.Modal = ModalEnrollmentPrompt
				s.Lock = Lock{}
			}
		}
		o.emit("voice-enabled", nil)
		return nil
	})
}

// DismissPrompt closes the enrollment prompt.
func (o *Orchestrator) DismissPrompt(ctx context.Context) error {
	return o.do(ctx, func() error {
		o.dismissPrompt()
		return nil
	})
}

// dismissPrompt closes an open enrollment prompt and tells listeners.
func (o *Orchestrator) dismissPrompt() {
	if o.sess.Modal == ModalEnrollmentPrompt {
		o.sess.Modal = ModalNone
		o.emit("prompt-dismissed", nil)
	}
}

// showConsent replaces any enrollment prompt with the consent modal.
func (o *Orchestrator) showConsent() {
	o.dismissPrompt()
	o.sess.Modal = ModalConsent
	o.sess.Lock = Lock{}
	o.emit("consent-required", nil)
}

// Snapshot returns a copy of the session.
func (o *Orchestrator) Snapshot(ctx context.Context) (Snapshot, error) {
	var snap Snapshot
	err := o.do(ctx, func() error {
		snap = o.sess.Snapshot()
		return nil
	})
	return snap, err
}

// ─── Loop-side helpers ──────────────────────────────────────────────────────

func (o *Orchestrator) deliver(ctx context.Context, msg Message) error {
	s := o.sess
	if _, seen := s.Processed[msg.ID]; seen {
		return nil
	}
	if msg.At.IsZero() {
		msg.At = o.now()
	}

	in := msg.Intent
	if msg.Role != RoleAssistant || in == nil || !in.Kind.Known() {
		o.markProcessed(msg.ID)
		o.appendTranscript(msg)
		o.emit("message", nil)
		return nil
	}

	if in.Kind.RequiresUPI() && !s.ConsentGiven {
		o.markProcessed(msg.ID)
		if s.Pending != nil {
			slog.Info("conversation: replacing queued intent", "session", s.ID, "old", s.Pending.ID, "new", msg.ID)
		}
		o.dismissPrompt()
		m := msg
		s.Pending = &m
		o.metrics.IntentsQueued.Add(ctx, 1)
		o.showConsent()
		return nil
	}
	return o.apply(ctx, msg)
}

// apply performs the side effects of an intent. Consent has already been
// checked.
func (o *Orchestrator) apply(ctx context.Context, msg Message) error {
	s := o.sess
	in := msg.Intent
	o.markProcessed(msg.ID)
	o.appendTranscript(msg)
	o.metrics.RecordIntentApplied(ctx, string(in.Kind))
	slog.Debug("conversation: applying intent", "session", s.ID, "message", msg.ID, "kind", in.Kind)

	switch in.Kind {
	case KindUPIModeActivation:
		s.UPIMode = true

	case KindUPIPaymentCard:
		// The assistant's spoken confirmation must never be captured as
		// user input.
		o.speech.StopListening(true)
		s.UPIMode = true
		if s.Modal == ModalPIN {
			if s.Lock.Held(o.now()) {
				slog.Debug("conversation: pin modal locked by user, keeping it", "session", s.ID)
			} else {
				o.closePIN()
			}
		}

	case KindUPIPayment:
		s.UPIMode = true
		o.startResolve(msg)

	case KindUPIBalanceCheck:
		s.UPIMode = true
		o.openPIN(Payment{
			Kind:          PaymentBalanceCheck,
			SourceAccount: in.SourceAccount,
			MessageID:     msg.ID,
		}, OwnerOrchestrator)

	case KindLanguageChange:
		if err := o.changeLanguage(ctx, in.Language); err != nil {
			o.emit("intent-applied", err)
			return err
		}
	}
	o.emit("intent-applied", nil)
	return nil
}

// changeLanguage stops capture, then playback, marks the session as
// changing, persists the preference, and only then commits the language.
func (o *Orchestrator) changeLanguage(ctx context.Context, lang string) error {
	s := o.sess
	if !slices.Contains(o.languages, lang) {
		o.system(fmt.Sprintf("Sorry, %q is not available yet.", lang))
		return fmt.Errorf("conversation: change language to %q: %w", lang, fault.ErrUnsupportedLanguage)
	}
	if lang == s.Language {
		return nil
	}

	o.speech.StopListening(true)
	o.speech.StopSpeaking()
	s.ChangingLanguage = true
	o.emit("language-changing", nil)

	if o.prefs != nil {
		if err := o.prefs.SetLanguage(ctx, o.userID, lang); err != nil {
			slog.Warn("conversation: persist language", "user", o.userID, "err", err)
		}
	}
	s.Language = lang
	s.ChangingLanguage = false
	return nil
}

func (o *Orchestrator) startResolve(msg Message) {
	s := o.sess
	s.Resolving = msg.ID
	token := o.token
	selector := msg.Intent.Recipient
	rctx := o.runCtx

	go func() {
		m, err := o.resolver.Resolve(rctx, token, selector)
		o.post(func() { o.finishResolve(rctx, msg, m, err) })
	}()
}

func (o *Orchestrator) finishResolve(ctx context.Context, msg Message, m recipient.Match, err error) {
	s := o.sess
	if s.Resolving != msg.ID || !s.ConsentGiven {
		slog.Debug("conversation: discarding stale recipient resolution", "session", s.ID, "message", msg.ID)
		return
	}
	s.Resolving = ""

	switch {
	case err == nil:
		in := msg.Intent
		o.openPIN(Payment{
			Kind:          PaymentTransfer,
			Amount:        in.Amount,
			Recipient:     m.Beneficiary.UPIAddress,
			RecipientName: m.Beneficiary.Name,
			SourceAccount: in.SourceAccount,
			Remarks:       in.Remarks,
			MessageID:     msg.ID,
		}, OwnerOrchestrator)
		o.emit("pin-opened", nil)
	case fault.IsTerminal(err):
		o.fail(ctx, err)
	case errors.Is(err, fault.ErrUnknownRecipient):
		o.system(fmt.Sprintf("I couldn't find a payee called %q. Please say the name again or give their UPI ID.", msg.Intent.Recipient))
		o.emit("recipient-unknown", err)
	default:
		o.emit("recipient-failed", err)
	}
}

func (o *Orchestrator) finishPIN(ctx context.Context, pay Payment, out Outcome, err error) {
	s := o.sess
	if s.Verifying == pay.ID {
		s.Verifying = ""
	}
	if s.Payment == nil || s.Payment.ID != pay.ID {
		slog.Info("conversation: discarding late PIN result", "session", s.ID, "payment", pay.ID, "err", err)
		o.metrics.RecordPINVerification(ctx, string(pay.Kind), "discarded")
		o.emit("pin-discarded", nil)
		return
	}

	switch {
	case err == nil:
		o.closePIN()
		if pay.Kind == PaymentBalanceCheck {
			o.system(fmt.Sprintf("Your available balance is %s.", out.Balance))
		} else {
			text := fmt.Sprintf("Sent %s to %s.", pay.Amount, payee(pay))
			if out.Reference != "" {
				text += " Reference " + out.Reference + "."
			}
			o.stripPaymentCards()
			o.system(text)
		}
		o.metrics.RecordPINVerification(ctx, string(pay.Kind), "success")
		o.emit("payment-completed", nil)

	case errors.Is(err, fault.ErrUnknownRecipient):
		o.closePIN()
		o.system(fmt.Sprintf("%s could not be found. Please check the UPI ID and try again.", payee(pay)))
		o.metrics.RecordPINVerification(ctx, string(pay.Kind), "unknown_recipient")
		o.emit("recipient-unknown", err)

	case fault.IsTerminal(err):
		o.metrics.RecordPINVerification(ctx, string(pay.Kind), "terminal")
		o.fail(ctx, err)

	default:
		status := "failed"
		if errors.Is(err, fault.ErrIncorrectPIN) {
			status = "incorrect"
		}
		o.metrics.RecordPINVerification(ctx, string(pay.Kind), status)
		o.emit("pin-failed", err)
	}
}

func payee(p Payment) string {
	if p.RecipientName != "" {
		return p.RecipientName
	}
	return p.Recipient
}

// openPIN shows the PIN modal for p. A user-held lock blocks the
// orchestrator from replacing the modal.
func (o *Orchestrator) openPIN(p Payment, owner Owner) {
	s := o.sess
	now := o.now()
	if owner == OwnerOrchestrator && s.Modal == ModalPIN && s.Lock.Held(now) {
		o.system("Please finish the payment on screen first.")
		return
	}

	p.ID = uuid.NewString()
	s.Payment = &p
	s.Verifying = ""
	s.Modal = ModalPIN
	if owner != OwnerUser {
		s.Lock = Lock{Owner: owner}
		return
	}

	grace := time.Duration(o.grace.Load())
	lock := Lock{Owner: OwnerUser, Expires: now.Add(grace)}
	s.Lock = lock
	time.AfterFunc(grace, func() {
		o.post(func() {
			if o.sess.Lock == lock {
				o.sess.Lock = Lock{Owner: OwnerOrchestrator}
				o.emit("lock-expired", nil)
			}
		})
	})
}

func (o *Orchestrator) closePIN() {
	s := o.sess
	s.Payment = nil
	s.Verifying = ""
	s.Modal = ModalNone
	s.Lock = Lock{}
}

// deactivate is the escape hatch: it clears consent, pending state, and any
// modal unconditionally.
func (o *Orchestrator) deactivate() {
	s := o.sess
	s.UPIMode = false
	s.ConsentGiven = false
	s.Pending = nil
	s.Payment = nil
	s.Verifying = ""
	s.Resolving = ""
	s.Modal = ModalNone
	s.Lock = Lock{}
}

// stripPaymentCards removes payment-card messages from the transcript so a
// completed transfer cannot be resubmitted from them.
func (o *Orchestrator) stripPaymentCards() {
	s := o.sess
	s.Transcript = slices.DeleteFunc(s.Transcript, func(m Message) bool {
		return m.Intent != nil && m.Intent.Kind == KindUPIPaymentCard
	})
}

func (o *Orchestrator) appendTranscript(msg Message) {
	s := o.sess
	s.Transcript = append(s.Transcript, msg)
	if over := len(s.Transcript) - o.limit; over > 0 {
		s.Transcript = slices.Delete(s.Transcript, 0, over)
	}
}

func (o *Orchestrator) markProcessed(id string) {
	o.sess.markProcessed(id, processedPerEntry*o.limit)
}

// system appends an orchestrator-authored message.
func (o *Orchestrator) system(text string) {
	msg := Message{ID: uuid.NewString(), Role: RoleSystem, Text: text, At: o.now()}
	o.seso.markProcessed(msg.ID)
	o.appendTranscript(msg)
}

func (o *Orchestrator) fail(ctx context.Context, err error) {
	o.metrics.RecordFault(ctx, fault.KindOf(err).String(), fault.CodeOf(err))
	slog.Warn("conversation: terminal fault", "session", o.sess.ID, "err", err)
	o.emit("fault", err)
	if o.onFault != nil {
		go o.onFault(err)
	}
}

func (o *Orchestrator) emit(event string, err error) {
	if len(o.listeners) == 0 {
		return
	}
	u := Update{Event: event, State: o.sess.Snapshot()}
	if err != nil {
		u.Error = err.Error()
		u.Code = fault.CodeOf(err)
	}
	for _, fn := range o.listeners {
		fn(u)
	}
}
