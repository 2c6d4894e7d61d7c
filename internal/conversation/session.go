package conversation

import (
	"errors"
	"fmt"
	"maps"
	"slices"
	"time"
)

// Modal is the blocking surface shown on top of the chat. At most one is
// active.
type Modal int

const (
	ModalNone Modal = iota
	ModalPIN
	ModalConsent
	ModalEnrollmentPrompt
)

// String returns the wire name of the modal.
func (m Modal) String() string {
	switch m {
	case ModalNone:
		return "none"
	case ModalPIN:
		return "pin"
	case ModalConsent:
		return "consent"
	case ModalEnrollmentPrompt:
		return "enrollment-prompt"
	default:
		return fmt.Sprintf("Modal(%d)", int(m))
	}
}

// MarshalText implements encoding.TextMarshaler.
func (m Modal) MarshalText() ([]byte, error) { return []byte(m.String()), nil }

// Owner identifies who opened a modal.
type Owner string

const (
	OwnerUser         Owner = "user"
	OwnerOrchestrator Owner = "orchestrator"
)

// Lock guards a modal against orchestrator-initiated changes until Expires.
// The zero Lock guards nothing.
type Lock struct {
	Owner   Owner     `json:"owner,omitempty"`
	Expires time.Time `json:"expires,omitzero"`
}

// Held reports whether the lock is owned by the user and unexpired at now.
func (l Lock) Held(now time.Time) bool {
	return l.Owner == OwnerUser && now.Before(l.Expires)
}

// PaymentKind distinguishes the two PIN-confirmed operations.
type PaymentKind string

const (
	PaymentTransfer     PaymentKind = "transfer"
	PaymentBalanceCheck PaymentKind = "balance-check"
)

// Payment is the data needed to execute one PIN-confirmed UPI operation.
type Payment struct {
	ID            string      `json:"id"`
	Kind          PaymentKind `json:"kind"`
	Amount        Amount      `json:"amount,omitzero"`
	Recipient     string      `json:"recipient,omitempty"`
	RecipientName string      `json:"recipient_name,omitempty"`
	SourceAccount string      `json:"source_account,omitempty"`
	Remarks       string      `json:"remarks,omitempty"`

	// MessageID is the assistant message that requested the payment; empty
	// for payments the user started.
	MessageID string `json:"message_id,omitempty"`
}

// Session is the live state of one chat. It is owned by exactly one
// [Orchestrator] goroutine; everyone else sees [Snapshot] copies.
type Session struct {
	ID        string
	UserID    string
	Token     string
	BindingID string

	Language         string
	ChangingLanguage bool
	VoiceMode        bool
	UPIMode          bool
	ConsentGiven     bool

	// Pending is the single-slot queue of an intent waiting for consent.
	Pending *Message

	Modal Modal
	Lock  Lock

	Payment *Payment

	// Verifying is the ID of the payment whose PIN verification is in
	// flight.
	Verifying string

	// Resolving is the ID of the message whose recipient is being resolved.
	Resolving string

	// Processed holds the IDs of recently applied messages, oldest first in
	// processedOrder.
	Processed      map[string]struct{}
	processedOrder []string

	Transcript []Message
}

// NewSession returns an empty session.
func NewSession(id, userID, token, language string) *Session {
	return &Session{
		ID:        id,
		UserID:    userID,
		Token:     token,
		Language:  language,
		Processed: make(map[string]struct{}),
	}
}

// markProcessed records id as applied. Only the newest limit IDs are kept;
// limit <= 0 keeps all.
func (s *Session) markProcessed(id string, limit int) {
	if _, ok := s.Processed[id]; ok {
		return
	}
	s.Processed[id] = struct{}{}
	s.processedOrder = append(s.processedOrder, id)
	if over := len(s.processedOrder) - limit; limit > 0 && over > 0 {
		for _, old := range s.processedOrder[:over] {
			delete(s.Processed, old)
		}
		s.processedOrder = slices.Delete(s.processedOrder, 0, over)
	}
}

// Check verifies the session invariants.
func (s *Session) Check() error {
	var errs []error
	if s.UPIMode && !s.ConsentGiven {
		errs = append(errs, errors.New("upi mode without consent"))
	}
	if s.Modal == ModalPIN && s.Payment == nil {
		errs = append(errs, errors.New("pin modal without payment"))
	}
	if s.Payment != nil && s.Modal != ModalPIN {
		errs = append(errs, errors.New("payment without pin modal"))
	}
	if s.Pending != nil && s.Modal != ModalConsent {
		errs = append(errs, errors.New("pending intent without consent modal"))
	}
	if s.Lock.Owner != "" && s.Modal == ModalNone {
		errs = append(errs, errors.New("lock without modal"))
	}
	return errors.Join(errs...)
}

// Snapshot is a read-only copy of a [Session] without its credentials.
type Snapshot struct {
	ID               string    `json:"id"`
	Language         string    `json:"language"`
	ChangingLanguage bool      `json:"changing_language"`
	VoiceMode        bool      `json:"voice_mode"`
	UPIMode          bool      `json:"upi_mode"`
	ConsentGiven     bool      `json:"consent_given"`
	Pending          *Message  `json:"pending,omitempty"`
	Modal            Modal     `json:"modal"`
	Lock             Lock      `json:"lock,omitzero"`
	Payment          *Payment  `json:"payment,omitempty"`
	Verifying        bool      `json:"verifying"`
	Transcript       []Message `json:"transcript"`

	processed map[string]struct{}
}

// Snapshot returns a deep copy of s.
func (s *Session) Snapshot() Snapshot {
	snap := Snapshot{
		ID:               s.ID,
		Language:         s.Language,
		ChangingLanguage: s.ChangingLanguage,
		VoiceMode:        s.VoiceMode,
		UPIMode:          s.UPIMode,
		ConsentGiven:     s.ConsentGiven,
		Modal:            s.Modal,
		Lock:             s.Lock,
		Verifying:        s.Verifying != "",
		Transcript:       slices.Clone(s.Transcript),
		processed:        maps.Clone(s.Processed),
	}
	if s.Pending != nil {
		p := *s.Pending
		snap.Pending = &p
	}
	if s.Payment != nil {
		p := *s.Payment
		snap.Payment = &p
	}
	return snap
}

// Processed reports whether the message with id has been applied.
func (s Snapshot) Processed(id string) bool {
	_, ok := s.processed[id]
	return ok
}

// Check verifies the invariants on a snapshot.
func (s Snapshot) Check() error {
	sess := Session{
		UPIMode:      s.UPIMode,
		ConsentGiven: s.ConsentGiven,
		Pending:      s.Pending,
		Modal:        s.Modal,
		Lock:         s.Lock,
		Payment:      s.Payment,
	}
	return sess.Check()
}
