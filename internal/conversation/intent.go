package conversation

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// Kind is the discriminator of a structured intent.
type Kind string

// Intent kinds produced by the assistant backend.
const (
	KindUPIModeActivation Kind = "upi-mode-activation"
	KindUPIPaymentCard    Kind = "upi-payment-card"
	KindUPIPayment        Kind = "upi-payment"
	KindUPIBalanceCheck   Kind = "upi-balance-check"
	KindLanguageChange    Kind = "language-change"
)

// Known reports whether k is one of the kinds the orchestrator acts on.
func (k Kind) Known() bool {
	switch k {
	case KindUPIModeActivation, KindUPIPaymentCard, KindUPIPayment, KindUPIBalanceCheck, KindLanguageChange:
		return true
	}
	return false
}

// RequiresUPI reports whether k may only take effect after UPI consent.
func (k Kind) RequiresUPI() bool {
	return k.Known() && strings.HasPrefix(string(k), "upi-")
}

// Amount is a rupee amount in paise.
type Amount int64

// ParseAmount parses a decimal rupee amount such as "1,500.50" or "250".
func ParseAmount(s string) (Amount, error) {
	s = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(s), "₹"))
	s = strings.ReplaceAll(s, ",", "")
	if s == "" {
		return 0, nil
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) || f < 0 {
		return 0, fmt.Errorf("conversation: invalid amount %q", s)
	}
	return Amount(math.Round(f * 100)), nil
}

// String formats the amount as rupees, e.g. "₹1500.50".
func (a Amount) String() string {
	return fmt.Sprintf("₹%d.%02d", int64(a)/100, int64(a)%100)
}

// MarshalJSON encodes the amount in rupees.
func (a Amount) MarshalJSON() ([]byte, error) {
	return []byte(fmt.Sprintf("%d.%02d", int64(a)/100, int64(a)%100)), nil
}

// UnmarshalJSON accepts a JSON number or a decimal string, in rupees.
func (a *Amount) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*a = 0
		return nil
	}
	var s string
	if len(data) > 0 && data[0] == '"' {
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
	} else {
		s = string(data)
	}
	v, err := ParseAmount(s)
	if err != nil {
		return err
	}
	*a = v
	return nil
}

// Intent is a structured instruction attached to an assistant message.
// Fields not used by a kind are left empty.
type Intent struct {
	Kind Kind `json:"type"`

	// upi-payment, upi-payment-card
	Amount    Amount `json:"amount,omitzero"`
	Recipient string `json:"recipient,omitempty"`
	Remarks   string `json:"remarks,omitempty"`

	// upi-payment, upi-balance-check
	SourceAccount string `json:"source_account,omitempty"`

	// language-change
	Language string `json:"language,omitempty"`
}

// DecodeIntent parses an intent. Unknown kinds decode without error; the
// orchestrator treats them as no-ops.
func DecodeIntent(data []byte) (Intent, error) {
	var in Intent
	if err := json.Unmarshal(data, &in); err != nil {
		return Intent{}, fmt.Errorf("conversation: decode intent: %w", err)
	}
	return in, nil
}

// Role identifies who authored a transcript message.
type Role string

// Message roles.
const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"

	// RoleSystem marks messages produced locally by the orchestrator, such
	// as payment confirmations and corrective prompts.
	RoleSystem Role = "system"
)

// Message is one entry of the conversation transcript.
type Message struct {
	ID     string    `json:"id"`
	Role   Role      `json:"role"`
	Text   string    `json:"text"`
	Intent *Intent   `json:"intent,omitempty"`
	At     time.Time `json:"at,omitzero"`
}
