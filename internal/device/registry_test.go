package device

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/vaani/internal/otp"
	"github.com/MrWong99/vaani/pkg/audio"
	"github.com/MrWong99/vaani/pkg/fault"
)

type tokenAuth map[string]string

func (a tokenAuth) AccountFor(_ context.Context, token string) (string, error) {
	id, ok := a[token]
	if !ok {
		return "", errors.New("unknown token")
	}
	return id, nil
}

// fixedFactor accepts exactly one code per subject.
type fixedFactor struct {
	mu     sync.Mutex
	issued map[string]string
}

func (f *fixedFactor) Issue(_ context.Context, subject string) (otp.Challenge, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.issued == nil {
		f.issued = make(map[string]string)
	}
	id := "ch-" + subject
	f.issued[id] = subject
	return otp.Challenge{ID: id}, nil
}

func (f *fixedFactor) Verify(_ context.Context, challengeID, subject, code string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.issued[challengeID] != subject {
		return fault.ErrSecondFactorExpired
	}
	if code != "123456" {
		return fault.ErrSecondFactorIncorrect
	}
	delete(f.issued, challengeID)
	return nil
}

type revocations struct {
	mu  sync.Mutex
	ids []string
}

func (r *revocations) OnRevoked(_ context.Context, b Binding) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ids = append(r.ids, b.ID)
}

func newTestRegistry(t *testing.T) (*Registry, *revocations) {
	t.Helper()
	rev := &revocations{}
	reg := NewRegistry(NewMemStore(),
		tokenAuth{"tok-a": "acct-a", "tok-b": "acct-b"},
		&fixedFactor{},
		WithRevocationListener(rev),
	)
	return reg, rev
}

func voiceSample(t *testing.T) *audio.Sample {
	t.Helper()
	s, err := audio.EncodeFloat(make([]float32, 1600), 1, 16000)
	if err != nil {
		t.Fatalf("EncodeFloat: %v", err)
	}
	return &s
}

func registerAndTrust(t *testing.T, reg *Registry, token string, sig Signals, voice bool) Binding {
	t.Helper()
	ctx := context.Background()
	b, err := reg.Register(ctx, token, RegisterRequest{Fingerprint: sig.Fingerprint(), Label: "phone", Platform: sig.Platform})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	ch, err := reg.Challenge(ctx, token, b.ID)
	if err != nil {
		t.Fatalf("Challenge: %v", err)
	}
	req := VerifyRequest{Fingerprint: sig.Fingerprint(), ChallengeID: ch.ID, Code: "123456"}
	if voice {
		req.VoiceSample = voiceSample(t)
	}
	b, err = reg.Verify(ctx, token, b.ID, req)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	return b
}

func TestRegister_IsProvisional(t *testing.T) {
	t.Parallel()
	reg, _ := newTestRegistry(t)

	b, err := reg.Register(context.Background(), "tok-a", RegisterRequest{Fingerprint: testSignals().Fingerprint(), Label: "phone"})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if b.Trust != TrustProvisional {
		t.Errorf("Trust = %s, want provisional", b.Trust)
	}
	if b.AccountID != "acct-a" {
		t.Errorf("AccountID = %q", b.AccountID)
	}
}

func TestRegister_RejectsRawSignals(t *testing.T) {
	t.Parallel()
	reg, _ := newTestRegistry(t)

	_, err := reg.Register(context.Background(), "tok-a", RegisterRequest{Fingerprint: testSignals().Canonical()})
	if fault.KindOf(err) != fault.KindProtocol {
		t.Fatalf("err = %v, want protocol fault", err)
	}
}

func TestRegister_ReplacesActiveBinding(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	reg, _ := newTestRegistry(t)
	trusted := registerAndTrust(t, reg, "tok-a", testSignals(), true)

	again, err := reg.Register(ctx, "tok-a", RegisterRequest{Fingerprint: testSignals().Fingerprint(), Label: "renamed"})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if again.ID != trusted.ID {
		t.Errorf("ID = %s, want replaced binding %s", again.ID, trusted.ID)
	}
	if again.Trust != TrustProvisional || again.VoiceSigned {
		t.Errorf("replaced binding = %+v, want provisional without voice", again)
	}
	bs, _ := reg.List(ctx, "tok-a")
	if len(bs) != 1 {
		t.Fatalf("List len = %d, want 1", len(bs))
	}
}

func TestRegister_AfterRevokeCreatesNewBinding(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	reg, _ := newTestRegistry(t)
	old := registerAndTrust(t, reg, "tok-a", testSignals(), false)
	if _, err := reg.Revoke(ctx, "tok-a", old.ID); err != nil {
		t.Fatalf("Revoke: %v", err)
	}

	fresh, err := reg.Register(ctx, "tok-a", RegisterRequest{Fingerprint: testSignals().Fingerprint()})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if fresh.ID == old.ID {
		t.Fatal("revoked binding was reused")
	}
	bs, _ := reg.List(ctx, "tok-a")
	if len(bs) != 2 {
		t.Fatalf("List len = %d, want 2 (history kept)", len(bs))
	}
	if bs[0].Trust != TrustRevoked {
		t.Errorf("historical binding trust = %s, want revoked", bs[0].Trust)
	}
}

func TestVerify_PromotesToTrusted(t *testing.T) {
	t.Parallel()
	reg, _ := newTestRegistry(t)
	b := registerAndTrust(t, reg, "tok-a", testSignals(), true)

	if b.Trust != TrustTrusted {
		t.Errorf("Trust = %s, want trusted", b.Trust)
	}
	if !b.VoiceSigned {
		t.Error("VoiceSigned = false, want true")
	}
	if b.LastVerified.IsZero() {
		t.Error("LastVerified not stamped")
	}
}

func TestVerify_Failures(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	reg, _ := newTestRegistry(t)
	sig := testSignals()
	b, _ := reg.Register(ctx, "tok-a", RegisterRequest{Fingerprint: sig.Fingerprint()})
	ch, _ := reg.Challenge(ctx, "tok-a", b.ID)

	other := sig
	other.Platform = "iOS"

	_, err := reg.Verify(ctx, "tok-a", b.ID, VerifyRequest{Fingerprint: other.Fingerprint(), ChallengeID: ch.ID, Code: "123456"})
	if !errors.Is(err, fault.ErrFingerprintMismatch) {
		t.Errorf("mismatch: err = %v, want ErrFingerprintMismatch", err)
	}
	_, err = reg.Verify(ctx, "tok-a", b.ID, VerifyRequest{Fingerprint: sig.Fingerprint(), ChallengeID: ch.ID, Code: "999999"})
	if !errors.Is(err, fault.ErrSecondFactorIncorrect) {
		t.Errorf("wrong code: err = %v, want ErrSecondFactorIncorrect", err)
	}
	_, err = reg.Verify(ctx, "tok-b", b.ID, VerifyRequest{Fingerprint: sig.Fingerprint(), ChallengeID: ch.ID, Code: "123456"})
	if !errors.Is(err, fault.ErrBindingNotFound) {
		t.Errorf("foreign account: err = %v, want ErrBindingNotFound", err)
	}

	got, _ := reg.Lookup(ctx, b.ID)
	if got.Trust != TrustProvisional {
		t.Errorf("Trust after failures = %s, want provisional", got.Trust)
	}
}

func TestRevoke_IsTerminal(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	reg, rev := newTestRegistry(t)
	sig := testSignals()
	b := registerAndTrust(t, reg, "tok-a", sig, false)

	revoked, err := reg.Revoke(ctx, "tok-a", b.ID)
	if err != nil {
		t.Fatalf("Revoke: %v", err)
	}
	if revoked.Trust != TrustRevoked || revoked.RevokedAt.IsZero() {
		t.Fatalf("revoked = %+v", revoked)
	}

	if _, err := reg.Challenge(ctx, "tok-a", b.ID); !errors.Is(err, fault.ErrRevoked) {
		t.Errorf("Challenge on revoked = %v, want ErrRevoked", err)
	}
	_, err = reg.Verify(ctx, "tok-a", b.ID, VerifyRequest{Fingerprint: sig.Fingerprint(), ChallengeID: "ch-device:" + b.ID, Code: "123456"})
	if !errors.Is(err, fault.ErrRevoked) || !fault.IsTerminal(err) {
		t.Errorf("Verify on revoked = %v, want terminal ErrRevoked", err)
	}

	got, _ := reg.Lookup(ctx, b.ID)
	if got.Trust != TrustRevoked {
		t.Errorf("stored trust = %s, want revoked", got.Trust)
	}

	// Second revoke is a no-op.
	if _, err := reg.Revoke(ctx, "tok-a", b.ID); err != nil {
		t.Fatalf("second Revoke: %v", err)
	}
	if len(rev.ids) != 1 || rev.ids[0] != b.ID {
		t.Errorf("listener calls = %v, want exactly [%s]", rev.ids, b.ID)
	}
}

func TestVoiceSecured_FlipsOnRevoke(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	reg, _ := newTestRegistry(t)

	plain := testSignals()
	plain.Platform = "Windows"
	registerAndTrust(t, reg, "tok-a", plain, false)
	voiced := registerAndTrust(t, reg, "tok-a", testSignals(), true)

	ok, err := reg.VoiceSecured(ctx, "tok-a")
	if err != nil || !ok {
		t.Fatalf("VoiceSecured = %v, %v; want true", ok, err)
	}
	if _, err := reg.Revoke(ctx, "tok-a", voiced.ID); err != nil {
		t.Fatalf("Revoke: %v", err)
	}
	ok, err = reg.VoiceSecured(ctx, "tok-a")
	if err != nil || ok {
		t.Fatalf("VoiceSecured after revoke = %v, %v; want false", ok, err)
	}
}

func TestRegistry_RequiresSession(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	reg, _ := newTestRegistry(t)

	calls := map[string]func() error{
		"register": func() error {
			_, err := reg.Register(ctx, "stale", RegisterRequest{Fingerprint: testSignals().Fingerprint()})
			return err
		},
		"list": func() error {
			_, err := reg.List(ctx, "")
			return err
		},
		"revoke": func() error {
			_, err := reg.Revoke(ctx, "stale", "id")
			return err
		},
		"voice-secured": func() error {
			_, err := reg.VoiceSecured(ctx, "stale")
			return err
		},
	}
	for name, call := range calls {
		err := call()
		if !errors.Is(err, fault.ErrSessionExpired) {
			t.Errorf("%s: err = %v, want ErrSessionExpired", name, err)
		}
		if fault.IsRetryable(err) {
			t.Errorf("%s: session failure must not be retryable", name)
		}
	}
}

func TestBinding_PromoteRevoked(t *testing.T) {
	t.Parallel()
	b := Binding{ID: "x", Trust: TrustTrusted}
	now := time.Now()
	b.Revoke(now)
	if err := b.Promote(now, true); !errors.Is(err, fault.ErrRevoked) {
		t.Fatalf("Promote revoked = %v, want ErrRevoked", err)
	}
	if b.Trust != TrustRevoked {
		t.Fatalf("Trust = %s, want revoked", b.Trust)
	}
}
