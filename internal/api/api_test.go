package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/gin-gonic/gin"
	"golang.org/x/crypto/bcrypt"

	"github.com/MrWong99/vaani/internal/auth"
	"github.com/MrWong99/vaani/internal/conversation"
	convmock "github.com/MrWong99/vaani/internal/conversation/mock"
	"github.com/MrWong99/vaani/internal/device"
	"github.com/MrWong99/vaani/internal/host"
	"github.com/MrWong99/vaani/internal/otp"
	"github.com/MrWong99/vaani/internal/prefs"
	"github.com/MrWong99/vaani/pkg/audio"
	"github.com/MrWong99/vaani/pkg/fault"
)

func init() { gin.SetMode(gin.TestMode) }

// ── Helpers ───────────────────────────────────────────────────────────────────

var fingerprint = device.Signals{UserAgent: "vaani-test", Platform: "android", Locale: "en-IN", ScreenWidth: 1080, ScreenHeight: 2400}.Fingerprint()

// backend accepts the password "secret" for every user.
type backend struct{}

func (backend) Validate(_ context.Context, a auth.Attempt) (auth.Verdict, error) {
	if a.Password != "secret" {
		return auth.Verdict{Reason: "wrong password"}, nil
	}
	return auth.Verdict{Accepted: true}, nil
}

// Login hands user "stale" a token that AccountFor no longer accepts.
func (backend) Login(_ context.Context, a auth.Attempt) (auth.Session, error) {
	if a.UserID == "stale" {
		return auth.Session{Token: "expired-stale", AccountID: "acc-stale"}, nil
	}
	return auth.Session{Token: "tok-" + a.UserID, AccountID: "acc-" + a.UserID}, nil
}

func (backend) AccountFor(_ context.Context, token string) (string, error) {
	user, ok := strings.CutPrefix(token, "tok-")
	if !ok {
		return "", fault.FromCode(fault.CodeSessionInvalid, "")
	}
	return "acc-" + user, nil
}

// codes captures every issued second-factor code by subject.
type codes struct {
	mu   sync.Mutex
	last map[string]string
}

func (c *codes) Send(_ context.Context, subject, code string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.last[subject] = code
	return nil
}

func (c *codes) get(t *testing.T, subject string) string {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	code, ok := c.last[subject]
	if !ok {
		t.Fatalf("no code issued for %s", subject)
	}
	return code
}

type env struct {
	srv      *httptest.Server
	codes    *codes
	host     *host.Host
	registry *device.Registry
	payments *convmock.Payments
	resolver *convmock.Resolver
}

func newEnv(t *testing.T) *env {
	t.Helper()
	e := &env{
		codes:    &codes{last: make(map[string]string)},
		payments: &convmock.Payments{Outcome: conversation.Outcome{Kind: conversation.PaymentBalanceCheck, Balance: 125050}},
		resolver: &convmock.Resolver{},
	}
	factor := otp.NewService(e.codes, otp.WithHashCost(bcrypt.MinCost))
	store := prefs.NewMemStore()

	e.registry = device.NewRegistry(device.NewMemStore(), backend{}, factor,
		device.WithRevocationListener(device.RevocationFunc(func(ctx context.Context, b device.Binding) {
			e.host.OnRevoked(ctx, b)
		})))
	e.host = host.New(host.Config{Payments: e.payments, Resolver: e.resolver, Prefs: store, Bindings: e.registry})

	s := New(Config{
		Host:     e.host,
		Registry: e.registry,
		Backend:  backend{},
		Factor:   factor,
		Marker:   store,
		Format:   audio.Format{SampleRate: 16000, Channels: 1},
	})
	e.srv = httptest.NewServer(s.Handler())
	t.Cleanup(func() {
		e.srv.Close()
		e.host.Close()
	})
	return e
}

func (e *env) do(t *testing.T, method, path, token string, body any) (int, []byte) {
	t.Helper()
	var r io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		r = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, e.srv.URL+path, r)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	data, _ := io.ReadAll(resp.Body)
	return resp.StatusCode, data
}

func decode[T any](t *testing.T, data []byte) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(data, &v); err != nil {
		t.Fatalf("decode %s: %v", data, err)
	}
	return v
}

type loginBody struct {
	ID        string        `json:"id"`
	Step      string        `json:"step"`
	Mode      string        `json:"mode"`
	SessionID string        `json:"session_id"`
	Session   *auth.Session `json:"session"`
}

type validationBody struct {
	Accepted  bool   `json:"accepted"`
	Reason    string `json:"reason"`
	Challenge *struct {
		ID string `json:"id"`
	} `json:"challenge"`
}

type snapshotBody struct {
	Language     string `json:"language"`
	UPIMode      bool   `json:"upi_mode"`
	ConsentGiven bool   `json:"consent_given"`
	Modal        string `json:"modal"`
	Verifying    bool   `json:"verifying"`
	Transcript   []struct {
		Role string `json:"role"`
		Text string `json:"text"`
	} `json:"transcript"`
}

type eventBody struct {
	Type  string        `json:"type"`
	State *snapshotBody `json:"state"`
	Text  string        `json:"text"`
	Code  string        `json:"code"`
}

// waitSignedOut fails unless the host drops to zero live sessions.
func (e *env) waitSignedOut(t *testing.T) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for e.host.Len() != 0 {
		if time.Now().After(deadline) {
			t.Fatalf("live sessions = %d, want 0", e.host.Len())
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// login runs the password flow for user and returns the session ID.
func (e *env) login(t *testing.T, user string) string {
	t.Helper()
	code, data := e.do(t, http.MethodPost, "/v1/login", "", map[string]any{"user_id": user, "fingerprint": fingerprint})
	if code != http.StatusCreated {
		t.Fatalf("create login: %d %s", code, data)
	}
	form := decode[loginBody](t, data)

	code, data = e.do(t, http.MethodPost, "/v1/login/"+form.ID+"/validate", "", map[string]any{"password": "secret"})
	if code != http.StatusOK || !decode[validationBody](t, data).Accepted {
		t.Fatalf("validate: %d %s", code, data)
	}
	otpCode := e.codes.get(t, "login:"+form.ID)

	code, data = e.do(t, http.MethodPost, "/v1/login/"+form.ID+"/complete", "", map[string]any{"code": otpCode})
	if code != http.StatusOK {
		t.Fatalf("complete: %d %s", code, data)
	}
	done := decode[loginBody](t, data)
	if done.SessionID == "" || done.Step != "authenticated" {
		t.Fatalf("complete body = %s", data)
	}
	return done.SessionID
}

func wsURL(srv *httptest.Server, path string) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http") + path
}

func readEvent(t *testing.T, conn *websocket.Conn) eventBody {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			t.Fatalf("read event: %v", err)
		}
		if typ == websocket.MessageText {
			return decode[eventBody](t, data)
		}
	}
}

func waitEvent(t *testing.T, conn *websocket.Conn, typ string) eventBody {
	t.Helper()
	for {
		if e := readEvent(t, conn); e.Type == typ {
			return e
		}
	}
}

// ── Login ─────────────────────────────────────────────────────────────────────

func TestLogin_PasswordFlowOpensSession(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	id := e.login(t, "u1")

	code, data := e.do(t, http.MethodGet, "/v1/sessions/"+id, "tok-u1", nil)
	if code != http.StatusOK {
		t.Fatalf("snapshot: %d %s", code, data)
	}
	if snap := decode[snapshotBody](t, data); snap.Language != "en-IN" || snap.Modal != "none" {
		t.Errorf("snapshot = %+v", snap)
	}
}

func TestLogin_RejectedPasswordStaysOnCredentials(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	_, data := e.do(t, http.MethodPost, "/v1/login", "", map[string]any{"user_id": "u1", "fingerprint": fingerprint})
	form := decode[loginBody](t, data)

	code, data := e.do(t, http.MethodPost, "/v1/login/"+form.ID+"/validate", "", map[string]any{"password": "nope"})
	if code != http.StatusOK {
		t.Fatalf("validate: %d %s", code, data)
	}
	if v := decode[validationBody](t, data); v.Accepted || v.Reason != "wrong password" || v.Challenge != nil {
		t.Errorf("validation = %+v", v)
	}
	_, data = e.do(t, http.MethodGet, "/v1/login/"+form.ID, "", nil)
	if st := decode[loginBody](t, data); st.Step != "entering-credentials" {
		t.Errorf("step = %q", st.Step)
	}
}

func TestLogin_WrongCodeKeepsSecondFactorStep(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	_, data := e.do(t, http.MethodPost, "/v1/login", "", map[string]any{"user_id": "u1", "fingerprint": fingerprint})
	form := decode[loginBody](t, data)
	e.do(t, http.MethodPost, "/v1/login/"+form.ID+"/validate", "", map[string]any{"password": "secret"})

	wrong := "000000"
	if e.codes.get(t, "login:"+form.ID) == wrong {
		wrong = "111111"
	}
	code, data := e.do(t, http.MethodPost, "/v1/login/"+form.ID+"/complete", "", map[string]any{"code": wrong})
	if code != http.StatusUnprocessableEntity {
		t.Fatalf("status = %d, want 422", code)
	}
	if body := decode[errorBody](t, data); body.Code != "second_factor_incorrect" {
		t.Errorf("code = %q", body.Code)
	}

	_, data = e.do(t, http.MethodGet, "/v1/login/"+form.ID, "", nil)
	if st := decode[loginBody](t, data); st.Step != "awaiting-second-factor" {
		t.Errorf("step = %q", st.Step)
	}

	// The correct code still works without re-entering the password.
	code, data = e.do(t, http.MethodPost, "/v1/login/"+form.ID+"/complete", "", map[string]any{"code": e.codes.get(t, "login:"+form.ID)})
	if code != http.StatusOK {
		t.Fatalf("complete: %d %s", code, data)
	}
}

func TestLogin_VoiceModeWithoutSample(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	_, data := e.do(t, http.MethodPost, "/v1/login", "", map[string]any{"user_id": "u1", "fingerprint": fingerprint, "mode": "voice"})
	form := decode[loginBody](t, data)
	if form.Mode != "voice" {
		t.Fatalf("mode = %q", form.Mode)
	}

	code, data := e.do(t, http.MethodPost, "/v1/login/"+form.ID+"/validate", "", nil)
	if code != http.StatusUnprocessableEntity || decode[errorBody](t, data).Code != "no_sample_captured" {
		t.Errorf("validate = %d %s", code, data)
	}
	code, data = e.do(t, http.MethodPost, "/v1/login/"+form.ID+"/enroll/stop", "", nil)
	if code != http.StatusUnprocessableEntity || decode[errorBody](t, data).Code != "no_sample_captured" {
		t.Errorf("stop without recording = %d %s", code, data)
	}
}

func TestLogin_BadRequests(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	tests := []struct {
		name string
		path string
		body any
		want int
	}{
		{"missing user", "/v1/login", map[string]any{"fingerprint": fingerprint}, http.StatusBadRequest},
		{"bad fingerprint", "/v1/login", map[string]any{"user_id": "u1", "fingerprint": "abc"}, http.StatusBadRequest},
		{"unknown form", "/v1/login/nope/validate", map[string]any{"password": "secret"}, http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if code, data := e.do(t, http.MethodPost, tt.path, "", tt.body); code != tt.want {
				t.Errorf("status = %d, want %d (%s)", code, tt.want, data)
			}
		})
	}
}

// ── Devices ───────────────────────────────────────────────────────────────────

func TestDevices_RegisterVerifyRevoke(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	const token = "tok-u1"

	code, data := e.do(t, http.MethodPost, "/v1/devices", token, map[string]any{"fingerprint": fingerprint, "label": "Phone", "platform": "android"})
	if code != http.StatusCreated {
		t.Fatalf("register: %d %s", code, data)
	}
	b := decode[device.Binding](t, data)
	if b.Trust != device.TrustProvisional {
		t.Errorf("trust = %q", b.Trust)
	}

	code, data = e.do(t, http.MethodPost, "/v1/devices/"+b.ID+"/challenge", token, nil)
	if code != http.StatusOK {
		t.Fatalf("challenge: %d %s", code, data)
	}
	ch := decode[otp.Challenge](t, data)

	code, data = e.do(t, http.MethodPost, "/v1/devices/"+b.ID+"/verify", token, map[string]any{
		"fingerprint":  fingerprint,
		"challenge_id": ch.ID,
		"code":         e.codes.get(t, "device:"+b.ID),
	})
	if code != http.StatusOK {
		t.Fatalf("verify: %d %s", code, data)
	}
	if v := decode[device.Binding](t, data); v.Trust != device.TrustTrusted {
		t.Errorf("trust after verify = %q", v.Trust)
	}

	// A login from the trusted device is tied to its binding; revoking it
	// ends the session.
	sessionID := e.login(t, "u1")
	live, err := e.host.Get(sessionID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if live.Auth().BindingID != b.ID {
		t.Errorf("binding = %q, want %q", live.Auth().BindingID, b.ID)
	}

	code, data = e.do(t, http.MethodPost, "/v1/devices/"+b.ID+"/revoke", token, nil)
	if code != http.StatusOK {
		t.Fatalf("revoke: %d %s", code, data)
	}
	select {
	case <-live.Ended():
	case <-time.After(2 * time.Second):
		t.Fatal("session through revoked binding still live")
	}
	if live.Reason() != host.ReasonRevoked {
		t.Errorf("reason = %q", live.Reason())
	}

	code, data = e.do(t, http.MethodPost, "/v1/devices/"+b.ID+"/verify", token, map[string]any{"fingerprint": fingerprint})
	if code != http.StatusForbidden {
		t.Errorf("verify revoked: %d %s", code, data)
	}
}

func TestDevices_VerifyRejectsBadVoiceSample(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	_, data := e.do(t, http.MethodPost, "/v1/devices", "tok-u1", map[string]any{"fingerprint": fingerprint})
	b := decode[device.Binding](t, data)

	code, data := e.do(t, http.MethodPost, "/v1/devices/"+b.ID+"/verify", "tok-u1", map[string]any{
		"fingerprint":  fingerprint,
		"voice_sample": "bm90IGEgd2F2",
	})
	if code != http.StatusUnprocessableEntity || decode[errorBody](t, data).Code != "decode_failed" {
		t.Errorf("verify = %d %s", code, data)
	}
}

func TestDevices_RequireBearer(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	if code, _ := e.do(t, http.MethodGet, "/v1/devices", "", nil); code != http.StatusUnauthorized {
		t.Errorf("no token: status = %d", code)
	}
	if code, _ := e.do(t, http.MethodGet, "/v1/devices", "garbage", nil); code != http.StatusUnauthorized {
		t.Errorf("bad token: status = %d", code)
	}
	code, data := e.do(t, http.MethodGet, "/v1/devices/voice-secured", "tok-u1", nil)
	if code != http.StatusOK || !strings.Contains(string(data), `"voice_secured":false`) {
		t.Errorf("voice-secured = %d %s", code, data)
	}
}

// ── Sessions ──────────────────────────────────────────────────────────────────

func TestSessions_TokenMustOwnSession(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	id := e.login(t, "u1")

	if code, _ := e.do(t, http.MethodGet, "/v1/sessions/"+id, "tok-u2", nil); code != http.StatusForbidden {
		t.Errorf("foreign token: status = %d", code)
	}
	if code, _ := e.do(t, http.MethodGet, "/v1/sessions/unknown", "tok-u1", nil); code != http.StatusNotFound {
		t.Errorf("unknown session: status = %d", code)
	}
}

func TestSessions_BalanceCheckOverEvents(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	id := e.login(t, "u1")
	const token = "tok-u1"

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, wsURL(e.srv, "/v1/sessions/"+id+"/events?token="+token), nil)
	if err != nil {
		t.Fatalf("dial events: %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")
	if first := readEvent(t, conn); first.Type != "snapshot" || first.State == nil {
		t.Fatalf("first event = %+v", first)
	}

	code, data := e.do(t, http.MethodPost, "/v1/sessions/"+id+"/pin/open", token, map[string]any{"kind": "balance-check"})
	if code != http.StatusPreconditionRequired {
		t.Errorf("open before consent: %d %s", code, data)
	}

	code, data = e.do(t, http.MethodPost, "/v1/sessions/"+id+"/upi", token, map[string]any{"on": true})
	if code != http.StatusOK || decode[snapshotBody](t, data).Modal != "consent" {
		t.Fatalf("upi on: %d %s", code, data)
	}
	waitEvent(t, conn, "consent-required")

	code, data = e.do(t, http.MethodPost, "/v1/sessions/"+id+"/consent", token, map[string]any{"accept": true})
	if code != http.StatusOK || !decode[snapshotBody](t, data).ConsentGiven {
		t.Fatalf("consent: %d %s", code, data)
	}

	code, data = e.do(t, http.MethodPost, "/v1/sessions/"+id+"/pin/open", token, map[string]any{"kind": "balance-check"})
	if code != http.StatusOK || decode[snapshotBody](t, data).Modal != "pin" {
		t.Fatalf("pin open: %d %s", code, data)
	}

	if code, data := e.do(t, http.MethodPost, "/v1/sessions/"+id+"/pin/submit", token, map[string]any{"pin": "12"}); code != http.StatusUnprocessableEntity {
		t.Errorf("malformed pin: %d %s", code, data)
	}
	code, data = e.do(t, http.MethodPost, "/v1/sessions/"+id+"/pin/submit", token, map[string]any{"pin": "1234"})
	if code != http.StatusAccepted {
		t.Fatalf("submit: %d %s", code, data)
	}

	done := waitEvent(t, conn, "payment-completed")
	if done.State == nil || done.State.Modal != "none" {
		t.Fatalf("state after payment = %+v", done.State)
	}
	tr := done.State.Transcript
	if len(tr) == 0 || tr[len(tr)-1].Text != "Your available balance is ₹1250.50." {
		t.Errorf("transcript = %+v", tr)
	}
	if calls := e.payments.Calls(); len(calls) != 1 || calls[0].Token != token || calls[0].PIN != "1234" {
		t.Errorf("payment calls = %+v", calls)
	}
}

func TestSessions_MessagesAndSignOut(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	id := e.login(t, "u1")
	const token = "tok-u1"

	code, data := e.do(t, http.MethodPost, "/v1/sessions/"+id+"/messages", token, map[string]any{"role": "user", "text": "hello"})
	if code != http.StatusOK {
		t.Fatalf("user message: %d %s", code, data)
	}
	if tr := decode[snapshotBody](t, data).Transcript; len(tr) != 1 || tr[0].Text != "hello" {
		t.Errorf("transcript = %+v", tr)
	}

	code, data = e.do(t, http.MethodPost, "/v1/sessions/"+id+"/messages", token, map[string]any{"role": "assistant", "text": "hi"})
	if code != http.StatusBadRequest && code != http.StatusUnprocessableEntity {
		t.Errorf("assistant message without id: %d %s", code, data)
	}

	if code, _ := e.do(t, http.MethodDelete, "/v1/sessions/"+id, token, nil); code != http.StatusNoContent {
		t.Errorf("sign out: status = %d", code)
	}
	if code, _ := e.do(t, http.MethodGet, "/v1/sessions/"+id, token, nil); code != http.StatusNotFound {
		t.Errorf("after sign out: status = %d", code)
	}
}

func TestSessions_ExpiredTokenOnPINOpenEndsSession(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	e.resolver.Err = fault.ErrSessionExpired
	id := e.login(t, "u1")
	const token = "tok-u1"

	code, data := e.do(t, http.MethodPost, "/v1/sessions/"+id+"/pin/open", token,
		map[string]any{"kind": "transfer", "amount": 500, "recipient": "Ravi"})
	if code != http.StatusUnauthorized || !strings.Contains(string(data), "session_expired") {
		t.Fatalf("pin open: %d %s", code, data)
	}
	if n := e.host.Len(); n != 0 {
		t.Errorf("live sessions = %d, want 0", n)
	}
	if code, _ := e.do(t, http.MethodGet, "/v1/sessions/"+id, token, nil); code != http.StatusNotFound {
		t.Errorf("after expiry: status = %d", code)
	}
}

func TestSessions_ExpiredTokenDuringPaymentEndsSession(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	id := e.login(t, "u1")
	const token = "tok-u1"

	for _, step := range []struct {
		path string
		body map[string]any
	}{
		{"/upi", map[string]any{"on": true}},
		{"/consent", map[string]any{"accept": true}},
		{"/pin/open", map[string]any{"kind": "balance-check"}},
	} {
		if code, data := e.do(t, http.MethodPost, "/v1/sessions/"+id+step.path, token, step.body); code != http.StatusOK {
			t.Fatalf("%s: %d %s", step.path, code, data)
		}
	}

	e.payments.SetResult(conversation.Outcome{}, fault.ErrSessionExpired)
	if code, data := e.do(t, http.MethodPost, "/v1/sessions/"+id+"/pin/submit", token, map[string]any{"pin": "1234"}); code != http.StatusAccepted {
		t.Fatalf("submit: %d %s", code, data)
	}

	e.waitSignedOut(t)
	if code, _ := e.do(t, http.MethodGet, "/v1/sessions/"+id, token, nil); code != http.StatusNotFound {
		t.Errorf("after expiry: status = %d", code)
	}
}

func TestDevices_RejectedTokenEndsSessions(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	e.login(t, "stale")
	e.login(t, "u1")
	if n := e.host.Len(); n != 2 {
		t.Fatalf("live sessions = %d, want 2", n)
	}

	if code, data := e.do(t, http.MethodGet, "/v1/devices", "expired-stale", nil); code != http.StatusUnauthorized {
		t.Fatalf("devices: %d %s", code, data)
	}
	if n := e.host.Len(); n != 1 {
		t.Errorf("live sessions = %d, want only the valid one left", n)
	}
}

// ── Error mapping ─────────────────────────────────────────────────────────────

func TestStatusFor(t *testing.T) {
	t.Parallel()
	tests := []struct {
		err  error
		want int
	}{
		{fault.ErrVerificationInFlight, http.StatusConflict},
		{fault.ErrInvalidState, http.StatusConflict},
		{fault.ErrConsentRequired, http.StatusPreconditionRequired},
		{fault.ErrBindingNotFound, http.StatusNotFound},
		{host.ErrNotFound, http.StatusNotFound},
		{fault.ErrIncorrectPIN, http.StatusUnprocessableEntity},
		{fault.ErrCaptureUnavailable, http.StatusUnprocessableEntity},
		{fault.ErrRevoked, http.StatusForbidden},
		{fault.FromCode(fault.CodeSessionTimeout, ""), http.StatusUnauthorized},
		{fmt.Errorf("wrapped: %w", fault.ErrNetworkUnavailable), http.StatusServiceUnavailable},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		if got := statusFor(tt.err); got != tt.want {
			t.Errorf("statusFor(%v) = %d, want %d", tt.err, got, tt.want)
		}
	}
}
