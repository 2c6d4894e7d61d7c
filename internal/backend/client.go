// Package backend is the client for the banking backend REST API.
//
// One [Client] serves every collaborator interface the core needs from the
// bank: credential checks and login ([auth.Backend]), token to account
// mapping ([device.Authenticator]), the beneficiary list
// ([recipient.Directory]), and PIN-confirmed operations
// ([conversation.Payments]).
//
// Every call goes through a shared [resilience.Breaker]. Idempotent calls
// and PIN operations carrying an idempotency key are retried on transient
// faults with the same payload. Backend error codes are mapped onto the
// [fault] taxonomy; session-expiry codes become [fault.KindSession] errors so
// the session host can force a sign-out.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/MrWong99/vaani/internal/auth"
	"github.com/MrWong99/vaani/internal/conversation"
	"github.com/MrWong99/vaani/internal/device"
	"github.com/MrWong99/vaani/internal/observe"
	"github.com/MrWong99/vaani/internal/recipient"
	"github.com/MrWong99/vaani/internal/resilience"
	"github.com/MrWong99/vaani/pkg/fault"
)

const (
	defaultTimeout = 10 * time.Second
	maxBodyBytes   = 1 << 20
)

// Compile-time interface checks.
var (
	_ auth.Backend          = (*Client)(nil)
	_ device.Authenticator  = (*Client)(nil)
	_ recipient.Directory   = (*Client)(nil)
	_ conversation.Payments = (*Client)(nil)
)

// Option is a functional option for configuring a [Client].
type Option func(*Client)

// WithHTTPClient replaces the HTTP client. Its Timeout is left untouched.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithTimeout bounds every request.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// WithRetry sets the retry policy for transient faults.
func WithRetry(p resilience.RetryPolicy) Option {
	return func(c *Client) { c.retry = p }
}

// WithBreaker sets the circuit breaker shared by all calls.
func WithBreaker(b *resilience.Breaker) Option {
	return func(c *Client) { c.breaker = b }
}

// WithMetrics sets the metrics sink. Default: [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(c *Client) { c.metrics = m }
}

// Client talks to the banking backend. It is safe for concurrent use.
type Client struct {
	base    string
	http    *http.Client
	timeout time.Duration
	retry   resilience.RetryPolicy
	breaker *resilience.Breaker
	metrics *observe.Metrics
}

// New creates a Client for the API rooted at baseURL.
func New(baseURL string, opts ...Option) (*Client, error) {
	if baseURL == "" {
		return nil, errors.New("backend: base URL must not be empty")
	}
	c := &Client{
		base:    strings.TrimRight(baseURL, "/"),
		http:    &http.Client{},
		timeout: defaultTimeout,
		retry:   resilience.RetryPolicy{Attempts: 1},
	}
	for _, o := range opts {
		o(c)
	}
	if c.breaker == nil {
		c.breaker = resilience.NewBreaker(resilience.BreakerConfig{Name: "backend"})
	}
	if c.metrics == nil {
		c.metrics = observe.DefaultMetrics()
	}
	return c, nil
}

// Breaker returns the circuit breaker guarding the backend, for health
// checks.
func (c *Client) Breaker() *resilience.Breaker { return c.breaker }

// ─── auth.Backend ───────────────────────────────────────────────────────────

// Validate implements [auth.Backend]. A credential rejection is a verdict,
// not an error. Auth calls are tried once; the login flow owns their retries.
func (c *Client) Validate(ctx context.Context, a auth.Attempt) (auth.Verdict, error) {
	var v auth.Verdict
	err := c.call(ctx, request{
		op:     "validate",
		method: http.MethodPost,
		path:   "/auth/validate",
		body:   a,
	}, &v)
	if errors.Is(err, fault.ErrInvalidCredentials) {
		return auth.Verdict{Accepted: false, Reason: reason(err)}, nil
	}
	if err != nil {
		return auth.Verdict{}, err
	}
	return v, nil
}

// Login implements [auth.Backend].
func (c *Client) Login(ctx context.Context, a auth.Attempt) (auth.Session, error) {
	var s auth.Session
	err := c.call(ctx, request{
		op:     "login",
		method: http.MethodPost,
		path:   "/auth/login",
		body:   a,
	}, &s)
	if err != nil {
		return auth.Session{}, err
	}
	if s.Token == "" {
		return auth.Session{}, fmt.Errorf("backend: login: response has no token: %w", fault.ErrNetworkUnavailable)
	}
	if s.UserID == "" {
		s.UserID = a.UserID
	}
	if s.Mode == "" {
		s.Mode = a.Mode
	}
	return s, nil
}

// ─── device.Authenticator ───────────────────────────────────────────────────

type sessionInfo struct {
	AccountID string `json:"account_id"`
}

// AccountFor implements [device.Authenticator].
func (c *Client) AccountFor(ctx context.Context, token string) (string, error) {
	var info sessionInfo
	err := c.call(ctx, request{
		op:     "session",
		method: http.MethodGet,
		path:   "/auth/session",
		token:  token,
		retry:  true,
	}, &info)
	if err != nil {
		return "", err
	}
	if info.AccountID == "" {
		return "", fault.FromCode(fault.CodeSessionInvalid, "session has no account")
	}
	return info.AccountID, nil
}

// ─── recipient.Directory ────────────────────────────────────────────────────

type beneficiaryList struct {
	Beneficiaries []recipient.Beneficiary `json:"beneficiaries"`
}

// Beneficiaries implements [recipient.Directory].
func (c *Client) Beneficiaries(ctx context.Context, token string) ([]recipient.Beneficiary, error) {
	var list beneficiaryList
	err := c.call(ctx, request{
		op:     "beneficiaries",
		method: http.MethodGet,
		path:   "/beneficiaries",
		token:  token,
		retry:  true,
	}, &list)
	if err != nil {
		return nil, err
	}
	return list.Beneficiaries, nil
}

// ─── conversation.Payments ──────────────────────────────────────────────────

type balanceRequest struct {
	SourceAccount string `json:"source_account,omitempty"`
	PIN           string `json:"pin"`
}

type balanceResponse struct {
	Balance conversation.Amount `json:"balance"`
}

type transferRequest struct {
	SourceAccount string              `json:"source_account,omitempty"`
	Recipient     string              `json:"recipient"`
	Amount        conversation.Amount `json:"amount"`
	Remarks       string              `json:"remarks,omitempty"`
	PIN           string              `json:"pin"`
}

type transferResponse struct {
	Reference string `json:"reference"`
}

// VerifyPIN implements [conversation.Payments]. The payment ID is sent as
// the idempotency key, so a retried transfer is executed at most once.
func (c *Client) VerifyPIN(ctx context.Context, token string, p conversation.Payment, pin string) (conversation.Outcome, error) {
	switch p.Kind {
	case conversation.PaymentBalanceCheck:
		var resp balanceResponse
		err := c.call(ctx, request{
			op:          "balance",
			method:      http.MethodPost,
			path:        "/upi/balance",
			token:       token,
			idempotency: p.ID,
			body:        balanceRequest{SourceAccount: p.SourceAccount, PIN: pin},
			retry:       true,
		}, &resp)
		if err != nil {
			return conversation.Outcome{}, err
		}
		return conversation.Outcome{Kind: p.Kind, Balance: resp.Balance}, nil

	case conversation.PaymentTransfer:
		var resp transferResponse
		err := c.call(ctx, request{
			op:          "transfer",
			method:      http.MethodPost,
			path:        "/upi/transfer",
			token:       token,
			idempotency: p.ID,
			body: transferRequest{
				SourceAccount: p.SourceAccount,
				Recipient:     p.Recipient,
				Amount:        p.Amount,
				Remarks:       p.Remarks,
				PIN:           pin,
			},
			retry: p.ID != "",
		}, &resp)
		if err != nil {
			return conversation.Outcome{}, err
		}
		return conversation.Outcome{Kind: p.Kind, Reference: resp.Reference}, nil
	}
	return conversation.Outcome{}, fmt.Errorf("backend: verify pin: unknown payment kind %q: %w", p.Kind, fault.ErrInvalidState)
}

// ─── transport ──────────────────────────────────────────────────────────────

type request struct {
	op          string
	method      string
	path        string
	token       string
	idempotency string
	body        any
	retry       bool
}

// errorBody is the backend's error envelope.
type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// call encodes the payload once and issues the request through the breaker,
// retrying transient faults when r.retry is set.
func (c *Client) call(ctx context.Context, r request, out any) error {
	var payload []byte
	if r.body != nil {
		var err error
		payload, err = json.Marshal(r.body)
		if err != nil {
			return fmt.Errorf("backend: %s: encode: %w", r.op, err)
		}
	}

	policy := resilience.RetryPolicy{Attempts: 1}
	if r.retry {
		policy = c.retry
	}

	ctx, span := observe.StartSpan(ctx, "backend."+r.op)
	err := resilience.Retry(ctx, policy, func(ctx context.Context) error {
		return c.breaker.Execute(ctx, func(ctx context.Context) error {
			return c.do(ctx, r, payload, out)
		})
	})
	observe.EndSpan(span, err)
	if err != nil {
		return fmt.Errorf("backend: %s: %w", r.op, err)
	}
	return nil
}

func (c *Client) do(ctx context.Context, r request, payload []byte, out any) (err error) {
	start := time.Now()
	defer func() {
		c.metrics.RecordBackendCall(ctx, r.op, status(err), time.Since(start).Seconds())
	}()

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, r.method, c.base+r.path, body)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if r.token != "" {
		req.Header.Set("Authorization", "Bearer "+r.token)
	}
	if r.idempotency != "" {
		req.Header.Set("Idempotency-Key", r.idempotency)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fault.Wrap(fault.ErrNetworkUnavailable, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return fault.Wrap(fault.ErrNetworkUnavailable, err)
	}

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		if out == nil || len(bytes.TrimSpace(data)) == 0 {
			return nil
		}
		if err := json.Unmarshal(data, out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
		return nil
	}
	return classify(resp.StatusCode, data)
}

// classify maps a non-2xx response onto the fault taxonomy.
func classify(statusCode int, data []byte) error {
	var eb errorBody
	_ = json.Unmarshal(data, &eb)
	msg := eb.Message
	if msg == "" {
		msg = http.StatusText(statusCode)
	}

	if fe := fault.FromCode(eb.Code, eb.Message); fe != nil {
		return fe
	}
	switch eb.Code {
	case "invalid_credentials":
		return fault.Wrap(fault.ErrInvalidCredentials, errors.New(msg))
	case "incorrect_pin":
		return fault.Wrap(fault.ErrIncorrectPIN, errors.New(msg))
	case "unknown_recipient":
		return fault.Wrap(fault.ErrUnknownRecipient, errors.New(msg))
	case "binding_revoked":
		return fault.Wrap(fault.ErrRevoked, errors.New(msg))
	case "fingerprint_mismatch":
		return fault.Wrap(fault.ErrFingerprintMismatch, errors.New(msg))
	}

	switch {
	case statusCode == http.StatusUnauthorized:
		return fault.FromCode(fault.CodeSessionInvalid, msg)
	case statusCode == http.StatusTooManyRequests, statusCode >= 500:
		return fault.Wrap(fault.ErrNetworkUnavailable, fmt.Errorf("status %d: %s", statusCode, msg))
	}
	slog.Warn("backend: unclassified error response", "status", statusCode, "code", eb.Code, "message", msg)
	return fault.New(fault.KindProtocol, codeOr(eb.Code, "backend_rejected"), msg)
}

func codeOr(code, def string) string {
	if code != "" {
		return code
	}
	return def
}

func status(err error) string {
	if err == nil {
		return "ok"
	}
	if c := fault.CodeOf(err); c != "" {
		return c
	}
	return "error"
}

// reason extracts the backend's message from a classified rejection.
func reason(err error) string {
	var fe *fault.Error
	if errors.As(err, &fe) && fe.Err != nil {
		return fe.Err.Error()
	}
	return ""
}
