// Package api exposes the login flow, the device registry, and live
// conversations over HTTP and WebSocket.
//
// All routes live under /v1. Device and session routes take the backend
// session token as "Authorization: Bearer <token>". Errors are JSON objects
// {"error": "...", "code": "..."} whose HTTP status follows the fault kind:
// protocol faults are 4xx answers the client can correct, trust and session
// faults are 403/401 and end the client's session, transient faults are 503.
package api

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/MrWong99/vaani/internal/auth"
	"github.com/MrWong99/vaani/internal/device"
	"github.com/MrWong99/vaani/internal/enroll"
	"github.com/MrWong99/vaani/internal/health"
	"github.com/MrWong99/vaani/internal/host"
	"github.com/MrWong99/vaani/internal/observe"
	"github.com/MrWong99/vaani/internal/recipient"
	"github.com/MrWong99/vaani/internal/resilience"
	"github.com/MrWong99/vaani/pkg/audio"
	"github.com/MrWong99/vaani/pkg/fault"
)

// DefaultLoginTTL is how long an abandoned login form is kept.
const DefaultLoginTTL = 15 * time.Minute

// Config holds the collaborators of a [Server].
type Config struct {
	Host     *host.Host
	Registry *device.Registry
	Backend  auth.Backend
	Factor   auth.SecondFactor
	Marker   enroll.Marker

	// Directory supplies beneficiary names used as recognition keywords.
	// Optional.
	Directory recipient.Directory

	// Format is the capture format clients stream.
	Format audio.Format

	// NewDecoder creates the decoder for one capture stream.
	NewDecoder func() (audio.Decoder, error)

	MaxRecording time.Duration
	SampleTTL    time.Duration
	LoginTTL     time.Duration
	Retry        resilience.RetryPolicy

	Health         *health.Handler
	MetricsHandler http.Handler
	Metrics        *observe.Metrics
}

// Server is the HTTP surface. Create it with [New] and serve
// [Server.Handler].
type Server struct {
	cfg    Config
	engine *gin.Engine

	mu     sync.Mutex
	logins map[string]*loginForm
}

// New builds the router.
func New(cfg Config) *Server {
	if cfg.Metrics == nil {
		cfg.Metrics = observe.DefaultMetrics()
	}
	if cfg.LoginTTL <= 0 {
		cfg.LoginTTL = DefaultLoginTTL
	}
	s := &Server{
		cfg:    cfg,
		logins: make(map[string]*loginForm),
	}

	r := gin.New()
	r.Use(gin.Recovery(), observe.Middleware(cfg.Metrics))
	if cfg.Health != nil {
		cfg.Health.Register(r)
	}
	if cfg.MetricsHandler != nil {
		r.GET("/metrics", gin.WrapH(cfg.MetricsHandler))
	}

	v1 := r.Group("/v1")

	login := v1.Group("/login")
	login.POST("", s.createLogin)
	login.GET("/:id", s.loginStatus)
	login.POST("/:id/mode", s.switchMode)
	login.POST("/:id/enroll/start", s.enrollStart)
	login.POST("/:id/enroll/stop", s.enrollStop)
	login.POST("/:id/enroll/cancel", s.enrollCancel)
	login.POST("/:id/enroll/reset", s.enrollReset)
	login.GET("/:id/audio", s.loginAudio)
	login.POST("/:id/validate", s.validate)
	login.POST("/:id/resend", s.resend)
	login.POST("/:id/complete", s.complete)
	login.POST("/:id/cancel", s.cancelLogin)

	devices := v1.Group("/devices", bearer)
	devices.GET("", s.listDevices)
	devices.POST("", s.registerDevice)
	devices.GET("/voice-secured", s.voiceSecured)
	devices.POST("/:id/challenge", s.challengeDevice)
	devices.POST("/:id/verify", s.verifyDevice)
	devices.POST("/:id/revoke", s.revokeDevice)

	sessions := v1.Group("/sessions/:id", bearer, s.live)
	sessions.GET("", s.snapshot)
	sessions.DELETE("", s.signOut)
	sessions.POST("/messages", s.deliver)
	sessions.POST("/consent", s.consent)
	sessions.POST("/upi", s.upiMode)
	sessions.POST("/pin/open", s.openPIN)
	sessions.POST("/pin/close", s.closePIN)
	sessions.POST("/pin/submit", s.submitPIN)
	sessions.POST("/voice", s.voiceMode)
	sessions.POST("/voice/dismiss", s.dismissPrompt)
	sessions.POST("/listen/start", s.listenStart)
	sessions.POST("/listen/stop", s.listenStop)
	sessions.GET("/audio", s.sessionAudio)
	sessions.GET("/events", s.events)

	s.engine = r
	return s
}

// Handler returns the root HTTP handler.
func (s *Server) Handler() http.Handler { return s.engine }

// ─── middleware ─────────────────────────────────────────────────────────────

const (
	tokenKey = "vaani.token"
	liveKey  = "vaani.live"
)

// bearer extracts the session token.
func bearer(c *gin.Context) {
	h := c.GetHeader("Authorization")
	token, ok := strings.CutPrefix(h, "Bearer ")
	if !ok {
		// Browsers cannot set headers on WebSocket upgrades.
		token = c.Query("token")
	}
	token = strings.TrimSpace(token)
	if token == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, errorBody{Error: "missing bearer token", Code: "unauthorized"})
		return
	}
	c.Set(tokenKey, token)
	c.Next()
}

// live resolves the session in the path and checks it belongs to the token.
func (s *Server) live(c *gin.Context) {
	l, err := s.cfg.Host.Get(c.Param("id"))
	if err != nil {
		c.AbortWithStatusJSON(http.StatusNotFound, errorBody{Error: "session not found", Code: "not_found"})
		return
	}
	if l.Auth().Token != c.GetString(tokenKey) {
		c.AbortWithStatusJSON(http.StatusForbidden, errorBody{Error: "token does not own this session", Code: "forbidden"})
		return
	}
	c.Set(liveKey, l)
	c.Next()
}

func liveFrom(c *gin.Context) *host.Live {
	return c.MustGet(liveKey).(*host.Live)
}

// ─── errors ─────────────────────────────────────────────────────────────────

type errorBody struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

// statusFor maps an error to its HTTP status.
func statusFor(err error) int {
	switch {
	case errors.Is(err, fault.ErrVerificationInFlight), errors.Is(err, fault.ErrInvalidState):
		return http.StatusConflict
	case errors.Is(err, fault.ErrBindingNotFound), errors.Is(err, host.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, fault.ErrConsentRequired):
		return http.StatusPreconditionRequired
	}
	switch fault.KindOf(err) {
	case fault.KindProtocol:
		return http.StatusUnprocessableEntity
	case fault.KindDevice:
		return http.StatusUnprocessableEntity
	case fault.KindTrust:
		return http.StatusForbidden
	case fault.KindSession:
		return http.StatusUnauthorized
	case fault.KindTransient:
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func (s *Server) fail(c *gin.Context, err error) {
	status := statusFor(err)
	code := fault.CodeOf(err)
	if code != "" {
		s.cfg.Metrics.RecordFault(c.Request.Context(), fault.KindOf(err).String(), code)
	}
	msg := err.Error()
	if status == http.StatusInternalServerError {
		observe.Logger(c.Request.Context()).Error("api: unexpected error", "path", c.FullPath(), "err", err)
		msg = "internal error"
	}
	var fe *fault.Error
	if errors.As(err, &fe) {
		msg = fe.Msg
	}
	s.endSessions(c, err)
	c.AbortWithStatusJSON(status, errorBody{Error: msg, Code: code})
}

// endSessions forces sign-out after a terminal fault. On a session route the
// addressed session ends on any trust or session fault; elsewhere a session
// fault ends every session using the rejected token.
func (s *Server) endSessions(c *gin.Context, err error) {
	if !fault.IsTerminal(err) || s.cfg.Host == nil {
		return
	}
	if v, ok := c.Get(liveKey); ok {
		s.cfg.Host.HandleFault(v.(*host.Live).ID(), err)
		return
	}
	if n := s.cfg.Host.HandleTokenFault(c.GetString(tokenKey), err); n > 0 {
		slog.Info("api: rejected token ended sessions", "path", c.FullPath(), "sessions", n, "code", fault.CodeOf(err))
	}
}

func badRequest(c *gin.Context, err error) {
	slog.Debug("api: bad request", "path", c.FullPath(), "err", err)
	c.AbortWithStatusJSON(http.StatusBadRequest, errorBody{Error: err.Error(), Code: "bad_request"})
}
