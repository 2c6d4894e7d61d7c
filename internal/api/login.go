package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/MrWong99/vaani/internal/auth"
	"github.com/MrWong99/vaani/internal/device"
	"github.com/MrWong99/vaani/internal/enroll"
	"github.com/MrWong99/vaani/internal/prefs"
	"github.com/MrWong99/vaani/pkg/audio"
)

// loginForm is one open login screen: the auth flow plus the capture source
// its enrollment protocol records from.
type loginForm struct {
	flow    *auth.Flow
	source  *audio.PushSource
	touched time.Time
}

type createLoginRequest struct {
	UserID      string    `json:"user_id" binding:"required"`
	Fingerprint string    `json:"fingerprint" binding:"required"`
	Mode        auth.Mode `json:"mode"`
}

type loginResponse struct {
	auth.Status
	SessionID string        `json:"session_id,omitempty"`
	Session   *auth.Session `json:"session,omitempty"`
}

func (s *Server) createLogin(c *gin.Context) {
	var req createLoginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	if !device.ValidFingerprint(req.Fingerprint) {
		badRequest(c, errors.New("fingerprint must be a hex SHA-256 digest"))
		return
	}

	dec, err := s.newDecoder()
	if err != nil {
		s.fail(c, err)
		return
	}
	src := audio.NewPushSource(s.cfg.Format)
	protocol := enroll.New(enroll.Config{
		Source:      src,
		Decoder:     dec,
		Marker:      s.cfg.Marker,
		Key:         prefs.EnrollmentKey(req.UserID, req.Fingerprint),
		MaxDuration: s.cfg.MaxRecording,
		SampleTTL:   s.cfg.SampleTTL,
		Metrics:     s.cfg.Metrics,
	})
	flow := auth.NewFlow(auth.FlowConfig{
		UserID:      req.UserID,
		Fingerprint: req.Fingerprint,
		Mode:        req.Mode,
		Backend:     s.cfg.Backend,
		Factor:      s.cfg.Factor,
		Enrollment:  protocol,
		Retry:       s.cfg.Retry,
		Metrics:     s.cfg.Metrics,
	})

	s.mu.Lock()
	s.sweepLoginsLocked(time.Now())
	s.logins[flow.ID()] = &loginForm{flow: flow, source: src, touched: time.Now()}
	s.mu.Unlock()

	slog.Info("login form opened", "flow", flow.ID(), "user", req.UserID, "mode", flow.Status().Mode)
	c.JSON(http.StatusCreated, loginResponse{Status: flow.Status()})
}

func (s *Server) newDecoder() (audio.Decoder, error) {
	if s.cfg.NewDecoder == nil {
		return audio.PCM16LE, nil
	}
	return s.cfg.NewDecoder()
}

// sweepLoginsLocked drops forms that have been idle longer than LoginTTL.
func (s *Server) sweepLoginsLocked(now time.Time) {
	for id, f := range s.logins {
		if now.Sub(f.touched) > s.cfg.LoginTTL {
			f.flow.Enrollment().Cancel()
			delete(s.logins, id)
		}
	}
}

// form resolves the login form in the path or aborts with 404.
func (s *Server) form(c *gin.Context) (*loginForm, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, ok := s.logins[c.Param("id")]
	if !ok {
		c.AbortWithStatusJSON(http.StatusNotFound, errorBody{Error: "login not found", Code: "not_found"})
		return nil, false
	}
	f.touched = time.Now()
	return f, true
}

func (s *Server) loginStatus(c *gin.Context) {
	f, ok := s.form(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, loginResponse{Status: f.flow.Status()})
}

func (s *Server) switchMode(c *gin.Context) {
	f, ok := s.form(c)
	if !ok {
		return
	}
	var req struct {
		Mode auth.Mode `json:"mode" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	if err := f.flow.SwitchMode(c.Request.Context(), req.Mode); err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, loginResponse{Status: f.flow.Status()})
}

// ─── enrollment ─────────────────────────────────────────────────────────────

func (s *Server) enrollStart(c *gin.Context) {
	f, ok := s.form(c)
	if !ok {
		return
	}
	var req struct {
		PhraseHint string `json:"phrase_hint"`
	}
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, err)
			return
		}
	}
	// Capture outlives the request; it ends on stop, cancel or the
	// recording limit.
	st, err := f.flow.Enrollment().Start(context.WithoutCancel(c.Request.Context()), req.PhraseHint)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, st)
}

func (s *Server) enrollStop(c *gin.Context) {
	f, ok := s.form(c)
	if !ok {
		return
	}
	st, err := f.flow.Enrollment().Stop(c.Request.Context())
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, st)
}

func (s *Server) enrollCancel(c *gin.Context) {
	f, ok := s.form(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, f.flow.Enrollment().Cancel())
}

func (s *Server) enrollReset(c *gin.Context) {
	f, ok := s.form(c)
	if !ok {
		return
	}
	var req struct {
		Flush bool `json:"flush"`
	}
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, err)
			return
		}
	}
	if err := f.flow.Enrollment().Reset(c.Request.Context(), req.Flush); err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, f.flow.Enrollment().Status())
}

// ─── credentials ────────────────────────────────────────────────────────────

func (s *Server) validate(c *gin.Context) {
	f, ok := s.form(c)
	if !ok {
		return
	}
	var creds auth.Credentials
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&creds); err != nil {
			badRequest(c, err)
			return
		}
	}
	v, err := f.flow.ValidateOnly(c.Request.Context(), creds)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, v)
}

func (s *Server) resend(c *gin.Context) {
	f, ok := s.form(c)
	if !ok {
		return
	}
	ch, err := f.flow.Resend(c.Request.Context())
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, ch)
}

// complete finishes the login and opens the conversation.
func (s *Server) complete(c *gin.Context) {
	f, ok := s.form(c)
	if !ok {
		return
	}
	var req struct {
		Code string `json:"code" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	ctx := c.Request.Context()
	res, err := f.flow.Complete(ctx, req.Code)
	if err != nil {
		s.fail(c, err)
		return
	}
	sess := *res.Session
	sess.BindingID = s.bindingFor(ctx, sess.Token, f.flow.Status().UserID, f.flow.Fingerprint())

	live, err := s.cfg.Host.Open(ctx, sess)
	if err != nil {
		s.fail(c, fmt.Errorf("api: open session: %w", err))
		return
	}

	s.mu.Lock()
	delete(s.logins, c.Param("id"))
	s.mu.Unlock()

	c.JSON(http.StatusOK, loginResponse{Status: f.flow.Status(), SessionID: live.ID(), Session: &sess})
}

// bindingFor returns the active binding of the logging-in device, or "" when
// the device is not registered yet.
func (s *Server) bindingFor(ctx context.Context, token, user, fp string) string {
	if s.cfg.Registry == nil || fp == "" {
		return ""
	}
	bindings, err := s.cfg.Registry.List(ctx, token)
	if err != nil {
		slog.Warn("api: list bindings after login", "user", user, "err", err)
		return ""
	}
	for _, b := range bindings {
		if b.Fingerprint == fp && b.Active() {
			return b.ID
		}
	}
	return ""
}

func (s *Server) cancelLogin(c *gin.Context) {
	f, ok := s.form(c)
	if !ok {
		return
	}
	step := f.flow.Cancel()
	c.JSON(http.StatusOK, gin.H{"step": step})
}
