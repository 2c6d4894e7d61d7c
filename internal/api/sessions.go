package api

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/MrWong99/vaani/internal/conversation"
	"github.com/MrWong99/vaani/internal/host"
	"github.com/MrWong99/vaani/internal/recipient"
	"github.com/MrWong99/vaani/pkg/provider/stt"
)

// keywordBoost is the recognition boost given to beneficiary names.
const keywordBoost = 2.0

type toggleRequest struct {
	On *bool `json:"on" binding:"required"`
}

// bindToggle reads {"on": bool}.
func bindToggle(c *gin.Context) (bool, bool) {
	var req toggleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return false, false
	}
	return *req.On, true
}

// respond answers with the session snapshot after a successful operation.
func (s *Server) respond(c *gin.Context, l *host.Live, err error) {
	if err != nil {
		s.fail(c, err)
		return
	}
	snap, err := l.Orchestrator().Snapshot(c.Request.Context())
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, snap)
}

func (s *Server) snapshot(c *gin.Context) {
	s.respond(c, liveFrom(c), nil)
}

func (s *Server) signOut(c *gin.Context) {
	s.cfg.Host.SignOut(c.Param("id"), host.ReasonUser)
	c.Status(http.StatusNoContent)
}

func (s *Server) deliver(c *gin.Context) {
	l := liveFrom(c)
	var msg conversation.Message
	if err := c.ShouldBindJSON(&msg); err != nil {
		badRequest(c, err)
		return
	}
	if msg.ID == "" && msg.Role == conversation.RoleUser {
		msg.ID = uuid.NewString()
	}
	s.respond(c, l, l.Deliver(c.Request.Context(), msg))
}

func (s *Server) consent(c *gin.Context) {
	l := liveFrom(c)
	var req struct {
		Accept *bool `json:"accept" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	ctx := c.Request.Context()
	if *req.Accept {
		s.respond(c, l, l.Orchestrator().AcceptConsent(ctx))
		return
	}
	s.respond(c, l, l.Orchestrator().DeclineConsent(ctx))
}

func (s *Server) upiMode(c *gin.Context) {
	l := liveFrom(c)
	on, ok := bindToggle(c)
	if !ok {
		return
	}
	s.respond(c, l, l.Orchestrator().SetUPIMode(c.Request.Context(), on))
}

func (s *Server) openPIN(c *gin.Context) {
	l := liveFrom(c)
	var req conversation.PaymentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	s.respond(c, l, l.Orchestrator().OpenPINModal(c.Request.Context(), req))
}

func (s *Server) closePIN(c *gin.Context) {
	l := liveFrom(c)
	s.respond(c, l, l.Orchestrator().ClosePINModal(c.Request.Context()))
}

// submitPIN answers 202: the outcome arrives on the event stream.
func (s *Server) submitPIN(c *gin.Context) {
	l := liveFrom(c)
	var req struct {
		PIN string `json:"pin" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	if err := l.Orchestrator().SubmitPIN(c.Request.Context(), req.PIN); err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"status": "verifying"})
}

func (s *Server) voiceMode(c *gin.Context) {
	l := liveFrom(c)
	on, ok := bindToggle(c)
	if !ok {
		return
	}
	s.respond(c, l, l.Orchestrator().SetVoiceMode(c.Request.Context(), on))
}

func (s *Server) dismissPrompt(c *gin.Context) {
	l := liveFrom(c)
	s.respond(c, l, l.Orchestrator().DismissPrompt(c.Request.Context()))
}

func (s *Server) listenStart(c *gin.Context) {
	l := liveFrom(c)
	ctx := c.Request.Context()
	// The utterance outlives this request.
	err := l.Listen(context.WithoutCancel(ctx), s.keywords(ctx, l.Auth().Token))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"listening": true})
}

func (s *Server) listenStop(c *gin.Context) {
	l := liveFrom(c)
	var req struct {
		Discard bool `json:"discard"`
	}
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, err)
			return
		}
	}
	l.StopListening(req.Discard)
	c.JSON(http.StatusOK, gin.H{"listening": false})
}

// keywords biases recognition towards the user's beneficiaries.
func (s *Server) keywords(ctx context.Context, token string) []stt.KeywordBoost {
	if s.cfg.Directory == nil {
		return nil
	}
	list, err := s.cfg.Directory.Beneficiaries(ctx, token)
	if err != nil {
		slog.Debug("api: beneficiaries for keywords", "err", err)
		return nil
	}
	return recipient.Keywords(list, keywordBoost)
}
