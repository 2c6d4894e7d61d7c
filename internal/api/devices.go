package api

import (
	"encoding/base64"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/MrWong99/vaani/internal/device"
	"github.com/MrWong99/vaani/pkg/audio"
	"github.com/MrWong99/vaani/pkg/fault"
)

func (s *Server) listDevices(c *gin.Context) {
	list, err := s.cfg.Registry.List(c.Request.Context(), c.GetString(tokenKey))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"devices": list})
}

func (s *Server) registerDevice(c *gin.Context) {
	var req device.RegisterRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	b, err := s.cfg.Registry.Register(c.Request.Context(), c.GetString(tokenKey), req)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, b)
}

func (s *Server) challengeDevice(c *gin.Context) {
	ch, err := s.cfg.Registry.Challenge(c.Request.Context(), c.GetString(tokenKey), c.Param("id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, ch)
}

type verifyDeviceRequest struct {
	device.VerifyRequest

	// VoiceSample is a base64 WAV recording that signs the binding.
	VoiceSample string `json:"voice_sample"`
}

func (s *Server) verifyDevice(c *gin.Context) {
	var req verifyDeviceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	if req.VoiceSample != "" {
		raw, err := base64.StdEncoding.DecodeString(req.VoiceSample)
		if err != nil {
			badRequest(c, fmt.Errorf("voice_sample: %w", err))
			return
		}
		sample, err := audio.ParseWAV(raw)
		if err != nil {
			s.fail(c, fault.Wrap(fault.ErrDecodeFailed, err))
			return
		}
		req.VerifyRequest.VoiceSample = &sample
	}
	b, err := s.cfg.Registry.Verify(c.Request.Context(), c.GetString(tokenKey), c.Param("id"), req.VerifyRequest)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, b)
}

func (s *Server) revokeDevice(c *gin.Context) {
	b, err := s.cfg.Registry.Revoke(c.Request.Context(), c.GetString(tokenKey), c.Param("id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, b)
}

func (s *Server) voiceSecured(c *gin.Context) {
	ok, err := s.cfg.Registry.VoiceSecured(c.Request.Context(), c.GetString(tokenKey))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"voice_secured": ok})
}
