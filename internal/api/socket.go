package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/coder/websocket"
	"github.com/gin-gonic/gin"

	"github.com/MrWong99/vaani/internal/host"
	"github.com/MrWong99/vaani/pkg/audio"
)

// writeTimeout bounds a single frame write to a client.
const writeTimeout = 5 * time.Second

// maxFrame bounds one inbound audio packet.
const maxFrame = 64 << 10

func accept(c *gin.Context) (*websocket.Conn, bool) {
	conn, err := websocket.Accept(c.Writer, c.Request, nil)
	if err != nil {
		// Accept has already written the HTTP error.
		slog.Debug("api: websocket upgrade", "path", c.FullPath(), "err", err)
		c.Abort()
		return nil, false
	}
	conn.SetReadLimit(maxFrame)
	return conn, true
}

// loginAudio streams capture packets into the login form's enrollment
// source. Text frames are ignored; closing the socket ends the stream.
func (s *Server) loginAudio(c *gin.Context) {
	f, ok := s.form(c)
	if !ok {
		return
	}
	conn, ok := accept(c)
	if !ok {
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "")
	defer f.source.End()

	ctx := c.Request.Context()
	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			logClose("login audio", err)
			return
		}
		if typ != websocket.MessageBinary {
			continue
		}
		if !f.source.Push(ctx, data) {
			slog.Debug("api: login audio dropped, no recording in progress", "flow", f.flow.ID())
		}
	}
}

// sessionAudio streams capture packets into the utterance being recognised.
// Packets are decoded and downmixed to mono PCM16 first.
func (s *Server) sessionAudio(c *gin.Context) {
	l := liveFrom(c)
	dec, err := s.newDecoder()
	if err != nil {
		s.fail(c, err)
		return
	}
	conn, ok := accept(c)
	if !ok {
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()
	go func() {
		select {
		case <-l.Ended():
			cancel()
		case <-ctx.Done():
		}
	}()

	channels := max(s.cfg.Format.Channels, 1)
	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			logClose("session audio", err)
			return
		}
		if typ != websocket.MessageBinary {
			continue
		}
		frames, err := dec.Decode(data)
		if err != nil {
			slog.Debug("api: decode session audio", "session", l.ID(), "err", err)
			continue
		}
		if err := l.Feed(audio.EncodePCM16(audio.Downmix(frames, channels))); err != nil {
			slog.Debug("api: feed session audio", "session", l.ID(), "err", err)
		}
	}
}

// events pushes session events to the client. JSON events are text frames;
// synthesized speech is sent as binary PCM16 frames. The first frame is a
// "snapshot" event with the current state.
func (s *Server) events(c *gin.Context) {
	l := liveFrom(c)
	sub, unsubscribe := l.Subscribe()
	defer unsubscribe()

	conn, ok := accept(c)
	if !ok {
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	ctx := conn.CloseRead(c.Request.Context())
	if snap, err := l.Orchestrator().Snapshot(ctx); err == nil {
		if err := writeEvent(ctx, conn, host.Event{Type: "snapshot", State: &snap}); err != nil {
			return
		}
	}
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-sub:
			if !ok {
				conn.Close(websocket.StatusNormalClosure, "session ended")
				return
			}
			if err := writeEvent(ctx, conn, e); err != nil {
				logClose("events", err)
				return
			}
		}
	}
}

func writeEvent(ctx context.Context, conn *websocket.Conn, e host.Event) error {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	if e.Type == "audio" {
		return conn.Write(ctx, websocket.MessageBinary, e.Audio)
	}
	data, err := json.Marshal(e)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, data)
}

func logClose(stream string, err error) {
	if websocket.CloseStatus(err) == websocket.StatusNormalClosure || errors.Is(err, context.Canceled) {
		return
	}
	slog.Debug("api: websocket closed", "stream", stream, "err", err)
}
