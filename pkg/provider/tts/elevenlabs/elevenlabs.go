// Package elevenlabs provides an ElevenLabs-backed TTS provider using the
// ElevenLabs streaming WebSocket API. It implements the tts.Provider interface.
package elevenlabs

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"

	"github.com/coder/websocket"

	"github.com/MrWong99/vaani/pkg/fault"
	"github.com/MrWong99/vaani/pkg/provider/tts"
)

const (
	defaultEndpoint  = "wss://api.elevenlabs.io/v1"
	defaultModel     = "eleven_flash_v2_5"
	defaultOutputFmt = "pcm_16000"
)

// Option is a functional option for configuring the ElevenLabs Provider.
type Option func(*Provider)

// WithModel sets the ElevenLabs model ID (e.g., "eleven_flash_v2_5").
func WithModel(model string) Option {
	return func(p *Provider) {
		if model != "" {
			p.model = model
		}
	}
}

// WithOutputFormat sets the audio output format (e.g., "pcm_16000").
func WithOutputFormat(format string) Option {
	return func(p *Provider) {
		p.outputFormat = format
	}
}

// WithEndpoint overrides the API base (ws:// or wss://, without the
// text-to-speech path).
func WithEndpoint(endpoint string) Option {
	return func(p *Provider) {
		if endpoint != "" {
			p.endpoint = strings.TrimSuffix(endpoint, "/")
		}
	}
}

// Provider implements tts.Provider backed by the ElevenLabs streaming API.
type Provider struct {
	apiKey       string
	endpoint     string
	model        string
	outputFormat string
}

var _ tts.Provider = (*Provider)(nil)

// New creates a new ElevenLabs Provider. apiKey must be non-empty.
func New(apiKey string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, errors.New("elevenlabs: apiKey must not be empty")
	}
	p := &Provider{
		apiKey:       apiKey,
		endpoint:     defaultEndpoint,
		model:        defaultModel,
		outputFormat: defaultOutputFmt,
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// ---- WebSocket message types ----

// textMessage is the JSON payload sent to ElevenLabs for each text fragment.
type textMessage struct {
	Text          string         `json:"text"`
	VoiceSettings *voiceSettings `json:"voice_settings,omitempty"`
}

// voiceSettings mirrors the ElevenLabs voice_settings object.
type voiceSettings struct {
	Stability       float64 `json:"stability"`
	SimilarityBoost float64 `json:"similarity_boost"`
	Speed           float64 `json:"speed,omitempty"`
}

// audioResponse is the JSON message received from ElevenLabs over the WebSocket.
type audioResponse struct {
	Audio   string `json:"audio"` // base64-encoded PCM
	IsFinal bool   `json:"isFinal"`
	Message string `json:"message,omitempty"`
}

// boiMessage is the initial "begin of input" handshake.
type boiMessage struct {
	Text          string         `json:"text"`
	VoiceSettings *voiceSettings `json:"voice_settings,omitempty"`
	XiAPIKey      string         `json:"xi_api_key"`
}

// SynthesizeStream opens a WebSocket to ElevenLabs, pipes text fragments from
// the text channel, and returns a channel emitting raw PCM audio chunks.
//
// The returned audio channel is closed when synthesis is complete or ctx is cancelled.
func (p *Provider) SynthesizeStream(ctx context.Context, text <-chan string, voice tts.VoiceProfile) (<-chan []byte, error) {
	if voice.ID == "" {
		return nil, errors.New("elevenlabs: voice.ID must not be empty")
	}

	wsURL, err := p.buildURL(voice)
	if err != nil {
		return nil, fmt.Errorf("elevenlabs: build URL: %w", err)
	}
	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		return nil, fmt.Errorf("elevenlabs: dial: %w", fault.Wrap(fault.ErrNetworkUnavailable, err))
	}

	vs := &voiceSettings{Stability: 0.5, SimilarityBoost: 0.75, Speed: voice.SpeedFactor}
	boi, _ := json.Marshal(boiMessage{
		Text:          " ", // ElevenLabs requires a non-empty first text value
		VoiceSettings: vs,
		XiAPIKey:      p.apiKey,
	})
	if err := conn.Write(ctx, websocket.MessageText, boi); err != nil {
		conn.Close(websocket.StatusInternalError, "failed to send BOI")
		return nil, fmt.Errorf("elevenlabs: send BOI: %w", fault.Wrap(fault.ErrNetworkUnavailable, err))
	}

	audioCh := make(chan []byte, 256)

	go func() {
		defer close(audioCh)
		defer conn.Close(websocket.StatusNormalClosure, "done")

		readDone := make(chan struct{})
		go func() {
			defer close(readDone)
			for {
				_, msg, err := conn.Read(ctx)
				if err != nil {
					return
				}
				pcm, final, ok := parseAudio(msg)
				if ok {
					select {
					case audioCh <- pcm:
					case <-ctx.Done():
						return
					}
				}
				if final {
					return
				}
			}
		}()

		for {
			select {
			case sentence, ok := <-text:
				if !ok {
					// An empty text value flushes and ends the stream.
					flush, _ := buildWSMessage("", nil)
					_ = conn.Write(ctx, websocket.MessageText, flush)
					<-readDone
					return
				}
				if sentence == "" {
					continue
				}
				msg, _ := buildWSMessage(sentence, nil)
				if err := conn.Write(ctx, websocket.MessageText, msg); err != nil {
					slog.Warn("elevenlabs: write failed", "err", err)
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}()

	return audioCh, nil
}

// buildURL constructs the stream-input URL for a voice.
func (p *Provider) buildURL(voice tts.VoiceProfile) (string, error) {
	u, err := url.Parse(p.endpoint + "/text-to-speech/" + url.PathEscape(voice.ID) + "/stream-input")
	if err != nil {
		return "", err
	}
	q := u.Query()
	q.Set("model_id", p.model)
	if p.outputFormat != "" {
		q.Set("output_format", p.outputFormat)
	}
	if voice.Language != "" {
		primary, _, _ := strings.Cut(voice.Language, "-")
		q.Set("language_code", strings.ToLower(primary))
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// buildWSMessage constructs the JSON text payload for a single text fragment.
func buildWSMessage(text string, vs *voiceSettings) ([]byte, error) {
	return json.Marshal(textMessage{Text: text, VoiceSettings: vs})
}

// parseAudio decodes one server message. ok is false when it carries no
// audio; final reports the end of the stream.
func parseAudio(msg []byte) (pcm []byte, final, ok bool) {
	var resp audioResponse
	if err := json.Unmarshal(msg, &resp); err != nil {
		return nil, false, false
	}
	if resp.Message != "" {
		slog.Warn("elevenlabs: server message", "message", resp.Message)
	}
	if resp.Audio == "" {
		return nil, resp.IsFinal, false
	}
	pcm, err := base64.StdEncoding.DecodeString(resp.Audio)
	if err != nil {
		return nil, resp.IsFinal, false
	}
	return pcm, resp.IsFinal, true
}
