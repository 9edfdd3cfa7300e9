// ElevenLabs stream-input synthesizer.
//
// Each sentence opens a WebSocket to /stream-input, sends the text with
// flush set and an empty text to end the input, then collects the base64
// audio frames until isFinal. Audio starts arriving before the whole
// sentence is rendered, which trims first-byte latency against the HTTP API.

package tts

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/bytedance/sonic"
	"github.com/gorilla/websocket"
)

const (
	elevenLabsWSEndpoint     = "wss://api.elevenlabs.io/v1/text-to-speech"
	elevenLabsConnectTimeout = 10 * time.Second
)

// ElevenLabsStreamProvider synthesizes with the ElevenLabs WebSocket API.
// It shares ElevenLabsConfig with the HTTP provider; Endpoint is the ws base.
type ElevenLabsStreamProvider struct {
	cfg    ElevenLabsConfig
	format AudioFormat
	dialer websocket.Dialer
}

type elevenLabsWSInit struct {
	Text          string                   `json:"text"`
	VoiceSettings *elevenLabsVoiceSettings `json:"voice_settings,omitempty"`
}

type elevenLabsWSText struct {
	Text  string `json:"text"`
	Flush bool   `json:"flush,omitempty"`
}

type elevenLabsWSResponse struct {
	Audio   string `json:"audio,omitempty"`
	IsFinal bool   `json:"isFinal,omitempty"`
	Message string `json:"message,omitempty"`
	Error   string `json:"error,omitempty"`
}

func NewElevenLabsStreamProvider(cfg ElevenLabsConfig) (*ElevenLabsStreamProvider, error) {
	if cfg.Endpoint == "" {
		cfg.Endpoint = elevenLabsWSEndpoint
	}
	base, err := NewElevenLabsProvider(cfg)
	if err != nil {
		return nil, err
	}
	return &ElevenLabsStreamProvider{
		cfg:    base.cfg,
		format: base.format,
		dialer: websocket.Dialer{HandshakeTimeout: elevenLabsConnectTimeout},
	}, nil
}

func (p *ElevenLabsStreamProvider) Name() string { return "elevenlabs-ws" }

func (p *ElevenLabsStreamProvider) DefaultVoice() string { return p.cfg.VoiceID }

func (p *ElevenLabsStreamProvider) ValidateConfig() error {
	if p.cfg.APIKey == "" {
		return fmt.Errorf("ElevenLabs API key is not set")
	}
	if p.cfg.VoiceID == "" {
		return fmt.Errorf("ElevenLabs Voice ID is not set")
	}
	return nil
}

func (p *ElevenLabsStreamProvider) Synthesize(ctx context.Context, req *SynthesizeRequest) (*SynthesizeResponse, error) {
	voiceID := req.Voice
	if voiceID == "" {
		voiceID = p.cfg.VoiceID
	}
	params := url.Values{}
	params.Set("model_id", p.cfg.Model)
	params.Set("output_format", p.cfg.OutputFormat)
	if req.Language != "" {
		params.Set("language_code", strings.ToLower(req.Language[:min(2, len(req.Language))]))
	}
	wsURL := fmt.Sprintf("%s/%s/stream-input?%s", p.cfg.Endpoint, url.PathEscape(voiceID), params.Encode())

	conn, resp, err := p.dialer.DialContext(ctx, wsURL, http.Header{"xi-api-key": {p.cfg.APIKey}})
	if err != nil {
		if resp != nil {
			return nil, &Error{Provider: p.Name(), StatusCode: resp.StatusCode, Message: "websocket handshake rejected"}
		}
		return nil, &Error{Provider: p.Name(), Message: "failed to connect", Err: err}
	}
	defer conn.Close()

	// unblock ReadMessage when the turn is cancelled
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	messages := []any{
		elevenLabsWSInit{
			Text: " ",
			VoiceSettings: &elevenLabsVoiceSettings{
				Stability:       p.cfg.Stability,
				SimilarityBoost: p.cfg.SimilarityBoost,
			},
		},
		elevenLabsWSText{Text: req.Text + " ", Flush: true},
		elevenLabsWSText{Text: ""},
	}
	for _, m := range messages {
		data, err := sonic.Marshal(m)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal message: %w", err)
		}
		if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
			return nil, p.transportError(ctx, "failed to send text", err)
		}
	}

	var audio []byte
	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				break
			}
			return nil, p.transportError(ctx, "connection lost", err)
		}
		var r elevenLabsWSResponse
		if err := sonic.Unmarshal(message, &r); err != nil {
			continue
		}
		if r.Error != "" {
			return nil, &Error{Provider: p.Name(), Message: r.Error + ": " + r.Message}
		}
		if r.Audio != "" {
			chunk, err := base64.StdEncoding.DecodeString(r.Audio)
			if err != nil {
				return nil, &Error{Provider: p.Name(), Message: "invalid audio frame", Err: err}
			}
			audio = append(audio, chunk...)
		}
		if r.IsFinal {
			break
		}
	}
	return &SynthesizeResponse{AudioData: audio, AudioFormat: p.format}, nil
}

func (p *ElevenLabsStreamProvider) transportError(ctx context.Context, msg string, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return &Error{Provider: p.Name(), Message: msg, Err: err}
}
