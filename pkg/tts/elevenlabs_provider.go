package tts

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/bytedance/sonic"
)

const (
	elevenLabsEndpoint        = "https://api.elevenlabs.io/v1/text-to-speech"
	elevenLabsDefaultModel    = "eleven_flash_v2_5"
	elevenLabsDefaultFormat   = "ulaw_8000"
	elevenLabsLatencyOptimize = 3
)

// ElevenLabsConfig holds the configuration for ElevenLabs TTS.
type ElevenLabsConfig struct {
	APIKey  string // Required: ElevenLabs API key
	VoiceID string // Required: Voice ID to use
	Model   string
	// OutputFormat is "ulaw_8000" (carrier native) or "pcm_<rate>".
	OutputFormat    string
	Stability       float64
	SimilarityBoost float64
	Endpoint        string
}

// ElevenLabsProvider synthesizes with the ElevenLabs HTTP API.
type ElevenLabsProvider struct {
	cfg        ElevenLabsConfig
	format     AudioFormat
	httpClient *http.Client
}

type elevenLabsRequestBody struct {
	Text          string                   `json:"text"`
	ModelID       string                   `json:"model_id,omitempty"`
	VoiceSettings *elevenLabsVoiceSettings `json:"voice_settings,omitempty"`
	LanguageCode  string                   `json:"language_code,omitempty"`
}

type elevenLabsVoiceSettings struct {
	Stability       float64 `json:"stability"`
	SimilarityBoost float64 `json:"similarity_boost"`
}

func NewElevenLabsProvider(cfg ElevenLabsConfig) (*ElevenLabsProvider, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("ElevenLabs API key is required")
	}
	if cfg.VoiceID == "" {
		return nil, fmt.Errorf("ElevenLabs Voice ID is required")
	}
	if cfg.Model == "" {
		cfg.Model = elevenLabsDefaultModel
	}
	if cfg.OutputFormat == "" {
		cfg.OutputFormat = elevenLabsDefaultFormat
	}
	if cfg.Stability == 0 {
		cfg.Stability = 0.5
	}
	if cfg.SimilarityBoost == 0 {
		cfg.SimilarityBoost = 0.75
	}
	if cfg.Endpoint == "" {
		cfg.Endpoint = elevenLabsEndpoint
	}
	format, err := parseElevenLabsFormat(cfg.OutputFormat)
	if err != nil {
		return nil, err
	}
	return &ElevenLabsProvider{
		cfg:        cfg,
		format:     format,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}, nil
}

func parseElevenLabsFormat(f string) (AudioFormat, error) {
	if f == "ulaw_8000" {
		return AudioFormat{SampleRate: 8000, Channels: 1, Encoding: EncodingMuLaw}, nil
	}
	if rate, ok := strings.CutPrefix(f, "pcm_"); ok {
		n, err := strconv.Atoi(rate)
		if err == nil && n > 0 {
			return AudioFormat{SampleRate: n, Channels: 1, Encoding: EncodingPCM}, nil
		}
	}
	return AudioFormat{}, fmt.Errorf("unsupported ElevenLabs output format %q", f)
}

func (p *ElevenLabsProvider) Name() string { return "elevenlabs" }

func (p *ElevenLabsProvider) DefaultVoice() string { return p.cfg.VoiceID }

func (p *ElevenLabsProvider) ValidateConfig() error {
	if p.cfg.APIKey == "" {
		return fmt.Errorf("ElevenLabs API key is not set")
	}
	if p.cfg.VoiceID == "" {
		return fmt.Errorf("ElevenLabs Voice ID is not set")
	}
	return nil
}

func (p *ElevenLabsProvider) Synthesize(ctx context.Context, req *SynthesizeRequest) (*SynthesizeResponse, error) {
	voiceID := req.Voice
	if voiceID == "" {
		voiceID = p.cfg.VoiceID
	}

	params := url.Values{}
	params.Set("output_format", p.cfg.OutputFormat)
	params.Set("optimize_streaming_latency", strconv.Itoa(elevenLabsLatencyOptimize))
	requestURL := fmt.Sprintf("%s/%s?%s", p.cfg.Endpoint, url.PathEscape(voiceID), params.Encode())

	body := elevenLabsRequestBody{
		Text:    req.Text,
		ModelID: p.cfg.Model,
		VoiceSettings: &elevenLabsVoiceSettings{
			Stability:       p.cfg.Stability,
			SimilarityBoost: p.cfg.SimilarityBoost,
		},
	}
	if req.Language != "" {
		body.LanguageCode = strings.ToLower(req.Language[:min(2, len(req.Language))])
	}
	bodyBytes, err := sonic.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request body: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, requestURL, bytes.NewReader(bodyBytes))
	if err != nil {
		return nil, fmt.Errorf("failed to create HTTP request: %w", err)
	}
	httpReq.Header.Set("xi-api-key", p.cfg.APIKey)
	httpReq.Header.Set("Content-Type", "application/json")

	data, err := do(p.httpClient, p.Name(), httpReq)
	if err != nil {
		return nil, err
	}
	return &SynthesizeResponse{AudioData: data, AudioFormat: p.format}, nil
}
