package tts

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/bytedance/sonic"
)

const (
	openAITTSEndpoint       = "https://api.openai.com/v1/audio/speech"
	openAIDefaultModel      = "tts-1"
	openAIDefaultVoice      = "alloy"
	openAIDefaultSampleRate = 24000
)

// OpenAIConfig configures the OpenAI speech endpoint.
type OpenAIConfig struct {
	APIKey   string
	Model    string // "tts-1" or "tts-1-hd"
	Voice    string
	Endpoint string
	Speed    float64
}

// OpenAIProvider synthesizes 24kHz WAV with OpenAI's speech API.
type OpenAIProvider struct {
	cfg        OpenAIConfig
	httpClient *http.Client
}

type openAITTSRequest struct {
	Model          string  `json:"model"`
	Input          string  `json:"input"`
	Voice          string  `json:"voice"`
	ResponseFormat string  `json:"response_format,omitempty"`
	Speed          float64 `json:"speed,omitempty"`
}

func NewOpenAIProvider(cfg OpenAIConfig) *OpenAIProvider {
	if cfg.Model == "" {
		cfg.Model = openAIDefaultModel
	}
	if cfg.Voice == "" {
		cfg.Voice = openAIDefaultVoice
	}
	if cfg.Endpoint == "" {
		cfg.Endpoint = openAITTSEndpoint
	}
	return &OpenAIProvider{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

func (p *OpenAIProvider) Name() string { return "openai" }

func (p *OpenAIProvider) DefaultVoice() string { return p.cfg.Voice }

func (p *OpenAIProvider) ValidateConfig() error {
	if p.cfg.APIKey == "" {
		return fmt.Errorf("OpenAI API key is not set")
	}
	return nil
}

func (p *OpenAIProvider) Synthesize(ctx context.Context, req *SynthesizeRequest) (*SynthesizeResponse, error) {
	if err := p.ValidateConfig(); err != nil {
		return nil, err
	}
	voice := req.Voice
	if voice == "" {
		voice = p.cfg.Voice
	}

	payload, err := sonic.Marshal(openAITTSRequest{
		Model:          p.cfg.Model,
		Input:          req.Text,
		Voice:          voice,
		ResponseFormat: "wav",
		Speed:          p.cfg.Speed,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.cfg.Endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+p.cfg.APIKey)

	data, err := do(p.httpClient, p.Name(), httpReq)
	if err != nil {
		return nil, err
	}
	return &SynthesizeResponse{
		AudioData:   data,
		AudioFormat: AudioFormat{SampleRate: openAIDefaultSampleRate, Channels: 1, Encoding: EncodingWAV},
	}, nil
}
