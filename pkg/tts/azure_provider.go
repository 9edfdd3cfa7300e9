package tts

import (
	"context"
	"encoding/xml"
	"fmt"
	"net/http"
	"strings"
	"time"
)

const (
	azureDefaultVoice        = "en-US-JennyNeural"
	azureDefaultLanguage     = "en-US"
	azureDefaultOutputFormat = "riff-24khz-16bit-mono-pcm"
)

// AzureConfig configures the Azure Speech REST synthesizer.
type AzureConfig struct {
	SubscriptionKey string
	Region          string
	Voice           string
	Language        string
	// Endpoint overrides https://{region}.tts.speech.microsoft.com/cognitiveservices/v1
	Endpoint string
}

// AzureProvider synthesizes SSML with the Azure Speech REST API.
type AzureProvider struct {
	cfg        AzureConfig
	httpClient *http.Client
}

func NewAzureProvider(cfg AzureConfig) *AzureProvider {
	if cfg.Voice == "" {
		cfg.Voice = azureDefaultVoice
	}
	if cfg.Language == "" {
		cfg.Language = azureDefaultLanguage
	}
	if cfg.Endpoint == "" && cfg.Region != "" {
		cfg.Endpoint = fmt.Sprintf("https://%s.tts.speech.microsoft.com/cognitiveservices/v1", cfg.Region)
	}
	return &AzureProvider{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

func (p *AzureProvider) Name() string { return "azure" }

func (p *AzureProvider) DefaultVoice() string { return p.cfg.Voice }

func (p *AzureProvider) ValidateConfig() error {
	if p.cfg.SubscriptionKey == "" || p.cfg.Endpoint == "" {
		return fmt.Errorf("Azure Speech credentials not set")
	}
	return nil
}

func (p *AzureProvider) Synthesize(ctx context.Context, req *SynthesizeRequest) (*SynthesizeResponse, error) {
	if err := p.ValidateConfig(); err != nil {
		return nil, err
	}
	voice := req.Voice
	if voice == "" {
		voice = p.cfg.Voice
	}
	lang := req.Language
	if lang == "" {
		lang = p.cfg.Language
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.cfg.Endpoint, strings.NewReader(buildSSML(lang, voice, req.Text)))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/ssml+xml")
	httpReq.Header.Set("X-Microsoft-OutputFormat", azureDefaultOutputFormat)
	httpReq.Header.Set("Ocp-Apim-Subscription-Key", p.cfg.SubscriptionKey)
	httpReq.Header.Set("User-Agent", "voice-relay")

	data, err := do(p.httpClient, p.Name(), httpReq)
	if err != nil {
		return nil, err
	}
	return &SynthesizeResponse{
		AudioData:   data,
		AudioFormat: AudioFormat{SampleRate: 24000, Channels: 1, Encoding: EncodingWAV},
	}, nil
}

// buildSSML escapes text so model output cannot break the document.
func buildSSML(lang, voice, text string) string {
	var esc strings.Builder
	_ = xml.EscapeText(&esc, []byte(text))
	return fmt.Sprintf(`<speak version="1.0" xmlns="http://www.w3.org/2001/10/synthesis" xml:lang="%s"><voice name="%s">%s</voice></speak>`,
		lang, voice, esc.String())
}
