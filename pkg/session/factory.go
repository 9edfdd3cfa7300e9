package session

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/realtime-ai/voice-relay/pkg/asr"
	"github.com/realtime-ai/voice-relay/pkg/config"
	"github.com/realtime-ai/voice-relay/pkg/llm"
	"github.com/realtime-ai/voice-relay/pkg/pipeline"
	"github.com/realtime-ai/voice-relay/pkg/realtimeapi"
	"github.com/realtime-ai/voice-relay/pkg/tts"
)

// OrchestratorSpec is what a Factory needs to build one call's pipeline.
type OrchestratorSpec struct {
	Session *CallSession
	Mode    pipeline.Mode
	Sink    pipeline.CarrierSink
	Bus     pipeline.Bus
	Logger  *zap.Logger
}

// Factory builds the orchestrator of a call. It must not start it.
type Factory interface {
	NewOrchestrator(ctx context.Context, req OrchestratorSpec) (pipeline.Orchestrator, error)
}

// FactoryFunc adapts a function to Factory.
type FactoryFunc func(ctx context.Context, req OrchestratorSpec) (pipeline.Orchestrator, error)

func (f FactoryFunc) NewOrchestrator(ctx context.Context, req OrchestratorSpec) (pipeline.Orchestrator, error) {
	return f(ctx, req)
}

// ConfigFactory builds vendor adapters from configuration, fresh for each
// call.
type ConfigFactory struct {
	cfg *config.Config
}

func NewConfigFactory(cfg *config.Config) *ConfigFactory {
	return &ConfigFactory{cfg: cfg}
}

func (f *ConfigFactory) NewOrchestrator(ctx context.Context, req OrchestratorSpec) (pipeline.Orchestrator, error) {
	switch req.Mode {
	case pipeline.ModeCascaded:
		return f.cascaded(ctx, req)
	case pipeline.ModeRealtimeRelay:
		return f.realtime(req)
	default:
		return nil, fmt.Errorf("unknown mode %q", req.Mode)
	}
}

func (f *ConfigFactory) cascaded(ctx context.Context, req OrchestratorSpec) (pipeline.Orchestrator, error) {
	recognizer, err := f.recognizer(req.Logger)
	if err != nil {
		return nil, fmt.Errorf("speech recognizer: %w", err)
	}
	model, err := f.model(ctx)
	if err != nil {
		_ = recognizer.Close()
		return nil, fmt.Errorf("language model: %w", err)
	}
	synth, err := f.synthesizer()
	if err != nil {
		_ = recognizer.Close()
		return nil, fmt.Errorf("speech synthesizer: %w", err)
	}

	p := f.cfg.Pipeline
	c, err := pipeline.NewCascaded(req.Session.ID, pipeline.CascadedConfig{
		SystemPrompt:      p.SystemPrompt,
		MaxHistory:        f.cfg.LLM.MaxHistory,
		Temperature:       f.cfg.LLM.Temperature,
		MaxTurnFailures:   p.MaxTurnFailures,
		InactivityTimeout: p.InactivityTimeout,
		RetryBackoff:      p.RetryBackoff,
		FrameDuration:     time.Duration(p.FrameMs) * time.Millisecond,
		PacingLead:        time.Duration(p.PacingLeadMs) * time.Millisecond,
		Voice:             synth.DefaultVoice(),
		Language:          f.cfg.TTS.Language,
		Recognition: asr.RecognitionConfig{
			Language:       f.cfg.ASR.Language,
			SilenceTimeout: time.Duration(f.cfg.ASR.SilenceTimeoutMs) * time.Millisecond,
		},
	}, pipeline.CascadedDeps{
		Recognizer: recognizer,
		LLM:        model,
		TTS:        synth,
		Sink:       req.Sink,
		Bus:        req.Bus,
		Logger:     req.Logger,
	})
	if err != nil {
		_ = recognizer.Close()
		return nil, err
	}
	return c, nil
}

func (f *ConfigFactory) recognizer(logger *zap.Logger) (asr.Provider, error) {
	c := f.cfg.ASR
	switch c.Provider {
	case "azure":
		return asr.NewAzureProvider(asr.AzureConfig{SubscriptionKey: c.APIKey, Region: c.Region, Logger: logger})
	case "elevenlabs":
		return asr.NewElevenLabsProvider(asr.ElevenLabsConfig{APIKey: c.APIKey, Model: c.Model, Logger: logger})
	case "qwen":
		return asr.NewQwenRealtimeProvider(asr.QwenRealtimeConfig{APIKey: c.APIKey, Model: c.Model, Logger: logger})
	default:
		return nil, fmt.Errorf("unknown provider %q", c.Provider)
	}
}

func (f *ConfigFactory) model(ctx context.Context) (llm.Provider, error) {
	c := f.cfg.LLM
	switch c.Provider {
	case "openai":
		return llm.NewOpenAIProvider(llm.OpenAIConfig{APIKey: c.APIKey, BaseURL: c.BaseURL, Model: c.Model})
	case "openai-compatible":
		return llm.NewCompatibleProvider(llm.CompatibleConfig{APIKey: c.APIKey, BaseURL: c.BaseURL, Model: c.Model})
	case "gemini":
		return llm.NewGeminiProvider(ctx, llm.GeminiConfig{APIKey: c.APIKey, Model: c.Model})
	default:
		return nil, fmt.Errorf("unknown provider %q", c.Provider)
	}
}

func (f *ConfigFactory) synthesizer() (tts.Provider, error) {
	c := f.cfg.TTS
	var p tts.Provider
	switch c.Provider {
	case "openai":
		p = tts.NewOpenAIProvider(tts.OpenAIConfig{APIKey: c.APIKey, Model: c.Model, Voice: c.Voice})
	case "azure":
		p = tts.NewAzureProvider(tts.AzureConfig{SubscriptionKey: c.APIKey, Region: c.Region, Voice: c.Voice, Language: c.Language})
	case "elevenlabs":
		el, err := tts.NewElevenLabsProvider(tts.ElevenLabsConfig{APIKey: c.APIKey, VoiceID: c.Voice, Model: c.Model, OutputFormat: "ulaw_8000"})
		if err != nil {
			return nil, err
		}
		p = el
	case "elevenlabs-ws":
		el, err := tts.NewElevenLabsStreamProvider(tts.ElevenLabsConfig{APIKey: c.APIKey, VoiceID: c.Voice, Model: c.Model, OutputFormat: "ulaw_8000"})
		if err != nil {
			return nil, err
		}
		p = el
	default:
		return nil, fmt.Errorf("unknown provider %q", c.Provider)
	}
	if err := p.ValidateConfig(); err != nil {
		return nil, err
	}
	return p, nil
}

func (f *ConfigFactory) realtime(req OrchestratorSpec) (pipeline.Orchestrator, error) {
	c := f.cfg.Realtime
	if c.APIKey == "" {
		return nil, realtimeapi.ErrMissingAPIKey
	}
	dialer := realtimeapi.NewOpenAIDialer(realtimeapi.OpenAIConfig{APIKey: c.APIKey, BaseURL: c.BaseURL, Logger: req.Logger})
	return pipeline.NewRealtimeRelay(req.Session.ID, realtimeapi.SessionConfig{
		Model:             c.Model,
		Voice:             c.Voice,
		Instructions:      c.Instructions,
		VADThreshold:      c.VADThreshold,
		PrefixPaddingMs:   c.PrefixPaddingMs,
		SilenceDurationMs: c.SilenceDurationMs,
		TranscribeInput:   c.TranscribeInput,
	}, pipeline.RealtimeDeps{
		Dialer: dialer,
		Sink:   req.Sink,
		Bus:    req.Bus,
		Logger: req.Logger,
	})
}
