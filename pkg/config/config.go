// Package config loads relay configuration.
//
// Precedence: defaults → YAML file → environment (RELAY_* plus the vendor
// credential variables each SDK conventionally reads).
package config

import (
	"errors"
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/realtime-ai/voice-relay/pkg/asr"
)

// Config is the complete relay configuration.
type Config struct {
	Server   ServerConfig   `yaml:"server" env:"SERVER"`
	Session  SessionConfig  `yaml:"session" env:"SESSION"`
	Pipeline PipelineConfig `yaml:"pipeline" env:"PIPELINE"`
	ASR      ASRConfig      `yaml:"asr" env:"ASR"`
	LLM      LLMConfig      `yaml:"llm" env:"LLM"`
	TTS      TTSConfig      `yaml:"tts" env:"TTS"`
	Realtime RealtimeConfig `yaml:"realtime" env:"REALTIME"`
	Registry RegistryConfig `yaml:"registry" env:"REGISTRY"`
	Store    StoreConfig    `yaml:"store" env:"STORE"`
	Log      LogConfig      `yaml:"log" env:"LOG"`
	Trace    TraceConfig    `yaml:"trace" env:"TRACE"`
}

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	Address   string `yaml:"address" env:"ADDRESS"`
	MediaPath string `yaml:"media_path" env:"MEDIA_PATH"`
	TwiMLPath string `yaml:"twiml_path" env:"TWIML_PATH"`
	// StreamURL is the public wss:// URL of the media endpoint written
	// into TwiML. Derived from the request host when empty.
	StreamURL string `yaml:"stream_url" env:"STREAM_URL"`
	// StreamTokenSecret enables signed stream tokens when set.
	StreamTokenSecret string        `yaml:"stream_token_secret" env:"STREAM_TOKEN_SECRET"`
	StreamTokenTTL    time.Duration `yaml:"stream_token_ttl" env:"STREAM_TOKEN_TTL"`
	// MaxAcceptRate limits new media upgrades per second.
	MaxAcceptRate   float64       `yaml:"max_accept_rate" env:"MAX_ACCEPT_RATE"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env:"SHUTDOWN_TIMEOUT"`
}

// SessionConfig controls per-call behaviour.
type SessionConfig struct {
	Mode              string        `yaml:"mode" env:"MODE"`
	AllowModeOverride bool          `yaml:"allow_mode_override" env:"ALLOW_MODE_OVERRIDE"`
	StartTimeout      time.Duration `yaml:"start_timeout" env:"START_TIMEOUT"`
	Greeting          string        `yaml:"greeting" env:"GREETING"`
	GreetingDelay     time.Duration `yaml:"greeting_delay" env:"GREETING_DELAY"`
}

// PipelineConfig tunes the cascaded pipeline.
type PipelineConfig struct {
	SystemPrompt      string        `yaml:"system_prompt" env:"SYSTEM_PROMPT"`
	MaxTurnFailures   int           `yaml:"max_turn_failures" env:"MAX_TURN_FAILURES"`
	InactivityTimeout time.Duration `yaml:"inactivity_timeout" env:"INACTIVITY_TIMEOUT"`
	RetryBackoff      time.Duration `yaml:"retry_backoff" env:"RETRY_BACKOFF"`
	FrameMs           int           `yaml:"frame_ms" env:"FRAME_MS"`
	// PacingLeadMs bounds how far ahead of real time audio is sent; 0
	// sends as fast as the carrier accepts.
	PacingLeadMs int `yaml:"pacing_lead_ms" env:"PACING_LEAD_MS"`
}

type ASRConfig struct {
	Provider         string `yaml:"provider" env:"PROVIDER"` // azure | elevenlabs | qwen
	Language         string `yaml:"language" env:"LANGUAGE"`
	Region           string `yaml:"region" env:"REGION"`
	APIKey           string `yaml:"api_key" env:"API_KEY"`
	Model            string `yaml:"model" env:"MODEL"`
	SilenceTimeoutMs int    `yaml:"silence_timeout_ms" env:"SILENCE_TIMEOUT_MS"`
}

type LLMConfig struct {
	Provider    string  `yaml:"provider" env:"PROVIDER"` // openai | openai-compatible | gemini
	Model       string  `yaml:"model" env:"MODEL"`
	APIKey      string  `yaml:"api_key" env:"API_KEY"`
	BaseURL     string  `yaml:"base_url" env:"BASE_URL"`
	MaxHistory  int     `yaml:"max_history" env:"MAX_HISTORY"`
	Temperature float64 `yaml:"temperature" env:"TEMPERATURE"`
}

type TTSConfig struct {
	Provider string `yaml:"provider" env:"PROVIDER"` // openai | azure | elevenlabs | elevenlabs-ws
	Voice    string `yaml:"voice" env:"VOICE"`
	Model    string `yaml:"model" env:"MODEL"`
	APIKey   string `yaml:"api_key" env:"API_KEY"`
	Region   string `yaml:"region" env:"REGION"`
	Language string `yaml:"language" env:"LANGUAGE"`
}

type RealtimeConfig struct {
	Model             string  `yaml:"model" env:"MODEL"`
	Voice             string  `yaml:"voice" env:"VOICE"`
	APIKey            string  `yaml:"api_key" env:"API_KEY"`
	BaseURL           string  `yaml:"base_url" env:"BASE_URL"`
	Instructions      string  `yaml:"instructions" env:"INSTRUCTIONS"`
	VADThreshold      float64 `yaml:"vad_threshold" env:"VAD_THRESHOLD"`
	PrefixPaddingMs   int     `yaml:"prefix_padding_ms" env:"PREFIX_PADDING_MS"`
	SilenceDurationMs int     `yaml:"silence_duration_ms" env:"SILENCE_DURATION_MS"`
	TranscribeInput   bool    `yaml:"transcribe_input" env:"TRANSCRIBE_INPUT"`
}

type RegistryConfig struct {
	Backend       string        `yaml:"backend" env:"BACKEND"` // memory | redis
	RedisAddr     string        `yaml:"redis_addr" env:"REDIS_ADDR"`
	RedisPassword string        `yaml:"redis_password" env:"REDIS_PASSWORD"`
	RedisDB       int           `yaml:"redis_db" env:"REDIS_DB"`
	KeyPrefix     string        `yaml:"key_prefix" env:"KEY_PREFIX"`
	TTL           time.Duration `yaml:"ttl" env:"TTL"`
}

type StoreConfig struct {
	Driver string `yaml:"driver" env:"DRIVER"` // none | sqlite | postgres
	DSN    string `yaml:"dsn" env:"DSN"`
}

type LogConfig struct {
	Level  string `yaml:"level" env:"LEVEL"`
	Format string `yaml:"format" env:"FORMAT"` // json | console
}

type TraceConfig struct {
	Exporter     string  `yaml:"exporter" env:"EXPORTER"` // none | stdout | otlp
	OTLPEndpoint string  `yaml:"otlp_endpoint" env:"OTLP_ENDPOINT"`
	SamplingRate float64 `yaml:"sampling_rate" env:"SAMPLING_RATE"`
	Environment  string  `yaml:"environment" env:"ENVIRONMENT"`
}

const defaultSystemPrompt = "You are a helpful phone assistant. Keep answers short and conversational; " +
	"your replies are spoken aloud, so avoid lists, markup and long numbers."

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Address:         ":8080",
			MediaPath:       "/media",
			TwiMLPath:       "/twiml",
			StreamTokenTTL:  5 * time.Minute,
			MaxAcceptRate:   50,
			ShutdownTimeout: 15 * time.Second,
		},
		Session: SessionConfig{
			Mode:          "cascaded",
			StartTimeout:  10 * time.Second,
			Greeting:      "Hello! How can I help you today?",
			GreetingDelay: 500 * time.Millisecond,
		},
		Pipeline: PipelineConfig{
			SystemPrompt:      defaultSystemPrompt,
			MaxTurnFailures:   3,
			InactivityTimeout: 8 * time.Second,
			RetryBackoff:      200 * time.Millisecond,
			FrameMs:           20,
			PacingLeadMs:      200,
		},
		ASR: ASRConfig{Provider: defaultASRProvider(), Language: "en-US", SilenceTimeoutMs: 500},
		LLM: LLMConfig{Provider: "openai", Model: "gpt-4o-mini", MaxHistory: 0, Temperature: 0.7},
		TTS: TTSConfig{Provider: "openai", Voice: "alloy", Model: "tts-1", Language: "en-US"},
		Realtime: RealtimeConfig{
			Model:             "gpt-4o-realtime-preview",
			Voice:             "alloy",
			Instructions:      defaultSystemPrompt,
			VADThreshold:      0.5,
			PrefixPaddingMs:   300,
			SilenceDurationMs: 500,
		},
		Registry: RegistryConfig{Backend: "memory", KeyPrefix: "voice-relay:stream:", TTL: 2 * time.Hour},
		Store:    StoreConfig{Driver: "none"},
		Log:      LogConfig{Level: "info", Format: "json"},
		Trace:    TraceConfig{Exporter: "none", OTLPEndpoint: "localhost:4317", SamplingRate: 1.0, Environment: "development"},
	}
}

// Loader builds a Config. The zero value is not usable; call NewLoader.
type Loader struct {
	path      string
	envPrefix string
	getenv    func(string) string
}

func NewLoader() *Loader {
	return &Loader{envPrefix: "RELAY", getenv: os.Getenv}
}

// WithConfigPath sets the YAML file. A missing file is not an error.
func (l *Loader) WithConfigPath(path string) *Loader {
	l.path = path
	return l
}

func (l *Loader) WithEnvPrefix(prefix string) *Loader {
	l.envPrefix = prefix
	return l
}

// WithEnv replaces the environment lookup, for tests.
func (l *Loader) WithEnv(getenv func(string) string) *Loader {
	l.getenv = getenv
	return l
}

// Load applies defaults, the file and the environment, then validates.
func (l *Loader) Load() (*Config, error) {
	cfg := Default()
	if l.path != "" {
		if err := l.loadFile(cfg); err != nil {
			return nil, err
		}
	}
	l.applyVendorEnv(cfg)
	if err := l.applyEnv(reflect.ValueOf(cfg).Elem(), l.envPrefix); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (l *Loader) loadFile(cfg *Config) error {
	data, err := os.ReadFile(l.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("config: read %s: %w", l.path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("config: parse %s: %w", l.path, err)
	}
	return nil
}

// applyVendorEnv fills credentials from the variables the vendor SDKs
// document, without overriding values already configured.
func (l *Loader) applyVendorEnv(cfg *Config) {
	fill := func(dst *string, keys ...string) {
		if *dst != "" {
			return
		}
		for _, k := range keys {
			if v := l.getenv(k); v != "" {
				*dst = v
				return
			}
		}
	}
	switch cfg.ASR.Provider {
	case "elevenlabs":
		fill(&cfg.ASR.APIKey, "ELEVENLABS_API_KEY")
	case "qwen":
		fill(&cfg.ASR.APIKey, "DASHSCOPE_API_KEY")
	default:
		fill(&cfg.ASR.APIKey, "AZURE_SPEECH_KEY")
		fill(&cfg.ASR.Region, "AZURE_SPEECH_REGION")
	}
	switch cfg.LLM.Provider {
	case "gemini":
		fill(&cfg.LLM.APIKey, "GOOGLE_API_KEY", "GEMINI_API_KEY")
	default:
		fill(&cfg.LLM.APIKey, "OPENAI_API_KEY")
	}
	switch cfg.TTS.Provider {
	case "azure":
		fill(&cfg.TTS.APIKey, "AZURE_SPEECH_KEY")
		fill(&cfg.TTS.Region, "AZURE_SPEECH_REGION")
	case "elevenlabs", "elevenlabs-ws":
		fill(&cfg.TTS.APIKey, "ELEVENLABS_API_KEY")
	default:
		fill(&cfg.TTS.APIKey, "OPENAI_API_KEY")
	}
	fill(&cfg.Realtime.APIKey, "OPENAI_API_KEY")
}

// applyEnv walks the env tags: RELAY_LLM_MODEL sets Config.LLM.Model.
func (l *Loader) applyEnv(v reflect.Value, prefix string) error {
	t := v.Type()
	for i := 0; i < v.NumField(); i++ {
		tag := t.Field(i).Tag.Get("env")
		if tag == "" || tag == "-" {
			continue
		}
		key := prefix + "_" + tag
		field := v.Field(i)
		if field.Kind() == reflect.Struct {
			if err := l.applyEnv(field, key); err != nil {
				return err
			}
			continue
		}
		raw := l.getenv(key)
		if raw == "" {
			continue
		}
		if err := setField(field, raw); err != nil {
			return fmt.Errorf("config: %s: %w", key, err)
		}
	}
	return nil
}

var durationType = reflect.TypeOf(time.Duration(0))

func setField(field reflect.Value, raw string) error {
	switch field.Kind() {
	case reflect.String:
		field.SetString(raw)
	case reflect.Int, reflect.Int64:
		if field.Type() == durationType {
			d, err := time.ParseDuration(raw)
			if err != nil {
				return err
			}
			field.SetInt(int64(d))
			return nil
		}
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return err
		}
		field.SetInt(n)
	case reflect.Float64:
		f, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return err
		}
		field.SetFloat(f)
	case reflect.Bool:
		b, err := strconv.ParseBool(raw)
		if err != nil {
			return err
		}
		field.SetBool(b)
	default:
		return fmt.Errorf("unsupported kind %s", field.Kind())
	}
	return nil
}

// Validate reports every configuration error at once.
func (c *Config) Validate() error {
	var errs []error
	check := func(ok bool, format string, args ...any) {
		if !ok {
			errs = append(errs, fmt.Errorf(format, args...))
		}
	}

	check(c.Server.Address != "", "server.address is required")
	check(strings.HasPrefix(c.Server.MediaPath, "/"), "server.media_path must start with /")
	check(strings.HasPrefix(c.Server.TwiMLPath, "/"), "server.twiml_path must start with /")
	check(c.Server.MaxAcceptRate >= 0, "server.max_accept_rate must not be negative")

	check(oneOf(c.Session.Mode, "cascaded", "realtime-relay"), "session.mode %q: want cascaded or realtime-relay", c.Session.Mode)
	check(c.Session.StartTimeout > 0, "session.start_timeout must be positive")
	check(c.Session.GreetingDelay >= 0, "session.greeting_delay must not be negative")

	check(c.Pipeline.MaxTurnFailures > 0, "pipeline.max_turn_failures must be positive")
	check(c.Pipeline.InactivityTimeout > 0, "pipeline.inactivity_timeout must be positive")
	check(c.Pipeline.FrameMs > 0 && c.Pipeline.FrameMs%10 == 0, "pipeline.frame_ms must be a positive multiple of 10")
	check(c.Pipeline.PacingLeadMs >= 0, "pipeline.pacing_lead_ms must not be negative")

	check(oneOf(c.ASR.Provider, "azure", "elevenlabs", "qwen"), "asr.provider %q: want azure, elevenlabs or qwen", c.ASR.Provider)
	check(c.ASR.Provider != "azure" || asr.AzureAvailable, "asr.provider azure needs a build with -tags azure")
	check(oneOf(c.LLM.Provider, "openai", "openai-compatible", "gemini"), "llm.provider %q: want openai, openai-compatible or gemini", c.LLM.Provider)
	check(c.LLM.Provider != "openai-compatible" || c.LLM.BaseURL != "", "llm.base_url is required for openai-compatible")
	check(c.LLM.Temperature >= 0 && c.LLM.Temperature <= 2, "llm.temperature must be between 0 and 2")
	check(c.LLM.MaxHistory >= 0, "llm.max_history must not be negative")
	check(oneOf(c.TTS.Provider, "openai", "azure", "elevenlabs", "elevenlabs-ws"), "tts.provider %q: want openai, azure, elevenlabs or elevenlabs-ws", c.TTS.Provider)

	check(c.Realtime.VADThreshold >= 0 && c.Realtime.VADThreshold <= 1, "realtime.vad_threshold must be between 0 and 1")

	check(oneOf(c.Registry.Backend, "memory", "redis"), "registry.backend %q: want memory or redis", c.Registry.Backend)
	check(c.Registry.Backend != "redis" || c.Registry.RedisAddr != "", "registry.redis_addr is required for redis")
	check(c.Registry.TTL > 0, "registry.ttl must be positive")

	check(oneOf(c.Store.Driver, "none", "sqlite", "postgres"), "store.driver %q: want none, sqlite or postgres", c.Store.Driver)
	check(c.Store.Driver == "none" || c.Store.DSN != "", "store.dsn is required for %s", c.Store.Driver)

	check(oneOf(c.Log.Format, "json", "console"), "log.format %q: want json or console", c.Log.Format)
	check(oneOf(c.Trace.Exporter, "none", "stdout", "otlp"), "trace.exporter %q: want none, stdout or otlp", c.Trace.Exporter)

	if len(errs) > 0 {
		return fmt.Errorf("config: %w", errors.Join(errs...))
	}
	return nil
}

// defaultASRProvider is azure when the Speech SDK is linked in.
func defaultASRProvider() string {
	if asr.AzureAvailable {
		return "azure"
	}
	return "elevenlabs"
}

func oneOf(v string, allowed ...string) bool {
	for _, a := range allowed {
		if v == a {
			return true
		}
	}
	return false
}
