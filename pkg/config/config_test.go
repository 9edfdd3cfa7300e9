package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/realtime-ai/voice-relay/pkg/asr"
)

func envMap(m map[string]string) func(string) string {
	return func(k string) string { return m[k] }
}

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, "cascaded", cfg.Session.Mode)
	assert.Equal(t, 3, cfg.Pipeline.MaxTurnFailures)
	assert.Equal(t, 8*time.Second, cfg.Pipeline.InactivityTimeout)
	assert.Equal(t, 500*time.Millisecond, cfg.Session.GreetingDelay)
}

func TestLoad_FileThenEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "relay.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
session:
  mode: realtime-relay
  greeting_delay: 1s
llm:
  model: gpt-4o
  temperature: 0.2
registry:
  backend: redis
  redis_addr: localhost:6379
`), 0o600))

	cfg, err := NewLoader().
		WithConfigPath(path).
		WithEnv(envMap(map[string]string{
			"RELAY_LLM_MODEL":                   "gpt-4.1-mini",
			"RELAY_SESSION_ALLOW_MODE_OVERRIDE": "true",
			"RELAY_PIPELINE_INACTIVITY_TIMEOUT": "5s",
			"OPENAI_API_KEY":                    "sk-test",
		})).
		Load()
	require.NoError(t, err)

	assert.Equal(t, "realtime-relay", cfg.Session.Mode)
	assert.Equal(t, time.Second, cfg.Session.GreetingDelay)
	assert.Equal(t, "gpt-4.1-mini", cfg.LLM.Model, "environment wins over file")
	assert.InDelta(t, 0.2, cfg.LLM.Temperature, 1e-9)
	assert.True(t, cfg.Session.AllowModeOverride)
	assert.Equal(t, 5*time.Second, cfg.Pipeline.InactivityTimeout)
	assert.Equal(t, "redis", cfg.Registry.Backend)
	assert.Equal(t, "sk-test", cfg.LLM.APIKey)
	assert.Equal(t, "sk-test", cfg.TTS.APIKey)
	assert.Equal(t, "sk-test", cfg.Realtime.APIKey)
	assert.Zero(t, cfg.LLM.MaxHistory, "untouched defaults survive")
	assert.Equal(t, "tts-1", cfg.TTS.Model)
}

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := NewLoader().
		WithConfigPath(filepath.Join(t.TempDir(), "absent.yaml")).
		WithEnv(envMap(nil)).
		Load()
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoad_VendorCredentials(t *testing.T) {
	path := filepath.Join(t.TempDir(), "relay.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
asr:
  provider: qwen
tts:
  provider: azure
`), 0o600))

	cfg, err := NewLoader().WithConfigPath(path).WithEnv(envMap(map[string]string{
		"DASHSCOPE_API_KEY":   "dash-key",
		"AZURE_SPEECH_KEY":    "az-key",
		"AZURE_SPEECH_REGION": "eastus",
		"ELEVENLABS_API_KEY":  "el-key",
	})).Load()
	require.NoError(t, err)

	assert.Equal(t, "dash-key", cfg.ASR.APIKey)
	assert.Empty(t, cfg.ASR.Region)
	assert.Equal(t, "az-key", cfg.TTS.APIKey)
	assert.Equal(t, "eastus", cfg.TTS.Region)
}

func TestLoad_VendorCredentialsReadBeforeOverrides(t *testing.T) {
	// vendor variables are read before RELAY_* is applied, so a provider
	// switched through RELAY_* still picks up the default provider's keys
	cfg, err := NewLoader().WithEnv(envMap(map[string]string{
		"RELAY_ASR_PROVIDER": "qwen",
		"ELEVENLABS_API_KEY": "el-key",
		"DASHSCOPE_API_KEY":  "dash-key",
	})).Load()
	require.NoError(t, err)
	assert.Equal(t, "qwen", cfg.ASR.Provider)
	if asr.AzureAvailable {
		assert.Empty(t, cfg.ASR.APIKey, "azure default reads AZURE_SPEECH_KEY")
	} else {
		assert.Equal(t, "el-key", cfg.ASR.APIKey)
	}
}

func TestDefaultRecognizerIsLinked(t *testing.T) {
	cfg := Default()
	if asr.AzureAvailable {
		assert.Equal(t, "azure", cfg.ASR.Provider)
		return
	}
	assert.Equal(t, "elevenlabs", cfg.ASR.Provider)

	cfg.ASR.Provider = "azure"
	cfg.ASR.APIKey, cfg.ASR.Region = "k", "eastus"
	assert.ErrorContains(t, cfg.Validate(), "-tags azure")

	_, err := NewLoader().WithEnv(envMap(map[string]string{"RELAY_ASR_PROVIDER": "azure"})).Load()
	assert.ErrorContains(t, err, "asr.provider azure")
}

func TestLoad_BadEnvValue(t *testing.T) {
	_, err := NewLoader().WithEnv(envMap(map[string]string{
		"RELAY_PIPELINE_MAX_TURN_FAILURES": "three",
	})).Load()
	assert.ErrorContains(t, err, "RELAY_PIPELINE_MAX_TURN_FAILURES")
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"unknown mode", func(c *Config) { c.Session.Mode = "hybrid" }, "session.mode"},
		{"zero failures", func(c *Config) { c.Pipeline.MaxTurnFailures = 0 }, "max_turn_failures"},
		{"odd frame", func(c *Config) { c.Pipeline.FrameMs = 15 }, "frame_ms"},
		{"compatible without url", func(c *Config) { c.LLM.Provider = "openai-compatible" }, "llm.base_url"},
		{"redis without addr", func(c *Config) { c.Registry.Backend = "redis" }, "redis_addr"},
		{"store without dsn", func(c *Config) { c.Store.Driver = "sqlite" }, "store.dsn"},
		{"bad exporter", func(c *Config) { c.Trace.Exporter = "jaeger" }, "trace.exporter"},
		{"hot temperature", func(c *Config) { c.LLM.Temperature = 3 }, "temperature"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			assert.ErrorContains(t, cfg.Validate(), tt.want)
		})
	}
}

func TestValidate_ReportsAllErrors(t *testing.T) {
	cfg := Default()
	cfg.Session.Mode = "x"
	cfg.Log.Format = "xml"
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "session.mode")
	assert.Contains(t, err.Error(), "log.format")
}
