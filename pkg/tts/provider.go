// Package tts synthesizes speech for outbound audio.
package tts

import (
	"context"
	"fmt"
	"io"
	"net/http"
)

// Encodings reported in AudioFormat.
const (
	EncodingWAV   = "wav"
	EncodingPCM   = "pcm_s16le"
	EncodingMuLaw = "mulaw"
)

// AudioFormat describes synthesized audio.
type AudioFormat struct {
	SampleRate int
	Channels   int
	Encoding   string
}

// SynthesizeRequest represents a request to synthesize speech
type SynthesizeRequest struct {
	Text     string // Text to synthesize
	Voice    string // Voice ID or name, provider default when empty
	Language string // Language code (e.g., "en-US")
}

// SynthesizeResponse represents the response from speech synthesis
type SynthesizeResponse struct {
	AudioData   []byte
	AudioFormat AudioFormat
}

// Provider defines the interface that all TTS services must implement.
type Provider interface {
	// Name returns the name of the TTS provider (e.g., "openai", "azure", "elevenlabs")
	Name() string

	// Synthesize converts one chunk of text to a complete audio buffer.
	Synthesize(ctx context.Context, req *SynthesizeRequest) (*SynthesizeResponse, error)

	// DefaultVoice returns the voice used when a request names none.
	DefaultVoice() string

	// ValidateConfig reports missing credentials or settings.
	ValidateConfig() error
}

// Error is returned for non-2xx synthesis responses and transport failures.
type Error struct {
	Provider   string
	StatusCode int
	Message    string
	Err        error
}

func (e *Error) Error() string {
	switch {
	case e.StatusCode != 0:
		return fmt.Sprintf("tts %s: status %d: %s", e.Provider, e.StatusCode, e.Message)
	case e.Err != nil:
		return fmt.Sprintf("tts %s: %s: %v", e.Provider, e.Message, e.Err)
	default:
		return fmt.Sprintf("tts %s: %s", e.Provider, e.Message)
	}
}

func (e *Error) Unwrap() error { return e.Err }

// do sends req and returns the body of a 200 response.
func do(client *http.Client, provider string, req *http.Request) ([]byte, error) {
	resp, err := client.Do(req)
	if err != nil {
		return nil, &Error{Provider: provider, Message: "failed to send request", Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, &Error{Provider: provider, StatusCode: resp.StatusCode, Message: string(body)}
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &Error{Provider: provider, Message: "failed to read response", Err: err}
	}
	return data, nil
}
