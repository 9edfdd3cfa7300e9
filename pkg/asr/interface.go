// Package asr provides a unified interface for streaming speech recognition.
// Providers turn a continuous stream of linear PCM into interim and final
// transcripts.
package asr

import (
	"context"
	"time"
)

// RecognitionResult represents the output of speech recognition.
type RecognitionResult struct {
	// Text is the recognized text
	Text string

	// IsFinal indicates if this is a final result (true) or partial/interim (false)
	IsFinal bool

	// Confidence score (0.0-1.0) if available, otherwise -1
	Confidence float32

	// Language detected or used for recognition
	Language string

	// Timestamp when recognition completed
	Timestamp time.Time
}

// AudioConfig specifies the audio format pushed into the recognizer.
type AudioConfig struct {
	// SampleRate in Hz (8000 for telephone audio)
	SampleRate int

	// Channels (1 for mono)
	Channels int

	// BitsPerSample (16)
	BitsPerSample int
}

// TelephoneAudio is 8kHz mono 16-bit PCM.
var TelephoneAudio = AudioConfig{SampleRate: 8000, Channels: 1, BitsPerSample: 16}

// RecognitionConfig contains settings for speech recognition.
type RecognitionConfig struct {
	// Language code (e.g., "en-US", "auto" for auto-detection)
	Language string

	// SilenceTimeout ends an utterance after this much trailing silence
	SilenceTimeout time.Duration
}

// StreamingRecognizer handles continuous speech recognition from an audio stream.
type StreamingRecognizer interface {
	// SendAudio sends little-endian PCM matching the AudioConfig the
	// recognizer was created with.
	SendAudio(ctx context.Context, pcm []byte) error

	// Results returns a channel that receives recognition results.
	// The channel is closed when the recognizer stops, either through
	// Close or because the upstream failed; Err reports which.
	Results() <-chan *RecognitionResult

	// Err returns the error that stopped the recognizer, if any.
	Err() error

	// Close stops recognition and releases resources.
	Close() error
}

// Provider creates streaming recognizers, one per call.
type Provider interface {
	// Name returns the provider name (e.g., "azure", "elevenlabs")
	Name() string

	StreamingRecognize(ctx context.Context, audioConfig AudioConfig, config RecognitionConfig) (StreamingRecognizer, error)

	// Close releases any resources held by the provider.
	Close() error
}

// Error types for ASR operations
type Error struct {
	Code    ErrorCode
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return e.Message + ": " + e.Err.Error()
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Err
}

type ErrorCode int

const (
	ErrCodeUnknown ErrorCode = iota
	ErrCodeInvalidConfig
	ErrCodeInvalidAudio
	ErrCodeAuthenticationFailed
	ErrCodeNetworkError
	ErrCodeProviderError
	ErrCodeClosed
)

func (c ErrorCode) String() string {
	switch c {
	case ErrCodeInvalidConfig:
		return "invalid_config"
	case ErrCodeInvalidAudio:
		return "invalid_audio"
	case ErrCodeAuthenticationFailed:
		return "authentication_failed"
	case ErrCodeNetworkError:
		return "network_error"
	case ErrCodeProviderError:
		return "provider_error"
	case ErrCodeClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// normalizeLanguageCode converts "en-US" style tags to ISO 639-1.
func normalizeLanguageCode(language string) string {
	if len(language) >= 2 && (len(language) == 2 || language[2] == '-' || language[2] == '_') {
		return language[:2]
	}
	return language
}
