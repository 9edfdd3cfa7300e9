// Package realtimeapi connects calls to a full-duplex realtime speech
// model. The relay only needs a narrow view of the upstream protocol:
// configure a session, append caller audio, and receive audio deltas plus
// turn lifecycle events.
package realtimeapi

import (
	"context"
	"errors"
)

// EventType is the relay's view of an upstream server event.
type EventType string

const (
	EventSessionReady  EventType = "session_ready"
	EventAudioDelta    EventType = "audio_delta"
	EventSpeechStarted EventType = "speech_started"
	EventSpeechStopped EventType = "speech_stopped"
	EventResponseDone  EventType = "response_done"
	// EventTranscript carries either the caller's transcribed input or the
	// model's spoken reply; Role tells which.
	EventTranscript EventType = "transcript"
	EventError      EventType = "error"
	// EventOther is any diagnostic event the relay only logs.
	EventOther EventType = "other"
)

// Event is one upstream event.
type Event struct {
	Type EventType
	// ServerType is the upstream's own event name, e.g. "response.audio.delta".
	ServerType string
	// Audio is decoded μ-law for EventAudioDelta.
	Audio []byte
	// Text and Role for EventTranscript ("user" or "assistant").
	Text string
	Role string
	// Err describes an EventError.
	Err error
}

// SessionConfig is sent once when the upstream session opens.
type SessionConfig struct {
	Model        string
	Voice        string
	Instructions string

	// Server-side voice activity detection.
	VADThreshold      float64
	PrefixPaddingMs   int
	SilenceDurationMs int

	// TranscribeInput asks the upstream to transcribe caller audio.
	TranscribeInput bool
}

// Upstream is one open realtime session.
type Upstream interface {
	// AppendAudio forwards caller μ-law as-is.
	AppendAudio(ctx context.Context, mulaw []byte) error
	// Events is closed when the connection ends; Err reports why.
	Events() <-chan Event
	Err() error
	Close() error
}

// Dialer opens configured upstream sessions, one per call.
type Dialer interface {
	Name() string
	Dial(ctx context.Context, cfg SessionConfig) (Upstream, error)
}

var (
	// ErrClosed is returned when appending to a closed upstream.
	ErrClosed = errors.New("realtimeapi: upstream closed")
	// ErrMissingAPIKey is returned by Dial without credentials.
	ErrMissingAPIKey = errors.New("realtimeapi: missing api key")
)

// UpstreamError is an error event reported by the model.
type UpstreamError struct {
	Type    string
	Message string
}

func (e *UpstreamError) Error() string {
	if e.Type == "" {
		return "realtimeapi: upstream error: " + e.Message
	}
	return "realtimeapi: upstream " + e.Type + ": " + e.Message
}
