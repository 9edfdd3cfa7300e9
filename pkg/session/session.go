// Package session owns the lifecycle of one phone call: it reads the
// carrier's start event, builds the orchestrator for the call, feeds it
// audio in arrival order and tears everything down on every exit path.
package session

import (
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/realtime-ai/voice-relay/pkg/connection"
	"github.com/realtime-ai/voice-relay/pkg/pipeline"
	"github.com/realtime-ai/voice-relay/pkg/registry"
)

// Failure reasons, used as the reason label of relay_sessions_failed_total
// and stored with the call record.
const (
	ReasonStartTimeout    = "start_timeout"
	ReasonUnauthorized    = "unauthorized"
	ReasonConfig          = "config"
	ReasonDuplicateStream = "duplicate_stream"
	ReasonAdapterInit     = "adapter_init"
	ReasonAdapterFailure  = "adapter_failure"
	ReasonUpstreamFailure = "upstream_failure"
	ReasonPipeline        = "pipeline_error"
	ReasonPanic           = "panic"
)

// ErrDuplicateStream is returned when a start event names a stream that
// already has a live session.
var ErrDuplicateStream = registry.ErrClaimed

// Error is a session failure with its diagnosable reason.
type Error struct {
	Reason string
	Err    error
}

func (e *Error) Error() string { return "session " + e.Reason + ": " + e.Err.Error() }
func (e *Error) Unwrap() error { return e.Err }

func fail(reason string, err error) error {
	return &Error{Reason: reason, Err: err}
}

// reasonOf maps a terminal error to its reason label; nil is a normal end.
func reasonOf(err error) string {
	var se *Error
	switch {
	case err == nil:
		return ""
	case errors.As(err, &se):
		return se.Reason
	case errors.Is(err, pipeline.ErrTooManyFailures):
		return ReasonAdapterFailure
	case errors.Is(err, pipeline.ErrUpstreamFailed):
		return ReasonUpstreamFailure
	default:
		return ReasonPipeline
	}
}

// BargeInState mirrors the assistant's playback state for observers.
type BargeInState string

const (
	BargeInIdle        BargeInState = "idle"
	BargeInSpeaking    BargeInState = "speaking"
	BargeInInterrupted BargeInState = "interrupted"
)

// CallSession is one bridged call. Identity fields are set once the start
// event has been accepted and are read-only afterwards.
type CallSession struct {
	ID        string
	StreamSid string
	CallSid   string
	Direction connection.Direction
	Mode      pipeline.Mode
	CreatedAt time.Time
	StartedAt time.Time

	conn    Carrier
	orch    pipeline.Orchestrator
	bus     pipeline.Bus
	events  chan pipeline.Event
	logger  *zap.Logger
	claimed bool

	mu           sync.Mutex
	bargeState   BargeInState
	bargeIns     int
	terminatedAt time.Time
	reason       string
	err          error
}

// Ready reports whether the orchestrator accepts audio.
func (s *CallSession) Ready() bool { return s.orch != nil }

func (s *CallSession) BargeInState() BargeInState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bargeState
}

func (s *CallSession) BargeIns() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bargeIns
}

// TerminatedAt is zero while the call is live.
func (s *CallSession) TerminatedAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.terminatedAt
}

// Reason is the terminal reason; empty for a normal hangup.
func (s *CallSession) Reason() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reason
}

// Err is the error that ended the call, if any.
func (s *CallSession) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *CallSession) setBargeState(st BargeInState) {
	s.mu.Lock()
	s.bargeState = st
	if st == BargeInInterrupted {
		s.bargeIns++
	}
	s.mu.Unlock()
}

// terminate records the end of the call once.
func (s *CallSession) terminate(err error) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.terminatedAt.IsZero() {
		return false
	}
	s.terminatedAt = time.Now()
	s.reason = reasonOf(err)
	s.err = err
	return true
}
