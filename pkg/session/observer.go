package session

import (
	"context"

	"go.uber.org/zap"

	"github.com/realtime-ai/voice-relay/pkg/pipeline"
)

var observedEvents = []pipeline.EventType{
	pipeline.EventStateChanged,
	pipeline.EventBargeIn,
	pipeline.EventFirstAudio,
	pipeline.EventTurnCompleted,
	pipeline.EventAdapterFailure,
	pipeline.EventTerminated,
}

// subscribe attaches the session to its orchestrator's bus before the
// orchestrator starts, so no early event is missed.
func (s *CallSession) subscribe(bus pipeline.Bus) {
	s.bus = bus
	s.events = make(chan pipeline.Event, busBuffer)
	for _, t := range observedEvents {
		bus.Subscribe(t, s.events)
	}
}

// observe turns orchestrator events into metrics and session state until
// ctx ends.
func (m *Manager) observe(ctx context.Context, s *CallSession) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-s.events:
			m.handleEvent(s, ev)
		}
	}
}

// drainEvents handles whatever the orchestrator published while stopping.
func (m *Manager) drainEvents(s *CallSession) {
	for {
		select {
		case ev := <-s.events:
			m.handleEvent(s, ev)
		default:
			return
		}
	}
}

func (m *Manager) handleEvent(s *CallSession, ev pipeline.Event) {
	mode := string(s.Mode)
	switch p := ev.Payload.(type) {
	case *pipeline.StatePayload:
		if p.To == pipeline.StateSpeaking {
			s.setBargeState(BargeInSpeaking)
		}
	case *pipeline.TurnPayload:
		switch ev.Type {
		case pipeline.EventBargeIn:
			s.setBargeState(BargeInInterrupted)
			m.metrics.BargeIn(mode)
		case pipeline.EventFirstAudio:
			s.setBargeState(BargeInSpeaking)
			if p.Latency > 0 {
				m.metrics.FirstAudio(mode, p.Latency)
			}
		case pipeline.EventTurnCompleted:
			if !p.Interrupted {
				s.setBargeState(BargeInIdle)
			}
			kind := string(p.Kind)
			if kind == "" {
				kind = "response"
			}
			m.metrics.TurnCompleted(kind, p.Interrupted)
		}
	case *pipeline.FailurePayload:
		m.metrics.AdapterFailure(p.Stage)
	default:
		if ev.Type == pipeline.EventTerminated {
			s.logger.Debug("orchestrator terminated", zap.Any("cause", ev.Payload))
		}
	}
}
