// Package pipeline contains the per-call orchestrators: the cascaded
// STT → LLM → TTS pipeline and the realtime relay.
package pipeline

import (
	"context"
	"sync"
	"time"
)

// EventType names an orchestrator event published on the Bus.
type EventType string

const (
	EventStateChanged   EventType = "state_changed"
	EventPartialResult  EventType = "partial_result"
	EventFinalResult    EventType = "final_result"
	EventBargeIn        EventType = "barge_in"
	EventTurnStarted    EventType = "turn_started"
	EventFirstAudio     EventType = "first_audio"
	EventTurnCompleted  EventType = "turn_completed"
	EventAdapterFailure EventType = "adapter_failure"
	EventSpeechStarted  EventType = "upstream_speech_started"
	EventTerminated     EventType = "terminated"
	EventError          EventType = "error"
	EventWarning        EventType = "warning"
)

// Event is one orchestrator notification.
type Event struct {
	Type      EventType
	Timestamp time.Time
	Payload   interface{}
}

// StatePayload accompanies EventStateChanged.
type StatePayload struct {
	From, To State
}

// TranscriptPayload accompanies EventPartialResult and EventFinalResult.
type TranscriptPayload struct {
	Text string
}

// TurnPayload accompanies the turn lifecycle events.
type TurnPayload struct {
	TurnID      string
	Kind        TurnKind
	Text        string
	Interrupted bool
	// Latency is measured from the user's final transcript (or the start
	// of a greeting) to the event.
	Latency time.Duration
}

// FailurePayload accompanies EventAdapterFailure.
type FailurePayload struct {
	Stage       string // "stt", "llm", "tts", "carrier", "upstream"
	TurnID      string
	Err         error
	Consecutive int
}

// Bus fans orchestrator events out to observers (metrics, transcript
// store, logs). Publish never blocks: an event is dropped for a
// subscriber whose channel is full.
type Bus interface {
	Subscribe(eventType EventType, ch chan<- Event)
	Unsubscribe(eventType EventType, ch chan<- Event)
	// Publish reports whether every subscriber received the event.
	Publish(evt Event) bool
	Start(ctx context.Context) error
	Stop()
}

type eventBus struct {
	mu          sync.RWMutex
	subscribers map[EventType][]chan<- Event
	running     bool
}

// NewEventBus returns an in-process Bus.
func NewEventBus() Bus {
	return &eventBus{subscribers: make(map[EventType][]chan<- Event)}
}

func (b *eventBus) Subscribe(eventType EventType, ch chan<- Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subscribers[eventType] = append(b.subscribers[eventType], ch)
}

func (b *eventBus) Unsubscribe(eventType EventType, ch chan<- Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	chans := b.subscribers[eventType]
	for i, c := range chans {
		if c == ch {
			b.subscribers[eventType] = append(chans[:i:i], chans[i+1:]...)
			return
		}
	}
}

func (b *eventBus) Publish(evt Event) bool {
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()

	delivered := true
	for _, ch := range b.subscribers[evt.Type] {
		select {
		case ch <- evt:
		default:
			delivered = false
		}
	}
	return delivered
}

func (b *eventBus) Start(ctx context.Context) error {
	b.mu.Lock()
	b.running = true
	b.mu.Unlock()
	return nil
}

func (b *eventBus) Stop() {
	b.mu.Lock()
	b.running = false
	b.mu.Unlock()
}

// publish tolerates a nil bus.
func publish(bus Bus, t EventType, payload interface{}) {
	if bus == nil {
		return
	}
	bus.Publish(Event{Type: t, Timestamp: time.Now(), Payload: payload})
}
