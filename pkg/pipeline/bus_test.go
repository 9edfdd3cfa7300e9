package pipeline

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEventBusBasicPublishSubscribe(t *testing.T) {
	bus := NewEventBus()
	ch := make(chan Event, 1)
	bus.Subscribe(EventBargeIn, ch)

	require.True(t, bus.Publish(Event{Type: EventBargeIn, Payload: &TurnPayload{TurnID: "t1"}}))

	received := <-ch
	assert.Equal(t, EventBargeIn, received.Type)
	assert.False(t, received.Timestamp.IsZero(), "timestamp filled in")
	assert.Equal(t, "t1", received.Payload.(*TurnPayload).TurnID)
}

func TestEventBusUnsubscribe(t *testing.T) {
	bus := NewEventBus()
	ch := make(chan Event, 1)
	other := make(chan Event, 1)
	bus.Subscribe(EventWarning, ch)
	bus.Subscribe(EventWarning, other)
	bus.Unsubscribe(EventWarning, ch)

	bus.Publish(Event{Type: EventWarning, Payload: "test warning"})

	select {
	case <-ch:
		t.Fatal("received event after unsubscribe")
	case <-time.After(50 * time.Millisecond):
	}
	assert.Len(t, other, 1)
}

func TestEventBusMultipleSubscribers(t *testing.T) {
	bus := NewEventBus()
	ch1 := make(chan Event, 1)
	ch2 := make(chan Event, 1)
	bus.Subscribe(EventPartialResult, ch1)
	bus.Subscribe(EventPartialResult, ch2)
	bus.Subscribe(EventFinalResult, ch2)

	bus.Publish(Event{Type: EventPartialResult, Payload: &TranscriptPayload{Text: "hel"}})

	for _, ch := range []chan Event{ch1, ch2} {
		select {
		case received := <-ch:
			assert.Equal(t, EventPartialResult, received.Type)
		case <-time.After(100 * time.Millisecond):
			t.Fatal("timeout waiting for event")
		}
	}
}

func TestEventBusFullSubscriberDoesNotBlock(t *testing.T) {
	bus := NewEventBus()
	ch := make(chan Event, 1)
	bus.Subscribe(EventTurnCompleted, ch)

	assert.True(t, bus.Publish(Event{Type: EventTurnCompleted}))

	done := make(chan bool, 1)
	go func() { done <- bus.Publish(Event{Type: EventTurnCompleted}) }()

	select {
	case delivered := <-done:
		assert.False(t, delivered, "second event dropped when channel is full")
	case <-time.After(100 * time.Millisecond):
		t.Fatal("publish blocked on a full channel")
	}
}

func TestEventBusStartStop(t *testing.T) {
	bus := NewEventBus()
	ctx := context.Background()

	require.NoError(t, bus.Start(ctx))
	require.NoError(t, bus.Start(ctx))
	bus.Stop()
	bus.Stop()
	require.NoError(t, bus.Start(ctx))
}

func TestPublishNilBus(t *testing.T) {
	assert.NotPanics(t, func() { publish(nil, EventError, nil) })
}
