package pipeline

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// countingClearer records clear calls.
type countingClearer struct {
	clears atomic.Int32
}

func (c *countingClearer) Clear() error {
	c.clears.Add(1)
	return nil
}

func TestInterruptManager_BargeInOnlyWhileSpeaking(t *testing.T) {
	sink := &countingClearer{}
	bus := NewEventBus()
	events := make(chan Event, 4)
	bus.Subscribe(EventBargeIn, events)
	im := NewInterruptManager(sink, bus, nil)

	turn := newTurn(context.Background(), "t1", TurnKindReply, "hi")
	im.Begin(turn)

	// thinking: interim speech does not interrupt
	assert.False(t, im.BargeIn("hello"))
	assert.False(t, turn.Interrupted())

	require.True(t, im.StartSpeaking(turn))
	assert.Equal(t, InterruptStateSpeaking, im.GetState())

	assert.False(t, im.BargeIn("   "), "blank interim ignored")
	assert.True(t, im.BargeIn("wait"))
	assert.True(t, turn.Interrupted())
	assert.Error(t, turn.ctx.Err())
	assert.Equal(t, InterruptStateInterrupted, im.GetState())
	assert.Equal(t, int32(1), sink.clears.Load())
	assert.Equal(t, 1, im.Interrupts())

	// second interim for the same turn is a no-op
	assert.False(t, im.BargeIn("wait wait"))
	assert.Equal(t, int32(1), sink.clears.Load())

	evt := <-events
	assert.Equal(t, "t1", evt.Payload.(*TurnPayload).TurnID)

	im.End(turn)
	assert.Equal(t, InterruptStateIdle, im.GetState())
}

func TestInterruptManager_InterruptedTurnCannotSpeak(t *testing.T) {
	im := NewInterruptManager(&countingClearer{}, nil, nil)
	turn := newTurn(context.Background(), "t1", TurnKindReply, "")
	im.Begin(turn)

	require.NotNil(t, im.Interrupt("superseded"))
	assert.False(t, im.StartSpeaking(turn))
	assert.ErrorIs(t, turn.send(func() error { return nil }), errInterrupted)
}

func TestInterruptManager_InterruptWhileThinkingDoesNotClear(t *testing.T) {
	sink := &countingClearer{}
	im := NewInterruptManager(sink, nil, nil)
	assert.Nil(t, im.Interrupt("nothing running"))

	turn := newTurn(context.Background(), "t1", TurnKindReply, "")
	im.Begin(turn)
	im.Interrupt("superseded")
	assert.True(t, turn.Interrupted())
	assert.Zero(t, sink.clears.Load())
}

func TestInterruptManager_StaleTurnCannotSpeak(t *testing.T) {
	im := NewInterruptManager(&countingClearer{}, nil, nil)
	old := newTurn(context.Background(), "old", TurnKindReply, "")
	im.Begin(old)
	im.Begin(newTurn(context.Background(), "new", TurnKindReply, ""))

	assert.False(t, im.StartSpeaking(old))
	im.End(old)
	assert.Equal(t, InterruptStateIdle, im.GetState())
}

// orderedSink records sends and clears in the order the carrier sees them.
type orderedSink struct {
	mu  sync.Mutex
	log []string
}

func (s *orderedSink) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.log = append(s.log, "clear")
	return nil
}

func TestInterruptManager_ClearWaitsForInFlightFrame(t *testing.T) {
	sink := &orderedSink{}
	im := NewInterruptManager(sink, nil, nil)
	turn := newTurn(context.Background(), "t1", TurnKindReply, "")
	im.Begin(turn)
	require.True(t, im.StartSpeaking(turn))

	inSend := make(chan struct{})
	release := make(chan struct{})
	go func() {
		_ = turn.send(func() error {
			close(inSend)
			<-release
			sink.mu.Lock()
			sink.log = append(sink.log, "media")
			sink.mu.Unlock()
			return nil
		})
	}()
	<-inSend

	bargeDone := make(chan struct{})
	go func() {
		im.BargeIn("stop")
		close(bargeDone)
	}()

	select {
	case <-bargeDone:
		t.Fatal("clear written while a frame was in flight")
	case <-time.After(50 * time.Millisecond):
	}
	close(release)
	<-bargeDone

	// frames after the clear are suppressed
	assert.ErrorIs(t, turn.send(func() error { return nil }), errInterrupted)

	sink.mu.Lock()
	defer sink.mu.Unlock()
	assert.Equal(t, []string{"media", "clear"}, sink.log)
}

func TestTurnFailureCounter(t *testing.T) {
	turn := newTurn(context.Background(), "t1", TurnKindReply, "")
	assert.Equal(t, 1, turn.fail())
	assert.Equal(t, 2, turn.fail())
	turn.ok()
	assert.Equal(t, 1, turn.fail())
}

func TestInterruptState_String(t *testing.T) {
	assert.Equal(t, "idle", InterruptStateIdle.String())
	assert.Equal(t, "speaking", InterruptStateSpeaking.String())
	assert.Equal(t, "interrupted", InterruptStateInterrupted.String())
	assert.Equal(t, "unknown", InterruptState(42).String())
}
