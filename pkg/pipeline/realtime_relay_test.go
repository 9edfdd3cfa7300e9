package pipeline

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/realtime-ai/voice-relay/pkg/audio"
	"github.com/realtime-ai/voice-relay/pkg/llm"
	"github.com/realtime-ai/voice-relay/pkg/realtimeapi"
)

type fakeUpstream struct {
	events chan realtimeapi.Event
	mu     sync.Mutex
	audio  [][]byte
	closed bool
	err    error
	once   sync.Once
}

func newFakeUpstream() *fakeUpstream {
	return &fakeUpstream{events: make(chan realtimeapi.Event, 16)}
}

func (u *fakeUpstream) AppendAudio(_ context.Context, mulaw []byte) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.closed {
		return realtimeapi.ErrClosed
	}
	u.audio = append(u.audio, append([]byte(nil), mulaw...))
	return nil
}

func (u *fakeUpstream) Events() <-chan realtimeapi.Event { return u.events }
func (u *fakeUpstream) Err() error                       { return u.err }

func (u *fakeUpstream) Close() error {
	u.mu.Lock()
	u.closed = true
	u.mu.Unlock()
	return nil
}

// drop ends the event stream as a lost connection would.
func (u *fakeUpstream) drop(err error) {
	u.err = err
	u.once.Do(func() { close(u.events) })
}

func (u *fakeUpstream) appended() [][]byte {
	u.mu.Lock()
	defer u.mu.Unlock()
	return append([][]byte(nil), u.audio...)
}

func (u *fakeUpstream) isClosed() bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.closed
}

type fakeDialer struct {
	up  *fakeUpstream
	err error
	cfg realtimeapi.SessionConfig
}

func (d *fakeDialer) Name() string { return "fake" }
func (d *fakeDialer) Dial(_ context.Context, cfg realtimeapi.SessionConfig) (realtimeapi.Upstream, error) {
	if d.err != nil {
		return nil, d.err
	}
	d.cfg = cfg
	return d.up, nil
}

func newTestRelay(t *testing.T) (*RealtimeRelay, *fakeUpstream, *fakeSink, Bus) {
	t.Helper()
	up := newFakeUpstream()
	sink := &fakeSink{}
	bus := NewEventBus()
	r, err := NewRealtimeRelay("sess-rt", realtimeapi.SessionConfig{Model: "gpt-realtime", Voice: "alloy"},
		RealtimeDeps{Dialer: &fakeDialer{up: up}, Sink: sink, Bus: bus})
	require.NoError(t, err)
	require.NoError(t, r.Start(context.Background()))
	t.Cleanup(func() { _ = r.Stop() })
	return r, up, sink, bus
}

func TestRealtimeRelay_ForwardsAudioVerbatim(t *testing.T) {
	r, up, sink, _ := newTestRelay(t)

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		require.NoError(t, r.OnAudio(ctx, audio.NewMuLawFrame(mulawFrame(i), int64(i))))
	}
	assert.Equal(t, [][]byte{mulawFrame(0), mulawFrame(1), mulawFrame(2)}, up.appended())

	reply := []byte{0xff, 0x7f, 0x00, 0x80}
	up.events <- realtimeapi.Event{Type: realtimeapi.EventAudioDelta, Audio: reply}
	up.events <- realtimeapi.Event{Type: realtimeapi.EventResponseDone}

	require.Eventually(t, func() bool { return sink.count("mark") == 1 }, time.Second, 5*time.Millisecond)
	msgs := sink.snapshot()
	require.Len(t, msgs, 2)
	assert.Equal(t, reply, msgs[0].data)
	assert.Equal(t, "response-1", msgs[1].mark)
}

func TestRealtimeRelay_RejectsNonMuLaw(t *testing.T) {
	r, _, _, _ := newTestRelay(t)
	err := r.OnAudio(context.Background(), audio.Frame{Codec: audio.CodecPCM16, SampleRate: 8000, Payload: make([]byte, 320)})
	assert.Error(t, err)
}

func TestRealtimeRelay_SpeechStartedClears(t *testing.T) {
	r, up, sink, bus := newTestRelay(t)
	bargeIns := make(chan Event, 4)
	bus.Subscribe(EventBargeIn, bargeIns)

	// caller speaks while nothing plays: clear, but no barge-in
	up.events <- realtimeapi.Event{Type: realtimeapi.EventSpeechStarted}
	require.Eventually(t, func() bool { return sink.count("clear") == 1 }, time.Second, 5*time.Millisecond)
	assert.Empty(t, bargeIns)

	up.events <- realtimeapi.Event{Type: realtimeapi.EventAudioDelta, Audio: []byte{1, 2, 3}}
	up.events <- realtimeapi.Event{Type: realtimeapi.EventSpeechStarted}
	require.Eventually(t, func() bool { return sink.count("clear") == 2 }, time.Second, 5*time.Millisecond)
	assert.Len(t, bargeIns, 1)
	assert.Equal(t, []string{"clear", "media", "clear"}, sink.kinds())

	// the interrupted response gets no playback mark
	up.events <- realtimeapi.Event{Type: realtimeapi.EventResponseDone}
	time.Sleep(20 * time.Millisecond)
	assert.Zero(t, sink.count("mark"))
	assert.NoError(t, r.Err())
}

func TestRealtimeRelay_TranscriptsRecorded(t *testing.T) {
	r, up, _, _ := newTestRelay(t)

	up.events <- realtimeapi.Event{Type: realtimeapi.EventTranscript, Role: "user", Text: "hi there"}
	up.events <- realtimeapi.Event{Type: realtimeapi.EventTranscript, Role: "assistant", Text: "Hello!"}

	require.Eventually(t, func() bool { return len(r.History()) == 2 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []llm.Message{
		{Role: llm.RoleUser, Text: "hi there"},
		{Role: llm.RoleAssistant, Text: "Hello!"},
	}, r.History())
}

func TestRealtimeRelay_UpstreamErrorTerminates(t *testing.T) {
	r, up, _, _ := newTestRelay(t)

	up.events <- realtimeapi.Event{Type: realtimeapi.EventError, Err: &realtimeapi.UpstreamError{Type: "server_error", Message: "overloaded"}}

	select {
	case <-r.Done():
	case <-time.After(time.Second):
		t.Fatal("relay still running")
	}
	assert.ErrorIs(t, r.Err(), ErrUpstreamFailed)
	assert.ErrorContains(t, r.Err(), "overloaded")
	assert.True(t, up.isClosed())
	assert.ErrorIs(t, r.OnAudio(context.Background(), audio.NewMuLawFrame(mulawFrame(0), 0)), ErrStopped)
}

func TestRealtimeRelay_ConnectionLost(t *testing.T) {
	r, up, _, _ := newTestRelay(t)
	up.drop(errBoom)

	select {
	case <-r.Done():
	case <-time.After(time.Second):
		t.Fatal("relay still running")
	}
	assert.ErrorIs(t, r.Err(), ErrUpstreamFailed)
	assert.ErrorContains(t, r.Err(), "boom")
}

func TestRealtimeRelay_StopIsIdempotent(t *testing.T) {
	r, up, _, _ := newTestRelay(t)

	require.NoError(t, r.Stop())
	require.NoError(t, r.Stop())
	assert.NoError(t, r.Err(), "a requested stop is not a failure")
	assert.True(t, up.isClosed())
	assert.ErrorIs(t, r.OnAudio(context.Background(), audio.NewMuLawFrame(mulawFrame(0), 0)), ErrStopped)
}

func TestRealtimeRelay_DialFailure(t *testing.T) {
	r, err := NewRealtimeRelay("sess-rt", realtimeapi.SessionConfig{},
		RealtimeDeps{Dialer: &fakeDialer{err: realtimeapi.ErrMissingAPIKey}, Sink: &fakeSink{}})
	require.NoError(t, err)

	err = r.Start(context.Background())
	assert.ErrorIs(t, err, realtimeapi.ErrMissingAPIKey)
	assert.Equal(t, "upstream", stageOf(err))
	assert.NoError(t, r.Stop())
}
