package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/realtime-ai/voice-relay/pkg/audio"
	"github.com/realtime-ai/voice-relay/pkg/auth"
	"github.com/realtime-ai/voice-relay/pkg/connection"
	"github.com/realtime-ai/voice-relay/pkg/llm"
	"github.com/realtime-ai/voice-relay/pkg/metrics"
	"github.com/realtime-ai/voice-relay/pkg/pipeline"
	"github.com/realtime-ai/voice-relay/pkg/registry"
	"github.com/realtime-ai/voice-relay/pkg/store"
)

type fakeCarrier struct {
	events chan connection.Event

	mu     sync.Mutex
	sent   [][]byte
	clears int
	marks  []string
	closed bool
}

func newFakeCarrier() *fakeCarrier {
	return &fakeCarrier{events: make(chan connection.Event, 32)}
}

func (c *fakeCarrier) Start(context.Context)           {}
func (c *fakeCarrier) Events() <-chan connection.Event { return c.events }

func (c *fakeCarrier) SendMedia(mulaw []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, mulaw)
	return nil
}

func (c *fakeCarrier) Clear() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.clears++
	return nil
}

func (c *fakeCarrier) SendMark(name string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.marks = append(c.marks, name)
	return nil
}

func (c *fakeCarrier) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *fakeCarrier) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *fakeCarrier) sentMedia() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.sent)
}

func (c *fakeCarrier) start(streamSid string, dir connection.Direction, params map[string]string) {
	c.events <- connection.Event{Type: connection.EventStart, StreamSid: streamSid, Start: &connection.StartInfo{
		StreamSid:        streamSid,
		CallSid:          "CA" + streamSid,
		Direction:        dir,
		CustomParameters: params,
		Encoding:         "audio/x-mulaw",
		SampleRate:       8000,
	}}
}

func (c *fakeCarrier) media(seq int64, b byte) {
	c.events <- connection.Event{Type: connection.EventMedia, Sequence: seq, Media: []byte{b, b, b}}
}

func (c *fakeCarrier) stop() {
	c.events <- connection.Event{Type: connection.EventStop}
}

type fakeOrch struct {
	req      OrchestratorSpec
	startErr error

	mu      sync.Mutex
	frames  []audio.Frame
	greeted string
	delay   time.Duration
	started int
	stopped int
	err     error

	done     chan struct{}
	doneOnce sync.Once
}

func newFakeOrch(req OrchestratorSpec) *fakeOrch {
	return &fakeOrch{req: req, done: make(chan struct{})}
}

func (o *fakeOrch) Start(context.Context) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.started++
	return o.startErr
}

func (o *fakeOrch) OnAudio(_ context.Context, f audio.Frame) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.err != nil {
		return pipeline.ErrStopped
	}
	o.frames = append(o.frames, f)
	return nil
}

func (o *fakeOrch) Done() <-chan struct{} { return o.done }

func (o *fakeOrch) Err() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.err
}

func (o *fakeOrch) Stop() error {
	o.mu.Lock()
	o.stopped++
	o.mu.Unlock()
	o.doneOnce.Do(func() { close(o.done) })
	return nil
}

func (o *fakeOrch) Greet(text string, delay time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.greeted, o.delay = text, delay
}

func (o *fakeOrch) History() []llm.Message {
	return []llm.Message{{Role: llm.RoleUser, Text: "hello"}, {Role: llm.RoleAssistant, Text: "hi there"}}
}

// fail ends the orchestrator on its own, the way a broken adapter does.
func (o *fakeOrch) fail(err error) {
	o.mu.Lock()
	o.err = err
	o.mu.Unlock()
	o.doneOnce.Do(func() { close(o.done) })
}

func (o *fakeOrch) payloads() [][]byte {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([][]byte, 0, len(o.frames))
	for _, f := range o.frames {
		out = append(out, f.Payload)
	}
	return out
}

// recordingFactory hands out fakeOrch instances and remembers them.
type recordingFactory struct {
	mu       sync.Mutex
	orchs    []*fakeOrch
	err      error
	startErr error
	created  chan *fakeOrch
}

func newRecordingFactory() *recordingFactory {
	return &recordingFactory{created: make(chan *fakeOrch, 4)}
}

func (f *recordingFactory) NewOrchestrator(_ context.Context, req OrchestratorSpec) (pipeline.Orchestrator, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	o := newFakeOrch(req)
	o.startErr = f.startErr
	f.orchs = append(f.orchs, o)
	f.created <- o
	return o, nil
}

func (f *recordingFactory) next(t *testing.T) *fakeOrch {
	t.Helper()
	select {
	case o := <-f.created:
		return o
	case <-time.After(2 * time.Second):
		t.Fatal("orchestrator never built")
		return nil
	}
}

func (f *recordingFactory) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.orchs)
}

type testEnv struct {
	m       *Manager
	factory *recordingFactory
	reg     *registry.Memory
	store   store.Store
	metrics *metrics.Collector
}

func newTestEnv(t *testing.T, opts Options) *testEnv {
	t.Helper()
	st, err := store.Open("sqlite", fmt.Sprintf("file:%s?mode=memory&cache=shared", strings.ReplaceAll(t.Name(), "/", "_")))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	env := &testEnv{
		factory: newRecordingFactory(),
		reg:     registry.NewMemory(),
		store:   st,
		metrics: metrics.New(),
	}
	m, err := NewManager(opts, Deps{
		Factory:  env.factory,
		Registry: env.reg,
		Store:    env.store,
		Metrics:  env.metrics,
	})
	require.NoError(t, err)
	env.m = m
	return env
}

func (e *testEnv) run(conn Carrier) <-chan error {
	done := make(chan error, 1)
	go func() { done <- e.m.Run(context.Background(), conn) }()
	return done
}

func waitRun(t *testing.T, done <-chan error) error {
	t.Helper()
	select {
	case err := <-done:
		return err
	case <-time.After(3 * time.Second):
		t.Fatal("Run did not return")
		return nil
	}
}

func assertMetric(t *testing.T, c *metrics.Collector, name, help, kind, series string) {
	t.Helper()
	expected := fmt.Sprintf("# HELP %s %s\n# TYPE %s %s\n%s\n", name, help, name, kind, series)
	assert.NoError(t, testutil.GatherAndCompare(c.Registry(), strings.NewReader(expected), name))
}

func reasonFrom(err error) string {
	var se *Error
	if errors.As(err, &se) {
		return se.Reason
	}
	return ""
}

func TestManager_InboundCallLifecycle(t *testing.T) {
	env := newTestEnv(t, Options{Mode: pipeline.ModeCascaded})
	conn := newFakeCarrier()
	done := env.run(conn)

	conn.events <- connection.Event{Type: connection.EventConnected}
	conn.start("MZ1", connection.DirectionInbound, nil)
	orch := env.factory.next(t)
	conn.media(1, 1)
	conn.media(2, 2)
	conn.media(3, 3)
	conn.events <- connection.Event{Type: connection.EventMark, Mark: "turn-1"}
	conn.events <- connection.Event{Type: connection.EventDTMF, Digit: "5"}

	require.Eventually(t, func() bool { return len(orch.payloads()) == 3 }, 2*time.Second, 5*time.Millisecond)
	s, ok := env.m.Lookup("MZ1")
	require.True(t, ok)
	assert.Equal(t, 1, env.m.Count())
	assert.Equal(t, pipeline.ModeCascaded, s.Mode)
	assert.Equal(t, "CAMZ1", s.CallSid)

	conn.stop()
	require.NoError(t, waitRun(t, done))

	assert.Equal(t, [][]byte{{1, 1, 1}, {2, 2, 2}, {3, 3, 3}}, orch.payloads())
	assert.Equal(t, audio.CodecMuLaw, orch.frames[0].Codec)
	assert.Empty(t, orch.greeted, "inbound calls are not greeted")
	assert.Equal(t, 1, orch.stopped)
	assert.True(t, conn.isClosed())
	assert.Equal(t, 0, env.m.Count())
	assert.Equal(t, 0, env.reg.Len(), "claim released")
	assert.Equal(t, "", s.Reason())
	assert.False(t, s.TerminatedAt().IsZero())

	rec, err := env.store.GetCall(context.Background(), orch.req.Session.ID)
	require.NoError(t, err)
	assert.Equal(t, "MZ1", rec.StreamSid)
	assert.Equal(t, "inbound", rec.Direction)
	assert.Equal(t, "cascaded", rec.Mode)
	assert.Empty(t, rec.Reason)
	require.Len(t, rec.Turns, 2)
	assert.Equal(t, "user", rec.Turns[0].Role)
	assert.Equal(t, "hi there", rec.Turns[1].Text)

	assertMetric(t, env.metrics, "relay_sessions_total", "Calls ended, by mode and outcome.", "counter",
		`relay_sessions_total{mode="cascaded",outcome="completed"} 1`)
}

func TestManager_MediaBeforeStartDropped(t *testing.T) {
	env := newTestEnv(t, Options{})
	conn := newFakeCarrier()
	done := env.run(conn)

	conn.media(1, 9)
	conn.media(2, 9)
	conn.start("MZ2", connection.DirectionInbound, nil)
	orch := env.factory.next(t)
	conn.media(3, 7)
	conn.stop()
	require.NoError(t, waitRun(t, done))

	assert.Equal(t, [][]byte{{7, 7, 7}}, orch.payloads())
}

func TestManager_OutboundGreeting(t *testing.T) {
	env := newTestEnv(t, Options{Greeting: "Hi, this is the clinic calling.", GreetingDelay: 300 * time.Millisecond})
	conn := newFakeCarrier()
	done := env.run(conn)

	conn.start("MZ3", connection.DirectionOutbound, map[string]string{"direction": "outbound"})
	orch := env.factory.next(t)
	conn.stop()
	require.NoError(t, waitRun(t, done))

	assert.Equal(t, "Hi, this is the clinic calling.", orch.greeted)
	assert.Equal(t, 300*time.Millisecond, orch.delay)
}

func TestManager_ModeOverride(t *testing.T) {
	tests := []struct {
		name      string
		allow     bool
		requested string
		want      pipeline.Mode
		reason    string
	}{
		{name: "allowed", allow: true, requested: "realtime-relay", want: pipeline.ModeRealtimeRelay},
		{name: "ignored", allow: false, requested: "realtime-relay", want: pipeline.ModeCascaded},
		{name: "unknown", allow: true, requested: "walkie-talkie", reason: ReasonConfig},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t, Options{Mode: pipeline.ModeCascaded, AllowModeOverride: tt.allow})
			conn := newFakeCarrier()
			done := env.run(conn)
			conn.start("MZ-"+tt.name, connection.DirectionInbound, map[string]string{"mode": tt.requested})

			if tt.reason != "" {
				err := waitRun(t, done)
				require.Error(t, err)
				assert.Equal(t, tt.reason, reasonFrom(err))
				assert.Equal(t, 0, env.factory.count())
				assert.True(t, conn.isClosed())
				return
			}
			orch := env.factory.next(t)
			conn.stop()
			require.NoError(t, waitRun(t, done))
			assert.Equal(t, tt.want, orch.req.Mode)
		})
	}
}

func TestManager_DuplicateStream(t *testing.T) {
	env := newTestEnv(t, Options{})
	require.NoError(t, env.reg.Claim(context.Background(), "MZ4", "other-session"))

	conn := newFakeCarrier()
	done := env.run(conn)
	conn.start("MZ4", connection.DirectionInbound, nil)

	err := waitRun(t, done)
	require.ErrorIs(t, err, ErrDuplicateStream)
	assert.Equal(t, ReasonDuplicateStream, reasonFrom(err))
	assert.True(t, conn.isClosed())
	assert.Equal(t, 0, env.factory.count())
	assert.Equal(t, 1, env.reg.Len(), "the other session keeps its claim")

	assertMetric(t, env.metrics, "relay_sessions_failed_total", "Calls that ended on an error, by reason.", "counter",
		`relay_sessions_failed_total{reason="duplicate_stream"} 1`)
}

func TestManager_AdapterInitFailure(t *testing.T) {
	t.Run("factory", func(t *testing.T) {
		env := newTestEnv(t, Options{})
		env.factory.err = errors.New("no credentials")
		conn := newFakeCarrier()
		done := env.run(conn)
		conn.start("MZ5", connection.DirectionInbound, nil)
		conn.media(1, 1)

		err := waitRun(t, done)
		assert.Equal(t, ReasonAdapterInit, reasonFrom(err))
		assert.True(t, conn.isClosed())
		assert.Zero(t, conn.sentMedia())
		assert.Equal(t, 0, env.reg.Len())
		assert.Equal(t, 0, env.m.Count())
	})

	t.Run("start", func(t *testing.T) {
		env := newTestEnv(t, Options{})
		env.factory.startErr = errors.New("recognizer handshake failed")
		conn := newFakeCarrier()
		done := env.run(conn)
		conn.start("MZ6", connection.DirectionInbound, nil)
		orch := env.factory.next(t)

		err := waitRun(t, done)
		assert.Equal(t, ReasonAdapterInit, reasonFrom(err))
		assert.Equal(t, 1, orch.stopped, "a half-started orchestrator is stopped")
		assert.True(t, conn.isClosed())
		assert.Equal(t, 0, env.reg.Len())
	})
}

func TestManager_StreamToken(t *testing.T) {
	tokens := auth.NewStreamTokens("test-secret", time.Minute)

	t.Run("missing", func(t *testing.T) {
		env := newTestEnv(t, Options{Tokens: tokens})
		conn := newFakeCarrier()
		done := env.run(conn)
		conn.start("MZ7", connection.DirectionInbound, nil)

		err := waitRun(t, done)
		assert.Equal(t, ReasonUnauthorized, reasonFrom(err))
		assert.Equal(t, 0, env.factory.count())
		assert.Equal(t, 0, env.reg.Len())
	})

	t.Run("other call", func(t *testing.T) {
		env := newTestEnv(t, Options{Tokens: tokens})
		tok, err := tokens.Sign("CAsomeone-else", "inbound")
		require.NoError(t, err)
		conn := newFakeCarrier()
		done := env.run(conn)
		conn.start("MZ8", connection.DirectionInbound, map[string]string{"token": tok})

		assert.Equal(t, ReasonUnauthorized, reasonFrom(waitRun(t, done)))
	})

	t.Run("valid", func(t *testing.T) {
		env := newTestEnv(t, Options{Tokens: tokens})
		tok, err := tokens.Sign("CAMZ9", "inbound")
		require.NoError(t, err)
		conn := newFakeCarrier()
		done := env.run(conn)
		conn.start("MZ9", connection.DirectionInbound, map[string]string{"token": tok})
		env.factory.next(t)
		conn.stop()
		require.NoError(t, waitRun(t, done))
	})
}

func TestManager_StartTimeout(t *testing.T) {
	env := newTestEnv(t, Options{StartTimeout: 50 * time.Millisecond})
	conn := newFakeCarrier()
	done := env.run(conn)
	conn.media(1, 1)

	err := waitRun(t, done)
	assert.Equal(t, ReasonStartTimeout, reasonFrom(err))
	assert.True(t, conn.isClosed())
	assert.Equal(t, 0, env.factory.count())
}

func TestManager_DisconnectBeforeStart(t *testing.T) {
	env := newTestEnv(t, Options{})
	conn := newFakeCarrier()
	done := env.run(conn)
	close(conn.events)

	require.NoError(t, waitRun(t, done))
	assert.True(t, conn.isClosed())
}

func TestManager_CarrierHangupEndsCall(t *testing.T) {
	env := newTestEnv(t, Options{})
	conn := newFakeCarrier()
	done := env.run(conn)
	conn.start("MZ10", connection.DirectionInbound, nil)
	orch := env.factory.next(t)
	close(conn.events)

	require.NoError(t, waitRun(t, done))
	assert.Equal(t, 1, orch.stopped)
	assert.Equal(t, 0, env.reg.Len())
}

func TestManager_OrchestratorFailure(t *testing.T) {
	env := newTestEnv(t, Options{})
	conn := newFakeCarrier()
	done := env.run(conn)
	conn.start("MZ11", connection.DirectionInbound, nil)
	orch := env.factory.next(t)

	orch.req.Bus.Publish(pipeline.Event{Type: pipeline.EventAdapterFailure, Payload: &pipeline.FailurePayload{Stage: "llm", Err: errors.New("503")}})
	orch.fail(fmt.Errorf("llm: %w", pipeline.ErrTooManyFailures))

	err := waitRun(t, done)
	require.ErrorIs(t, err, pipeline.ErrTooManyFailures)
	assert.True(t, conn.isClosed())
	assert.Equal(t, 0, env.reg.Len())

	rec, getErr := env.store.GetCall(context.Background(), orch.req.Session.ID)
	require.NoError(t, getErr)
	assert.Equal(t, ReasonAdapterFailure, rec.Reason)
	assert.Contains(t, rec.Error, "too many")

	assertMetric(t, env.metrics, "relay_adapter_failures_total", "Adapter failures, by pipeline stage.", "counter",
		`relay_adapter_failures_total{stage="llm"} 1`)
	assertMetric(t, env.metrics, "relay_sessions_total", "Calls ended, by mode and outcome.", "counter",
		`relay_sessions_total{mode="cascaded",outcome="failed"} 1`)
}

func TestManager_BargeInObserved(t *testing.T) {
	env := newTestEnv(t, Options{})
	conn := newFakeCarrier()
	done := env.run(conn)
	conn.start("MZ12", connection.DirectionInbound, nil)
	orch := env.factory.next(t)

	bus := orch.req.Bus
	bus.Publish(pipeline.Event{Type: pipeline.EventFirstAudio, Payload: &pipeline.TurnPayload{TurnID: "turn-1", Latency: 120 * time.Millisecond}})
	var s *CallSession
	require.Eventually(t, func() bool {
		var ok bool
		s, ok = env.m.Lookup("MZ12")
		return ok
	}, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return s.BargeInState() == BargeInSpeaking }, time.Second, 5*time.Millisecond)

	bus.Publish(pipeline.Event{Type: pipeline.EventBargeIn, Payload: &pipeline.TurnPayload{TurnID: "turn-1"}})
	bus.Publish(pipeline.Event{Type: pipeline.EventTurnCompleted, Payload: &pipeline.TurnPayload{TurnID: "turn-1", Interrupted: true}})
	require.Eventually(t, func() bool { return s.BargeIns() == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, BargeInInterrupted, s.BargeInState())

	conn.stop()
	require.NoError(t, waitRun(t, done))

	rec, err := env.store.GetCall(context.Background(), s.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, rec.BargeIns)
	assertMetric(t, env.metrics, "relay_barge_ins_total", "Assistant playback interrupted by the caller.", "counter",
		`relay_barge_ins_total{mode="cascaded"} 1`)
	assertMetric(t, env.metrics, "relay_turns_total", "Assistant turns, by kind and outcome.", "counter",
		`relay_turns_total{kind="response",outcome="interrupted"} 1`)
}

func TestManager_PanicRecovered(t *testing.T) {
	env := newTestEnv(t, Options{})
	var calls int
	m, err := NewManager(Options{}, Deps{
		Factory: FactoryFunc(func(context.Context, OrchestratorSpec) (pipeline.Orchestrator, error) {
			calls++
			panic("adapter exploded")
		}),
		Registry: env.reg,
		Metrics:  env.metrics,
	})
	require.NoError(t, err)

	conn := newFakeCarrier()
	done := make(chan error, 1)
	go func() { done <- m.Run(context.Background(), conn) }()
	conn.start("MZ13", connection.DirectionInbound, nil)

	err = waitRun(t, done)
	assert.Equal(t, ReasonPanic, reasonFrom(err))
	assert.Equal(t, 1, calls)
	assert.True(t, conn.isClosed())
	assert.Equal(t, 0, env.reg.Len(), "claim released after a panic")
}

func TestManager_SecondStartIgnored(t *testing.T) {
	env := newTestEnv(t, Options{})
	conn := newFakeCarrier()
	done := env.run(conn)
	conn.start("MZ14", connection.DirectionInbound, nil)
	env.factory.next(t)
	conn.start("MZ14", connection.DirectionInbound, nil)
	conn.media(1, 1)
	conn.stop()

	require.NoError(t, waitRun(t, done))
	assert.Equal(t, 1, env.factory.count())
}

func TestNewManager_Validation(t *testing.T) {
	_, err := NewManager(Options{}, Deps{})
	require.Error(t, err)

	_, err = NewManager(Options{Mode: "fax"}, Deps{Factory: newRecordingFactory()})
	require.Error(t, err)

	m, err := NewManager(Options{}, Deps{Factory: newRecordingFactory()})
	require.NoError(t, err)
	assert.Equal(t, pipeline.ModeCascaded, m.opts.Mode)
	assert.Equal(t, 10*time.Second, m.opts.StartTimeout)
}

func TestReasonOf(t *testing.T) {
	assert.Equal(t, "", reasonOf(nil))
	assert.Equal(t, ReasonStartTimeout, reasonOf(fail(ReasonStartTimeout, errors.New("late"))))
	assert.Equal(t, ReasonAdapterFailure, reasonOf(fmt.Errorf("x: %w", pipeline.ErrTooManyFailures)))
	assert.Equal(t, ReasonUpstreamFailure, reasonOf(pipeline.ErrUpstreamFailed))
	assert.Equal(t, ReasonPipeline, reasonOf(errors.New("other")))
}
