package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/realtime-ai/voice-relay/pkg/asr"
	"github.com/realtime-ai/voice-relay/pkg/llm"
	"github.com/realtime-ai/voice-relay/pkg/tts"
)

// ---- carrier ----

type sinkMsg struct {
	kind string // "media", "clear", "mark"
	data []byte
	mark string
}

type fakeSink struct {
	mu   sync.Mutex
	msgs []sinkMsg
	err  error
}

func (s *fakeSink) add(m sinkMsg) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.msgs = append(s.msgs, m)
	return nil
}

func (s *fakeSink) SendMedia(mulaw []byte) error {
	return s.add(sinkMsg{kind: "media", data: append([]byte(nil), mulaw...)})
}
func (s *fakeSink) Clear() error               { return s.add(sinkMsg{kind: "clear"}) }
func (s *fakeSink) SendMark(name string) error { return s.add(sinkMsg{kind: "mark", mark: name}) }

func (s *fakeSink) snapshot() []sinkMsg {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]sinkMsg(nil), s.msgs...)
}

func (s *fakeSink) count(kind string) int {
	n := 0
	for _, m := range s.snapshot() {
		if m.kind == kind {
			n++
		}
	}
	return n
}

func (s *fakeSink) kinds() []string {
	var out []string
	for _, m := range s.snapshot() {
		if m.kind == "mark" {
			out = append(out, "mark:"+m.mark)
			continue
		}
		out = append(out, m.kind)
	}
	return out
}

// ---- recognizer ----

type fakeRecognizer struct {
	results chan *asr.RecognitionResult
	mu      sync.Mutex
	audio   [][]byte
	onAudio func(n int)
	err     error
	once    sync.Once
}

func newFakeRecognizer() *fakeRecognizer {
	return &fakeRecognizer{results: make(chan *asr.RecognitionResult, 16)}
}

func (r *fakeRecognizer) SendAudio(ctx context.Context, pcm []byte) error {
	r.mu.Lock()
	r.audio = append(r.audio, pcm)
	n := len(r.audio)
	hook := r.onAudio
	r.mu.Unlock()
	if hook != nil {
		hook(n)
	}
	return nil
}

func (r *fakeRecognizer) Results() <-chan *asr.RecognitionResult { return r.results }
func (r *fakeRecognizer) Err() error                             { return r.err }
func (r *fakeRecognizer) Close() error {
	r.once.Do(func() { close(r.results) })
	return nil
}

// fail closes the result channel the way a broken upstream does.
func (r *fakeRecognizer) fail(err error) {
	r.err = err
	r.Close()
}

func (r *fakeRecognizer) interim(text string) {
	r.results <- &asr.RecognitionResult{Text: text, Timestamp: time.Now()}
}

func (r *fakeRecognizer) final(text string) {
	r.results <- &asr.RecognitionResult{Text: text, IsFinal: true, Timestamp: time.Now()}
}

func (r *fakeRecognizer) received() [][]byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([][]byte(nil), r.audio...)
}

type fakeASR struct {
	mu      sync.Mutex
	created chan *fakeRecognizer
	err     error
	hook    func(*fakeRecognizer)
}

func newFakeASR() *fakeASR {
	return &fakeASR{created: make(chan *fakeRecognizer, 8)}
}

func (p *fakeASR) Name() string { return "fake" }
func (p *fakeASR) StreamingRecognize(ctx context.Context, _ asr.AudioConfig, _ asr.RecognitionConfig) (asr.StreamingRecognizer, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return nil, p.err
	}
	r := newFakeRecognizer()
	if p.hook != nil {
		p.hook(r)
	}
	p.created <- r
	return r, nil
}
func (p *fakeASR) Close() error { return nil }

func (p *fakeASR) next(t *testing.T) *fakeRecognizer {
	t.Helper()
	select {
	case r := <-p.created:
		return r
	case <-time.After(2 * time.Second):
		t.Fatal("recognizer not opened")
		return nil
	}
}

// ---- language model ----

// llmReply scripts one Stream call: either an error, or tokens. A reply
// with hang set blocks after its tokens until the context ends.
type llmReply struct {
	err    error
	tokens []string
	hang   bool
}

type fakeLLM struct {
	mu       sync.Mutex
	replies  []llmReply
	requests []*llm.Request
}

func (f *fakeLLM) Name() string { return "fake" }

func (f *fakeLLM) Stream(ctx context.Context, req *llm.Request) (llm.TokenStream, error) {
	f.mu.Lock()
	f.requests = append(f.requests, req)
	var reply llmReply
	if len(f.replies) > 0 {
		reply = f.replies[0]
		f.replies = f.replies[1:]
	} else {
		reply = llmReply{tokens: []string{"OK."}}
	}
	f.mu.Unlock()

	if reply.err != nil {
		return nil, reply.err
	}
	return &fakeStream{ctx: ctx, tokens: reply.tokens, hang: reply.hang}, nil
}

func (f *fakeLLM) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.requests)
}

func (f *fakeLLM) request(i int) *llm.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.requests[i]
}

type fakeStream struct {
	ctx    context.Context
	tokens []string
	hang   bool
	cur    string
	err    error
}

func (s *fakeStream) Next() bool {
	if s.ctx.Err() != nil {
		s.err = s.ctx.Err()
		return false
	}
	if len(s.tokens) == 0 {
		if s.hang {
			<-s.ctx.Done()
			s.err = s.ctx.Err()
		}
		return false
	}
	s.cur, s.tokens = s.tokens[0], s.tokens[1:]
	return true
}

func (s *fakeStream) Token() string { return s.cur }
func (s *fakeStream) Err() error    { return s.err }
func (s *fakeStream) Close() error  { return nil }

// ---- synthesizer ----

type fakeTTS struct {
	mu     sync.Mutex
	texts  []string
	frames int // 160-byte frames per chunk
	fails  int // fail this many calls first
}

func (f *fakeTTS) Name() string          { return "fake" }
func (f *fakeTTS) DefaultVoice() string  { return "test" }
func (f *fakeTTS) ValidateConfig() error { return nil }

func (f *fakeTTS) Synthesize(ctx context.Context, req *tts.SynthesizeRequest) (*tts.SynthesizeResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.texts = append(f.texts, req.Text)
	if f.fails > 0 {
		f.fails--
		return nil, &tts.Error{Provider: "fake", StatusCode: 503, Message: "unavailable"}
	}
	frames := f.frames
	if frames == 0 {
		frames = 3
	}
	data := make([]byte, frames*160)
	for i := range data {
		data[i] = byte(len(f.texts))
	}
	return &tts.SynthesizeResponse{
		AudioData:   data,
		AudioFormat: tts.AudioFormat{SampleRate: 8000, Channels: 1, Encoding: tts.EncodingMuLaw},
	}, nil
}

func (f *fakeTTS) synthesized() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.texts...)
}

// ---- harness ----

type harness struct {
	c    *Cascaded
	asr  *fakeASR
	llm  *fakeLLM
	tts  *fakeTTS
	sink *fakeSink
	bus  Bus
	rec  *fakeRecognizer
}

func newHarness(t *testing.T, cfg CascadedConfig, replies ...llmReply) *harness {
	t.Helper()
	h := &harness{
		asr:  newFakeASR(),
		llm:  &fakeLLM{replies: replies},
		tts:  &fakeTTS{},
		sink: &fakeSink{},
		bus:  NewEventBus(),
	}
	c, err := NewCascaded("sess-test", cfg, CascadedDeps{
		Recognizer: h.asr,
		LLM:        h.llm,
		TTS:        h.tts,
		Sink:       h.sink,
		Bus:        h.bus,
	})
	require.NoError(t, err)
	h.c = c
	t.Cleanup(func() { _ = c.Stop() })
	return h
}

func (h *harness) start(t *testing.T) {
	t.Helper()
	require.NoError(t, h.c.Start(context.Background()))
	h.rec = h.asr.next(t)
}

func (h *harness) waitState(t *testing.T, want State) {
	t.Helper()
	require.Eventually(t, func() bool { return h.c.State() == want }, 2*time.Second, 5*time.Millisecond,
		"state %s, want %s", h.c.State(), want)
}

func (h *harness) waitMark(t *testing.T, name string) {
	t.Helper()
	require.Eventually(t, func() bool {
		for _, m := range h.sink.snapshot() {
			if m.kind == "mark" && m.mark == name {
				return true
			}
		}
		return false
	}, 2*time.Second, 5*time.Millisecond, "mark %s never sent: %v", name, h.sink.kinds())
}

var errBoom = errors.New("boom")

func mulawFrame(i int) []byte {
	b := make([]byte, 160)
	for j := range b {
		b[j] = byte(i)
	}
	return b
}

func turnName(i int) string { return fmt.Sprintf("turn-%d", i) }
