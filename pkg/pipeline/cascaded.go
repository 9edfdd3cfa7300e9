package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/realtime-ai/voice-relay/pkg/asr"
	"github.com/realtime-ai/voice-relay/pkg/audio"
	"github.com/realtime-ai/voice-relay/pkg/llm"
	"github.com/realtime-ai/voice-relay/pkg/tokenizer"
	"github.com/realtime-ai/voice-relay/pkg/trace"
	"github.com/realtime-ai/voice-relay/pkg/tts"
)

// State of the cascaded orchestrator.
type State int32

const (
	StateIdle State = iota
	StateListening
	StateThinking
	StateSpeaking
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateListening:
		return "listening"
	case StateThinking:
		return "thinking"
	case StateSpeaking:
		return "speaking"
	case StateTerminated:
		return "terminated"
	default:
		return "unknown"
	}
}

// CarrierSink receives outbound audio and control for one call.
type CarrierSink interface {
	// SendMedia sends one frame of 8kHz μ-law.
	SendMedia(mulaw []byte) error
	Clear() error
	SendMark(name string) error
}

var (
	// ErrTooManyFailures terminates a session after consecutive adapter
	// failures within one turn.
	ErrTooManyFailures = errors.New("pipeline: too many consecutive adapter failures")
	// ErrUpstreamFailed is reported when the realtime upstream sends an
	// error event or drops the connection.
	ErrUpstreamFailed = errors.New("pipeline: realtime upstream failed")
	// ErrStopped is returned for audio delivered after shutdown.
	ErrStopped = errors.New("pipeline: orchestrator stopped")

	errInactivity = errors.New("inactivity timeout")
)

// stageError tags an adapter error with the pipeline stage that produced it.
type stageError struct {
	stage string
	err   error
}

func (e *stageError) Error() string { return e.stage + ": " + e.err.Error() }
func (e *stageError) Unwrap() error { return e.err }

func stageOf(err error) string {
	var se *stageError
	if errors.As(err, &se) {
		return se.stage
	}
	return "pipeline"
}

// SynthesisChunk is one sentence of a reply and its carrier audio.
type SynthesisChunk struct {
	ID     int
	TurnID string
	Text   string
	Audio  []byte
}

const (
	chunkQueueSize = 16
	// held audio while the greeting plays, 60s of 20ms frames
	maxHeldFrames = 3000
)

// CascadedConfig tunes the cascaded pipeline.
type CascadedConfig struct {
	SystemPrompt string
	MaxHistory   int
	Temperature  float64

	// MaxTurnFailures consecutive adapter failures within one turn end
	// the session.
	MaxTurnFailures int
	// InactivityTimeout bounds the wait for the next LLM token and for a
	// final transcript after an interim one.
	InactivityTimeout time.Duration
	RetryBackoff      time.Duration

	FrameDuration time.Duration
	// PacingLead is how far ahead of real time frames may be sent. Zero
	// sends as fast as the carrier accepts.
	PacingLead time.Duration

	Voice       string
	Language    string
	Recognition asr.RecognitionConfig
}

func (c CascadedConfig) withDefaults() CascadedConfig {
	if c.MaxTurnFailures <= 0 {
		c.MaxTurnFailures = 3
	}
	if c.InactivityTimeout <= 0 {
		c.InactivityTimeout = 8 * time.Second
	}
	if c.FrameDuration <= 0 {
		c.FrameDuration = audio.FrameDurationMs * time.Millisecond
	}
	return c
}

// CascadedDeps are the adapters a cascaded session drives.
type CascadedDeps struct {
	// Recognizer is owned by the session and closed on shutdown.
	Recognizer asr.Provider
	LLM        llm.Provider
	TTS        tts.Provider
	Sink       CarrierSink
	Bus        Bus
	Logger     *zap.Logger
	// NewChunker defaults to tokenizer.NewSentenceChunker.
	NewChunker func() tokenizer.SentenceTokenizer
}

type greeting struct {
	text  string
	delay time.Duration
}

// Cascaded runs STT → LLM → TTS for one call.
//
// A single loop goroutine owns the state machine. Each assistant turn runs
// in its own goroutine, at most one at a time; a newer utterance cancels
// the running turn and waits for it to exit before the next one starts.
type Cascaded struct {
	sessionID  string
	cfg        CascadedConfig
	asr        asr.Provider
	llm        llm.Provider
	tts        tts.Provider
	sink       CarrierSink
	bus        Bus
	logger     *zap.Logger
	newChunker func() tokenizer.SentenceTokenizer

	im         *InterruptManager
	pacer      *audio.Pacer
	history    *llm.Conversation
	frameBytes int

	audioMu    sync.Mutex
	recognizer asr.StreamingRecognizer
	holding    bool
	held       [][]byte

	phase   atomic.Int32
	active  *Turn // loop goroutine only
	turnSeq int

	greetCh  chan greeting
	cancel   context.CancelFunc
	started  atomic.Bool
	done     chan struct{}
	stopOnce sync.Once

	errMu sync.Mutex
	err   error
}

// NewCascaded validates deps and builds an orchestrator. Nothing is
// opened until Start.
func NewCascaded(sessionID string, cfg CascadedConfig, deps CascadedDeps) (*Cascaded, error) {
	switch {
	case deps.Recognizer == nil:
		return nil, errors.New("pipeline: cascaded: no speech recognizer")
	case deps.LLM == nil:
		return nil, errors.New("pipeline: cascaded: no language model")
	case deps.TTS == nil:
		return nil, errors.New("pipeline: cascaded: no speech synthesizer")
	case deps.Sink == nil:
		return nil, errors.New("pipeline: cascaded: no carrier sink")
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(zap.String("component", "cascaded"), zap.String("session_id", sessionID))
	newChunker := deps.NewChunker
	if newChunker == nil {
		newChunker = func() tokenizer.SentenceTokenizer { return tokenizer.NewSentenceChunker() }
	}

	cfg = cfg.withDefaults()
	c := &Cascaded{
		sessionID:  sessionID,
		cfg:        cfg,
		asr:        deps.Recognizer,
		llm:        deps.LLM,
		tts:        deps.TTS,
		sink:       deps.Sink,
		bus:        deps.Bus,
		logger:     logger,
		newChunker: newChunker,
		im:         NewInterruptManager(deps.Sink, deps.Bus, logger),
		pacer:      audio.NewPacer(cfg.FrameDuration, cfg.PacingLead),
		history:    llm.NewConversation(),
		frameBytes: audio.CarrierSampleRate * int(cfg.FrameDuration/time.Millisecond) / 1000,
		greetCh:    make(chan greeting, 1),
		done:       make(chan struct{}),
	}
	c.phase.Store(int32(StateIdle))
	return c, nil
}

// Start opens the recognizer and begins listening.
func (c *Cascaded) Start(ctx context.Context) error {
	if !c.started.CompareAndSwap(false, true) {
		return errors.New("pipeline: cascaded already started")
	}
	ctx, c.cancel = context.WithCancel(ctx)

	rec, err := c.openRecognizer(ctx)
	if err != nil {
		c.cancel()
		_ = c.asr.Close()
		close(c.done)
		c.setPhase(StateTerminated)
		return &stageError{stage: "stt", err: err}
	}
	c.audioMu.Lock()
	c.recognizer = rec
	c.audioMu.Unlock()

	c.setPhase(StateListening)
	go c.run(ctx, rec.Results())
	return nil
}

func (c *Cascaded) openRecognizer(ctx context.Context) (asr.StreamingRecognizer, error) {
	_, span := trace.InstrumentSTTStream(ctx, c.asr.Name())
	defer span.End()
	rec, err := c.asr.StreamingRecognize(ctx, asr.TelephoneAudio, c.cfg.Recognition)
	if err != nil {
		trace.RecordError(span, err)
		return nil, err
	}
	return rec, nil
}

// Greet speaks text after delay. Carrier audio received from now until
// the greeting finishes is held back from the recognizer, then replayed
// in order.
func (c *Cascaded) Greet(text string, delay time.Duration) {
	if strings.TrimSpace(text) == "" {
		return
	}
	select {
	case c.greetCh <- greeting{text: text, delay: delay}:
	default:
		c.logger.Warn("greeting already scheduled")
		return
	}
	c.audioMu.Lock()
	c.holding = true
	c.audioMu.Unlock()
}

// OnAudio pushes one carrier frame into the recognizer. Frames must be
// delivered in arrival order from a single goroutine.
func (c *Cascaded) OnAudio(ctx context.Context, f audio.Frame) error {
	if c.State() == StateTerminated {
		return ErrStopped
	}
	samples, err := audio.Decode(f)
	if err != nil {
		return err
	}
	if f.SampleRate != 0 && f.SampleRate != audio.CarrierSampleRate {
		samples = audio.Resample(samples, f.SampleRate, audio.CarrierSampleRate)
	}
	pcm := audio.SamplesToBytes(samples)

	c.audioMu.Lock()
	defer c.audioMu.Unlock()
	if c.holding {
		if len(c.held) >= maxHeldFrames {
			c.logger.Warn("held audio limit reached, dropping oldest frame")
			c.held = c.held[1:]
		}
		c.held = append(c.held, pcm)
		return nil
	}
	if c.recognizer == nil {
		return nil
	}
	if err := c.recognizer.SendAudio(ctx, pcm); err != nil {
		// a dead recognizer is noticed through its result channel
		c.logger.Debug("recognizer rejected audio", zap.Error(err))
	}
	return nil
}

func (c *Cascaded) releaseHeld(ctx context.Context) {
	c.audioMu.Lock()
	defer c.audioMu.Unlock()
	if !c.holding {
		return
	}
	c.holding = false
	held := c.held
	c.held = nil
	if c.recognizer == nil {
		return
	}
	c.logger.Debug("replaying held audio", zap.Int("frames", len(held)))
	for _, pcm := range held {
		if err := c.recognizer.SendAudio(ctx, pcm); err != nil {
			c.logger.Debug("recognizer rejected held audio", zap.Error(err))
			return
		}
	}
}

// State returns the current state.
func (c *Cascaded) State() State {
	p := State(c.phase.Load())
	if p == StateThinking && c.im.GetState() == InterruptStateSpeaking {
		return StateSpeaking
	}
	return p
}

func (c *Cascaded) setPhase(to State) {
	from := c.State()
	if from == StateTerminated {
		return
	}
	c.phase.Store(int32(to))
	if from != to {
		c.logger.Debug("state", zap.Stringer("from", from), zap.Stringer("to", to))
		publish(c.bus, EventStateChanged, &StatePayload{From: from, To: to})
	}
}

// History returns the conversation so far.
func (c *Cascaded) History() []llm.Message {
	return c.history.Messages()
}

// Interrupts returns the number of barge-ins in this call.
func (c *Cascaded) Interrupts() int {
	return c.im.Interrupts()
}

// Done is closed when the orchestrator has stopped and released its
// adapters.
func (c *Cascaded) Done() <-chan struct{} {
	return c.done
}

// Err returns the reason the orchestrator terminated on its own, or nil
// after a normal Stop.
func (c *Cascaded) Err() error {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	return c.err
}

// Stop cancels any running turn, closes the recognizer and waits for the
// loop to exit. Safe to call more than once.
func (c *Cascaded) Stop() error {
	c.stopOnce.Do(func() {
		// never started: release the provider and refuse a later Start
		if c.started.CompareAndSwap(false, true) {
			_ = c.asr.Close()
			c.setPhase(StateTerminated)
			close(c.done)
			return
		}
		if c.cancel != nil {
			c.cancel()
		}
	})
	<-c.done
	return nil
}

func (c *Cascaded) run(ctx context.Context, results <-chan *asr.RecognitionResult) {
	defer close(c.done)
	defer c.shutdown(ctx)

	var (
		greetText   string
		greetTimer  *time.Timer
		greetC      <-chan time.Time
		sttFailures int
	)
	idle := time.NewTimer(c.cfg.InactivityTimeout)
	idle.Stop()
	var idleC <-chan time.Time
	defer func() {
		idle.Stop()
		if greetTimer != nil {
			greetTimer.Stop()
		}
	}()

	for {
		var turnDone <-chan struct{}
		if c.active != nil {
			turnDone = c.active.done
		}

		select {
		case <-ctx.Done():
			c.terminate(nil)
			return

		case g := <-c.greetCh:
			greetText = g.text
			greetTimer = time.NewTimer(g.delay)
			greetC = greetTimer.C

		case <-greetC:
			greetC = nil
			if err := c.startTurn(ctx, TurnKindGreeting, greetText); err != nil {
				c.terminate(err)
				return
			}

		case res, ok := <-results:
			if !ok {
				var err error
				results, err = c.recoverRecognizer(ctx, &sttFailures)
				if err != nil {
					c.terminate(err)
					return
				}
				continue
			}
			sttFailures = 0
			if res == nil {
				continue
			}
			if res.IsFinal {
				idle.Stop()
				idleC = nil
			} else if strings.TrimSpace(res.Text) != "" {
				idle.Reset(c.cfg.InactivityTimeout)
				idleC = idle.C
			}
			if err := c.handleResult(ctx, res); err != nil {
				c.terminate(err)
				return
			}

		case <-idleC:
			idleC = nil
			c.logger.Warn("no final transcript after interim speech",
				zap.Duration("timeout", c.cfg.InactivityTimeout))
			publish(c.bus, EventAdapterFailure, &FailurePayload{Stage: "stt", Err: errInactivity})

		case <-turnDone:
			if err := c.finishTurn(ctx); err != nil {
				c.terminate(err)
				return
			}
		}
	}
}

func (c *Cascaded) handleResult(ctx context.Context, res *asr.RecognitionResult) error {
	text := strings.TrimSpace(res.Text)
	if !res.IsFinal {
		if text == "" {
			return nil
		}
		publish(c.bus, EventPartialResult, &TranscriptPayload{Text: text})
		if c.im.BargeIn(text) {
			c.pacer.Reset()
			c.setPhase(StateListening)
		}
		return nil
	}
	if text == "" {
		return nil
	}

	c.logger.Info("final transcript", zap.String("text", text))
	publish(c.bus, EventFinalResult, &TranscriptPayload{Text: text})
	return c.startTurn(ctx, TurnKindReply, text)
}

// startTurn cancels any running turn, waits for it to exit and starts a
// new one.
func (c *Cascaded) startTurn(ctx context.Context, kind TurnKind, text string) error {
	if prev := c.active; prev != nil {
		c.im.Interrupt("superseded")
		<-prev.done
		if err := c.finishTurn(ctx); err != nil {
			return err
		}
	}

	if kind == TurnKindReply {
		c.history.Append(llm.RoleUser, text)
	}
	c.turnSeq++
	turn := newTurn(ctx, fmt.Sprintf("turn-%d", c.turnSeq), kind, text)
	c.active = turn
	c.im.Begin(turn)
	c.setPhase(StateThinking)
	publish(c.bus, EventTurnStarted, &TurnPayload{TurnID: turn.ID, Kind: kind, Text: text})

	go c.runTurn(turn)
	return nil
}

// finishTurn collects the outcome of the turn that just exited.
func (c *Cascaded) finishTurn(ctx context.Context) error {
	turn := c.active
	if turn == nil {
		return nil
	}
	c.active = nil
	c.im.End(turn)

	out := turn.outcome
	spoken := strings.Join(out.spoken, " ")
	c.history.Append(llm.RoleAssistant, spoken)

	if turn.Kind == TurnKindGreeting {
		c.releaseHeld(ctx)
	}

	publish(c.bus, EventTurnCompleted, &TurnPayload{
		TurnID:      turn.ID,
		Kind:        turn.Kind,
		Text:        spoken,
		Interrupted: turn.Interrupted(),
		Latency:     time.Since(turn.StartedAt),
	})

	switch {
	case errors.Is(out.err, ErrTooManyFailures):
		return out.err
	case out.err != nil:
		c.logger.Warn("turn abandoned", zap.String("turn_id", turn.ID), zap.Error(out.err))
	case turn.Interrupted():
		c.logger.Info("turn interrupted", zap.String("turn_id", turn.ID), zap.Int("chunks_spoken", len(out.spoken)))
	default:
		c.logger.Info("turn complete", zap.String("turn_id", turn.ID), zap.Int("chunks", len(out.spoken)))
	}

	if State(c.phase.Load()) == StateThinking {
		c.setPhase(StateListening)
	}
	return nil
}

func (c *Cascaded) recoverRecognizer(ctx context.Context, failures *int) (<-chan *asr.RecognitionResult, error) {
	if ctx.Err() != nil {
		return nil, nil
	}
	c.audioMu.Lock()
	old := c.recognizer
	c.audioMu.Unlock()

	cause := errors.New("recognizer stopped")
	if old != nil && old.Err() != nil {
		cause = old.Err()
	}

	for {
		*failures++
		c.reportFailure("", "stt", cause, *failures)
		if *failures >= c.cfg.MaxTurnFailures {
			return nil, fmt.Errorf("%w: stt: %v", ErrTooManyFailures, cause)
		}
		if err := sleepCtx(ctx, c.cfg.RetryBackoff); err != nil {
			return nil, nil
		}

		rec, err := c.openRecognizer(ctx)
		if err != nil {
			cause = err
			continue
		}
		c.audioMu.Lock()
		c.recognizer = rec
		c.audioMu.Unlock()
		if old != nil {
			_ = old.Close()
		}
		c.logger.Info("recognizer reopened", zap.Int("attempt", *failures))
		return rec.Results(), nil
	}
}

func (c *Cascaded) terminate(err error) {
	c.errMu.Lock()
	if c.err == nil {
		c.err = err
	}
	c.errMu.Unlock()

	if c.active != nil {
		c.im.Interrupt("terminated")
	}
	if err != nil {
		c.logger.Error("session terminated", zap.Error(err))
	}
	c.setPhase(StateTerminated)
	publish(c.bus, EventTerminated, err)
}

func (c *Cascaded) shutdown(ctx context.Context) {
	if c.active != nil {
		c.im.Interrupt("shutdown")
		<-c.active.done
		_ = c.finishTurn(ctx)
	}
	c.audioMu.Lock()
	rec := c.recognizer
	c.recognizer = nil
	c.holding = false
	c.held = nil
	c.audioMu.Unlock()
	if rec != nil {
		if err := rec.Close(); err != nil {
			c.logger.Debug("recognizer close", zap.Error(err))
		}
	}
	if err := c.asr.Close(); err != nil {
		c.logger.Debug("recognizer provider close", zap.Error(err))
	}
}

func (c *Cascaded) reportFailure(turnID, stage string, err error, consecutive int) {
	c.logger.Warn("adapter failure",
		zap.String("stage", stage),
		zap.String("turn_id", turnID),
		zap.Int("consecutive", consecutive),
		zap.Error(err))
	publish(c.bus, EventAdapterFailure, &FailurePayload{Stage: stage, TurnID: turnID, Err: err, Consecutive: consecutive})
}

// runTurn produces one assistant response. LLM failures before any audio
// was sent re-issue the request for the same utterance; every failure
// counts toward the turn's budget. Re-issued requests are also counted on
// their own, so a model that keeps failing mid-stream cannot retry forever.
func (c *Cascaded) runTurn(turn *Turn) {
	defer close(turn.done)
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("turn panicked", zap.String("turn_id", turn.ID), zap.Any("panic", r), zap.Stack("stack"))
			turn.outcome.err = fmt.Errorf("pipeline: turn %s panicked: %v", turn.ID, r)
		}
	}()

	ctx, span := trace.InstrumentTurn(turn.ctx, c.sessionID, turn.ID, string(turn.Kind))
	defer span.End()

	llmFailures := 0
	for {
		sentAudio, err := c.respond(ctx, turn)
		if err == nil {
			return
		}
		if turn.Interrupted() || errors.Is(err, errInterrupted) || turn.ctx.Err() != nil {
			return
		}
		trace.RecordError(span, err)
		if errors.Is(err, ErrTooManyFailures) {
			turn.outcome.err = err
			return
		}

		stage := stageOf(err)
		n := turn.fail()
		if stage == "llm" {
			llmFailures++
			n = max(n, llmFailures)
		}
		c.reportFailure(turn.ID, stage, err, n)
		if n >= c.cfg.MaxTurnFailures {
			turn.outcome.err = fmt.Errorf("%w: %v", ErrTooManyFailures, err)
			return
		}
		if sentAudio || stage != "llm" || turn.Kind != TurnKindReply {
			turn.outcome.err = err
			return
		}
		if err := sleepCtx(ctx, c.cfg.RetryBackoff); err != nil {
			return
		}
	}
}

// respond runs one attempt: the producer streams sentences while the
// consumer synthesizes and plays them in order.
func (c *Cascaded) respond(ctx context.Context, turn *Turn) (bool, error) {
	attemptCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	var sent atomic.Bool
	chunks := make(chan SynthesisChunk, chunkQueueSize)
	g, gctx := errgroup.WithContext(attemptCtx)
	g.Go(func() error {
		defer close(chunks)
		if turn.Kind == TurnKindGreeting {
			return c.produceText(gctx, turn, chunks)
		}
		return c.produceReply(gctx, cancel, turn, chunks)
	})
	g.Go(func() error {
		return c.consume(gctx, turn, chunks, &sent)
	})

	err := g.Wait()
	if err != nil {
		if errors.Is(context.Cause(attemptCtx), errInactivity) {
			err = &stageError{stage: "llm", err: errInactivity}
		}
		return sent.Load(), err
	}

	if sent.Load() {
		// playback-complete marker, echoed by the carrier
		err := turn.send(func() error { return c.sink.SendMark(turn.ID) })
		if err != nil && !errors.Is(err, errInterrupted) {
			c.logger.Debug("mark not sent", zap.String("turn_id", turn.ID), zap.Error(err))
		}
	}
	return sent.Load(), nil
}

func emitChunk(ctx context.Context, out chan<- SynthesisChunk, chunk SynthesisChunk) error {
	select {
	case out <- chunk:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Cascaded) produceText(ctx context.Context, turn *Turn, out chan<- SynthesisChunk) error {
	chunker := c.newChunker()
	sentences := chunker.Feed(turn.Text)
	if rest := chunker.Flush(); rest != "" {
		sentences = append(sentences, rest)
	}
	for i, s := range sentences {
		if turn.Interrupted() {
			return errInterrupted
		}
		if err := emitChunk(ctx, out, SynthesisChunk{ID: i + 1, TurnID: turn.ID, Text: s}); err != nil {
			return err
		}
	}
	return nil
}

func (c *Cascaded) produceReply(ctx context.Context, cancel context.CancelCauseFunc, turn *Turn, out chan<- SynthesisChunk) error {
	req := &llm.Request{
		System:      c.cfg.SystemPrompt,
		Messages:    c.history.Window(c.cfg.MaxHistory),
		Temperature: c.cfg.Temperature,
	}
	ctx, span := trace.InstrumentLLMRequest(ctx, c.llm.Name(), len(req.Messages))
	defer span.End()

	timeout := c.cfg.InactivityTimeout
	watchdog := time.AfterFunc(timeout, func() { cancel(errInactivity) })
	defer watchdog.Stop()

	stream, err := c.llm.Stream(ctx, req)
	if err != nil {
		trace.RecordError(span, err)
		return &stageError{stage: "llm", err: err}
	}
	defer stream.Close()

	chunker := c.newChunker()
	seq := 0
	emit := func(text string) error {
		if turn.Interrupted() {
			return errInterrupted
		}
		seq++
		// a full queue means playback is behind, not that the model stalled
		watchdog.Stop()
		defer watchdog.Reset(timeout)
		return emitChunk(ctx, out, SynthesisChunk{ID: seq, TurnID: turn.ID, Text: text})
	}

	for stream.Next() {
		watchdog.Reset(timeout)
		for _, s := range chunker.Feed(stream.Token()) {
			if err := emit(s); err != nil {
				return err
			}
		}
	}
	if err := stream.Err(); err != nil {
		trace.RecordError(span, err)
		return &stageError{stage: "llm", err: err}
	}
	if turn.Interrupted() {
		return errInterrupted
	}
	if rest := chunker.Flush(); rest != "" {
		return emit(rest)
	}
	return nil
}

func (c *Cascaded) consume(ctx context.Context, turn *Turn, in <-chan SynthesisChunk, sent *atomic.Bool) error {
	for chunk := range in {
		if turn.Interrupted() {
			return errInterrupted
		}
		data, err := c.synthesize(ctx, turn, chunk.Text)
		if err != nil {
			return err
		}
		if len(data) == 0 {
			c.logger.Debug("synthesizer returned no audio", zap.String("turn_id", turn.ID), zap.Int("chunk", chunk.ID))
			continue
		}
		chunk.Audio = data
		if err := c.play(ctx, turn, chunk, sent); err != nil {
			return err
		}
	}
	return nil
}

// synthesize retries until the chunk is converted or the turn's failure
// budget is spent.
func (c *Cascaded) synthesize(ctx context.Context, turn *Turn, text string) ([]byte, error) {
	for {
		if turn.Interrupted() {
			return nil, errInterrupted
		}
		data, err := c.synthesizeOnce(ctx, text)
		if err == nil {
			turn.ok()
			return data, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		n := turn.fail()
		c.reportFailure(turn.ID, "tts", err, n)
		if n >= c.cfg.MaxTurnFailures {
			return nil, fmt.Errorf("%w: tts: %v", ErrTooManyFailures, err)
		}
		if err := sleepCtx(ctx, c.cfg.RetryBackoff); err != nil {
			return nil, err
		}
	}
}

func (c *Cascaded) synthesizeOnce(ctx context.Context, text string) ([]byte, error) {
	ctx, span := trace.InstrumentTTSRequest(ctx, c.tts.Name(), c.cfg.Voice, text)
	defer span.End()

	resp, err := c.tts.Synthesize(ctx, &tts.SynthesizeRequest{Text: text, Voice: c.cfg.Voice, Language: c.cfg.Language})
	if err != nil {
		trace.RecordError(span, err)
		return nil, err
	}
	data, err := audio.ToCarrier(codecFor(resp.AudioFormat.Encoding), resp.AudioFormat.SampleRate, resp.AudioData)
	if err != nil {
		trace.RecordError(span, err)
		return nil, err
	}
	trace.SetAttributes(span, trace.AudioAttrs(audio.CarrierSampleRate, len(data), string(audio.CodecMuLaw))...)
	return data, nil
}

func codecFor(encoding string) audio.Codec {
	switch encoding {
	case tts.EncodingWAV:
		return audio.CodecWAV
	case tts.EncodingPCM:
		return audio.CodecPCM16
	case tts.EncodingMuLaw:
		return audio.CodecMuLaw
	default:
		return audio.Codec(encoding)
	}
}

// play sends a chunk frame by frame, re-checking the interrupted flag
// before each one.
func (c *Cascaded) play(ctx context.Context, turn *Turn, chunk SynthesisChunk, sent *atomic.Bool) error {
	for i, frame := range audio.SplitFrames(chunk.Audio, c.frameBytes) {
		if !sent.Load() {
			if !c.im.StartSpeaking(turn) {
				return errInterrupted
			}
			sent.Store(true)
			publish(c.bus, EventStateChanged, &StatePayload{From: StateThinking, To: StateSpeaking})
			publish(c.bus, EventFirstAudio, &TurnPayload{TurnID: turn.ID, Kind: turn.Kind, Latency: time.Since(turn.StartedAt)})
		}
		if err := c.pacer.Wait(ctx); err != nil {
			return err
		}
		f := frame
		err := turn.send(func() error { return c.sink.SendMedia(f) })
		if errors.Is(err, errInterrupted) {
			return err
		}
		if err != nil {
			return &stageError{stage: "carrier", err: err}
		}
		if i == 0 {
			turn.outcome.spoken = append(turn.outcome.spoken, chunk.Text)
		}
	}
	return nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
