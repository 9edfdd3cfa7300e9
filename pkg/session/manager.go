package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	oteltrace "go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/realtime-ai/voice-relay/pkg/audio"
	"github.com/realtime-ai/voice-relay/pkg/auth"
	"github.com/realtime-ai/voice-relay/pkg/connection"
	"github.com/realtime-ai/voice-relay/pkg/llm"
	"github.com/realtime-ai/voice-relay/pkg/metrics"
	"github.com/realtime-ai/voice-relay/pkg/pipeline"
	"github.com/realtime-ai/voice-relay/pkg/registry"
	"github.com/realtime-ai/voice-relay/pkg/store"
	"github.com/realtime-ai/voice-relay/pkg/trace"
)

// Carrier is the call's media connection.
type Carrier interface {
	pipeline.CarrierSink
	Start(ctx context.Context)
	// Events is closed when the connection ends.
	Events() <-chan connection.Event
	Close() error
}

// HistoryProvider is implemented by orchestrators that keep a transcript.
type HistoryProvider interface {
	History() []llm.Message
}

var _ Carrier = (*connection.TwilioConnection)(nil)

// Options are the per-deployment session settings.
type Options struct {
	Mode              pipeline.Mode
	AllowModeOverride bool
	StartTimeout      time.Duration
	// Greeting is spoken on outbound calls; empty disables it.
	Greeting      string
	GreetingDelay time.Duration
	// Tokens, when set, requires a valid stream token in the start
	// event's custom parameters.
	Tokens *auth.StreamTokens
}

// Deps are process-wide collaborators shared by all sessions.
type Deps struct {
	Factory  Factory
	Registry registry.Registry
	Store    store.Store
	Metrics  *metrics.Collector
	Logger   *zap.Logger
}

const (
	paramDirection = "direction"
	paramMode      = "mode"
	paramToken     = "token"

	busBuffer     = 64
	persistBudget = 5 * time.Second
)

var errNoStart = errors.New("carrier disconnected before start")

// Manager runs calls. Safe for concurrent use; each call runs in the
// goroutine that called Run.
type Manager struct {
	opts     Options
	factory  Factory
	registry registry.Registry
	store    store.Store
	metrics  *metrics.Collector
	logger   *zap.Logger

	mu       sync.RWMutex
	sessions map[string]*CallSession
}

func NewManager(opts Options, deps Deps) (*Manager, error) {
	if deps.Factory == nil {
		return nil, errors.New("session: no orchestrator factory")
	}
	if opts.Mode == "" {
		opts.Mode = pipeline.ModeCascaded
	}
	if _, err := pipeline.ParseMode(string(opts.Mode)); err != nil {
		return nil, err
	}
	if opts.StartTimeout <= 0 {
		opts.StartTimeout = 10 * time.Second
	}
	m := &Manager{
		opts:     opts,
		factory:  deps.Factory,
		registry: deps.Registry,
		store:    deps.Store,
		metrics:  deps.Metrics,
		logger:   deps.Logger,
		sessions: make(map[string]*CallSession),
	}
	if m.registry == nil {
		m.registry = registry.NewMemory()
	}
	if m.store == nil {
		m.store = store.Nop{}
	}
	if m.metrics == nil {
		m.metrics = metrics.New()
	}
	if m.logger == nil {
		m.logger = zap.NewNop()
	}
	m.logger = m.logger.With(zap.String("component", "session_manager"))
	return m, nil
}

// Count returns the number of calls with a running orchestrator.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// Lookup finds a live call by stream sid.
func (m *Manager) Lookup(streamSid string) (*CallSession, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[streamSid]
	return s, ok
}

// Run drives one carrier connection until the call ends. It returns the
// error that ended the call, nil for a normal hangup. The connection is
// closed on return.
func (m *Manager) Run(ctx context.Context, conn Carrier) (err error) {
	s := m.OnConnect(conn)
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("session panicked", zap.Any("panic", r), zap.Stack("stack"))
			err = fail(ReasonPanic, fmt.Errorf("%v", r))
		}
		m.OnDisconnect(s, err)
	}()

	conn.Start(ctx)
	if err := m.awaitStart(ctx, s); err != nil {
		if errors.Is(err, errNoStart) {
			return nil
		}
		return err
	}

	var span oteltrace.Span
	ctx, span = trace.InstrumentSession(ctx, s.ID, s.StreamSid, s.CallSid, string(s.Direction), string(s.Mode))
	defer span.End()
	s.logger = s.logger.With(trace.ZapFields(ctx)...)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(guard(s, func() error {
		defer cancel()
		return m.pump(gctx, s)
	}))
	g.Go(func() error {
		select {
		case <-s.orch.Done():
			return s.orch.Err()
		case <-gctx.Done():
			return nil
		}
	})
	g.Go(guard(s, func() error {
		m.observe(gctx, s)
		return nil
	}))
	err = g.Wait()
	trace.RecordError(span, err)
	return err
}

// guard turns a panic in a session goroutine into a session failure.
func guard(s *CallSession, fn func() error) func() error {
	return func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				s.logger.Error("session goroutine panicked", zap.Any("panic", r), zap.Stack("stack"))
				err = fail(ReasonPanic, fmt.Errorf("%v", r))
			}
		}()
		return fn()
	}
}

// OnConnect registers a new carrier connection. The session has no
// identity until its start event is accepted.
func (m *Manager) OnConnect(conn Carrier) *CallSession {
	s := &CallSession{
		ID:         uuid.NewString(),
		CreatedAt:  time.Now(),
		Direction:  connection.DirectionInbound,
		conn:       conn,
		bargeState: BargeInIdle,
	}
	s.logger = m.logger.With(zap.String("session_id", s.ID))
	s.logger.Debug("carrier connected")
	return s
}

func (m *Manager) awaitStart(ctx context.Context, s *CallSession) error {
	timer := time.NewTimer(m.opts.StartTimeout)
	defer timer.Stop()
	dropped := 0
	for {
		select {
		case <-ctx.Done():
			return errNoStart
		case <-timer.C:
			return fail(ReasonStartTimeout, fmt.Errorf("no start event within %s", m.opts.StartTimeout))
		case ev, ok := <-s.conn.Events():
			if !ok {
				return errNoStart
			}
			switch ev.Type {
			case connection.EventMedia:
				dropped++
				if dropped == 1 {
					s.logger.Warn("media before start event dropped")
				}
			case connection.EventStop:
				return errNoStart
			default:
				if err := m.OnControlEvent(ctx, s, ev); err != nil {
					return err
				}
				if s.Ready() {
					return nil
				}
			}
		}
	}
}

// pump delivers carrier events in arrival order until stop or disconnect.
func (m *Manager) pump(ctx context.Context, s *CallSession) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-s.conn.Events():
			if !ok {
				s.logger.Info("carrier disconnected")
				return nil
			}
			if ev.Type == connection.EventMedia {
				m.OnAudioFrame(ctx, s, ev)
				continue
			}
			if err := m.OnControlEvent(ctx, s, ev); err != nil {
				return err
			}
			if ev.Type == connection.EventStop {
				return nil
			}
		}
	}
}

// OnControlEvent handles every carrier event except media.
func (m *Manager) OnControlEvent(ctx context.Context, s *CallSession, ev connection.Event) error {
	m.metrics.CarrierEvent(string(ev.Type))
	switch ev.Type {
	case connection.EventConnected:
		s.logger.Debug("carrier handshake")
	case connection.EventStart:
		if s.Ready() {
			s.logger.Warn("start event for a running session ignored")
			return nil
		}
		return m.begin(ctx, s, ev.Start)
	case connection.EventMark:
		s.logger.Debug("playback reached mark", zap.String("mark", ev.Mark))
		trace.InstrumentCarrierEvent(ctx, "mark", attribute.String("mark", ev.Mark))
	case connection.EventDTMF:
		s.logger.Info("dtmf", zap.String("digit", ev.Digit))
		trace.InstrumentCarrierEvent(ctx, "dtmf")
	case connection.EventStop:
		s.logger.Info("carrier stopped the stream")
		trace.InstrumentCarrierEvent(ctx, "stop")
	}
	return nil
}

// OnAudioFrame forwards one inbound frame. Frames before the orchestrator
// is running are dropped.
func (m *Manager) OnAudioFrame(ctx context.Context, s *CallSession, ev connection.Event) {
	if !s.Ready() {
		return
	}
	err := s.orch.OnAudio(ctx, audio.NewMuLawFrame(ev.Media, ev.Sequence))
	if err != nil && !errors.Is(err, pipeline.ErrStopped) {
		s.logger.Debug("audio frame rejected", zap.Int64("sequence", ev.Sequence), zap.Error(err))
	}
}

// begin accepts the start event: identity, authorization, mode, claim,
// orchestrator. Audio is routed to the orchestrator only after it started.
func (m *Manager) begin(ctx context.Context, s *CallSession, info *connection.StartInfo) error {
	if info == nil || info.StreamSid == "" {
		return fail(ReasonConfig, errors.New("start event without stream sid"))
	}
	s.StreamSid = info.StreamSid
	s.CallSid = info.CallSid
	if info.Direction != "" {
		s.Direction = info.Direction
	}
	s.logger = s.logger.With(zap.String("stream_sid", s.StreamSid), zap.String("call_sid", s.CallSid))

	if m.opts.Tokens != nil {
		if _, err := m.opts.Tokens.Verify(info.CustomParameters[paramToken], info.CallSid); err != nil {
			return fail(ReasonUnauthorized, err)
		}
	}

	mode, err := m.selectMode(s, info.CustomParameters[paramMode])
	if err != nil {
		return fail(ReasonConfig, err)
	}
	s.Mode = mode

	if err := m.registry.Claim(ctx, s.StreamSid, s.ID); err != nil {
		if errors.Is(err, registry.ErrClaimed) {
			return fail(ReasonDuplicateStream, err)
		}
		return fail(ReasonConfig, err)
	}
	s.claimed = true

	s.subscribe(pipeline.NewEventBus())
	orch, err := m.factory.NewOrchestrator(ctx, OrchestratorSpec{
		Session: s,
		Mode:    mode,
		Sink:    s.conn,
		Bus:     s.bus,
		Logger:  s.logger,
	})
	if err != nil {
		return fail(ReasonAdapterInit, err)
	}
	if err := orch.Start(ctx); err != nil {
		_ = orch.Stop()
		return fail(ReasonAdapterInit, err)
	}

	s.StartedAt = time.Now()
	s.orch = orch
	m.mu.Lock()
	m.sessions[s.StreamSid] = s
	m.mu.Unlock()
	m.metrics.SessionStarted(string(mode))
	s.logger.Info("session started", zap.String("mode", string(mode)), zap.String("direction", string(s.Direction)))

	if s.Direction == connection.DirectionOutbound && m.opts.Greeting != "" {
		if g, ok := orch.(pipeline.Greeter); ok {
			g.Greet(m.opts.Greeting, m.opts.GreetingDelay)
		}
	}
	return nil
}

func (m *Manager) selectMode(s *CallSession, requested string) (pipeline.Mode, error) {
	if requested == "" || pipeline.Mode(requested) == m.opts.Mode {
		return m.opts.Mode, nil
	}
	if !m.opts.AllowModeOverride {
		s.logger.Warn("mode override not allowed, using default",
			zap.String("requested", requested), zap.String("mode", string(m.opts.Mode)))
		return m.opts.Mode, nil
	}
	return pipeline.ParseMode(requested)
}

// OnDisconnect tears the call down. Every adapter is released whether the
// call ended normally, on an error or on a panic.
func (m *Manager) OnDisconnect(s *CallSession, cause error) {
	if !s.terminate(cause) {
		return
	}
	reason := s.Reason()
	if reason != "" {
		s.logger.Warn("session failed", zap.String("reason", reason), zap.Error(cause))
		m.metrics.SessionFailed(reason)
	}

	if s.orch != nil {
		if err := s.orch.Stop(); err != nil {
			s.logger.Debug("orchestrator stop", zap.Error(err))
		}
		m.drainEvents(s)
		m.mu.Lock()
		if m.sessions[s.StreamSid] == s {
			delete(m.sessions, s.StreamSid)
		}
		m.mu.Unlock()
		m.metrics.SessionEnded(string(s.Mode), reason, s.TerminatedAt().Sub(s.StartedAt))
	}
	if err := s.conn.Close(); err != nil {
		s.logger.Debug("carrier close", zap.Error(err))
	}

	bg, cancel := context.WithTimeout(context.Background(), persistBudget)
	defer cancel()
	if s.claimed {
		if err := m.registry.Release(bg, s.StreamSid, s.ID); err != nil {
			s.logger.Warn("stream claim not released", zap.Error(err))
		}
	}
	if s.orch != nil {
		if err := m.store.SaveCall(bg, callRecord(s)); err != nil {
			s.logger.Warn("call record not saved", zap.Error(err))
		}
	}
	s.logger.Info("session ended", zap.Duration("duration", s.TerminatedAt().Sub(s.CreatedAt)))
}

func callRecord(s *CallSession) *store.Call {
	rec := &store.Call{
		ID:        s.ID,
		StreamSid: s.StreamSid,
		CallSid:   s.CallSid,
		Direction: string(s.Direction),
		Mode:      string(s.Mode),
		StartedAt: s.StartedAt,
		EndedAt:   s.TerminatedAt(),
		Reason:    s.Reason(),
		BargeIns:  s.BargeIns(),
	}
	if err := s.Err(); err != nil {
		rec.Error = err.Error()
	}
	if h, ok := s.orch.(HistoryProvider); ok {
		for _, msg := range h.History() {
			rec.Turns = append(rec.Turns, store.Turn{Role: string(msg.Role), Text: msg.Text})
		}
	}
	return rec
}
