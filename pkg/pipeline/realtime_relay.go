package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/realtime-ai/voice-relay/pkg/audio"
	"github.com/realtime-ai/voice-relay/pkg/llm"
	"github.com/realtime-ai/voice-relay/pkg/realtimeapi"
)

// RealtimeDeps are the collaborators of a relay session.
type RealtimeDeps struct {
	Dialer realtimeapi.Dialer
	Sink   CarrierSink
	Bus    Bus
	Logger *zap.Logger
}

// RealtimeRelay forwards carrier audio to a realtime model and the
// model's audio back, without decoding either direction.
type RealtimeRelay struct {
	sessionID string
	cfg       realtimeapi.SessionConfig
	dialer    realtimeapi.Dialer
	sink      CarrierSink
	bus       Bus
	logger    *zap.Logger

	up        realtimeapi.Upstream
	responses int
	speaking  atomic.Bool
	history   *llm.Conversation

	started  atomic.Bool
	cancel   context.CancelFunc
	done     chan struct{}
	stopping atomic.Bool
	stopOnce sync.Once

	errMu sync.Mutex
	err   error
}

func NewRealtimeRelay(sessionID string, cfg realtimeapi.SessionConfig, deps RealtimeDeps) (*RealtimeRelay, error) {
	if deps.Dialer == nil {
		return nil, errors.New("pipeline: realtime relay: no upstream dialer")
	}
	if deps.Sink == nil {
		return nil, errors.New("pipeline: realtime relay: no carrier sink")
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RealtimeRelay{
		sessionID: sessionID,
		cfg:       cfg,
		dialer:    deps.Dialer,
		sink:      deps.Sink,
		bus:       deps.Bus,
		logger:    logger.With(zap.String("component", "realtime_relay"), zap.String("session_id", sessionID)),
		history:   llm.NewConversation(),
		done:      make(chan struct{}),
	}, nil
}

// Start opens the upstream session and begins relaying its events.
func (r *RealtimeRelay) Start(ctx context.Context) error {
	if !r.started.CompareAndSwap(false, true) {
		return errors.New("pipeline: realtime relay already started")
	}
	ctx, r.cancel = context.WithCancel(ctx)

	up, err := r.dialer.Dial(ctx, r.cfg)
	if err != nil {
		r.cancel()
		close(r.done)
		return &stageError{stage: "upstream", err: err}
	}
	r.up = up
	r.logger.Info("upstream session opened", zap.String("upstream", r.dialer.Name()), zap.String("model", r.cfg.Model))

	go r.run(ctx)
	return nil
}

// OnAudio forwards a carrier frame verbatim.
func (r *RealtimeRelay) OnAudio(ctx context.Context, f audio.Frame) error {
	if r.up == nil || r.stopping.Load() {
		return ErrStopped
	}
	if f.Codec != "" && f.Codec != audio.CodecMuLaw {
		return fmt.Errorf("pipeline: realtime relay expects μ-law, got %q", f.Codec)
	}
	if err := r.up.AppendAudio(ctx, f.Payload); err != nil {
		if errors.Is(err, realtimeapi.ErrClosed) {
			return ErrStopped
		}
		return &stageError{stage: "upstream", err: err}
	}
	return nil
}

func (r *RealtimeRelay) run(ctx context.Context) {
	defer close(r.done)
	defer r.closeUpstream()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-r.up.Events():
			if !ok {
				if !r.stopping.Load() {
					cause := r.up.Err()
					if cause == nil {
						cause = errors.New("upstream closed the connection")
					}
					r.fail(fmt.Errorf("%w: %v", ErrUpstreamFailed, cause))
				}
				return
			}
			if err := r.OnUpstreamEvent(ev); err != nil {
				r.fail(err)
				return
			}
		}
	}
}

// OnUpstreamEvent applies one upstream event to the carrier. A non-nil
// error ends the session.
func (r *RealtimeRelay) OnUpstreamEvent(ev realtimeapi.Event) error {
	switch ev.Type {
	case realtimeapi.EventAudioDelta:
		if len(ev.Audio) == 0 {
			return nil
		}
		if r.speaking.CompareAndSwap(false, true) {
			publish(r.bus, EventFirstAudio, &TurnPayload{TurnID: r.turnID()})
		}
		if err := r.sink.SendMedia(ev.Audio); err != nil {
			return &stageError{stage: "carrier", err: err}
		}

	case realtimeapi.EventSpeechStarted:
		// the model's VAD heard the caller: drop whatever is still queued
		// for playback
		publish(r.bus, EventSpeechStarted, nil)
		if r.speaking.Swap(false) {
			publish(r.bus, EventBargeIn, &TurnPayload{TurnID: r.turnID(), Interrupted: true})
		}
		if err := r.sink.Clear(); err != nil {
			return &stageError{stage: "carrier", err: err}
		}
		r.logger.Debug("upstream speech started, cleared carrier")

	case realtimeapi.EventResponseDone:
		r.responses++
		if r.speaking.Swap(false) {
			if err := r.sink.SendMark(r.turnID()); err != nil {
				r.logger.Debug("mark not sent", zap.Error(err))
			}
		}
		publish(r.bus, EventTurnCompleted, &TurnPayload{TurnID: fmt.Sprintf("response-%d", r.responses)})

	case realtimeapi.EventTranscript:
		role := llm.RoleAssistant
		if ev.Role == "user" {
			role = llm.RoleUser
			publish(r.bus, EventFinalResult, &TranscriptPayload{Text: ev.Text})
		}
		r.history.Append(role, ev.Text)

	case realtimeapi.EventError:
		r.logger.Error("upstream error event", zap.Error(ev.Err))
		return fmt.Errorf("%w: %v", ErrUpstreamFailed, ev.Err)

	case realtimeapi.EventSessionReady:
		r.logger.Info("upstream session ready", zap.String("event", ev.ServerType))

	default:
		r.logger.Debug("upstream event", zap.String("event", ev.ServerType))
	}
	return nil
}

func (r *RealtimeRelay) turnID() string {
	return fmt.Sprintf("response-%d", r.responses+1)
}

func (r *RealtimeRelay) fail(err error) {
	r.errMu.Lock()
	if r.err == nil {
		r.err = err
	}
	r.errMu.Unlock()
	r.logger.Error("relay terminated", zap.Error(err))
	publish(r.bus, EventAdapterFailure, &FailurePayload{Stage: stageOf(err), Err: err})
	publish(r.bus, EventTerminated, err)
}

func (r *RealtimeRelay) closeUpstream() {
	r.stopping.Store(true)
	if r.up != nil {
		if err := r.up.Close(); err != nil {
			r.logger.Debug("upstream close", zap.Error(err))
		}
	}
}

// History returns the transcripts reported by the upstream.
func (r *RealtimeRelay) History() []llm.Message {
	return r.history.Messages()
}

func (r *RealtimeRelay) Done() <-chan struct{} { return r.done }

func (r *RealtimeRelay) Err() error {
	r.errMu.Lock()
	defer r.errMu.Unlock()
	return r.err
}

// Stop closes the upstream and waits for the relay loop. Safe to call
// more than once and from either side of the relay.
func (r *RealtimeRelay) Stop() error {
	r.stopOnce.Do(func() {
		r.stopping.Store(true)
		if r.cancel != nil {
			r.cancel()
		}
	})
	if r.started.Load() {
		<-r.done
	}
	return nil
}
