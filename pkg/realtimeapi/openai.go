package realtimeapi

import (
	"context"
	"encoding/base64"
	"fmt"
	"sync"
	"sync/atomic"

	openairt "github.com/WqyJh/go-openai-realtime"
	"github.com/bytedance/sonic"
	"github.com/sashabaranov/go-openai"
	"go.uber.org/zap"
)

const eventBufferSize = 128

// OpenAIConfig configures the OpenAI Realtime dialer.
type OpenAIConfig struct {
	APIKey string
	// BaseURL overrides wss://api.openai.com/v1/realtime.
	BaseURL string
	Logger  *zap.Logger
}

// OpenAIDialer opens OpenAI Realtime sessions.
type OpenAIDialer struct {
	cfg    OpenAIConfig
	logger *zap.Logger
}

func NewOpenAIDialer(cfg OpenAIConfig) *OpenAIDialer {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &OpenAIDialer{cfg: cfg, logger: logger.With(zap.String("component", "openai_realtime"))}
}

func (d *OpenAIDialer) Name() string { return "openai" }

// Dial connects and sends the session configuration: g711 μ-law both
// ways and server VAD.
func (d *OpenAIDialer) Dial(ctx context.Context, cfg SessionConfig) (Upstream, error) {
	if d.cfg.APIKey == "" {
		return nil, ErrMissingAPIKey
	}
	clientCfg := openairt.DefaultConfig(d.cfg.APIKey)
	if d.cfg.BaseURL != "" {
		clientCfg.BaseURL = d.cfg.BaseURL
	}
	client := openairt.NewClientWithConfig(clientCfg)

	var opts []openairt.ConnectOption
	if cfg.Model != "" {
		opts = append(opts, openairt.WithModel(cfg.Model))
	}
	conn, err := client.Connect(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("realtimeapi: connect: %w", err)
	}

	if err := conn.SendMessage(ctx, sessionUpdate(cfg)); err != nil {
		conn.Close()
		return nil, fmt.Errorf("realtimeapi: session.update: %w", err)
	}

	// reads outlive the dial context
	readCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	u := &openAIUpstream{
		conn:   conn,
		events: make(chan Event, eventBufferSize),
		cancel: cancel,
		logger: d.logger,
	}
	go u.readLoop(readCtx)
	return u, nil
}

func sessionUpdate(cfg SessionConfig) openairt.SessionUpdateEvent {
	session := openairt.ClientSession{
		Modalities:        []openairt.Modality{openairt.ModalityText, openairt.ModalityAudio},
		Instructions:      cfg.Instructions,
		InputAudioFormat:  openairt.AudioFormatG711Ulaw,
		OutputAudioFormat: openairt.AudioFormatG711Ulaw,
		TurnDetection: &openairt.ClientTurnDetection{
			Type: openairt.ClientTurnDetectionTypeServerVad,
			TurnDetectionParams: openairt.TurnDetectionParams{
				Threshold:         cfg.VADThreshold,
				PrefixPaddingMs:   cfg.PrefixPaddingMs,
				SilenceDurationMs: cfg.SilenceDurationMs,
			},
		},
	}
	if cfg.Voice != "" {
		session.Voice = openairt.Voice(cfg.Voice)
	}
	if cfg.TranscribeInput {
		session.InputAudioTranscription = &openairt.InputAudioTranscription{Model: openai.Whisper1}
	}
	return openairt.SessionUpdateEvent{Session: session}
}

type openAIUpstream struct {
	conn   *openairt.Conn
	events chan Event
	cancel context.CancelFunc
	logger *zap.Logger

	closed atomic.Bool
	once   sync.Once
	errMu  sync.Mutex
	err    error
}

func (u *openAIUpstream) AppendAudio(ctx context.Context, mulaw []byte) error {
	if u.closed.Load() {
		return ErrClosed
	}
	return u.conn.SendMessage(ctx, openairt.InputAudioBufferAppendEvent{
		Audio: base64.StdEncoding.EncodeToString(mulaw),
	})
}

func (u *openAIUpstream) Events() <-chan Event { return u.events }

func (u *openAIUpstream) Err() error {
	u.errMu.Lock()
	defer u.errMu.Unlock()
	return u.err
}

func (u *openAIUpstream) setErr(err error) {
	u.errMu.Lock()
	if u.err == nil {
		u.err = err
	}
	u.errMu.Unlock()
}

func (u *openAIUpstream) Close() error {
	var err error
	u.once.Do(func() {
		u.closed.Store(true)
		u.cancel()
		err = u.conn.Close()
	})
	return err
}

func (u *openAIUpstream) readLoop(ctx context.Context) {
	defer close(u.events)
	for {
		msg, err := u.conn.ReadMessage(ctx)
		if err != nil {
			if !u.closed.Load() {
				u.setErr(fmt.Errorf("realtimeapi: read: %w", err))
			}
			return
		}
		ev, ok := u.translate(msg)
		if !ok {
			continue
		}
		select {
		case u.events <- ev:
		case <-ctx.Done():
			return
		}
	}
}

// translate maps a server event to the relay's Event.
func (u *openAIUpstream) translate(event openairt.ServerEvent) (Event, bool) {
	serverType := string(event.ServerEventType())
	ev := Event{ServerType: serverType}

	switch event.ServerEventType() {
	case openairt.ServerEventTypeSessionCreated, openairt.ServerEventTypeSessionUpdated:
		ev.Type = EventSessionReady

	case openairt.ServerEventTypeResponseAudioDelta:
		msg := event.(openairt.ResponseAudioDeltaEvent)
		data, err := base64.StdEncoding.DecodeString(msg.Delta)
		if err != nil {
			u.logger.Warn("undecodable audio delta", zap.Error(err))
			return Event{}, false
		}
		ev.Type = EventAudioDelta
		ev.Audio = data

	case openairt.ServerEventTypeInputAudioBufferSpeechStarted:
		ev.Type = EventSpeechStarted

	case openairt.ServerEventTypeInputAudioBufferSpeechStopped:
		ev.Type = EventSpeechStopped

	case openairt.ServerEventTypeResponseDone:
		ev.Type = EventResponseDone

	case openairt.ServerEventTypeResponseAudioTranscriptDone:
		ev.Type = EventTranscript
		ev.Role = "assistant"
		ev.Text = event.(openairt.ResponseAudioTranscriptDoneEvent).Transcript

	case openairt.ServerEventTypeConversationItemInputAudioTranscriptionCompleted:
		ev.Type = EventTranscript
		ev.Role = "user"
		ev.Text = event.(openairt.ConversationItemInputAudioTranscriptionCompletedEvent).Transcript

	case openairt.ServerEventTypeError:
		ev.Type = EventError
		ev.Err = upstreamError(event)

	default:
		ev.Type = EventOther
	}
	return ev, true
}

// upstreamError extracts type and message from an error event through its
// wire form.
func upstreamError(event openairt.ServerEvent) error {
	var wire struct {
		Error struct {
			Type    string `json:"type"`
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	data, err := sonic.Marshal(event)
	if err == nil {
		err = sonic.Unmarshal(data, &wire)
	}
	if err != nil {
		return &UpstreamError{Message: fmt.Sprintf("%+v", event)}
	}
	typ := wire.Error.Type
	if wire.Error.Code != "" {
		typ += "/" + wire.Error.Code
	}
	return &UpstreamError{Type: typ, Message: wire.Error.Message}
}
