// DashScope Qwen realtime recognizer.
//
// The protocol follows the OpenAI realtime event shape: session.update
// configures the input, audio goes out as input_audio_buffer.append and the
// server VAD produces input_audio_transcription text/completed events.

package asr

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bytedance/sonic"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	qwenRealtimeWSURL        = "wss://dashscope.aliyuncs.com/api-ws/v1/realtime"
	qwenRealtimeDefaultModel = "qwen3-asr-flash-realtime"

	qwenMaxRetryAttempts  = 3
	qwenInitialRetryDelay = 1 * time.Second
	qwenMaxRetryDelay     = 4 * time.Second
	qwenConnectionTimeout = 10 * time.Second
)

var qwenLanguages = map[string]bool{"zh": true, "en": true, "ja": true, "ko": true, "yue": true}

// QwenRealtimeConfig holds configuration for QwenRealtimeProvider.
type QwenRealtimeConfig struct {
	// APIKey is the DashScope API key (required)
	APIKey string

	// Model to use (default: "qwen3-asr-flash-realtime")
	Model string

	// URL overrides the realtime endpoint.
	URL string

	Logger *zap.Logger
}

// QwenRealtimeProvider implements Provider using the DashScope Qwen
// realtime ASR API.
type QwenRealtimeProvider struct {
	apiKey string
	model  string
	url    string
	logger *zap.Logger
}

func NewQwenRealtimeProvider(config QwenRealtimeConfig) (*QwenRealtimeProvider, error) {
	if config.APIKey == "" {
		return nil, &Error{
			Code:    ErrCodeInvalidConfig,
			Message: "DashScope API key is required",
		}
	}
	if config.Model == "" {
		config.Model = qwenRealtimeDefaultModel
	}
	if config.URL == "" {
		config.URL = qwenRealtimeWSURL
	}
	if config.Logger == nil {
		config.Logger = zap.NewNop()
	}
	return &QwenRealtimeProvider{
		apiKey: config.APIKey,
		model:  config.Model,
		url:    config.URL,
		logger: config.Logger.With(zap.String("component", "asr.qwen")),
	}, nil
}

func (p *QwenRealtimeProvider) Name() string { return "qwen" }

func (p *QwenRealtimeProvider) Close() error { return nil }

// StreamingRecognize opens a session and waits until the server has
// accepted the session.update.
func (p *QwenRealtimeProvider) StreamingRecognize(ctx context.Context, audioConfig AudioConfig, config RecognitionConfig) (StreamingRecognizer, error) {
	if audioConfig.SampleRate != 8000 && audioConfig.SampleRate != 16000 {
		return nil, &Error{
			Code:    ErrCodeInvalidConfig,
			Message: fmt.Sprintf("unsupported sample rate %dHz", audioConfig.SampleRate),
		}
	}

	r := &qwenStreamingRecognizer{
		provider:    p,
		audioConfig: audioConfig,
		config:      config,
		logger:      p.logger,
		resultsChan: make(chan *RecognitionResult, 16),
		sendChan:    make(chan []byte, 100),
		ready:       make(chan struct{}),
	}
	if err := r.connect(ctx); err != nil {
		return nil, err
	}
	return r, nil
}

type qwenStreamingRecognizer struct {
	provider    *QwenRealtimeProvider
	audioConfig AudioConfig
	config      RecognitionConfig
	logger      *zap.Logger

	resultsChan chan *RecognitionResult
	sendChan    chan []byte
	ready       chan struct{}
	readyOnce   sync.Once

	conn   *websocket.Conn
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	mu     sync.Mutex
	closed atomic.Bool

	errMu sync.Mutex
	err   error
}

type qwenSessionUpdate struct {
	EventID string      `json:"event_id"`
	Type    string      `json:"type"`
	Session qwenSession `json:"session"`
}

type qwenSession struct {
	Modalities              []string               `json:"modalities"`
	InputAudioFormat        string                 `json:"input_audio_format"`
	SampleRate              int                    `json:"sample_rate"`
	InputAudioTranscription qwenAudioTranscription `json:"input_audio_transcription"`
	TurnDetection           *qwenTurnDetection     `json:"turn_detection"`
}

type qwenAudioTranscription struct {
	Language string `json:"language,omitempty"`
}

type qwenTurnDetection struct {
	Type              string  `json:"type"`
	Threshold         float64 `json:"threshold"`
	SilenceDurationMs int     `json:"silence_duration_ms"`
}

type qwenAudioAppend struct {
	EventID string `json:"event_id"`
	Type    string `json:"type"`
	Audio   string `json:"audio"`
}

// qwenEvent covers every server event the recognizer reads.
type qwenEvent struct {
	Type       string `json:"type"`
	Text       string `json:"text,omitempty"`
	Stash      string `json:"stash,omitempty"`
	Transcript string `json:"transcript,omitempty"`
	Language   string `json:"language,omitempty"`
	Error      *struct {
		Type    string `json:"type"`
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

func (r *qwenStreamingRecognizer) connect(ctx context.Context) error {
	var lastErr error
	retryDelay := qwenInitialRetryDelay

	for attempt := 0; attempt < qwenMaxRetryAttempts; attempt++ {
		conn, err := r.dial(ctx)
		if err == nil {
			r.start(conn)
			if err := r.sendSessionUpdate(); err != nil {
				r.Close()
				return &Error{Code: ErrCodeNetworkError, Message: "session.update failed", Err: err}
			}
			return r.waitReady(ctx)
		}
		var asrErr *Error
		if errors.As(err, &asrErr) && asrErr.Code == ErrCodeAuthenticationFailed {
			return asrErr
		}
		lastErr = err
		r.logger.Warn("connection attempt failed",
			zap.Int("attempt", attempt+1), zap.Error(err))

		if attempt < qwenMaxRetryAttempts-1 {
			select {
			case <-time.After(retryDelay):
				retryDelay = min(retryDelay*2, qwenMaxRetryDelay)
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}

	return &Error{
		Code:    ErrCodeNetworkError,
		Message: fmt.Sprintf("failed to connect after %d attempts", qwenMaxRetryAttempts),
		Err:     lastErr,
	}
}

func (r *qwenStreamingRecognizer) dial(ctx context.Context) (*websocket.Conn, error) {
	dialer := websocket.Dialer{HandshakeTimeout: qwenConnectionTimeout}
	headers := http.Header{
		"Authorization": {"Bearer " + r.provider.apiKey},
		"OpenAI-Beta":   {"realtime=v1"},
	}

	conn, resp, err := dialer.DialContext(ctx, r.provider.url+"?model="+r.provider.model, headers)
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return nil, &Error{Code: ErrCodeAuthenticationFailed, Message: "dashscope rejected credentials", Err: err}
		}
		return nil, fmt.Errorf("websocket dial failed: %w", err)
	}
	return conn, nil
}

func (r *qwenStreamingRecognizer) start(conn *websocket.Conn) {
	r.conn = conn
	r.ctx, r.cancel = context.WithCancel(context.Background())
	r.wg.Add(2)
	go r.readLoop()
	go r.writeLoop()
}

// sendSessionUpdate enables server VAD so utterances are committed without
// an explicit input_audio_buffer.commit.
func (r *qwenStreamingRecognizer) sendSessionUpdate() error {
	silence := 500
	if r.config.SilenceTimeout > 0 {
		silence = int(r.config.SilenceTimeout.Milliseconds())
	}
	return r.write(qwenSessionUpdate{
		EventID: "session_" + uuid.NewString(),
		Type:    "session.update",
		Session: qwenSession{
			Modalities:       []string{"text"},
			InputAudioFormat: "pcm",
			SampleRate:       r.audioConfig.SampleRate,
			InputAudioTranscription: qwenAudioTranscription{
				Language: qwenLanguage(r.config.Language),
			},
			TurnDetection: &qwenTurnDetection{Type: "server_vad", Threshold: 0.2, SilenceDurationMs: silence},
		},
	})
}

func (r *qwenStreamingRecognizer) write(v any) error {
	data, err := sonic.Marshal(v)
	if err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.conn.WriteMessage(websocket.TextMessage, data)
}

func (r *qwenStreamingRecognizer) waitReady(ctx context.Context) error {
	t := time.NewTimer(qwenConnectionTimeout)
	defer t.Stop()
	select {
	case <-r.ready:
		return nil
	case <-r.ctx.Done():
		if err := r.Err(); err != nil {
			return err
		}
		return &Error{Code: ErrCodeClosed, Message: "recognizer closed before session update"}
	case <-t.C:
		r.Close()
		return &Error{Code: ErrCodeNetworkError, Message: "session update timeout"}
	case <-ctx.Done():
		r.Close()
		return ctx.Err()
	}
}

func (r *qwenStreamingRecognizer) fail(err error) {
	r.errMu.Lock()
	if r.err == nil {
		r.err = err
	}
	r.errMu.Unlock()
	r.cancel()
}

func (r *qwenStreamingRecognizer) readLoop() {
	defer r.wg.Done()
	defer close(r.resultsChan)

	for {
		_, message, err := r.conn.ReadMessage()
		if err != nil {
			if !r.closed.Load() {
				r.logger.Warn("websocket read error", zap.Error(err))
				r.fail(&Error{Code: ErrCodeNetworkError, Message: "recognizer connection lost", Err: err})
			}
			return
		}
		if !r.handleMessage(message) {
			return
		}
	}
}

func (r *qwenStreamingRecognizer) writeLoop() {
	defer r.wg.Done()

	select {
	case <-r.ready:
	case <-r.ctx.Done():
		return
	}

	for {
		select {
		case <-r.ctx.Done():
			return
		case pcm := <-r.sendChan:
			err := r.write(qwenAudioAppend{
				EventID: "audio_" + uuid.NewString(),
				Type:    "input_audio_buffer.append",
				Audio:   base64.StdEncoding.EncodeToString(pcm),
			})
			if err != nil {
				r.logger.Warn("failed to send audio", zap.Error(err))
				r.fail(&Error{Code: ErrCodeNetworkError, Message: "recognizer write failed", Err: err})
				return
			}
		}
	}
}

// handleMessage returns false when the session must stop.
func (r *qwenStreamingRecognizer) handleMessage(data []byte) bool {
	var ev qwenEvent
	if err := sonic.Unmarshal(data, &ev); err != nil {
		r.logger.Debug("failed to parse event", zap.Error(err))
		return true
	}

	switch ev.Type {
	case "session.updated":
		r.readyOnce.Do(func() { close(r.ready) })

	case "conversation.item.input_audio_transcription.text":
		// text is the confirmed prefix, stash the still-changing tail
		text := ev.Text + ev.Stash
		if text == "" {
			return true
		}
		select {
		case r.resultsChan <- r.result(text, ev.Language, false, 0.8):
		default:
		}

	case "conversation.item.input_audio_transcription.completed":
		if ev.Transcript == "" {
			return true
		}
		select {
		case r.resultsChan <- r.result(ev.Transcript, ev.Language, true, 0.95):
		case <-r.ctx.Done():
			return false
		}

	case "error":
		detail := "provider error"
		code := ErrCodeProviderError
		if ev.Error != nil {
			detail = ev.Error.Code + ": " + ev.Error.Message
			if ev.Error.Type == "invalid_api_key" || ev.Error.Code == "InvalidApiKey" {
				code = ErrCodeAuthenticationFailed
			}
		}
		r.logger.Warn("provider error", zap.String("detail", detail))
		r.fail(&Error{Code: code, Message: detail})
		return false

	default:
		r.logger.Debug("unhandled event", zap.String("type", ev.Type))
	}
	return true
}

func (r *qwenStreamingRecognizer) result(text, language string, final bool, confidence float32) *RecognitionResult {
	if language == "" {
		language = r.config.Language
	}
	return &RecognitionResult{
		Text:       text,
		IsFinal:    final,
		Confidence: confidence,
		Language:   language,
		Timestamp:  time.Now(),
	}
}

func (r *qwenStreamingRecognizer) SendAudio(ctx context.Context, pcm []byte) error {
	if r.closed.Load() {
		return &Error{Code: ErrCodeClosed, Message: "recognizer is closed"}
	}
	select {
	case r.sendChan <- pcm:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-r.ctx.Done():
		if err := r.Err(); err != nil {
			return err
		}
		return &Error{Code: ErrCodeClosed, Message: "recognizer is closed"}
	}
}

func (r *qwenStreamingRecognizer) Results() <-chan *RecognitionResult { return r.resultsChan }

func (r *qwenStreamingRecognizer) Err() error {
	r.errMu.Lock()
	defer r.errMu.Unlock()
	return r.err
}

func (r *qwenStreamingRecognizer) Close() error {
	if r.closed.Swap(true) {
		return nil
	}
	r.cancel()

	r.mu.Lock()
	_ = r.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	r.mu.Unlock()
	r.conn.Close()

	r.wg.Wait()
	return nil
}

// qwenLanguage maps a BCP-47 tag to a Qwen language; empty lets the model
// detect it.
func qwenLanguage(language string) string {
	if language == "" || language == "auto" {
		return ""
	}
	lang := normalizeLanguageCode(language)
	if qwenLanguages[lang] {
		return lang
	}
	return ""
}
