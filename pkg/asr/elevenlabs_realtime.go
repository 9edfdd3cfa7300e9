// ElevenLabs Scribe realtime recognizer.
//
// Audio is streamed as base64 PCM over a WebSocket. The server segments
// utterances itself (commit_strategy=vad) and answers with
// partial_transcript and committed_transcript messages.

package asr

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bytedance/sonic"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	elevenlabsRealtimeWSURL = "wss://api.elevenlabs.io/v1/speech-to-text/realtime"
	elevenlabsDefaultModel  = "scribe_v2_realtime"

	elevenlabsMaxRetryAttempts  = 3
	elevenlabsInitialRetryDelay = 1 * time.Second
	elevenlabsMaxRetryDelay     = 4 * time.Second
	elevenlabsConnectionTimeout = 10 * time.Second
)

var elevenlabsSampleRates = map[int]bool{8000: true, 16000: true, 22050: true, 24000: true, 44100: true, 48000: true}

// ElevenLabsConfig holds configuration for ElevenLabsProvider.
type ElevenLabsConfig struct {
	// APIKey is the ElevenLabs API key (required)
	APIKey string

	// Model to use (default: "scribe_v2_realtime")
	Model string

	// URL overrides the realtime endpoint.
	URL string

	Logger *zap.Logger
}

// ElevenLabsProvider implements Provider using the Scribe realtime API.
type ElevenLabsProvider struct {
	apiKey string
	model  string
	url    string
	logger *zap.Logger
}

// NewElevenLabsProvider creates a new ElevenLabs realtime ASR provider.
func NewElevenLabsProvider(config ElevenLabsConfig) (*ElevenLabsProvider, error) {
	if config.APIKey == "" {
		return nil, &Error{
			Code:    ErrCodeInvalidConfig,
			Message: "ElevenLabs API key is required",
		}
	}
	if config.Model == "" {
		config.Model = elevenlabsDefaultModel
	}
	if config.URL == "" {
		config.URL = elevenlabsRealtimeWSURL
	}
	if config.Logger == nil {
		config.Logger = zap.NewNop()
	}
	return &ElevenLabsProvider{
		apiKey: config.APIKey,
		model:  config.Model,
		url:    config.URL,
		logger: config.Logger.With(zap.String("component", "asr.elevenlabs")),
	}, nil
}

func (p *ElevenLabsProvider) Name() string {
	return "elevenlabs"
}

func (p *ElevenLabsProvider) Close() error {
	return nil
}

// StreamingRecognize dials the realtime endpoint and waits for the session
// to start.
func (p *ElevenLabsProvider) StreamingRecognize(ctx context.Context, audioConfig AudioConfig, config RecognitionConfig) (StreamingRecognizer, error) {
	if !elevenlabsSampleRates[audioConfig.SampleRate] {
		return nil, &Error{
			Code:    ErrCodeInvalidConfig,
			Message: fmt.Sprintf("unsupported sample rate %dHz", audioConfig.SampleRate),
		}
	}

	r := &elevenlabsStreamingRecognizer{
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

type elevenlabsStreamingRecognizer struct {
	provider    *ElevenLabsProvider
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

type elevenlabsMessage struct {
	MessageType string           `json:"message_type"`
	Text        string           `json:"text,omitempty"`
	Confidence  *float32         `json:"confidence,omitempty"`
	Error       *elevenlabsError `json:"error,omitempty"`
}

type elevenlabsError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type elevenlabsAudioChunk struct {
	MessageType string `json:"message_type"`
	AudioBase64 string `json:"audio_base_64"`
	Commit      bool   `json:"commit"`
	SampleRate  int    `json:"sample_rate"`
}

// connect establishes the WebSocket connection with retry.
func (r *elevenlabsStreamingRecognizer) connect(ctx context.Context) error {
	var lastErr error
	retryDelay := elevenlabsInitialRetryDelay

	for attempt := 0; attempt < elevenlabsMaxRetryAttempts; attempt++ {
		conn, err := r.dial(ctx)
		if err == nil {
			r.start(conn)
			return r.waitReady(ctx)
		}
		lastErr = err
		r.logger.Warn("connection attempt failed",
			zap.Int("attempt", attempt+1), zap.Error(err))

		if attempt < elevenlabsMaxRetryAttempts-1 {
			select {
			case <-time.After(retryDelay):
				retryDelay *= 2
				if retryDelay > elevenlabsMaxRetryDelay {
					retryDelay = elevenlabsMaxRetryDelay
				}
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}

	return &Error{
		Code:    ErrCodeNetworkError,
		Message: fmt.Sprintf("failed to connect after %d attempts", elevenlabsMaxRetryAttempts),
		Err:     lastErr,
	}
}

func (r *elevenlabsStreamingRecognizer) dial(ctx context.Context) (*websocket.Conn, error) {
	params := url.Values{}
	params.Set("model_id", r.provider.model)
	params.Set("commit_strategy", "vad")
	params.Set("audio_format", fmt.Sprintf("pcm_%d", r.audioConfig.SampleRate))
	if r.config.SilenceTimeout > 0 {
		params.Set("vad_silence_threshold_secs", fmt.Sprintf("%.2f", r.config.SilenceTimeout.Seconds()))
	}
	if r.config.Language != "" && r.config.Language != "auto" {
		params.Set("language_code", normalizeLanguageCode(r.config.Language))
	}

	dialer := websocket.Dialer{HandshakeTimeout: elevenlabsConnectionTimeout}
	headers := http.Header{"xi-api-key": {r.provider.apiKey}}

	conn, resp, err := dialer.DialContext(ctx, r.provider.url+"?"+params.Encode(), headers)
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusUnauthorized {
			return nil, &Error{Code: ErrCodeAuthenticationFailed, Message: "elevenlabs rejected credentials", Err: err}
		}
		return nil, fmt.Errorf("websocket dial failed: %w", err)
	}
	return conn, nil
}

// start runs the read and write loops. The recognizer outlives the
// context passed to StreamingRecognize only until Close.
func (r *elevenlabsStreamingRecognizer) start(conn *websocket.Conn) {
	r.conn = conn
	r.ctx, r.cancel = context.WithCancel(context.Background())
	r.wg.Add(2)
	go r.readLoop()
	go r.writeLoop()
}

func (r *elevenlabsStreamingRecognizer) waitReady(ctx context.Context) error {
	t := time.NewTimer(elevenlabsConnectionTimeout)
	defer t.Stop()
	select {
	case <-r.ready:
		return nil
	case <-r.ctx.Done():
		if err := r.Err(); err != nil {
			return err
		}
		return &Error{Code: ErrCodeClosed, Message: "recognizer closed before session start"}
	case <-t.C:
		r.Close()
		return &Error{Code: ErrCodeNetworkError, Message: "session start timeout"}
	case <-ctx.Done():
		r.Close()
		return ctx.Err()
	}
}

func (r *elevenlabsStreamingRecognizer) fail(err error) {
	r.errMu.Lock()
	if r.err == nil {
		r.err = err
	}
	r.errMu.Unlock()
	r.cancel()
}

func (r *elevenlabsStreamingRecognizer) readLoop() {
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

func (r *elevenlabsStreamingRecognizer) writeLoop() {
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
			if err := r.sendAudioChunk(pcm); err != nil {
				r.logger.Warn("failed to send audio", zap.Error(err))
				r.fail(&Error{Code: ErrCodeNetworkError, Message: "recognizer write failed", Err: err})
				return
			}
		}
	}
}

func (r *elevenlabsStreamingRecognizer) sendAudioChunk(pcm []byte) error {
	data, err := sonic.Marshal(elevenlabsAudioChunk{
		MessageType: "input_audio_chunk",
		AudioBase64: base64.StdEncoding.EncodeToString(pcm),
		SampleRate:  r.audioConfig.SampleRate,
	})
	if err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.conn.WriteMessage(websocket.TextMessage, data)
}

// handleMessage returns false when the session must stop.
func (r *elevenlabsStreamingRecognizer) handleMessage(data []byte) bool {
	var msg elevenlabsMessage
	if err := sonic.Unmarshal(data, &msg); err != nil {
		r.logger.Debug("failed to parse message", zap.Error(err))
		return true
	}

	switch msg.MessageType {
	case "session_started":
		r.readyOnce.Do(func() { close(r.ready) })

	case "partial_transcript":
		if msg.Text == "" {
			return true
		}
		result := r.result(msg, false, 0.8)
		select {
		case r.resultsChan <- result:
		default:
			// a newer partial will follow
		}

	case "committed_transcript", "committed_transcript_with_timestamps":
		if msg.Text == "" {
			return true
		}
		select {
		case r.resultsChan <- r.result(msg, true, 0.95):
		case <-r.ctx.Done():
			return false
		}

	case "error", "auth_error", "quota_exceeded", "input_error":
		code := ErrCodeProviderError
		if msg.MessageType == "auth_error" {
			code = ErrCodeAuthenticationFailed
		}
		detail := msg.MessageType
		if msg.Error != nil {
			detail = msg.Error.Code + ": " + msg.Error.Message
		}
		r.logger.Warn("provider error", zap.String("detail", detail))
		r.fail(&Error{Code: code, Message: detail})
		return false

	default:
		r.logger.Debug("unhandled message", zap.String("type", msg.MessageType))
	}
	return true
}

func (r *elevenlabsStreamingRecognizer) result(msg elevenlabsMessage, final bool, confidence float32) *RecognitionResult {
	if msg.Confidence != nil {
		confidence = *msg.Confidence
	}
	return &RecognitionResult{
		Text:       msg.Text,
		IsFinal:    final,
		Confidence: confidence,
		Language:   r.config.Language,
		Timestamp:  time.Now(),
	}
}

func (r *elevenlabsStreamingRecognizer) SendAudio(ctx context.Context, pcm []byte) error {
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

func (r *elevenlabsStreamingRecognizer) Results() <-chan *RecognitionResult {
	return r.resultsChan
}

func (r *elevenlabsStreamingRecognizer) Err() error {
	r.errMu.Lock()
	defer r.errMu.Unlock()
	return r.err
}

func (r *elevenlabsStreamingRecognizer) Close() error {
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
