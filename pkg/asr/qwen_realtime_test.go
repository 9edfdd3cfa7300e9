package asr

import (
	"context"
	"encoding/base64"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/bytedance/sonic"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeDashScope acknowledges session.update, records appended audio and
// replays its script after the first chunk.
type fakeDashScope struct {
	script   []string
	reject   bool
	mu       sync.Mutex
	session  *qwenSession
	received [][]byte
	auth     string
	model    string
}

func (f *fakeDashScope) handler(w http.ResponseWriter, r *http.Request) {
	if f.reject {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}
	f.mu.Lock()
	f.auth = r.Header.Get("Authorization")
	f.model = r.URL.Query().Get("model")
	f.mu.Unlock()

	conn, err := (&websocket.Upgrader{}).Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	first := true
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var ev struct {
			Type    string      `json:"type"`
			Audio   string      `json:"audio"`
			Session qwenSession `json:"session"`
		}
		if err := sonic.Unmarshal(data, &ev); err != nil {
			continue
		}
		switch ev.Type {
		case "session.update":
			f.mu.Lock()
			f.session = &ev.Session
			f.mu.Unlock()
			_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"session.updated","session":{"id":"sess_1"}}`))
		case "input_audio_buffer.append":
			pcm, _ := base64.StdEncoding.DecodeString(ev.Audio)
			f.mu.Lock()
			f.received = append(f.received, pcm)
			f.mu.Unlock()
			if first {
				first = false
				for _, msg := range f.script {
					_ = conn.WriteMessage(websocket.TextMessage, []byte(msg))
				}
			}
		}
	}
}

func newFakeDashScope(t *testing.T, script ...string) (*fakeDashScope, string) {
	f := &fakeDashScope{script: script}
	srv := httptest.NewServer(http.HandlerFunc(f.handler))
	t.Cleanup(srv.Close)
	return f, "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestNewQwenRealtimeProvider(t *testing.T) {
	_, err := NewQwenRealtimeProvider(QwenRealtimeConfig{})
	var asrErr *Error
	require.ErrorAs(t, err, &asrErr)
	assert.Equal(t, ErrCodeInvalidConfig, asrErr.Code)

	p, err := NewQwenRealtimeProvider(QwenRealtimeConfig{APIKey: "k"})
	require.NoError(t, err)
	assert.Equal(t, "qwen", p.Name())
	assert.Equal(t, qwenRealtimeDefaultModel, p.model)
	assert.Equal(t, qwenRealtimeWSURL, p.url)

	_, err = p.StreamingRecognize(context.Background(), AudioConfig{SampleRate: 44100}, RecognitionConfig{})
	require.ErrorAs(t, err, &asrErr)
	assert.Equal(t, ErrCodeInvalidConfig, asrErr.Code)
}

func TestQwenStreaming(t *testing.T) {
	fake, url := newFakeDashScope(t,
		`{"type":"conversation.item.input_audio_transcription.text","text":"book a","stash":" tab"}`,
		`{"type":"conversation.item.input_audio_transcription.completed","transcript":"book a table"}`,
	)
	p, err := NewQwenRealtimeProvider(QwenRealtimeConfig{APIKey: "dash", URL: url})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	rec, err := p.StreamingRecognize(ctx, TelephoneAudio, RecognitionConfig{Language: "en-US", SilenceTimeout: 700 * time.Millisecond})
	require.NoError(t, err)
	defer rec.Close()

	require.NoError(t, rec.SendAudio(ctx, []byte{5, 6, 7, 8}))

	var got []*RecognitionResult
	for len(got) < 2 {
		select {
		case r, ok := <-rec.Results():
			require.True(t, ok, "results closed early: %v", rec.Err())
			got = append(got, r)
		case <-ctx.Done():
			t.Fatal("timed out waiting for transcripts")
		}
	}
	assert.Equal(t, "book a tab", got[0].Text)
	assert.False(t, got[0].IsFinal)
	assert.Equal(t, "book a table", got[1].Text)
	assert.True(t, got[1].IsFinal)
	assert.Equal(t, "en-US", got[1].Language)

	fake.mu.Lock()
	defer fake.mu.Unlock()
	assert.Equal(t, "Bearer dash", fake.auth)
	assert.Equal(t, qwenRealtimeDefaultModel, fake.model)
	require.NotNil(t, fake.session)
	assert.Equal(t, 8000, fake.session.SampleRate)
	assert.Equal(t, "pcm", fake.session.InputAudioFormat)
	assert.Equal(t, "en", fake.session.InputAudioTranscription.Language)
	require.NotNil(t, fake.session.TurnDetection)
	assert.Equal(t, "server_vad", fake.session.TurnDetection.Type)
	assert.Equal(t, 700, fake.session.TurnDetection.SilenceDurationMs)
	require.NotEmpty(t, fake.received)
	assert.Equal(t, []byte{5, 6, 7, 8}, fake.received[0])
}

func TestQwenErrorEventStopsRecognizer(t *testing.T) {
	_, url := newFakeDashScope(t, `{"type":"error","error":{"type":"invalid_request_error","code":"BadAudio","message":"bad frame"}}`)
	p, err := NewQwenRealtimeProvider(QwenRealtimeConfig{APIKey: "k", URL: url})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	rec, err := p.StreamingRecognize(ctx, TelephoneAudio, RecognitionConfig{})
	require.NoError(t, err)
	defer rec.Close()
	require.NoError(t, rec.SendAudio(ctx, []byte{0, 0}))

	select {
	case _, ok := <-rec.Results():
		assert.False(t, ok)
	case <-ctx.Done():
		t.Fatal("results channel was not closed")
	}
	var asrErr *Error
	require.ErrorAs(t, rec.Err(), &asrErr)
	assert.Equal(t, ErrCodeProviderError, asrErr.Code)
	assert.Contains(t, asrErr.Message, "bad frame")
}

func TestQwenRejectedCredentialsNotRetried(t *testing.T) {
	fake, url := newFakeDashScope(t)
	fake.reject = true
	p, err := NewQwenRealtimeProvider(QwenRealtimeConfig{APIKey: "k", URL: url})
	require.NoError(t, err)

	start := time.Now()
	_, err = p.StreamingRecognize(context.Background(), TelephoneAudio, RecognitionConfig{})
	var asrErr *Error
	require.ErrorAs(t, err, &asrErr)
	assert.Equal(t, ErrCodeAuthenticationFailed, asrErr.Code)
	assert.Less(t, time.Since(start), qwenInitialRetryDelay)
}

func TestQwenLanguage(t *testing.T) {
	assert.Equal(t, "zh", qwenLanguage("zh-CN"))
	assert.Equal(t, "yue", qwenLanguage("yue"))
	assert.Equal(t, "", qwenLanguage("auto"))
	assert.Equal(t, "", qwenLanguage("fr-FR"), "unsupported languages fall back to detection")
}
