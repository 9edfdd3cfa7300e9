//go:build azure

package asr

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Microsoft/cognitive-services-speech-sdk-go/audio"
	"github.com/Microsoft/cognitive-services-speech-sdk-go/common"
	"github.com/Microsoft/cognitive-services-speech-sdk-go/speech"
	"go.uber.org/zap"
)

// AzureAvailable reports whether the Speech SDK recognizer is compiled in.
const AzureAvailable = true

// AzureProvider recognizes speech with the Azure Speech SDK in continuous
// recognition mode.
type AzureProvider struct {
	key    string
	region string
	logger *zap.Logger
}

// NewAzureProvider validates credentials. The SDK itself is only touched
// when a recognizer is created.
func NewAzureProvider(config AzureConfig) (*AzureProvider, error) {
	if config.SubscriptionKey == "" || config.Region == "" {
		return nil, &Error{Code: ErrCodeInvalidConfig, Message: "Azure Speech credentials not set"}
	}
	if config.Logger == nil {
		config.Logger = zap.NewNop()
	}
	return &AzureProvider{
		key:    config.SubscriptionKey,
		region: config.Region,
		logger: config.Logger.With(zap.String("component", "asr.azure")),
	}, nil
}

func (p *AzureProvider) Name() string { return "azure" }

func (p *AzureProvider) Close() error { return nil }

func (p *AzureProvider) StreamingRecognize(ctx context.Context, audioConfig AudioConfig, config RecognitionConfig) (StreamingRecognizer, error) {
	format, err := audio.GetWaveFormatPCM(uint32(audioConfig.SampleRate), uint8(audioConfig.BitsPerSample), uint8(audioConfig.Channels))
	if err != nil {
		return nil, &Error{Code: ErrCodeInvalidConfig, Message: "unsupported audio format", Err: err}
	}
	defer format.Close()

	r := &azureRecognizer{
		logger:  p.logger,
		results: make(chan *RecognitionResult, 16),
		done:    make(chan struct{}),
	}

	r.pushStream, err = audio.CreatePushAudioInputStreamFromFormat(format)
	if err != nil {
		return nil, fmt.Errorf("failed to create push stream: %w", err)
	}
	r.audioConfig, err = audio.NewAudioConfigFromStreamInput(r.pushStream)
	if err != nil {
		r.release()
		return nil, fmt.Errorf("failed to create audio config: %w", err)
	}

	speechConfig, err := speech.NewSpeechConfigFromSubscription(p.key, p.region)
	if err != nil {
		r.release()
		return nil, &Error{Code: ErrCodeInvalidConfig, Message: "failed to create speech config", Err: err}
	}
	defer speechConfig.Close()

	if config.Language != "" {
		speechConfig.SetSpeechRecognitionLanguage(config.Language)
	}
	silence := config.SilenceTimeout
	if silence <= 0 {
		silence = 500 * time.Millisecond
	}
	speechConfig.SetProperty(common.SegmentationSilenceTimeoutMs, strconv.FormatInt(silence.Milliseconds(), 10))

	r.recognizer, err = speech.NewSpeechRecognizerFromConfig(speechConfig, r.audioConfig)
	if err != nil {
		r.release()
		return nil, fmt.Errorf("failed to create recognizer: %w", err)
	}

	r.recognizer.Recognizing(func(evt speech.SpeechRecognitionEventArgs) {
		defer evt.Close()
		if evt.Result.Reason == common.RecognizingSpeech && evt.Result.Text != "" {
			r.emit(&RecognitionResult{Text: evt.Result.Text, Confidence: -1, Language: config.Language, Timestamp: time.Now()}, false)
		}
	})
	r.recognizer.Recognized(func(evt speech.SpeechRecognitionEventArgs) {
		defer evt.Close()
		if evt.Result.Reason == common.RecognizedSpeech && evt.Result.Text != "" {
			r.emit(&RecognitionResult{Text: evt.Result.Text, IsFinal: true, Confidence: -1, Language: config.Language, Timestamp: time.Now()}, true)
		}
	})
	r.recognizer.Canceled(func(evt speech.SpeechRecognitionCanceledEventArgs) {
		defer evt.Close()
		if evt.Reason == common.Error {
			r.logger.Warn("recognition canceled", zap.String("details", evt.ErrorDetails))
			code := ErrCodeProviderError
			if evt.ErrorCode == common.AuthenticationFailure {
				code = ErrCodeAuthenticationFailed
			}
			r.fail(&Error{Code: code, Message: "recognition canceled: " + evt.ErrorDetails})
		}
	})

	if err := <-r.recognizer.StartContinuousRecognitionAsync(); err != nil {
		r.release()
		return nil, &Error{Code: ErrCodeNetworkError, Message: "failed to start continuous recognition", Err: err}
	}
	return r, nil
}

type azureRecognizer struct {
	logger      *zap.Logger
	recognizer  *speech.SpeechRecognizer
	pushStream  *audio.PushAudioInputStream
	audioConfig *audio.AudioConfig

	// results is closed once, by Close or fail, after which SDK callbacks
	// are ignored.
	results chan *RecognitionResult
	sendMu  sync.RWMutex
	done    chan struct{}
	once    sync.Once
	closed  atomic.Bool

	errMu sync.Mutex
	err   error
}

func (r *azureRecognizer) emit(res *RecognitionResult, block bool) {
	r.sendMu.RLock()
	defer r.sendMu.RUnlock()
	select {
	case <-r.done:
		return
	default:
	}
	if !block {
		select {
		case r.results <- res:
		default:
		}
		return
	}
	select {
	case r.results <- res:
	case <-r.done:
	}
}

func (r *azureRecognizer) stop() {
	r.once.Do(func() {
		close(r.done)
		r.sendMu.Lock()
		close(r.results)
		r.sendMu.Unlock()
	})
}

func (r *azureRecognizer) fail(err error) {
	r.errMu.Lock()
	if r.err == nil {
		r.err = err
	}
	r.errMu.Unlock()
	r.stop()
}

func (r *azureRecognizer) SendAudio(ctx context.Context, pcm []byte) error {
	select {
	case <-r.done:
		if err := r.Err(); err != nil {
			return err
		}
		return &Error{Code: ErrCodeClosed, Message: "recognizer is closed"}
	default:
	}
	if err := r.pushStream.Write(pcm); err != nil {
		return &Error{Code: ErrCodeProviderError, Message: "failed to write audio", Err: err}
	}
	return nil
}

func (r *azureRecognizer) Results() <-chan *RecognitionResult { return r.results }

func (r *azureRecognizer) Err() error {
	r.errMu.Lock()
	defer r.errMu.Unlock()
	return r.err
}

func (r *azureRecognizer) Close() error {
	if r.closed.Swap(true) {
		return nil
	}
	r.stop()
	if r.recognizer != nil {
		if err := <-r.recognizer.StopContinuousRecognitionAsync(); err != nil {
			r.logger.Debug("failed to stop recognition", zap.Error(err))
		}
	}
	r.release()
	return nil
}

func (r *azureRecognizer) release() {
	if r.recognizer != nil {
		r.recognizer.Close()
		r.recognizer = nil
	}
	if r.pushStream != nil {
		r.pushStream.CloseStream()
		r.pushStream.Close()
		r.pushStream = nil
	}
	if r.audioConfig != nil {
		r.audioConfig.Close()
		r.audioConfig = nil
	}
}
