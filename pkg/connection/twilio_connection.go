// TwilioConnection speaks the Twilio Media Streams WebSocket protocol.
//
// Inbound: connected, start, media (base64 μ-law 8kHz), mark, dtmf, stop.
// Outbound: media, clear, mark.
//
// Reference: https://www.twilio.com/docs/voice/media-streams

package connection

import (
	"context"
	"encoding/base64"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bytedance/sonic"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const (
	writeTimeout    = 5 * time.Second
	eventBufferSize = 256
)

// TwilioMediaMessage represents a Twilio Media Streams WebSocket message.
type TwilioMediaMessage struct {
	Event          string              `json:"event"`
	SequenceNumber string              `json:"sequenceNumber,omitempty"`
	StreamSid      string              `json:"streamSid,omitempty"`
	Protocol       string              `json:"protocol,omitempty"`
	Version        string              `json:"version,omitempty"`
	Start          *TwilioStartPayload `json:"start,omitempty"`
	Media          *TwilioMediaPayload `json:"media,omitempty"`
	Stop           *TwilioStopPayload  `json:"stop,omitempty"`
	Mark           *TwilioMarkPayload  `json:"mark,omitempty"`
	DTMF           *TwilioDTMFPayload  `json:"dtmf,omitempty"`
}

// TwilioStartPayload contains stream initialization data.
type TwilioStartPayload struct {
	AccountSid       string            `json:"accountSid"`
	StreamSid        string            `json:"streamSid"`
	CallSid          string            `json:"callSid"`
	Tracks           []string          `json:"tracks"`
	MediaFormat      TwilioMediaFormat `json:"mediaFormat"`
	CustomParameters map[string]string `json:"customParameters,omitempty"`
}

// TwilioMediaFormat describes the audio format.
type TwilioMediaFormat struct {
	Encoding   string `json:"encoding"`   // "audio/x-mulaw"
	SampleRate int    `json:"sampleRate"` // 8000
	Channels   int    `json:"channels"`   // 1
}

// TwilioMediaPayload contains audio data.
type TwilioMediaPayload struct {
	Track     string `json:"track,omitempty"` // "inbound" or "outbound"
	Chunk     string `json:"chunk,omitempty"`
	Timestamp string `json:"timestamp,omitempty"`
	Payload   string `json:"payload"` // Base64 encoded μ-law audio
}

// TwilioStopPayload contains stream termination data.
type TwilioStopPayload struct {
	AccountSid string `json:"accountSid"`
	CallSid    string `json:"callSid"`
}

// TwilioMarkPayload contains mark event data.
type TwilioMarkPayload struct {
	Name string `json:"name"`
}

// TwilioDTMFPayload contains DTMF digit data.
type TwilioDTMFPayload struct {
	Track string `json:"track"`
	Digit string `json:"digit"`
}

// Option configures a TwilioConnection.
type Option func(*TwilioConnection)

// WithLogger sets the connection logger.
func WithLogger(l *zap.Logger) Option {
	return func(tc *TwilioConnection) {
		if l != nil {
			tc.logger = l
		}
	}
}

// WithMalformedHook is called for every dropped inbound message.
func WithMalformedHook(fn func(reason string)) Option {
	return func(tc *TwilioConnection) {
		tc.onMalformed = fn
	}
}

// TwilioConnection is one carrier WebSocket. Inbound messages are parsed
// by a single read pump and delivered in arrival order on Events; writes
// are synchronous and serialized.
type TwilioConnection struct {
	conn   *websocket.Conn
	logger *zap.Logger

	events chan Event

	// stream metadata, set once by the start event
	metaMu    sync.RWMutex
	streamSid string
	callSid   string

	state   atomic.Int32
	writeMu sync.Mutex
	closed  atomic.Bool
	done    chan struct{}
	once    sync.Once

	// malformed messages are logged at most this often
	logLimiter  *rate.Limiter
	onMalformed func(reason string)
}

// NewTwilioConnection wraps an upgraded WebSocket.
func NewTwilioConnection(conn *websocket.Conn, opts ...Option) *TwilioConnection {
	tc := &TwilioConnection{
		conn:       conn,
		logger:     zap.NewNop(),
		events:     make(chan Event, eventBufferSize),
		done:       make(chan struct{}),
		logLimiter: rate.NewLimiter(rate.Every(time.Second), 5),
	}
	for _, opt := range opts {
		opt(tc)
	}
	tc.logger = tc.logger.With(zap.String("component", "twilio_conn"))
	return tc
}

// Start runs the read pump until the socket closes or ctx is cancelled.
func (tc *TwilioConnection) Start(ctx context.Context) {
	go tc.readPump(ctx)
	go func() {
		select {
		case <-ctx.Done():
			tc.Close()
		case <-tc.done:
		}
	}()
}

// Events delivers inbound events in arrival order. It is closed when the
// read pump exits.
func (tc *TwilioConnection) Events() <-chan Event {
	return tc.events
}

// Done is closed once the connection is closed.
func (tc *TwilioConnection) Done() <-chan struct{} {
	return tc.done
}

// StreamSid returns the Twilio stream SID.
func (tc *TwilioConnection) StreamSid() string {
	tc.metaMu.RLock()
	defer tc.metaMu.RUnlock()
	return tc.streamSid
}

// CallSid returns the Twilio call SID.
func (tc *TwilioConnection) CallSid() string {
	tc.metaMu.RLock()
	defer tc.metaMu.RUnlock()
	return tc.callSid
}

// State returns the current connection state.
func (tc *TwilioConnection) State() ConnectionState {
	return ConnectionState(tc.state.Load())
}

func (tc *TwilioConnection) setState(s ConnectionState) {
	tc.state.Store(int32(s))
}

func (tc *TwilioConnection) readPump(ctx context.Context) {
	defer close(tc.events)
	defer tc.Close()

	for {
		_, message, err := tc.conn.ReadMessage()
		if err != nil {
			if !tc.closed.Load() && !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				tc.logger.Info("read error", zap.String("stream_sid", tc.StreamSid()), zap.Error(err))
			}
			return
		}

		ev, ok := tc.parse(message)
		if !ok {
			continue
		}

		select {
		case tc.events <- ev:
		case <-ctx.Done():
			return
		case <-tc.done:
			return
		}
	}
}

func (tc *TwilioConnection) malformed(reason string, fields ...zap.Field) {
	if tc.onMalformed != nil {
		tc.onMalformed(reason)
	}
	if tc.logLimiter.Allow() {
		tc.logger.Warn("dropping malformed event",
			append([]zap.Field{zap.String("reason", reason), zap.String("stream_sid", tc.StreamSid())}, fields...)...)
	}
}

// parse converts a raw message into an Event. Malformed messages are
// dropped and logged.
func (tc *TwilioConnection) parse(raw []byte) (Event, bool) {
	var msg TwilioMediaMessage
	if err := sonic.Unmarshal(raw, &msg); err != nil {
		tc.malformed("invalid_json", zap.Error(err))
		return Event{}, false
	}

	ev := Event{Type: EventType(msg.Event), StreamSid: msg.StreamSid, Received: time.Now()}
	if seq, err := strconv.ParseInt(msg.SequenceNumber, 10, 64); err == nil {
		ev.Sequence = seq
	}

	switch ev.Type {
	case EventConnected:
		tc.logger.Debug("connected", zap.String("protocol", msg.Protocol), zap.String("version", msg.Version))

	case EventStart:
		if msg.Start == nil || msg.Start.StreamSid == "" {
			tc.malformed("start_without_payload")
			return Event{}, false
		}
		if tc.State() != ConnectionStateNew {
			tc.malformed("duplicate_start")
			return Event{}, false
		}
		ev.Start = startInfo(msg.Start)
		ev.StreamSid = msg.Start.StreamSid

		tc.metaMu.Lock()
		tc.streamSid = msg.Start.StreamSid
		tc.callSid = msg.Start.CallSid
		tc.metaMu.Unlock()
		tc.setState(ConnectionStateConnected)

		tc.logger.Info("stream started",
			zap.String("stream_sid", ev.Start.StreamSid),
			zap.String("call_sid", ev.Start.CallSid),
			zap.String("direction", string(ev.Start.Direction)),
			zap.String("encoding", ev.Start.Encoding),
			zap.Int("sample_rate", ev.Start.SampleRate))

	case EventMedia:
		if msg.Media == nil || msg.Media.Payload == "" {
			tc.malformed("media_without_payload")
			return Event{}, false
		}
		// only the caller's track is relayed
		if msg.Media.Track != "" && msg.Media.Track != "inbound" {
			return Event{}, false
		}
		data, err := base64.StdEncoding.DecodeString(msg.Media.Payload)
		if err != nil {
			tc.malformed("invalid_base64", zap.Error(err))
			return Event{}, false
		}
		ev.Media = data
		if chunk, err := strconv.ParseInt(msg.Media.Chunk, 10, 64); err == nil {
			ev.Sequence = chunk
		}

	case EventMark:
		if msg.Mark == nil {
			tc.malformed("mark_without_payload")
			return Event{}, false
		}
		ev.Mark = msg.Mark.Name

	case EventDTMF:
		if msg.DTMF == nil || msg.DTMF.Digit == "" {
			tc.malformed("dtmf_without_payload")
			return Event{}, false
		}
		ev.Digit = msg.DTMF.Digit

	case EventStop:
		tc.setState(ConnectionStateDisconnected)
		tc.logger.Info("stream stopped", zap.String("stream_sid", tc.StreamSid()))

	default:
		tc.malformed("unknown_event", zap.String("event", msg.Event))
		return Event{}, false
	}
	return ev, true
}

func startInfo(p *TwilioStartPayload) *StartInfo {
	params := p.CustomParameters
	if params == nil {
		params = map[string]string{}
	}
	dir := DirectionInbound
	if Direction(params["direction"]) == DirectionOutbound {
		dir = DirectionOutbound
	}
	return &StartInfo{
		StreamSid:        p.StreamSid,
		CallSid:          p.CallSid,
		AccountSid:       p.AccountSid,
		Direction:        dir,
		CustomParameters: params,
		Encoding:         p.MediaFormat.Encoding,
		SampleRate:       p.MediaFormat.SampleRate,
	}
}

func (tc *TwilioConnection) write(msg TwilioMediaMessage) error {
	if tc.closed.Load() {
		return ErrClosed
	}
	data, err := sonic.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", msg.Event, err)
	}

	tc.writeMu.Lock()
	defer tc.writeMu.Unlock()
	_ = tc.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := tc.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("write %s: %w", msg.Event, err)
	}
	return nil
}

func (tc *TwilioConnection) writableStream() (string, error) {
	if tc.closed.Load() {
		return "", ErrClosed
	}
	sid := tc.StreamSid()
	if sid == "" {
		return "", ErrNotStarted
	}
	return sid, nil
}

// SendMedia sends one frame of μ-law audio to the caller.
func (tc *TwilioConnection) SendMedia(mulaw []byte) error {
	sid, err := tc.writableStream()
	if err != nil {
		return err
	}
	return tc.write(TwilioMediaMessage{
		Event:     "media",
		StreamSid: sid,
		Media:     &TwilioMediaPayload{Payload: base64.StdEncoding.EncodeToString(mulaw)},
	})
}

// SendMark asks Twilio to echo name once all audio sent before it has played.
func (tc *TwilioConnection) SendMark(name string) error {
	sid, err := tc.writableStream()
	if err != nil {
		return err
	}
	return tc.write(TwilioMediaMessage{
		Event:     "mark",
		StreamSid: sid,
		Mark:      &TwilioMarkPayload{Name: name},
	})
}

// Clear discards audio Twilio has buffered but not yet played.
func (tc *TwilioConnection) Clear() error {
	sid, err := tc.writableStream()
	if err != nil {
		return err
	}
	tc.logger.Debug("clearing audio buffer", zap.String("stream_sid", sid))
	return tc.write(TwilioMediaMessage{Event: "clear", StreamSid: sid})
}

// Close sends a close frame and releases the socket. Safe to call more
// than once.
func (tc *TwilioConnection) Close() error {
	tc.once.Do(func() {
		tc.closed.Store(true)
		tc.writeMu.Lock()
		_ = tc.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		tc.writeMu.Unlock()
		tc.conn.Close()
		tc.setState(ConnectionStateClosed)
		close(tc.done)
	})
	return nil
}
