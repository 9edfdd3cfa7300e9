// Package server exposes the relay over HTTP.
//
// TwilioMediaServer serves the Twilio Media Streams WebSocket endpoint and
// the TwiML webhook that points calls at it.
//
// Routes:
//   - /media   WebSocket, one call per connection
//   - /twiml   TwiML answering a call with <Connect><Stream>
//   - /health  liveness plus the number of bridged calls
//   - /metrics Prometheus
//
// Reference: https://www.twilio.com/docs/voice/media-streams
package server

import (
	"context"
	"encoding/xml"
	"errors"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/bytedance/sonic"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/realtime-ai/voice-relay/pkg/auth"
	"github.com/realtime-ai/voice-relay/pkg/connection"
	"github.com/realtime-ai/voice-relay/pkg/metrics"
	"github.com/realtime-ai/voice-relay/pkg/session"
)

// TwilioServerConfig holds configuration for TwilioMediaServer.
type TwilioServerConfig struct {
	// Address is the listen address (e.g., ":8080")
	Address string

	// MediaPath is the WebSocket path (default: "/media")
	MediaPath string

	// TwiMLPath is the webhook path (default: "/twiml")
	TwiMLPath string

	// StreamURL is the public URL written into TwiML, e.g.
	// "wss://relay.example.com/media". Derived from the request when empty.
	StreamURL string

	ReadBufferSize  int
	WriteBufferSize int

	// MaxAcceptRate limits new media connections per second; 0 disables.
	MaxAcceptRate float64

	// ShutdownTimeout bounds how long Stop waits for calls in flight.
	ShutdownTimeout time.Duration

	// Tokens signs the stream token handed out in TwiML. Optional.
	Tokens *auth.StreamTokens
}

// CallRunner runs one call to completion. *session.Manager implements it.
type CallRunner interface {
	Run(ctx context.Context, conn session.Carrier) error
	Count() int
}

var _ CallRunner = (*session.Manager)(nil)

// TwilioMediaServer handles Twilio Media Streams WebSocket connections.
type TwilioMediaServer struct {
	config  TwilioServerConfig
	runner  CallRunner
	metrics *metrics.Collector
	logger  *zap.Logger

	upgrader websocket.Upgrader
	limiter  *rate.Limiter
	server   *http.Server
	listener net.Listener

	// calls are cancelled through ctx once the shutdown grace period ends
	ctx    context.Context
	cancel context.CancelFunc
	serve  sync.WaitGroup

	// mu orders calls.Add against the Wait in Stop
	mu       sync.Mutex
	stopping bool
	calls    sync.WaitGroup
}

// NewTwilioMediaServer creates a new Twilio Media Streams server.
func NewTwilioMediaServer(config TwilioServerConfig, runner CallRunner, m *metrics.Collector, logger *zap.Logger) *TwilioMediaServer {
	if config.MediaPath == "" {
		config.MediaPath = "/media"
	}
	if config.TwiMLPath == "" {
		config.TwiMLPath = "/twiml"
	}
	if config.ReadBufferSize == 0 {
		config.ReadBufferSize = 1024
	}
	if config.WriteBufferSize == 0 {
		config.WriteBufferSize = 1024
	}
	if config.ShutdownTimeout <= 0 {
		config.ShutdownTimeout = 15 * time.Second
	}
	if m == nil {
		m = metrics.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	limit := rate.Inf
	burst := 0
	if config.MaxAcceptRate > 0 {
		limit = rate.Limit(config.MaxAcceptRate)
		burst = int(config.MaxAcceptRate)
		if burst < 1 {
			burst = 1
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &TwilioMediaServer{
		config:  config,
		runner:  runner,
		metrics: m,
		logger:  logger.With(zap.String("component", "twilio_server")),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  config.ReadBufferSize,
			WriteBufferSize: config.WriteBufferSize,
			// Twilio does not send an Origin header
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		limiter: rate.NewLimiter(limit, burst),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Handler returns the server's routes.
func (s *TwilioMediaServer) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc(s.config.MediaPath, s.handleMedia)
	mux.HandleFunc(s.config.TwiMLPath, s.handleTwiML)
	mux.HandleFunc("/health", s.handleHealth)
	mux.Handle("/metrics", s.metrics.Handler())
	return mux
}

// Start listens on the configured address and serves in the background.
func (s *TwilioMediaServer) Start() error {
	ln, err := net.Listen("tcp", s.config.Address)
	if err != nil {
		return err
	}
	s.listener = ln
	s.server = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.logger.Info("server listening",
		zap.String("address", ln.Addr().String()),
		zap.String("media_path", s.config.MediaPath),
		zap.String("twiml_path", s.config.TwiMLPath))

	s.serve.Add(1)
	go func() {
		defer s.serve.Done()
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("server error", zap.Error(err))
		}
	}()
	return nil
}

// Addr is the bound listen address, useful with ":0".
func (s *TwilioMediaServer) Addr() string {
	if s.listener == nil {
		return s.config.Address
	}
	return s.listener.Addr().String()
}

// Stop stops accepting calls, waits up to the shutdown timeout for calls
// in flight to hang up, then tears the rest down.
func (s *TwilioMediaServer) Stop() error {
	s.logger.Info("stopping server", zap.Int("active_calls", s.runner.Count()))

	s.mu.Lock()
	s.stopping = true
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), s.config.ShutdownTimeout)
	defer cancel()

	var err error
	if s.server != nil {
		err = s.server.Shutdown(ctx)
	}

	drained := make(chan struct{})
	go func() {
		s.calls.Wait()
		close(drained)
	}()
	select {
	case <-drained:
	case <-ctx.Done():
		s.logger.Warn("shutdown timeout, ending calls in flight", zap.Int("active_calls", s.runner.Count()))
	}
	s.cancel()
	<-drained
	s.serve.Wait()

	s.logger.Info("server stopped")
	if errors.Is(err, context.DeadlineExceeded) {
		return nil
	}
	return err
}

// handleMedia upgrades one Twilio media connection and runs the call on
// the handler goroutine.
func (s *TwilioMediaServer) handleMedia(w http.ResponseWriter, r *http.Request) {
	if !s.admit() {
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	}
	defer s.calls.Done()

	if !s.limiter.Allow() {
		s.metrics.AcceptRejected()
		s.logger.Warn("media connection refused by accept limiter", zap.String("remote", r.RemoteAddr))
		http.Error(w, "too many new connections", http.StatusServiceUnavailable)
		return
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", zap.String("remote", r.RemoteAddr), zap.Error(err))
		return
	}

	conn := connection.NewTwilioConnection(ws,
		connection.WithLogger(s.logger),
		connection.WithMalformedHook(s.metrics.MalformedEvent),
	)
	s.logger.Debug("media connection accepted", zap.String("remote", r.RemoteAddr))
	if err := s.runner.Run(s.ctx, conn); err != nil {
		s.logger.Info("call ended with error", zap.Error(err))
	}
}

// admit registers a call unless Stop has begun.
func (s *TwilioMediaServer) admit() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopping {
		return false
	}
	s.calls.Add(1)
	return true
}

type twimlParameter struct {
	Name  string `xml:"name,attr"`
	Value string `xml:"value,attr"`
}

type twimlResponse struct {
	XMLName xml.Name `xml:"Response"`
	Stream  struct {
		URL        string           `xml:"url,attr"`
		Parameters []twimlParameter `xml:"Parameter"`
	} `xml:"Connect>Stream"`
}

// handleTwiML answers a call webhook with a <Connect><Stream> pointing at
// the media endpoint. The call direction, an optional mode and the stream
// token travel as stream parameters.
func (s *TwilioMediaServer) handleTwiML(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	callSid := r.FormValue("CallSid")
	direction := callDirection(r)
	s.logger.Info("call webhook",
		zap.String("call_sid", callSid),
		zap.String("from", r.FormValue("From")),
		zap.String("to", r.FormValue("To")),
		zap.String("direction", string(direction)))

	var resp twimlResponse
	resp.Stream.URL = s.streamURL(r)
	resp.Stream.Parameters = append(resp.Stream.Parameters, twimlParameter{Name: "direction", Value: string(direction)})
	if mode := r.URL.Query().Get("mode"); mode != "" {
		resp.Stream.Parameters = append(resp.Stream.Parameters, twimlParameter{Name: "mode", Value: mode})
	}
	if s.config.Tokens != nil {
		token, err := s.config.Tokens.Sign(callSid, string(direction))
		if err != nil {
			s.logger.Error("stream token not signed", zap.Error(err))
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}
		resp.Stream.Parameters = append(resp.Stream.Parameters, twimlParameter{Name: "token", Value: token})
	}

	out, err := xml.MarshalIndent(resp, "", "  ")
	if err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/xml")
	_, _ = w.Write([]byte(xml.Header))
	_, _ = w.Write(out)
}

// callDirection prefers an explicit ?direction= on the webhook URL, as set
// when the relay places the call, over Twilio's Direction form field.
func callDirection(r *http.Request) connection.Direction {
	d := r.URL.Query().Get("direction")
	if d == "" {
		d = r.FormValue("Direction")
	}
	if strings.HasPrefix(d, "outbound") {
		return connection.DirectionOutbound
	}
	return connection.DirectionInbound
}

func (s *TwilioMediaServer) streamURL(r *http.Request) string {
	if s.config.StreamURL != "" {
		return s.config.StreamURL
	}
	host := r.Header.Get("X-Forwarded-Host")
	if host == "" {
		host = r.Host
	}
	scheme := "wss"
	if r.TLS == nil && r.Header.Get("X-Forwarded-Proto") == "http" {
		scheme = "ws"
	}
	return scheme + "://" + host + s.config.MediaPath
}

type healthResponse struct {
	Status   string `json:"status"`
	Sessions int    `json:"sessions"`
}

func (s *TwilioMediaServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := "ok"
	s.mu.Lock()
	if s.stopping {
		status = "stopping"
	}
	s.mu.Unlock()
	body, err := sonic.Marshal(healthResponse{Status: status, Sessions: s.runner.Count()})
	if err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(body)
}
