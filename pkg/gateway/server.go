package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/harun/ranya-runtime/internal/observability"
	"github.com/harun/ranya-runtime/internal/tracing"
	"github.com/harun/ranya-runtime/pkg/rpc"
	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/rs/zerolog"
)

// Gateway defaults
const (
	DefaultRPCTimeout   = 5 * time.Minute
	DefaultWriteTimeout = 10 * time.Second
	MaxPayloadBytes     = 16 << 20
)

// Config holds server configuration
type Config struct {
	Host         string
	Port         int
	SharedSecret string
	Submitter    Submitter

	// RequestsPerMinute and MaxPending bound each websocket connection.
	RequestsPerMinute int
	MaxPending        int

	// RPCTimeout bounds how long /rpc waits for the worker's response.
	RPCTimeout   time.Duration
	WriteTimeout time.Duration

	// Health adds fields to the /healthz body.
	Health func() map[string]interface{}

	Logger zerolog.Logger
}

// Server serves JSON-RPC over /ws and /rpc plus /healthz and /metrics.
type Server struct {
	addr              string
	submitter         Submitter
	auth              *AuthHandler
	clients           *ClientRegistry
	upgrader          websocket.Upgrader
	requestsPerMinute int
	maxPending        int
	rpcTimeout        time.Duration
	writeTimeout      time.Duration
	health            func() map[string]interface{}
	logger            zerolog.Logger

	server   *http.Server
	listener net.Listener

	shutdownMu     sync.RWMutex
	isShuttingDown bool
	done           chan struct{}
	inFlightReqs   sync.WaitGroup
	connWG         sync.WaitGroup
}

// NewServer creates a new gateway server. Port 0 picks a free port on Start.
func NewServer(cfg Config) (*Server, error) {
	if cfg.Port < 0 || cfg.Port > 65535 {
		return nil, fmt.Errorf("invalid port: %d", cfg.Port)
	}
	if cfg.Submitter == nil {
		return nil, fmt.Errorf("submitter is required")
	}
	if cfg.RPCTimeout <= 0 {
		cfg.RPCTimeout = DefaultRPCTimeout
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = DefaultWriteTimeout
	}

	return &Server{
		addr:              net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port)),
		submitter:         cfg.Submitter,
		auth:              NewAuthHandler(cfg.SharedSecret),
		clients:           NewClientRegistry(),
		requestsPerMinute: cfg.RequestsPerMinute,
		maxPending:        cfg.MaxPending,
		rpcTimeout:        cfg.RPCTimeout,
		writeTimeout:      cfg.WriteTimeout,
		health:            cfg.Health,
		logger:            cfg.Logger.With().Str("component", "gateway").Logger(),
		done:              make(chan struct{}),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}, nil
}

// Handler returns the gateway's HTTP routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("/rpc", s.handleRPC)
	mux.Handle("/metrics", observability.MetricsHandler())
	mux.HandleFunc("/healthz", s.handleHealth)
	return mux
}

// Start binds the listener and serves in the background.
func (s *Server) Start() error {
	listener, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.addr, err)
	}
	s.listener = listener
	s.server = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.logger.Info().Str("addr", listener.Addr().String()).Msg("Starting Gateway Server")

	go func() {
		if err := s.server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error().Err(err).Msg("Gateway server error")
		}
	}()
	return nil
}

// Addr returns the bound address once started.
func (s *Server) Addr() string {
	if s.listener == nil {
		return s.addr
	}
	return s.listener.Addr().String()
}

// Stop refuses new work, releases waiting /rpc handlers, closes websocket
// clients and shuts the HTTP server down.
func (s *Server) Stop() error {
	s.shutdownMu.Lock()
	if s.isShuttingDown {
		s.shutdownMu.Unlock()
		return nil
	}
	s.isShuttingDown = true
	close(s.done)
	s.shutdownMu.Unlock()

	s.logger.Info().Msg("Shutting down Gateway Server")

	shutdown := rpc.NewNotification(NotificationShutdown, map[string]interface{}{
		"message": "Server is shutting down",
	})
	s.clients.Each(func(client *Client) {
		_ = client.WriteJSON(shutdown, time.Second)
		client.Conn.Close()
	})

	s.inFlightReqs.Wait()
	s.connWG.Wait()

	if s.server == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown server: %w", err)
	}

	s.logger.Info().Msg("Gateway Server stopped")
	return nil
}

func (s *Server) shuttingDown() bool {
	s.shutdownMu.RLock()
	defer s.shutdownMu.RUnlock()
	return s.isShuttingDown
}

// track adds to wg unless the server is stopping. Stop flips the flag under
// the write lock before it waits, so no Add can race with the Wait.
func (s *Server) track(wg *sync.WaitGroup) bool {
	s.shutdownMu.RLock()
	defer s.shutdownMu.RUnlock()
	if s.isShuttingDown {
		return false
	}
	wg.Add(1)
	return true
}

// Clients describes the connected websocket clients.
func (s *Server) Clients() []ClientInfo {
	return s.clients.Snapshot()
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	body := map[string]interface{}{}
	if s.health != nil {
		for k, v := range s.health() {
			body[k] = v
		}
	}
	body["status"] = "ok"
	body["clients"] = s.clients.Count()

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(body)
}

// handleWebSocket handles WebSocket connections
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if s.shuttingDown() {
		http.Error(w, "Server is shutting down", http.StatusServiceUnavailable)
		return
	}
	if !s.auth.Authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to upgrade connection")
		return
	}
	conn.SetReadLimit(MaxPayloadBytes)

	if !s.track(&s.connWG) {
		conn.Close()
		return
	}

	clientID, _ := gonanoid.New()
	now := time.Now()
	client := &Client{
		ID:           clientID,
		Conn:         conn,
		ConnectedAt:  now,
		LastActivity: now,
		IPAddress:    r.RemoteAddr,
		RateLimiter:  NewClientRateLimiter(s.requestsPerMinute, s.maxPending),
	}
	s.clients.Add(client)
	if s.shuttingDown() {
		conn.Close()
	}

	s.logger.Info().
		Str("client_id", clientID).
		Str("ip", r.RemoteAddr).
		Msg("Client connected")

	go s.handleClient(client)
}

// handleClient reads frames until the connection closes
func (s *Server) handleClient(client *Client) {
	defer s.connWG.Done()
	defer func() {
		client.Conn.Close()
		s.clients.Remove(client.ID)
		s.logger.Info().Str("client_id", client.ID).Msg("Client disconnected")
	}()

	for {
		_, message, err := client.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				s.logger.Warn().Err(err).Str("client_id", client.ID).Msg("WebSocket error")
			}
			return
		}

		s.clients.Touch(client.ID)
		s.handleFrame(client, message)
	}
}

// handleFrame submits one websocket payload. Rejections are answered inline.
func (s *Server) handleFrame(client *Client, message []byte) {
	req, errResp := rpc.Validate(message)
	if errResp != nil {
		s.writeClient(client, errResp)
		return
	}

	allowed, reason := client.RateLimiter.Allow(req.HasID())
	if !allowed {
		s.writeClient(client, rpc.NewErrorResponse(req.ID, rpc.NewError(RateLimitExceeded, reason, nil)))
		return
	}

	replier := &wsReplier{
		client:       client,
		writeTimeout: s.writeTimeout,
		holdsSlot:    req.HasID(),
	}
	result := s.submitter.SubmitRequest(req, replier)
	if result.Accepted {
		return
	}
	if replier.holdsSlot {
		client.RateLimiter.Done()
	}
	if result.Response != nil {
		s.writeClient(client, result.Response)
	}
}

func (s *Server) writeClient(client *Client, v interface{}) {
	if err := client.WriteJSON(v, s.writeTimeout); err != nil {
		s.logger.Warn().Err(err).Str("client_id", client.ID).Msg("Failed to send response")
	}
}

// handleRPC handles single-shot HTTP JSON-RPC requests. Requests with an id
// block until the worker replies; requests without one get 202.
func (s *Server) handleRPC(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !s.auth.Authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, MaxPayloadBytes))
	if err != nil {
		http.Error(w, "failed to read request body", http.StatusRequestEntityTooLarge)
		return
	}

	traceID := r.Header.Get("X-Trace-Id")
	if traceID == "" {
		traceID = tracing.NewTraceID()
	}
	logger := tracing.LoggerFromContext(tracing.WithTraceID(r.Context(), traceID), s.logger)

	req, errResp := rpc.Validate(body)
	if errResp != nil {
		writeJSON(w, http.StatusOK, errResp)
		return
	}

	logger.Debug().
		Str("request_id", req.IDString()).
		Str("method", req.Method).
		Msg("Gateway received HTTP RPC request")

	if !s.track(&s.inFlightReqs) {
		http.Error(w, "Server is shutting down", http.StatusServiceUnavailable)
		return
	}
	defer s.inFlightReqs.Done()

	replier := newHTTPReplier()
	result := s.submitter.SubmitRequest(req, replier)
	if !result.Accepted {
		status := http.StatusOK
		if result.Response != nil && result.Response.Error != nil && result.Response.Error.Code == rpc.QueueFull {
			status = http.StatusServiceUnavailable
		}
		writeJSON(w, status, result.Response)
		return
	}
	if !req.HasID() {
		w.WriteHeader(http.StatusAccepted)
		return
	}

	timer := time.NewTimer(s.rpcTimeout)
	defer timer.Stop()

	select {
	case resp := <-replier.responses:
		writeJSON(w, http.StatusOK, resp)
	case <-timer.C:
		logger.Warn().Str("request_id", req.IDString()).Msg("Timed out waiting for RPC response")
		writeJSON(w, http.StatusGatewayTimeout,
			rpc.NewErrorResponse(req.ID, rpc.NewError(rpc.InternalError, "Timed out waiting for response", nil)))
	case <-s.done:
		writeJSON(w, http.StatusServiceUnavailable,
			rpc.NewErrorResponse(req.ID, rpc.NewError(rpc.InternalError, "Server is shutting down", nil)))
	case <-r.Context().Done():
		logger.Debug().Str("request_id", req.IDString()).Msg("Client went away before the response")
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
