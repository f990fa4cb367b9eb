package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aeolun/pairchat/pkg/protocol"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/samber/lo"
	"golang.org/x/sync/errgroup"
)

var (
	errorLog = log.New(os.Stderr, "ERROR: ", log.LstdFlags)
	debugLog = log.New(io.Discard, "DEBUG: ", log.LstdFlags)
)

// Server is the pairchat gateway
type Server struct {
	store       Store
	config      ServerConfig
	registry    *Registry
	broadcaster Broadcaster
	relay       *RedisRelay
	connections *ConnectionManager
	gatekeeper  *Gatekeeper
	handler     *ProtocolHandler
	auth        *Authenticator
	metrics     *Metrics
	promReg     *prometheus.Registry
	upgrader    websocket.Upgrader
	startTime   time.Time
	shutdown    chan struct{}

	httpServer    *http.Server
	metricsServer *http.Server
	group         *errgroup.Group

	mu      sync.Mutex
	closing bool
	live    sync.WaitGroup // One per connection between upgrade and release

	// Connection deltas for periodic reporting
	connectionsSinceReport    atomic.Int64
	disconnectionsSinceReport atomic.Int64
}

// ServerConfig holds server configuration
type ServerConfig struct {
	HTTPPort       int
	MetricsPort    int // 0 = disabled
	AllowedOrigins []string
	LogDir         string

	JWTSecret   string
	TokenIssuer string
	TokenTTL    time.Duration

	MessageRateLimit      int // per minute, 0 = unlimited
	MessageBurst          int
	SessionTimeoutSeconds int
	SendBuffer            int
	StoreTimeout          time.Duration
	MaxFrameBytes         int64

	RedisAddr     string // empty = single node
	ChannelPrefix string
}

// DefaultConfig returns default server configuration
func DefaultConfig() ServerConfig {
	return ServerConfig{
		HTTPPort:              8080,
		MetricsPort:           9090,
		TokenIssuer:           "pairchat",
		TokenTTL:              24 * time.Hour,
		MessageRateLimit:      120,
		MessageBurst:          20,
		SessionTimeoutSeconds: 60,
		SendBuffer:            64,
		StoreTimeout:          5 * time.Second,
		MaxFrameBytes:         256 * 1024,
		ChannelPrefix:         "pairchat:room:",
	}
}

// NewServer creates a gateway on top of store. Metrics go to a registry
// owned by the server and are exposed on the metrics port.
func NewServer(store Store, config ServerConfig) *Server {
	promReg := prometheus.NewRegistry()
	promReg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := NewMetrics(promReg)

	registry := NewRegistry(metrics)
	var broadcaster Broadcaster = registry

	var relay *RedisRelay
	if config.RedisAddr != "" {
		client := redis.NewClient(&redis.Options{Addr: config.RedisAddr})
		relay = NewRedisRelay(client, config.ChannelPrefix, registry, metrics)
		broadcaster = relay
	}

	s := &Server{
		store:       store,
		config:      config,
		registry:    registry,
		broadcaster: broadcaster,
		relay:       relay,
		connections: NewConnectionManager(metrics),
		gatekeeper:  NewGatekeeper(store, registry, config.StoreTimeout, metrics),
		handler:     NewProtocolHandler(store, broadcaster, config.StoreTimeout, metrics),
		auth:        NewAuthenticator(config.JWTSecret, config.TokenIssuer, config.TokenTTL, store),
		metrics:     metrics,
		promReg:     promReg,
		startTime:   time.Now(),
		shutdown:    make(chan struct{}),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     s.checkOrigin,
	}

	return s
}

// getServerDataDir returns the server data directory, creating it if needed
func getServerDataDir(logDir string) (string, error) {
	dataDir := logDir
	if dataDir == "" {
		if xdg := os.Getenv("XDG_DATA_HOME"); xdg != "" {
			dataDir = filepath.Join(xdg, "pairchat")
		} else {
			homeDir, err := os.UserHomeDir()
			if err != nil {
				return "", fmt.Errorf("failed to get home directory: %w", err)
			}
			dataDir = filepath.Join(homeDir, ".local", "share", "pairchat")
		}
	}

	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return "", fmt.Errorf("failed to create data directory: %w", err)
	}

	return dataDir, nil
}

// InitLoggers sets up error and standard loggers in logDir (or the XDG data
// directory when logDir is empty)
func InitLoggers(logDir string) error {
	dataDir, err := getServerDataDir(logDir)
	if err != nil {
		return err
	}

	// Error log goes to stderr and errors.log
	errorFile, err := os.OpenFile(filepath.Join(dataDir, "errors.log"), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0666)
	if err != nil {
		return err
	}

	// Write startup marker to errors.log (for distinguishing between runs)
	startupMsg := fmt.Sprintf("=== Server started at %s ===\n", time.Now().Format(time.RFC3339))
	if _, err := errorFile.WriteString(startupMsg); err != nil {
		return err
	}

	errorLog = log.New(io.MultiWriter(os.Stderr, errorFile), "ERROR: ", log.LstdFlags)

	// Standard log carries lifecycle and audit lines; truncated per run
	serverLogFile, err := os.OpenFile(filepath.Join(dataDir, "server.log"), os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0666)
	if err != nil {
		return err
	}
	log.SetOutput(io.MultiWriter(os.Stdout, serverLogFile))

	return nil
}

// EnableDebugLogging enables debug logging to debug.log
func EnableDebugLogging(logDir string) {
	dataDir, err := getServerDataDir(logDir)
	if err != nil {
		log.Printf("Failed to get data directory: %v", err)
		return
	}

	debugLogFile, err := os.OpenFile(filepath.Join(dataDir, "debug.log"), os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0666)
	if err != nil {
		log.Printf("Failed to open debug.log: %v", err)
		return
	}

	debugLog = log.New(debugLogFile, "DEBUG: ", log.LstdFlags)
	debugLog.Println("Debug logging enabled")
}

// Handler returns the public HTTP surface
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /ws/chat/{id}", s.HandleWebSocket)
	mux.HandleFunc("GET /api/conversations/{id}/messages", s.HandleHistory)
	return mux
}

// MetricsHandler returns the internal HTTP surface
func (s *Server) MetricsHandler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(s.promReg, promhttp.HandlerOpts{Registry: s.promReg}))
	mux.HandleFunc("/health", s.HealthHandler)
	return mux
}

// Start joins the cluster relay (if configured) and starts the HTTP servers
func (s *Server) Start(ctx context.Context) error {
	if s.relay != nil {
		if err := s.relay.Start(ctx); err != nil {
			return fmt.Errorf("failed to start cluster relay: %w", err)
		}
		log.Printf("Cluster relay subscribed on %s (prefix %q)", s.config.RedisAddr, s.config.ChannelPrefix)
	}

	addr := fmt.Sprintf(":%d", s.config.HTTPPort)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	s.httpServer = &http.Server{Handler: s.Handler(), ReadHeaderTimeout: 10 * time.Second}

	var metricsListener net.Listener
	if s.config.MetricsPort > 0 {
		metricsAddr := fmt.Sprintf(":%d", s.config.MetricsPort)
		metricsListener, err = net.Listen("tcp", metricsAddr)
		if err != nil {
			listener.Close()
			return fmt.Errorf("failed to listen on %s: %w", metricsAddr, err)
		}
		s.metricsServer = &http.Server{Handler: s.MetricsHandler(), ReadHeaderTimeout: 10 * time.Second}
	}

	g := &errgroup.Group{}
	g.Go(func() error {
		log.Printf("Public HTTP server listening on %s (/ws/chat/{id}, /api/conversations/{id}/messages)", listener.Addr())
		return serve(s.httpServer, listener)
	})
	if metricsListener != nil {
		g.Go(func() error {
			// Internal only - never expose publicly!
			log.Printf("Metrics server listening on %s (/metrics, /health) - INTERNAL ONLY", metricsListener.Addr())
			return serve(s.metricsServer, metricsListener)
		})
	}
	g.Go(func() error {
		s.metricsLoggingLoop()
		return nil
	})
	s.group = g

	return nil
}

func serve(srv *http.Server, listener net.Listener) error {
	if err := srv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Stop gracefully stops the server: no new connections, every live
// connection closed and released, relay and HTTP servers shut down.
// Calls after the first return nil.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		return nil
	}
	s.closing = true
	s.mu.Unlock()

	log.Println("Graceful shutdown initiated...")
	close(s.shutdown)

	var errs []error
	if s.httpServer != nil {
		if err := s.httpServer.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("public HTTP server: %w", err))
		}
		log.Println("Public HTTP server closed")
	}

	closed := s.connections.CloseAll(websocket.CloseGoingAway, "server shutting down")
	log.Printf("Closing %d client connections...", closed)

	released := make(chan struct{})
	go func() {
		s.live.Wait()
		close(released)
	}()
	select {
	case <-released:
	case <-ctx.Done():
		errs = append(errs, fmt.Errorf("connections still open: %w", ctx.Err()))
	}

	if s.metricsServer != nil {
		if err := s.metricsServer.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("metrics server: %w", err))
		}
	}

	if s.group != nil {
		if err := s.group.Wait(); err != nil {
			errs = append(errs, err)
		}
	}

	if s.relay != nil {
		if err := s.relay.Close(); err != nil {
			errs = append(errs, fmt.Errorf("cluster relay: %w", err))
		}
	}

	log.Println("Graceful shutdown complete")
	return errors.Join(errs...)
}

// HandleWebSocket upgrades a request for /ws/chat/{id}, admits it and then
// serves frames until the connection ends
func (s *Server) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	identity, authErr := s.auth.Authenticate(r.Context(), r)
	if errors.Is(authErr, ErrUnauthenticated) {
		// Rejected after the upgrade with a close code
		identity, authErr = nil, nil
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote an HTTP error (bad handshake or foreign origin)
		debugLog.Printf("WebSocket upgrade from %s failed: %v", r.RemoteAddr, err)
		return
	}

	conn := NewSafeConn(ws)
	c := NewConnection(conn, s.config.SendBuffer, newRateLimiter(s.config.MessageRateLimit, s.config.MessageBurst))

	if !s.track() {
		c.CloseWithCode(websocket.CloseGoingAway, "server shutting down")
		return
	}

	if authErr != nil {
		s.live.Done()
		errorLog.Printf("Connection %s: authentication store failure: %v", c.ID(), authErr)
		s.metrics.RecordAdmission(protocol.CloseReason(protocol.CloseInternalFailure))
		c.CloseWithCode(protocol.CloseInternalFailure, protocol.CloseReason(protocol.CloseInternalFailure))
		return
	}

	admission, err := s.gatekeeper.Admit(r.Context(), c, identity, r.PathValue("id"))
	if err != nil {
		s.live.Done()
		var ae *AdmissionError
		if !errors.As(err, &ae) {
			ae = reject(protocol.CloseInternalFailure)
		}
		if ae.Code == protocol.CloseInternalFailure {
			errorLog.Printf("Connection %s: admission failed: %v", c.ID(), err)
		} else {
			debugLog.Printf("Connection %s from %s rejected: %v", c.ID(), c.remoteAddr, err)
		}
		c.CloseWithCode(ae.Code, ae.Reason)
		return
	}

	c.admitted(admission)
	s.connections.Add(c)
	s.connectionsSinceReport.Add(1)
	s.metrics.RecordActiveRooms(s.registry.RoomCount())
	defer s.release(c)

	debugLog.Printf("Connection %s: user %d joined %s", c.ID(), admission.Self.UserID, admission.Key)

	// CloseAll may have run between track and Add
	select {
	case <-s.shutdown:
		c.CloseWithCode(websocket.CloseGoingAway, "server shutting down")
		return
	default:
	}

	pongWait := time.Duration(s.config.SessionTimeoutSeconds) * time.Second
	conn.SetupKeepalive(s.config.MaxFrameBytes, pongWait)
	go c.writeLoop(pongWait * 9 / 10)

	s.readLoop(r.Context(), c)
}

// track counts a connection towards the shutdown wait. Returns false once
// shutdown has begun.
func (s *Server) track() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closing {
		return false
	}
	s.live.Add(1)
	return true
}

// readLoop handles frames from one connection strictly in order
func (s *Server) readLoop(ctx context.Context, c *Connection) {
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				debugLog.Printf("Connection %s: read error: %v", c.ID(), err)
			} else {
				debugLog.Printf("Connection %s: closed", c.ID())
			}
			return
		}

		if !c.Allow() {
			s.metrics.RecordFrameOutcome("rate_limited", OutcomeIgnored)
			debugLog.Printf("Connection %s: frame dropped by rate limit", c.ID())
			continue
		}

		s.handler.HandleFrame(ctx, c, data)
	}
}

// release undoes an admission exactly once: leave the room, then mark the
// user offline
func (s *Server) release(c *Connection) {
	c.releaseOnce.Do(func() {
		c.Close()
		s.registry.Leave(c.RoomKey(), c)
		s.connections.Remove(c.ID())
		s.metrics.RecordActiveRooms(s.registry.RoomCount())

		ctx, cancel := context.WithTimeout(context.Background(), s.config.StoreTimeout)
		defer cancel()
		if err := s.store.SetUserOffline(ctx, c.Self().UserID); err != nil {
			errorLog.Printf("Failed to mark user %d offline: %v", c.Self().UserID, err)
		}

		s.disconnectionsSinceReport.Add(1)
		debugLog.Printf("Connection %s: user %d left %s", c.ID(), c.Self().UserID, c.RoomKey())
		s.live.Done()
	})
}

// checkOrigin accepts requests without an Origin header (non-browser
// clients), same-host origins and the configured allowed origins
func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}

	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	if strings.EqualFold(u.Host, r.Host) {
		return true
	}

	return lo.ContainsBy(s.config.AllowedOrigins, func(allowed string) bool {
		return strings.EqualFold(strings.TrimSuffix(allowed, "/"), origin)
	})
}

// HealthHandler reports liveness and a few gauges as JSON
func (s *Server) HealthHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"status":         "ok",
		"connections":    s.connections.Count(),
		"rooms":          s.registry.RoomCount(),
		"uptime_seconds": int64(time.Since(s.startTime).Seconds()),
	})
}

// metricsLoggingLoop periodically logs key metrics
func (s *Server) metricsLoggingLoop() {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-s.shutdown:
			return
		case <-ticker.C:
			connected := s.connectionsSinceReport.Swap(0)
			disconnected := s.disconnectionsSinceReport.Swap(0)

			log.Printf("[METRICS] Active connections: %d, rooms: %d, connected since last: %d, disconnected since last: %d, goroutines: %d",
				s.connections.Count(), s.registry.RoomCount(), connected, disconnected, runtime.NumGoroutine())
		}
	}
}
