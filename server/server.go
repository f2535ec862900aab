// Package server implements the dungeonmaster HTTP API, auth, and SSE event stream.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/GoCodeAlone/dungeonmaster/comms"
	"github.com/GoCodeAlone/dungeonmaster/config"
	"github.com/GoCodeAlone/dungeonmaster/orchestrator"
	"github.com/GoCodeAlone/dungeonmaster/server/api"
	"github.com/GoCodeAlone/dungeonmaster/server/ws"
)

const defaultForwardInterval = time.Second

// Server is the dungeonmaster HTTP server.
type Server struct {
	cfg     config.Config
	orch    *orchestrator.Orchestrator
	archive api.MessageArchive
	hub     *ws.Hub
	limiter *clientLimiter
	logger  *slog.Logger

	routesOnce sync.Once
	handler    http.Handler
	httpSrv    *http.Server
	baseCtx    context.Context
	cancelBase context.CancelFunc

	// JWT secret caching
	secretOnce      sync.Once
	generatedSecret string

	startTime time.Time
	version   string
}

// New creates a Server exposing orch. Forwarded agent events are streamed to
// SSE clients.
func New(cfg config.Config, orch *orchestrator.Orchestrator, ver string, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		cfg:       cfg,
		orch:      orch,
		hub:       ws.NewHub(logger),
		logger:    logger,
		startTime: time.Now(),
		version:   ver,
	}
	addr := cfg.Server.Addr
	if addr == "" {
		addr = ":9090"
	}
	// Request contexts end on Stop so open SSE streams do not hold up Shutdown.
	s.baseCtx, s.cancelBase = context.WithCancel(context.Background())
	s.httpSrv = &http.Server{
		Addr:              addr,
		Handler:           http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { s.Handler().ServeHTTP(w, r) }),
		ReadHeaderTimeout: 15 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return s.baseCtx },
	}
	if cfg.Server.RateLimit > 0 {
		s.limiter = newClientLimiter(cfg.Server.RateLimit, cfg.Server.RateBurst)
	}
	orch.RegisterEventHandler(orchestrator.AllEvents, func(_ context.Context, msg comms.Message) {
		s.hub.Broadcast(ws.AgentEvent(msg))
	})
	return s
}

// SetArchive attaches a message archive for GET /api/messages?source=archive.
// Call before Handler or Start.
func (s *Server) SetArchive(a api.MessageArchive) {
	s.archive = a
}

// Hub returns the SSE hub.
func (s *Server) Hub() *ws.Hub { return s.hub }

// Handler returns the server's root handler, registering routes on first use.
func (s *Server) Handler() http.Handler {
	s.routesOnce.Do(s.registerRoutes)
	return s.handler
}

// ForwardEvents pushes agent events recorded since the last call to SSE
// clients and returns how many were forwarded.
func (s *Server) ForwardEvents(ctx context.Context) int {
	return s.orch.CheckAndForwardEvents(ctx, comms.DefaultHistoryLimit)
}

// Start begins listening and blocks until the server stops. Background event
// forwarding runs until ctx ends.
func (s *Server) Start(ctx context.Context) error {
	go s.runBackground(ctx)

	s.logger.Info("server listening", slog.String("addr", s.httpSrv.Addr))
	if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Stop gracefully shuts down the HTTP server.
func (s *Server) Stop(ctx context.Context) error {
	s.cancelBase()
	return s.httpSrv.Shutdown(ctx)
}

func (s *Server) runBackground(ctx context.Context) {
	interval := s.cfg.Server.ForwardInterval
	if interval <= 0 {
		interval = defaultForwardInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	lastSweep := time.Now()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			if n := s.ForwardEvents(ctx); n > 0 {
				s.logger.Debug("forwarded events", slog.Int("count", n), slog.Int("clients", s.hub.Clients()))
			}
			if s.limiter != nil && now.Sub(lastSweep) >= time.Minute {
				s.limiter.sweep(now, clientIdle)
				lastSweep = now
			}
		}
	}
}

// registerRoutes sets up all HTTP routes.
func (s *Server) registerRoutes() {
	h := &api.Handlers{
		Orch:    s.orch,
		Archive: s.archive,
		Logger:  s.logger,
		Version: s.version,
		StartAt: s.startTime,
	}
	mux := http.NewServeMux()

	// Public routes (no auth required)
	mux.HandleFunc("POST /api/auth/login", s.handleLogin)
	mux.HandleFunc("GET /api/status", h.StatusHandler())

	// SSE accepts the token as a query parameter because EventSource can't set headers
	mux.HandleFunc("GET /events", s.handleSSE)

	// Protected API, wrapped in auth middleware
	apiMux := http.NewServeMux()
	h.RegisterRoutes(apiMux)
	apiMux.HandleFunc("GET /api/auth/me", s.handleMe)
	mux.Handle("/api/", s.authMiddleware(apiMux))

	var handler http.Handler = mux
	if s.limiter != nil {
		handler = s.limiter.middleware(handler)
	}
	s.handler = otelhttp.NewHandler(handler, "dmd.http",
		otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
			return r.Method + " " + r.URL.Path
		}),
	)
}

// writeJSON encodes v as JSON and writes it with the given status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeJSONError writes a JSON error response.
func writeJSONError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// handleSSE authenticates the stream and hands it to the hub.
func (s *Server) handleSSE(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	if token == "" {
		token = strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	}
	if _, err := verifyJWT(s.jwtSecret(), token); err != nil {
		writeJSONError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	s.hub.ServeSSE(w, r)
}
