package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"
	"github.com/zrolabs/zrocontrol/internal/discovery"
	"github.com/zrolabs/zrocontrol/internal/ecp"
	"github.com/zrolabs/zrocontrol/internal/probe"
	"github.com/zrolabs/zrocontrol/internal/tracking"
)

// Config holds the API server configuration.
type Config struct {
	ListenAddr     string
	CommandTimeout time.Duration
	RecentLimit    int
}

// Server is the control-surface HTTP server: device listing, remote
// commands, and per-user watch data.
type Server struct {
	config   Config
	cache    *discovery.Cache
	pool     *ecp.Pool
	prober   *probe.Prober
	engine   *tracking.Engine
	poller   *tracking.Poller
	views    *tracking.Views
	ranker   *tracking.Ranker
	server   *http.Server
	router   *mux.Router
	listener net.Listener
	logger   zerolog.Logger
}

// NewServer creates the API server and wires its routes.
func NewServer(cfg Config, cache *discovery.Cache, pool *ecp.Pool, prober *probe.Prober, engine *tracking.Engine, poller *tracking.Poller, views *tracking.Views, ranker *tracking.Ranker, logger zerolog.Logger) *Server {
	if cfg.CommandTimeout <= 0 {
		cfg.CommandTimeout = 3 * time.Second
	}
	if cfg.RecentLimit <= 0 {
		cfg.RecentLimit = tracking.DefaultRecentLimit
	}

	router := mux.NewRouter()

	s := &Server{
		config: cfg,
		cache:  cache,
		pool:   pool,
		prober: prober,
		engine: engine,
		poller: poller,
		views:  views,
		ranker: ranker,
		router: router,
		logger: logger.With().Str("component", "api").Logger(),
	}

	s.setupRoutes()

	s.server = &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return s
}

// setupRoutes configures all HTTP routes.
func (s *Server) setupRoutes() {
	s.router.Use(LoggingMiddleware(s.logger))
	s.router.Use(BrowserIDMiddleware())

	s.router.HandleFunc("/health", s.handleHealth).Methods("GET")

	s.router.HandleFunc("/api/devices", s.handleListDevices).Methods("GET")
	s.router.HandleFunc("/api/devices/{ip}/info", s.handleDeviceInfo).Methods("GET")
	s.router.HandleFunc("/api/devices/{ip}/icon", s.handleDeviceIcon).Methods("GET")
	s.router.HandleFunc("/api/devices/{ip}/reachable", s.handleReachable).Methods("GET")

	s.router.HandleFunc("/api/devices/{ip}/apps", s.handleApps).Methods("GET")
	s.router.HandleFunc("/api/devices/{ip}/apps/{appID}/icon", s.handleAppIcon).Methods("GET")
	s.router.HandleFunc("/api/devices/{ip}/active-app", s.handleActiveApp).Methods("GET")

	s.router.HandleFunc("/api/devices/{ip}/keypress/{key}", s.handleKeypress).Methods("POST")
	s.router.HandleFunc("/api/devices/{ip}/keydown/{key}", s.handleKeydown).Methods("POST")
	s.router.HandleFunc("/api/devices/{ip}/keyup/{key}", s.handleKeyup).Methods("POST")
	s.router.HandleFunc("/api/devices/{ip}/launch/{appID}", s.handleLaunch).Methods("POST")

	s.router.HandleFunc("/api/devices/{ip}/track", s.handleTrack).Methods("POST")
	s.router.HandleFunc("/api/devices/{ip}/untrack", s.handleUntrack).Methods("POST")
	s.router.HandleFunc("/api/devices/{ip}/user", s.handleUserData).Methods("GET")
	s.router.HandleFunc("/api/devices/{ip}/recent", s.handleRecent).Methods("GET")
}

// SetListener makes Start serve on a pre-bound listener, used for
// systemd socket activation.
func (s *Server) SetListener(ln net.Listener) {
	s.listener = ln
}

// Start starts the API server in the background.
func (s *Server) Start() error {
	s.logger.Info().Str("addr", s.config.ListenAddr).Msg("Starting API server")

	go func() {
		var err error
		if s.listener != nil {
			err = s.server.Serve(s.listener)
		} else {
			err = s.server.ListenAndServe()
		}
		if err != nil && err != http.ErrServerClosed {
			s.logger.Error().Err(err).Msg("API server error")
		}
	}()

	return nil
}

// Stop gracefully stops the API server.
func (s *Server) Stop() error {
	s.logger.Info().Msg("Stopping API server")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("api server shutdown: %w", err)
	}
	return nil
}

// ErrorResponse represents an API error response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
	Code    int    `json:"code"`
}

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(data); err != nil {
		http.Error(w, `{"error":"Internal Server Error","message":"Failed to encode response"}`, http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_, _ = w.Write(buf.Bytes())
}

// writeError writes an error response.
func writeError(w http.ResponseWriter, statusCode int, message string) {
	writeJSON(w, statusCode, ErrorResponse{
		Error:   http.StatusText(statusCode),
		Message: message,
		Code:    statusCode,
	})
}
