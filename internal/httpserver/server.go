// Package httpserver exposes the agent's local debug and provisioning
// surface: health and readiness probes, build info, event counters, a call
// state snapshot, and the ICE server list with TURN REST credentials minted
// per request.
package httpserver

import (
	"context"
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/openbook-social/calling/internal/call"
	"github.com/openbook-social/calling/internal/config"
	"github.com/openbook-social/calling/internal/metrics"
	"github.com/openbook-social/calling/internal/turnrest"
)

var ErrServerClosed = http.ErrServerClosed

type BuildInfo struct {
	Commit    string `json:"commit"`
	BuildTime string `json:"buildTime"`
}

// Snapshotter reports the current call state for /debug/call.
type Snapshotter interface {
	Snapshot() call.Snapshot
}

type ServerConfig struct {
	Config config.Config
	Logger *slog.Logger
	Build  BuildInfo

	Metrics    *metrics.Metrics
	Controller Snapshotter

	// TURNREST mints ephemeral credentials for /webrtc/ice responses. Nil
	// when TURN REST is disabled; static credentials pass through untouched.
	TURNREST *turnrest.Generator

	// SignalingReady reports whether the signaling transport is connected.
	// Nil means the probe only reflects the HTTP server's own lifecycle.
	SignalingReady func() bool
}

type Server struct {
	log   *slog.Logger
	cfg   config.Config
	build BuildInfo

	metrics        *metrics.Metrics
	controller     Snapshotter
	turnrest       *turnrest.Generator
	signalingReady func() bool

	ready atomic.Bool

	router chi.Router
	srv    *http.Server
}

func New(cfg ServerConfig) *Server {
	s := &Server{
		log:            cfg.Logger,
		cfg:            cfg.Config,
		build:          cfg.Build,
		metrics:        cfg.Metrics,
		controller:     cfg.Controller,
		turnrest:       cfg.TURNREST,
		signalingReady: cfg.SignalingReady,
		router:         chi.NewRouter(),
	}

	s.router.Use(middleware.RequestID)
	s.router.Use(requestLoggerMiddleware(s.log))
	s.router.Use(middleware.Recoverer)

	s.registerRoutes()

	s.srv = &http.Server{
		Addr:              cfg.Config.ListenAddr,
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	return s
}

// Router returns the underlying router for registering additional routes.
// It must only be used during startup before Serve is called.
func (s *Server) Router() chi.Router {
	return s.router
}

func (s *Server) Serve(l net.Listener) error {
	s.ready.Store(true)
	s.log.Info("http server serving", "addr", l.Addr().String())
	return s.srv.Serve(l)
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.ready.Store(false)
	return s.srv.Shutdown(ctx)
}

func (s *Server) Close() error {
	s.ready.Store(false)
	return s.srv.Close()
}

func (s *Server) registerRoutes() {
	s.router.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		WriteJSON(w, http.StatusOK, map[string]any{"ok": true})
	})

	s.router.Get("/readyz", s.handleReadyz)
	s.router.Get("/version", func(w http.ResponseWriter, r *http.Request) {
		WriteJSON(w, http.StatusOK, s.build)
	})

	s.router.Method(http.MethodGet, "/metrics", metrics.PrometheusHandler(s.metrics))

	s.router.Get("/debug/call", s.handleDebugCall)
	s.router.Get("/webrtc/ice", s.handleICEServers)
}

func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	if !s.ready.Load() {
		WriteJSON(w, http.StatusServiceUnavailable, map[string]any{"ready": false})
		return
	}
	if s.signalingReady != nil && !s.signalingReady() {
		WriteJSON(w, http.StatusServiceUnavailable, map[string]any{"ready": false, "error": "signaling transport not connected"})
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{"ready": true})
}

func (s *Server) handleDebugCall(w http.ResponseWriter, r *http.Request) {
	if s.controller == nil {
		WriteJSON(w, http.StatusServiceUnavailable, map[string]any{"error": "no call controller"})
		return
	}
	WriteJSON(w, http.StatusOK, s.controller.Snapshot())
}

func (s *Server) handleICEServers(w http.ResponseWriter, r *http.Request) {
	servers := s.cfg.PeerConnectionICEServers()

	resp := map[string]any{}
	if s.turnrest != nil {
		creds, err := s.turnrest.Generate(s.cfg.ClientID)
		if err != nil {
			s.log.Error("turn rest credential generation failed", "error", err)
			WriteJSON(w, http.StatusInternalServerError, map[string]any{"error": "credential generation failed"})
			return
		}
		servers = turnrest.ApplyToICEServers(servers, creds)
		resp["expiresAt"] = creds.ExpiryUnix
	}
	resp["iceServers"] = servers
	WriteJSON(w, http.StatusOK, resp)
}

// WriteJSON writes a JSON response body and sets the Content-Type header.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(true)
	_ = enc.Encode(v)
}

func requestLoggerMiddleware(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()

			next.ServeHTTP(ww, r)

			logger.Info("http_request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", ww.Status(),
				"duration_ms", time.Since(start).Milliseconds(),
				"remote_addr", r.RemoteAddr,
				"request_id", middleware.GetReqID(r.Context()),
			)
		})
	}
}
