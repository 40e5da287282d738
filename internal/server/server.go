// Package server exposes the attach state machine over HTTP: one uplink
// surface an external NAS codec/eNB-facing component calls into with
// already-decoded information elements (spec.md §1 scopes the wire codec
// itself out of this module), plus admin/ops endpoints for operators.
// Shaped after nf/nrf/internal/server/server.go's chi.Mux + middleware +
// Start/Stop lifecycle.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/your-org/lte-mme/common/metrics"
	"github.com/your-org/lte-mme/internal/config"
	"github.com/your-org/lte-mme/internal/emm/attach"
	"github.com/your-org/lte-mme/internal/emm/identifier"
)

// Server is the MME's uplink + admin HTTP surface.
type Server struct {
	cfg         config.SBIConfig
	machine     *attach.Machine
	identifiers *identifier.Index
	router      *chi.Mux
	httpServer  *http.Server
	logger      *zap.Logger
	startedAt   time.Time
}

// New builds a Server. machine and identifiers must not be nil.
func New(cfg config.SBIConfig, machine *attach.Machine, identifiers *identifier.Index, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		cfg:         cfg,
		machine:     machine,
		identifiers: identifiers,
		router:      chi.NewRouter(),
		logger:      logger,
		startedAt:   time.Now(),
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(s.loggingMiddleware)
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.Timeout(60 * time.Second))

	s.router.Get("/health", s.handleHealth)
	s.router.Get("/ready", s.handleReady)
	s.router.Get("/status", s.handleStatus)

	// Uplink EMM-SAP entry points: one per spec.md §4.4 message the access
	// layer hands up after NAS decode.
	s.router.Route("/emm/v1", func(r chi.Router) {
		r.Post("/attach-request", s.handleAttachRequest)
		r.Post("/attach-complete", s.handleAttachComplete)
		r.Post("/attach-reject-protocol-error", s.handleAttachRejectProtocolError)
		r.Post("/identity-response", s.handleIdentityResponse)
		r.Post("/authentication-response", s.handleAuthenticationResponse)
		r.Post("/authentication-failure", s.handleAuthenticationFailure)
		r.Post("/security-mode-complete", s.handleSecurityModeComplete)
		r.Post("/security-mode-reject", s.handleSecurityModeReject)
	})

	// Admin/ops surface.
	s.router.Route("/admin/v1", func(r chi.Router) {
		r.Get("/contexts", s.handleListContexts)
		r.Get("/contexts/{ranId}", s.handleGetContext)
	})
}

// Start runs the HTTP server until it exits or fails. It blocks, matching
// the teacher's Start(ctx) contract.
func (s *Server) Start(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.cfg.BindAddress, s.cfg.Port)

	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	s.logger.Info("starting uplink HTTP server", zap.String("address", addr))

	if s.cfg.TLS.Enabled {
		return s.httpServer.ListenAndServeTLS(s.cfg.TLS.CertFile, s.cfg.TLS.KeyFile)
	}
	return s.httpServer.ListenAndServe()
}

// Stop gracefully drains in-flight requests.
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info("stopping uplink HTTP server")
	if s.httpServer != nil {
		return s.httpServer.Shutdown(ctx)
	}
	return nil
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		duration := time.Since(start)
		s.logger.Info("http request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("duration", duration),
			zap.String("remote_addr", r.RemoteAddr),
			zap.String("request_id", middleware.GetReqID(r.Context())),
		)
		metrics.RecordHTTPRequest(r.Method, r.URL.Path, strconv.Itoa(ww.Status()), duration.Seconds())
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"uptime_seconds":  time.Since(s.startedAt).Seconds(),
		"active_contexts": s.identifiers.Len(),
	})
}

// respondJSON writes a real JSON response using encoding/json, matching
// the pattern the teacher's own handlers.go uses against request bodies
// (the sibling server.go's fmt.Fprintf("%+v", ...) stub is not imitated).
func (s *Server) respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.Warn("failed to encode json response", zap.Error(err))
	}
}

func (s *Server) respondError(w http.ResponseWriter, status int, message string, err error) {
	s.logger.Error(message, zap.Error(err))
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"status": status,
		"title":  message,
		"detail": err.Error(),
	})
}
