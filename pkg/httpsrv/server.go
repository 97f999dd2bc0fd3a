package httpsrv

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"

	"shopcall-server/pkg/bridge"
	"shopcall-server/pkg/callrecord"
	"shopcall-server/pkg/config"
	"shopcall-server/pkg/conversation"
	"shopcall-server/pkg/correlation"
	"shopcall-server/pkg/messaging"
	"shopcall-server/pkg/metrics"
	"shopcall-server/pkg/observer"
	"shopcall-server/pkg/scoring"
	"shopcall-server/pkg/telephony"
	"shopcall-server/pkg/version"
)

// Server is the HTTP surface: the collaborator-facing session and scoring
// API plus the provider-facing webhook endpoints.
type Server struct {
	logger     *logrus.Logger
	config     *config.Config
	store      callrecord.Store
	gateway    telephony.Gateway
	controller *conversation.Controller
	hub        *observer.Hub
	media      *bridge.Bridge
	engine     *scoring.Engine
	publisher  *messaging.Publisher

	mux        *http.ServeMux
	handler    http.Handler
	httpServer *http.Server
	startTime  time.Time
}

// NewServer wires the HTTP server and registers all routes.
func NewServer(
	logger *logrus.Logger,
	cfg *config.Config,
	store callrecord.Store,
	gateway telephony.Gateway,
	controller *conversation.Controller,
	hub *observer.Hub,
	media *bridge.Bridge,
	engine *scoring.Engine,
	publisher *messaging.Publisher,
) *Server {
	s := &Server{
		logger:     logger,
		config:     cfg,
		store:      store,
		gateway:    gateway,
		controller: controller,
		hub:        hub,
		media:      media,
		engine:     engine,
		publisher:  publisher,
		mux:        http.NewServeMux(),
		startTime:  time.Now(),
	}

	s.mux.HandleFunc("/session", s.handleCreateSession)
	s.mux.HandleFunc("/sessions", s.handleListSessions)
	s.mux.HandleFunc("/session/", s.handleSessionSubtree)
	s.mux.HandleFunc("/score/", s.handleScore)
	s.mux.HandleFunc("/webhook/status", s.handleStatusWebhook)
	s.mux.HandleFunc("/webhook/recording", s.handleRecordingWebhook)
	s.mux.HandleFunc("/webhook/media", s.handleMediaTwiML)
	s.mux.HandleFunc("/webhook/media-stream", s.handleMediaStream)
	s.mux.HandleFunc("/health", s.handleHealth)

	if cfg.HTTP.EnableMetrics {
		metrics.RegisterHandler(s.mux)
		logger.Info("Prometheus metrics endpoint enabled at /metrics")
	}

	s.handler = correlation.Middleware(logger, s.mux)
	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.HTTP.Port),
		Handler:      s.handler,
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
	}

	return s
}

// Start begins serving in a goroutine.
func (s *Server) Start() {
	s.logger.WithField("port", s.config.HTTP.Port).Info("Starting HTTP server")
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.WithError(err).Error("HTTP server failed")
		}
	}()
}

// Shutdown gracefully stops the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("Shutting down HTTP server...")
	return s.httpServer.Shutdown(ctx)
}

// Handler exposes the full middleware chain, used by tests.
func (s *Server) Handler() http.Handler {
	return s.handler
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":       "ok",
		"version":      version.Version,
		"uptime":       time.Since(s.startTime).Round(time.Second).String(),
		"active_calls": s.controller.ActiveConversations(),
		"observers":    s.hub.ObserverCount(),
		"amqp_enabled": s.publisher != nil && s.publisher.Enabled(),
	})
}

func writeJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		logrus.WithError(err).Error("Failed to encode JSON response")
	}
}

func writeTwiML(w http.ResponseWriter, document string) {
	w.Header().Set("Content-Type", "text/xml")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(document))
}

func methodNotAllowed(w http.ResponseWriter) {
	writeJSON(w, http.StatusMethodNotAllowed, map[string]interface{}{
		"error": "method not allowed",
		"code":  http.StatusMethodNotAllowed,
	})
}
