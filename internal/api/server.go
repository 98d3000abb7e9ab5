// Package api provides the read-mostly operations HTTP server: checkpoint
// inspection, dead letter queue status, breaker state and metrics.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/lucianoaf8/gmail-assistant-sub002/internal/checkpoint"
	"github.com/lucianoaf8/gmail-assistant-sub002/internal/circuitbreaker"
	"github.com/lucianoaf8/gmail-assistant-sub002/internal/models"
)

// DeadLetterStore is the queue surface the server exposes. Satisfied by
// deadletter.Queue.
type DeadLetterStore interface {
	GetStats(ctx context.Context) (*models.DeadLetterStats, error)
	GetExhausted(ctx context.Context, limit int) ([]*models.DeadLetterItem, error)
	GetByMessageID(ctx context.Context, messageID string) ([]*models.DeadLetterItem, error)
	MarkResolved(ctx context.Context, id int64, reason string) error
	ResetForRetry(ctx context.Context, id int64) (bool, error)
}

// SyncStateReader lists per-source watermarks. Satisfied by
// history.SyncStateManager.
type SyncStateReader interface {
	ListSources(ctx context.Context) ([]*models.SyncStateRecord, error)
}

// Server represents the operations HTTP server.
type Server struct {
	router      *mux.Router
	httpServer  *http.Server
	checkpoints *checkpoint.Manager
	deadLetters DeadLetterStore
	breakers    *circuitbreaker.Manager
	states      SyncStateReader
	logger      zerolog.Logger
}

// ServerConfig holds server configuration.
type ServerConfig struct {
	Host            string
	Port            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration
}

// NewServer creates a new operations server instance.
func NewServer(
	config *ServerConfig,
	checkpoints *checkpoint.Manager,
	deadLetters DeadLetterStore,
	breakers *circuitbreaker.Manager,
	states SyncStateReader,
	logger zerolog.Logger,
) *Server {
	s := &Server{
		router:      mux.NewRouter(),
		checkpoints: checkpoints,
		deadLetters: deadLetters,
		breakers:    breakers,
		states:      states,
		logger:      logger.With().Str("component", "api").Logger(),
	}

	s.setupRouter(config)

	return s
}

// setupRouter configures the router with middleware and routes
func (s *Server) setupRouter(config *ServerConfig) {
	s.router.Use(s.loggingMiddleware)
	s.router.Use(s.recoveryMiddleware)

	s.setupRoutes()

	readTimeout := config.ReadTimeout
	if readTimeout == 0 {
		readTimeout = 15 * time.Second
	}
	writeTimeout := config.WriteTimeout
	if writeTimeout == 0 {
		writeTimeout = 15 * time.Second
	}
	idleTimeout := config.IdleTimeout
	if idleTimeout == 0 {
		idleTimeout = 60 * time.Second
	}

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf("%s:%s", config.Host, config.Port),
		Handler:      s.router,
		ReadTimeout:  readTimeout,
		WriteTimeout: writeTimeout,
		IdleTimeout:  idleTimeout,
	}
}

// setupRoutes configures all routes.
func (s *Server) setupRoutes() {
	s.router.HandleFunc("/health", s.handleHealth).Methods("GET")
	s.router.Handle("/metrics", promhttp.Handler()).Methods("GET")

	api := s.router.PathPrefix("/api").Subrouter()

	api.HandleFunc("/checkpoints", s.handleListCheckpoints).Methods("GET")
	api.HandleFunc("/checkpoints/{sync_id}", s.handleGetCheckpoint).Methods("GET")
	api.HandleFunc("/checkpoints/{sync_id}/resume", s.handleGetResumeInfo).Methods("GET")

	api.HandleFunc("/deadletters/stats", s.handleDeadLetterStats).Methods("GET")
	api.HandleFunc("/deadletters/exhausted", s.handleDeadLetterExhausted).Methods("GET")
	api.HandleFunc("/deadletters/message/{message_id}", s.handleDeadLetterByMessage).Methods("GET")
	api.HandleFunc("/deadletters/{id}/resolve", s.handleResolveDeadLetter).Methods("POST")
	api.HandleFunc("/deadletters/{id}/reset", s.handleResetDeadLetter).Methods("POST")

	api.HandleFunc("/breakers", s.handleBreakerStats).Methods("GET")
	api.HandleFunc("/breakers/reset", s.handleResetBreakers).Methods("POST")

	api.HandleFunc("/sync/state", s.handleSyncState).Methods("GET")
}

// handleHealth handles health check requests.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{
		"status":  "healthy",
		"service": "mail-sync",
	})
}

// Router exposes the configured handler, mainly for tests.
func (s *Server) Router() http.Handler {
	return s.router
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	s.logger.Info().Str("addr", s.httpServer.Addr).Msg("starting operations server")
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info().Msg("shutting down operations server")
	return s.httpServer.Shutdown(ctx)
}

// ErrorResponse represents an API error response.
type ErrorResponse struct {
	Error apiError `json:"error"`
}

type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Common error codes
const (
	ErrCodeInvalidInput  = "INVALID_INPUT"
	ErrCodeNotFound      = "NOT_FOUND"
	ErrCodeConflict      = "CONFLICT"
	ErrCodeInternalError = "INTERNAL_ERROR"
)

// respondError sends an error response.
func respondError(w http.ResponseWriter, statusCode int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	json.NewEncoder(w).Encode(ErrorResponse{Error: apiError{Code: code, Message: message}})
}

// respondJSON sends a JSON response.
func respondJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	if data != nil {
		json.NewEncoder(w).Encode(data)
	}
}
