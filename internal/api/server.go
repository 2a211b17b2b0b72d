// Package api provides HTTP API functionality for the go-wattdog service.
package api

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/resident-x/go-wattdog/internal/config"
	"github.com/resident-x/go-wattdog/internal/domain"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Controller is the slice of the device session the API exposes.
type Controller interface {
	Status() map[string]interface{}
	Snapshot() domain.Snapshot
	MonitoringEnabled() bool
	SetMonitoringEnabled(ctx context.Context, enabled bool)
	SubmitCommand(ctx context.Context, cmd domain.Command) error
}

// Server represents the HTTP API server that provides monitoring and management functionality.
type Server struct {
	config     *config.Config
	server     *http.Server
	router     *mux.Router
	controller Controller
	logger     zerolog.Logger
	startTime  time.Time
}

// NewServer creates a new HTTP API server.
func NewServer(cfg *config.Config, controller Controller) *Server {
	router := mux.NewRouter()

	// Create logger with API component context
	logger := log.With().Str("component", "api").Logger()

	// Create API server instance
	apiServer := &Server{
		config:     cfg,
		router:     router,
		controller: controller,
		logger:     logger,
		startTime:  time.Now(),
	}

	// Set up API routes
	apiServer.setupRoutes()

	return apiServer
}

// setupRoutes configures all API endpoint handlers.
func (s *Server) setupRoutes() {
	// API versioning
	api := s.router.PathPrefix("/api/v1").Subrouter()

	// Session status endpoint
	api.HandleFunc("/status", s.handleStatus).Methods("GET")

	// Latest readings
	api.HandleFunc("/snapshot", s.handleSnapshot).Methods("GET")

	// Monitoring toggle
	api.HandleFunc("/monitoring", s.handleGetMonitoring).Methods("GET")
	api.HandleFunc("/monitoring", s.handleSetMonitoring).Methods("PUT")

	// Device commands
	api.HandleFunc("/command", s.handleCommand).Methods("POST")
}

// Handler returns the HTTP handler, used by tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start begins listening for HTTP requests.
func (s *Server) Start(_ context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.config.API.Host, s.config.API.Port)

	// Create HTTP server
	s.server = &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Start HTTP server in a goroutine
	go func() {
		s.logger.Info().
			Str("host", s.config.API.Host).
			Int("port", s.config.API.Port).
			Msg("Starting HTTP API server")

		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error().Err(err).Msg("HTTP server error")
		}
	}()

	return nil
}

// Stop gracefully shuts down the HTTP server.
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info().Msg("Stopping HTTP API server")

	// Create a timeout context for shutdown
	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if s.server != nil {
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("HTTP server shutdown error: %w", err)
		}
	}

	return nil
}

// handleStatus returns session status information.
func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	status := s.controller.Status()
	status["status"] = "ok"
	status["uptime"] = time.Since(s.startTime).String()

	s.writeJSON(w, status, http.StatusOK)
}

// handleSnapshot returns the latest decoded readings.
func (s *Server) handleSnapshot(w http.ResponseWriter, _ *http.Request) {
	snapshot := s.controller.Snapshot()
	s.writeJSON(w, snapshot, http.StatusOK)
}

// handleGetMonitoring returns the current monitoring state.
func (s *Server) handleGetMonitoring(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, map[string]bool{"enabled": s.controller.MonitoringEnabled()}, http.StatusOK)
}

// handleSetMonitoring enables or disables monitoring.
func (s *Server) handleSetMonitoring(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Enabled *bool `json:"enabled"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Enabled == nil {
		s.writeError(w, "Request body must be {\"enabled\": true|false}", http.StatusBadRequest)
		return
	}

	s.controller.SetMonitoringEnabled(r.Context(), *body.Enabled)
	s.writeJSON(w, map[string]bool{"enabled": s.controller.MonitoringEnabled()}, http.StatusOK)
}

// handleCommand queues a device-directed write and waits for completion.
func (s *Server) handleCommand(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Characteristic string `json:"characteristic,omitempty"`
		Payload        string `json:"payload"`
		WithResponse   bool   `json:"with_response"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		s.writeError(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	payload, err := hex.DecodeString(body.Payload)
	if err != nil {
		s.writeError(w, "Payload must be a hex string", http.StatusBadRequest)
		return
	}
	if len(payload) == 0 {
		s.writeError(w, "Payload must not be empty", http.StatusBadRequest)
		return
	}

	cmd := domain.Command{
		Characteristic: body.Characteristic,
		Payload:        payload,
		WithResponse:   body.WithResponse,
	}

	if err := s.controller.SubmitCommand(r.Context(), cmd); err != nil {
		s.logger.Error().Err(err).Msg("Command execution failed")
		s.writeError(w, fmt.Sprintf("Command failed: %v", err), http.StatusBadGateway)
		return
	}

	s.writeJSON(w, map[string]string{"result": "ok"}, http.StatusOK)
}

// writeJSON writes a JSON response.
func (s *Server) writeJSON(w http.ResponseWriter, data interface{}, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.Error().Err(err).Msg("Failed to encode JSON response")
	}
}

// writeError writes an error response.
func (s *Server) writeError(w http.ResponseWriter, message string, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	errorResponse := map[string]string{"error": message}
	if err := json.NewEncoder(w).Encode(errorResponse); err != nil {
		s.logger.Error().Err(err).Msg("Failed to encode error response")
	}
}
