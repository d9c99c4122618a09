package api

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Server holds the configured router and its Handlers.
type Server struct {
	router   *mux.Router
	handlers *Handlers
}

// NewServer constructs a Server and wires its routes, grounded directly
// on orchestrator-go/internal/api/routes.go's NewServer/setupRoutes
// split.
func NewServer(h *Handlers) *Server {
	s := &Server{router: mux.NewRouter(), handlers: h}
	s.setupRoutes()
	return s
}

// Router returns the configured http.Handler for use with http.Server.
func (s *Server) Router() http.Handler {
	return s.router
}

func (s *Server) setupRoutes() {
	s.router.HandleFunc("/health", s.handlers.Health).Methods(http.MethodGet)
	s.router.HandleFunc("/healthz", s.handlers.Health).Methods(http.MethodGet)
	s.router.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	v1 := s.router.PathPrefix("/api/v1").Subrouter()

	v1.HandleFunc("/tasks", s.handlers.SubmitTask).Methods(http.MethodPost)
	v1.HandleFunc("/tasks/{id}", s.handlers.PollTask).Methods(http.MethodGet)
	v1.HandleFunc("/tasks/{id}/cancel", s.handlers.CancelTask).Methods(http.MethodPost)
	v1.HandleFunc("/tasks/{id}/events", s.handlers.StreamTask).Methods(http.MethodGet)

	v1.HandleFunc("/attachments", s.handlers.PresignAttachmentUpload).Methods(http.MethodPost)

	v1.HandleFunc("/network/stats", s.handlers.NetworkStats).Methods(http.MethodGet)
	v1.HandleFunc("/nodes/{id}/history", s.handlers.NodeHistory).Methods(http.MethodGet)

	// Worker-facing WebSocket endpoint: handshake + frame dispatch live in
	// internal/wsconn, mounted here so it shares the same listener as the
	// rest of the HTTP boundary.
	s.router.HandleFunc("/ws/worker", s.handlers.WorkerWebSocket)

	s.router.Use(s.handlers.RecoveryMiddleware)
	s.router.Use(s.handlers.LoggingMiddleware)
	s.router.Use(s.handlers.CORSMiddleware)
}
