package api

import (
	"net/http"

	"workspace-collab/internal/middleware"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"
)

// Routes carries the handlers mounted outside /api and the authenticator
// guarding everything under /api except /api/health
type Routes struct {
	WebSocket  http.HandlerFunc
	Metrics    http.Handler
	CORSOrigin string
	Auth       middleware.Authenticator
}

func SetupRoutes(h *Handler, routes Routes, log zerolog.Logger) *mux.Router {
	r := mux.NewRouter()

	// tracing first so recovered panics land on the request span
	r.Use(middleware.Tracing(log))
	r.Use(middleware.Recovery(log))
	r.Use(middleware.CORS(routes.CORSOrigin))

	api := r.PathPrefix("/api").Subrouter()
	api.HandleFunc("/health", h.Health).Methods("GET")

	protected := api.NewRoute().Subrouter()
	protected.Use(middleware.Auth(routes.Auth, log))

	protected.HandleFunc("/workspaces/{id}/presence", h.WorkspacePresence).Methods("GET")
	protected.HandleFunc("/workspaces/{id}/connections", h.WorkspaceConnections).Methods("GET")
	protected.HandleFunc("/workspaces/{id}/file-changes", h.BroadcastFileChange).Methods("POST", "OPTIONS")
	protected.HandleFunc("/presence/total", h.TotalActiveUsers).Methods("GET")

	if h.history != nil {
		protected.HandleFunc("/projects/{id}/history", h.ProjectHistory).Methods("GET")
		protected.HandleFunc("/users/{id}/activity", h.UserActivity).Methods("GET")
	}

	if routes.WebSocket != nil {
		r.HandleFunc("/ws", routes.WebSocket)
	}
	if routes.Metrics != nil {
		r.Handle("/metrics", routes.Metrics).Methods("GET")
	}

	return r
}
