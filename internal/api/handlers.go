package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"workspace-collab/internal/logger"
	"workspace-collab/internal/middleware"
	"workspace-collab/internal/models"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"
)

// Handler serves the REST side of the collaboration server
type Handler struct {
	gateway CollaborationGateway
	history HistoryService
	log     zerolog.Logger
}

func NewHandler(gateway CollaborationGateway, history HistoryService, log zerolog.Logger) *Handler {
	return &Handler{
		gateway: gateway,
		history: history,
		log:     log.With().Str("component", "api").Logger(),
	}
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":      "ok",
		"bus":         h.gateway.BusState().String(),
		"connections": h.gateway.ConnectionCount(),
	})
}

// Presence handlers

func (h *Handler) WorkspacePresence(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	writeJSON(w, http.StatusOK, h.gateway.WorkspacePresence(r.Context(), id))
}

func (h *Handler) WorkspaceConnections(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"workspaceId":    id,
		"connectedUsers": h.gateway.WorkspaceConnectedUsers(id),
	})
}

func (h *Handler) TotalActiveUsers(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]int{
		"totalActiveUsers": h.gateway.TotalActiveUsers(r.Context()),
	})
}

// BroadcastFileChange lets an authenticated caller push a change into a
// workspace on its own behalf
func (h *Handler) BroadcastFileChange(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	caller, ok := middleware.IdentityFromContext(r.Context())
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	var fc models.FileChange
	if err := json.NewDecoder(r.Body).Decode(&fc); err != nil {
		http.Error(w, "invalid JSON body", http.StatusBadRequest)
		return
	}
	// the acting user is whoever holds the token, never the body
	fc.UserID = caller.UserID

	if err := h.gateway.BroadcastFileChange(r.Context(), id, &fc); err != nil {
		if errors.Is(err, models.ErrInvalidPayload) {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		logger.WithTrace(r.Context(), h.log.Error()).Err(err).Str("workspace", id).Msg("broadcast failed")
		http.Error(w, "broadcast failed", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
}

// History handlers

func (h *Handler) ProjectHistory(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	page, limit := pagination(r)

	result, err := h.history.ProjectHistory(r.Context(), id, page, limit)
	if err != nil {
		logger.WithTrace(r.Context(), h.log.Error()).Err(err).Str("project", id).Msg("history query failed")
		http.Error(w, "failed to load history", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// UserActivity only serves the caller's own activity
func (h *Handler) UserActivity(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	caller, ok := middleware.IdentityFromContext(r.Context())
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}
	if caller.UserID != id {
		http.Error(w, "Forbidden", http.StatusForbidden)
		return
	}
	page, limit := pagination(r)

	result, err := h.history.UserActivity(r.Context(), id, page, limit)
	if err != nil {
		logger.WithTrace(r.Context(), h.log.Error()).Err(err).Str("user", id).Msg("activity query failed")
		http.Error(w, "failed to load activity", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// pagination reads page and limit; the repository clamps them
func pagination(r *http.Request) (int, int) {
	page, limit := 1, 0
	if v, err := strconv.Atoi(r.URL.Query().Get("page")); err == nil {
		page = v
	}
	if v, err := strconv.Atoi(r.URL.Query().Get("limit")); err == nil {
		limit = v
	}
	return page, limit
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
