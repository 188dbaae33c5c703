// Package httpapi exposes the device-local control surface: status and
// progress reads, manual sync triggers, conflict resolution, and a
// websocket mirror of the engine's event stream.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"

	"github.com/dukapos/dukasync/internal/models"
	"github.com/dukapos/dukasync/internal/netgate"
	"github.com/dukapos/dukasync/internal/outbox"
	syncpkg "github.com/dukapos/dukasync/internal/sync"
)

// Handler serves the local sync API
type Handler struct {
	engine    *syncpkg.Engine
	queue     *outbox.Queue
	conflicts *syncpkg.Conflicts
	probe     *netgate.Probe
	log       zerolog.Logger
}

// New creates a Handler. probe may be nil when no health probe is running.
func New(engine *syncpkg.Engine, queue *outbox.Queue, conflicts *syncpkg.Conflicts, probe *netgate.Probe, log zerolog.Logger) *Handler {
	return &Handler{
		engine:    engine,
		queue:     queue,
		conflicts: conflicts,
		probe:     probe,
		log:       log.With().Str("component", "httpapi").Logger(),
	}
}

// RegisterRoutes registers all sync API routes
func (h *Handler) RegisterRoutes(r *mux.Router) {
	r.HandleFunc("/api/sync/status", h.GetStatus).Methods("GET")
	r.HandleFunc("/api/sync/progress", h.GetProgress).Methods("GET")
	r.HandleFunc("/api/sync/queue/stats", h.GetQueueStats).Methods("GET")
	r.HandleFunc("/api/sync/trigger", h.TriggerSync).Methods("POST")
	r.HandleFunc("/api/sync/force", h.ForceSync).Methods("POST")
	r.HandleFunc("/api/sync/conflicts", h.ListConflicts).Methods("GET")
	r.HandleFunc("/api/sync/conflicts/{id}/resolve", h.ResolveConflict).Methods("POST")
	r.HandleFunc("/api/sync/events", h.Events).Methods("GET")
}

// statusResponse is the aggregate snapshot for GET /api/sync/status
type statusResponse struct {
	State        syncpkg.State     `json:"state"`
	Online       bool              `json:"online"`
	Metadata     *models.SyncState `json:"metadata"`
	PendingCount int               `json:"pendingCount"`
	Probe        *netgate.Status   `json:"probe,omitempty"`
}

// GetStatus returns the engine state, network state and persisted metadata
func (h *Handler) GetStatus(w http.ResponseWriter, r *http.Request) {
	meta, err := h.engine.Metadata()
	if err != nil {
		h.writeError(w, http.StatusInternalServerError, err)
		return
	}
	resp := statusResponse{
		State:        h.engine.State(),
		Metadata:     meta,
		PendingCount: h.queue.PendingCount(),
	}
	if h.probe != nil {
		snap := h.probe.Snapshot()
		resp.Probe = &snap
		resp.Online = snap.Online
	}
	h.writeJSON(w, http.StatusOK, resp)
}

// GetProgress returns the current round progress snapshot
func (h *Handler) GetProgress(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, h.engine.Progress())
}

// GetQueueStats returns the outbox statistics
func (h *Handler) GetQueueStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.queue.Stats()
	if err != nil {
		h.writeError(w, http.StatusInternalServerError, err)
		return
	}
	h.writeJSON(w, http.StatusOK, stats)
}

// TriggerSync starts a SyncAll round
func (h *Handler) TriggerSync(w http.ResponseWriter, r *http.Request) {
	res, err := h.engine.SyncAll(r.Context(), syncpkg.Options{})
	if err != nil {
		h.writeSyncError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, res)
}

// ForceSync starts a full resync from the epoch
func (h *Handler) ForceSync(w http.ResponseWriter, r *http.Request) {
	res, err := h.engine.ForceSync(r.Context(), syncpkg.Options{})
	if err != nil {
		h.writeSyncError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, res)
}

// ListConflicts returns stored conflicts; ?status=pending filters
func (h *Handler) ListConflicts(w http.ResponseWriter, r *http.Request) {
	status := models.ConflictStatus(r.URL.Query().Get("status"))
	list, err := h.conflicts.List(status)
	if err != nil {
		h.writeError(w, http.StatusInternalServerError, err)
		return
	}
	h.writeJSON(w, http.StatusOK, list)
}

// resolveRequest is the body of POST /api/sync/conflicts/{id}/resolve
type resolveRequest struct {
	Strategy   models.ResolutionStrategy `json:"strategy"`
	MergedData json.RawMessage           `json:"mergedData,omitempty"`
	ResolvedBy string                    `json:"resolvedBy,omitempty"`
}

// ResolveConflict applies a resolution decision to a stored conflict
func (h *Handler) ResolveConflict(w http.ResponseWriter, r *http.Request) {
	conflictID := mux.Vars(r)["id"]

	var req resolveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, err)
		return
	}
	if req.ResolvedBy == "" {
		req.ResolvedBy = "api"
	}

	err := h.conflicts.Resolve(conflictID, req.Strategy, req.MergedData, req.ResolvedBy)
	switch {
	case err == nil:
		h.writeJSON(w, http.StatusOK, map[string]string{"status": "resolved"})
	case errors.Is(err, syncpkg.ErrConflictNotFound):
		h.writeError(w, http.StatusNotFound, err)
	case errors.Is(err, syncpkg.ErrConflictResolved),
		errors.Is(err, syncpkg.ErrMergeDataRequired):
		h.writeError(w, http.StatusConflict, err)
	default:
		h.writeError(w, http.StatusInternalServerError, err)
	}
}

// writeSyncError maps engine precondition errors to HTTP statuses
func (h *Handler) writeSyncError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, syncpkg.ErrSyncInProgress):
		h.writeError(w, http.StatusConflict, err)
	case errors.Is(err, syncpkg.ErrOffline), errors.Is(err, syncpkg.ErrPaused):
		h.writeError(w, http.StatusServiceUnavailable, err)
	case errors.Is(err, context.Canceled):
		h.writeError(w, http.StatusRequestTimeout, err)
	default:
		h.writeError(w, http.StatusBadGateway, err)
	}
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.log.Error().Err(err).Msg("failed to encode response")
	}
}

func (h *Handler) writeError(w http.ResponseWriter, status int, err error) {
	h.writeJSON(w, status, map[string]string{"error": err.Error()})
}
