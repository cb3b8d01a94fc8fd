package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/macconnolly/smart-meet-lite-sub002/internal/engine"
	"github.com/macconnolly/smart-meet-lite-sub002/internal/resolver"
	"github.com/macconnolly/smart-meet-lite-sub002/internal/storage"
	"github.com/macconnolly/smart-meet-lite-sub002/pkg/types"
)

// APIHandlers contains the HTTP handlers for the REST API.
type APIHandlers struct {
	store    storage.Store
	ingest   *engine.IngestionEngine
	query    *engine.QueryEngine
	resolver *resolver.Resolver
}

// NewAPIHandlers creates a new APIHandlers instance.
func NewAPIHandlers(store storage.Store, ingest *engine.IngestionEngine, query *engine.QueryEngine, res *resolver.Resolver) *APIHandlers {
	return &APIHandlers{
		store:    store,
		ingest:   ingest,
		query:    query,
		resolver: res,
	}
}

// PostIngest handles POST /api/ingest. Synchronous requests run the full
// extract-resolve-track batch and return its result; async requests hand
// the transcript to the worker queue and return 202.
func (h *APIHandlers) PostIngest(w http.ResponseWriter, r *http.Request) {
	var req IngestRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}
	if strings.TrimSpace(req.MeetingID) == "" {
		respondError(w, http.StatusBadRequest, "meeting_id is required", nil)
		return
	}
	if req.MeetingTime.IsZero() {
		req.MeetingTime = time.Now().UTC()
	}

	if req.Async {
		if !h.ingest.QueueMeeting(req.MeetingID, req.Transcript, req.MeetingTime) {
			respondError(w, http.StatusServiceUnavailable, "ingestion queue is full", nil)
			return
		}
		respondJSON(w, http.StatusAccepted, QueuedResponse{MeetingID: req.MeetingID, Queued: true})
		return
	}

	result, err := h.ingest.IngestMeeting(r.Context(), req.MeetingID, req.Transcript, req.MeetingTime)
	if err != nil {
		if errors.Is(err, storage.ErrInvalidInput) {
			respondError(w, http.StatusBadRequest, "invalid ingest request", err)
			return
		}
		respondError(w, http.StatusInternalServerError, "ingestion failed", err)
		return
	}
	respondJSON(w, http.StatusOK, result)
}

// PostQuery handles POST /api/query.
func (h *APIHandlers) PostQuery(w http.ResponseWriter, r *http.Request) {
	var req types.QueryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}

	result, err := h.query.Query(r.Context(), req)
	if err != nil {
		if errors.Is(err, storage.ErrInvalidInput) {
			respondError(w, http.StatusBadRequest, "invalid query", err)
			return
		}
		respondError(w, http.StatusInternalServerError, "query failed", err)
		return
	}
	respondJSON(w, http.StatusOK, result)
}

// ListEntities handles GET /api/entities with optional type filtering and
// pagination.
func (h *APIHandlers) ListEntities(w http.ResponseWriter, r *http.Request) {
	opts := storage.ListOptions{
		Type:          types.EntityType(r.URL.Query().Get("type")),
		Limit:         parseInt(r.URL.Query().Get("limit"), 100),
		Offset:        parseInt(r.URL.Query().Get("offset"), 0),
		IncludeMerged: r.URL.Query().Get("include_merged") == "true",
	}

	entities, err := h.store.ListEntities(r.Context(), opts)
	if err != nil {
		if errors.Is(err, storage.ErrInvalidInput) {
			respondError(w, http.StatusBadRequest, "invalid listing options", err)
			return
		}
		respondError(w, http.StatusInternalServerError, "failed to list entities", err)
		return
	}
	respondJSON(w, http.StatusOK, EntityListResponse{Entities: entities, Count: len(entities)})
}

// GetEntity handles GET /api/entities/{id}. The response joins the entity
// record with its cached state when one exists.
func (h *APIHandlers) GetEntity(w http.ResponseWriter, r *http.Request) {
	id := extractID(r, "id")
	if id == "" {
		respondError(w, http.StatusBadRequest, "entity ID is required", nil)
		return
	}

	entity, err := h.store.GetEntity(r.Context(), id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			respondError(w, http.StatusNotFound, "entity not found", err)
			return
		}
		respondError(w, http.StatusInternalServerError, "failed to load entity", err)
		return
	}

	resp := EntityDetailResponse{Entity: entity}
	state, err := h.store.GetState(r.Context(), id)
	if err == nil {
		resp.State = state
	} else if !errors.Is(err, storage.ErrNotFound) {
		respondError(w, http.StatusInternalServerError, "failed to load state", err)
		return
	}
	respondJSON(w, http.StatusOK, resp)
}

// GetEntityTransitions handles GET /api/entities/{id}/transitions. The
// optional since query parameter (RFC 3339) filters out older records.
func (h *APIHandlers) GetEntityTransitions(w http.ResponseWriter, r *http.Request) {
	id := extractID(r, "id")
	if id == "" {
		respondError(w, http.StatusBadRequest, "entity ID is required", nil)
		return
	}

	var since time.Time
	if raw := r.URL.Query().Get("since"); raw != "" {
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			respondError(w, http.StatusBadRequest, "since must be RFC 3339", err)
			return
		}
		since = parsed
	}

	// A 404 for unknown entities beats an empty history.
	if _, err := h.store.GetEntity(r.Context(), id); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			respondError(w, http.StatusNotFound, "entity not found", err)
			return
		}
		respondError(w, http.StatusInternalServerError, "failed to load entity", err)
		return
	}

	transitions, err := h.store.ListTransitions(r.Context(), id, since)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to list transitions", err)
		return
	}
	respondJSON(w, http.StatusOK, TransitionListResponse{
		EntityID:    id,
		Transitions: transitions,
		Count:       len(transitions),
	})
}

// MergeEntities handles POST /api/entities/merge, the administrative merge
// of two records for the same real-world entity.
func (h *APIHandlers) MergeEntities(w http.ResponseWriter, r *http.Request) {
	var req MergeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}

	result, err := h.resolver.Merge(r.Context(), h.store, req.WinnerID, req.LoserID)
	if err != nil {
		switch {
		case errors.Is(err, storage.ErrNotFound):
			respondError(w, http.StatusNotFound, "entity not found", err)
		case errors.Is(err, storage.ErrInvalidInput):
			respondError(w, http.StatusBadRequest, "invalid merge request", err)
		default:
			respondError(w, http.StatusInternalServerError, "merge failed", err)
		}
		return
	}
	respondJSON(w, http.StatusOK, result)
}

// extractID extracts a path parameter from the request using Go 1.22+ path parameters.
func extractID(r *http.Request, key string) string {
	return r.PathValue(key)
}

// parseInt parses an integer from a string, returning defaultValue if parsing fails.
func parseInt(s string, defaultValue int) int {
	if s == "" {
		return defaultValue
	}
	val, err := strconv.Atoi(s)
	if err != nil {
		return defaultValue
	}
	return val
}

// respondJSON writes a JSON response with the given status code.
func respondJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		// If encoding fails, log but don't try to write another response
		// (headers already sent)
		fmt.Printf("failed to encode JSON response: %v\n", err)
	}
}

// respondError writes an error response with the given status code.
func respondError(w http.ResponseWriter, statusCode int, message string, err error) {
	errResp := ErrorResponse{
		Error: message,
		Code:  http.StatusText(statusCode),
	}

	if err != nil {
		errResp.Details = map[string]interface{}{
			"error": err.Error(),
		}
	}

	respondJSON(w, statusCode, errResp)
}
