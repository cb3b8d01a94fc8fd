package handlers

import (
	"net/http"

	"github.com/macconnolly/smart-meet-lite-sub002/internal/engine"
	"github.com/macconnolly/smart-meet-lite-sub002/internal/storage"
)

// IngestStatus is the slice of the ingestion engine the health surface
// reads. Nil means the server runs without background ingestion.
type IngestStatus interface {
	QueueLength() int
	LastValidation() *engine.ValidationSnapshot
	ValidationTotals() engine.ValidationTotals
	ExtractionState() string
}

// HealthHandler reports store connectivity, row counts, queue depth and
// the outcome of the most recent consistency validation.
type HealthHandler struct {
	store  storage.Store
	ingest IngestStatus
}

// NewHealthHandler creates a health handler. ingest may be nil.
func NewHealthHandler(store storage.Store, ingest IngestStatus) *HealthHandler {
	return &HealthHandler{store: store, ingest: ingest}
}

// HealthResponse is the body of GET /api/health.
type HealthResponse struct {
	Status            string                     `json:"status"`
	Store             *storage.StoreStats        `json:"store,omitempty"`
	QueueLength       int                        `json:"queue_length"`
	LastValidation    *engine.ValidationSnapshot `json:"last_validation,omitempty"`
	ValidationTotals  *engine.ValidationTotals   `json:"validation_totals,omitempty"`
	ExtractionCircuit string                     `json:"extraction_circuit,omitempty"`
}

// GetHealth handles GET /api/health. The endpoint stays on 200 with
// status "degraded" when the store is unreachable so monitors can tell
// "down" from "unhealthy".
func (h *HealthHandler) GetHealth(w http.ResponseWriter, r *http.Request) {
	resp := HealthResponse{Status: "healthy"}

	if err := h.store.Ping(r.Context()); err != nil {
		resp.Status = "degraded"
	} else if stats, err := h.store.Stats(r.Context()); err == nil {
		resp.Store = stats
	}

	if h.ingest != nil {
		resp.QueueLength = h.ingest.QueueLength()
		resp.LastValidation = h.ingest.LastValidation()
		totals := h.ingest.ValidationTotals()
		resp.ValidationTotals = &totals
		resp.ExtractionCircuit = h.ingest.ExtractionState()
	}

	respondJSON(w, http.StatusOK, resp)
}
