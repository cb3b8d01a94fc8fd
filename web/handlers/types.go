package handlers

import (
	"time"

	"github.com/macconnolly/smart-meet-lite-sub002/pkg/types"
)

// ErrorResponse is the JSON body for error responses.
type ErrorResponse struct {
	Error   string                 `json:"error"`
	Code    string                 `json:"code"`
	Details map[string]interface{} `json:"details,omitempty"`
}

// IngestRequest is the body for POST /api/ingest.
type IngestRequest struct {
	MeetingID   string    `json:"meeting_id"`
	Transcript  string    `json:"transcript"`
	MeetingTime time.Time `json:"meeting_time"`

	// Async queues the meeting for background ingestion instead of
	// processing it inside the request.
	Async bool `json:"async,omitempty"`
}

// QueuedResponse acknowledges an async ingest request.
type QueuedResponse struct {
	MeetingID string `json:"meeting_id"`
	Queued    bool   `json:"queued"`
}

// MergeRequest is the body for POST /api/entities/merge.
type MergeRequest struct {
	WinnerID string `json:"winner_id"`
	LoserID  string `json:"loser_id"`
}

// EntityListResponse carries an entity listing plus its length.
type EntityListResponse struct {
	Entities []*types.Entity `json:"entities"`
	Count    int             `json:"count"`
}

// EntityDetailResponse joins an entity with its cached state. State is nil
// for entities that have never carried an attribute observation.
type EntityDetailResponse struct {
	Entity *types.Entity      `json:"entity"`
	State  *types.EntityState `json:"state,omitempty"`
}

// TransitionListResponse carries an entity's attribute change history.
type TransitionListResponse struct {
	EntityID    string                  `json:"entity_id"`
	Transitions []types.StateTransition `json:"transitions"`
	Count       int                     `json:"count"`
}
