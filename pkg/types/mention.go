package types

import "time"

// RawMention is one textual reference to an entity within a transcript, as
// produced by the extraction adapter. The core treats extraction as a black
// box and must tolerate noisy surface names and type hints.
type RawMention struct {
	SurfaceName        string            `json:"surface_name"`
	TypeHint           string            `json:"type_hint"`
	ObservedAttributes map[string]string `json:"observed_attributes,omitempty"`
	EvidenceSpan       string            `json:"evidence_span,omitempty"`
	Timestamp          time.Time         `json:"timestamp"`
}

// IngestResult reports what one meeting's ingestion batch did to the store.
type IngestResult struct {
	MeetingID           string `json:"meeting_id"`
	Mentions            int    `json:"mentions"`
	EntitiesCreated     int    `json:"entities_created"`
	EntitiesUpdated     int    `json:"entities_updated"`
	TransitionsAppended int    `json:"transitions_appended"`

	// Validator outcome for the batch: silently repaired state caches and
	// state rows created for entities that were missing one.
	StatesRepaired int `json:"states_repaired"`
	StatesCreated  int `json:"states_created"`
}

// QueryMode selects how a query is answered.
type QueryMode string

// Query mode constants.
const (
	QueryModeStructured QueryMode = "structured"
	QueryModeSemantic   QueryMode = "semantic"
	QueryModeAuto       QueryMode = "auto"
)

// QueryRequest is the query API input.
type QueryRequest struct {
	Text  string    `json:"query_text"`
	Mode  QueryMode `json:"mode"`
	Limit int       `json:"limit"`
}

// QueryResult carries ranked entity summaries plus how they were produced.
// Degraded is true when a semantic query timed out and the engine fell back
// to structured-only results instead of failing outright.
type QueryResult struct {
	Mode     QueryMode       `json:"mode"`
	Results  []EntitySummary `json:"results"`
	Degraded bool            `json:"degraded,omitempty"`
}
