package storage

import (
	"errors"

	"github.com/macconnolly/smart-meet-lite-sub002/pkg/types"
)

var (
	// ErrNotFound indicates that the requested record was not found.
	ErrNotFound = errors.New("record not found")

	// ErrInvalidInput indicates that the input parameters are invalid.
	ErrInvalidInput = errors.New("invalid input")

	// ErrWriteConflict indicates contention with a concurrent ingestion
	// batch on the same rows. Callers retry with backoff up to a bounded
	// attempt count.
	ErrWriteConflict = errors.New("write conflict")

	// ErrDanglingReference indicates a row referencing a non-existent
	// entity. Fatal for the batch that surfaces it: a dangling reference
	// cannot be self-healed safely.
	ErrDanglingReference = errors.New("dangling entity reference")

	// ErrOrderViolation indicates a transition history whose per-attribute
	// (timestamp, sequence) ordering is broken. The log is append-only, so
	// this cannot be self-healed; fatal for the batch that surfaces it.
	ErrOrderViolation = errors.New("transition order violation")
)

// ListOptions provides filtering and pagination for entity listings.
type ListOptions struct {
	// Type restricts results to one entity type. Empty means all types.
	Type types.EntityType

	// Limit caps the number of returned entities (default 100, max 1000).
	Limit int

	// Offset skips that many entities in canonical-name order.
	Offset int

	// IncludeMerged includes entities that were merged into another record.
	// By default merge losers are filtered out of listings.
	IncludeMerged bool
}

// Normalize applies defaults and bounds to the ListOptions.
func (o *ListOptions) Normalize() {
	if o.Limit < 1 {
		o.Limit = 100
	}
	if o.Limit > 1000 {
		o.Limit = 1000
	}
	if o.Offset < 0 {
		o.Offset = 0
	}
	if o.Type != "" && !types.IsValidEntityType(o.Type) {
		o.Type = types.EntityTypeOther
	}
}
