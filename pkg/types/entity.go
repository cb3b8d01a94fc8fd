package types

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Entity is the canonical record for one real-world referent (a person,
// project, or feature) tracked across meetings. Exactly one Entity exists per
// referent within a workspace; mentions that resolve to the same referent
// accumulate as aliases rather than new entities.
type Entity struct {
	ID            string     `json:"id"`   // format: ent:<type>:<uuid>
	Type          EntityType `json:"type"`
	CanonicalName string     `json:"canonical_name"`
	Aliases       []string   `json:"aliases"` // never empty; always contains the creation name

	// MergedInto points at the winning entity after an administrative merge.
	// The losing record is never deleted so transition history already
	// handed to consumers keeps resolving.
	MergedInto string `json:"merged_into,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}

// NewEntity creates an entity with a fresh ID and the surface name as both
// canonical name and first alias.
func NewEntity(name string, entityType EntityType) *Entity {
	if !IsValidEntityType(entityType) {
		entityType = EntityTypeOther
	}
	return &Entity{
		ID:            fmt.Sprintf("ent:%s:%s", entityType, uuid.NewString()),
		Type:          entityType,
		CanonicalName: name,
		Aliases:       []string{name},
		CreatedAt:     time.Now().UTC(),
	}
}

// HasAlias reports whether the entity already carries the given surface form,
// compared under NormalizeName folding.
func (e *Entity) HasAlias(surface string) bool {
	want := NormalizeName(surface)
	for _, a := range e.Aliases {
		if NormalizeName(a) == want {
			return true
		}
	}
	return false
}

// AddAlias records a new surface form for the entity. Returns true when the
// alias set changed.
func (e *Entity) AddAlias(surface string) bool {
	if surface == "" || e.HasAlias(surface) {
		return false
	}
	e.Aliases = append(e.Aliases, surface)
	return true
}

// EntityState is the cached snapshot of an entity's tracked attributes.
// It is derived data: it must always equal Fold of the entity's transitions
// and is only ever mutated through a successfully appended StateTransition
// (or overwritten by the validator when the cache has drifted).
type EntityState struct {
	EntityID         string            `json:"entity_id"`
	Attributes       map[string]string `json:"attributes"`
	LastUpdatedAt    time.Time         `json:"last_updated_at"`
	LastTransitionID string            `json:"last_transition_id,omitempty"`
}

// NewEntityState creates the empty state row that accompanies a new entity.
func NewEntityState(entityID string) *EntityState {
	return &EntityState{
		EntityID:   entityID,
		Attributes: make(map[string]string),
	}
}

// Clone returns a deep copy so callers can stage updates without aliasing
// the stored map.
func (s *EntityState) Clone() *EntityState {
	cp := &EntityState{
		EntityID:         s.EntityID,
		Attributes:       make(map[string]string, len(s.Attributes)),
		LastUpdatedAt:    s.LastUpdatedAt,
		LastTransitionID: s.LastTransitionID,
	}
	for k, v := range s.Attributes {
		cp.Attributes[k] = v
	}
	return cp
}

// EntitySummary is the query-facing projection of an entity and its current
// state, returned by both structured and semantic queries.
type EntitySummary struct {
	EntityID      string            `json:"entity_id"`
	Type          EntityType        `json:"type"`
	CanonicalName string            `json:"canonical_name"`
	Attributes    map[string]string `json:"attributes"`
	LastUpdatedAt time.Time         `json:"last_updated_at"`
	Score         float64           `json:"score,omitempty"` // semantic rank, 0 for structured hits
}
