package types

import (
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
)

// StateTransition is an immutable historical fact: one attribute of one
// entity changed value at one point in time, evidenced by a span of a meeting
// transcript. Transitions are append-only; they are never mutated or deleted.
//
// Ordering for a given entity+attribute is by (Timestamp, Sequence).
// Sequence is a batch-scoped monotonic counter that keeps the ordering
// strict even when wall-clock timestamps collide within one ingestion batch.
type StateTransition struct {
	ID            string    `json:"id"` // format: tr:<uuid>
	EntityID      string    `json:"entity_id"`
	Attribute     string    `json:"attribute"`
	PreviousValue *string   `json:"previous_value"` // nil for the first transition of an attribute
	NewValue      string    `json:"new_value"`
	MeetingID     string    `json:"meeting_id"`
	Timestamp     time.Time `json:"timestamp"`
	Sequence      int64     `json:"sequence"`
	EvidenceSpan  string    `json:"evidence_span,omitempty"`
}

// NewTransitionID returns a fresh transition identifier.
func NewTransitionID() string {
	return fmt.Sprintf("tr:%s", uuid.NewString())
}

// Before reports whether t is ordered strictly before other under the
// (Timestamp, Sequence) key.
func (t *StateTransition) Before(other *StateTransition) bool {
	if t.Timestamp.Equal(other.Timestamp) {
		return t.Sequence < other.Sequence
	}
	return t.Timestamp.Before(other.Timestamp)
}

// SortTransitions orders transitions in place by (Timestamp, Sequence),
// oldest first. The sort is stable so equal keys keep their input order.
func SortTransitions(transitions []StateTransition) {
	sort.SliceStable(transitions, func(i, j int) bool {
		return transitions[i].Before(&transitions[j])
	})
}

// Fold replays transitions in (Timestamp, Sequence) order and returns the
// resulting attribute map. EntityState.Attributes must always equal the fold
// of that entity's transitions; this equivalence is the central consistency
// invariant the validator checks.
//
// The input slice is not modified.
func Fold(transitions []StateTransition) map[string]string {
	ordered := make([]StateTransition, len(transitions))
	copy(ordered, transitions)
	SortTransitions(ordered)

	attrs := make(map[string]string)
	for i := range ordered {
		attrs[ordered[i].Attribute] = ordered[i].NewValue
	}
	return attrs
}

// LastTransition returns the latest transition under (Timestamp, Sequence)
// ordering, or nil for an empty slice.
func LastTransition(transitions []StateTransition) *StateTransition {
	var last *StateTransition
	for i := range transitions {
		if last == nil || last.Before(&transitions[i]) {
			last = &transitions[i]
		}
	}
	return last
}
