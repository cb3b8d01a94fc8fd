// Package tracker decides whether an observed attribute value constitutes a
// genuine state change and, when it does, appends the immutable transition
// and updates the entity's cached state. Mere restatements of unchanged
// facts across meetings produce nothing, which keeps the transition history
// free of bloat.
package tracker

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/macconnolly/smart-meet-lite-sub002/internal/storage"
	"github.com/macconnolly/smart-meet-lite-sub002/pkg/types"
)

// Observation is one candidate (attribute, value) pair for an entity,
// extracted from a meeting transcript.
type Observation struct {
	Attribute    string
	Value        string
	Timestamp    time.Time
	EvidenceSpan string
}

// Batch tracks observations for one meeting inside one store transaction.
// It owns the batch-scoped monotonic sequence counter that keeps transition
// ordering strict when wall-clock timestamps collide.
//
// A Batch is not safe for concurrent use; each ingestion batch creates its
// own, and the store serialises batches touching the same entity.
type Batch struct {
	tx        storage.BatchTx
	meetingID string
	seq       int64
}

// NewBatch starts tracking observations for one meeting.
func NewBatch(tx storage.BatchTx, meetingID string) *Batch {
	return &Batch{tx: tx, meetingID: meetingID}
}

// Observe compares the candidate value with the entity's current attribute
// value. If absent or different it appends a StateTransition whose
// previous_value is the current value, updates the cached state, and returns
// the new transition. If equal it is a restatement and Observe returns nil.
func (b *Batch) Observe(ctx context.Context, entity *types.Entity, obs Observation) (*types.StateTransition, error) {
	if entity == nil || entity.ID == "" {
		return nil, fmt.Errorf("%w: entity is required", storage.ErrInvalidInput)
	}
	attribute := strings.TrimSpace(obs.Attribute)
	if attribute == "" {
		return nil, fmt.Errorf("%w: observation has no attribute", storage.ErrInvalidInput)
	}

	state, err := b.tx.GetState(ctx, entity.ID)
	if errors.Is(err, storage.ErrNotFound) {
		// The resolver creates states with entities; a missing row here
		// means the entity predates that guarantee. Start from empty and
		// let SaveStatesBatch create the row.
		state = types.NewEntityState(entity.ID)
	} else if err != nil {
		return nil, fmt.Errorf("tracker: failed to read state for %s: %w", entity.ID, err)
	}

	current, exists := state.Attributes[attribute]
	if exists && current == obs.Value {
		return nil, nil
	}

	ts := obs.Timestamp.UTC()
	if ts.IsZero() {
		ts = time.Now().UTC()
	}

	// Keep the (timestamp, sequence) ordering key strictly increasing per
	// entity+attribute, even against committed history and colliding
	// wall clocks. An observation timestamped before the attribute's last
	// transition is pinned to that transition's timestamp rather than
	// rewriting history order.
	seq := b.nextSeq()
	if last, err := b.lastTransition(ctx, entity.ID, attribute); err != nil {
		return nil, err
	} else if last != nil {
		if ts.Before(last.Timestamp) {
			ts = last.Timestamp
		}
		if ts.Equal(last.Timestamp) && seq <= last.Sequence {
			seq = last.Sequence + 1
			b.seq = seq
		}
	}

	var prev *string
	if exists {
		v := current
		prev = &v
	}

	transition := types.StateTransition{
		ID:            types.NewTransitionID(),
		EntityID:      entity.ID,
		Attribute:     attribute,
		PreviousValue: prev,
		NewValue:      obs.Value,
		MeetingID:     b.meetingID,
		Timestamp:     ts,
		Sequence:      seq,
		EvidenceSpan:  obs.EvidenceSpan,
	}

	if err := b.tx.AppendTransitionsBatch(ctx, []types.StateTransition{transition}); err != nil {
		return nil, fmt.Errorf("tracker: failed to append transition for %s.%s: %w", entity.ID, attribute, err)
	}

	state.Attributes[attribute] = obs.Value
	if ts.After(state.LastUpdatedAt) {
		state.LastUpdatedAt = ts
	}
	state.LastTransitionID = transition.ID
	if err := b.tx.SaveStatesBatch(ctx, []*types.EntityState{state}); err != nil {
		return nil, fmt.Errorf("tracker: failed to update state for %s: %w", entity.ID, err)
	}

	return &transition, nil
}

// ObserveAll applies an ordered list of observations for one entity. It
// returns the transitions actually appended; restatements contribute
// nothing. The surrounding batch transaction makes the whole list
// all-or-nothing.
func (b *Batch) ObserveAll(ctx context.Context, entity *types.Entity, observations []Observation) ([]types.StateTransition, error) {
	var appended []types.StateTransition
	for _, obs := range observations {
		tr, err := b.Observe(ctx, entity, obs)
		if err != nil {
			return nil, err
		}
		if tr != nil {
			appended = append(appended, *tr)
		}
	}
	return appended, nil
}

// nextSeq advances the batch's monotonic sequence counter.
func (b *Batch) nextSeq() int64 {
	b.seq++
	return b.seq
}

// lastTransition returns the latest committed-or-staged transition for the
// entity+attribute, or nil when the attribute has no history.
func (b *Batch) lastTransition(ctx context.Context, entityID, attribute string) (*types.StateTransition, error) {
	transitions, err := b.tx.ListTransitions(ctx, entityID, time.Time{})
	if err != nil {
		return nil, fmt.Errorf("tracker: failed to list transitions for %s: %w", entityID, err)
	}
	var last *types.StateTransition
	for i := range transitions {
		if transitions[i].Attribute != attribute {
			continue
		}
		if last == nil || last.Before(&transitions[i]) {
			last = &transitions[i]
		}
	}
	return last, nil
}
