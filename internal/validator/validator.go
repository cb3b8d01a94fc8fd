// Package validator checks the consistency of the entity workspace after a
// batch of writes. Derived state that disagrees with the transition log is
// repaired in place; structural damage to the immutable log itself is fatal
// and aborts the surrounding transaction.
package validator

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/macconnolly/smart-meet-lite-sub002/internal/storage"
	"github.com/macconnolly/smart-meet-lite-sub002/pkg/types"
)

// Report summarises one validation pass.
type Report struct {
	EntitiesChecked int
	StatesRepaired  int
	StatesCreated   int
}

// Validator recomputes cached entity states from the transition log and
// repairs divergence. It holds no state of its own.
type Validator struct{}

// New returns a Validator.
func New() *Validator {
	return &Validator{}
}

// ValidateEntities checks the given entities inside the batch transaction.
// For each entity it refolds the transition history and compares against the
// cached state:
//
//   - state differs from the fold: the state row is rewritten from the fold
//     and the repair is logged as a warning
//   - state row missing: an empty (or folded, if history exists) row is
//     created
//
// Transitions referencing an unknown entity cannot be repaired without
// guessing and fail the batch with ErrDanglingReference. A history whose
// per-attribute (timestamp, sequence) keys are not strictly increasing
// fails the batch with ErrOrderViolation for the same reason.
func (v *Validator) ValidateEntities(ctx context.Context, tx storage.BatchTx, entityIDs []string) (*Report, error) {
	report := &Report{}
	seen := make(map[string]bool, len(entityIDs))

	for _, id := range entityIDs {
		if seen[id] {
			continue
		}
		seen[id] = true
		if err := v.validateOne(ctx, tx, id, report); err != nil {
			return nil, err
		}
		report.EntitiesChecked++
	}
	return report, nil
}

func (v *Validator) validateOne(ctx context.Context, tx storage.BatchTx, entityID string, report *Report) error {
	if _, err := tx.GetEntity(ctx, entityID); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return fmt.Errorf("%w: transitions reference unknown entity %s", storage.ErrDanglingReference, entityID)
		}
		return fmt.Errorf("validator: failed to load entity %s: %w", entityID, err)
	}

	transitions, err := tx.ListTransitions(ctx, entityID, time.Time{})
	if err != nil {
		return fmt.Errorf("validator: failed to list transitions for %s: %w", entityID, err)
	}
	if err := verifyOrder(entityID, transitions); err != nil {
		return err
	}
	expected := types.Fold(transitions)

	state, err := tx.GetState(ctx, entityID)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			return fmt.Errorf("validator: failed to load state for %s: %w", entityID, err)
		}
		log.Printf("validator: entity %s has no state row, creating from %d transitions", entityID, len(transitions))
		state = foldedState(entityID, transitions, expected)
		if err := tx.SaveStatesBatch(ctx, []*types.EntityState{state}); err != nil {
			return fmt.Errorf("validator: failed to create state for %s: %w", entityID, err)
		}
		report.StatesCreated++
		return nil
	}

	if attributesEqual(state.Attributes, expected) {
		return nil
	}

	log.Printf("validator: state for %s diverged from its transition history, repairing (%d attrs cached, %d derived)",
		entityID, len(state.Attributes), len(expected))
	repaired := foldedState(entityID, transitions, expected)
	if err := tx.SaveStatesBatch(ctx, []*types.EntityState{repaired}); err != nil {
		return fmt.Errorf("validator: failed to repair state for %s: %w", entityID, err)
	}
	report.StatesRepaired++
	return nil
}

// verifyOrder walks the (timestamp, sequence)-ordered history per attribute
// and rejects structurally broken logs: duplicate ordering keys, and a
// history whose oldest transition carries a previous value, which means a
// record was appended behind existing ones. Merges interleave two histories,
// so a nil previous value in the middle of an attribute's run is tolerated
// as the start of a merged-in strand.
func verifyOrder(entityID string, transitions []types.StateTransition) error {
	last := make(map[string]*types.StateTransition, 4)
	for i := range transitions {
		tr := &transitions[i]
		prev, ok := last[tr.Attribute]
		if !ok {
			if tr.PreviousValue != nil {
				return fmt.Errorf("%w: entity %s attribute %s starts mid-chain at %s",
					storage.ErrOrderViolation, entityID, tr.Attribute, tr.ID)
			}
			last[tr.Attribute] = tr
			continue
		}
		if tr.Timestamp.Before(prev.Timestamp) ||
			(tr.Timestamp.Equal(prev.Timestamp) && tr.Sequence <= prev.Sequence) {
			return fmt.Errorf("%w: entity %s attribute %s has non-increasing key at %s",
				storage.ErrOrderViolation, entityID, tr.Attribute, tr.ID)
		}
		last[tr.Attribute] = tr
	}
	return nil
}

// foldedState builds a state row from a transition history and its fold.
func foldedState(entityID string, transitions []types.StateTransition, folded map[string]string) *types.EntityState {
	state := types.NewEntityState(entityID)
	for k, v := range folded {
		state.Attributes[k] = v
	}
	if last := types.LastTransition(transitions); last != nil {
		state.LastUpdatedAt = last.Timestamp
		state.LastTransitionID = last.ID
	}
	return state
}

func attributesEqual(a, b map[string]string) bool {
	if len(a) != len(b) {
		return false
	}
	for k, v := range a {
		if b[k] != v {
			return false
		}
	}
	return true
}
