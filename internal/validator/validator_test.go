package validator

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/macconnolly/smart-meet-lite-sub002/internal/storage"
	"github.com/macconnolly/smart-meet-lite-sub002/internal/storage/sqlite"
	"github.com/macconnolly/smart-meet-lite-sub002/pkg/types"
)

func newTestStore(t *testing.T) *sqlite.Store {
	t.Helper()
	store, err := sqlite.NewStore(":memory:")
	if err != nil {
		t.Fatalf("failed to create test store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func seedEntityWithHistory(t *testing.T, store *sqlite.Store) *types.Entity {
	t.Helper()
	entity := types.NewEntity("Payment Service", types.EntityTypeProject)
	ts := time.Date(2025, 6, 2, 10, 0, 0, 0, time.UTC)
	ctx := context.Background()
	err := store.RunInBatch(ctx, func(tx storage.BatchTx) error {
		if err := tx.SaveEntitiesBatch(ctx, []*types.Entity{entity}); err != nil {
			return err
		}
		if err := tx.SaveStatesBatch(ctx, []*types.EntityState{types.NewEntityState(entity.ID)}); err != nil {
			return err
		}
		return tx.AppendTransitionsBatch(ctx, []types.StateTransition{
			{ID: types.NewTransitionID(), EntityID: entity.ID, Attribute: "status", NewValue: "planning", MeetingID: "m1", Timestamp: ts, Sequence: 1},
			{ID: types.NewTransitionID(), EntityID: entity.ID, Attribute: "status", NewValue: "active", MeetingID: "m2", Timestamp: ts.Add(time.Hour), Sequence: 1},
		})
	})
	if err != nil {
		t.Fatalf("failed to seed history: %v", err)
	}
	return entity
}

func validate(t *testing.T, store *sqlite.Store, ids []string) *Report {
	t.Helper()
	var report *Report
	ctx := context.Background()
	err := store.RunInBatch(ctx, func(tx storage.BatchTx) error {
		var err error
		report, err = New().ValidateEntities(ctx, tx, ids)
		return err
	})
	if err != nil {
		t.Fatalf("ValidateEntities failed: %v", err)
	}
	return report
}

func TestValidateConsistentStateIsUntouched(t *testing.T) {
	store := newTestStore(t)
	entity := seedEntityWithHistory(t, store)
	ctx := context.Background()

	// Bring the cached state in line with the history first.
	report := validate(t, store, []string{entity.ID})
	if report.StatesRepaired != 1 {
		t.Fatalf("seeded state should need one repair, got %d", report.StatesRepaired)
	}

	// A second pass finds nothing to do.
	report = validate(t, store, []string{entity.ID})
	if report.StatesRepaired != 0 || report.StatesCreated != 0 {
		t.Fatalf("clean state was touched: %+v", report)
	}
	if report.EntitiesChecked != 1 {
		t.Fatalf("EntitiesChecked = %d, want 1", report.EntitiesChecked)
	}

	state, err := store.GetState(ctx, entity.ID)
	if err != nil {
		t.Fatalf("GetState failed: %v", err)
	}
	if state.Attributes["status"] != "active" {
		t.Fatalf("state = %v, want status active", state.Attributes)
	}
}

func TestValidateRepairsDivergedState(t *testing.T) {
	store := newTestStore(t)
	entity := seedEntityWithHistory(t, store)
	ctx := context.Background()

	// Corrupt the cached state.
	err := store.RunInBatch(ctx, func(tx storage.BatchTx) error {
		st := types.NewEntityState(entity.ID)
		st.Attributes["status"] = "cancelled"
		return tx.SaveStatesBatch(ctx, []*types.EntityState{st})
	})
	if err != nil {
		t.Fatalf("failed to corrupt state: %v", err)
	}

	report := validate(t, store, []string{entity.ID})
	if report.StatesRepaired != 1 {
		t.Fatalf("StatesRepaired = %d, want 1", report.StatesRepaired)
	}

	state, err := store.GetState(ctx, entity.ID)
	if err != nil {
		t.Fatalf("GetState failed: %v", err)
	}
	if state.Attributes["status"] != "active" {
		t.Fatalf("repair produced %v, want the folded status active", state.Attributes)
	}
	if state.LastUpdatedAt.IsZero() || state.LastTransitionID == "" {
		t.Fatalf("repair did not restore provenance: %+v", state)
	}
}

func TestValidateCreatesMissingStateRow(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	// An entity written without its state row, as a crashed older version
	// could have left behind.
	entity := types.NewEntity("Bob", types.EntityTypePerson)
	err := store.RunInBatch(ctx, func(tx storage.BatchTx) error {
		return tx.SaveEntitiesBatch(ctx, []*types.Entity{entity})
	})
	if err != nil {
		t.Fatalf("failed to seed entity: %v", err)
	}

	report := validate(t, store, []string{entity.ID})
	if report.StatesCreated != 1 {
		t.Fatalf("StatesCreated = %d, want 1", report.StatesCreated)
	}

	state, err := store.GetState(ctx, entity.ID)
	if err != nil {
		t.Fatalf("state still missing after validation: %v", err)
	}
	if len(state.Attributes) != 0 {
		t.Fatalf("created state should be empty, got %v", state.Attributes)
	}
}

func TestValidateUnknownEntityFailsBatch(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	err := store.RunInBatch(ctx, func(tx storage.BatchTx) error {
		_, err := New().ValidateEntities(ctx, tx, []string{"ent:project:missing"})
		return err
	})
	if !errors.Is(err, storage.ErrDanglingReference) {
		t.Fatalf("err = %v, want ErrDanglingReference", err)
	}
}

func TestValidateRejectsBackdatedAppend(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	ts := time.Date(2025, 6, 2, 10, 0, 0, 0, time.UTC)

	// A transition appended behind an existing one: its timestamp predates
	// the history it claims to continue.
	entity := types.NewEntity("Payment Service", types.EntityTypeProject)
	blocked := "blocked"
	err := store.RunInBatch(ctx, func(tx storage.BatchTx) error {
		if err := tx.SaveEntitiesBatch(ctx, []*types.Entity{entity}); err != nil {
			return err
		}
		if err := tx.AppendTransitionsBatch(ctx, []types.StateTransition{
			{ID: types.NewTransitionID(), EntityID: entity.ID, Attribute: "status", NewValue: "blocked", MeetingID: "m1", Timestamp: ts, Sequence: 5},
		}); err != nil {
			return err
		}
		return tx.AppendTransitionsBatch(ctx, []types.StateTransition{
			{ID: types.NewTransitionID(), EntityID: entity.ID, Attribute: "status", PreviousValue: &blocked, NewValue: "active", MeetingID: "m2", Timestamp: ts.Add(-time.Hour), Sequence: 1},
		})
	})
	if err != nil {
		t.Fatalf("failed to seed history: %v", err)
	}

	err = store.RunInBatch(ctx, func(tx storage.BatchTx) error {
		_, err := New().ValidateEntities(ctx, tx, []string{entity.ID})
		return err
	})
	if !errors.Is(err, storage.ErrOrderViolation) {
		t.Fatalf("err = %v, want ErrOrderViolation", err)
	}
}

func TestValidateRejectsDuplicateOrderingKey(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	ts := time.Date(2025, 6, 2, 10, 0, 0, 0, time.UTC)

	// Two transitions sharing one (timestamp, sequence) key make the fold
	// ambiguous.
	entity := types.NewEntity("Mobile App", types.EntityTypeProject)
	err := store.RunInBatch(ctx, func(tx storage.BatchTx) error {
		if err := tx.SaveEntitiesBatch(ctx, []*types.Entity{entity}); err != nil {
			return err
		}
		return tx.AppendTransitionsBatch(ctx, []types.StateTransition{
			{ID: types.NewTransitionID(), EntityID: entity.ID, Attribute: "status", NewValue: "planning", MeetingID: "m1", Timestamp: ts, Sequence: 1},
			{ID: types.NewTransitionID(), EntityID: entity.ID, Attribute: "status", NewValue: "active", MeetingID: "m2", Timestamp: ts, Sequence: 1},
		})
	})
	if err != nil {
		t.Fatalf("failed to seed history: %v", err)
	}

	err = store.RunInBatch(ctx, func(tx storage.BatchTx) error {
		_, err := New().ValidateEntities(ctx, tx, []string{entity.ID})
		return err
	})
	if !errors.Is(err, storage.ErrOrderViolation) {
		t.Fatalf("err = %v, want ErrOrderViolation", err)
	}
}

func TestValidateDeduplicatesEntityIDs(t *testing.T) {
	store := newTestStore(t)
	entity := seedEntityWithHistory(t, store)

	report := validate(t, store, []string{entity.ID, entity.ID, entity.ID})
	if report.EntitiesChecked != 1 {
		t.Fatalf("EntitiesChecked = %d, want 1 after dedup", report.EntitiesChecked)
	}
}
