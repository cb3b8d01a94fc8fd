package postgres

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/macconnolly/smart-meet-lite-sub002/internal/storage"
	"github.com/macconnolly/smart-meet-lite-sub002/pkg/types"
)

// newTestStore connects to the database named by SMARTMEET_TEST_POSTGRES_DSN,
// or skips the test when no live PostgreSQL is available.
func newTestStore(t *testing.T) *Store {
	t.Helper()
	dsn := os.Getenv("SMARTMEET_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("SMARTMEET_TEST_POSTGRES_DSN not set; skipping PostgreSQL integration test")
	}
	store, err := NewStore(dsn)
	if err != nil {
		t.Fatalf("failed to connect to test database: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestEntityBatchRoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	e := types.NewEntity("Payment Service", types.EntityTypeProject)
	err := store.RunInBatch(ctx, func(tx storage.BatchTx) error {
		if err := tx.SaveEntitiesBatch(ctx, []*types.Entity{e}); err != nil {
			return err
		}
		return tx.SaveStatesBatch(ctx, []*types.EntityState{types.NewEntityState(e.ID)})
	})
	if err != nil {
		t.Fatalf("batch failed: %v", err)
	}

	got, err := store.GetEntity(ctx, e.ID)
	if err != nil {
		t.Fatalf("GetEntity failed: %v", err)
	}
	if got.CanonicalName != e.CanonicalName {
		t.Fatalf("canonical name = %q, want %q", got.CanonicalName, e.CanonicalName)
	}

	if _, err := store.GetState(ctx, e.ID); err != nil {
		t.Fatalf("GetState failed: %v", err)
	}
}

func TestSaveStatesBatchRejectsDanglingReference(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	err := store.RunInBatch(ctx, func(tx storage.BatchTx) error {
		return tx.SaveStatesBatch(ctx, []*types.EntityState{
			types.NewEntityState("ent:project:ghost-" + time.Now().Format("150405.000")),
		})
	})
	if !errors.Is(err, storage.ErrDanglingReference) {
		t.Fatalf("expected ErrDanglingReference, got %v", err)
	}
}
