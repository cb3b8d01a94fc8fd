// Package storage defines the structured store contract for the meeting
// tracking core: durable keyed storage for Entity, EntityState and
// StateTransition records with transactional batch writes.
//
// The interfaces are small and composable so backends (SQLite, PostgreSQL)
// can be implemented independently and substituted in tests.
package storage

import (
	"context"
	"time"

	"github.com/macconnolly/smart-meet-lite-sub002/pkg/types"
)

// Reader provides snapshot reads of committed data. Reads never block
// writers: both backends rely on snapshot semantics (SQLite WAL readers,
// PostgreSQL MVCC), so a long-running query observes the store as of its
// first read and never sees a half-written ingestion batch.
type Reader interface {
	// GetEntity retrieves an entity by ID. Returns ErrNotFound if missing.
	GetEntity(ctx context.Context, id string) (*types.Entity, error)

	// GetEntityByAlias finds the entity of the given type carrying the
	// surface form, compared under types.NormalizeName folding.
	// Returns ErrNotFound when no entity of that type has the alias.
	GetEntityByAlias(ctx context.Context, entityType types.EntityType, surface string) (*types.Entity, error)

	// ListEntities retrieves entities with optional type filtering, ordered
	// deterministically by canonical name then ID.
	ListEntities(ctx context.Context, opts ListOptions) ([]*types.Entity, error)

	// GetState retrieves the cached state snapshot for an entity.
	// Returns ErrNotFound if the entity has no state row.
	GetState(ctx context.Context, entityID string) (*types.EntityState, error)

	// ListTransitions returns the transitions for an entity ordered by
	// (timestamp, sequence) ascending. A non-zero since restricts results
	// to transitions at or after that instant.
	ListTransitions(ctx context.Context, entityID string, since time.Time) ([]types.StateTransition, error)

	// Stats reports row counts for the three tables, for the health surface.
	Stats(ctx context.Context) (*StoreStats, error)
}

// BatchTx exposes the read/write primitives available inside one ingestion
// batch transaction. Everything staged through a BatchTx becomes visible
// atomically on commit, or not at all: resolution, tracking and validation
// for one meeting all run against a single BatchTx.
type BatchTx interface {
	// Reads observe committed data plus writes already staged in this batch.
	GetEntity(ctx context.Context, id string) (*types.Entity, error)
	GetEntityByAlias(ctx context.Context, entityType types.EntityType, surface string) (*types.Entity, error)
	ListEntitiesByType(ctx context.Context, entityType types.EntityType) ([]*types.Entity, error)
	GetState(ctx context.Context, entityID string) (*types.EntityState, error)
	ListTransitions(ctx context.Context, entityID string, since time.Time) ([]types.StateTransition, error)

	// SaveEntitiesBatch upserts entity records.
	SaveEntitiesBatch(ctx context.Context, entities []*types.Entity) error

	// SaveStatesBatch upserts cached state snapshots. The writer enforces
	// that every state row references an existing entity (ErrDanglingReference).
	SaveStatesBatch(ctx context.Context, states []*types.EntityState) error

	// AppendTransitionsBatch appends immutable transition records.
	// Existing rows are never updated; re-appending an existing ID is an error.
	AppendTransitionsBatch(ctx context.Context, transitions []types.StateTransition) error

	// ReassignTransitions rewrites the entity_id of every transition owned
	// by fromEntityID to toEntityID. Only the administrative merge operation
	// may call this; it returns the number of rows rewritten.
	ReassignTransitions(ctx context.Context, fromEntityID, toEntityID string) (int, error)
}

// Store is the full structured store: snapshot reads plus transactional
// batch writes.
type Store interface {
	Reader

	// RunInBatch executes fn inside one write transaction. If fn returns an
	// error the transaction is rolled back and the error returned unchanged.
	// Contention with a concurrent batch surfaces as ErrWriteConflict so the
	// caller can retry with backoff.
	//
	// Backends serialize conflicting writers: SQLite through its single
	// writer connection, PostgreSQL through row locks on the touched
	// entities. Two concurrent meetings can therefore never interleave
	// transitions for the same entity+attribute.
	RunInBatch(ctx context.Context, fn func(tx BatchTx) error) error

	// Ping verifies store connectivity, for the health surface.
	Ping(ctx context.Context) error

	// Close releases the underlying database handle.
	Close() error
}

// SearchHit is one ranked candidate from the semantic search collaborator.
// Score is an opaque ranking hint: the core only relies on its ordering,
// never on its magnitude.
type SearchHit struct {
	RefID string
	Score float64
}

// SearchProvider is the consumed interface to the external semantic search
// collaborator. Implementations rank entity IDs by similarity to free text.
type SearchProvider interface {
	Search(ctx context.Context, queryText string, limit int) ([]SearchHit, error)
}

// EntityIndexer accepts entity snapshots for semantic indexing. The
// ingestion engine feeds it after each committed batch, best-effort; index
// staleness degrades ranking, never correctness.
type EntityIndexer interface {
	IndexEntity(ctx context.Context, entity *types.Entity, state *types.EntityState) error
}

// StoreStats reports table-level row counts.
type StoreStats struct {
	Entities    int `json:"entities"`
	States      int `json:"entity_states"`
	Transitions int `json:"state_transitions"`
}
