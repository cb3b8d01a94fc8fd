// Package sqlite provides the SQLite implementation of the structured store.
// It is the default backend: a single-file embedded database in WAL mode with
// one writer connection, which serialises ingestion batches while readers
// proceed against a consistent snapshot.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite" // SQLite driver

	"github.com/macconnolly/smart-meet-lite-sub002/internal/storage"
	"github.com/macconnolly/smart-meet-lite-sub002/pkg/types"
)

// Ensure the compile-time contracts hold.
var (
	_ storage.Store   = (*Store)(nil)
	_ storage.BatchTx = (*batchTx)(nil)
)

// Store implements storage.Store using SQLite.
type Store struct {
	db *sql.DB
}

// NewStore opens a SQLite database, configures WAL mode, and creates the
// schema. The dsn is a file path or ":memory:".
func NewStore(dsn string) (*Store, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlite: failed to open database: %w", err)
	}

	// SQLite supports one concurrent writer. A single open connection
	// serialises write transactions, which enforces at-most-one
	// in-flight ingestion batch touching the store at a time. WAL mode
	// lets readers proceed against a snapshot without blocking the writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("sqlite: %s failed: %w", pragma, err)
		}
	}

	if _, err := db.Exec(Schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite: failed to create schema: %w", err)
	}

	return &Store{db: db}, nil
}

// DB exposes the underlying handle for collaborators layered on the same
// database file (the semantic search provider).
func (s *Store) DB() *sql.DB {
	return s.db
}

// Ping verifies store connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close releases the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// querier abstracts *sql.DB and *sql.Tx so read helpers serve both the
// snapshot Reader methods and the in-batch BatchTx methods.
type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// GetEntity retrieves an entity by ID.
func (s *Store) GetEntity(ctx context.Context, id string) (*types.Entity, error) {
	return getEntity(ctx, s.db, id)
}

// GetEntityByAlias finds the entity of the given type carrying the surface form.
func (s *Store) GetEntityByAlias(ctx context.Context, entityType types.EntityType, surface string) (*types.Entity, error) {
	return getEntityByAlias(ctx, s.db, entityType, surface)
}

// ListEntities retrieves entities ordered by canonical name then ID.
func (s *Store) ListEntities(ctx context.Context, opts storage.ListOptions) ([]*types.Entity, error) {
	opts.Normalize()

	query := `
		SELECT id, type, canonical_name, aliases, merged_into, created_at
		FROM entities
	`
	var conds []string
	var args []any
	if opts.Type != "" {
		conds = append(conds, "type = ?")
		args = append(args, string(opts.Type))
	}
	if !opts.IncludeMerged {
		conds = append(conds, "merged_into IS NULL")
	}
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY canonical_name, id LIMIT ? OFFSET ?"
	args = append(args, opts.Limit, opts.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlite: failed to list entities: %w", err)
	}
	defer func() { _ = rows.Close() }()

	return scanEntities(rows)
}

// GetState retrieves the cached state snapshot for an entity.
func (s *Store) GetState(ctx context.Context, entityID string) (*types.EntityState, error) {
	return getState(ctx, s.db, entityID)
}

// ListTransitions returns the transitions for an entity ordered by
// (timestamp, sequence) ascending.
func (s *Store) ListTransitions(ctx context.Context, entityID string, since time.Time) ([]types.StateTransition, error) {
	return listTransitions(ctx, s.db, entityID, since)
}

// Stats reports row counts for the three tables.
func (s *Store) Stats(ctx context.Context) (*storage.StoreStats, error) {
	stats := &storage.StoreStats{}
	for _, q := range []struct {
		table string
		dst   *int
	}{
		{"entities", &stats.Entities},
		{"entity_states", &stats.States},
		{"state_transitions", &stats.Transitions},
	} {
		if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+q.table).Scan(q.dst); err != nil {
			return nil, fmt.Errorf("sqlite: failed to count %s: %w", q.table, err)
		}
	}
	return stats, nil
}

// RunInBatch executes fn inside one write transaction.
func (s *Store) RunInBatch(ctx context.Context, fn func(tx storage.BatchTx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return mapBusy(fmt.Errorf("sqlite: failed to begin batch: %w", err))
	}

	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	if err := fn(&batchTx{tx: tx}); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return mapBusy(fmt.Errorf("sqlite: failed to commit batch: %w", err))
	}
	committed = true
	return nil
}

// mapBusy translates SQLITE_BUSY contention into storage.ErrWriteConflict
// so the ingestion engine can retry with backoff.
func mapBusy(err error) error {
	if err == nil {
		return nil
	}
	msg := err.Error()
	if strings.Contains(msg, "SQLITE_BUSY") || strings.Contains(msg, "database is locked") {
		return fmt.Errorf("%w: %v", storage.ErrWriteConflict, err)
	}
	return err
}

// batchTx implements storage.BatchTx over a *sql.Tx.
type batchTx struct {
	tx *sql.Tx
}

func (b *batchTx) GetEntity(ctx context.Context, id string) (*types.Entity, error) {
	return getEntity(ctx, b.tx, id)
}

func (b *batchTx) GetEntityByAlias(ctx context.Context, entityType types.EntityType, surface string) (*types.Entity, error) {
	return getEntityByAlias(ctx, b.tx, entityType, surface)
}

func (b *batchTx) ListEntitiesByType(ctx context.Context, entityType types.EntityType) ([]*types.Entity, error) {
	return listEntitiesByType(ctx, b.tx, entityType)
}

func (b *batchTx) GetState(ctx context.Context, entityID string) (*types.EntityState, error) {
	return getState(ctx, b.tx, entityID)
}

func (b *batchTx) ListTransitions(ctx context.Context, entityID string, since time.Time) ([]types.StateTransition, error) {
	return listTransitions(ctx, b.tx, entityID, since)
}

// SaveEntitiesBatch upserts entity records.
func (b *batchTx) SaveEntitiesBatch(ctx context.Context, entities []*types.Entity) error {
	const query = `
		INSERT INTO entities (id, type, canonical_name, aliases, merged_into, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			canonical_name = excluded.canonical_name,
			aliases = excluded.aliases,
			merged_into = excluded.merged_into
	`
	for _, e := range entities {
		if e == nil || e.ID == "" {
			return fmt.Errorf("%w: entity ID is required", storage.ErrInvalidInput)
		}
		if len(e.Aliases) == 0 {
			return fmt.Errorf("%w: entity %s has an empty alias set", storage.ErrInvalidInput, e.ID)
		}

		aliasesJSON, err := json.Marshal(e.Aliases)
		if err != nil {
			return fmt.Errorf("sqlite: failed to marshal aliases for %s: %w", e.ID, err)
		}

		if _, err := b.tx.ExecContext(ctx, query,
			e.ID, string(e.Type), e.CanonicalName, string(aliasesJSON),
			nullableString(e.MergedInto), e.CreatedAt,
		); err != nil {
			return mapBusy(fmt.Errorf("sqlite: failed to save entity %s: %w", e.ID, err))
		}
	}
	return nil
}

// SaveStatesBatch upserts cached state snapshots. Every state row must
// reference an entity visible in this transaction.
func (b *batchTx) SaveStatesBatch(ctx context.Context, states []*types.EntityState) error {
	const query = `
		INSERT INTO entity_states (entity_id, attributes, last_updated_at, last_transition_id)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(entity_id) DO UPDATE SET
			attributes = excluded.attributes,
			last_updated_at = excluded.last_updated_at,
			last_transition_id = excluded.last_transition_id
	`
	for _, st := range states {
		if st == nil || st.EntityID == "" {
			return fmt.Errorf("%w: state entity ID is required", storage.ErrInvalidInput)
		}

		var exists int
		err := b.tx.QueryRowContext(ctx, "SELECT 1 FROM entities WHERE id = ?", st.EntityID).Scan(&exists)
		if err == sql.ErrNoRows {
			return fmt.Errorf("%w: state references entity %s", storage.ErrDanglingReference, st.EntityID)
		}
		if err != nil {
			return mapBusy(fmt.Errorf("sqlite: failed to verify entity %s: %w", st.EntityID, err))
		}

		attrsJSON, err := json.Marshal(st.Attributes)
		if err != nil {
			return fmt.Errorf("sqlite: failed to marshal attributes for %s: %w", st.EntityID, err)
		}

		if _, err := b.tx.ExecContext(ctx, query,
			st.EntityID, string(attrsJSON),
			nullableTime(st.LastUpdatedAt), nullableString(st.LastTransitionID),
		); err != nil {
			return mapBusy(fmt.Errorf("sqlite: failed to save state for %s: %w", st.EntityID, err))
		}
	}
	return nil
}

// AppendTransitionsBatch appends immutable transition records.
func (b *batchTx) AppendTransitionsBatch(ctx context.Context, transitions []types.StateTransition) error {
	const query = `
		INSERT INTO state_transitions
			(id, entity_id, attribute, previous_value, new_value, meeting_id, timestamp, sequence, evidence_span)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	for i := range transitions {
		tr := &transitions[i]
		if tr.ID == "" || tr.EntityID == "" || tr.Attribute == "" {
			return fmt.Errorf("%w: transition requires id, entity_id and attribute", storage.ErrInvalidInput)
		}

		var prev any
		if tr.PreviousValue != nil {
			prev = *tr.PreviousValue
		}

		if _, err := b.tx.ExecContext(ctx, query,
			tr.ID, tr.EntityID, tr.Attribute, prev, tr.NewValue,
			tr.MeetingID, tr.Timestamp, tr.Sequence, nullableString(tr.EvidenceSpan),
		); err != nil {
			return mapBusy(fmt.Errorf("sqlite: failed to append transition %s: %w", tr.ID, err))
		}
	}
	return nil
}

// ReassignTransitions rewrites the owning entity of a merged entity's
// transitions. Merge is the only caller.
func (b *batchTx) ReassignTransitions(ctx context.Context, fromEntityID, toEntityID string) (int, error) {
	res, err := b.tx.ExecContext(ctx,
		"UPDATE state_transitions SET entity_id = ? WHERE entity_id = ?",
		toEntityID, fromEntityID,
	)
	if err != nil {
		return 0, mapBusy(fmt.Errorf("sqlite: failed to reassign transitions: %w", err))
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("sqlite: failed to count reassigned transitions: %w", err)
	}
	return int(n), nil
}

// --- shared read helpers ---

func getEntity(ctx context.Context, q querier, id string) (*types.Entity, error) {
	if id == "" {
		return nil, fmt.Errorf("%w: entity ID is required", storage.ErrInvalidInput)
	}

	row := q.QueryRowContext(ctx, `
		SELECT id, type, canonical_name, aliases, merged_into, created_at
		FROM entities WHERE id = ?
	`, id)

	e, err := scanEntity(row.Scan)
	if err == sql.ErrNoRows {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("sqlite: failed to get entity %s: %w", id, err)
	}
	return e, nil
}

func getEntityByAlias(ctx context.Context, q querier, entityType types.EntityType, surface string) (*types.Entity, error) {
	want := types.NormalizeName(surface)
	if want == "" {
		return nil, fmt.Errorf("%w: surface name is required", storage.ErrInvalidInput)
	}

	// Aliases live inside the entity rows (the persisted layout has no
	// side table), so exact alias lookup scans the type's entities and
	// compares under normalization in Go. Workspaces hold hundreds of
	// entities, not millions; the resolver's fuzzy pass scans them anyway.
	candidates, err := listEntitiesByType(ctx, q, entityType)
	if err != nil {
		return nil, err
	}
	for _, e := range candidates {
		if e.MergedInto != "" {
			continue
		}
		if e.HasAlias(want) {
			return e, nil
		}
	}
	return nil, storage.ErrNotFound
}

func listEntitiesByType(ctx context.Context, q querier, entityType types.EntityType) ([]*types.Entity, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT id, type, canonical_name, aliases, merged_into, created_at
		FROM entities WHERE type = ?
		ORDER BY canonical_name, id
	`, string(entityType))
	if err != nil {
		return nil, fmt.Errorf("sqlite: failed to list %s entities: %w", entityType, err)
	}
	defer func() { _ = rows.Close() }()

	return scanEntities(rows)
}

func getState(ctx context.Context, q querier, entityID string) (*types.EntityState, error) {
	if entityID == "" {
		return nil, fmt.Errorf("%w: entity ID is required", storage.ErrInvalidInput)
	}

	var (
		st        types.EntityState
		attrsJSON string
		updatedAt sql.NullTime
		lastTrID  sql.NullString
	)
	err := q.QueryRowContext(ctx, `
		SELECT entity_id, attributes, last_updated_at, last_transition_id
		FROM entity_states WHERE entity_id = ?
	`, entityID).Scan(&st.EntityID, &attrsJSON, &updatedAt, &lastTrID)

	if err == sql.ErrNoRows {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("sqlite: failed to get state for %s: %w", entityID, err)
	}

	if err := json.Unmarshal([]byte(attrsJSON), &st.Attributes); err != nil {
		return nil, fmt.Errorf("sqlite: failed to unmarshal attributes for %s: %w", entityID, err)
	}
	if st.Attributes == nil {
		st.Attributes = make(map[string]string)
	}
	if updatedAt.Valid {
		st.LastUpdatedAt = updatedAt.Time
	}
	if lastTrID.Valid {
		st.LastTransitionID = lastTrID.String
	}
	return &st, nil
}

func listTransitions(ctx context.Context, q querier, entityID string, since time.Time) ([]types.StateTransition, error) {
	if entityID == "" {
		return nil, fmt.Errorf("%w: entity ID is required", storage.ErrInvalidInput)
	}

	query := `
		SELECT id, entity_id, attribute, previous_value, new_value, meeting_id, timestamp, sequence, evidence_span
		FROM state_transitions
		WHERE entity_id = ?
	`
	args := []any{entityID}
	if !since.IsZero() {
		query += " AND timestamp >= ?"
		args = append(args, since)
	}
	query += " ORDER BY timestamp, sequence"

	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlite: failed to list transitions for %s: %w", entityID, err)
	}
	defer func() { _ = rows.Close() }()

	var out []types.StateTransition
	for rows.Next() {
		var (
			tr       types.StateTransition
			prev     sql.NullString
			evidence sql.NullString
		)
		if err := rows.Scan(&tr.ID, &tr.EntityID, &tr.Attribute, &prev, &tr.NewValue,
			&tr.MeetingID, &tr.Timestamp, &tr.Sequence, &evidence); err != nil {
			return nil, fmt.Errorf("sqlite: failed to scan transition: %w", err)
		}
		if prev.Valid {
			v := prev.String
			tr.PreviousValue = &v
		}
		if evidence.Valid {
			tr.EvidenceSpan = evidence.String
		}
		out = append(out, tr)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite: transition iteration failed: %w", err)
	}
	return out, nil
}

// scanEntity decodes one entity row via the given scan function.
func scanEntity(scan func(...any) error) (*types.Entity, error) {
	var (
		e           types.Entity
		typeStr     string
		aliasesJSON string
		mergedInto  sql.NullString
	)
	if err := scan(&e.ID, &typeStr, &e.CanonicalName, &aliasesJSON, &mergedInto, &e.CreatedAt); err != nil {
		return nil, err
	}
	e.Type = types.EntityType(typeStr)
	if err := json.Unmarshal([]byte(aliasesJSON), &e.Aliases); err != nil {
		return nil, fmt.Errorf("failed to unmarshal aliases: %w", err)
	}
	if mergedInto.Valid {
		e.MergedInto = mergedInto.String
	}
	return &e, nil
}

func scanEntities(rows *sql.Rows) ([]*types.Entity, error) {
	var out []*types.Entity
	for rows.Next() {
		e, err := scanEntity(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("sqlite: failed to scan entity: %w", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite: entity iteration failed: %w", err)
	}
	return out, nil
}

func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullableTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t
}
