package postgres

// Schema defines the persisted layout: the three core tables and exactly the
// three required indices (two primary keys plus the transitions-by-entity
// index). All statements are idempotent so the schema can be applied on
// every startup.
const Schema = `
CREATE TABLE IF NOT EXISTS entities (
	id             TEXT PRIMARY KEY,
	type           TEXT NOT NULL,
	canonical_name TEXT NOT NULL,
	aliases        JSONB NOT NULL,
	merged_into    TEXT,
	created_at     TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS entity_states (
	entity_id          TEXT PRIMARY KEY REFERENCES entities(id),
	attributes         JSONB NOT NULL,
	last_updated_at    TIMESTAMPTZ,
	last_transition_id TEXT
);

CREATE TABLE IF NOT EXISTS state_transitions (
	id             TEXT PRIMARY KEY,
	entity_id      TEXT NOT NULL,
	attribute      TEXT NOT NULL,
	previous_value TEXT,
	new_value      TEXT NOT NULL,
	meeting_id     TEXT NOT NULL,
	timestamp      TIMESTAMPTZ NOT NULL,
	sequence       BIGINT NOT NULL DEFAULT 0,
	evidence_span  TEXT
);

CREATE INDEX IF NOT EXISTS idx_transitions_entity_time
	ON state_transitions(entity_id, timestamp, sequence);
`

// SearchSchema holds the collaborator-owned table backing the pgvector
// semantic search provider. The embedding is always stored as BYTEA; the
// vector column is added separately when the pgvector extension is present.
const SearchSchema = `
CREATE TABLE IF NOT EXISTS entity_embeddings (
	entity_id  TEXT PRIMARY KEY REFERENCES entities(id),
	embedding  BYTEA NOT NULL,
	dimension  INTEGER NOT NULL,
	model      TEXT NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
);
`

// SearchSchemaVector adds the pgvector column used for SQL-side cosine
// ranking. Applied only when the vector extension is installed.
const SearchSchemaVector = `
ALTER TABLE entity_embeddings ADD COLUMN IF NOT EXISTS embedding_vec vector;
`
