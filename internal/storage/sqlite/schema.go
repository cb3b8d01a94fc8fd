package sqlite

// Schema defines the persisted layout of the structured store: three logical
// tables (entities, entity_states, state_transitions) and exactly three
// indices: entity lookup by id (primary key), state lookup by entity id
// (primary key, unique by construction), and transitions by entity id
// ordered by (timestamp, sequence). No further indices are created so the
// same logical key can never be covered by two differently-named indices.
const Schema = `
CREATE TABLE IF NOT EXISTS entities (
	id             TEXT PRIMARY KEY,
	type           TEXT NOT NULL,
	canonical_name TEXT NOT NULL,
	aliases        TEXT NOT NULL,  -- JSON array, never empty
	merged_into    TEXT,
	created_at     TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS entity_states (
	entity_id          TEXT PRIMARY KEY REFERENCES entities(id),
	attributes         TEXT NOT NULL,  -- JSON object
	last_updated_at    TIMESTAMP,
	last_transition_id TEXT
);

CREATE TABLE IF NOT EXISTS state_transitions (
	id             TEXT PRIMARY KEY,
	entity_id      TEXT NOT NULL,
	attribute      TEXT NOT NULL,
	previous_value TEXT,
	new_value      TEXT NOT NULL,
	meeting_id     TEXT NOT NULL,
	timestamp      TIMESTAMP NOT NULL,
	sequence       INTEGER NOT NULL DEFAULT 0,
	evidence_span  TEXT
);

CREATE INDEX IF NOT EXISTS idx_transitions_entity_time
	ON state_transitions(entity_id, timestamp, sequence);
`

// SearchSchema holds the table backing the SQLite semantic search provider.
// It belongs to the search collaborator, not to the core's persisted layout,
// and is only applied when a search provider is constructed on this store.
const SearchSchema = `
CREATE TABLE IF NOT EXISTS entity_embeddings (
	entity_id  TEXT PRIMARY KEY REFERENCES entities(id),
	embedding  BLOB NOT NULL,     -- little-endian float32 vector
	dimension  INTEGER NOT NULL,
	model      TEXT NOT NULL,
	updated_at TIMESTAMP NOT NULL
);
`
