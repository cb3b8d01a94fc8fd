package sqlite

import (
	"context"
	"database/sql"
	"encoding/binary"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/macconnolly/smart-meet-lite-sub002/internal/storage"
	"github.com/macconnolly/smart-meet-lite-sub002/pkg/types"
)

// Embedder turns text into a vector. Satisfied by the extract package's
// embedding clients; declared here so the search provider does not depend
// on a concrete LLM client.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	Model() string
}

// searchMaxCandidates caps the number of embeddings loaded into memory per
// search. Candidates are taken newest-first, so a stale tail degrades recall
// on very large workspaces rather than blowing up memory.
const searchMaxCandidates = 2000

// SearchProvider implements the semantic search collaborator on top of the
// same SQLite file as the structured store: entity snapshots are embedded
// and ranked by cosine similarity. It satisfies both storage.SearchProvider
// and storage.EntityIndexer.
type SearchProvider struct {
	db       *sql.DB
	embedder Embedder
}

var (
	_ storage.SearchProvider = (*SearchProvider)(nil)
	_ storage.EntityIndexer  = (*SearchProvider)(nil)
)

// NewSearchProvider creates the provider and applies its collaborator-owned
// schema (the entity_embeddings table).
func NewSearchProvider(db *sql.DB, embedder Embedder) (*SearchProvider, error) {
	if db == nil {
		return nil, fmt.Errorf("sqlite: search provider requires a database handle")
	}
	if embedder == nil {
		return nil, fmt.Errorf("sqlite: search provider requires an embedder")
	}
	if _, err := db.Exec(SearchSchema); err != nil {
		return nil, fmt.Errorf("sqlite: failed to create search schema: %w", err)
	}
	return &SearchProvider{db: db, embedder: embedder}, nil
}

// IndexEntity embeds the entity's current snapshot and upserts the vector.
func (p *SearchProvider) IndexEntity(ctx context.Context, entity *types.Entity, state *types.EntityState) error {
	if entity == nil || entity.ID == "" {
		return fmt.Errorf("%w: entity is required", storage.ErrInvalidInput)
	}

	vec, err := p.embedder.Embed(ctx, entityDocument(entity, state))
	if err != nil {
		return fmt.Errorf("sqlite: failed to embed entity %s: %w", entity.ID, err)
	}
	if len(vec) == 0 {
		return fmt.Errorf("sqlite: embedder returned an empty vector for %s", entity.ID)
	}

	_, err = p.db.ExecContext(ctx, `
		INSERT INTO entity_embeddings (entity_id, embedding, dimension, model, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(entity_id) DO UPDATE SET
			embedding = excluded.embedding,
			dimension = excluded.dimension,
			model = excluded.model,
			updated_at = excluded.updated_at
	`, entity.ID, serializeVector(vec), len(vec), p.embedder.Model(), time.Now().UTC())
	if err != nil {
		return fmt.Errorf("sqlite: failed to store embedding for %s: %w", entity.ID, err)
	}
	return nil
}

// Search embeds the query text and ranks indexed entities by cosine
// similarity, best first.
func (p *SearchProvider) Search(ctx context.Context, queryText string, limit int) ([]storage.SearchHit, error) {
	if strings.TrimSpace(queryText) == "" {
		return nil, fmt.Errorf("%w: query text is required", storage.ErrInvalidInput)
	}
	if limit < 1 {
		limit = 10
	}

	queryVec, err := p.embedder.Embed(ctx, queryText)
	if err != nil {
		return nil, fmt.Errorf("sqlite: failed to embed query: %w", err)
	}

	rows, err := p.db.QueryContext(ctx, `
		SELECT entity_id, embedding
		FROM entity_embeddings
		ORDER BY updated_at DESC
		LIMIT ?
	`, searchMaxCandidates)
	if err != nil {
		return nil, fmt.Errorf("sqlite: failed to load embeddings: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var hits []storage.SearchHit
	for rows.Next() {
		var (
			entityID string
			blob     []byte
		)
		if err := rows.Scan(&entityID, &blob); err != nil {
			return nil, fmt.Errorf("sqlite: failed to scan embedding: %w", err)
		}
		vec := deserializeVector(blob)
		if len(vec) != len(queryVec) {
			// Dimension mismatch from an older model; skip rather than fail.
			continue
		}
		hits = append(hits, storage.SearchHit{
			RefID: entityID,
			Score: cosineSimilarity(queryVec, vec),
		})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite: embedding iteration failed: %w", err)
	}

	sort.Slice(hits, func(i, j int) bool {
		if hits[i].Score == hits[j].Score {
			return hits[i].RefID < hits[j].RefID
		}
		return hits[i].Score > hits[j].Score
	})
	if len(hits) > limit {
		hits = hits[:limit]
	}
	return hits, nil
}

// entityDocument builds the text that represents an entity for embedding:
// canonical name, aliases, and the current attribute snapshot.
func entityDocument(entity *types.Entity, state *types.EntityState) string {
	var b strings.Builder
	b.WriteString(entity.CanonicalName)
	b.WriteString(" (")
	b.WriteString(string(entity.Type))
	b.WriteString(")")

	for _, alias := range entity.Aliases {
		if alias != entity.CanonicalName {
			b.WriteString("; also known as ")
			b.WriteString(alias)
		}
	}

	if state != nil {
		keys := make([]string, 0, len(state.Attributes))
		for k := range state.Attributes {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			b.WriteString(". ")
			b.WriteString(k)
			b.WriteString(": ")
			b.WriteString(state.Attributes[k])
		}
	}
	return b.String()
}

// serializeVector encodes a float32 vector as little-endian bytes.
func serializeVector(vec []float32) []byte {
	buf := make([]byte, 4*len(vec))
	for i, v := range vec {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(v))
	}
	return buf
}

// deserializeVector decodes a little-endian float32 vector.
func deserializeVector(buf []byte) []float32 {
	vec := make([]float32, len(buf)/4)
	for i := range vec {
		vec[i] = math.Float32frombits(binary.LittleEndian.Uint32(buf[i*4:]))
	}
	return vec
}

// cosineSimilarity computes the cosine of the angle between two equal-length
// vectors. Zero vectors score 0.
func cosineSimilarity(a, b []float32) float64 {
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}
