package postgres

import (
	"context"
	"database/sql"
	"encoding/binary"
	"fmt"
	"log"
	"math"
	"sort"
	"strings"
	"time"

	pgvector "github.com/pgvector/pgvector-go"

	"github.com/macconnolly/smart-meet-lite-sub002/internal/storage"
	"github.com/macconnolly/smart-meet-lite-sub002/pkg/types"
)

// Embedder turns text into a vector; satisfied by the extract package's
// embedding clients.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	Model() string
}

// SearchProvider implements the semantic search collaborator on PostgreSQL.
// When the pgvector extension is available, cosine ranking happens in SQL
// against the embedding_vec column; otherwise embeddings are loaded from the
// BYTEA column and ranked in Go.
type SearchProvider struct {
	db                *sql.DB
	embedder          Embedder
	pgvectorAvailable bool
}

var (
	_ storage.SearchProvider = (*SearchProvider)(nil)
	_ storage.EntityIndexer  = (*SearchProvider)(nil)
)

// fallbackMaxCandidates caps in-memory ranking when pgvector is unavailable.
const fallbackMaxCandidates = 2000

// NewSearchProvider creates the provider, applies its schema, and probes for
// the pgvector extension. A server without pgvector still works, with
// in-process ranking.
func NewSearchProvider(db *sql.DB, embedder Embedder) (*SearchProvider, error) {
	if db == nil {
		return nil, fmt.Errorf("postgres: search provider requires a database handle")
	}
	if embedder == nil {
		return nil, fmt.Errorf("postgres: search provider requires an embedder")
	}

	if _, err := db.Exec(SearchSchema); err != nil {
		return nil, fmt.Errorf("postgres: failed to create search schema: %w", err)
	}

	p := &SearchProvider{db: db, embedder: embedder}

	if _, err := db.Exec("CREATE EXTENSION IF NOT EXISTS vector"); err != nil {
		log.Printf("postgres: pgvector extension not available, ranking in process: %v", err)
	} else if _, err := db.Exec(SearchSchemaVector); err != nil {
		log.Printf("postgres: failed to add vector column, ranking in process: %v", err)
	} else {
		p.pgvectorAvailable = true
	}

	return p, nil
}

// IndexEntity embeds the entity's current snapshot and upserts the vector.
func (p *SearchProvider) IndexEntity(ctx context.Context, entity *types.Entity, state *types.EntityState) error {
	if entity == nil || entity.ID == "" {
		return fmt.Errorf("%w: entity is required", storage.ErrInvalidInput)
	}

	vec, err := p.embedder.Embed(ctx, entityDocument(entity, state))
	if err != nil {
		return fmt.Errorf("postgres: failed to embed entity %s: %w", entity.ID, err)
	}
	if len(vec) == 0 {
		return fmt.Errorf("postgres: embedder returned an empty vector for %s", entity.ID)
	}

	if p.pgvectorAvailable {
		_, err = p.db.ExecContext(ctx, `
			INSERT INTO entity_embeddings (entity_id, embedding, embedding_vec, dimension, model, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6)
			ON CONFLICT (entity_id) DO UPDATE SET
				embedding = EXCLUDED.embedding,
				embedding_vec = EXCLUDED.embedding_vec,
				dimension = EXCLUDED.dimension,
				model = EXCLUDED.model,
				updated_at = EXCLUDED.updated_at
		`, entity.ID, serializeVector(vec), pgvector.NewVector(vec), len(vec), p.embedder.Model(), time.Now().UTC())
	} else {
		_, err = p.db.ExecContext(ctx, `
			INSERT INTO entity_embeddings (entity_id, embedding, dimension, model, updated_at)
			VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT (entity_id) DO UPDATE SET
				embedding = EXCLUDED.embedding,
				dimension = EXCLUDED.dimension,
				model = EXCLUDED.model,
				updated_at = EXCLUDED.updated_at
		`, entity.ID, serializeVector(vec), len(vec), p.embedder.Model(), time.Now().UTC())
	}
	if err != nil {
		return fmt.Errorf("postgres: failed to store embedding for %s: %w", entity.ID, err)
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
		return nil, fmt.Errorf("postgres: failed to embed query: %w", err)
	}

	if p.pgvectorAvailable {
		return p.searchVector(ctx, queryVec, limit)
	}
	return p.searchInProcess(ctx, queryVec, limit)
}

// searchVector ranks in SQL using pgvector cosine distance.
func (p *SearchProvider) searchVector(ctx context.Context, queryVec []float32, limit int) ([]storage.SearchHit, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT entity_id, 1 - (embedding_vec <=> $1) AS score
		FROM entity_embeddings
		WHERE embedding_vec IS NOT NULL AND dimension = $2
		ORDER BY embedding_vec <=> $1, entity_id
		LIMIT $3
	`, pgvector.NewVector(queryVec), len(queryVec), limit)
	if err != nil {
		return nil, fmt.Errorf("postgres: vector search failed: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var hits []storage.SearchHit
	for rows.Next() {
		var h storage.SearchHit
		if err := rows.Scan(&h.RefID, &h.Score); err != nil {
			return nil, fmt.Errorf("postgres: failed to scan search hit: %w", err)
		}
		hits = append(hits, h)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: search iteration failed: %w", err)
	}
	return hits, nil
}

// searchInProcess loads candidate embeddings and ranks them in Go.
func (p *SearchProvider) searchInProcess(ctx context.Context, queryVec []float32, limit int) ([]storage.SearchHit, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT entity_id, embedding
		FROM entity_embeddings
		WHERE dimension = $1
		ORDER BY updated_at DESC
		LIMIT $2
	`, len(queryVec), fallbackMaxCandidates)
	if err != nil {
		return nil, fmt.Errorf("postgres: failed to load embeddings: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var hits []storage.SearchHit
	for rows.Next() {
		var (
			entityID string
			blob     []byte
		)
		if err := rows.Scan(&entityID, &blob); err != nil {
			return nil, fmt.Errorf("postgres: failed to scan embedding: %w", err)
		}
		hits = append(hits, storage.SearchHit{
			RefID: entityID,
			Score: cosineSimilarity(queryVec, deserializeVector(blob)),
		})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: embedding iteration failed: %w", err)
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

func serializeVector(vec []float32) []byte {
	buf := make([]byte, 4*len(vec))
	for i, v := range vec {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(v))
	}
	return buf
}

func deserializeVector(buf []byte) []float32 {
	vec := make([]float32, len(buf)/4)
	for i := range vec {
		vec[i] = math.Float32frombits(binary.LittleEndian.Uint32(buf[i*4:]))
	}
	return vec
}

func cosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) {
		return 0
	}
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
