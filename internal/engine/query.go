package engine

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"strings"
	"time"

	"github.com/macconnolly/smart-meet-lite-sub002/internal/storage"
	"github.com/macconnolly/smart-meet-lite-sub002/pkg/types"
)

const (
	defaultQueryLimit = 20
	maxQueryLimit     = 100

	// semanticTimeout bounds the search collaborator call. Past it the query
	// degrades to structured results instead of failing.
	semanticTimeout = 2 * time.Second
)

// QueryEngine answers questions about current entity state. Structured
// queries walk the store directly; semantic queries rank through the search
// provider and fall back to structured when the provider is slow or down.
type QueryEngine struct {
	store  storage.Reader
	search storage.SearchProvider
}

// NewQueryEngine creates a query engine. search may be nil, which disables
// semantic ranking; semantic requests then degrade to structured results.
func NewQueryEngine(store storage.Reader, search storage.SearchProvider) (*QueryEngine, error) {
	if store == nil {
		return nil, fmt.Errorf("store is required")
	}
	return &QueryEngine{store: store, search: search}, nil
}

// Query answers one request according to its mode.
func (q *QueryEngine) Query(ctx context.Context, req types.QueryRequest) (*types.QueryResult, error) {
	text := strings.TrimSpace(req.Text)
	if text == "" {
		return nil, fmt.Errorf("%w: query text is required", storage.ErrInvalidInput)
	}
	limit := req.Limit
	if limit <= 0 {
		limit = defaultQueryLimit
	}
	if limit > maxQueryLimit {
		limit = maxQueryLimit
	}

	switch req.Mode {
	case types.QueryModeStructured, "":
		results, err := q.structured(ctx, text, limit)
		if err != nil {
			return nil, err
		}
		return &types.QueryResult{Mode: types.QueryModeStructured, Results: results}, nil

	case types.QueryModeSemantic:
		return q.semanticWithFallback(ctx, text, limit)

	case types.QueryModeAuto:
		// Type-listing questions have exact structured answers; anything
		// else benefits from semantic ranking when available.
		if _, ok := listedType(text); ok || q.search == nil {
			results, err := q.structured(ctx, text, limit)
			if err != nil {
				return nil, err
			}
			return &types.QueryResult{Mode: types.QueryModeStructured, Results: results}, nil
		}
		return q.semanticWithFallback(ctx, text, limit)

	default:
		return nil, fmt.Errorf("%w: unknown query mode %q", storage.ErrInvalidInput, req.Mode)
	}
}

// semanticWithFallback ranks through the search provider; provider errors
// and timeouts degrade to structured results with Degraded set.
func (q *QueryEngine) semanticWithFallback(ctx context.Context, text string, limit int) (*types.QueryResult, error) {
	if q.search != nil {
		searchCtx, cancel := context.WithTimeout(ctx, semanticTimeout)
		results, err := q.semantic(searchCtx, text, limit)
		cancel()
		if err == nil {
			return &types.QueryResult{Mode: types.QueryModeSemantic, Results: results}, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		log.Printf("query: semantic search degraded to structured: %v", err)
	}

	results, err := q.structured(ctx, text, limit)
	if err != nil {
		return nil, err
	}
	return &types.QueryResult{Mode: types.QueryModeStructured, Results: results, Degraded: true}, nil
}

// structured answers with exact store reads. Type-listing questions ("status
// of all projects") enumerate a type; everything else matches the query text
// against canonical names and aliases.
func (q *QueryEngine) structured(ctx context.Context, text string, limit int) ([]types.EntitySummary, error) {
	if entityType, ok := listedType(text); ok {
		entities, err := q.store.ListEntities(ctx, storage.ListOptions{Type: entityType, Limit: limit})
		if err != nil {
			return nil, fmt.Errorf("query: failed to list %s entities: %w", entityType, err)
		}
		return q.summarize(ctx, entities, nil)
	}

	entities, err := q.store.ListEntities(ctx, storage.ListOptions{Limit: maxQueryLimit})
	if err != nil {
		return nil, fmt.Errorf("query: failed to list entities: %w", err)
	}

	normalized := types.NormalizeName(text)
	var matched []*types.Entity
	for _, entity := range entities {
		if entityMatchesText(entity, normalized) {
			matched = append(matched, entity)
		}
	}
	if len(matched) > limit {
		matched = matched[:limit]
	}
	return q.summarize(ctx, matched, nil)
}

// semantic ranks entities through the search provider. Merged-away hits
// resolve to their winners; stale index entries that no longer resolve are
// skipped.
func (q *QueryEngine) semantic(ctx context.Context, text string, limit int) ([]types.EntitySummary, error) {
	hits, err := q.search.Search(ctx, text, limit)
	if err != nil {
		return nil, err
	}

	scores := make(map[string]float64, len(hits))
	var entities []*types.Entity
	seen := make(map[string]bool, len(hits))
	for _, hit := range hits {
		entity, err := q.store.GetEntity(ctx, hit.RefID)
		if errors.Is(err, storage.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("query: failed to load hit %s: %w", hit.RefID, err)
		}
		if entity.MergedInto != "" {
			entity, err = q.store.GetEntity(ctx, entity.MergedInto)
			if err != nil {
				continue
			}
		}
		if seen[entity.ID] {
			continue
		}
		seen[entity.ID] = true
		if hit.Score > scores[entity.ID] {
			scores[entity.ID] = hit.Score
		}
		entities = append(entities, entity)
	}

	summaries, err := q.summarize(ctx, entities, scores)
	if err != nil {
		return nil, err
	}
	if len(summaries) > limit {
		summaries = summaries[:limit]
	}
	return summaries, nil
}

// summarize joins entities with their cached states. Structured results
// (nil scores) order by canonical name; semantic results order by score,
// then recency, then ID.
func (q *QueryEngine) summarize(ctx context.Context, entities []*types.Entity, scores map[string]float64) ([]types.EntitySummary, error) {
	summaries := make([]types.EntitySummary, 0, len(entities))
	for _, entity := range entities {
		summary := types.EntitySummary{
			EntityID:      entity.ID,
			Type:          entity.Type,
			CanonicalName: entity.CanonicalName,
			Attributes:    map[string]string{},
		}
		if scores != nil {
			summary.Score = scores[entity.ID]
		}

		state, err := q.store.GetState(ctx, entity.ID)
		if err == nil {
			summary.Attributes = state.Attributes
			summary.LastUpdatedAt = state.LastUpdatedAt
		} else if !errors.Is(err, storage.ErrNotFound) {
			return nil, fmt.Errorf("query: failed to load state for %s: %w", entity.ID, err)
		}
		summaries = append(summaries, summary)
	}

	if scores == nil {
		sort.SliceStable(summaries, func(i, j int) bool {
			if summaries[i].CanonicalName != summaries[j].CanonicalName {
				return summaries[i].CanonicalName < summaries[j].CanonicalName
			}
			return summaries[i].EntityID < summaries[j].EntityID
		})
		return summaries, nil
	}

	sort.SliceStable(summaries, func(i, j int) bool {
		if summaries[i].Score != summaries[j].Score {
			return summaries[i].Score > summaries[j].Score
		}
		if !summaries[i].LastUpdatedAt.Equal(summaries[j].LastUpdatedAt) {
			return summaries[i].LastUpdatedAt.After(summaries[j].LastUpdatedAt)
		}
		return summaries[i].EntityID < summaries[j].EntityID
	})
	return summaries, nil
}

// listedType detects type-listing questions like "status of all projects"
// or "list people" and returns the entity type they enumerate.
func listedType(text string) (types.EntityType, bool) {
	lower := strings.ToLower(text)
	if !strings.Contains(lower, "all ") && !strings.HasPrefix(lower, "list ") {
		return "", false
	}
	switch {
	case strings.Contains(lower, "project"):
		return types.EntityTypeProject, true
	case strings.Contains(lower, "people") || strings.Contains(lower, "person") || strings.Contains(lower, "attendee"):
		return types.EntityTypePerson, true
	case strings.Contains(lower, "feature"):
		return types.EntityTypeFeature, true
	}
	return "", false
}

// entityMatchesText reports whether the normalized query mentions the
// entity by canonical name or any alias.
func entityMatchesText(entity *types.Entity, normalizedQuery string) bool {
	if normalizedQuery == "" {
		return false
	}
	names := append([]string{entity.CanonicalName}, entity.Aliases...)
	for _, name := range names {
		n := types.NormalizeName(name)
		if n == "" {
			continue
		}
		if strings.Contains(normalizedQuery, n) || strings.Contains(n, normalizedQuery) {
			return true
		}
	}
	return false
}
