// Package resolver maps raw transcript mentions to stable canonical
// entities. A mention either hits an existing entity (exactly by alias, or
// fuzzily above a confidence threshold), or creates a new entity together
// with its empty state row inside the surrounding ingestion batch.
package resolver

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/macconnolly/smart-meet-lite-sub002/internal/storage"
	"github.com/macconnolly/smart-meet-lite-sub002/pkg/types"
)

// scoreEpsilon is the tolerance under which two fuzzy scores count as tied.
const scoreEpsilon = 1e-9

// mergeChainLimit caps how many MergedInto pointers a lookup will follow.
const mergeChainLimit = 5

// Config holds resolver tuning knobs.
type Config struct {
	// Threshold is the minimum fuzzy score for a match (default 0.75).
	Threshold float64

	// CacheSize bounds the committed-alias LRU cache (default 1024).
	CacheSize int
}

func (c *Config) normalize() {
	if c.Threshold <= 0 || c.Threshold > 1 {
		c.Threshold = 0.75
	}
	if c.CacheSize < 1 {
		c.CacheSize = 1024
	}
}

// Resolution describes what Resolve did for one mention.
type Resolution struct {
	Entity *types.Entity

	// Created is true when a new entity (and its empty state) was staged.
	Created bool

	// AliasAdded is true when the mention's surface form was recorded as a
	// new alias on an existing entity.
	AliasAdded bool
}

// MergeResult reports the outcome of an administrative merge.
type MergeResult struct {
	WinnerID              string `json:"winner_id"`
	LoserID               string `json:"loser_id"`
	TransitionsReassigned int    `json:"transitions_reassigned"`
	AliasesAdded          int    `json:"aliases_added"`
}

// Resolver resolves mentions against a store batch. It is safe for
// concurrent use; the alias cache only ever holds committed data.
type Resolver struct {
	scorer    Scorer
	threshold float64

	// aliasCache maps "type|normalized-alias" to an entity ID for committed
	// aliases only. Staged (uncommitted) aliases never enter the cache, so a
	// rolled-back batch cannot poison it.
	aliasCache *lru.Cache[string, string]
}

// NewResolver creates a resolver with the given scoring strategy.
func NewResolver(scorer Scorer, cfg Config) (*Resolver, error) {
	if scorer == nil {
		return nil, fmt.Errorf("resolver: scorer is required")
	}
	cfg.normalize()

	cache, err := lru.New[string, string](cfg.CacheSize)
	if err != nil {
		return nil, fmt.Errorf("resolver: failed to create alias cache: %w", err)
	}

	return &Resolver{
		scorer:     scorer,
		threshold:  cfg.Threshold,
		aliasCache: cache,
	}, nil
}

func cacheKey(entityType types.EntityType, surface string) string {
	return string(entityType) + "|" + types.NormalizeName(surface)
}

// Resolve maps one mention to a canonical entity within the batch
// transaction. Alias additions and entity creation are staged through tx, so
// they commit or roll back atomically with the rest of the batch.
func (r *Resolver) Resolve(ctx context.Context, tx storage.BatchTx, mention types.RawMention) (*Resolution, error) {
	surface := strings.TrimSpace(mention.SurfaceName)
	if types.NormalizeName(surface) == "" {
		return nil, fmt.Errorf("%w: mention has no surface name", storage.ErrInvalidInput)
	}
	entityType := types.ParseEntityType(mention.TypeHint)

	// Fast path: committed alias cache.
	if id, ok := r.aliasCache.Get(cacheKey(entityType, surface)); ok {
		entity, err := r.followMerges(ctx, tx, id)
		if err == nil && entity.HasAlias(surface) {
			return &Resolution{Entity: entity}, nil
		}
		// Stale entry (entity merged away or alias rewritten); drop it.
		r.aliasCache.Remove(cacheKey(entityType, surface))
		if err != nil && !errors.Is(err, storage.ErrNotFound) {
			return nil, err
		}
	}

	// Exact alias match within the same type.
	entity, err := tx.GetEntityByAlias(ctx, entityType, surface)
	if err == nil {
		return &Resolution{Entity: entity}, nil
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("resolver: alias lookup for %q failed: %w", surface, err)
	}

	// Fuzzy match against canonical names and aliases of the same type.
	match, err := r.bestFuzzyMatch(ctx, tx, entityType, surface)
	if err != nil {
		return nil, err
	}
	if match != nil {
		match.AddAlias(surface)
		if err := tx.SaveEntitiesBatch(ctx, []*types.Entity{match}); err != nil {
			return nil, fmt.Errorf("resolver: failed to record alias %q on %s: %w", surface, match.ID, err)
		}
		return &Resolution{Entity: match, AliasAdded: true}, nil
	}

	// No confident match: create the entity and its empty state together.
	created := types.NewEntity(surface, entityType)
	if !mention.Timestamp.IsZero() {
		created.CreatedAt = mention.Timestamp.UTC()
	}
	if err := tx.SaveEntitiesBatch(ctx, []*types.Entity{created}); err != nil {
		return nil, fmt.Errorf("resolver: failed to create entity for %q: %w", surface, err)
	}
	if err := tx.SaveStatesBatch(ctx, []*types.EntityState{types.NewEntityState(created.ID)}); err != nil {
		return nil, fmt.Errorf("resolver: failed to create state for %q: %w", surface, err)
	}
	return &Resolution{Entity: created, Created: true}, nil
}

// followMerges loads an entity and chases MergedInto pointers to the
// surviving record.
func (r *Resolver) followMerges(ctx context.Context, tx storage.BatchTx, id string) (*types.Entity, error) {
	for i := 0; i < mergeChainLimit; i++ {
		entity, err := tx.GetEntity(ctx, id)
		if err != nil {
			return nil, err
		}
		if entity.MergedInto == "" {
			return entity, nil
		}
		id = entity.MergedInto
	}
	return nil, fmt.Errorf("resolver: merge chain for %s exceeds %d hops", id, mergeChainLimit)
}

// bestFuzzyMatch scans same-type entities and returns the best candidate at
// or above the threshold, or nil when none qualifies. Ties above threshold
// prefer the entity with the most recent activity, so active topics absorb
// noisy variants instead of proliferating near-duplicates.
func (r *Resolver) bestFuzzyMatch(ctx context.Context, tx storage.BatchTx, entityType types.EntityType, surface string) (*types.Entity, error) {
	candidates, err := tx.ListEntitiesByType(ctx, entityType)
	if err != nil {
		return nil, fmt.Errorf("resolver: failed to list %s candidates: %w", entityType, err)
	}

	var (
		best      []*types.Entity
		bestScore float64
	)
	for _, candidate := range candidates {
		if candidate.MergedInto != "" {
			continue
		}
		score := r.entityScore(candidate, surface)
		if score < r.threshold {
			continue
		}
		switch {
		case score > bestScore+scoreEpsilon:
			bestScore = score
			best = []*types.Entity{candidate}
		case score > bestScore-scoreEpsilon:
			best = append(best, candidate)
		}
	}

	if len(best) == 0 {
		return nil, nil
	}
	if len(best) == 1 {
		return best[0], nil
	}
	return r.mostRecentlyActive(ctx, tx, best)
}

// entityScore is the best score across the candidate's canonical name and
// every alias.
func (r *Resolver) entityScore(candidate *types.Entity, surface string) float64 {
	best := r.scorer.Score(candidate.CanonicalName, surface)
	for _, alias := range candidate.Aliases {
		if s := r.scorer.Score(alias, surface); s > best {
			best = s
		}
	}
	return best
}

// mostRecentlyActive breaks a score tie by last state update, falling back
// to creation time, with entity ID as the final deterministic tie-break.
// Ambiguity is resolved here, never surfaced as an error.
func (r *Resolver) mostRecentlyActive(ctx context.Context, tx storage.BatchTx, tied []*types.Entity) (*types.Entity, error) {
	var (
		winner   *types.Entity
		winnerAt time.Time
	)
	for _, candidate := range tied {
		activity := candidate.CreatedAt
		state, err := tx.GetState(ctx, candidate.ID)
		if err == nil && !state.LastUpdatedAt.IsZero() {
			activity = state.LastUpdatedAt
		} else if err != nil && !errors.Is(err, storage.ErrNotFound) {
			return nil, fmt.Errorf("resolver: failed to read state for tie-break: %w", err)
		}

		if winner == nil ||
			activity.After(winnerAt) ||
			(activity.Equal(winnerAt) && candidate.ID < winner.ID) {
			winner = candidate
			winnerAt = activity
		}
	}
	return winner, nil
}

// CommitAliases warms the alias cache from entities whose batch has
// committed. Call only after a successful commit.
func (r *Resolver) CommitAliases(entities []*types.Entity) {
	for _, e := range entities {
		if e == nil || e.MergedInto != "" {
			continue
		}
		for _, alias := range e.Aliases {
			r.aliasCache.Add(cacheKey(e.Type, alias), e.ID)
		}
	}
}

// Forget drops every cache entry pointing at the given entity (used when an
// entity loses a merge).
func (r *Resolver) Forget(entityID string) {
	for _, key := range r.aliasCache.Keys() {
		if id, ok := r.aliasCache.Peek(key); ok && id == entityID {
			r.aliasCache.Remove(key)
		}
	}
}

// Merge is the administrative operation joining two entities believed to be
// the same referent. It rewrites the loser's transitions to the winner,
// unions aliases, recomputes the winner's cached state from the full fold,
// and marks the loser as a permanent alias pointer. The loser is never
// deleted: transition history already handed to consumers keeps resolving.
//
// Merge is never triggered automatically; no resolver score, however high,
// initiates one.
func (r *Resolver) Merge(ctx context.Context, store storage.Store, winnerID, loserID string) (*MergeResult, error) {
	if winnerID == "" || loserID == "" {
		return nil, fmt.Errorf("%w: merge requires two entity IDs", storage.ErrInvalidInput)
	}
	if winnerID == loserID {
		return nil, fmt.Errorf("%w: cannot merge an entity into itself", storage.ErrInvalidInput)
	}

	result := &MergeResult{WinnerID: winnerID, LoserID: loserID}

	err := store.RunInBatch(ctx, func(tx storage.BatchTx) error {
		winner, err := tx.GetEntity(ctx, winnerID)
		if err != nil {
			return fmt.Errorf("resolver: merge winner %s: %w", winnerID, err)
		}
		loser, err := tx.GetEntity(ctx, loserID)
		if err != nil {
			return fmt.Errorf("resolver: merge loser %s: %w", loserID, err)
		}
		if winner.MergedInto != "" {
			return fmt.Errorf("%w: winner %s was already merged into %s", storage.ErrInvalidInput, winnerID, winner.MergedInto)
		}
		if loser.MergedInto != "" {
			return fmt.Errorf("%w: loser %s was already merged into %s", storage.ErrInvalidInput, loserID, loser.MergedInto)
		}

		moved, err := tx.ReassignTransitions(ctx, loserID, winnerID)
		if err != nil {
			return err
		}
		result.TransitionsReassigned = moved

		for _, alias := range loser.Aliases {
			if winner.AddAlias(alias) {
				result.AliasesAdded++
			}
		}
		loser.MergedInto = winnerID

		if err := tx.SaveEntitiesBatch(ctx, []*types.Entity{winner, loser}); err != nil {
			return err
		}

		// The winner's cached state is derived data: recompute it from the
		// full merged history. The loser keeps an empty state so its row
		// still folds consistently over its (now empty) transition set.
		transitions, err := tx.ListTransitions(ctx, winnerID, time.Time{})
		if err != nil {
			return err
		}
		winnerState := types.NewEntityState(winnerID)
		winnerState.Attributes = types.Fold(transitions)
		if last := types.LastTransition(transitions); last != nil {
			winnerState.LastUpdatedAt = last.Timestamp
			winnerState.LastTransitionID = last.ID
		}

		return tx.SaveStatesBatch(ctx, []*types.EntityState{
			winnerState,
			types.NewEntityState(loserID),
		})
	})
	if err != nil {
		return nil, err
	}

	r.Forget(loserID)
	log.Printf("resolver: merged %s into %s (%d transitions, %d aliases)",
		loserID, winnerID, result.TransitionsReassigned, result.AliasesAdded)
	return result, nil
}
