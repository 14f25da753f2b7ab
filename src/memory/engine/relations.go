package engine

import (
	"context"
	"errors"

	"github.com/charmbracelet/log"

	"github.com/Protocol-Lattice/memctx/src/concurrent"
	"github.com/Protocol-Lattice/memctx/src/memory/model"
	"github.com/Protocol-Lattice/memctx/src/memory/store"
)

// searchFunc runs one plain hybrid search. It never expands relationships.
type searchFunc func(ctx context.Context, query, organizationID, userID string, cfg SearchConfig) []model.ScoredMemory

// RelationResolver expands a seed memory into its one-hop graph neighbors plus
// a semantic search seeded with its own content.
type RelationResolver struct {
	store       store.MemoryStore
	combiner    Combiner
	search      searchFunc
	concurrency int
	logger      *log.Logger
}

// Resolve returns related memories, excluding the seed. A seed that is missing
// or outside the caller's scope yields an empty list.
func (r *RelationResolver) Resolve(ctx context.Context, memoryID, organizationID, userID string, cfg SearchConfig) ([]model.ScoredMemory, error) {
	seed, err := r.store.QueryByID(ctx, memoryID, organizationID)
	if errors.Is(err, store.ErrNotFound) || errors.Is(err, store.ErrForbidden) {
		return []model.ScoredMemory{}, nil
	}
	if err != nil {
		return nil, err
	}
	if !seed.VisibleTo(organizationID, userID) {
		return []model.ScoredMemory{}, nil
	}

	merged := make(map[string]model.ScoredMemory)
	for _, sm := range r.neighbors(ctx, seed, organizationID, userID, cfg) {
		merged[sm.ID] = sm
	}
	if r.search != nil {
		for _, sm := range r.search(ctx, seed.Content, organizationID, userID, cfg) {
			if cur, ok := merged[sm.ID]; !ok || sm.RelevanceScore > cur.RelevanceScore {
				merged[sm.ID] = sm
			}
		}
	}
	delete(merged, seed.ID)

	out := make([]model.ScoredMemory, 0, len(merged))
	for _, sm := range merged {
		out = append(out, sm)
	}
	SortScored(out)
	if len(out) > cfg.MaxResults {
		out = out[:cfg.MaxResults]
	}
	return out, nil
}

// neighbors loads one-hop edge targets in both directions and scores them
// against the seed. Explicit edges are kept regardless of the relevance gate,
// except the record the seed supersedes.
func (r *RelationResolver) neighbors(ctx context.Context, seed model.MemoryRecord, organizationID, userID string, cfg SearchConfig) []model.ScoredMemory {
	edges, err := r.store.QueryEdges(ctx, seed.ID, organizationID)
	if err != nil {
		r.logger.Warn("edge lookup failed", "org", organizationID, "memory", seed.ID, "err", err)
		return nil
	}
	seen := map[string]struct{}{seed.ID: {}}
	ids := make([]string, 0, len(edges))
	for _, edge := range edges {
		if edge.OrganizationID != organizationID {
			continue
		}
		other := edge.Other(seed.ID)
		if other == "" {
			continue
		}
		// the record a seed replaces is not related context
		if edge.RelationshipType == model.RelSupersedes && edge.SourceMemoryID == seed.ID {
			continue
		}
		if _, dup := seen[other]; dup {
			continue
		}
		seen[other] = struct{}{}
		ids = append(ids, other)
	}
	if len(ids) == 0 {
		return nil
	}

	type loaded struct {
		rec model.MemoryRecord
		ok  bool
	}
	recs, err := concurrent.ParallelMap(ctx, ids, func(ctx context.Context, id string) (loaded, error) {
		rec, err := r.store.QueryByID(ctx, id, organizationID)
		if errors.Is(err, store.ErrNotFound) {
			return loaded{}, nil
		}
		if err != nil {
			return loaded{}, err
		}
		return loaded{rec: rec, ok: true}, nil
	}, r.concurrency)
	if err != nil {
		r.logger.Warn("neighbor lookup failed", "org", organizationID, "memory", seed.ID, "err", err)
	}

	terms := Tokenize(seed.Content)
	out := make([]model.ScoredMemory, 0, len(recs))
	for _, l := range recs {
		if !l.ok || !l.rec.VisibleTo(organizationID, userID) {
			continue
		}
		vs := 0.0
		if seed.HasEmbedding() && l.rec.HasEmbedding() {
			vs = model.NormalizedSimilarity(seed.Embedding, l.rec.Embedding)
		}
		out = append(out, r.combiner.Score(l.rec, vs, KeywordOverlap(l.rec.Content, terms), cfg))
	}
	return out
}
