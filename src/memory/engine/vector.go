package engine

import (
	"context"

	"github.com/charmbracelet/log"
	"github.com/m-mizutani/goerr/v2"

	"github.com/Protocol-Lattice/memctx/src/cache"
	"github.com/Protocol-Lattice/memctx/src/concurrent"
	"github.com/Protocol-Lattice/memctx/src/memory/embed"
	"github.com/Protocol-Lattice/memctx/src/memory/model"
	"github.com/Protocol-Lattice/memctx/src/memory/store"
)

// VectorChannel retrieves semantically similar memories.
type VectorChannel interface {
	Score(ctx context.Context, query, organizationID, userID string, floor float64, limit int) ([]Hit, error)
}

// VectorScorer embeds the query and asks the store for records at or above the
// similarity floor. Embedding failures and rate-limit denials yield an empty
// result instead of an error.
type VectorScorer struct {
	store    store.MemoryStore
	embedder embed.Embedder
	limiter  *cache.Limiter
	gate     *concurrent.Gate
	metrics  *Metrics
	logger   *log.Logger
}

func NewVectorScorer(s store.MemoryStore, embedder embed.Embedder) *VectorScorer {
	return &VectorScorer{store: s, embedder: embedder, metrics: &Metrics{}, logger: log.Default()}
}

func (v *VectorScorer) Score(ctx context.Context, query, organizationID, userID string, floor float64, limit int) ([]Hit, error) {
	if v.embedder == nil || limit <= 0 {
		return nil, nil
	}
	if !v.limiter.Allow(organizationID) {
		v.metrics.incRateLimited()
		v.logger.Warn("embedding rate limited", "org", organizationID)
		return nil, nil
	}
	var vec []float32
	err := v.gate.Do(ctx, func() error {
		var embedErr error
		vec, embedErr = v.embedder.Embed(ctx, query)
		return embedErr
	})
	if err != nil || len(vec) == 0 {
		v.metrics.incEmbedFailures()
		v.logger.Warn("query embedding unavailable", "org", organizationID, "err", err)
		return nil, nil
	}
	sims, err := v.store.QueryBySimilarity(ctx, vec, organizationID, userID, floor, limit)
	if err != nil {
		return nil, goerr.Wrap(err, "similarity query", goerr.V("org", organizationID))
	}
	hits := make([]Hit, 0, len(sims))
	for _, s := range sims {
		if !s.Record.VisibleTo(organizationID, userID) {
			continue
		}
		score := model.ClampUnit(s.Similarity)
		if score < floor {
			continue
		}
		hits = append(hits, Hit{Record: s.Record, Score: score})
	}
	return hits, nil
}
