// Package policy resolves the effective search and context configuration of an
// organization from its plan record.
package policy

import (
	"context"
	"errors"
	"os"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"golang.org/x/sync/singleflight"

	"github.com/Protocol-Lattice/memctx/src/cache"
	"github.com/Protocol-Lattice/memctx/src/memory/engine"
	"github.com/Protocol-Lattice/memctx/src/memory/model"
	"github.com/Protocol-Lattice/memctx/src/memory/store"
)

// Options bounds the resolver cache and the plan lookup.
type Options struct {
	CacheSize     int
	CacheTTL      time.Duration
	LookupTimeout time.Duration
}

func DefaultOptions() Options {
	return Options{CacheSize: 1024, CacheTTL: 5 * time.Minute, LookupTimeout: time.Second}
}

type resolved struct {
	search  engine.SearchConfig
	context engine.ContextConfig
}

// Resolver maps organizations to configs. Results are cached per organization
// until they expire or are invalidated; a failed lookup is never cached.
type Resolver struct {
	plans store.PlanStore
	cache *cache.LRU[string, resolved]
	group singleflight.Group
	// mu orders cache fills after a lookup against invalidations.
	mu         sync.Mutex
	generation uint64
	timeout    time.Duration
	logger     *log.Logger
}

// NewResolver builds a resolver over plans. A nil plan store resolves every
// organization to the defaults.
func NewResolver(plans store.PlanStore, opts Options) *Resolver {
	def := DefaultOptions()
	if opts.CacheSize <= 0 {
		opts.CacheSize = def.CacheSize
	}
	if opts.LookupTimeout <= 0 {
		opts.LookupTimeout = def.LookupTimeout
	}
	return &Resolver{
		plans:   plans,
		cache:   cache.NewLRU[string, resolved](opts.CacheSize, opts.CacheTTL),
		timeout: opts.LookupTimeout,
		logger:  log.NewWithOptions(os.Stderr, log.Options{Prefix: "policy"}),
	}
}

// WithLogger overrides the default logger.
func (r *Resolver) WithLogger(logger *log.Logger) *Resolver {
	if logger != nil {
		r.logger = logger
	}
	return r
}

// WithClock overrides the time source used for cache expiry.
func (r *Resolver) WithClock(now func() time.Time) *Resolver {
	r.cache.WithClock(now)
	return r
}

// Resolve returns the organization's configs. It never fails: a missing plan,
// a lookup error or an invalid plan all resolve to the defaults.
func (r *Resolver) Resolve(ctx context.Context, organizationID string) (engine.SearchConfig, engine.ContextConfig) {
	if cached, ok := r.cache.Get(organizationID); ok {
		return cached.search, cached.context
	}
	v, _, _ := r.group.Do(organizationID, func() (any, error) {
		r.mu.Lock()
		gen := r.generation
		r.mu.Unlock()
		res, cacheable := r.lookup(ctx, organizationID)
		if cacheable {
			r.mu.Lock()
			if r.generation == gen {
				r.cache.Set(organizationID, res)
			}
			r.mu.Unlock()
		}
		return res, nil
	})
	res := v.(resolved)
	return res.search, res.context
}

func (r *Resolver) lookup(ctx context.Context, organizationID string) (resolved, bool) {
	defaults := resolved{search: engine.DefaultSearchConfig(), context: engine.DefaultContextConfig()}
	if r.plans == nil || organizationID == "" {
		return defaults, true
	}
	lctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	plan, err := r.plans.ResolvePlan(lctx, organizationID)
	switch {
	case errors.Is(err, store.ErrNotFound):
		return defaults, true
	case err != nil:
		r.logger.Warn("plan lookup failed, using defaults", "org", organizationID, "err", err)
		return defaults, false
	}
	sc, cc := Merge(plan)
	if err := sc.Validate(); err != nil {
		r.logger.Warn("plan has invalid search settings, using defaults", "org", organizationID, "err", err)
		return defaults, true
	}
	if err := cc.Validate(); err != nil {
		r.logger.Warn("plan has invalid context settings, using defaults", "org", organizationID, "err", err)
		return defaults, true
	}
	return resolved{search: sc, context: cc}, true
}

// Invalidate drops the cached configs of one organization. A lookup already in
// flight when Invalidate runs does not repopulate the cache.
func (r *Resolver) Invalidate(organizationID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.generation++
	r.group.Forget(organizationID)
	r.cache.Delete(organizationID)
}

// InvalidateAll empties the cache.
func (r *Resolver) InvalidateAll() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.generation++
	r.cache.Clear()
}

// Merge applies the configured fields of plan on top of the defaults. Fields a
// plan leaves unset keep their default value.
func Merge(plan model.PlanFeatures) (engine.SearchConfig, engine.ContextConfig) {
	sc, cc := engine.DefaultSearchConfig(), engine.DefaultContextConfig()
	if plan.VectorWeight != nil {
		sc.VectorWeight = *plan.VectorWeight
	}
	if plan.KeywordWeight != nil {
		sc.KeywordWeight = *plan.KeywordWeight
	}
	if plan.MinVectorSimilarity != nil {
		sc.MinVectorSimilarity = *plan.MinVectorSimilarity
	}
	if plan.MaxResults > 0 {
		sc.MaxResults = plan.MaxResults
	}
	sc.UseTemporalWeighting = plan.TemporalWeighting
	if plan.TemporalDecayFactor > 0 {
		sc.TemporalDecayFactor = plan.TemporalDecayFactor
	}

	if plan.MaxContextTokens > 0 {
		cc.MaxTokens = plan.MaxContextTokens
	}
	if s := engine.Strategy(plan.Strategy); s.Valid() {
		cc.Strategy = s
	}
	cc.Compression = plan.Compression
	cc.RelationshipExpansion = plan.RelationshipExpansion
	return sc, cc
}

var _ engine.PolicyResolver = (*Resolver)(nil)
