package policy

import (
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/charmbracelet/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Protocol-Lattice/memctx/src/memory/engine"
	"github.com/Protocol-Lattice/memctx/src/memory/model"
	"github.com/Protocol-Lattice/memctx/src/memory/store"
)

// countingPlans wraps a plan store and counts lookups.
type countingPlans struct {
	store.PlanStore
	calls atomic.Int64
	err   error
}

func (c *countingPlans) ResolvePlan(ctx context.Context, org string) (model.PlanFeatures, error) {
	c.calls.Add(1)
	if c.err != nil {
		return model.PlanFeatures{}, c.err
	}
	return c.PlanStore.ResolvePlan(ctx, org)
}

func newResolver(plans store.PlanStore) *Resolver {
	return NewResolver(plans, DefaultOptions()).WithLogger(log.New(io.Discard))
}

func f(v float64) *float64 { return &v }

func proPlan() model.PlanFeatures {
	return model.PlanFeatures{
		OrganizationID:        "org-pro",
		Tier:                  "pro",
		MaxContextTokens:      8000,
		MaxResults:            25,
		VectorWeight:          f(0.5),
		KeywordWeight:         f(0.5),
		TemporalWeighting:     true,
		TemporalDecayFactor:   0.05,
		Compression:           true,
		RelationshipExpansion: true,
		Strategy:              "importance",
	}
}

func TestResolveWithoutPlanUsesDefaults(t *testing.T) {
	r := newResolver(store.NewInMemoryStore())
	sc, cc := r.Resolve(context.Background(), "org-free")
	assert.Equal(t, engine.DefaultSearchConfig(), sc)
	assert.Equal(t, engine.DefaultContextConfig(), cc)
	assert.False(t, cc.Compression)
	assert.False(t, cc.RelationshipExpansion)
	assert.False(t, sc.UseTemporalWeighting)

	sc, cc = NewResolver(nil, DefaultOptions()).Resolve(context.Background(), "org-free")
	assert.Equal(t, engine.DefaultSearchConfig(), sc)
	assert.Equal(t, engine.DefaultContextConfig(), cc)
}

func TestResolveAppliesPlan(t *testing.T) {
	s := store.NewInMemoryStore()
	require.NoError(t, s.UpsertPlan(context.Background(), proPlan()))

	sc, cc := newResolver(s).Resolve(context.Background(), "org-pro")
	assert.Equal(t, 25, sc.MaxResults)
	assert.InDelta(t, 0.5, sc.VectorWeight, 1e-9)
	assert.InDelta(t, 0.3, sc.MinVectorSimilarity, 1e-9)
	assert.True(t, sc.UseTemporalWeighting)
	assert.InDelta(t, 0.05, sc.TemporalDecayFactor, 1e-9)
	assert.Equal(t, 8000, cc.MaxTokens)
	assert.Equal(t, engine.StrategyImportance, cc.Strategy)
	assert.True(t, cc.Compression)
	assert.True(t, cc.RelationshipExpansion)
}

func TestResolveCachesUntilInvalidated(t *testing.T) {
	s := store.NewInMemoryStore()
	require.NoError(t, s.UpsertPlan(context.Background(), proPlan()))
	plans := &countingPlans{PlanStore: s}
	r := newResolver(plans)

	for i := 0; i < 3; i++ {
		r.Resolve(context.Background(), "org-pro")
	}
	assert.Equal(t, int64(1), plans.calls.Load())

	updated := proPlan()
	updated.MaxResults = 40
	require.NoError(t, s.UpsertPlan(context.Background(), updated))
	sc, _ := r.Resolve(context.Background(), "org-pro")
	assert.Equal(t, 25, sc.MaxResults, "stale until invalidated")

	r.Invalidate("org-pro")
	sc, _ = r.Resolve(context.Background(), "org-pro")
	assert.Equal(t, 40, sc.MaxResults)
	assert.Equal(t, int64(2), plans.calls.Load())

	r.InvalidateAll()
	r.Resolve(context.Background(), "org-pro")
	assert.Equal(t, int64(3), plans.calls.Load())
}

func TestResolveExpiresCachedEntries(t *testing.T) {
	plans := &countingPlans{PlanStore: store.NewInMemoryStore()}
	now := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	r := NewResolver(plans, Options{CacheSize: 4, CacheTTL: time.Minute}).
		WithLogger(log.New(io.Discard)).
		WithClock(func() time.Time { return now })

	r.Resolve(context.Background(), "org")
	r.Resolve(context.Background(), "org")
	assert.Equal(t, int64(1), plans.calls.Load())

	now = now.Add(2 * time.Minute)
	r.Resolve(context.Background(), "org")
	assert.Equal(t, int64(2), plans.calls.Load())
}

func TestResolveFailureFallsBackWithoutCaching(t *testing.T) {
	plans := &countingPlans{PlanStore: store.NewInMemoryStore(), err: errors.New("connection refused")}
	r := newResolver(plans)

	sc, cc := r.Resolve(context.Background(), "org")
	assert.Equal(t, engine.DefaultSearchConfig(), sc)
	assert.Equal(t, engine.DefaultContextConfig(), cc)

	r.Resolve(context.Background(), "org")
	assert.Equal(t, int64(2), plans.calls.Load())
}

func TestResolveInvalidPlanFallsBack(t *testing.T) {
	s := store.NewInMemoryStore()
	bad := proPlan()
	bad.VectorWeight = f(-1)
	require.NoError(t, s.UpsertPlan(context.Background(), bad))

	sc, cc := newResolver(s).Resolve(context.Background(), "org-pro")
	assert.Equal(t, engine.DefaultSearchConfig(), sc)
	assert.Equal(t, engine.DefaultContextConfig(), cc)
}

func TestResolveIsSafeForConcurrentUse(t *testing.T) {
	s := store.NewInMemoryStore()
	require.NoError(t, s.UpsertPlan(context.Background(), proPlan()))
	r := newResolver(s)

	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if i%8 == 0 {
				r.Invalidate("org-pro")
			}
			sc, _ := r.Resolve(context.Background(), "org-pro")
			assert.Equal(t, 25, sc.MaxResults)
		}(i)
	}
	wg.Wait()
}

// gatedPlans blocks the first lookup until release is closed.
type gatedPlans struct {
	store.PlanStore
	once    sync.Once
	started chan struct{}
	release chan struct{}
}

func (g *gatedPlans) ResolvePlan(ctx context.Context, org string) (model.PlanFeatures, error) {
	plan, err := g.PlanStore.ResolvePlan(ctx, org)
	first := false
	g.once.Do(func() { first = true })
	if first {
		close(g.started)
		<-g.release
	}
	return plan, err
}

func TestInvalidateDuringLookupIsNotOverwritten(t *testing.T) {
	s := store.NewInMemoryStore()
	plan := proPlan()
	require.NoError(t, s.UpsertPlan(context.Background(), plan))
	plans := &gatedPlans{PlanStore: s, started: make(chan struct{}), release: make(chan struct{})}
	r := NewResolver(plans, Options{LookupTimeout: time.Minute}).WithLogger(log.New(io.Discard))

	done := make(chan struct{})
	go func() {
		defer close(done)
		r.Resolve(context.Background(), plan.OrganizationID)
	}()
	<-plans.started

	plan.MaxResults = 3
	require.NoError(t, s.UpsertPlan(context.Background(), plan))
	r.Invalidate(plan.OrganizationID)
	close(plans.release)
	<-done

	sc, _ := r.Resolve(context.Background(), plan.OrganizationID)
	assert.Equal(t, 3, sc.MaxResults)
}

func TestMergeKeepsDefaultsForUnsetFields(t *testing.T) {
	sc, cc := Merge(model.PlanFeatures{OrganizationID: "org", Strategy: "mystery"})
	assert.Equal(t, engine.DefaultSearchConfig(), sc)
	assert.Equal(t, engine.DefaultContextConfig(), cc)
}
