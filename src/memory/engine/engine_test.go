package engine

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Protocol-Lattice/memctx/src/memory/model"
	"github.com/Protocol-Lattice/memctx/src/memory/store"
)

const query = "invoice schedule"

func queryEmbedder() *vectorEmbedder {
	return &vectorEmbedder{vectors: map[string][]float32{
		query:                        {1, 0},
		"invoice schedule quarterly": {1, 0},
		"office plants watering":     {0, 1},
	}}
}

func seed(t *testing.T, s *store.InMemoryStore, recs ...model.MemoryRecord) {
	t.Helper()
	for _, rec := range recs {
		require.NoError(t, s.InsertMemory(context.Background(), rec))
	}
}

func ids(mems []model.ScoredMemory) []string {
	out := make([]string, len(mems))
	for i, m := range mems {
		out[i] = m.ID
	}
	return out
}

func TestSearchIsolatesOrganizations(t *testing.T) {
	s := store.NewInMemoryStore()
	seed(t, s,
		record("a1", "org-a", "Acme invoice schedule is monthly", 1, 1, 0),
		record("b1", "org-b", "Acme invoice schedule is monthly", 1, 1, 0),
		record("b2", "org-b", "Globex invoice schedule", 1, 0.9, 0.1),
	)
	e := newTestEngine(s, DefaultOptions()).WithEmbedder(queryEmbedder())

	got, err := e.Search(context.Background(), query, "org-a", "", nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"a1"}, ids(got))
	for _, m := range got {
		assert.Equal(t, "org-a", m.OrganizationID)
	}
}

func TestSearchRequiresOrganization(t *testing.T) {
	e := newTestEngine(store.NewInMemoryStore(), DefaultOptions())
	_, err := e.Search(context.Background(), query, " ", "", nil)
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestSearchIsDeterministic(t *testing.T) {
	s := store.NewInMemoryStore()
	for i := 0; i < 8; i++ {
		seed(t, s, record(fmt.Sprintf("m%d", i), "org", "invoice schedule note", i%3, 1, float32(i)/10))
	}
	e := newTestEngine(s, DefaultOptions()).WithEmbedder(queryEmbedder())
	override := &ConfigOverride{UseTemporalWeighting: ptr(true)}

	first, err := e.Search(context.Background(), query, "org", "", override)
	require.NoError(t, err)
	second, err := e.Search(context.Background(), query, "org", "", override)
	require.NoError(t, err)
	require.NotEmpty(t, first)
	assert.Equal(t, first, second)
}

func TestSearchEmptyQueryTouchesNothing(t *testing.T) {
	s := store.NewInMemoryStore()
	seed(t, s, record("m1", "org", "invoice schedule", 0, 1, 0))
	emb := queryEmbedder()
	e := newTestEngine(s, DefaultOptions()).WithEmbedder(emb)

	got, err := e.Search(context.Background(), "   ", "org", "", nil)
	require.NoError(t, err)
	assert.NotNil(t, got)
	assert.Empty(t, got)
	assert.Zero(t, s.KeywordQueries())
	assert.Zero(t, emb.calls.Load())
}

func TestSearchStopWordQuerySkipsKeywordStore(t *testing.T) {
	s := store.NewInMemoryStore()
	seed(t, s, record("m1", "org", "the and for", 0))
	e := newTestEngine(s, DefaultOptions())

	got, err := e.Search(context.Background(), "the and of", "org", "", nil)
	require.NoError(t, err)
	assert.Empty(t, got)
	assert.Zero(t, s.KeywordQueries())
}

func TestSearchDegradesToKeywordsWhenEmbeddingFails(t *testing.T) {
	s := store.NewInMemoryStore()
	seed(t, s,
		record("m1", "org", "The invoice schedule moved to quarterly", 2, 1, 0),
		record("m2", "org", "Office plants need water", 2, 0, 1),
	)
	e := newTestEngine(s, DefaultOptions())

	got, err := e.Search(context.Background(), query, "org", "", &ConfigOverride{MinVectorSimilarity: ptr(0.1)})
	require.NoError(t, err)
	require.Equal(t, []string{"m1"}, ids(got))
	assert.Zero(t, got[0].VectorScore)
	assert.InDelta(t, 1.0, got[0].KeywordScore, 1e-9)
	assert.InDelta(t, 0.3, got[0].RelevanceScore, 1e-9)
	assert.Equal(t, int64(1), e.MetricsSnapshot().EmbedFailures)
}

func TestSearchSlowVectorChannelKeepsKeywordResults(t *testing.T) {
	s := store.NewInMemoryStore()
	rec := record("m1", "org", "invoice schedule for Acme", 0)
	seed(t, s, rec)
	opts := DefaultOptions()
	opts.ChannelTimeout = 20 * time.Millisecond
	slow := stubVector{hits: []Hit{{Record: record("v1", "org", "vector only", 0), Score: 0.99}}, delay: time.Second}
	e := newTestEngine(s, opts).WithChannels(slow, nil)

	start := time.Now()
	got, err := e.Search(context.Background(), query, "org", "", &ConfigOverride{MinVectorSimilarity: ptr(0.1)})
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 500*time.Millisecond)
	assert.Equal(t, []string{"m1"}, ids(got))
	assert.Equal(t, int64(1), e.MetricsSnapshot().VectorDegraded)
}

func TestSearchDropsChannelHitsFromOtherOrganizations(t *testing.T) {
	leaky := stubKeyword{hits: []Hit{
		{Record: record("mine", "org-a", "invoice", 0), Score: 1},
		{Record: record("theirs", "org-b", "invoice", 0), Score: 1},
	}}
	e := newTestEngine(store.NewInMemoryStore(), DefaultOptions()).WithChannels(stubVector{}, leaky)

	got, err := e.Search(context.Background(), query, "org-a", "", &ConfigOverride{MinVectorSimilarity: ptr(0.1)})
	require.NoError(t, err)
	assert.Equal(t, []string{"mine"}, ids(got))
}

func TestSearchBoundsResults(t *testing.T) {
	s := store.NewInMemoryStore()
	for i := 0; i < 15; i++ {
		seed(t, s, record(fmt.Sprintf("m%02d", i), "org", "invoice schedule entry", i, 1, 0))
	}
	e := newTestEngine(s, DefaultOptions()).WithEmbedder(queryEmbedder())

	got, err := e.Search(context.Background(), query, "org", "", &ConfigOverride{MaxResults: ptr(5)})
	require.NoError(t, err)
	assert.Len(t, got, 5)
	for i := 1; i < len(got); i++ {
		assert.GreaterOrEqual(t, got[i-1].RelevanceScore, got[i].RelevanceScore)
	}
}

func TestSearchRejectsInvalidOverride(t *testing.T) {
	e := newTestEngine(store.NewInMemoryStore(), DefaultOptions())
	_, err := e.Search(context.Background(), query, "org", "", &ConfigOverride{MaxResults: ptr(0)})
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestSearchHonoursUserScope(t *testing.T) {
	s := store.NewInMemoryStore()
	shared := record("shared", "org", "invoice schedule shared", 0, 1, 0)
	mine := record("mine", "org", "invoice schedule mine", 0, 1, 0)
	mine.UserID = "u1"
	theirs := record("theirs", "org", "invoice schedule theirs", 0, 1, 0)
	theirs.UserID = "u2"
	seed(t, s, shared, mine, theirs)
	e := newTestEngine(s, DefaultOptions()).WithEmbedder(queryEmbedder())

	got, err := e.Search(context.Background(), query, "org", "u1", nil)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"shared", "mine"}, ids(got))
}

func TestGetContextPersistsAndReloads(t *testing.T) {
	s := store.NewInMemoryStore()
	seed(t, s,
		record("m1", "org", "invoice schedule is quarterly", 1, 1, 0),
		record("m2", "org", "invoice schedule owner is Dana", 2, 0.9, 0.1),
	)
	e := newTestEngine(s, DefaultOptions()).WithEmbedder(queryEmbedder())

	c, err := e.GetContext(context.Background(), ContextRequest{Query: query, OrganizationID: "org", AgentID: "agent-7"})
	require.NoError(t, err)
	require.NotEmpty(t, c.ID)
	assert.False(t, c.Truncated)
	assert.Equal(t, []string{"m1", "m2"}, c.MemoryIDs())
	assert.Equal(t, 2, c.Metadata.Retrieved)
	assert.Equal(t, 2, c.Metadata.Selected)
	assert.Equal(t, 2000, c.Metadata.TokenBudget)
	assert.InDelta(t, float64(c.TotalTokens)/2000, c.Metadata.ContextUtilization, 1e-9)
	assert.Equal(t, testNow, c.CreatedAt)

	loaded, err := e.GetContextByID(context.Background(), c.ID, "org")
	require.NoError(t, err)
	require.NotNil(t, loaded)
	assert.Equal(t, c.MemoryIDs(), loaded.MemoryIDs())
	assert.Equal(t, "agent-7", loaded.AgentID)
	assert.Equal(t, query, loaded.Query)
}

func TestGetContextRespectsBudget(t *testing.T) {
	s := store.NewInMemoryStore()
	for i := 0; i < 6; i++ {
		seed(t, s, record(fmt.Sprintf("m%d", i), "org", "invoice schedule "+strings.Repeat("x", 63), i, 1, 0))
	}
	e := newTestEngine(s, DefaultOptions()).WithEmbedder(queryEmbedder())

	c, err := e.GetContext(context.Background(), ContextRequest{
		Query:          query,
		OrganizationID: "org",
		Override:       &ConfigOverride{MaxTokens: ptr(50)},
	})
	require.NoError(t, err)
	assert.True(t, c.Truncated)
	assert.LessOrEqual(t, c.TotalTokens, 50)
	assert.Len(t, c.Memories, 2)
	assert.Equal(t, 6, c.Metadata.Retrieved)
	assert.Equal(t, int64(1), e.MetricsSnapshot().Truncated)
}

func TestGetContextByIDUnknownAndForeign(t *testing.T) {
	s := store.NewInMemoryStore()
	seed(t, s, record("m1", "org-a", "invoice schedule", 0, 1, 0))
	e := newTestEngine(s, DefaultOptions()).WithEmbedder(queryEmbedder())

	missing, err := e.GetContextByID(context.Background(), "nope", "org-a")
	require.NoError(t, err)
	assert.Nil(t, missing)

	c, err := e.GetContext(context.Background(), ContextRequest{Query: query, OrganizationID: "org-a"})
	require.NoError(t, err)
	foreign, err := e.GetContextByID(context.Background(), c.ID, "org-b")
	assert.ErrorIs(t, err, ErrUnauthorized)
	assert.Nil(t, foreign)
}

func TestAmendContextRejectsOtherOrganization(t *testing.T) {
	s := store.NewInMemoryStore()
	seed(t, s, record("m1", "org-a", "invoice schedule", 0, 1, 0))
	e := newTestEngine(s, DefaultOptions()).WithEmbedder(queryEmbedder())
	c, err := e.GetContext(context.Background(), ContextRequest{Query: query, OrganizationID: "org-a"})
	require.NoError(t, err)

	err = e.AmendContext(context.Background(), c.ID, model.Feedback{Useful: ptr(false), Irrelevant: []string{"m1"}}, "org-b")
	assert.ErrorIs(t, err, ErrUnauthorized)

	stored, err := s.GetContext(context.Background(), c.ID, "org-a")
	require.NoError(t, err)
	assert.Empty(t, stored.Feedback)
	rec, err := s.QueryByID(context.Background(), "m1", "org-a")
	require.NoError(t, err)
	assert.InDelta(t, 0.5, rec.ImportanceScore, 1e-9)
	assert.Equal(t, int64(1), e.MetricsSnapshot().RejectedAmends)
}

func TestAmendContextAppendsFeedbackAndRevisesImportance(t *testing.T) {
	s := store.NewInMemoryStore()
	seed(t, s,
		record("m1", "org", "invoice schedule quarterly", 0, 1, 0),
		record("m2", "org", "invoice schedule owner", 0, 1, 0),
		record("outside", "org", "unrelated", 0),
	)
	e := newTestEngine(s, DefaultOptions()).WithEmbedder(queryEmbedder())
	c, err := e.GetContext(context.Background(), ContextRequest{Query: query, OrganizationID: "org"})
	require.NoError(t, err)

	fb := model.Feedback{Relevance: ptr(0.8), Helpful: []string{"m1"}, Irrelevant: []string{"m2", "outside"}}
	require.NoError(t, e.AmendContext(context.Background(), c.ID, fb, "org"))

	stored, err := s.GetContext(context.Background(), c.ID, "org")
	require.NoError(t, err)
	require.Len(t, stored.Feedback, 1)
	assert.Equal(t, testNow, stored.Feedback[0].CreatedAt)
	assert.Equal(t, c.MemoryIDs(), stored.MemoryIDs())

	importance := func(id string) float64 {
		rec, err := s.QueryByID(context.Background(), id, "org")
		require.NoError(t, err)
		return rec.ImportanceScore
	}
	assert.InDelta(t, 0.6, importance("m1"), 1e-9)
	assert.InDelta(t, 0.4, importance("m2"), 1e-9)
	assert.InDelta(t, 0.5, importance("outside"), 1e-9)
}

func TestAmendContextValidation(t *testing.T) {
	e := newTestEngine(store.NewInMemoryStore(), DefaultOptions())
	ctx := context.Background()
	assert.ErrorIs(t, e.AmendContext(ctx, "", model.Feedback{Useful: ptr(true)}, "org"), ErrInvalidInput)
	assert.ErrorIs(t, e.AmendContext(ctx, "c1", model.Feedback{}, "org"), ErrInvalidInput)
	assert.ErrorIs(t, e.AmendContext(ctx, "c1", model.Feedback{Useful: ptr(true)}, ""), ErrInvalidInput)
	assert.ErrorIs(t, e.AmendContext(ctx, "c1", model.Feedback{Useful: ptr(true)}, "org"), ErrContextNotFound)
}

func TestIngestStoresEmbeddedRecord(t *testing.T) {
	s := store.NewInMemoryStore()
	e := newTestEngine(s, DefaultOptions()).WithEmbedder(queryEmbedder())

	rec, err := e.Ingest(context.Background(), IngestRequest{
		Content:         " invoice schedule quarterly ",
		OrganizationID:  "org",
		ImportanceScore: 0.7,
	})
	require.NoError(t, err)
	assert.Equal(t, model.TypeFact, rec.Type)
	assert.Equal(t, []float32{1, 0}, rec.Embedding)

	stored, err := s.QueryByID(context.Background(), rec.ID, "org")
	require.NoError(t, err)
	assert.Equal(t, "invoice schedule quarterly", stored.Content)

	noVector, err := e.Ingest(context.Background(), IngestRequest{Content: "unknown text", OrganizationID: "org"})
	require.NoError(t, err)
	assert.False(t, noVector.HasEmbedding())
}

func TestIngestValidation(t *testing.T) {
	e := newTestEngine(store.NewInMemoryStore(), DefaultOptions())
	ctx := context.Background()
	_, err := e.Ingest(ctx, IngestRequest{Content: "x", OrganizationID: ""})
	assert.ErrorIs(t, err, ErrInvalidInput)
	_, err = e.Ingest(ctx, IngestRequest{Content: "  ", OrganizationID: "org"})
	assert.ErrorIs(t, err, ErrInvalidInput)
	_, err = e.Ingest(ctx, IngestRequest{Content: "x", OrganizationID: "org", ImportanceScore: 2})
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestSupersedeHidesOldRecord(t *testing.T) {
	s := store.NewInMemoryStore()
	seed(t, s, record("old", "org", "invoice schedule monthly", 5, 1, 0))
	e := newTestEngine(s, DefaultOptions()).WithEmbedder(queryEmbedder())

	before, err := e.Search(context.Background(), query, "org", "", nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"old"}, ids(before))

	fix, err := e.Supersede(context.Background(), "org", "old", "invoice schedule quarterly")
	require.NoError(t, err)
	assert.Equal(t, "old", fix.Metadata[SupersedesKey])

	after, err := e.Search(context.Background(), query, "org", "", nil)
	require.NoError(t, err)
	assert.Equal(t, []string{fix.ID}, ids(after))

	edges, err := s.QueryEdges(context.Background(), "old", "org")
	require.NoError(t, err)
	require.Len(t, edges, 1)
	assert.Equal(t, model.RelSupersedes, edges[0].RelationshipType)
}

func TestSupersedeForeignRecordFails(t *testing.T) {
	s := store.NewInMemoryStore()
	seed(t, s, record("old", "org-a", "invoice schedule monthly", 5, 1, 0))
	e := newTestEngine(s, DefaultOptions())
	_, err := e.Supersede(context.Background(), "org-b", "old", "changed")
	assert.Error(t, err)
}

func TestLinkRejectsCrossOrganizationEdges(t *testing.T) {
	s := store.NewInMemoryStore()
	seed(t, s, record("a", "org-a", "alpha", 0), record("b", "org-b", "beta", 0))
	e := newTestEngine(s, DefaultOptions())
	err := e.Link(context.Background(), model.RelationshipEdge{
		SourceMemoryID: "a", TargetMemoryID: "b", RelationshipType: model.RelRelatedTo, OrganizationID: "org-a",
	})
	assert.ErrorIs(t, err, ErrUnauthorized)
}

func TestFindRelatedMemories(t *testing.T) {
	s := store.NewInMemoryStore()
	seed(t, s,
		record("seed", "org", "invoice schedule", 0, 1, 0),
		record("linked", "org", "office plants watering", 0, 0, 1),
		record("similar", "org", "invoice schedule quarterly", 1, 1, 0),
		record("noise", "org", "parking rules", 0, 0, 1),
	)
	e := newTestEngine(s, DefaultOptions()).WithEmbedder(queryEmbedder())
	require.NoError(t, e.Link(context.Background(), model.RelationshipEdge{
		SourceMemoryID: "linked", TargetMemoryID: "seed", RelationshipType: model.RelExplains, OrganizationID: "org",
	}))

	got, err := e.FindRelatedMemories(context.Background(), "seed", "org", "")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"linked", "similar"}, ids(got))
	assert.NotContains(t, ids(got), "seed")
	assert.Equal(t, "similar", got[0].ID)

	missing, err := e.FindRelatedMemories(context.Background(), "ghost", "org", "")
	require.NoError(t, err)
	assert.NotNil(t, missing)
	assert.Empty(t, missing)

	foreign, err := e.FindRelatedMemories(context.Background(), "seed", "org-b", "")
	require.NoError(t, err)
	assert.Empty(t, foreign)
}

func TestGetContextExpandsRelationships(t *testing.T) {
	s := store.NewInMemoryStore()
	seed(t, s,
		record("seed", "org", "invoice schedule", 0, 1, 0),
		record("linked", "org", "office plants watering", 0, 0, 1),
	)
	e := newTestEngine(s, DefaultOptions()).WithEmbedder(queryEmbedder())
	require.NoError(t, e.Link(context.Background(), model.RelationshipEdge{
		SourceMemoryID: "seed", TargetMemoryID: "linked", RelationshipType: model.RelFollows, OrganizationID: "org",
	}))

	plain, err := e.GetContext(context.Background(), ContextRequest{Query: query, OrganizationID: "org"})
	require.NoError(t, err)
	assert.Equal(t, []string{"seed"}, plain.MemoryIDs())

	expanded, err := e.GetContext(context.Background(), ContextRequest{
		Query:          query,
		OrganizationID: "org",
		Override:       &ConfigOverride{RelationshipExpansion: ptr(true)},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"seed", "linked"}, expanded.MemoryIDs())
}

func TestGetContextExpansionKeepsSupersededRecordsOut(t *testing.T) {
	s := store.NewInMemoryStore()
	seed(t, s, record("old", "org", "invoice schedule monthly", 5, 1, 0))
	e := newTestEngine(s, DefaultOptions()).WithEmbedder(queryEmbedder())
	fix, err := e.Supersede(context.Background(), "org", "old", "invoice schedule quarterly")
	require.NoError(t, err)

	plain, err := e.GetContext(context.Background(), ContextRequest{Query: query, OrganizationID: "org"})
	require.NoError(t, err)
	assert.Equal(t, []string{fix.ID}, plain.MemoryIDs())

	expanded, err := e.GetContext(context.Background(), ContextRequest{
		Query:          query,
		OrganizationID: "org",
		Override:       &ConfigOverride{RelationshipExpansion: ptr(true)},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{fix.ID}, expanded.MemoryIDs())

	related, err := e.FindRelatedMemories(context.Background(), fix.ID, "org", "")
	require.NoError(t, err)
	assert.NotContains(t, ids(related), "old")
}

func TestGetContextExpansionStaysWithinMaxResults(t *testing.T) {
	s := store.NewInMemoryStore()
	seed(t, s,
		record("seed", "org", "invoice schedule", 0, 1, 0),
		record("linked", "org", "office plants watering", 0, 0, 1),
	)
	e := newTestEngine(s, DefaultOptions()).WithEmbedder(queryEmbedder())
	require.NoError(t, e.Link(context.Background(), model.RelationshipEdge{
		SourceMemoryID: "seed", TargetMemoryID: "linked", RelationshipType: model.RelFollows, OrganizationID: "org",
	}))

	c, err := e.GetContext(context.Background(), ContextRequest{
		Query:          query,
		OrganizationID: "org",
		Override:       &ConfigOverride{RelationshipExpansion: ptr(true), MaxResults: ptr(1)},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"seed"}, c.MemoryIDs())
	assert.Equal(t, 1, c.Metadata.Retrieved)
}

type fixedPolicy struct {
	sc SearchConfig
	cc ContextConfig
}

func (p fixedPolicy) Resolve(context.Context, string) (SearchConfig, ContextConfig) {
	return p.sc, p.cc
}

func TestPolicyFeedsConfigAndOverridesWin(t *testing.T) {
	s := store.NewInMemoryStore()
	for i := 0; i < 4; i++ {
		seed(t, s, record(fmt.Sprintf("m%d", i), "org", "invoice schedule", i, 1, 0))
	}
	sc := DefaultSearchConfig()
	sc.MaxResults = 2
	e := newTestEngine(s, DefaultOptions()).WithEmbedder(queryEmbedder()).WithPolicy(fixedPolicy{sc: sc, cc: DefaultContextConfig()})

	got, err := e.Search(context.Background(), query, "org", "", nil)
	require.NoError(t, err)
	assert.Len(t, got, 2)

	got, err = e.Search(context.Background(), query, "org", "", &ConfigOverride{MaxResults: ptr(3)})
	require.NoError(t, err)
	assert.Len(t, got, 3)
}
