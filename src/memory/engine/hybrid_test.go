package engine

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Protocol-Lattice/memctx/src/memory/model"
)

func scenarioConfig() SearchConfig {
	return SearchConfig{
		VectorWeight:         0.7,
		KeywordWeight:        0.3,
		MaxResults:           10,
		MinVectorSimilarity:  0.3,
		UseTemporalWeighting: true,
		TemporalDecayFactor:  0.01,
	}
}

func TestCombinerScenario(t *testing.T) {
	m1 := record("m1", "org", "acme renewal terms", 0)
	m2 := record("m2", "org", "renewal notes", 0)
	m3 := record("m3", "org", "acme renewal history", 90)

	vector := []Hit{{Record: m1, Score: 0.85}, {Record: m2, Score: 0.75}, {Record: m3, Score: 0.92}}
	keyword := []Hit{{Record: m1, Score: 0.9}, {Record: m3, Score: 0.8}}

	got := Combiner{Clock: frozenClock}.Combine(vector, keyword, scenarioConfig())
	require.Len(t, got, 3)
	byID := map[string]model.ScoredMemory{}
	for _, sm := range got {
		byID[sm.ID] = sm
	}

	assert.InDelta(t, 0.85*0.7+0.9*0.3, byID["m1"].RelevanceScore, 1e-9)
	assert.Equal(t, 1.0, byID["m1"].TemporalScore)
	assert.InDelta(t, 0.525, byID["m2"].RelevanceScore, 1e-9)
	assert.Equal(t, 0.0, byID["m2"].KeywordScore)
	assert.InDelta(t, 0.884*math.Exp(-0.9), byID["m3"].RelevanceScore, 1e-9)
	assert.InDelta(t, 0.362, byID["m3"].RelevanceScore, 0.005)

	for i := 1; i < len(got); i++ {
		assert.GreaterOrEqual(t, got[i-1].RelevanceScore, got[i].RelevanceScore)
	}
	assert.Equal(t, "m1", got[0].ID)
}

func TestCombinerEmptyInputs(t *testing.T) {
	got := Combiner{Clock: frozenClock}.Combine(nil, nil, scenarioConfig())
	assert.NotNil(t, got)
	assert.Empty(t, got)
}

func TestCombinerThresholdGateWithoutKeywordWeight(t *testing.T) {
	cfg := scenarioConfig()
	cfg.KeywordWeight = 0
	cfg.UseTemporalWeighting = false
	cfg.MinVectorSimilarity = 0.4

	vector := []Hit{
		{Record: record("a", "org", "a", 0), Score: 0.9},
		{Record: record("b", "org", "b", 0), Score: 0.5},
	}
	keyword := []Hit{{Record: record("c", "org", "c", 0), Score: 1}}

	got := Combiner{Clock: frozenClock}.Combine(vector, keyword, cfg)
	require.Len(t, got, 1)
	assert.Equal(t, "a", got[0].ID)
	for _, sm := range got {
		assert.GreaterOrEqual(t, sm.RelevanceScore, cfg.MinVectorSimilarity)
	}
}

func TestCombinerTieBreaksDeterministically(t *testing.T) {
	cfg := scenarioConfig()
	cfg.UseTemporalWeighting = false
	older := record("z-old", "org", "x", 5)
	newer := record("y-new", "org", "x", 1)
	sameA := record("b", "org", "x", 3)
	sameB := record("a", "org", "x", 3)
	hits := []Hit{{Record: older, Score: 0.8}, {Record: sameA, Score: 0.8}, {Record: newer, Score: 0.8}, {Record: sameB, Score: 0.8}}

	got := Combiner{Clock: frozenClock}.Combine(hits, nil, cfg)
	ids := []string{got[0].ID, got[1].ID, got[2].ID, got[3].ID}
	assert.Equal(t, []string{"y-new", "a", "b", "z-old"}, ids)
}

func TestCombinerTruncatesToMaxResults(t *testing.T) {
	cfg := scenarioConfig()
	cfg.MaxResults = 2
	hits := []Hit{
		{Record: record("a", "org", "a", 0), Score: 0.9},
		{Record: record("b", "org", "b", 0), Score: 0.8},
		{Record: record("c", "org", "c", 0), Score: 0.7},
	}
	got := Combiner{Clock: frozenClock}.Combine(hits, nil, cfg)
	assert.Len(t, got, 2)
}

func TestCombinerDropsSupersededCandidates(t *testing.T) {
	cfg := scenarioConfig()
	old := record("old", "org", "Acme pays monthly", 10)
	fix := record("new", "org", "Acme pays quarterly", 0)
	fix.Metadata = map[string]any{SupersedesKey: "old"}

	got := Combiner{Clock: frozenClock}.Combine([]Hit{{Record: old, Score: 0.9}, {Record: fix, Score: 0.8}}, nil, cfg)
	require.Len(t, got, 1)
	assert.Equal(t, "new", got[0].ID)

	got = Combiner{Clock: frozenClock}.Combine([]Hit{{Record: old, Score: 0.9}}, nil, cfg)
	require.Len(t, got, 1)
	assert.Equal(t, "old", got[0].ID)
}

func TestCombinerTemporalMonotonicity(t *testing.T) {
	cfg := scenarioConfig()
	t1 := record("t1", "org", "x", 30)
	t2 := record("t2", "org", "x", 2)
	got := Combiner{Clock: frozenClock}.Combine(
		[]Hit{{Record: t1, Score: 0.8}, {Record: t2, Score: 0.8}},
		[]Hit{{Record: t1, Score: 0.5}, {Record: t2, Score: 0.5}}, cfg)
	require.Len(t, got, 2)
	assert.Equal(t, "t2", got[0].ID)
	assert.Greater(t, got[0].RelevanceScore, got[1].RelevanceScore)
}
