package engine

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestTemporalScore(t *testing.T) {
	now := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)

	assert.Equal(t, 1.0, TemporalScore(now, now, 0.01))
	assert.Equal(t, 1.0, TemporalScore(now.Add(time.Hour), now, 0.01), "future timestamps count as fresh")
	assert.InDelta(t, math.Exp(-0.9), TemporalScore(now.Add(-90*day), now, 0.01), 1e-12)
	assert.Equal(t, 1.0, TemporalScore(now.Add(-90*day), now, 0), "no decay without a rate")

	ancient := TemporalScore(now.Add(-100000*day), now, 5)
	assert.Greater(t, ancient, 0.0)
}

func TestTemporalScoreIsMonotonic(t *testing.T) {
	now := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	prev := 1.0
	for days := 1; days <= 3650; days *= 2 {
		score := TemporalScore(now.Add(-time.Duration(days)*day), now, 0.01)
		assert.Less(t, score, prev)
		assert.Greater(t, score, 0.0)
		prev = score
	}
}

func TestEstimateTokens(t *testing.T) {
	assert.Equal(t, 0, EstimateTokens(""))
	assert.Equal(t, 1, EstimateTokens("a"))
	assert.Equal(t, 1, EstimateTokens("abcd"))
	assert.Equal(t, 2, EstimateTokens("abcde"))
	assert.Equal(t, 1, EstimateTokens("żółw"))
}
