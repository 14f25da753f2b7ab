package engine

import (
	"math"
	"time"
)

const day = 24 * time.Hour

// TemporalScore is exp(-decay * ageDays) clamped to (0,1]. Future timestamps
// count as age zero; a non-positive decay disables decay.
func TemporalScore(createdAt, now time.Time, decay float64) float64 {
	if decay <= 0 {
		return 1
	}
	age := now.Sub(createdAt)
	if age <= 0 {
		return 1
	}
	score := math.Exp(-decay * age.Hours() / day.Hours())
	if score <= 0 || math.IsNaN(score) {
		return math.SmallestNonzeroFloat64
	}
	if score > 1 {
		return 1
	}
	return score
}
