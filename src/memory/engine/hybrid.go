package engine

import (
	"sort"
	"time"

	"github.com/Protocol-Lattice/memctx/src/memory/model"
)

// SupersedesKey is the metadata key a correcting record uses to name the
// record it replaces.
const SupersedesKey = "supersedes"

// Combiner merges the vector and keyword channels into one ranked list.
type Combiner struct {
	Clock func() time.Time
}

// Combine unions both channels by id, drops records superseded by another
// candidate, scores, gates on cfg.MinVectorSimilarity, sorts and truncates to
// cfg.MaxResults.
func (c Combiner) Combine(vector, keyword []Hit, cfg SearchConfig) []model.ScoredMemory {
	type signals struct {
		rec    model.MemoryRecord
		vs, ks float64
	}
	byID := make(map[string]*signals, len(vector)+len(keyword))
	order := make([]string, 0, len(vector)+len(keyword))
	get := func(rec model.MemoryRecord) *signals {
		s, ok := byID[rec.ID]
		if !ok {
			s = &signals{rec: rec}
			byID[rec.ID] = s
			order = append(order, rec.ID)
		}
		return s
	}
	for _, h := range vector {
		s := get(h.Record)
		if h.Score > s.vs {
			s.vs = h.Score
		}
	}
	for _, h := range keyword {
		s := get(h.Record)
		if h.Score > s.ks {
			s.ks = h.Score
		}
	}

	superseded := make(map[string]bool)
	for _, id := range order {
		if old, ok := byID[id].rec.Metadata[SupersedesKey].(string); ok && old != "" {
			superseded[old] = true
		}
	}

	now := c.now()
	out := make([]model.ScoredMemory, 0, len(order))
	for _, id := range order {
		if superseded[id] {
			continue
		}
		s := byID[id]
		sm := c.score(s.rec, s.vs, s.ks, cfg, now)
		if sm.RelevanceScore < cfg.MinVectorSimilarity {
			continue
		}
		out = append(out, sm)
	}
	SortScored(out)
	if cfg.MaxResults > 0 && len(out) > cfg.MaxResults {
		out = out[:cfg.MaxResults]
	}
	return out
}

// Score computes the relevance of a single record from its channel scores.
func (c Combiner) Score(rec model.MemoryRecord, vectorScore, keywordScore float64, cfg SearchConfig) model.ScoredMemory {
	return c.score(rec, vectorScore, keywordScore, cfg, c.now())
}

func (c Combiner) score(rec model.MemoryRecord, vs, ks float64, cfg SearchConfig, now time.Time) model.ScoredMemory {
	temporal := 1.0
	if cfg.UseTemporalWeighting {
		temporal = TemporalScore(rec.CreatedAt, now, cfg.TemporalDecayFactor)
	}
	return model.ScoredMemory{
		MemoryRecord:   rec,
		VectorScore:    vs,
		KeywordScore:   ks,
		TemporalScore:  temporal,
		RelevanceScore: (vs*cfg.VectorWeight + ks*cfg.KeywordWeight) * temporal,
	}
}

func (c Combiner) now() time.Time {
	if c.Clock == nil {
		return time.Now()
	}
	return c.Clock()
}

// DropSuperseded removes every item that another item in the list names in its
// supersedes metadata.
func DropSuperseded(items []model.ScoredMemory) []model.ScoredMemory {
	superseded := make(map[string]bool)
	for _, sm := range items {
		if old, ok := sm.Metadata[SupersedesKey].(string); ok && old != "" {
			superseded[old] = true
		}
	}
	if len(superseded) == 0 {
		return items
	}
	out := items[:0:0]
	for _, sm := range items {
		if !superseded[sm.ID] {
			out = append(out, sm)
		}
	}
	return out
}

// SortScored orders by relevance, then newer createdAt, then id.
func SortScored(items []model.ScoredMemory) {
	sort.SliceStable(items, func(i, j int) bool {
		a, b := items[i], items[j]
		if a.RelevanceScore != b.RelevanceScore {
			return a.RelevanceScore > b.RelevanceScore
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.After(b.CreatedAt)
		}
		return a.ID < b.ID
	})
}
