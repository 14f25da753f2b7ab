package engine

import (
	"context"
	"sort"

	"github.com/charmbracelet/log"

	"github.com/Protocol-Lattice/memctx/src/memory/model"
)

const (
	hybridRelevanceShare  = 0.6
	hybridImportanceShare = 0.4

	metaCompressed     = "compressed"
	metaOriginalTokens = "originalTokens"
)

// Assembly is the budgeted selection produced by the Assembler.
type Assembly struct {
	Memories    []model.MemoryRecord
	TotalTokens int
	Truncated   bool
	Compressed  int
}

// Assembler fits ranked memories into a token budget.
type Assembler struct {
	compressor Compressor
	logger     *log.Logger
}

func NewAssembler(c Compressor) *Assembler {
	if c == nil {
		c = HeuristicCompressor{}
	}
	return &Assembler{compressor: c, logger: log.Default()}
}

// Assemble walks candidates in strategy priority order, compressing long ones
// first when enabled, and stops at the first candidate that would overflow the
// budget. The selection is returned in ranked order.
func (a *Assembler) Assemble(ctx context.Context, ranked []model.ScoredMemory, cfg ContextConfig) Assembly {
	var out Assembly
	type pick struct {
		rank int
		rec  model.MemoryRecord
	}
	picks := make([]pick, 0, len(ranked))
	for _, idx := range priorityOrder(ranked, cfg.Strategy) {
		rec := ranked[idx].MemoryRecord
		cost := EstimateTokens(rec.Content)
		compressed := false
		if cfg.Compression && cost > cfg.CompressionThreshold {
			if shorter, ok := a.compress(ctx, rec, cfg.CompressionTarget); ok {
				rec = shorter
				cost = EstimateTokens(rec.Content)
				compressed = true
			}
		}
		if out.TotalTokens+cost > cfg.MaxTokens {
			out.Truncated = true
			break
		}
		if compressed {
			out.Compressed++
		}
		out.TotalTokens += cost
		picks = append(picks, pick{rank: idx, rec: rec})
	}
	sort.Slice(picks, func(i, j int) bool { return picks[i].rank < picks[j].rank })
	out.Memories = make([]model.MemoryRecord, len(picks))
	for i, p := range picks {
		out.Memories[i] = p.rec
	}
	return out
}

func (a *Assembler) compress(ctx context.Context, rec model.MemoryRecord, target int) (model.MemoryRecord, bool) {
	original := EstimateTokens(rec.Content)
	text, err := a.compressor.Compress(ctx, rec.Content, target)
	if err != nil {
		a.logger.Warn("compression failed", "memory", rec.ID, "err", err)
		return rec, false
	}
	if text == "" || EstimateTokens(text) >= original {
		return rec, false
	}
	cp := rec.Clone()
	cp.Content = text
	if cp.Metadata == nil {
		cp.Metadata = map[string]any{}
	}
	cp.Metadata[metaCompressed] = true
	cp.Metadata[metaOriginalTokens] = original
	return cp, true
}

// priorityOrder returns indices into ranked in the order the budget should be
// spent. Ties fall back to the ranked position.
func priorityOrder(ranked []model.ScoredMemory, strategy Strategy) []int {
	idx := make([]int, len(ranked))
	for i := range idx {
		idx[i] = i
	}
	var key func(model.ScoredMemory) float64
	switch strategy {
	case StrategyImportance:
		key = func(m model.ScoredMemory) float64 { return m.ImportanceScore }
	case StrategyRecency:
		sort.SliceStable(idx, func(i, j int) bool {
			return ranked[idx[i]].CreatedAt.After(ranked[idx[j]].CreatedAt)
		})
		return idx
	default:
		maxRel := 0.0
		for _, m := range ranked {
			if m.RelevanceScore > maxRel {
				maxRel = m.RelevanceScore
			}
		}
		key = func(m model.ScoredMemory) float64 {
			rel := 0.0
			if maxRel > 0 {
				rel = m.RelevanceScore / maxRel
			}
			return hybridRelevanceShare*rel + hybridImportanceShare*m.ImportanceScore
		}
	}
	sort.SliceStable(idx, func(i, j int) bool {
		return key(ranked[idx[i]]) > key(ranked[idx[j]])
	})
	return idx
}
