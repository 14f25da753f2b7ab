package engine

import (
	"context"
	"errors"
	"io"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"

	"github.com/Protocol-Lattice/memctx/src/memory/model"
	"github.com/Protocol-Lattice/memctx/src/memory/store"
)

var testNow = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

func frozenClock() time.Time { return testNow }

func record(id, org, content string, ageDays int, emb ...float32) model.MemoryRecord {
	return model.MemoryRecord{
		ID:              id,
		Content:         content,
		Type:            model.TypeFact,
		OrganizationID:  org,
		CreatedAt:       testNow.Add(-time.Duration(ageDays) * day),
		ImportanceScore: 0.5,
		Embedding:       emb,
	}
}

// vectorEmbedder returns fixed vectors for known texts and fails otherwise.
type vectorEmbedder struct {
	vectors map[string][]float32
	calls   atomic.Int64
}

func (v *vectorEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	v.calls.Add(1)
	if vec, ok := v.vectors[text]; ok {
		return vec, nil
	}
	return nil, errors.New("no vector for text")
}

type failingEmbedder struct{}

func (failingEmbedder) Embed(context.Context, string) ([]float32, error) {
	return nil, errors.New("provider down")
}

// stubChannels return canned hits so ranking can be checked in isolation.
type stubVector struct {
	hits  []Hit
	delay time.Duration
}

func (s stubVector) Score(ctx context.Context, _, _, _ string, floor float64, _ int) ([]Hit, error) {
	if s.delay > 0 {
		select {
		case <-time.After(s.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	var out []Hit
	for _, h := range s.hits {
		if h.Score >= floor {
			out = append(out, h)
		}
	}
	return out, nil
}

type stubKeyword struct{ hits []Hit }

func (s stubKeyword) Score(context.Context, string, string, string, int) ([]Hit, error) {
	return s.hits, nil
}

// newTestEngine builds an engine whose embedder fails until a test installs one.
func newTestEngine(s *store.InMemoryStore, opts Options) *Engine {
	if opts.Clock == nil {
		opts.Clock = frozenClock
	}
	return NewEngine(s, s, opts).WithLogger(log.New(io.Discard)).WithEmbedder(failingEmbedder{})
}

func ptr[T any](v T) *T { return &v }
