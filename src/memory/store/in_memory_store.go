package store

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/Protocol-Lattice/memctx/src/memory/model"
)

// InMemoryStore implements every store contract for tests and single-process
// deployments.
type InMemoryStore struct {
	mu       sync.RWMutex
	records  map[string]model.MemoryRecord
	edges    []model.RelationshipEdge
	contexts map[string]model.Context
	plans    map[string]model.PlanFeatures

	keywordQueries atomic.Int64
}

var (
	_ MemoryStore  = (*InMemoryStore)(nil)
	_ MemoryWriter = (*InMemoryStore)(nil)
	_ ContextStore = (*InMemoryStore)(nil)
	_ PlanStore    = (*InMemoryStore)(nil)
	_ PlanWriter   = (*InMemoryStore)(nil)
)

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		records:  make(map[string]model.MemoryRecord),
		contexts: make(map[string]model.Context),
		plans:    make(map[string]model.PlanFeatures),
	}
}

// KeywordQueries reports how many keyword lookups reached the store.
func (s *InMemoryStore) KeywordQueries() int64 { return s.keywordQueries.Load() }

func (s *InMemoryStore) InsertMemory(ctx context.Context, rec model.MemoryRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := rec.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.records[rec.ID]; exists {
		return ErrDuplicate
	}
	s.records[rec.ID] = rec.Clone()
	return nil
}

func (s *InMemoryStore) InsertEdge(ctx context.Context, edge model.RelationshipEdge) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := edge.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range []string{edge.SourceMemoryID, edge.TargetMemoryID} {
		rec, ok := s.records[id]
		if !ok {
			return ErrNotFound
		}
		if rec.OrganizationID != edge.OrganizationID {
			return ErrForbidden
		}
	}
	if edge.CreatedAt.IsZero() {
		edge.CreatedAt = time.Now().UTC()
	}
	s.edges = append(s.edges, edge)
	return nil
}

func (s *InMemoryStore) AdjustImportance(ctx context.Context, id, organizationID string, delta float64) (float64, error) {
	if err := requireOrg(organizationID); err != nil {
		return 0, err
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[id]
	if !ok || rec.OrganizationID != organizationID {
		return 0, ErrNotFound
	}
	rec.ImportanceScore = clamp01(rec.ImportanceScore + delta)
	s.records[id] = rec
	return rec.ImportanceScore, nil
}

func (s *InMemoryStore) QueryBySimilarity(ctx context.Context, vector []float32, organizationID, userID string, floor float64, limit int) ([]SimilarityHit, error) {
	if err := requireOrg(organizationID); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(vector) == 0 || limit <= 0 {
		return nil, nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	hits := make([]SimilarityHit, 0)
	for _, rec := range s.records {
		if !rec.VisibleTo(organizationID, userID) || !rec.HasEmbedding() {
			continue
		}
		sim := model.CosineSimilarity(vector, rec.Embedding)
		if sim < floor {
			continue
		}
		hits = append(hits, SimilarityHit{Record: rec.Clone(), Similarity: sim})
	}
	sort.Slice(hits, func(i, j int) bool {
		if hits[i].Similarity != hits[j].Similarity {
			return hits[i].Similarity > hits[j].Similarity
		}
		return hits[i].Record.ID < hits[j].Record.ID
	})
	if len(hits) > limit {
		hits = hits[:limit]
	}
	return hits, nil
}

func (s *InMemoryStore) QueryByKeyword(ctx context.Context, terms []string, organizationID, userID string, limit int) ([]model.MemoryRecord, error) {
	if err := requireOrg(organizationID); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.keywordQueries.Add(1)
	if len(terms) == 0 || limit <= 0 {
		return nil, nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]model.MemoryRecord, 0)
	for _, rec := range s.records {
		if !rec.VisibleTo(organizationID, userID) {
			continue
		}
		if matchesAnyTerm(rec.Content, terms) {
			out = append(out, rec.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *InMemoryStore) QueryByID(ctx context.Context, id, organizationID string) (model.MemoryRecord, error) {
	if err := requireOrg(organizationID); err != nil {
		return model.MemoryRecord{}, err
	}
	if err := ctx.Err(); err != nil {
		return model.MemoryRecord{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[id]
	if !ok || rec.OrganizationID != organizationID {
		return model.MemoryRecord{}, ErrNotFound
	}
	return rec.Clone(), nil
}

func (s *InMemoryStore) QueryEdges(ctx context.Context, memoryID, organizationID string) ([]model.RelationshipEdge, error) {
	if err := requireOrg(organizationID); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []model.RelationshipEdge
	for _, edge := range s.edges {
		if edge.OrganizationID != organizationID {
			continue
		}
		if edge.SourceMemoryID == memoryID || edge.TargetMemoryID == memoryID {
			out = append(out, edge)
		}
	}
	return out, nil
}

func (s *InMemoryStore) SaveContext(ctx context.Context, c model.Context) (string, error) {
	if err := requireOrg(c.OrganizationID); err != nil {
		return "", err
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.contexts[c.ID]; exists {
		return "", ErrDuplicate
	}
	s.contexts[c.ID] = cloneContext(c)
	return c.ID, nil
}

func (s *InMemoryStore) GetContext(ctx context.Context, id, organizationID string) (model.Context, error) {
	if err := requireOrg(organizationID); err != nil {
		return model.Context{}, err
	}
	if err := ctx.Err(); err != nil {
		return model.Context{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.contexts[id]
	if !ok {
		return model.Context{}, ErrNotFound
	}
	if c.OrganizationID != organizationID {
		return model.Context{}, ErrForbidden
	}
	return cloneContext(c), nil
}

func (s *InMemoryStore) AppendFeedback(ctx context.Context, id, organizationID string, fb model.Feedback) error {
	if err := requireOrg(organizationID); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.contexts[id]
	if !ok {
		return ErrNotFound
	}
	if c.OrganizationID != organizationID {
		return ErrForbidden
	}
	c.Feedback = append(append([]model.Feedback(nil), c.Feedback...), fb)
	s.contexts[id] = c
	return nil
}

func (s *InMemoryStore) ResolvePlan(ctx context.Context, organizationID string) (model.PlanFeatures, error) {
	if err := requireOrg(organizationID); err != nil {
		return model.PlanFeatures{}, err
	}
	if err := ctx.Err(); err != nil {
		return model.PlanFeatures{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	plan, ok := s.plans[organizationID]
	if !ok {
		return model.PlanFeatures{}, ErrNotFound
	}
	return plan, nil
}

func (s *InMemoryStore) UpsertPlan(ctx context.Context, plan model.PlanFeatures) error {
	if err := requireOrg(plan.OrganizationID); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.plans[plan.OrganizationID] = plan
	return nil
}

func cloneContext(c model.Context) model.Context {
	out := c
	out.Memories = make([]model.MemoryRecord, len(c.Memories))
	for i, m := range c.Memories {
		out.Memories[i] = m.Clone()
	}
	out.Feedback = append([]model.Feedback(nil), c.Feedback...)
	return out
}
