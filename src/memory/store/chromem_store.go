package store

import (
	"context"
	"errors"
	"sync"

	"github.com/m-mizutani/goerr/v2"
	"github.com/philippgille/chromem-go"

	"github.com/Protocol-Lattice/memctx/src/memory/model"
)

// ChromemStore answers similarity lookups from an embedded chromem-go index and
// delegates everything else to base. Each organization gets its own collection.
type ChromemStore struct {
	base GraphBase
	db   *chromem.DB

	mu          sync.Mutex
	collections map[string]*chromem.Collection
}

var (
	_ MemoryStore  = (*ChromemStore)(nil)
	_ MemoryWriter = (*ChromemStore)(nil)
)

const chromemOversampling = 4

var errChromemNoEmbedder = errors.New("chromem index only accepts precomputed embeddings")

// NewChromemStore builds an in-process index. A non-empty path persists it to disk.
func NewChromemStore(base GraphBase, path string) (*ChromemStore, error) {
	if base == nil {
		return nil, errors.New("base memory store is nil")
	}
	db := chromem.NewDB()
	if path != "" {
		var err error
		db, err = chromem.NewPersistentDB(path, true)
		if err != nil {
			return nil, goerr.Wrap(err, "chromem open", goerr.V("path", path))
		}
	}
	return &ChromemStore{base: base, db: db, collections: make(map[string]*chromem.Collection)}, nil
}

func (s *ChromemStore) collection(organizationID string) (*chromem.Collection, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if col, ok := s.collections[organizationID]; ok {
		return col, nil
	}
	noEmbed := func(context.Context, string) ([]float32, error) { return nil, errChromemNoEmbedder }
	col, err := s.db.GetOrCreateCollection("org_"+organizationID, map[string]string{"organization_id": organizationID}, noEmbed)
	if err != nil {
		return nil, err
	}
	s.collections[organizationID] = col
	return col, nil
}

// InsertMemory stores the record in base and indexes its embedding when present.
func (s *ChromemStore) InsertMemory(ctx context.Context, rec model.MemoryRecord) error {
	if err := s.base.InsertMemory(ctx, rec); err != nil {
		return err
	}
	if !rec.HasEmbedding() {
		return nil
	}
	col, err := s.collection(rec.OrganizationID)
	if err != nil {
		return err
	}
	return col.AddDocument(ctx, chromem.Document{
		ID:        rec.ID,
		Content:   rec.Content,
		Embedding: append([]float32(nil), rec.Embedding...),
		Metadata:  map[string]string{"user_id": rec.UserID},
	})
}

func (s *ChromemStore) QueryBySimilarity(ctx context.Context, vector []float32, organizationID, userID string, floor float64, limit int) ([]SimilarityHit, error) {
	if err := requireOrg(organizationID); err != nil {
		return nil, err
	}
	if len(vector) == 0 || limit <= 0 {
		return nil, nil
	}
	col, err := s.collection(organizationID)
	if err != nil {
		return nil, err
	}
	n := limit * chromemOversampling
	if count := col.Count(); count < n {
		n = count
	}
	if n == 0 {
		return nil, nil
	}
	results, err := col.QueryEmbedding(ctx, vector, n, nil, nil)
	if err != nil {
		return nil, goerr.Wrap(err, "chromem query")
	}
	hits := make([]SimilarityHit, 0, limit)
	for _, res := range results {
		sim := float64(res.Similarity)
		if sim < floor {
			break
		}
		owner := res.Metadata["user_id"]
		if userID != "" && owner != "" && owner != userID {
			continue
		}
		rec, err := s.base.QueryByID(ctx, res.ID, organizationID)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		hits = append(hits, SimilarityHit{Record: rec, Similarity: sim})
		if len(hits) == limit {
			break
		}
	}
	return hits, nil
}

func (s *ChromemStore) QueryByKeyword(ctx context.Context, terms []string, organizationID, userID string, limit int) ([]model.MemoryRecord, error) {
	return s.base.QueryByKeyword(ctx, terms, organizationID, userID, limit)
}

func (s *ChromemStore) QueryByID(ctx context.Context, id, organizationID string) (model.MemoryRecord, error) {
	return s.base.QueryByID(ctx, id, organizationID)
}

func (s *ChromemStore) QueryEdges(ctx context.Context, memoryID, organizationID string) ([]model.RelationshipEdge, error) {
	return s.base.QueryEdges(ctx, memoryID, organizationID)
}

func (s *ChromemStore) InsertEdge(ctx context.Context, edge model.RelationshipEdge) error {
	return s.base.InsertEdge(ctx, edge)
}

func (s *ChromemStore) AdjustImportance(ctx context.Context, id, organizationID string, delta float64) (float64, error) {
	return s.base.AdjustImportance(ctx, id, organizationID, delta)
}
