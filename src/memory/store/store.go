package store

import (
	"context"
	"errors"
	"strings"

	"github.com/Protocol-Lattice/memctx/src/memory/model"
)

var (
	// ErrNotFound is returned when an id does not resolve inside the caller's organization.
	ErrNotFound = errors.New("not found")
	// ErrForbidden is returned when an id resolves to another organization's data.
	ErrForbidden = errors.New("organization scope violation")
	// ErrMissingOrganization is returned by every backend for an empty organization id.
	ErrMissingOrganization = errors.New("organization id is required")
	// ErrDuplicate is returned when an immutable row would be overwritten.
	ErrDuplicate = errors.New("already exists")
)

// SimilarityHit is a record returned by a vector lookup together with its
// cosine similarity to the query vector.
type SimilarityHit struct {
	Record     model.MemoryRecord
	Similarity float64
}

// MemoryStore is the tenant-partitioned memory table. Every method filters by
// organizationID; userID, when non-empty, narrows to that user's and
// organization-wide records.
type MemoryStore interface {
	QueryBySimilarity(ctx context.Context, vector []float32, organizationID, userID string, floor float64, limit int) ([]SimilarityHit, error)
	QueryByKeyword(ctx context.Context, terms []string, organizationID, userID string, limit int) ([]model.MemoryRecord, error)
	QueryByID(ctx context.Context, id, organizationID string) (model.MemoryRecord, error)
	QueryEdges(ctx context.Context, memoryID, organizationID string) ([]model.RelationshipEdge, error)
}

// MemoryWriter is implemented by stores that accept ingestion. Content is never
// updated in place; only importance may change.
type MemoryWriter interface {
	InsertMemory(ctx context.Context, rec model.MemoryRecord) error
	InsertEdge(ctx context.Context, edge model.RelationshipEdge) error
	AdjustImportance(ctx context.Context, id, organizationID string, delta float64) (float64, error)
}

// ContextStore persists assembled contexts and their feedback trail.
type ContextStore interface {
	// SaveContext writes c once and returns its id, assigning one when empty.
	SaveContext(ctx context.Context, c model.Context) (string, error)
	// GetContext returns ErrForbidden when id belongs to another organization.
	GetContext(ctx context.Context, id, organizationID string) (model.Context, error)
	// AppendFeedback verifies ownership and appends fb atomically.
	AppendFeedback(ctx context.Context, id, organizationID string, fb model.Feedback) error
}

// PlanStore resolves subscription features. ErrNotFound means no plan.
type PlanStore interface {
	ResolvePlan(ctx context.Context, organizationID string) (model.PlanFeatures, error)
}

// PlanWriter is implemented by stores that can record plans.
type PlanWriter interface {
	UpsertPlan(ctx context.Context, plan model.PlanFeatures) error
}

// SchemaInitializer allows stores to expose optional schema/bootstrap routines.
type SchemaInitializer interface {
	CreateSchema(ctx context.Context) error
}

func requireOrg(organizationID string) error {
	if strings.TrimSpace(organizationID) == "" {
		return ErrMissingOrganization
	}
	return nil
}

// matchesAnyTerm reports whether content contains at least one term,
// case-insensitively. Terms are expected lower-cased.
func matchesAnyTerm(content string, terms []string) bool {
	lower := strings.ToLower(content)
	for _, term := range terms {
		if term != "" && strings.Contains(lower, term) {
			return true
		}
	}
	return false
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
