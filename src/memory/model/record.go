package model

import (
	"fmt"
	"strings"
	"time"
)

// MemoryType enumerates the closed set of memory kinds.
type MemoryType string

const (
	TypeFact          MemoryType = "fact"
	TypePreference    MemoryType = "preference"
	TypeFeedback      MemoryType = "feedback"
	TypeInteraction   MemoryType = "interaction"
	TypeInsight       MemoryType = "insight"
	TypeSystemInsight MemoryType = "system-insight"
)

var validMemoryTypes = map[MemoryType]struct{}{
	TypeFact:          {},
	TypePreference:    {},
	TypeFeedback:      {},
	TypeInteraction:   {},
	TypeInsight:       {},
	TypeSystemInsight: {},
}

// Valid reports whether t belongs to the closed set of memory types.
func (t MemoryType) Valid() bool {
	_, ok := validMemoryTypes[t]
	return ok
}

// ParseMemoryType normalizes user input into a MemoryType.
func ParseMemoryType(s string) (MemoryType, error) {
	t := MemoryType(strings.ToLower(strings.TrimSpace(s)))
	if !t.Valid() {
		return "", fmt.Errorf("unsupported memory type %q", s)
	}
	return t, nil
}

// MemoryRecord is a unit of durable knowledge scoped to one organization.
//
// Content is append-only: corrections are new records linked to the old one by a
// "supersedes" edge. Embedding is nil when embedding generation failed, which
// callers must keep distinguishable from a zero vector.
type MemoryRecord struct {
	ID              string         `json:"id" bson:"_id"`
	Content         string         `json:"content" bson:"content"`
	Type            MemoryType     `json:"type" bson:"type"`
	OrganizationID  string         `json:"organizationId" bson:"organization_id"`
	UserID          string         `json:"userId,omitempty" bson:"user_id,omitempty"`
	CreatedAt       time.Time      `json:"createdAt" bson:"created_at"`
	ImportanceScore float64        `json:"importanceScore" bson:"importance_score"`
	Embedding       []float32      `json:"embedding,omitempty" bson:"embedding,omitempty"`
	Metadata        map[string]any `json:"metadata,omitempty" bson:"metadata,omitempty"`
}

// HasEmbedding reports whether an embedding was produced for the record.
func (r MemoryRecord) HasEmbedding() bool { return len(r.Embedding) > 0 }

// Validate checks the invariants every stored record must satisfy.
func (r MemoryRecord) Validate() error {
	if strings.TrimSpace(r.ID) == "" {
		return fmt.Errorf("memory id is empty")
	}
	if strings.TrimSpace(r.OrganizationID) == "" {
		return fmt.Errorf("memory %s has no organization", r.ID)
	}
	if !r.Type.Valid() {
		return fmt.Errorf("memory %s has unsupported type %q", r.ID, r.Type)
	}
	if r.ImportanceScore < 0 || r.ImportanceScore > 1 {
		return fmt.Errorf("memory %s importance %.3f outside [0,1]", r.ID, r.ImportanceScore)
	}
	if r.CreatedAt.IsZero() {
		return fmt.Errorf("memory %s has no creation time", r.ID)
	}
	return nil
}

// VisibleTo reports whether the record may be returned for the given scope.
// An empty userID sees every record in the organization; a non-empty one sees
// its own records plus organization-wide ones.
func (r MemoryRecord) VisibleTo(organizationID, userID string) bool {
	if r.OrganizationID == "" || r.OrganizationID != organizationID {
		return false
	}
	if userID == "" || r.UserID == "" {
		return true
	}
	return r.UserID == userID
}

// Clone returns a deep copy so callers can rewrite content without touching
// the stored record.
func (r MemoryRecord) Clone() MemoryRecord {
	out := r
	if r.Embedding != nil {
		out.Embedding = append([]float32(nil), r.Embedding...)
	}
	out.Metadata = CloneMetadata(r.Metadata)
	return out
}

// CloneMetadata copies a metadata bag; a nil bag stays nil.
func CloneMetadata(meta map[string]any) map[string]any {
	if meta == nil {
		return nil
	}
	cp := make(map[string]any, len(meta))
	for k, v := range meta {
		cp[k] = v
	}
	return cp
}

// ScoredMemory is a record annotated with the three retrieval signals for one
// search invocation. Missing signals are 0.
type ScoredMemory struct {
	MemoryRecord
	VectorScore    float64 `json:"vectorScore"`
	KeywordScore   float64 `json:"keywordScore"`
	TemporalScore  float64 `json:"temporalScore"`
	RelevanceScore float64 `json:"relevanceScore"`
}
