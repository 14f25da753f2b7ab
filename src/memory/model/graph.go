package model

import (
	"errors"
	"fmt"
	"time"
)

// RelationshipType enumerates supported memory-to-memory relationships.
type RelationshipType string

const (
	RelSupersedes  RelationshipType = "supersedes"
	RelRelatedTo   RelationshipType = "related_to"
	RelFollows     RelationshipType = "follows"
	RelExplains    RelationshipType = "explains"
	RelContradicts RelationshipType = "contradicts"
	RelDerivedFrom RelationshipType = "derived_from"
)

var validRelationshipTypes = map[RelationshipType]struct{}{
	RelSupersedes:  {},
	RelRelatedTo:   {},
	RelFollows:     {},
	RelExplains:    {},
	RelContradicts: {},
	RelDerivedFrom: {},
}

// RelationshipEdge is a typed, directed connection between two memories of the
// same organization.
type RelationshipEdge struct {
	SourceMemoryID   string           `json:"sourceMemoryId" bson:"source_memory_id"`
	TargetMemoryID   string           `json:"targetMemoryId" bson:"target_memory_id"`
	RelationshipType RelationshipType `json:"relationshipType" bson:"relationship_type"`
	OrganizationID   string           `json:"organizationId" bson:"organization_id"`
	CreatedAt        time.Time        `json:"createdAt" bson:"created_at"`
}

// Validate ensures the edge definition is usable.
func (e RelationshipEdge) Validate() error {
	if e.SourceMemoryID == "" || e.TargetMemoryID == "" {
		return errors.New("relationship edge endpoint is empty")
	}
	if e.SourceMemoryID == e.TargetMemoryID {
		return fmt.Errorf("relationship edge %s loops onto itself", e.SourceMemoryID)
	}
	if e.OrganizationID == "" {
		return errors.New("relationship edge has no organization")
	}
	if _, ok := validRelationshipTypes[e.RelationshipType]; !ok {
		return fmt.Errorf("unsupported relationship type %q", e.RelationshipType)
	}
	return nil
}

// Other returns the endpoint opposite to memoryID, or "" when the edge does not
// touch it.
func (e RelationshipEdge) Other(memoryID string) string {
	switch memoryID {
	case e.SourceMemoryID:
		return e.TargetMemoryID
	case e.TargetMemoryID:
		return e.SourceMemoryID
	}
	return ""
}
