package model

// PlanFeatures is an organization's subscription record as far as retrieval is
// concerned. Pointer fields distinguish "not configured" from zero.
type PlanFeatures struct {
	OrganizationID        string   `json:"organizationId" bson:"_id"`
	Tier                  string   `json:"tier" bson:"tier"`
	MaxContextTokens      int      `json:"maxContextTokens,omitempty" bson:"max_context_tokens,omitempty"`
	MaxResults            int      `json:"maxResults,omitempty" bson:"max_results,omitempty"`
	VectorWeight          *float64 `json:"vectorWeight,omitempty" bson:"vector_weight,omitempty"`
	KeywordWeight         *float64 `json:"keywordWeight,omitempty" bson:"keyword_weight,omitempty"`
	MinVectorSimilarity   *float64 `json:"minVectorSimilarity,omitempty" bson:"min_vector_similarity,omitempty"`
	TemporalWeighting     bool     `json:"temporalWeighting" bson:"temporal_weighting"`
	TemporalDecayFactor   float64  `json:"temporalDecayFactor,omitempty" bson:"temporal_decay_factor,omitempty"`
	Compression           bool     `json:"compression" bson:"compression"`
	RelationshipExpansion bool     `json:"relationshipExpansion" bson:"relationship_expansion"`
	Strategy              string   `json:"strategy,omitempty" bson:"strategy,omitempty"`
}
