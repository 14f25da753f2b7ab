package model

import (
	"errors"
	"time"
)

// ContextMetadata carries assembly statistics.
type ContextMetadata struct {
	Retrieved          int     `json:"retrieved" bson:"retrieved"`
	Selected           int     `json:"selected" bson:"selected"`
	Compressed         int     `json:"compressed" bson:"compressed"`
	ContextUtilization float64 `json:"contextUtilization" bson:"context_utilization"`
	RetrievalTimeMS    int64   `json:"retrievalTime" bson:"retrieval_time_ms"`
	Strategy           string  `json:"strategy,omitempty" bson:"strategy,omitempty"`
	TokenBudget        int     `json:"tokenBudget" bson:"token_budget"`
}

// Context is a budgeted, ranked subset of memories assembled for one query.
// Query and Memories are immutable once persisted; only Feedback grows.
type Context struct {
	ID             string          `json:"id" bson:"_id"`
	Query          string          `json:"query" bson:"query"`
	OrganizationID string          `json:"organizationId" bson:"organization_id"`
	UserID         string          `json:"userId,omitempty" bson:"user_id,omitempty"`
	AgentID        string          `json:"agentId,omitempty" bson:"agent_id,omitempty"`
	ConversationID string          `json:"conversationId,omitempty" bson:"conversation_id,omitempty"`
	Memories       []MemoryRecord  `json:"memories" bson:"memories"`
	TotalTokens    int             `json:"totalTokens" bson:"total_tokens"`
	Truncated      bool            `json:"truncated" bson:"truncated"`
	Metadata       ContextMetadata `json:"metadata" bson:"metadata"`
	Feedback       []Feedback      `json:"feedback,omitempty" bson:"feedback,omitempty"`
	CreatedAt      time.Time       `json:"createdAt" bson:"created_at"`
}

// MemoryIDs lists the ids of the selected memories in order.
func (c Context) MemoryIDs() []string {
	ids := make([]string, len(c.Memories))
	for i, m := range c.Memories {
		ids[i] = m.ID
	}
	return ids
}

// Feedback is a usefulness correction appended to a persisted context.
type Feedback struct {
	Useful     *bool     `json:"useful,omitempty" bson:"useful,omitempty"`
	Relevance  *float64  `json:"relevance,omitempty" bson:"relevance,omitempty"`
	Helpful    []string  `json:"helpfulMemoryIds,omitempty" bson:"helpful_memory_ids,omitempty"`
	Irrelevant []string  `json:"irrelevantMemoryIds,omitempty" bson:"irrelevant_memory_ids,omitempty"`
	Comment    string    `json:"comment,omitempty" bson:"comment,omitempty"`
	UserID     string    `json:"userId,omitempty" bson:"user_id,omitempty"`
	CreatedAt  time.Time `json:"createdAt" bson:"created_at"`
}

// Validate rejects feedback that carries no correction at all.
func (f Feedback) Validate() error {
	if f.Useful == nil && f.Relevance == nil && len(f.Helpful) == 0 && len(f.Irrelevant) == 0 && f.Comment == "" {
		return errors.New("feedback is empty")
	}
	if f.Relevance != nil && (*f.Relevance < 0 || *f.Relevance > 1) {
		return errors.New("feedback relevance outside [0,1]")
	}
	return nil
}
