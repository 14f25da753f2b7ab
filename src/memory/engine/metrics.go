package engine

import "sync/atomic"

// Metrics captures lightweight runtime counters for observability.
type Metrics struct {
	searches          atomic.Int64
	vectorDegraded    atomic.Int64
	keywordDegraded   atomic.Int64
	embedFailures     atomic.Int64
	rateLimited       atomic.Int64
	contexts          atomic.Int64
	truncated         atomic.Int64
	compressed        atomic.Int64
	relatedLookups    atomic.Int64
	amendments        atomic.Int64
	rejectedAmends    atomic.Int64
	supersededRecords atomic.Int64
}

func (m *Metrics) incSearches()        { m.searches.Add(1) }
func (m *Metrics) incVectorDegraded()  { m.vectorDegraded.Add(1) }
func (m *Metrics) incKeywordDegraded() { m.keywordDegraded.Add(1) }
func (m *Metrics) incEmbedFailures()   { m.embedFailures.Add(1) }
func (m *Metrics) incRateLimited()     { m.rateLimited.Add(1) }
func (m *Metrics) incContexts()        { m.contexts.Add(1) }
func (m *Metrics) incTruncated()       { m.truncated.Add(1) }
func (m *Metrics) incCompressed(n int) { m.compressed.Add(int64(n)) }
func (m *Metrics) incRelated()         { m.relatedLookups.Add(1) }
func (m *Metrics) incAmendments()      { m.amendments.Add(1) }
func (m *Metrics) incRejectedAmends()  { m.rejectedAmends.Add(1) }
func (m *Metrics) incSuperseded()      { m.supersededRecords.Add(1) }

// MetricsSnapshot is a point-in-time copy of the counters.
type MetricsSnapshot struct {
	Searches          int64 `json:"searches"`
	VectorDegraded    int64 `json:"vector_degraded"`
	KeywordDegraded   int64 `json:"keyword_degraded"`
	EmbedFailures     int64 `json:"embed_failures"`
	RateLimited       int64 `json:"rate_limited"`
	Contexts          int64 `json:"contexts"`
	Truncated         int64 `json:"truncated"`
	Compressed        int64 `json:"compressed"`
	RelatedLookups    int64 `json:"related_lookups"`
	Amendments        int64 `json:"amendments"`
	RejectedAmends    int64 `json:"rejected_amendments"`
	SupersededRecords int64 `json:"superseded_records"`
}

func (m *Metrics) Snapshot() MetricsSnapshot {
	if m == nil {
		return MetricsSnapshot{}
	}
	return MetricsSnapshot{
		Searches:          m.searches.Load(),
		VectorDegraded:    m.vectorDegraded.Load(),
		KeywordDegraded:   m.keywordDegraded.Load(),
		EmbedFailures:     m.embedFailures.Load(),
		RateLimited:       m.rateLimited.Load(),
		Contexts:          m.contexts.Load(),
		Truncated:         m.truncated.Load(),
		Compressed:        m.compressed.Load(),
		RelatedLookups:    m.relatedLookups.Load(),
		Amendments:        m.amendments.Load(),
		RejectedAmends:    m.rejectedAmends.Load(),
		SupersededRecords: m.supersededRecords.Load(),
	}
}
