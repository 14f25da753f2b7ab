package engine

import (
	"context"
	"errors"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
	"github.com/m-mizutani/goerr/v2"
	"golang.org/x/sync/errgroup"

	"github.com/Protocol-Lattice/memctx/src/cache"
	"github.com/Protocol-Lattice/memctx/src/concurrent"
	"github.com/Protocol-Lattice/memctx/src/memory/embed"
	"github.com/Protocol-Lattice/memctx/src/memory/model"
	"github.com/Protocol-Lattice/memctx/src/memory/store"
)

// PolicyResolver supplies the effective configuration for an organization.
// It never fails; lookup problems resolve to defaults.
type PolicyResolver interface {
	Resolve(ctx context.Context, organizationID string) (SearchConfig, ContextConfig)
}

// Engine ranks memories and assembles budgeted contexts for one tenant at a time.
// It holds no per-request state, so a single Engine serves concurrent callers.
type Engine struct {
	memories  store.MemoryStore
	contexts  store.ContextStore
	policy    PolicyResolver
	embedder  embed.Embedder
	gate      *concurrent.Gate
	scorer    *VectorScorer
	vector    VectorChannel
	keyword   KeywordChannel
	combiner  Combiner
	resolver  *RelationResolver
	assembler *Assembler
	metrics   *Metrics
	logger    *log.Logger
	opts      Options
}

// NewEngine wires the default components on top of the given stores. contexts
// may be nil, in which case contexts are assembled but not persisted.
func NewEngine(memories store.MemoryStore, contexts store.ContextStore, opts Options) *Engine {
	opts = opts.withDefaults()
	logger := log.NewWithOptions(os.Stderr, log.Options{Prefix: "memory-engine"})
	e := &Engine{
		memories: memories,
		contexts: contexts,
		gate:     concurrent.NewGate(opts.EmbedConcurrency),
		combiner: Combiner{Clock: opts.Clock},
		metrics:  &Metrics{},
		logger:   logger,
		opts:     opts,
	}
	e.embedder = embed.AutoEmbedder(embed.Config{}, logger)
	e.scorer = &VectorScorer{store: memories, embedder: e.embedder, gate: e.gate, metrics: e.metrics, logger: logger}
	e.vector = e.scorer
	e.keyword = NewKeywordScorer(memories)
	e.resolver = &RelationResolver{
		store:       memories,
		combiner:    e.combiner,
		search:      e.search,
		concurrency: opts.RelatedConcurrency,
		logger:      logger,
	}
	e.assembler = &Assembler{compressor: HeuristicCompressor{}, logger: logger}
	return e
}

// WithEmbedder overrides the embedding provider used for queries and ingestion.
func (e *Engine) WithEmbedder(embedder embed.Embedder) *Engine {
	if embedder != nil {
		e.embedder = embedder
		e.scorer.embedder = embedder
	}
	return e
}

// WithLimiter installs a per-organization limiter in front of query embedding.
func (e *Engine) WithLimiter(l *cache.Limiter) *Engine {
	e.scorer.limiter = l
	return e
}

// WithPolicy installs the tenant policy resolver.
func (e *Engine) WithPolicy(p PolicyResolver) *Engine {
	e.policy = p
	return e
}

// WithCompressor overrides the context compressor.
func (e *Engine) WithCompressor(c Compressor) *Engine {
	if c != nil {
		e.assembler.compressor = c
	}
	return e
}

// WithChannels replaces the retrieval channels; nil keeps the current one.
func (e *Engine) WithChannels(vector VectorChannel, keyword KeywordChannel) *Engine {
	if vector != nil {
		e.vector = vector
	}
	if keyword != nil {
		e.keyword = keyword
	}
	return e
}

// WithLogger overrides the default logger.
func (e *Engine) WithLogger(logger *log.Logger) *Engine {
	if logger != nil {
		e.logger = logger
		e.scorer.logger = logger
		e.resolver.logger = logger
		e.assembler.logger = logger
	}
	return e
}

// MetricsSnapshot returns a copy of the runtime counters.
func (e *Engine) MetricsSnapshot() MetricsSnapshot {
	return e.metrics.Snapshot()
}

// Search ranks memories for query within the organization (and user, when set).
func (e *Engine) Search(ctx context.Context, query, organizationID, userID string, override *ConfigOverride) ([]model.ScoredMemory, error) {
	if err := requireOrganization(organizationID); err != nil {
		return nil, err
	}
	sc, _, err := e.resolve(ctx, organizationID, override)
	if err != nil {
		return nil, err
	}
	return e.search(ctx, query, organizationID, userID, sc), nil
}

// search runs both channels concurrently and combines whatever they return.
// A failed or timed-out channel contributes nothing.
func (e *Engine) search(ctx context.Context, query, organizationID, userID string, cfg SearchConfig) []model.ScoredMemory {
	e.metrics.incSearches()
	if strings.TrimSpace(query) == "" {
		return []model.ScoredMemory{}
	}
	limit := cfg.MaxResults * e.opts.CandidateMultiplier

	var vectorHits, keywordHits []Hit
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		cctx, cancel := e.channelContext(gctx)
		defer cancel()
		hits, err := e.vector.Score(cctx, query, organizationID, userID, cfg.MinVectorSimilarity, limit)
		if err != nil {
			e.metrics.incVectorDegraded()
			e.logger.Warn("vector channel degraded", "org", organizationID, "err", err)
			return nil
		}
		vectorHits = hits
		return nil
	})
	g.Go(func() error {
		cctx, cancel := e.channelContext(gctx)
		defer cancel()
		hits, err := e.keyword.Score(cctx, query, organizationID, userID, limit)
		if err != nil {
			e.metrics.incKeywordDegraded()
			e.logger.Warn("keyword channel degraded", "org", organizationID, "err", err)
			return nil
		}
		keywordHits = hits
		return nil
	})
	_ = g.Wait()

	return e.combiner.Combine(scoped(vectorHits, organizationID, userID), scoped(keywordHits, organizationID, userID), cfg)
}

func (e *Engine) channelContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if e.opts.ChannelTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, e.opts.ChannelTimeout)
}

// scoped drops anything a channel returned outside the caller's scope.
func scoped(hits []Hit, organizationID, userID string) []Hit {
	out := hits[:0:0]
	for _, h := range hits {
		if h.Record.VisibleTo(organizationID, userID) {
			out = append(out, h)
		}
	}
	return out
}

// ContextRequest describes one context assembly.
type ContextRequest struct {
	Query          string          `json:"query"`
	OrganizationID string          `json:"organizationId"`
	UserID         string          `json:"userId,omitempty"`
	AgentID        string          `json:"agentId,omitempty"`
	ConversationID string          `json:"conversationId,omitempty"`
	Override       *ConfigOverride `json:"configOverride,omitempty"`
}

// GetContext searches, optionally expands relationships, fits the result into
// the token budget and persists the context.
func (e *Engine) GetContext(ctx context.Context, req ContextRequest) (model.Context, error) {
	start := time.Now()
	if err := requireOrganization(req.OrganizationID); err != nil {
		return model.Context{}, err
	}
	sc, cc, err := e.resolve(ctx, req.OrganizationID, req.Override)
	if err != nil {
		return model.Context{}, err
	}

	ranked := e.search(ctx, req.Query, req.OrganizationID, req.UserID, sc)
	if cc.RelationshipExpansion && len(ranked) > 0 {
		ranked = e.expand(ctx, ranked, req.OrganizationID, req.UserID, sc, cc.ExpansionSeeds)
	}
	asm := e.assembler.Assemble(ctx, ranked, cc)

	c := model.Context{
		Query:          req.Query,
		OrganizationID: req.OrganizationID,
		UserID:         req.UserID,
		AgentID:        req.AgentID,
		ConversationID: req.ConversationID,
		Memories:       asm.Memories,
		TotalTokens:    asm.TotalTokens,
		Truncated:      asm.Truncated,
		Metadata: model.ContextMetadata{
			Retrieved:          len(ranked),
			Selected:           len(asm.Memories),
			Compressed:         asm.Compressed,
			ContextUtilization: float64(asm.TotalTokens) / float64(cc.MaxTokens),
			Strategy:           string(cc.Strategy),
			TokenBudget:        cc.MaxTokens,
		},
		CreatedAt: e.opts.Clock().UTC(),
	}
	e.metrics.incContexts()
	e.metrics.incCompressed(asm.Compressed)
	if asm.Truncated {
		e.metrics.incTruncated()
	}
	c.Metadata.RetrievalTimeMS = time.Since(start).Milliseconds()

	if e.contexts == nil {
		return c, nil
	}
	id, err := e.contexts.SaveContext(ctx, c)
	if err != nil {
		return c, goerr.Wrap(err, "persist context", goerr.V("org", req.OrganizationID))
	}
	c.ID = id
	return c, nil
}

// expand merges the related memories of the top seeds into ranked and keeps
// the cfg.MaxResults best of the union. Expansion uses plain searches, so it
// never expands its own results.
func (e *Engine) expand(ctx context.Context, ranked []model.ScoredMemory, organizationID, userID string, cfg SearchConfig, seeds int) []model.ScoredMemory {
	merged := make(map[string]model.ScoredMemory, len(ranked))
	for _, sm := range ranked {
		merged[sm.ID] = sm
	}
	if seeds > len(ranked) {
		seeds = len(ranked)
	}
	for _, seed := range ranked[:seeds] {
		related, err := e.resolver.Resolve(ctx, seed.ID, organizationID, userID, cfg)
		if err != nil {
			e.logger.Warn("relationship expansion failed", "org", organizationID, "memory", seed.ID, "err", err)
			continue
		}
		for _, sm := range related {
			if cur, ok := merged[sm.ID]; !ok || sm.RelevanceScore > cur.RelevanceScore {
				merged[sm.ID] = sm
			}
		}
	}
	out := make([]model.ScoredMemory, 0, len(merged))
	for _, sm := range merged {
		out = append(out, sm)
	}
	out = DropSuperseded(out)
	SortScored(out)
	if cfg.MaxResults > 0 && len(out) > cfg.MaxResults {
		out = out[:cfg.MaxResults]
	}
	return out
}

// GetContextByID loads a persisted context. It returns nil when the id is
// unknown and ErrUnauthorized when the context belongs to another organization.
func (e *Engine) GetContextByID(ctx context.Context, contextID, organizationID string) (*model.Context, error) {
	if err := requireOrganization(organizationID); err != nil {
		return nil, err
	}
	if e.contexts == nil {
		return nil, ErrNoStore
	}
	c, err := e.contexts.GetContext(ctx, contextID, organizationID)
	switch {
	case errors.Is(err, store.ErrNotFound):
		return nil, nil
	case errors.Is(err, store.ErrForbidden):
		return nil, goerr.Wrap(ErrUnauthorized, "context belongs to another organization",
			goerr.V("context", contextID), goerr.V("org", organizationID))
	case err != nil:
		return nil, goerr.Wrap(err, "load context", goerr.V("context", contextID))
	}
	return &c, nil
}

// FindRelatedMemories returns the one-hop neighbors of memoryID merged with a
// search seeded by its content. A missing seed yields an empty list.
func (e *Engine) FindRelatedMemories(ctx context.Context, memoryID, organizationID, userID string) ([]model.ScoredMemory, error) {
	if err := requireOrganization(organizationID); err != nil {
		return nil, err
	}
	if strings.TrimSpace(memoryID) == "" {
		return []model.ScoredMemory{}, nil
	}
	sc, _, err := e.resolve(ctx, organizationID, nil)
	if err != nil {
		return nil, err
	}
	e.metrics.incRelated()
	related, err := e.resolver.Resolve(ctx, memoryID, organizationID, userID, sc)
	if err != nil {
		return nil, goerr.Wrap(err, "resolve related memories", goerr.V("memory", memoryID), goerr.V("org", organizationID))
	}
	return related, nil
}

// AmendContext appends feedback to a persisted context after checking that it
// belongs to organizationID. Helpful and irrelevant marks then nudge the
// importance of the referenced memories.
func (e *Engine) AmendContext(ctx context.Context, contextID string, fb model.Feedback, organizationID string) error {
	if err := requireOrganization(organizationID); err != nil {
		return err
	}
	if strings.TrimSpace(contextID) == "" {
		return goerr.Wrap(ErrInvalidInput, "context id is required")
	}
	if err := fb.Validate(); err != nil {
		return goerr.Wrap(ErrInvalidInput, err.Error())
	}
	if e.contexts == nil {
		return ErrNoStore
	}
	if fb.CreatedAt.IsZero() {
		fb.CreatedAt = e.opts.Clock().UTC()
	}
	err := e.contexts.AppendFeedback(ctx, contextID, organizationID, fb)
	switch {
	case errors.Is(err, store.ErrForbidden):
		e.metrics.incRejectedAmends()
		e.logger.Warn("cross-organization amendment rejected", "context", contextID, "org", organizationID)
		return goerr.Wrap(ErrUnauthorized, "context belongs to another organization",
			goerr.V("context", contextID), goerr.V("org", organizationID))
	case errors.Is(err, store.ErrNotFound):
		return goerr.Wrap(ErrContextNotFound, "amend context", goerr.V("context", contextID))
	case err != nil:
		return goerr.Wrap(err, "append feedback", goerr.V("context", contextID))
	}
	e.metrics.incAmendments()
	e.reviseImportance(ctx, contextID, organizationID, fb)
	return nil
}

func (e *Engine) reviseImportance(ctx context.Context, contextID, organizationID string, fb model.Feedback) {
	writer, ok := e.memories.(store.MemoryWriter)
	if !ok || (len(fb.Helpful) == 0 && len(fb.Irrelevant) == 0) {
		return
	}
	c, err := e.contexts.GetContext(ctx, contextID, organizationID)
	if err != nil {
		e.logger.Warn("reload context for importance revision", "context", contextID, "err", err)
		return
	}
	members := make(map[string]struct{}, len(c.Memories))
	for _, id := range c.MemoryIDs() {
		members[id] = struct{}{}
	}
	adjust := func(ids []string, delta float64) {
		for _, id := range ids {
			if _, ok := members[id]; !ok {
				continue
			}
			if _, err := writer.AdjustImportance(ctx, id, organizationID, delta); err != nil {
				e.logger.Warn("importance revision failed", "memory", id, "org", organizationID, "err", err)
			}
		}
	}
	adjust(fb.Helpful, e.opts.ImportanceStep)
	adjust(fb.Irrelevant, -e.opts.ImportanceStep)
}

// IngestRequest describes a new memory. Empty Type defaults to fact.
type IngestRequest struct {
	Content         string           `json:"content"`
	Type            model.MemoryType `json:"type"`
	OrganizationID  string           `json:"organizationId"`
	UserID          string           `json:"userId,omitempty"`
	ImportanceScore float64          `json:"importanceScore"`
	Metadata        map[string]any   `json:"metadata,omitempty"`
}

// Ingest embeds and stores a new memory. An embedding failure stores the
// record without a vector so it stays reachable through keywords.
func (e *Engine) Ingest(ctx context.Context, req IngestRequest) (model.MemoryRecord, error) {
	if err := requireOrganization(req.OrganizationID); err != nil {
		return model.MemoryRecord{}, err
	}
	writer, err := e.writer()
	if err != nil {
		return model.MemoryRecord{}, err
	}
	if req.Type == "" {
		req.Type = model.TypeFact
	}
	rec := model.MemoryRecord{
		ID:              uuid.NewString(),
		Content:         strings.TrimSpace(req.Content),
		Type:            req.Type,
		OrganizationID:  req.OrganizationID,
		UserID:          req.UserID,
		CreatedAt:       e.opts.Clock().UTC(),
		ImportanceScore: req.ImportanceScore,
		Metadata:        model.CloneMetadata(req.Metadata),
	}
	if rec.Content == "" {
		return model.MemoryRecord{}, goerr.Wrap(ErrInvalidInput, "memory content is empty")
	}
	if err := rec.Validate(); err != nil {
		return model.MemoryRecord{}, goerr.Wrap(ErrInvalidInput, err.Error())
	}
	rec.Embedding = e.embedContent(ctx, rec.OrganizationID, rec.Content)
	if err := writer.InsertMemory(ctx, rec); err != nil {
		return model.MemoryRecord{}, goerr.Wrap(err, "insert memory", goerr.V("org", rec.OrganizationID))
	}
	return rec, nil
}

// Supersede records a correction: the old memory is left untouched, a new one
// carrying the corrected content is inserted and linked to it with a
// supersedes edge. Searches hide the old record whenever the new one ranks.
func (e *Engine) Supersede(ctx context.Context, organizationID, oldID, content string) (model.MemoryRecord, error) {
	if err := requireOrganization(organizationID); err != nil {
		return model.MemoryRecord{}, err
	}
	writer, err := e.writer()
	if err != nil {
		return model.MemoryRecord{}, err
	}
	content = strings.TrimSpace(content)
	if content == "" {
		return model.MemoryRecord{}, goerr.Wrap(ErrInvalidInput, "memory content is empty")
	}
	old, err := e.memories.QueryByID(ctx, oldID, organizationID)
	if err != nil {
		return model.MemoryRecord{}, goerr.Wrap(err, "load superseded memory", goerr.V("memory", oldID), goerr.V("org", organizationID))
	}
	now := e.opts.Clock().UTC()
	rec := model.MemoryRecord{
		ID:              uuid.NewString(),
		Content:         content,
		Type:            old.Type,
		OrganizationID:  organizationID,
		UserID:          old.UserID,
		CreatedAt:       now,
		ImportanceScore: old.ImportanceScore,
		Metadata:        model.CloneMetadata(old.Metadata),
	}
	if rec.Metadata == nil {
		rec.Metadata = map[string]any{}
	}
	rec.Metadata[SupersedesKey] = old.ID
	rec.Embedding = e.embedContent(ctx, organizationID, content)
	if err := writer.InsertMemory(ctx, rec); err != nil {
		return model.MemoryRecord{}, goerr.Wrap(err, "insert correction", goerr.V("org", organizationID))
	}
	edge := model.RelationshipEdge{
		SourceMemoryID:   rec.ID,
		TargetMemoryID:   old.ID,
		RelationshipType: model.RelSupersedes,
		OrganizationID:   organizationID,
		CreatedAt:        now,
	}
	if err := writer.InsertEdge(ctx, edge); err != nil {
		return rec, goerr.Wrap(err, "link correction", goerr.V("memory", rec.ID), goerr.V("supersedes", old.ID))
	}
	e.metrics.incSuperseded()
	return rec, nil
}

// Link records an explicit relationship between two memories of one organization.
func (e *Engine) Link(ctx context.Context, edge model.RelationshipEdge) error {
	if err := requireOrganization(edge.OrganizationID); err != nil {
		return err
	}
	writer, err := e.writer()
	if err != nil {
		return err
	}
	if err := edge.Validate(); err != nil {
		return goerr.Wrap(ErrInvalidInput, err.Error())
	}
	if edge.CreatedAt.IsZero() {
		edge.CreatedAt = e.opts.Clock().UTC()
	}
	err = writer.InsertEdge(ctx, edge)
	if errors.Is(err, store.ErrForbidden) {
		return goerr.Wrap(ErrUnauthorized, "edge endpoint belongs to another organization", goerr.V("org", edge.OrganizationID))
	}
	if err != nil {
		return goerr.Wrap(err, "insert edge", goerr.V("org", edge.OrganizationID))
	}
	return nil
}

func (e *Engine) writer() (store.MemoryWriter, error) {
	writer, ok := e.memories.(store.MemoryWriter)
	if !ok {
		return nil, goerr.Wrap(ErrNoStore, "memory store does not accept writes")
	}
	return writer, nil
}

func (e *Engine) embedContent(ctx context.Context, organizationID, content string) []float32 {
	if e.embedder == nil {
		return nil
	}
	var vec []float32
	err := e.gate.Do(ctx, func() error {
		var embedErr error
		vec, embedErr = e.embedder.Embed(ctx, content)
		return embedErr
	})
	if err != nil {
		e.metrics.incEmbedFailures()
		e.logger.Warn("storing memory without embedding", "org", organizationID, "err", err)
		return nil
	}
	return vec
}

func (e *Engine) resolve(ctx context.Context, organizationID string, override *ConfigOverride) (SearchConfig, ContextConfig, error) {
	sc, cc := DefaultSearchConfig(), DefaultContextConfig()
	if e.policy != nil {
		sc, cc = e.policy.Resolve(ctx, organizationID)
	}
	return override.Apply(sc, cc)
}

func requireOrganization(organizationID string) error {
	if strings.TrimSpace(organizationID) == "" {
		return goerr.Wrap(ErrInvalidInput, "organization id is required")
	}
	return nil
}
