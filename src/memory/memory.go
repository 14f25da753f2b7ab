// Package memory assembles the ranking engine, its stores and the tenant policy
// resolver from configuration.
package memory

import (
	"context"
	"errors"

	"github.com/charmbracelet/log"
	"github.com/m-mizutani/goerr/v2"

	"github.com/Protocol-Lattice/memctx/src/cache"
	"github.com/Protocol-Lattice/memctx/src/config"
	"github.com/Protocol-Lattice/memctx/src/memory/embed"
	"github.com/Protocol-Lattice/memctx/src/memory/engine"
	"github.com/Protocol-Lattice/memctx/src/memory/model"
	"github.com/Protocol-Lattice/memctx/src/memory/policy"
	"github.com/Protocol-Lattice/memctx/src/memory/store"
)

type (
	Engine         = engine.Engine
	Options        = engine.Options
	SearchConfig   = engine.SearchConfig
	ContextConfig  = engine.ContextConfig
	ConfigOverride = engine.ConfigOverride
	ContextRequest = engine.ContextRequest
	IngestRequest  = engine.IngestRequest

	MemoryRecord     = model.MemoryRecord
	ScoredMemory     = model.ScoredMemory
	Context          = model.Context
	Feedback         = model.Feedback
	RelationshipEdge = model.RelationshipEdge
	PlanFeatures     = model.PlanFeatures
)

var (
	ErrInvalidInput    = engine.ErrInvalidInput
	ErrUnauthorized    = engine.ErrUnauthorized
	ErrContextNotFound = engine.ErrContextNotFound
)

// backend is what a primary store driver provides.
type backend interface {
	store.GraphBase
	store.ContextStore
	store.PlanStore
	store.PlanWriter
}

// System is a configured engine together with the stores it runs on.
type System struct {
	Engine *engine.Engine
	Policy *policy.Resolver

	plans  store.PlanStore
	writer store.PlanWriter
	closer func() error
}

// Open connects the configured backends and wires the engine on top of them.
func Open(ctx context.Context, cfg config.Config, logger *log.Logger) (*System, error) {
	if logger == nil {
		logger = log.Default()
	}
	base, err := openBackend(ctx, cfg.Store)
	if err != nil {
		return nil, err
	}
	sys := &System{plans: base, writer: base, closer: closerOf(base)}

	var memories store.GraphBase = base
	if cfg.Store.Neo4j.URI != "" {
		drv, err := store.NewNeo4jDriver(ctx, cfg.Store.Neo4j.URI, cfg.Store.Neo4j.User, cfg.Store.Neo4j.Password)
		if err != nil {
			sys.Close()
			return nil, goerr.Wrap(err, "connect neo4j", goerr.V("uri", cfg.Store.Neo4j.URI))
		}
		graph, err := store.NewNeo4jStore(base, drv, "")
		if err != nil {
			sys.Close()
			return nil, err
		}
		if err := graph.CreateSchema(ctx); err != nil {
			graph.Close()
			return nil, goerr.Wrap(err, "create neo4j schema")
		}
		memories = graph
		sys.closer = graph.Close
	}
	if cfg.Store.Chromem.Enabled {
		index, err := store.NewChromemStore(memories, cfg.Store.Chromem.Path)
		if err != nil {
			sys.Close()
			return nil, goerr.Wrap(err, "open chromem index", goerr.V("path", cfg.Store.Chromem.Path))
		}
		memories = index
	}

	embedder := embed.AutoEmbedder(embed.Config{Provider: cfg.Embed.Provider, Model: cfg.Embed.Model}, logger)
	if cfg.Embed.CacheSize > 0 {
		cached, err := embed.NewCachedEmbedder(embedder, cfg.Embed.CacheSize, cfg.Embed.CacheTTL)
		if err != nil {
			sys.Close()
			return nil, goerr.Wrap(err, "build embedding cache")
		}
		embedder = cached
	}

	sys.Policy = policy.NewResolver(base, policy.Options{
		CacheSize:     cfg.Policy.CacheSize,
		CacheTTL:      cfg.Policy.CacheTTL,
		LookupTimeout: cfg.Policy.LookupTimeout,
	}).WithLogger(logger.WithPrefix("policy"))

	opts := engine.DefaultOptions()
	opts.ChannelTimeout = cfg.Engine.ChannelTimeout
	opts.CandidateMultiplier = cfg.Engine.CandidateMultiplier
	opts.RelatedConcurrency = cfg.Engine.RelatedConcurrency
	opts.EmbedConcurrency = cfg.Engine.EmbedConcurrency
	opts.ImportanceStep = cfg.Engine.ImportanceStep

	sys.Engine = engine.NewEngine(memories, base, opts).
		WithLogger(logger).
		WithEmbedder(embedder).
		WithPolicy(sys.Policy)
	if cfg.Engine.RateLimit > 0 {
		sys.Engine.WithLimiter(cache.NewLimiter(cfg.Engine.RateLimit, cfg.Engine.RateWindow, cfg.Engine.RateMaxKeys))
	}
	if cfg.Summarizer.Kind == "anthropic" {
		sys.Engine.WithCompressor(engine.NewAnthropicCompressor(cfg.Summarizer.APIKey, cfg.Summarizer.Model, logger))
	}
	return sys, nil
}

func openBackend(ctx context.Context, cfg config.StoreConfig) (backend, error) {
	switch cfg.Driver {
	case "", "memory":
		return store.NewInMemoryStore(), nil
	case "postgres":
		ps, err := store.NewPostgresStore(ctx, cfg.DSN)
		if err != nil {
			return nil, goerr.Wrap(err, "connect postgres")
		}
		ps.Dimensions = cfg.Dimensions
		if err := ps.CreateSchema(ctx); err != nil {
			ps.Close()
			return nil, goerr.Wrap(err, "create postgres schema")
		}
		return ps, nil
	case "mongo":
		ms, err := store.NewMongoStore(ctx, cfg.DSN, cfg.Database, cfg.Prefix)
		if err != nil {
			return nil, goerr.Wrap(err, "connect mongo")
		}
		if err := ms.CreateSchema(ctx); err != nil {
			ms.Close()
			return nil, goerr.Wrap(err, "create mongo schema")
		}
		return ms, nil
	}
	return nil, goerr.New("unknown store driver", goerr.V("driver", cfg.Driver))
}

func closerOf(v any) func() error {
	if c, ok := v.(interface{ Close() error }); ok {
		return c.Close
	}
	return func() error { return nil }
}

// Plan returns the stored plan of an organization.
func (s *System) Plan(ctx context.Context, organizationID string) (model.PlanFeatures, error) {
	plan, err := s.plans.ResolvePlan(ctx, organizationID)
	if errors.Is(err, store.ErrNotFound) {
		return model.PlanFeatures{}, goerr.Wrap(err, "no plan", goerr.V("org", organizationID))
	}
	return plan, err
}

// SetPlan stores plan and drops the organization's cached configuration.
func (s *System) SetPlan(ctx context.Context, plan model.PlanFeatures) error {
	if err := s.writer.UpsertPlan(ctx, plan); err != nil {
		return goerr.Wrap(err, "store plan", goerr.V("org", plan.OrganizationID))
	}
	s.Policy.Invalidate(plan.OrganizationID)
	return nil
}

// Close releases every connection opened by Open.
func (s *System) Close() error {
	if s == nil || s.closer == nil {
		return nil
	}
	return s.closer()
}
