package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/m-mizutani/goerr/v2"

	"github.com/Protocol-Lattice/memctx/src/memory/model"
)

// Neo4jAccessMode controls whether a session is opened for read or write operations.
type Neo4jAccessMode string

const (
	AccessModeWrite Neo4jAccessMode = "write"
	AccessModeRead  Neo4jAccessMode = "read"
)

// Neo4jSessionConfig mirrors the minimal subset of Neo4j session configuration we require.
type Neo4jSessionConfig struct {
	AccessMode   Neo4jAccessMode
	DatabaseName string
}

// neo4jDriver abstracts the driver so tests can supply fakes.
type neo4jDriver interface {
	NewSession(ctx context.Context, config Neo4jSessionConfig) (neo4jSession, error)
	Close(ctx context.Context) error
}

type neo4jSession interface {
	BeginTransaction(ctx context.Context) (neo4jTransaction, error)
	Run(ctx context.Context, query string, params map[string]any) (neo4jResult, error)
	Close(ctx context.Context) error
}

type neo4jTransaction interface {
	Run(ctx context.Context, query string, params map[string]any) (neo4jResult, error)
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
	Close(ctx context.Context) error
}

type neo4jResult interface {
	Next(ctx context.Context) bool
	Record() neo4jRecord
	Err() error
	Close(ctx context.Context) error
}

type neo4jRecord interface {
	Get(key string) (any, bool)
}

// GraphBase is what Neo4jStore needs from the store it decorates.
type GraphBase interface {
	MemoryStore
	MemoryWriter
}

// Neo4jStore keeps memory rows in a base store and relationship edges in Neo4j.
// Every node and edge carries organization_id and every query filters on it.
type Neo4jStore struct {
	base     GraphBase
	driver   neo4jDriver
	database string
	nowFn    func() time.Time
}

var (
	_ MemoryStore       = (*Neo4jStore)(nil)
	_ MemoryWriter      = (*Neo4jStore)(nil)
	_ SchemaInitializer = (*Neo4jStore)(nil)
)

// ErrNeo4jUnavailable is returned when graph operations are attempted without a configured driver.
var ErrNeo4jUnavailable = errors.New("neo4j driver not configured")

func NewNeo4jStore(base GraphBase, driver neo4jDriver, database string) (*Neo4jStore, error) {
	if base == nil {
		return nil, errors.New("base memory store is nil")
	}
	if driver == nil {
		return nil, errors.New("neo4j driver is nil")
	}
	return &Neo4jStore{base: base, driver: driver, database: database, nowFn: time.Now}, nil
}

func (s *Neo4jStore) QueryBySimilarity(ctx context.Context, vector []float32, organizationID, userID string, floor float64, limit int) ([]SimilarityHit, error) {
	return s.base.QueryBySimilarity(ctx, vector, organizationID, userID, floor, limit)
}

func (s *Neo4jStore) QueryByKeyword(ctx context.Context, terms []string, organizationID, userID string, limit int) ([]model.MemoryRecord, error) {
	return s.base.QueryByKeyword(ctx, terms, organizationID, userID, limit)
}

func (s *Neo4jStore) QueryByID(ctx context.Context, id, organizationID string) (model.MemoryRecord, error) {
	return s.base.QueryByID(ctx, id, organizationID)
}

func (s *Neo4jStore) AdjustImportance(ctx context.Context, id, organizationID string, delta float64) (float64, error) {
	return s.base.AdjustImportance(ctx, id, organizationID, delta)
}

// InsertMemory writes the record to the base store and mirrors it as a Memory node.
func (s *Neo4jStore) InsertMemory(ctx context.Context, rec model.MemoryRecord) error {
	if err := s.base.InsertMemory(ctx, rec); err != nil {
		return err
	}
	return s.write(ctx, func(tx neo4jTransaction) error {
		return runAndClose(ctx, tx, neo4jUpsertNodeCypher, map[string]any{
			"id":              rec.ID,
			"organization_id": rec.OrganizationID,
			"type":            string(rec.Type),
			"created_at":      rec.CreatedAt.UTC().Format(time.RFC3339Nano),
		})
	})
}

// InsertEdge checks both endpoints against the base store before linking them.
func (s *Neo4jStore) InsertEdge(ctx context.Context, edge model.RelationshipEdge) error {
	if err := edge.Validate(); err != nil {
		return err
	}
	for _, id := range []string{edge.SourceMemoryID, edge.TargetMemoryID} {
		if _, err := s.base.QueryByID(ctx, id, edge.OrganizationID); err != nil {
			return err
		}
	}
	createdAt := edge.CreatedAt
	if createdAt.IsZero() {
		createdAt = s.now()
	}
	return s.write(ctx, func(tx neo4jTransaction) error {
		return runAndClose(ctx, tx, neo4jUpsertEdgeCypher, map[string]any{
			"source":          edge.SourceMemoryID,
			"target":          edge.TargetMemoryID,
			"rel_type":        string(edge.RelationshipType),
			"organization_id": edge.OrganizationID,
			"created_at":      createdAt.UTC().Format(time.RFC3339Nano),
		})
	})
}

// QueryEdges returns edges touching memoryID in either direction.
func (s *Neo4jStore) QueryEdges(ctx context.Context, memoryID, organizationID string) ([]model.RelationshipEdge, error) {
	if err := requireOrg(organizationID); err != nil {
		return nil, err
	}
	session, err := s.driver.NewSession(ctx, Neo4jSessionConfig{AccessMode: AccessModeRead, DatabaseName: s.database})
	if err != nil {
		return nil, goerr.Wrap(err, "neo4j new session")
	}
	defer session.Close(ctx)
	result, err := session.Run(ctx, neo4jEdgesQuery, map[string]any{"id": memoryID, "organization_id": organizationID})
	if err != nil {
		return nil, goerr.Wrap(err, "neo4j edges")
	}
	defer result.Close(ctx)
	var edges []model.RelationshipEdge
	for result.Next(ctx) {
		edge, err := mapNeo4jEdge(result.Record())
		if err != nil {
			return nil, err
		}
		if edge.OrganizationID != organizationID {
			continue
		}
		edges = append(edges, edge)
	}
	if err := result.Err(); err != nil {
		return nil, err
	}
	return edges, nil
}

// CreateSchema delegates to the base store when it exposes SchemaInitializer and
// ensures the graph constraints are present.
func (s *Neo4jStore) CreateSchema(ctx context.Context) error {
	if initializer, ok := s.base.(SchemaInitializer); ok {
		if err := initializer.CreateSchema(ctx); err != nil {
			return err
		}
	}
	session, err := s.driver.NewSession(ctx, Neo4jSessionConfig{AccessMode: AccessModeWrite, DatabaseName: s.database})
	if err != nil {
		return goerr.Wrap(err, "neo4j new session")
	}
	defer session.Close(ctx)
	queries := []string{
		"CREATE CONSTRAINT IF NOT EXISTS FOR (m:Memory) REQUIRE m.id IS UNIQUE",
		"CREATE INDEX IF NOT EXISTS FOR (m:Memory) ON (m.organization_id)",
	}
	for _, query := range queries {
		res, runErr := session.Run(ctx, query, nil)
		if runErr != nil {
			return goerr.Wrap(runErr, "neo4j schema query")
		}
		if res != nil {
			_ = res.Close(ctx)
		}
	}
	return nil
}

// Close releases both the base store (when it implements Close) and the Neo4j driver.
func (s *Neo4jStore) Close() error {
	var errs []error
	if closer, ok := s.base.(interface{ Close() error }); ok {
		errs = append(errs, closer.Close())
	}
	errs = append(errs, s.driver.Close(context.Background()))
	return errors.Join(errs...)
}

func (s *Neo4jStore) write(ctx context.Context, fn func(neo4jTransaction) error) error {
	if s.driver == nil {
		return ErrNeo4jUnavailable
	}
	session, err := s.driver.NewSession(ctx, Neo4jSessionConfig{AccessMode: AccessModeWrite, DatabaseName: s.database})
	if err != nil {
		return goerr.Wrap(err, "neo4j new session")
	}
	defer session.Close(ctx)
	tx, err := session.BeginTransaction(ctx)
	if err != nil {
		return goerr.Wrap(err, "neo4j begin tx")
	}
	defer tx.Close(ctx)
	if err := fn(tx); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		_ = tx.Rollback(ctx)
		return goerr.Wrap(err, "neo4j commit")
	}
	return nil
}

func (s *Neo4jStore) now() time.Time {
	if s == nil || s.nowFn == nil {
		return time.Now().UTC()
	}
	return s.nowFn().UTC()
}

func runAndClose(ctx context.Context, tx neo4jTransaction, query string, params map[string]any) error {
	res, err := tx.Run(ctx, query, params)
	if err != nil {
		return goerr.Wrap(err, "neo4j run")
	}
	if res != nil {
		_ = res.Close(ctx)
	}
	return nil
}

const (
	neo4jUpsertNodeCypher = `
MERGE (m:Memory {id: $id})
ON CREATE SET m.created_at = $created_at
SET m.organization_id = $organization_id,
    m.type = $type
`
	neo4jUpsertEdgeCypher = `
MATCH (s:Memory {id: $source, organization_id: $organization_id})
MATCH (t:Memory {id: $target, organization_id: $organization_id})
MERGE (s)-[r:RELATES {rel_type: $rel_type}]->(t)
ON CREATE SET r.created_at = $created_at
SET r.organization_id = $organization_id
`
	neo4jEdgesQuery = `
MATCH (s:Memory)-[r:RELATES]->(t:Memory)
WHERE r.organization_id = $organization_id AND (s.id = $id OR t.id = $id)
RETURN s.id AS source, t.id AS target, r.rel_type AS rel_type,
       r.organization_id AS organization_id, r.created_at AS created_at
ORDER BY r.created_at ASC
`
)

func mapNeo4jEdge(rec neo4jRecord) (model.RelationshipEdge, error) {
	if rec == nil {
		return model.RelationshipEdge{}, errors.New("neo4j record is nil")
	}
	var out model.RelationshipEdge
	if v, ok := rec.Get("source"); ok {
		out.SourceMemoryID = toString(v)
	}
	if v, ok := rec.Get("target"); ok {
		out.TargetMemoryID = toString(v)
	}
	if v, ok := rec.Get("rel_type"); ok {
		out.RelationshipType = model.RelationshipType(toString(v))
	}
	if v, ok := rec.Get("organization_id"); ok {
		out.OrganizationID = toString(v)
	}
	if v, ok := rec.Get("created_at"); ok {
		out.CreatedAt = parseTime(toString(v))
	}
	return out, nil
}

func toString(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case fmt.Stringer:
		return t.String()
	}
	return fmt.Sprintf("%v", v)
}

func parseTime(value string) time.Time {
	value = strings.TrimSpace(value)
	if value == "" {
		return time.Time{}
	}
	if ts, err := time.Parse(time.RFC3339Nano, value); err == nil {
		return ts
	}
	if ts, err := time.Parse(time.RFC3339, value); err == nil {
		return ts
	}
	return time.Time{}
}
