package store

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Protocol-Lattice/memctx/src/memory/model"
)

type fakeNeo4jDriver struct {
	queries []string
	params  []map[string]any
	rows    []map[string]any
	commits int
}

func (d *fakeNeo4jDriver) NewSession(context.Context, Neo4jSessionConfig) (neo4jSession, error) {
	return &fakeNeo4jSession{driver: d}, nil
}

func (d *fakeNeo4jDriver) Close(context.Context) error { return nil }

type fakeNeo4jSession struct{ driver *fakeNeo4jDriver }

func (s *fakeNeo4jSession) BeginTransaction(context.Context) (neo4jTransaction, error) {
	return &fakeNeo4jTx{driver: s.driver}, nil
}

func (s *fakeNeo4jSession) Run(_ context.Context, query string, params map[string]any) (neo4jResult, error) {
	s.driver.queries = append(s.driver.queries, query)
	s.driver.params = append(s.driver.params, params)
	return &fakeNeo4jResult{rows: s.driver.rows, idx: -1}, nil
}

func (s *fakeNeo4jSession) Close(context.Context) error { return nil }

type fakeNeo4jTx struct{ driver *fakeNeo4jDriver }

func (t *fakeNeo4jTx) Run(_ context.Context, query string, params map[string]any) (neo4jResult, error) {
	t.driver.queries = append(t.driver.queries, query)
	t.driver.params = append(t.driver.params, params)
	return &fakeNeo4jResult{idx: -1}, nil
}

func (t *fakeNeo4jTx) Commit(context.Context) error   { t.driver.commits++; return nil }
func (t *fakeNeo4jTx) Rollback(context.Context) error { return nil }
func (t *fakeNeo4jTx) Close(context.Context) error    { return nil }

type fakeNeo4jResult struct {
	rows []map[string]any
	idx  int
}

func (r *fakeNeo4jResult) Next(context.Context) bool {
	r.idx++
	return r.idx < len(r.rows)
}

func (r *fakeNeo4jResult) Record() neo4jRecord { return fakeNeo4jRecord(r.rows[r.idx]) }
func (r *fakeNeo4jResult) Err() error          { return nil }
func (r *fakeNeo4jResult) Close(context.Context) error {
	return nil
}

type fakeNeo4jRecord map[string]any

func (r fakeNeo4jRecord) Get(key string) (any, bool) {
	v, ok := r[key]
	return v, ok
}

func TestNeo4jStoreWritesNodesAndEdges(t *testing.T) {
	driver := &fakeNeo4jDriver{}
	s, err := NewNeo4jStore(NewInMemoryStore(), driver, "neo4j")
	require.NoError(t, err)
	ctx := context.Background()
	require.NoError(t, s.InsertMemory(ctx, mem("a1", "org-a", "", "old fact")))
	require.NoError(t, s.InsertMemory(ctx, mem("a2", "org-a", "", "new fact")))
	require.NoError(t, s.InsertEdge(ctx, model.RelationshipEdge{SourceMemoryID: "a2", TargetMemoryID: "a1", RelationshipType: model.RelSupersedes, OrganizationID: "org-a"}))

	assert.Equal(t, 3, driver.commits)
	last := driver.params[len(driver.params)-1]
	assert.Equal(t, "org-a", last["organization_id"])
	assert.Equal(t, "supersedes", last["rel_type"])
	assert.True(t, strings.Contains(driver.queries[len(driver.queries)-1], "MERGE (s)-[r:RELATES"))
}

func TestNeo4jStoreRejectsCrossTenantEdge(t *testing.T) {
	driver := &fakeNeo4jDriver{}
	s, err := NewNeo4jStore(NewInMemoryStore(), driver, "")
	require.NoError(t, err)
	ctx := context.Background()
	require.NoError(t, s.InsertMemory(ctx, mem("a1", "org-a", "", "fact")))
	require.NoError(t, s.InsertMemory(ctx, mem("b1", "org-b", "", "fact")))
	err = s.InsertEdge(ctx, model.RelationshipEdge{SourceMemoryID: "a1", TargetMemoryID: "b1", RelationshipType: model.RelRelatedTo, OrganizationID: "org-a"})
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Equal(t, 2, driver.commits)
}

func TestNeo4jStoreQueryEdgesFiltersOrganization(t *testing.T) {
	driver := &fakeNeo4jDriver{rows: []map[string]any{
		{"source": "a2", "target": "a1", "rel_type": "supersedes", "organization_id": "org-a", "created_at": "2024-05-01T12:00:00Z"},
		{"source": "x", "target": "a1", "rel_type": "related_to", "organization_id": "org-b", "created_at": nil},
	}}
	s, err := NewNeo4jStore(NewInMemoryStore(), driver, "")
	require.NoError(t, err)
	edges, err := s.QueryEdges(context.Background(), "a1", "org-a")
	require.NoError(t, err)
	require.Len(t, edges, 1)
	assert.Equal(t, model.RelSupersedes, edges[0].RelationshipType)
	assert.Equal(t, baseTime, edges[0].CreatedAt)

	_, err = s.QueryEdges(context.Background(), "a1", "")
	assert.ErrorIs(t, err, ErrMissingOrganization)
}
