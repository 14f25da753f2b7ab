package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/Protocol-Lattice/memctx/src/memory/model"
)

// PostgresStore implements the memory, context and plan contracts using
// Postgres + pgvector.
type PostgresStore struct {
	DB *pgxpool.Pool
	// Dimensions fixes the embedding column width. Zero leaves the column
	// untyped, which accepts any provider but skips the ANN index.
	Dimensions int
}

var (
	_ MemoryStore       = (*PostgresStore)(nil)
	_ MemoryWriter      = (*PostgresStore)(nil)
	_ ContextStore      = (*PostgresStore)(nil)
	_ PlanStore         = (*PostgresStore)(nil)
	_ PlanWriter        = (*PostgresStore)(nil)
	_ SchemaInitializer = (*PostgresStore)(nil)
)

// NewPostgresStore connects to Postgres and returns a PostgresStore.
func NewPostgresStore(ctx context.Context, connStr string) (*PostgresStore, error) {
	db, err := pgxpool.New(ctx, connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to Postgres: %w", err)
	}
	return &PostgresStore{DB: db}, nil
}

const memoryColumns = `id, content, type, organization_id, user_id, created_at, importance_score, embedding::text, metadata::text`

func (ps *PostgresStore) InsertMemory(ctx context.Context, rec model.MemoryRecord) error {
	if err := rec.Validate(); err != nil {
		return err
	}
	meta, err := encodeJSON(rec.Metadata)
	if err != nil {
		return err
	}
	tag, err := ps.DB.Exec(ctx, `
                INSERT INTO memory_records (id, content, type, organization_id, user_id, created_at, importance_score, embedding, metadata)
                VALUES ($1, $2, $3, $4, $5, $6, $7, $8::vector, $9::jsonb)
                ON CONFLICT (id) DO NOTHING
        `, rec.ID, rec.Content, string(rec.Type), rec.OrganizationID, rec.UserID, rec.CreatedAt, rec.ImportanceScore, vectorLiteral(rec.Embedding), meta)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrDuplicate
	}
	return nil
}

// InsertEdge records an edge only when both endpoints live in the edge's organization.
func (ps *PostgresStore) InsertEdge(ctx context.Context, edge model.RelationshipEdge) error {
	if err := edge.Validate(); err != nil {
		return err
	}
	if edge.CreatedAt.IsZero() {
		edge.CreatedAt = time.Now().UTC()
	}
	tag, err := ps.DB.Exec(ctx, `
                INSERT INTO memory_relationships (source_memory_id, target_memory_id, relationship_type, organization_id, created_at)
                SELECT $1::text, $2::text, $3::text, $4::text, $5::timestamptz
                WHERE (SELECT COUNT(*) FROM memory_records WHERE id IN ($1, $2) AND organization_id = $4) = 2
                ON CONFLICT (source_memory_id, target_memory_id, relationship_type) DO NOTHING
        `, edge.SourceMemoryID, edge.TargetMemoryID, string(edge.RelationshipType), edge.OrganizationID, edge.CreatedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		var local, total int
		if err := ps.DB.QueryRow(ctx, `
                SELECT COUNT(*) FILTER (WHERE organization_id = $3), COUNT(*)
                FROM memory_records WHERE id IN ($1, $2)
        `, edge.SourceMemoryID, edge.TargetMemoryID, edge.OrganizationID).Scan(&local, &total); err != nil {
			return err
		}
		return edgeEndpointsError(local, total)
	}
	return nil
}

// edgeEndpointsError classifies an edge whose endpoints were not all found in
// its organization. Endpoints that exist elsewhere are forbidden, not missing.
func edgeEndpointsError(local, total int) error {
	switch {
	case local >= 2:
		return nil
	case total > local:
		return ErrForbidden
	default:
		return ErrNotFound
	}
}

func (ps *PostgresStore) AdjustImportance(ctx context.Context, id, organizationID string, delta float64) (float64, error) {
	if err := requireOrg(organizationID); err != nil {
		return 0, err
	}
	var score float64
	err := ps.DB.QueryRow(ctx, `
                UPDATE memory_records
                SET importance_score = LEAST(1, GREATEST(0, importance_score + $3))
                WHERE id = $1 AND organization_id = $2
                RETURNING importance_score
        `, id, organizationID, delta).Scan(&score)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, ErrNotFound
	}
	return score, err
}

func (ps *PostgresStore) QueryBySimilarity(ctx context.Context, vector []float32, organizationID, userID string, floor float64, limit int) ([]SimilarityHit, error) {
	if err := requireOrg(organizationID); err != nil {
		return nil, err
	}
	if len(vector) == 0 || limit <= 0 {
		return nil, nil
	}
	rows, err := ps.DB.Query(ctx, `
        SELECT `+memoryColumns+`, 1 - (embedding <=> $1::vector) AS similarity
        FROM memory_records
        WHERE organization_id = $2
          AND ($3 = '' OR user_id = '' OR user_id = $3)
          AND embedding IS NOT NULL
          AND 1 - (embedding <=> $1::vector) >= $4
        ORDER BY embedding <=> $1::vector, id
        LIMIT $5;
        `, vectorLiteral(vector), organizationID, userID, floor, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var hits []SimilarityHit
	for rows.Next() {
		var hit SimilarityHit
		rec, err := scanMemory(rows, &hit.Similarity)
		if err != nil {
			return nil, err
		}
		hit.Record = rec
		hits = append(hits, hit)
	}
	return hits, rows.Err()
}

func (ps *PostgresStore) QueryByKeyword(ctx context.Context, terms []string, organizationID, userID string, limit int) ([]model.MemoryRecord, error) {
	if err := requireOrg(organizationID); err != nil {
		return nil, err
	}
	if len(terms) == 0 || limit <= 0 {
		return nil, nil
	}
	patterns := make([]string, 0, len(terms))
	for _, term := range terms {
		if term == "" {
			continue
		}
		patterns = append(patterns, "%"+escapeLike(term)+"%")
	}
	rows, err := ps.DB.Query(ctx, `
        SELECT `+memoryColumns+`
        FROM memory_records
        WHERE organization_id = $1
          AND ($2 = '' OR user_id = '' OR user_id = $2)
          AND content ILIKE ANY($3)
        ORDER BY created_at DESC, id
        LIMIT $4;
        `, organizationID, userID, patterns, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.MemoryRecord
	for rows.Next() {
		rec, err := scanMemory(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (ps *PostgresStore) QueryByID(ctx context.Context, id, organizationID string) (model.MemoryRecord, error) {
	if err := requireOrg(organizationID); err != nil {
		return model.MemoryRecord{}, err
	}
	row := ps.DB.QueryRow(ctx, `SELECT `+memoryColumns+` FROM memory_records WHERE id = $1 AND organization_id = $2`, id, organizationID)
	rec, err := scanMemory(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.MemoryRecord{}, ErrNotFound
	}
	return rec, err
}

func (ps *PostgresStore) QueryEdges(ctx context.Context, memoryID, organizationID string) ([]model.RelationshipEdge, error) {
	if err := requireOrg(organizationID); err != nil {
		return nil, err
	}
	rows, err := ps.DB.Query(ctx, `
        SELECT source_memory_id, target_memory_id, relationship_type, organization_id, created_at
        FROM memory_relationships
        WHERE organization_id = $2 AND (source_memory_id = $1 OR target_memory_id = $1)
        ORDER BY created_at, source_memory_id, target_memory_id
        `, memoryID, organizationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var edges []model.RelationshipEdge
	for rows.Next() {
		var edge model.RelationshipEdge
		var relType string
		if err := rows.Scan(&edge.SourceMemoryID, &edge.TargetMemoryID, &relType, &edge.OrganizationID, &edge.CreatedAt); err != nil {
			return nil, err
		}
		edge.RelationshipType = model.RelationshipType(relType)
		edges = append(edges, edge)
	}
	return edges, rows.Err()
}

func (ps *PostgresStore) SaveContext(ctx context.Context, c model.Context) (string, error) {
	if err := requireOrg(c.OrganizationID); err != nil {
		return "", err
	}
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	memories, err := encodeJSON(c.Memories)
	if err != nil {
		return "", err
	}
	meta, err := encodeJSON(c.Metadata)
	if err != nil {
		return "", err
	}
	tag, err := ps.DB.Exec(ctx, `
                INSERT INTO memory_contexts (id, query, organization_id, user_id, agent_id, conversation_id, memories, total_tokens, truncated, metadata, created_at)
                VALUES ($1, $2, $3, $4, $5, $6, $7::jsonb, $8, $9, $10::jsonb, $11)
                ON CONFLICT (id) DO NOTHING
        `, c.ID, c.Query, c.OrganizationID, c.UserID, c.AgentID, c.ConversationID, memories, c.TotalTokens, c.Truncated, meta, c.CreatedAt)
	if err != nil {
		return "", err
	}
	if tag.RowsAffected() == 0 {
		return "", ErrDuplicate
	}
	return c.ID, nil
}

func (ps *PostgresStore) GetContext(ctx context.Context, id, organizationID string) (model.Context, error) {
	if err := requireOrg(organizationID); err != nil {
		return model.Context{}, err
	}
	var c model.Context
	var memories, meta []byte
	err := ps.DB.QueryRow(ctx, `
                SELECT id, query, organization_id, user_id, agent_id, conversation_id, memories::text, total_tokens, truncated, metadata::text, created_at
                FROM memory_contexts WHERE id = $1
        `, id).Scan(&c.ID, &c.Query, &c.OrganizationID, &c.UserID, &c.AgentID, &c.ConversationID, &memories, &c.TotalTokens, &c.Truncated, &meta, &c.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Context{}, ErrNotFound
	}
	if err != nil {
		return model.Context{}, err
	}
	if c.OrganizationID != organizationID {
		return model.Context{}, ErrForbidden
	}
	if err := json.Unmarshal(memories, &c.Memories); err != nil {
		return model.Context{}, fmt.Errorf("decode context memories: %w", err)
	}
	if err := json.Unmarshal(meta, &c.Metadata); err != nil {
		return model.Context{}, fmt.Errorf("decode context metadata: %w", err)
	}
	rows, err := ps.DB.Query(ctx, `SELECT payload::text FROM context_feedback WHERE context_id = $1 ORDER BY seq`, id)
	if err != nil {
		return model.Context{}, err
	}
	defer rows.Close()
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return model.Context{}, err
		}
		var fb model.Feedback
		if err := json.Unmarshal(payload, &fb); err != nil {
			return model.Context{}, fmt.Errorf("decode feedback: %w", err)
		}
		c.Feedback = append(c.Feedback, fb)
	}
	return c, rows.Err()
}

// AppendFeedback locks the context row, checks its organization and appends in
// one transaction.
func (ps *PostgresStore) AppendFeedback(ctx context.Context, id, organizationID string, fb model.Feedback) (err error) {
	if err := requireOrg(organizationID); err != nil {
		return err
	}
	payload, err := encodeJSON(fb)
	if err != nil {
		return err
	}
	tx, err := ps.DB.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()
	var owner string
	err = tx.QueryRow(ctx, `SELECT organization_id FROM memory_contexts WHERE id = $1 FOR UPDATE`, id).Scan(&owner)
	if errors.Is(err, pgx.ErrNoRows) {
		err = ErrNotFound
		return err
	}
	if err != nil {
		return err
	}
	if owner != organizationID {
		err = ErrForbidden
		return err
	}
	if _, err = tx.Exec(ctx, `INSERT INTO context_feedback (context_id, payload) VALUES ($1, $2::jsonb)`, id, payload); err != nil {
		return err
	}
	err = tx.Commit(ctx)
	return err
}

func (ps *PostgresStore) ResolvePlan(ctx context.Context, organizationID string) (model.PlanFeatures, error) {
	if err := requireOrg(organizationID); err != nil {
		return model.PlanFeatures{}, err
	}
	var payload []byte
	err := ps.DB.QueryRow(ctx, `SELECT features::text FROM organization_plans WHERE organization_id = $1`, organizationID).Scan(&payload)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.PlanFeatures{}, ErrNotFound
	}
	if err != nil {
		return model.PlanFeatures{}, err
	}
	var plan model.PlanFeatures
	if err := json.Unmarshal(payload, &plan); err != nil {
		return model.PlanFeatures{}, fmt.Errorf("decode plan: %w", err)
	}
	plan.OrganizationID = organizationID
	return plan, nil
}

func (ps *PostgresStore) UpsertPlan(ctx context.Context, plan model.PlanFeatures) error {
	if err := requireOrg(plan.OrganizationID); err != nil {
		return err
	}
	payload, err := encodeJSON(plan)
	if err != nil {
		return err
	}
	_, err = ps.DB.Exec(ctx, `
                INSERT INTO organization_plans (organization_id, features, updated_at)
                VALUES ($1, $2::jsonb, NOW())
                ON CONFLICT (organization_id) DO UPDATE SET features = EXCLUDED.features, updated_at = NOW()
        `, plan.OrganizationID, payload)
	return err
}

// CreateSchema ensures the pgvector extension and tables exist. A schema file
// named by MEMCTX_POSTGRES_SCHEMA replaces the built-in DDL.
func (ps *PostgresStore) CreateSchema(ctx context.Context) error {
	schema := postgresSchema(ps.Dimensions)
	if path := os.Getenv("MEMCTX_POSTGRES_SCHEMA"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("failed to read schema file: %w", err)
		}
		schema = string(data)
	}
	if _, err := ps.DB.Exec(ctx, schema); err != nil {
		return fmt.Errorf("failed to execute schema: %w", err)
	}
	return nil
}

// Close releases the underlying Postgres connection pool.
func (ps *PostgresStore) Close() error {
	if ps == nil || ps.DB == nil {
		return nil
	}
	ps.DB.Close()
	return nil
}

func scanMemory(row pgx.Row, extra ...any) (model.MemoryRecord, error) {
	var rec model.MemoryRecord
	var memType string
	var embedding, meta *string
	dest := append([]any{&rec.ID, &rec.Content, &memType, &rec.OrganizationID, &rec.UserID, &rec.CreatedAt, &rec.ImportanceScore, &embedding, &meta}, extra...)
	if err := row.Scan(dest...); err != nil {
		return model.MemoryRecord{}, err
	}
	rec.Type = model.MemoryType(memType)
	if embedding != nil {
		rec.Embedding = parseVector(*embedding)
	}
	if meta != nil && *meta != "" && *meta != "null" {
		if err := json.Unmarshal([]byte(*meta), &rec.Metadata); err != nil {
			return model.MemoryRecord{}, fmt.Errorf("decode metadata for %s: %w", rec.ID, err)
		}
	}
	return rec, nil
}

func encodeJSON(v any) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// vectorLiteral renders a pgvector literal; nil stays SQL NULL.
func vectorLiteral(vec []float32) *string {
	if len(vec) == 0 {
		return nil
	}
	var b strings.Builder
	b.WriteByte('[')
	for i, v := range vec {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(strconv.FormatFloat(float64(v), 'f', -1, 32))
	}
	b.WriteByte(']')
	s := b.String()
	return &s
}

func parseVector(text string) []float32 {
	text = strings.Trim(text, "[]")
	if strings.TrimSpace(text) == "" {
		return nil
	}
	parts := strings.Split(text, ",")
	vec := make([]float32, 0, len(parts))
	for _, part := range parts {
		f, err := strconv.ParseFloat(strings.TrimSpace(part), 32)
		if err != nil {
			continue
		}
		vec = append(vec, float32(f))
	}
	return vec
}

func escapeLike(s string) string {
	return strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(s)
}

// postgresSchema renders the built-in DDL for an embedding width.
func postgresSchema(dimensions int) string {
	column, index := "vector", ""
	if dimensions > 0 {
		column = fmt.Sprintf("vector(%d)", dimensions)
		index = "CREATE INDEX IF NOT EXISTS memory_records_embedding_idx ON memory_records USING ivfflat (embedding vector_cosine_ops) WITH (lists = 100);\n"
	}
	return fmt.Sprintf(postgresSchemaTemplate, column, index)
}

const postgresSchemaTemplate = `
CREATE EXTENSION IF NOT EXISTS vector;

CREATE TABLE IF NOT EXISTS memory_records (
    id TEXT PRIMARY KEY,
    content TEXT NOT NULL,
    type TEXT NOT NULL,
    organization_id TEXT NOT NULL,
    user_id TEXT NOT NULL DEFAULT '',
    created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    importance_score DOUBLE PRECISION NOT NULL DEFAULT 0,
    embedding %s,
    metadata JSONB
);

CREATE INDEX IF NOT EXISTS memory_records_org_idx ON memory_records (organization_id, created_at DESC);
%s
CREATE TABLE IF NOT EXISTS memory_relationships (
    source_memory_id TEXT NOT NULL REFERENCES memory_records(id) ON DELETE CASCADE,
    target_memory_id TEXT NOT NULL REFERENCES memory_records(id) ON DELETE CASCADE,
    relationship_type TEXT NOT NULL,
    organization_id TEXT NOT NULL,
    created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    PRIMARY KEY (source_memory_id, target_memory_id, relationship_type)
);

CREATE INDEX IF NOT EXISTS memory_relationships_target_idx ON memory_relationships (target_memory_id);

CREATE TABLE IF NOT EXISTS memory_contexts (
    id TEXT PRIMARY KEY,
    query TEXT NOT NULL,
    organization_id TEXT NOT NULL,
    user_id TEXT NOT NULL DEFAULT '',
    agent_id TEXT NOT NULL DEFAULT '',
    conversation_id TEXT NOT NULL DEFAULT '',
    memories JSONB NOT NULL,
    total_tokens INTEGER NOT NULL,
    truncated BOOLEAN NOT NULL,
    metadata JSONB NOT NULL,
    created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS context_feedback (
    seq BIGSERIAL PRIMARY KEY,
    context_id TEXT NOT NULL REFERENCES memory_contexts(id) ON DELETE CASCADE,
    payload JSONB NOT NULL
);

CREATE TABLE IF NOT EXISTS organization_plans (
    organization_id TEXT PRIMARY KEY,
    features JSONB NOT NULL,
    updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
`
