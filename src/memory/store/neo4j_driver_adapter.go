package store

import (
	"context"
	"fmt"

	neo4j "github.com/neo4j/neo4j-go-driver/v5/neo4j"
)

// NewNeo4jDriver dials a Neo4j server with basic auth and verifies connectivity.
func NewNeo4jDriver(ctx context.Context, uri, username, password string) (neo4jDriver, error) {
	driver, err := neo4j.NewDriverWithContext(uri, neo4j.BasicAuth(username, password, ""))
	if err != nil {
		return nil, fmt.Errorf("neo4j driver: %w", err)
	}
	if err := driver.VerifyConnectivity(ctx); err != nil {
		_ = driver.Close(ctx)
		return nil, fmt.Errorf("neo4j connectivity: %w", err)
	}
	return WrapNeo4jDriver(driver), nil
}

// WrapNeo4jDriver adapts the official driver to the narrow interface used by Neo4jStore.
func WrapNeo4jDriver(driver neo4j.DriverWithContext) neo4jDriver {
	if driver == nil {
		return nil
	}
	return &officialDriver{driver: driver}
}

type officialDriver struct {
	driver neo4j.DriverWithContext
}

func (d *officialDriver) NewSession(ctx context.Context, cfg Neo4jSessionConfig) (neo4jSession, error) {
	sc := neo4j.SessionConfig{DatabaseName: cfg.DatabaseName, AccessMode: neo4j.AccessModeRead}
	if cfg.AccessMode == AccessModeWrite {
		sc.AccessMode = neo4j.AccessModeWrite
	}
	return &officialSession{session: d.driver.NewSession(ctx, sc)}, nil
}

func (d *officialDriver) Close(ctx context.Context) error { return d.driver.Close(ctx) }

type officialSession struct {
	session neo4j.SessionWithContext
}

func (s *officialSession) BeginTransaction(ctx context.Context) (neo4jTransaction, error) {
	tx, err := s.session.BeginTransaction(ctx)
	if err != nil {
		return nil, err
	}
	return &officialTx{tx: tx}, nil
}

func (s *officialSession) Run(ctx context.Context, query string, params map[string]any) (neo4jResult, error) {
	return wrapResult(s.session.Run(ctx, query, params))
}

func (s *officialSession) Close(ctx context.Context) error { return s.session.Close(ctx) }

type officialTx struct {
	tx neo4j.ExplicitTransaction
}

func (t *officialTx) Run(ctx context.Context, query string, params map[string]any) (neo4jResult, error) {
	return wrapResult(t.tx.Run(ctx, query, params))
}

func (t *officialTx) Commit(ctx context.Context) error   { return t.tx.Commit(ctx) }
func (t *officialTx) Rollback(ctx context.Context) error { return t.tx.Rollback(ctx) }
func (t *officialTx) Close(ctx context.Context) error    { return t.tx.Close(ctx) }

func wrapResult(res neo4j.ResultWithContext, err error) (neo4jResult, error) {
	if err != nil {
		return nil, err
	}
	return &officialResult{result: res}, nil
}

type officialResult struct {
	result neo4j.ResultWithContext
}

func (r *officialResult) Next(ctx context.Context) bool { return r.result.Next(ctx) }
func (r *officialResult) Err() error                    { return r.result.Err() }

func (r *officialResult) Record() neo4jRecord {
	rec := r.result.Record()
	if rec == nil {
		return nil
	}
	return rec
}

func (r *officialResult) Close(ctx context.Context) error {
	_, err := r.result.Consume(ctx)
	return err
}
