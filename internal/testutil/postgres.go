// Package testutil holds helpers shared by integration tests.
package testutil

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/segmentio/ksuid"

	"foreman/internal/config"
)

// PostgresURLEnv names the database integration tests run against.
const PostgresURLEnv = "FOREMAN_TEST_DATABASE_URL"

const setupTimeout = 10 * time.Second

// PostgresPool returns a pool whose search_path is a schema private to t.
// The schema is dropped when t finishes. Tests are skipped when
// PostgresURLEnv is unset, so the default `go test ./...` needs no database.
func PostgresPool(t *testing.T) *pgxpool.Pool {
	t.Helper()

	raw, _ := config.DefaultEnvLookup(PostgresURLEnv)
	dsn := strings.TrimSpace(raw)
	if dsn == "" {
		t.Skipf("%s not set", PostgresURLEnv)
	}

	ctx, cancel := context.WithTimeout(context.Background(), setupTimeout)
	defer cancel()

	admin, err := pgx.Connect(ctx, dsn)
	if err != nil {
		t.Fatalf("connect %s: %v", PostgresURLEnv, err)
	}
	schema := "foreman_test_" + strings.ToLower(ksuid.New().String())
	quoted := pgx.Identifier{schema}.Sanitize()
	if _, err := admin.Exec(ctx, "CREATE SCHEMA "+quoted); err != nil {
		_ = admin.Close(ctx)
		t.Fatalf("create schema %s: %v", schema, err)
	}

	poolCfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		_ = admin.Close(ctx)
		t.Fatalf("parse %s: %v", PostgresURLEnv, err)
	}
	poolCfg.ConnConfig.RuntimeParams["search_path"] = schema
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err == nil {
		if err = pool.Ping(ctx); err != nil {
			pool.Close()
		}
	}
	if err != nil {
		_ = admin.Close(ctx)
		t.Fatalf("open pool on schema %s: %v", schema, err)
	}

	t.Cleanup(func() {
		pool.Close()
		ctx, cancel := context.WithTimeout(context.Background(), setupTimeout)
		defer cancel()
		if _, err := admin.Exec(ctx, "DROP SCHEMA "+quoted+" CASCADE"); err != nil {
			t.Logf("drop schema %s: %v", schema, err)
		}
		_ = admin.Close(ctx)
	})
	return pool
}
