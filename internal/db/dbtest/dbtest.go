// Package dbtest opens a migrated Postgres database for integration tests.
package dbtest

import (
	"context"
	"os"
	"testing"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/memohai/imhub/internal/db"
)

var tables = []string{
	"sensitive_word_hits",
	"sensitive_words",
	"usages",
	"messages",
	"received_events",
	"apps",
	"ai_resources",
}

// Open connects to TEST_POSTGRES_DSN, applies migrations and empties every
// table. The test is skipped when the variable is unset or the database is
// unreachable.
func Open(t *testing.T) *pgxpool.Pool {
	t.Helper()

	dsn := os.Getenv("TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("skip integration test: TEST_POSTGRES_DSN is not set")
	}

	ctx := context.Background()
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		t.Skipf("skip integration test: cannot connect to database: %v", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		t.Skipf("skip integration test: database ping failed: %v", err)
	}
	t.Cleanup(pool.Close)

	migrator, err := db.NewMigrator(nil, dsn)
	if err != nil {
		t.Fatalf("create migrator: %v", err)
	}
	defer func() { _ = migrator.Close() }()
	if err := migrator.Up(); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	for _, table := range tables {
		if _, err := pool.Exec(ctx, "DELETE FROM "+table); err != nil {
			t.Fatalf("clean %s: %v", table, err)
		}
	}
	return pool
}

// SeedApp inserts an application and, when tokens is non-nil, a linked AI resource.
func SeedApp(t *testing.T, pool *pgxpool.Pool, appID, provider, orgID string, tokens *int64) {
	t.Helper()

	ctx := context.Background()
	var resourceID any
	if tokens != nil {
		resourceID = "res-" + appID
		if _, err := pool.Exec(ctx,
			`INSERT INTO ai_resources (id, model, token_remains) VALUES ($1, 'gpt', $2)`,
			resourceID, *tokens); err != nil {
			t.Fatalf("seed ai resource: %v", err)
		}
	}
	if _, err := pool.Exec(ctx,
		`INSERT INTO apps (id, name, provider, config, ai_resource_id, organization_id)
		 VALUES ($1, $1, $2, '{"appId":"cli","appSecret":"s"}'::jsonb, $3, $4)`,
		appID, provider, resourceID, orgID); err != nil {
		t.Fatalf("seed app: %v", err)
	}
}
