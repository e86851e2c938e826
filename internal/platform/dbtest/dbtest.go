// Package dbtest is the shared live-database test fixture used by every
// *_db_test.go file in this module, mirroring original_source's
// *_test_with_db.rs convention of gating integration tests on a connection
// string environment variable instead of a build tag.
package dbtest

import (
	"context"
	"os"
	"testing"

	"github.com/jackc/pgx/v5/pgxpool"
)

// EnvVar is the connection string environment variable a real Postgres
// integration run must set.
const EnvVar = "LANTERND_TEST_DATABASE_URL"

// Pool opens a pool against EnvVar's connection string, skipping the test if
// it isn't set. The pool and a fresh, uniquely-named schema are torn down
// via t.Cleanup.
func Pool(t *testing.T) (*pgxpool.Pool, string) {
	t.Helper()
	uri := os.Getenv(EnvVar)
	if uri == "" {
		t.Skipf("skipping: %s not set", EnvVar)
	}

	pool, err := pgxpool.New(context.Background(), uri)
	if err != nil {
		t.Fatalf("dbtest: connect: %v", err)
	}
	if err := pool.Ping(context.Background()); err != nil {
		t.Fatalf("dbtest: ping: %v", err)
	}

	schema := uniqueSchema(t)
	if _, err := pool.Exec(context.Background(), `CREATE SCHEMA IF NOT EXISTS `+quoteIdent(schema)); err != nil {
		t.Fatalf("dbtest: create schema %s: %v", schema, err)
	}

	t.Cleanup(func() {
		_, _ = pool.Exec(context.Background(), `DROP SCHEMA IF EXISTS `+quoteIdent(schema)+` CASCADE`)
		pool.Close()
	})

	return pool, schema
}

func uniqueSchema(t *testing.T) string {
	t.Helper()
	name := "ldbtest_" + sanitize(t.Name())
	if len(name) > 60 {
		name = name[:60]
	}
	return name
}

func sanitize(s string) string {
	out := make([]rune, 0, len(s))
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			out = append(out, r)
		default:
			out = append(out, '_')
		}
	}
	return string(out)
}

func quoteIdent(ident string) string {
	return `"` + ident + `"`
}
