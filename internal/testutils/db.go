// SPDX-License-Identifier: Apache-2.0

package testutils

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"math/rand"
	"net/url"
	"os"
	"testing"
	"time"

	"github.com/lib/pq"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/ledgerflow/migrate/internal/connstr"
	"github.com/ledgerflow/migrate/pkg/dbadapter"
	pgbackend "github.com/ledgerflow/migrate/pkg/dbadapter/postgres"
)

// defaultPostgresVersion is used when POSTGRES_VERSION is not set.
const defaultPostgresVersion = "15.3"

// tConnStr holds the connection string to the container started by
// SharedTestMain, shared by every test in the package that calls it.
var tConnStr string

// SharedTestMain starts a postgres container once per package and hands out
// a fresh database per test via WithBackend. Call it from a TestMain.
func SharedTestMain(m *testing.M) {
	ctx := context.Background()

	waitForLogs := wait.
		ForLog("database system is ready to accept connections").
		WithOccurrence(2).
		WithStartupTimeout(5 * time.Second)

	pgVersion := os.Getenv("POSTGRES_VERSION")
	if pgVersion == "" {
		pgVersion = defaultPostgresVersion
	}

	ctr, err := postgres.RunContainer(ctx,
		testcontainers.WithImage("postgres:"+pgVersion),
		testcontainers.WithWaitStrategy(waitForLogs),
	)
	if err != nil {
		log.Printf("failed to start postgres container: %v", err)
		os.Exit(1)
	}

	tConnStr, err = ctr.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		log.Printf("failed to read container connection string: %v", err)
		os.Exit(1)
	}

	exitCode := m.Run()

	if err := ctr.Terminate(ctx); err != nil {
		log.Printf("failed to terminate postgres container: %v", err)
	}

	os.Exit(exitCode)
}

// TestSchema returns the schema migrations are applied into during tests.
func TestSchema() string {
	if s := os.Getenv("PGM_TEST_SCHEMA"); s != "" {
		return s
	}
	return "public"
}

// WithBackend creates a fresh database in the shared container, opens it as
// a Backend scoped to TestSchema, and passes it to fn alongside a raw *sql.DB
// connected to the same database with its search_path pinned to the same
// schema for making assertions the Backend's API doesn't expose directly.
func WithBackend(t *testing.T, fn func(backend *dbadapter.Backend, rawDB *sql.DB)) {
	t.Helper()
	ctx := context.Background()

	connStr, _ := setupTestDatabase(t)

	schema := TestSchema()
	backend, err := pgbackend.Open(ctx, connStr, schema)
	if err != nil {
		t.Fatalf("opening backend: %v", err)
	}
	t.Cleanup(func() { backend.Close() })

	scopedConnStr, err := connstr.AppendSearchPathOption(connStr, schema)
	if err != nil {
		t.Fatalf("appending search_path option: %v", err)
	}
	rawDB, err := sql.Open("postgres", scopedConnStr)
	if err != nil {
		t.Fatalf("opening raw assertion connection: %v", err)
	}
	t.Cleanup(func() { rawDB.Close() })

	fn(backend, rawDB)
}

// setupTestDatabase creates a new, empty database in the shared container
// and returns its connection string and name.
func setupTestDatabase(t *testing.T) (string, string) {
	t.Helper()
	ctx := context.Background()

	admin, err := sql.Open("postgres", tConnStr)
	if err != nil {
		t.Fatalf("connecting to test container: %v", err)
	}
	t.Cleanup(func() { admin.Close() })

	dbName := randomDBName()
	_, err = admin.ExecContext(ctx, fmt.Sprintf("CREATE DATABASE %s", pq.QuoteIdentifier(dbName)))
	if err != nil {
		t.Fatalf("creating test database: %v", err)
	}
	t.Cleanup(func() {
		_, _ = admin.ExecContext(context.Background(), fmt.Sprintf("DROP DATABASE IF EXISTS %s", pq.QuoteIdentifier(dbName)))
	})

	u, err := url.Parse(tConnStr)
	if err != nil {
		t.Fatalf("parsing container connection string: %v", err)
	}
	u.Path = "/" + dbName

	return u.String(), dbName
}

func randomDBName() string {
	const length = 15
	const charset = "abcdefghijklmnopqrstuvwxyz"

	b := make([]byte, length)
	for i := range b {
		b[i] = charset[rand.Intn(len(charset))] // #nosec G404
	}

	return "testdb_" + string(b)
}
