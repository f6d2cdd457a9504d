// SPDX-License-Identifier: Apache-2.0

// Package postgres provides the dbadapter.Dialect for PostgreSQL, backed by
// github.com/lib/pq.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/lib/pq"

	"github.com/ledgerflow/migrate/pkg/dbadapter"
	"github.com/ledgerflow/migrate/pkg/paramstyle"
)

// lockNotAvailableErrorCode is Postgres' SQLSTATE for a NOWAIT/lock_timeout
// failure to acquire a lock. Retried with backoff rather than surfaced.
const lockNotAvailableErrorCode pq.ErrorCode = "55P03"

// Dialect is the Postgres dbadapter.Dialect.
type Dialect struct {
	// SearchPath, when non-empty, is applied via SET search_path after every
	// connect and rollback.
	SearchPath string
}

func (Dialect) Name() string { return "postgres" }

func (Dialect) ParamStyle() paramstyle.Style { return paramstyle.Dollar }

func (d Dialect) Open(ctx context.Context, dsn string) (*sql.DB, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

// QuoteIdentifier double-quotes s, doubling embedded quotes, rejecting NUL
// bytes as Postgres identifiers cannot contain them.
func (Dialect) QuoteIdentifier(s string) (string, error) {
	if strings.ContainsRune(s, 0) {
		return "", &dbadapter.UsageError{Msg: "identifier contains a NUL byte"}
	}
	return `"` + strings.ReplaceAll(s, `"`, `""`) + `"`, nil
}

func (Dialect) IsRetryable(err error) bool {
	pqErr := &pq.Error{}
	return errors.As(err, &pqErr) && pqErr.Code == lockNotAvailableErrorCode
}

func (Dialect) CreateProbeTableSQL(name string) string {
	return fmt.Sprintf("CREATE TEMPORARY TABLE %s (id int)", name)
}

func (Dialect) DropProbeTableSQL(name string) string {
	return fmt.Sprintf("DROP TABLE %s", name)
}

func (Dialect) ListTablesSQL() string {
	return `SELECT table_name FROM information_schema.tables WHERE table_schema = current_schema()`
}

func (d Dialect) SessionInit(ctx context.Context, conn *sql.Conn) error {
	if d.SearchPath == "" {
		return nil
	}
	_, err := conn.ExecContext(ctx, fmt.Sprintf("SET search_path TO %s", d.SearchPath))
	return err
}

// Open connects to dsn using the Postgres dialect.
func Open(ctx context.Context, dsn string, searchPath string) (*dbadapter.Backend, error) {
	return dbadapter.Open(ctx, Dialect{SearchPath: searchPath}, dsn)
}
