// SPDX-License-Identifier: Apache-2.0

// Package sqlite provides the dbadapter.Dialect for SQLite, backed by
// modernc.org/sqlite (a CGo-free driver, matching this backend's use case of
// being embedded in test harnesses and single-binary CLI deployments).
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	sqlitelib "modernc.org/sqlite"

	"github.com/ledgerflow/migrate/pkg/dbadapter"
	"github.com/ledgerflow/migrate/pkg/paramstyle"
)

const sqliteBusyErrorCode = 5 // SQLITE_BUSY

// Dialect is the SQLite dbadapter.Dialect.
type Dialect struct{}

func (Dialect) Name() string { return "sqlite" }

func (Dialect) ParamStyle() paramstyle.Style { return paramstyle.Question }

func (Dialect) Open(ctx context.Context, dsn string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	// SQLite allows only one writer; this backend is used by a
	// single-threaded engine with one connection per Backend, so capping the
	// pool avoids the driver silently handing out a second writer connection.
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

func (Dialect) QuoteIdentifier(s string) (string, error) {
	if strings.ContainsRune(s, 0) {
		return "", &dbadapter.UsageError{Msg: "identifier contains a NUL byte"}
	}
	return `"` + strings.ReplaceAll(s, `"`, `""`) + `"`, nil
}

func (Dialect) IsRetryable(err error) bool {
	serr, ok := err.(*sqlitelib.Error)
	return ok && serr.Code() == sqliteBusyErrorCode
}

func (Dialect) CreateProbeTableSQL(name string) string {
	return fmt.Sprintf("CREATE TEMPORARY TABLE %s (id INTEGER)", name)
}

func (Dialect) DropProbeTableSQL(name string) string {
	return fmt.Sprintf("DROP TABLE %s", name)
}

func (Dialect) ListTablesSQL() string {
	return `SELECT name FROM sqlite_master WHERE type = 'table' AND name NOT LIKE 'sqlite_%'`
}

func (Dialect) SessionInit(ctx context.Context, conn *sql.Conn) error {
	_, err := conn.ExecContext(ctx, "PRAGMA foreign_keys = ON")
	return err
}

// Open connects to dsn (a file path, or ":memory:") using the SQLite dialect.
func Open(ctx context.Context, dsn string) (*dbadapter.Backend, error) {
	return dbadapter.Open(ctx, Dialect{}, dsn)
}
