// SPDX-License-Identifier: Apache-2.0

// Package dbadapter hides dialect differences behind a uniform contract:
// connection lifecycle, transaction/savepoint control, named-parameter
// execution, identifier quoting and transactional-DDL detection. Concrete
// dialects (pkg/dbadapter/postgres, pkg/dbadapter/sqlite) supply the
// dialect-specific pieces via the Dialect interface; this package supplies
// everything that is the same across dialects.
package dbadapter

import (
	"context"
	"database/sql"
	"fmt"
	"sync"

	"github.com/cloudflare/backoff"

	"github.com/ledgerflow/migrate/pkg/paramstyle"
)

// Dialect supplies the handful of operations that differ between backend
// implementations. A Backend is built around one Dialect plus a *sql.Conn.
type Dialect interface {
	// Name identifies the dialect for logging and error messages ("postgres", "sqlite").
	Name() string
	// ParamStyle is the native positional placeholder style the driver expects.
	ParamStyle() paramstyle.Style
	// Open establishes a *sql.DB for dsn.
	Open(ctx context.Context, dsn string) (*sql.DB, error)
	// QuoteIdentifier double-quotes s, doubling up embedded quotes. Returns
	// UsageError if s contains a NUL byte.
	QuoteIdentifier(s string) (string, error)
	// IsRetryable reports whether err indicates a transient lock-contention
	// condition that is worth retrying with backoff (e.g. Postgres'
	// lock_not_available, SQLITE_BUSY).
	IsRetryable(err error) bool
	// CreateProbeTableSQL/DropProbeTableSQL build the DDL used by the
	// transactional-DDL detection algorithm in HasTransactionalDDL.
	CreateProbeTableSQL(name string) string
	DropProbeTableSQL(name string) string
	// ListTablesSQL returns a query yielding one table name per row for
	// every table in the current schema.
	ListTablesSQL() string
	// SessionInit runs any session-level setup (e.g. search_path) that must
	// be reapplied after connect and after every rollback.
	SessionInit(ctx context.Context, conn *sql.Conn) error
}

// transactionalDDLCache caches HasTransactionalDDL's detection result per
// DSN, process-wide: detection runs once per URI per process regardless of
// how many Backend instances share that URI.
var (
	transactionalDDLCacheMu sync.Mutex
	transactionalDDLCache   = map[string]bool{}
)

// Backend is a single dialect-agnostic connection to a migration target. It
// is not safe for concurrent use: the engine that owns it is itself
// single-threaded.
type Backend struct {
	dialect Dialect
	dsn     string
	db      *sql.DB
	conn    *sql.Conn

	tx         *sql.Tx
	depth      int // 0 = no transaction, 1 = top-level tx, >1 = nested savepoint
	spCounter  int
	autocommit bool

	lockHeld bool // not consulted: pkg/lock tracks re-entrancy per lock.Manager
}

// Open connects to dsn using dialect and runs its session-init hook.
func Open(ctx context.Context, dialect Dialect, dsn string) (*Backend, error) {
	db, err := dialect.Open(ctx, dsn)
	if err != nil {
		return nil, &ConnectionError{URI: dsn, Err: err}
	}
	conn, err := db.Conn(ctx)
	if err != nil {
		_ = db.Close()
		return nil, &ConnectionError{URI: dsn, Err: err}
	}
	if err := dialect.SessionInit(ctx, conn); err != nil {
		_ = conn.Close()
		_ = db.Close()
		return nil, &ConnectionError{URI: dsn, Err: err}
	}
	return &Backend{dialect: dialect, dsn: dsn, db: db, conn: conn}, nil
}

// Copy returns an independent Backend against the same DSN with its own
// connection, so that a migration's steps can run on a connection disjoint
// from the one managing ledger writes.
func (b *Backend) Copy(ctx context.Context) (*Backend, error) {
	return Open(ctx, b.dialect, b.dsn)
}

// Close releases the underlying connection and pool.
func (b *Backend) Close() error {
	err := b.conn.Close()
	if cerr := b.db.Close(); err == nil {
		err = cerr
	}
	return err
}

func (b *Backend) ParamStyle() paramstyle.Style { return b.dialect.ParamStyle() }

// InTransaction reports whether a top-level transaction is currently open.
func (b *Backend) InTransaction() bool { return b.depth > 0 }

func (b *Backend) QuoteIdentifier(s string) (string, error) { return b.dialect.QuoteIdentifier(s) }

// Execute runs one statement with named (":name") parameters, translating
// them to the dialect's native placeholder style, and retries transient
// lock-contention errors with backoff.
func (b *Backend) Execute(ctx context.Context, query string, params map[string]any) (sql.Result, error) {
	translated, args, err := paramstyle.Translate(b.dialect.ParamStyle(), query, params)
	if err != nil {
		return nil, &UsageError{Msg: err.Error()}
	}
	return withRetry(ctx, b.dialect, func() (sql.Result, error) {
		return b.execer().ExecContext(ctx, translated, args...)
	})
}

// Query runs one SELECT-shaped statement with named parameters, retrying
// transient lock-contention errors with backoff.
func (b *Backend) Query(ctx context.Context, query string, params map[string]any) (*sql.Rows, error) {
	translated, args, err := paramstyle.Translate(b.dialect.ParamStyle(), query, params)
	if err != nil {
		return nil, &UsageError{Msg: err.Error()}
	}
	return withRetry(ctx, b.dialect, func() (*sql.Rows, error) {
		return b.queryer().QueryContext(ctx, translated, args...)
	})
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}
type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func (b *Backend) execer() execer {
	if b.tx != nil {
		return b.tx
	}
	return b.conn
}

func (b *Backend) queryer() queryer {
	if b.tx != nil {
		return b.tx
	}
	return b.conn
}

func withRetry[T any](ctx context.Context, dialect Dialect, f func() (T, error)) (T, error) {
	bo := backoff.New(maxBackoffDuration, backoffInterval)
	for {
		v, err := f()
		if err == nil {
			return v, nil
		}
		if dialect.IsRetryable(err) {
			if werr := sleepCtx(ctx, bo.Duration()); werr != nil {
				var zero T
				return zero, werr
			}
			continue
		}
		var zero T
		return zero, &DatabaseError{Err: err}
	}
}

// Begin starts a top-level transaction. It is a UsageError to call while
// already inside one.
func (b *Backend) Begin(ctx context.Context) error {
	if b.depth != 0 {
		return &UsageError{Msg: "begin called while already in a transaction"}
	}
	tx, err := b.conn.BeginTx(ctx, nil)
	if err != nil {
		return &DatabaseError{Err: err}
	}
	b.tx = tx
	b.depth = 1
	return nil
}

// Commit commits the top-level transaction.
func (b *Backend) Commit() error {
	if b.depth != 1 || b.tx == nil {
		return &UsageError{Msg: "commit called outside a top-level transaction"}
	}
	err := b.tx.Commit()
	b.tx = nil
	b.depth = 0
	if err != nil {
		return &DatabaseError{Err: err}
	}
	return nil
}

// Rollback rolls back the top-level transaction and re-initializes the
// session (so session-level settings like search_path survive).
func (b *Backend) Rollback(ctx context.Context) error {
	if b.tx == nil {
		return &UsageError{Msg: "rollback called with no active transaction"}
	}
	err := b.tx.Rollback()
	b.tx = nil
	b.depth = 0
	if ierr := b.dialect.SessionInit(ctx, b.conn); ierr != nil && err == nil {
		err = ierr
	}
	if err != nil {
		return &DatabaseError{Err: err}
	}
	return nil
}

func (b *Backend) savepointName() string {
	b.spCounter++
	return fmt.Sprintf("sp_%d", b.spCounter)
}

// Savepoint establishes a nested transaction point named id.
func (b *Backend) Savepoint(ctx context.Context, id string) error {
	if _, err := b.conn.ExecContext(ctx, "SAVEPOINT "+id); err != nil {
		return &DatabaseError{Err: err}
	}
	return nil
}

// SavepointRelease discards the savepoint named id, keeping its effects.
func (b *Backend) SavepointRelease(ctx context.Context, id string) error {
	if _, err := b.conn.ExecContext(ctx, "RELEASE SAVEPOINT "+id); err != nil {
		return &DatabaseError{Err: err}
	}
	return nil
}

// SavepointRollback undoes everything since the savepoint named id.
func (b *Backend) SavepointRollback(ctx context.Context, id string) error {
	if _, err := b.conn.ExecContext(ctx, "ROLLBACK TO SAVEPOINT "+id); err != nil {
		return &DatabaseError{Err: err}
	}
	return nil
}

// Scope is a scoped acquisition of transactional context returned by
// Transaction: either a fresh top-level transaction or a savepoint nested
// inside the caller's already-open one.
type Scope struct {
	backend        *Backend
	ctx            context.Context
	name           string // "" for a top-level transaction
	rollbackOnExit bool
	done           bool
}

// Transaction opens a scoped transaction: if no top-level transaction is
// active it begins one, otherwise it opens a savepoint. Close commits a
// top-level transaction on success (a savepoint is left as is), and rolls
// back on error or when rollbackOnExit is set.
func (b *Backend) Transaction(ctx context.Context, rollbackOnExit bool) (*Scope, error) {
	if b.depth == 0 {
		if err := b.Begin(ctx); err != nil {
			return nil, err
		}
		return &Scope{backend: b, ctx: ctx, rollbackOnExit: rollbackOnExit}, nil
	}

	name := b.savepointName()
	if err := b.Savepoint(ctx, name); err != nil {
		return nil, err
	}
	b.depth++
	return &Scope{backend: b, ctx: ctx, name: name, rollbackOnExit: rollbackOnExit}, nil
}

// Close commits or rolls back the scope depending on *errp and how the
// scope was configured. Callers invoke it via defer:
//
//	scope, err := backend.Transaction(ctx, false)
//	if err != nil { return err }
//	defer scope.Close(&err)
func (s *Scope) Close(errp *error) {
	if s == nil || s.done {
		return
	}
	s.done = true

	rollback := (errp != nil && *errp != nil) || s.rollbackOnExit

	if s.name == "" {
		var err error
		if rollback {
			err = s.backend.Rollback(s.ctx)
		} else {
			err = s.backend.Commit()
		}
		if err != nil && errp != nil && *errp == nil {
			*errp = err
		}
		return
	}

	var err error
	if rollback {
		err = s.backend.SavepointRollback(s.ctx, s.name)
	}
	// A successful exit releases nothing: some dialects implicitly release
	// every savepoint when DDL commits, so an explicit RELEASE here could
	// fail on a savepoint that no longer exists.
	s.backend.depth--
	if err != nil && errp != nil && *errp == nil {
		*errp = err
	}
}

// AutocommitScope is returned by DisableTransactions; closing it restores
// transactional mode for subsequent callers.
type AutocommitScope struct {
	backend *Backend
}

// DisableTransactions rolls back any pending transaction and enters
// autocommit mode for the scope's duration.
func (b *Backend) DisableTransactions(ctx context.Context) (*AutocommitScope, error) {
	if b.tx != nil {
		if err := b.Rollback(ctx); err != nil {
			return nil, err
		}
	}
	b.autocommit = true
	return &AutocommitScope{backend: b}, nil
}

// Close restores transactional mode.
func (s *AutocommitScope) Close() {
	if s == nil {
		return
	}
	s.backend.autocommit = false
}

// HasTransactionalDDL reports whether DDL statements on this backend's DSN
// participate in the enclosing transaction and can be rolled back. The
// result is detected once per DSN per process and cached thereafter.
func (b *Backend) HasTransactionalDDL(ctx context.Context) (bool, error) {
	transactionalDDLCacheMu.Lock()
	if v, ok := transactionalDDLCache[b.dsn]; ok {
		transactionalDDLCacheMu.Unlock()
		return v, nil
	}
	transactionalDDLCacheMu.Unlock()

	result, err := b.detectTransactionalDDL(ctx)
	if err != nil {
		return false, err
	}

	transactionalDDLCacheMu.Lock()
	transactionalDDLCache[b.dsn] = result
	transactionalDDLCacheMu.Unlock()
	return result, nil
}

func (b *Backend) detectTransactionalDDL(ctx context.Context) (result bool, err error) {
	const probeTable = "_migrate_ddl_probe"

	scope, err := b.Transaction(ctx, true)
	if err != nil {
		return false, err
	}
	if _, err = b.conn.ExecContext(ctx, b.dialect.CreateProbeTableSQL(probeTable)); err != nil {
		scope.Close(&err)
		return false, nil
	}
	scope.Close(&err)
	if err != nil {
		return false, err
	}

	scope2, err := b.Transaction(ctx, false)
	if err != nil {
		return false, err
	}
	_, dropErr := b.conn.ExecContext(ctx, b.dialect.DropProbeTableSQL(probeTable))
	scope2.Close(&err)
	if err != nil {
		return false, err
	}
	// If the table vanished when the creating transaction rolled back, the
	// drop here fails because there is nothing to drop: DDL was transactional.
	return dropErr != nil, nil
}

// ListTables returns the tables in the current schema.
func (b *Backend) ListTables(ctx context.Context) ([]string, error) {
	rows, err := b.conn.QueryContext(ctx, b.dialect.ListTablesSQL())
	if err != nil {
		return nil, &DatabaseError{Err: err}
	}
	defer rows.Close()

	var tables []string
	for rows.Next() {
		var t string
		if err := rows.Scan(&t); err != nil {
			return nil, &DatabaseError{Err: err}
		}
		tables = append(tables, t)
	}
	return tables, rows.Err()
}
