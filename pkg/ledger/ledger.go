// SPDX-License-Identifier: Apache-2.0

// Package ledger persists the record of applied migrations and the
// append-only operation log, plus the internal schema-version bookkeeping
// for the ledger's own tables.
package ledger

import (
	"context"
	"fmt"
	"os"
	"os/user"
	"time"

	"github.com/google/uuid"
	"golang.org/x/mod/semver"

	"github.com/ledgerflow/migrate/pkg/dbadapter"
	"github.com/ledgerflow/migrate/pkg/lock"
	"github.com/ledgerflow/migrate/pkg/migration"
)

// Operation identifies what kind of event a log row records.
type Operation string

const (
	OpApply    Operation = "apply"
	OpRollback Operation = "rollback"
	OpMark     Operation = "mark"
	OpUnmark   Operation = "unmark"
)

// TableNames overrides the default table names the ledger persists to.
type TableNames struct {
	Applied string
	Log     string
	Lock    string
	Version string
}

// DefaultTableNames returns this implementation's default table names.
func DefaultTableNames() TableNames {
	return TableNames{
		Applied: "pgm_migration",
		Log:     "pgm_log",
		Lock:    "pgm_lock",
		Version: "pgm_version",
	}
}

// codeSchemaVersion is the ledger schema version this build expects. It is
// compared against the persisted version using semver so that a future
// upgrade path has somewhere to branch from.
const codeSchemaVersion = "v1.0.0"

// LogEntry is one append-only operation-log row.
type LogEntry struct {
	ID            string
	MigrationID   string
	MigrationHash string
	Operation     Operation
	Username      string
	Hostname      string
	CreatedAtUTC  time.Time
	Comment       string
}

// Ledger is the persistent record of applied migrations for one Backend.
type Ledger struct {
	backend *dbadapter.Backend
	tables  TableNames
	lockMgr *lock.Manager

	schemaChecked bool // per-Ledger flag; set once EnsureInternalSchemaUpdated has run
}

// New returns a Ledger backed by backend, using tables for its table names.
func New(backend *dbadapter.Backend, tables TableNames) *Ledger {
	return &Ledger{
		backend: backend,
		tables:  tables,
		lockMgr: lock.NewManager(backend, tables.Lock),
	}
}

// LockManager exposes the Ledger's Lock Manager so the Engine can acquire
// the same cross-process lock around apply/rollback/mark/unmark.
func (l *Ledger) LockManager() *lock.Manager { return l.lockMgr }

// EnsureInternalSchemaUpdated idempotently creates or upgrades the ledger's
// own tables. It is an assertion failure to call this inside an active
// transaction, and a no-op after the first successful call on this Ledger;
// another Ledger in the same process checks the tables again.
func (l *Ledger) EnsureInternalSchemaUpdated(ctx context.Context) error {
	if l.schemaChecked {
		return nil
	}
	if l.backend.InTransaction() {
		return &dbadapter.UsageError{Msg: "EnsureInternalSchemaUpdated called inside an active transaction"}
	}

	// The lock table must exist before the lock can be taken at all; creation
	// is idempotent and tolerates a concurrent creator racing the same DDL.
	if err := l.lockMgr.EnsureTable(ctx); err != nil {
		return err
	}

	scope, err := l.lockMgr.Acquire(ctx, 10*time.Second)
	if err != nil {
		return err
	}
	defer scope.Close(ctx)

	if err := l.createTables(ctx); err != nil {
		return err
	}
	if err := l.upgradeSchema(ctx); err != nil {
		return err
	}

	l.schemaChecked = true
	return nil
}

func (l *Ledger) quoted(name string) (string, error) { return l.backend.QuoteIdentifier(name) }

func (l *Ledger) createTables(ctx context.Context) error {
	applied, err := l.quoted(l.tables.Applied)
	if err != nil {
		return err
	}
	logTable, err := l.quoted(l.tables.Log)
	if err != nil {
		return err
	}
	version, err := l.quoted(l.tables.Version)
	if err != nil {
		return err
	}

	stmts := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			migration_hash TEXT PRIMARY KEY,
			migration_id TEXT NOT NULL,
			applied_at_utc TIMESTAMP NOT NULL
		)`, applied),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			id TEXT PRIMARY KEY,
			migration_hash TEXT,
			migration_id TEXT,
			operation TEXT NOT NULL,
			username TEXT,
			hostname TEXT,
			created_at_utc TIMESTAMP NOT NULL,
			comment TEXT
		)`, logTable),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			version TEXT NOT NULL,
			installed_at_utc TIMESTAMP NOT NULL
		)`, version),
	}
	for _, s := range stmts {
		if _, err := l.backend.Execute(ctx, s, nil); err != nil {
			return err
		}
	}
	return nil
}

func (l *Ledger) upgradeSchema(ctx context.Context) error {
	version, err := l.quoted(l.tables.Version)
	if err != nil {
		return err
	}

	rows, err := l.backend.Query(ctx, fmt.Sprintf("SELECT version FROM %s", version), nil)
	if err != nil {
		return err
	}
	var current string
	if rows.Next() {
		if err := rows.Scan(&current); err != nil {
			rows.Close()
			return err
		}
	}
	rows.Close()

	if current == "" {
		_, err := l.backend.Execute(ctx,
			fmt.Sprintf("INSERT INTO %s (version, installed_at_utc) VALUES (:version, :now)", version),
			map[string]any{"version": codeSchemaVersion, "now": nowUTC()})
		return err
	}

	if semver.Compare(current, codeSchemaVersion) > 0 {
		return fmt.Errorf("ledger: persisted schema version %s is newer than this build's %s", current, codeSchemaVersion)
	}
	// No upgrade steps exist yet between any shipped version and
	// codeSchemaVersion; a future bump adds migration steps here, gated by
	// the lock already held by the caller.
	return nil
}

// GetAppliedHashes returns applied migration hashes in application order.
func (l *Ledger) GetAppliedHashes(ctx context.Context) ([]string, error) {
	applied, err := l.quoted(l.tables.Applied)
	if err != nil {
		return nil, err
	}
	rows, err := l.backend.Query(ctx, fmt.Sprintf("SELECT migration_hash FROM %s ORDER BY applied_at_utc", applied), nil)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var hashes []string
	for rows.Next() {
		var h string
		if err := rows.Scan(&h); err != nil {
			return nil, err
		}
		hashes = append(hashes, h)
	}
	return hashes, rows.Err()
}

// IsApplied reports whether hash is recorded as applied.
func (l *Ledger) IsApplied(ctx context.Context, hash string) (bool, error) {
	applied, err := l.quoted(l.tables.Applied)
	if err != nil {
		return false, err
	}
	rows, err := l.backend.Query(ctx,
		fmt.Sprintf("SELECT 1 FROM %s WHERE migration_hash = :hash", applied),
		map[string]any{"hash": hash})
	if err != nil {
		return false, err
	}
	defer rows.Close()
	return rows.Next(), rows.Err()
}

// Mark inserts m's applied row. Ledger writes to the applied table are
// always done inside a transaction.
func (l *Ledger) Mark(ctx context.Context, m *migration.Migration) error {
	applied, err := l.quoted(l.tables.Applied)
	if err != nil {
		return err
	}
	return l.inTransaction(ctx, func(ctx context.Context) error {
		_, err := l.backend.Execute(ctx,
			fmt.Sprintf("INSERT INTO %s (migration_hash, migration_id, applied_at_utc) VALUES (:hash, :id, :now)", applied),
			map[string]any{"hash": m.Hash, "id": m.ID, "now": nowUTC()})
		return err
	})
}

// Unmark deletes m's applied row.
func (l *Ledger) Unmark(ctx context.Context, m *migration.Migration) error {
	applied, err := l.quoted(l.tables.Applied)
	if err != nil {
		return err
	}
	return l.inTransaction(ctx, func(ctx context.Context) error {
		_, err := l.backend.Execute(ctx,
			fmt.Sprintf("DELETE FROM %s WHERE migration_hash = :hash", applied),
			map[string]any{"hash": m.Hash})
		return err
	})
}

func (l *Ledger) inTransaction(ctx context.Context, f func(context.Context) error) (err error) {
	scope, serr := l.backend.Transaction(ctx, false)
	if serr != nil {
		return serr
	}
	err = f(ctx)
	scope.Close(&err)
	return err
}

// Log appends a log row with a fresh UUID v1, the current UTC timestamp,
// and the process's user and hostname. Written outside the migration's own
// transaction, so a failed apply's log entry survives that transaction's
// rollback.
func (l *Ledger) Log(ctx context.Context, m *migration.Migration, op Operation, comment string) error {
	logTable, err := l.quoted(l.tables.Log)
	if err != nil {
		return err
	}
	id, err := uuid.NewUUID()
	if err != nil {
		return err
	}

	var migrationID, migrationHash string
	if m != nil {
		migrationID, migrationHash = m.ID, m.Hash
	}

	_, err = l.backend.Execute(ctx,
		fmt.Sprintf(`INSERT INTO %s
			(id, migration_hash, migration_id, operation, username, hostname, created_at_utc, comment)
			VALUES (:id, :hash, :migid, :op, :user, :host, :now, :comment)`, logTable),
		map[string]any{
			"id": id.String(), "hash": migrationHash, "migid": migrationID,
			"op": string(op), "user": currentUsername(), "host": currentHostname(),
			"now": nowUTC(), "comment": comment,
		})
	return err
}

// ReadLog returns every operation-log row, oldest first (ordered by
// created_at_utc, then id, so entries written within the same clock tick
// still come back in a stable order).
func (l *Ledger) ReadLog(ctx context.Context) ([]LogEntry, error) {
	logTable, err := l.quoted(l.tables.Log)
	if err != nil {
		return nil, err
	}
	rows, err := l.backend.Query(ctx, fmt.Sprintf(
		`SELECT id, migration_hash, migration_id, operation, username, hostname, created_at_utc, comment
		FROM %s ORDER BY created_at_utc, id`, logTable), nil)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []LogEntry
	for rows.Next() {
		var e LogEntry
		var op string
		if err := rows.Scan(&e.ID, &e.MigrationHash, &e.MigrationID, &op,
			&e.Username, &e.Hostname, &e.CreatedAtUTC, &e.Comment); err != nil {
			return nil, err
		}
		e.Operation = Operation(op)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func nowUTC() time.Time { return time.Now().UTC() }

func currentUsername() string {
	if u, err := user.Current(); err == nil {
		return u.Username
	}
	return ""
}

func currentHostname() string {
	h, _ := os.Hostname()
	return h
}
