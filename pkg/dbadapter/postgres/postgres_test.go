// SPDX-License-Identifier: Apache-2.0

package postgres_test

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ledgerflow/migrate/internal/testutils"
	"github.com/ledgerflow/migrate/pkg/dbadapter"
	"github.com/ledgerflow/migrate/pkg/engine"
	"github.com/ledgerflow/migrate/pkg/ledger"
	"github.com/ledgerflow/migrate/pkg/lock"
	"github.com/ledgerflow/migrate/pkg/migration"
	"github.com/ledgerflow/migrate/pkg/step"
)

func TestMain(m *testing.M) {
	testutils.SharedTestMain(m)
}

func TestHasTransactionalDDL(t *testing.T) {
	testutils.WithBackend(t, func(backend *dbadapter.Backend, _ *sql.DB) {
		result, err := backend.HasTransactionalDDL(context.Background())
		require.NoError(t, err)
		assert.True(t, result, "Postgres DDL participates in transactions")
	})
}

func TestQuoteIdentifier(t *testing.T) {
	testutils.WithBackend(t, func(backend *dbadapter.Backend, _ *sql.DB) {
		q, err := backend.QuoteIdentifier(`migration "v2"`)
		require.NoError(t, err)
		assert.Equal(t, `"migration ""v2"""`, q)

		_, err = backend.QuoteIdentifier("nul\x00byte")
		assert.Error(t, err)
	})
}

func TestLedger_MarkTwiceIsUniqueViolation(t *testing.T) {
	testutils.WithBackend(t, func(backend *dbadapter.Backend, _ *sql.DB) {
		ctx := context.Background()
		l := ledger.New(backend, ledger.DefaultTableNames())
		require.NoError(t, l.EnsureInternalSchemaUpdated(ctx))

		m := migration.New("001-create-users", "001-create-users.sql", "migrations")
		require.NoError(t, l.Mark(ctx, m))

		err := l.Mark(ctx, m)
		require.Error(t, err)
		var pqErr *pq.Error
		require.True(t, errors.As(err, &pqErr))
		assert.Equal(t, testutils.UniqueViolationErrorCode, pqErr.Code.Name())
	})
}

func TestLock_ContentionTimesOut(t *testing.T) {
	testutils.WithBackend(t, func(backend *dbadapter.Backend, _ *sql.DB) {
		ctx := context.Background()

		holder := lock.NewManager(backend, "pgm_lock", lock.WithPollInterval(5*time.Millisecond))
		require.NoError(t, holder.EnsureTable(ctx))
		scope, err := holder.Acquire(ctx, time.Second)
		require.NoError(t, err)
		defer scope.Close(ctx)

		contender := lock.NewManager(backend, "pgm_lock", lock.WithPollInterval(5*time.Millisecond))
		_, err = contender.Acquire(ctx, 50*time.Millisecond)
		require.Error(t, err)
		var timeoutErr *lock.TimeoutError
		assert.ErrorAs(t, err, &timeoutErr)
	})
}

func TestEngine_ApplyAndRollback(t *testing.T) {
	testutils.WithBackend(t, func(backend *dbadapter.Backend, rawDB *sql.DB) {
		ctx := context.Background()
		e := engine.New(backend)

		m1 := migration.New("001-create-t", "001-create-t.sql", "migrations")
		m1.Steps = []step.Executable{&step.Step{
			Apply:    step.Action{SQL: "CREATE TABLE yoyo_t (v TEXT)"},
			Rollback: step.Action{SQL: "DROP TABLE yoyo_t"},
			Wrapper:  step.Transactional,
		}}
		m2 := migration.New("002-insert-t", "002-insert-t.sql", "migrations")
		m2.DependsOn = []string{"001-create-t"}
		m2.Steps = []step.Executable{&step.Step{
			Apply:    step.Action{SQL: "INSERT INTO yoyo_t (v) VALUES ('A')"},
			Rollback: step.Action{SQL: "DELETE FROM yoyo_t"},
			Wrapper:  step.Transactional,
		}}

		set := migration.NewSet()
		require.NoError(t, set.Add(m2))
		require.NoError(t, set.Add(m1))

		require.NoError(t, e.Apply(ctx, set, false))

		var count int
		require.NoError(t, rawDB.QueryRowContext(ctx, "SELECT count(*) FROM yoyo_t").Scan(&count))
		assert.Equal(t, 1, count)

		applied, err := e.Ledger().GetAppliedHashes(ctx)
		require.NoError(t, err)
		require.Len(t, applied, 2)
		assert.Equal(t, m1.Hash, applied[0], "dependency applies before dependent")

		require.NoError(t, e.Rollback(ctx, set, false))

		tables, err := e.ListTables(ctx)
		require.NoError(t, err)
		assert.NotContains(t, tables, "yoyo_t")

		applied, err = e.Ledger().GetAppliedHashes(ctx)
		require.NoError(t, err)
		assert.Empty(t, applied)
	})
}

// TestEngine_FailedStepRollsBackAtomically exercises the transactional-DDL
// path: Postgres rolls the whole migration back when a later step fails, so
// the table from the first step must not survive and no ledger row appears.
func TestEngine_FailedStepRollsBackAtomically(t *testing.T) {
	testutils.WithBackend(t, func(backend *dbadapter.Backend, _ *sql.DB) {
		ctx := context.Background()
		e := engine.New(backend)

		m := migration.New("001-partial", "001-partial.sql", "migrations")
		m.Steps = []step.Executable{
			&step.Step{
				Apply:    step.Action{SQL: "CREATE TABLE half_done (id INT)"},
				Rollback: step.Action{SQL: "DROP TABLE half_done"},
				Wrapper:  step.Transactional,
			},
			&step.Step{
				Apply:   step.Action{SQL: "SELECT * FROM table_that_does_not_exist"},
				Wrapper: step.Transactional,
			},
		}

		require.Error(t, e.ApplyOne(ctx, m, false))

		tables, err := e.ListTables(ctx)
		require.NoError(t, err)
		assert.NotContains(t, tables, "half_done")

		ok, err := e.Ledger().IsApplied(ctx, m.Hash)
		require.NoError(t, err)
		assert.False(t, ok)
	})
}
