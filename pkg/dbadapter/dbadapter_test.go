// SPDX-License-Identifier: Apache-2.0

package dbadapter_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ledgerflow/migrate/pkg/dbadapter"
	"github.com/ledgerflow/migrate/pkg/dbadapter/sqlite"
)

func openTestBackend(t *testing.T) *dbadapter.Backend {
	t.Helper()
	b, err := sqlite.Open(context.Background(), ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close() })
	return b
}

func TestTransaction_TopLevelCommit(t *testing.T) {
	ctx := context.Background()
	b := openTestBackend(t)

	_, err := b.Execute(ctx, "CREATE TABLE t (id INTEGER)", nil)
	require.NoError(t, err)

	func() (err error) {
		scope, serr := b.Transaction(ctx, false)
		require.NoError(t, serr)
		defer scope.Close(&err)

		_, err = b.Execute(ctx, "INSERT INTO t (id) VALUES (:id)", map[string]any{"id": 1})
		return err
	}()

	rows, err := b.Query(ctx, "SELECT id FROM t", nil)
	require.NoError(t, err)
	defer rows.Close()
	var count int
	for rows.Next() {
		count++
	}
	assert.Equal(t, 1, count)
}

func TestTransaction_TopLevelRollbackOnError(t *testing.T) {
	ctx := context.Background()
	b := openTestBackend(t)

	_, err := b.Execute(ctx, "CREATE TABLE t (id INTEGER)", nil)
	require.NoError(t, err)

	_ = func() (err error) {
		scope, serr := b.Transaction(ctx, false)
		require.NoError(t, serr)
		defer scope.Close(&err)

		if _, err = b.Execute(ctx, "INSERT INTO t (id) VALUES (:id)", map[string]any{"id": 1}); err != nil {
			return err
		}
		return assert.AnError
	}()

	rows, err := b.Query(ctx, "SELECT id FROM t", nil)
	require.NoError(t, err)
	defer rows.Close()
	assert.False(t, rows.Next())
}

func TestTransaction_NestedSavepointRollsBackIndependently(t *testing.T) {
	ctx := context.Background()
	b := openTestBackend(t)

	_, err := b.Execute(ctx, "CREATE TABLE t (id INTEGER)", nil)
	require.NoError(t, err)

	func() (err error) {
		outer, serr := b.Transaction(ctx, false)
		require.NoError(t, serr)
		defer outer.Close(&err)

		if _, err = b.Execute(ctx, "INSERT INTO t (id) VALUES (:id)", map[string]any{"id": 1}); err != nil {
			return err
		}

		func() (inErr error) {
			inner, ierr := b.Transaction(ctx, false)
			require.NoError(t, ierr)
			defer inner.Close(&inErr)

			if _, inErr = b.Execute(ctx, "INSERT INTO t (id) VALUES (:id)", map[string]any{"id": 2}); inErr != nil {
				return inErr
			}
			return assert.AnError
		}()

		return nil
	}()

	rows, err := b.Query(ctx, "SELECT id FROM t ORDER BY id", nil)
	require.NoError(t, err)
	defer rows.Close()
	var ids []int
	for rows.Next() {
		var id int
		require.NoError(t, rows.Scan(&id))
		ids = append(ids, id)
	}
	assert.Equal(t, []int{1}, ids)
}

func TestQuoteIdentifier(t *testing.T) {
	b := openTestBackend(t)
	q, err := b.QuoteIdentifier(`weird"name`)
	require.NoError(t, err)
	assert.Equal(t, `"weird""name"`, q)

	_, err = b.QuoteIdentifier("bad\x00name")
	assert.Error(t, err)
}

func TestHasTransactionalDDL_SQLiteIsTransactional(t *testing.T) {
	ctx := context.Background()
	b := openTestBackend(t)

	result, err := b.HasTransactionalDDL(ctx)
	require.NoError(t, err)
	assert.True(t, result) // SQLite's DDL participates in transactions.
}

func TestListTables(t *testing.T) {
	ctx := context.Background()
	b := openTestBackend(t)

	_, err := b.Execute(ctx, "CREATE TABLE widgets (id INTEGER)", nil)
	require.NoError(t, err)

	tables, err := b.ListTables(ctx)
	require.NoError(t, err)
	assert.Contains(t, tables, "widgets")
}

func TestCopy_IndependentConnection(t *testing.T) {
	ctx := context.Background()
	b := openTestBackend(t)
	cp, err := b.Copy(ctx)
	require.NoError(t, err)
	defer cp.Close()
	assert.NotSame(t, b, cp)
}
