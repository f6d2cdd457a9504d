// SPDX-License-Identifier: Apache-2.0

package loader_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ledgerflow/migrate/pkg/dbadapter"
	"github.com/ledgerflow/migrate/pkg/dbadapter/sqlite"
	"github.com/ledgerflow/migrate/pkg/loader"
	"github.com/ledgerflow/migrate/pkg/migration"
	"github.com/ledgerflow/migrate/pkg/step"
)

func writeFile(t *testing.T, dir, name, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644))
}

func newSQLiteBackend(t *testing.T) *dbadapter.Backend {
	t.Helper()
	b, err := sqlite.Open(context.Background(), ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close() })
	return b
}

func TestRead_DiscoversAndOrdersSQLMigrations(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "002-create-posts.sql", "CREATE TABLE posts (id INTEGER)")
	writeFile(t, dir, "001-create-users.sql", "-- depends:\nCREATE TABLE users (id INTEGER)")

	set, err := loader.Read(filepath.Join(dir, "*.sql"))
	require.NoError(t, err)
	require.Len(t, set.Items, 2)
	// Lexicographic discovery order, not yet dependency-sorted: that's the
	// engine's job.
	assert.Equal(t, "001-create-users", set.Items[0].ID)
	assert.Equal(t, "002-create-posts", set.Items[1].ID)
	assert.Nil(t, set.Items[0].LoadError)
	assert.True(t, set.Items[0].UseTransactions)
}

func TestRead_ParsesDirectivesAndRollbackPair(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "001-add-column.sql", `-- transactional: false
-- depends: 000-init
-- adds the email column
ALTER TABLE users ADD COLUMN email TEXT;
UPDATE users SET email = '' WHERE email IS NULL;`)
	writeFile(t, dir, "001-add-column.rollback.sql", `ALTER TABLE users DROP COLUMN email;`)
	writeFile(t, dir, "000-init.sql", "CREATE TABLE users (id INTEGER)")

	set, err := loader.Read(filepath.Join(dir, "*.sql"))
	require.NoError(t, err)

	m, ok := set.ByID("001-add-column")
	require.True(t, ok)
	assert.False(t, m.UseTransactions)
	assert.Equal(t, []string{"000-init"}, m.DependsOn)
	assert.Equal(t, "adds the email column", m.Doc)
	require.Len(t, m.Steps, 2)
}

func TestRead_RollbackStatementsAreReversedAndZipped(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "001-two-statements.sql", "CREATE TABLE a (id INTEGER);\nCREATE TABLE b (id INTEGER);")
	// Rollback statements are written in rollback-execution order (undo the
	// most recently applied statement first), matching loadRollback's
	// positional zip: "drop b" undoes step 1, "drop a" undoes step 0.
	writeFile(t, dir, "001-two-statements.rollback.sql", "DROP TABLE b;\nDROP TABLE a;")

	set, err := loader.Read(filepath.Join(dir, "*.sql"))
	require.NoError(t, err)
	m, ok := set.ByID("001-two-statements")
	require.True(t, ok)
	require.Len(t, m.Steps, 2)

	ctx := context.Background()
	// Each step's rollback is the statement operating on what that same
	// step's apply created: step 0 creates "a", its rollback must drop "a",
	// not "b".
	backend := newSQLiteBackend(t)
	require.NoError(t, m.Steps[0].ApplyTo(ctx, backend, false, nil))
	require.NoError(t, m.Steps[0].RollbackFrom(ctx, backend, false, nil))
	tables, err := backend.ListTables(ctx)
	require.NoError(t, err)
	assert.NotContains(t, tables, "a")
}

func TestRead_ConflictingIDsIsFatal(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "001-dup.sql", "CREATE TABLE a (id INTEGER)")
	sub := filepath.Join(dir, "sub")
	require.NoError(t, os.Mkdir(sub, 0o755))
	writeFile(t, sub, "001-dup.sql", "CREATE TABLE b (id INTEGER)")

	_, err := loader.Read(filepath.Join(dir, "*.sql"), filepath.Join(sub, "*.sql"))
	require.Error(t, err)
	var conflict *migration.ConflictError
	assert.ErrorAs(t, err, &conflict)
}

func TestRead_DanglingDependencyIsPerMigrationNotFatal(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "001-orphan.sql", "-- depends: does-not-exist\nCREATE TABLE a (id INTEGER)")
	writeFile(t, dir, "002-fine.sql", "CREATE TABLE b (id INTEGER)")

	set, err := loader.Read(filepath.Join(dir, "*.sql"))
	require.NoError(t, err)

	orphan, ok := set.ByID("001-orphan")
	require.True(t, ok)
	require.Error(t, orphan.LoadError)
	var badMig *loader.BadMigrationError
	assert.ErrorAs(t, orphan.LoadError, &badMig)

	fine, ok := set.ByID("002-fine")
	require.True(t, ok)
	assert.NoError(t, fine.LoadError)
}

func TestRead_ScriptedMigrationUsesRegisteredBuilder(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "001-scripted.step", "")
	writeFile(t, dir, "000-init.sql", "CREATE TABLE users (id INTEGER)")

	loader.RegisterSteps("001-scripted", func(c *step.Collector) {
		c.SetDoc("backfills a computed column")
		c.SetDepends("000-init")
		c.Step(
			func(context.Context, *dbadapter.Backend) error { return nil },
			nil,
		)
	})

	set, err := loader.Read(filepath.Join(dir, "*.step"), filepath.Join(dir, "*.sql"))
	require.NoError(t, err)

	m, ok := set.ByID("001-scripted")
	require.True(t, ok)
	require.NoError(t, m.LoadError)
	assert.Equal(t, []string{"000-init"}, m.DependsOn)
	assert.Equal(t, "backfills a computed column", m.Doc)
	require.Len(t, m.Steps, 1)
}

func TestRead_ScriptedMigrationMetadataSidecarOverridesBuilder(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "001-backfill.step", "")
	writeFile(t, dir, "001-backfill.step.json", `{"depends": ["000-init"], "transactional": false, "doc": "backfills totals"}`)
	writeFile(t, dir, "000-init.sql", "CREATE TABLE users (id INTEGER)")

	loader.RegisterSteps("001-backfill", func(c *step.Collector) {
		c.SetDoc("placeholder")
		c.Step(
			func(context.Context, *dbadapter.Backend) error { return nil },
			nil,
		)
	})

	set, err := loader.Read(filepath.Join(dir, "*.step"), filepath.Join(dir, "*.sql"))
	require.NoError(t, err)

	m, ok := set.ByID("001-backfill")
	require.True(t, ok)
	require.NoError(t, m.LoadError)
	assert.Equal(t, []string{"000-init"}, m.DependsOn)
	assert.False(t, m.UseTransactions)
	assert.Equal(t, "backfills totals", m.Doc)
}

func TestRead_PostApplyHookKind(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "post-apply-refresh.sql", "REFRESH MATERIALIZED VIEW totals")

	set, err := loader.Read(filepath.Join(dir, "*.sql"))
	require.NoError(t, err)
	require.Len(t, set.PostApply, 1)
	assert.Equal(t, migration.PostApplyHook, set.PostApply[0].Kind)
	assert.Empty(t, set.Items)
}
