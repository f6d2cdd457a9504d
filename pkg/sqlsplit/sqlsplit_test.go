// SPDX-License-Identifier: Apache-2.0

package sqlsplit_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ledgerflow/migrate/pkg/sqlsplit"
)

func TestSplit_MultipleStatements(t *testing.T) {
	stmts, err := sqlsplit.Split("CREATE TABLE t (id int); INSERT INTO t VALUES (1);")
	require.NoError(t, err)
	require.Len(t, stmts, 2)
	assert.Contains(t, stmts[0], "CREATE TABLE t")
	assert.Contains(t, stmts[1], "INSERT INTO t")
}

func TestSplit_SemicolonInsideStringLiteral(t *testing.T) {
	stmts, err := sqlsplit.Split(`INSERT INTO t (a) VALUES ('a;b'); SELECT 1;`)
	require.NoError(t, err)
	require.Len(t, stmts, 2)
	assert.Contains(t, stmts[0], "'a;b'")
}

func TestSplit_SemicolonInsideDollarQuotedFunctionBody(t *testing.T) {
	sql := `
CREATE FUNCTION f() RETURNS int AS $$
BEGIN
  RETURN 1;
END;
$$ LANGUAGE plpgsql;
SELECT 2;
`
	stmts, err := sqlsplit.Split(sql)
	require.NoError(t, err)
	require.Len(t, stmts, 2)
	assert.Contains(t, stmts[0], "CREATE FUNCTION f()")
	assert.Contains(t, stmts[1], "SELECT 2")
}

func TestSplit_InvalidSQL(t *testing.T) {
	_, err := sqlsplit.Split("CREATE TALBE (((")
	assert.Error(t, err)
}

func TestExtractDirectives_TransactionalFalse(t *testing.T) {
	sql := "-- transactional: false\n-- depends: 0001 0002\nCREATE TABLE t (id int);"
	d, rest := sqlsplit.ExtractDirectives(sql)
	require.NotNil(t, d.Transactional)
	assert.False(t, *d.Transactional)
	assert.Equal(t, []string{"0001", "0002"}, d.Depends)
	assert.Contains(t, rest, "CREATE TABLE t")
}

func TestExtractDirectives_DependsAcrossMultipleLines(t *testing.T) {
	sql := "-- depends: 0001\n-- depends: 0002\nSELECT 1;"
	d, _ := sqlsplit.ExtractDirectives(sql)
	assert.Equal(t, []string{"0001", "0002"}, d.Depends)
}

func TestExtractDirectives_LeadingCommentBecomesDescription(t *testing.T) {
	sql := "-- add a widgets table\nCREATE TABLE widgets (id int);"
	d, rest := sqlsplit.ExtractDirectives(sql)
	assert.Equal(t, "add a widgets table", d.Leading)
	assert.Contains(t, rest, "CREATE TABLE widgets")
}

func TestExtractDirectives_NoDirectives(t *testing.T) {
	sql := "SELECT 1;"
	d, rest := sqlsplit.ExtractDirectives(sql)
	assert.Nil(t, d.Transactional)
	assert.Empty(t, d.Depends)
	assert.Equal(t, "SELECT 1;", rest)
}
