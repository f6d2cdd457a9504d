// SPDX-License-Identifier: Apache-2.0

// Package step implements the apply/rollback execution model for a single
// migration: transactional and non-transactional wrappers around a Step or
// StepGroup, with per-direction error tolerance and tabulated printing of
// SELECT result rows.
package step

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/ledgerflow/migrate/pkg/dbadapter"
)

// IgnoreErrors controls which directions of execution tolerate a
// DatabaseError rather than propagating it.
type IgnoreErrors int

const (
	IgnoreNone IgnoreErrors = iota
	IgnoreApply
	IgnoreRollback
	IgnoreAll
)

func (i IgnoreErrors) tolerates(direction Direction) bool {
	switch i {
	case IgnoreAll:
		return true
	case IgnoreApply:
		return direction == Apply
	case IgnoreRollback:
		return direction == Rollback
	default:
		return false
	}
}

// Direction identifies which of a Step's two payloads is executing.
type Direction int

const (
	Apply Direction = iota
	Rollback
)

func (d Direction) String() string {
	if d == Rollback {
		return "rollback"
	}
	return "apply"
}

// Wrapper selects whether a Step/StepGroup runs inside a transaction scope.
type Wrapper int

const (
	Transactional Wrapper = iota
	NonTransactional
)

// Action is one side (apply or rollback) of a Step's payload: either a raw
// SQL statement or a scripted function given the raw backend connection. A
// zero Action (both fields empty/nil) is a no-op.
type Action struct {
	SQL    string
	Script func(ctx context.Context, backend *dbadapter.Backend) error
}

func (a Action) isZero() bool { return a.SQL == "" && a.Script == nil }

// Executable is satisfied by Step and StepGroup.
type Executable interface {
	ApplyTo(ctx context.Context, backend *dbadapter.Backend, force bool, out io.Writer) error
	RollbackFrom(ctx context.Context, backend *dbadapter.Backend, force bool, out io.Writer) error
}

// Step is the atomic apply/rollback pair executed by a migration.
type Step struct {
	ID           int
	Apply        Action
	Rollback     Action
	Wrapper      Wrapper
	IgnoreErrors IgnoreErrors
}

func (s *Step) ApplyTo(ctx context.Context, backend *dbadapter.Backend, force bool, out io.Writer) error {
	return runWrapped(ctx, backend, s.Wrapper, s.IgnoreErrors, force, Apply, func(ctx context.Context) error {
		return runAction(ctx, backend, s.Apply, out)
	})
}

func (s *Step) RollbackFrom(ctx context.Context, backend *dbadapter.Backend, force bool, out io.Writer) error {
	return runWrapped(ctx, backend, s.Wrapper, s.IgnoreErrors, force, Rollback, func(ctx context.Context) error {
		return runAction(ctx, backend, s.Rollback, out)
	})
}

// StepGroup runs a sequence of child Steps as a single unit: in order on
// apply, reversed on rollback. Its own IgnoreErrors/Wrapper apply to the
// group as a whole, not to individual children.
type StepGroup struct {
	ID           int
	Children     []Executable
	Wrapper      Wrapper
	IgnoreErrors IgnoreErrors
}

func (g *StepGroup) ApplyTo(ctx context.Context, backend *dbadapter.Backend, force bool, out io.Writer) error {
	return runWrapped(ctx, backend, g.Wrapper, g.IgnoreErrors, force, Apply, func(ctx context.Context) error {
		for _, child := range g.Children {
			if err := child.ApplyTo(ctx, backend, force, out); err != nil {
				return err
			}
		}
		return nil
	})
}

func (g *StepGroup) RollbackFrom(ctx context.Context, backend *dbadapter.Backend, force bool, out io.Writer) error {
	return runWrapped(ctx, backend, g.Wrapper, g.IgnoreErrors, force, Rollback, func(ctx context.Context) error {
		for i := len(g.Children) - 1; i >= 0; i-- {
			if err := g.Children[i].RollbackFrom(ctx, backend, force, out); err != nil {
				return err
			}
		}
		return nil
	})
}

// runWrapped executes body inside a transaction scope (committing on
// success, rolling back on error) when wrapper is Transactional, or bare
// otherwise. A tolerated DatabaseError is swallowed and the wrapper
// reports success.
func runWrapped(ctx context.Context, backend *dbadapter.Backend, wrapper Wrapper, ignore IgnoreErrors, force bool, direction Direction, body func(context.Context) error) error {
	if wrapper == NonTransactional {
		err := body(ctx)
		if err != nil && tolerated(err, ignore, force, direction) {
			return nil
		}
		return err
	}

	scope, err := backend.Transaction(ctx, false)
	if err != nil {
		return err
	}
	bodyErr := body(ctx)
	closeErr := bodyErr
	scope.Close(&closeErr)

	if bodyErr != nil {
		if tolerated(bodyErr, ignore, force, direction) {
			return nil
		}
		return bodyErr
	}
	return closeErr
}

func tolerated(err error, ignore IgnoreErrors, force bool, direction Direction) bool {
	var dbErr *dbadapter.DatabaseError
	if !errors.As(err, &dbErr) {
		return false
	}
	return force || ignore.tolerates(direction)
}

func runAction(ctx context.Context, backend *dbadapter.Backend, action Action, out io.Writer) error {
	if action.isZero() {
		return nil
	}
	if action.Script != nil {
		return action.Script(ctx, backend)
	}
	if !yieldsRows(action.SQL) {
		_, err := backend.Execute(ctx, action.SQL, nil)
		return err
	}
	rows, err := backend.Query(ctx, action.SQL, nil)
	if err != nil {
		return err
	}
	defer rows.Close()
	return printRows(rows, out)
}

// yieldsRows reports whether sql is a statement whose result should be
// printed, rather than merely executed. A migration step's SQL is typically
// a single statement (sqlsplit has already split multi-statement files).
func yieldsRows(sql string) bool {
	trimmed := strings.TrimSpace(sql)
	upper := strings.ToUpper(trimmed)
	for _, kw := range []string{"SELECT", "WITH", "EXPLAIN", "SHOW", "VALUES", "TABLE"} {
		if strings.HasPrefix(upper, kw) {
			return true
		}
	}
	return false
}

// printRows renders a SELECT's result set as a tab-aligned table to out, if
// out is non-nil. This is a reportable side effect of step execution, not a
// silent no-op: callers that don't want it pass a nil/io.Discard sink.
func printRows(rows *sql.Rows, out io.Writer) error {
	if out == nil {
		out = io.Discard
	}
	cols, err := rows.Columns()
	if err != nil {
		return err
	}
	if len(cols) == 0 {
		return rows.Err()
	}

	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, strings.Join(cols, "\t"))

	vals := make([]any, len(cols))
	ptrs := make([]any, len(cols))
	for i := range vals {
		ptrs[i] = &vals[i]
	}

	for rows.Next() {
		if err := rows.Scan(ptrs...); err != nil {
			return err
		}
		cells := make([]string, len(cols))
		for i, v := range vals {
			cells[i] = fmt.Sprintf("%v", v)
		}
		fmt.Fprintln(tw, strings.Join(cells, "\t"))
	}
	if err := rows.Err(); err != nil {
		return err
	}
	return tw.Flush()
}
