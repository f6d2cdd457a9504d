// SPDX-License-Identifier: Apache-2.0

// Package engine is the top-level orchestrator: it drives a migration.Set
// through a dbadapter.Backend, consulting and updating a ledger.Ledger under
// the cross-process lock the ledger's Lock Manager owns.
package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/ledgerflow/migrate/pkg/dbadapter"
	"github.com/ledgerflow/migrate/pkg/ledger"
	"github.com/ledgerflow/migrate/pkg/migration"
	"github.com/ledgerflow/migrate/pkg/topo"
)

// defaultLockTimeout bounds how long Engine waits to acquire the ledger's
// cross-process lock before giving up.
const defaultLockTimeout = 10 * time.Second

// Engine drives migrations against a single Backend. It is not safe for
// concurrent use from multiple goroutines; callers that need concurrent
// engines against the same database rely on the ledger's cross-process lock
// to serialize them, not on in-process synchronization.
type Engine struct {
	backend     *dbadapter.Backend
	ledger      *ledger.Ledger
	logger      Logger
	out         io.Writer
	lockTimeout time.Duration
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger overrides the Engine's event logger. Defaults to a no-op.
func WithLogger(l Logger) Option { return func(e *Engine) { e.logger = l } }

// WithOutput sets the sink a migration step's SELECT output is printed to.
// Defaults to io.Discard.
func WithOutput(w io.Writer) Option { return func(e *Engine) { e.out = w } }

// WithLockTimeout overrides how long Engine waits to acquire the ledger's
// cross-process lock.
func WithLockTimeout(d time.Duration) Option { return func(e *Engine) { e.lockTimeout = d } }

// WithTableNames overrides the ledger table names the Engine's Ledger uses.
func WithTableNames(t ledger.TableNames) Option {
	return func(e *Engine) { e.ledger = ledger.New(e.backend, t) }
}

// New returns an Engine driving backend, using the default ledger table
// names unless overridden by WithTableNames.
func New(backend *dbadapter.Backend, opts ...Option) *Engine {
	e := &Engine{
		backend:     backend,
		logger:      NewNoopLogger(),
		out:         io.Discard,
		lockTimeout: defaultLockTimeout,
	}
	e.ledger = ledger.New(backend, ledger.DefaultTableNames())
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Ledger exposes the Engine's Ledger, e.g. so a caller can print applied
// hashes or the operation log directly.
func (e *Engine) Ledger() *ledger.Ledger { return e.ledger }

// ToApply filters set.Items to those not yet recorded as applied and
// returns them topologically sorted by dependency order. set.PostApply is
// carried through unfiltered, since post-apply hooks are never subject to
// the applied check. A migration that failed to load (LoadError != nil) and
// is not recorded as applied still appears here; ApplyMany skips it.
func (e *Engine) ToApply(ctx context.Context, set *migration.Set) (*migration.Set, error) {
	if err := e.ledger.EnsureInternalSchemaUpdated(ctx); err != nil {
		return nil, err
	}
	applied, err := e.appliedHashSet(ctx)
	if err != nil {
		return nil, err
	}

	var pending []*migration.Migration
	for _, m := range set.Items {
		if applied[m.Hash] {
			continue
		}
		pending = append(pending, m)
	}

	sorted, skipped, err := sortSkippingCycles(pending)
	if err != nil {
		return nil, err
	}

	out := migration.NewSet()
	for _, m := range append(sorted, skipped...) {
		if addErr := out.Add(m); addErr != nil {
			return nil, addErr
		}
	}
	out.PostApply = set.PostApply
	return out, nil
}

// ToRollback filters set.Items to those recorded as applied, topologically
// sorts them by dependency order, and reverses the result: a migration
// rolls back only after everything that depends on it already has.
// Post-apply hooks are never rolled back and never appear in the result.
func (e *Engine) ToRollback(ctx context.Context, set *migration.Set) (*migration.Set, error) {
	if err := e.ledger.EnsureInternalSchemaUpdated(ctx); err != nil {
		return nil, err
	}
	applied, err := e.appliedHashSet(ctx)
	if err != nil {
		return nil, err
	}

	var candidates []*migration.Migration
	for _, m := range set.Items {
		if !applied[m.Hash] {
			continue
		}
		candidates = append(candidates, m)
	}

	sorted, skipped, err := sortSkippingCycles(candidates)
	if err != nil {
		return nil, err
	}

	out := migration.NewSet()
	for i := len(sorted) - 1; i >= 0; i-- {
		if addErr := out.Add(sorted[i]); addErr != nil {
			return nil, addErr
		}
	}
	for _, m := range skipped {
		if addErr := out.Add(m); addErr != nil {
			return nil, addErr
		}
	}
	return out, nil
}

// sortSkippingCycles topologically sorts pending by its dependency relation.
// Migrations caught in a dependency cycle, and any migration that depends on
// them, are marked with a load error and set aside rather than failing the
// whole batch, so ApplyMany/RollbackMany can skip and report just those: a
// cycle is a per-migration load problem, like a parse failure. The sort retries
// without them until it converges.
func sortSkippingCycles(pending []*migration.Migration) (sorted, skipped []*migration.Migration, err error) {
	for {
		byID := make(map[string]*migration.Migration, len(pending))
		for _, m := range pending {
			byID[m.ID] = m
		}
		sorted, err := topo.Sort(pending, func(m *migration.Migration) []*migration.Migration {
			return resolveDeps(m, byID)
		})
		if err == nil {
			return sorted, skipped, nil
		}

		var cyc *topo.CycleError[*migration.Migration]
		if !errors.As(err, &cyc) {
			return nil, nil, err
		}
		bad := make(map[*migration.Migration]bool, len(cyc.Nodes))
		for _, n := range cyc.Nodes {
			if n.LoadError == nil {
				n.LoadError = cyc
			}
			bad[n] = true
		}
		skipped = append(skipped, cyc.Nodes...)

		var remaining []*migration.Migration
		for _, m := range pending {
			if !bad[m] {
				remaining = append(remaining, m)
			}
		}
		pending = remaining
	}
}

func resolveDeps(m *migration.Migration, byID map[string]*migration.Migration) []*migration.Migration {
	var deps []*migration.Migration
	for _, id := range m.DependsOn {
		if dm, ok := byID[id]; ok {
			deps = append(deps, dm)
		}
	}
	return deps
}

func (e *Engine) appliedHashSet(ctx context.Context) (map[string]bool, error) {
	hashes, err := e.ledger.GetAppliedHashes(ctx)
	if err != nil {
		return nil, err
	}
	applied := make(map[string]bool, len(hashes))
	for _, h := range hashes {
		applied[h] = true
	}
	return applied, nil
}

// Apply computes the pending subset of set (via ToApply) and applies it.
func (e *Engine) Apply(ctx context.Context, set *migration.Set, force bool) error {
	toApply, err := e.ToApply(ctx, set)
	if err != nil {
		return err
	}
	return e.ApplyMany(ctx, toApply, force)
}

// Rollback computes the applied subset of set (via ToRollback, reverse
// dependency order) and rolls it back. Rollback never runs post-apply hooks.
func (e *Engine) Rollback(ctx context.Context, set *migration.Set, force bool) error {
	toRollback, err := e.ToRollback(ctx, set)
	if err != nil {
		return err
	}
	return e.RollbackMany(ctx, toRollback, force)
}

// ApplyMany applies each migration in set.Items in order, skipping (and
// logging) any that failed to load rather than aborting the batch. Once
// every migration in the batch has been attempted, post-apply hooks run
// once each, in order, but only if at least one migration actually applied.
func (e *Engine) ApplyMany(ctx context.Context, set *migration.Set, force bool) error {
	if err := e.ledger.EnsureInternalSchemaUpdated(ctx); err != nil {
		return err
	}
	scope, err := e.ledger.LockManager().Acquire(ctx, e.lockTimeout)
	if err != nil {
		return err
	}
	defer scope.Close(ctx)

	applied := 0
	for _, m := range set.Items {
		if m.LoadError != nil {
			e.logger.LogMigrationSkipped(m, m.LoadError)
			continue
		}
		if err := e.ApplyOne(ctx, m, force); err != nil {
			return fmt.Errorf("applying %q: %w", m.ID, err)
		}
		applied++
	}

	if applied == 0 {
		return nil
	}

	for _, hook := range set.PostApply {
		if hook.LoadError != nil {
			e.logger.LogMigrationSkipped(hook, hook.LoadError)
			continue
		}
		e.logger.LogPostApplyStart(hook)
		if err := e.runPostApplyHook(ctx, hook, force); err != nil {
			return fmt.Errorf("running post-apply hook %q: %w", hook.ID, err)
		}
	}
	return nil
}

// RollbackMany rolls back each migration in set.Items in order (callers
// pass the result of ToRollback, already in reverse-dependency order),
// skipping and logging any that failed to load.
func (e *Engine) RollbackMany(ctx context.Context, set *migration.Set, force bool) error {
	if err := e.ledger.EnsureInternalSchemaUpdated(ctx); err != nil {
		return err
	}
	scope, err := e.ledger.LockManager().Acquire(ctx, e.lockTimeout)
	if err != nil {
		return err
	}
	defer scope.Close(ctx)

	for _, m := range set.Items {
		if m.LoadError != nil {
			e.logger.LogMigrationSkipped(m, m.LoadError)
			continue
		}
		if err := e.RollbackOne(ctx, m, force); err != nil {
			return fmt.Errorf("rolling back %q: %w", m.ID, err)
		}
	}
	return nil
}

// ApplyOne applies a single migration end to end: ensures the ledger's own
// schema exists, runs the migration's steps on a connection independent of
// the ledger's, and on success logs and marks it applied.
func (e *Engine) ApplyOne(ctx context.Context, m *migration.Migration, force bool) error {
	if m.LoadError != nil {
		return m.LoadError
	}
	if err := e.ledger.EnsureInternalSchemaUpdated(ctx); err != nil {
		return err
	}

	mb, err := e.backend.Copy(ctx)
	if err != nil {
		return err
	}
	defer mb.Close()

	e.logger.LogMigrationStart(m)

	transactionalDDL, err := mb.HasTransactionalDDL(ctx)
	if err != nil {
		return err
	}

	if err := e.runForwardSteps(ctx, mb, m, force, transactionalDDL); err != nil {
		return err
	}

	if err := e.ledger.Log(ctx, m, ledger.OpApply, ""); err != nil {
		return err
	}
	if err := e.ledger.Mark(ctx, m); err != nil {
		return err
	}
	e.logger.LogMigrationComplete(m)
	return nil
}

// RollbackOne rolls back a single already-applied migration end to end,
// mirroring ApplyOne: the migration's own transaction scope commits or
// rolls back before the ledger's unmark write runs on its own connection.
func (e *Engine) RollbackOne(ctx context.Context, m *migration.Migration, force bool) error {
	if m.LoadError != nil {
		return m.LoadError
	}
	if err := e.ledger.EnsureInternalSchemaUpdated(ctx); err != nil {
		return err
	}

	mb, err := e.backend.Copy(ctx)
	if err != nil {
		return err
	}
	defer mb.Close()

	e.logger.LogMigrationRollback(m)

	transactionalDDL, err := mb.HasTransactionalDDL(ctx)
	if err != nil {
		return err
	}

	if err := e.runReverseSteps(ctx, mb, m, force, transactionalDDL); err != nil {
		return err
	}

	if err := e.ledger.Log(ctx, m, ledger.OpRollback, ""); err != nil {
		return err
	}
	if err := e.ledger.Unmark(ctx, m); err != nil {
		return err
	}
	e.logger.LogMigrationRollbackComplete(m)
	return nil
}

// runForwardSteps executes m's steps in order inside a single transaction
// scope (or autocommit, when m.UseTransactions is false), closing that
// scope before returning so the caller's ledger writes always happen after
// the migration's own transaction has committed or rolled back.
//
// When a step fails and the backend either lacks transactional DDL or the
// migration opted out of transactions, the outer scope cannot be trusted to
// undo already-executed DDL, so previously executed steps are rolled back
// individually, in reverse, before the original error is returned.
func (e *Engine) runForwardSteps(ctx context.Context, mb *dbadapter.Backend, m *migration.Migration, force, transactionalDDL bool) (err error) {
	if !m.UseTransactions {
		ascope, serr := mb.DisableTransactions(ctx)
		if serr != nil {
			return serr
		}
		defer ascope.Close()
	} else {
		scope, serr := mb.Transaction(ctx, false)
		if serr != nil {
			return serr
		}
		defer scope.Close(&err)
	}

	for i, s := range m.Steps {
		if serr := s.ApplyTo(ctx, mb, force, e.out); serr != nil {
			if !(transactionalDDL && m.UseTransactions) {
				e.compensateApply(ctx, mb, m, i, force)
			}
			return serr
		}
	}
	return nil
}

// runReverseSteps is runForwardSteps' mirror for rollback: steps run in
// reverse order, and a mid-rollback failure best-effort re-applies the
// steps that had already been rolled back, newest-undone first, instead of
// leaving the schema in a half-rolled-back state.
func (e *Engine) runReverseSteps(ctx context.Context, mb *dbadapter.Backend, m *migration.Migration, force, transactionalDDL bool) (err error) {
	if !m.UseTransactions {
		ascope, serr := mb.DisableTransactions(ctx)
		if serr != nil {
			return serr
		}
		defer ascope.Close()
	} else {
		scope, serr := mb.Transaction(ctx, false)
		if serr != nil {
			return serr
		}
		defer scope.Close(&err)
	}

	for i := len(m.Steps) - 1; i >= 0; i-- {
		if serr := m.Steps[i].RollbackFrom(ctx, mb, force, e.out); serr != nil {
			if !(transactionalDDL && m.UseTransactions) {
				e.compensateRollback(ctx, mb, m, i, force)
			}
			return serr
		}
	}
	return nil
}

func (e *Engine) compensateApply(ctx context.Context, mb *dbadapter.Backend, m *migration.Migration, failedAt int, force bool) {
	for i := failedAt - 1; i >= 0; i-- {
		if rerr := m.Steps[i].RollbackFrom(ctx, mb, force, e.out); rerr != nil {
			e.logger.LogCompensatingRollback(m, i, rerr)
		}
	}
}

func (e *Engine) compensateRollback(ctx context.Context, mb *dbadapter.Backend, m *migration.Migration, failedAt int, force bool) {
	for i := failedAt + 1; i < len(m.Steps); i++ {
		if rerr := m.Steps[i].ApplyTo(ctx, mb, force, e.out); rerr != nil {
			e.logger.LogCompensatingRollback(m, i, rerr)
		}
	}
}

// runPostApplyHook runs hook's steps exactly like a normal migration, but
// never marks it applied: post-apply hooks run every time ApplyMany applies
// at least one migration, and are not gated by the applied table.
func (e *Engine) runPostApplyHook(ctx context.Context, hook *migration.Migration, force bool) error {
	mb, err := e.backend.Copy(ctx)
	if err != nil {
		return err
	}
	defer mb.Close()

	transactionalDDL, err := mb.HasTransactionalDDL(ctx)
	if err != nil {
		return err
	}
	if err := e.runForwardSteps(ctx, mb, hook, force, transactionalDDL); err != nil {
		return err
	}
	return e.ledger.Log(ctx, hook, ledger.OpApply, "post-apply hook")
}

// Mark records m as applied without executing it, e.g. to reconcile a
// migration that was already applied by some other means into the ledger.
func (e *Engine) Mark(ctx context.Context, m *migration.Migration) error {
	if err := e.ledger.EnsureInternalSchemaUpdated(ctx); err != nil {
		return err
	}
	scope, err := e.ledger.LockManager().Acquire(ctx, e.lockTimeout)
	if err != nil {
		return err
	}
	defer scope.Close(ctx)

	// The mark log entry goes in only after the applied row has committed.
	if err := e.ledger.Mark(ctx, m); err != nil {
		return err
	}
	return e.ledger.Log(ctx, m, ledger.OpMark, "")
}

// Unmark removes m's applied record without rolling it back.
func (e *Engine) Unmark(ctx context.Context, m *migration.Migration) error {
	if err := e.ledger.EnsureInternalSchemaUpdated(ctx); err != nil {
		return err
	}
	scope, err := e.ledger.LockManager().Acquire(ctx, e.lockTimeout)
	if err != nil {
		return err
	}
	defer scope.Close(ctx)

	if err := e.ledger.Unmark(ctx, m); err != nil {
		return err
	}
	return e.ledger.Log(ctx, m, ledger.OpUnmark, "")
}

// BreakLock unconditionally clears the ledger's lock row: an operator
// escape hatch for a crashed process that left the lock held.
func (e *Engine) BreakLock(ctx context.Context) error {
	return e.ledger.LockManager().Break(ctx)
}

// ListTables returns the tables present in the target schema.
func (e *Engine) ListTables(ctx context.Context) ([]string, error) {
	return e.backend.ListTables(ctx)
}
