// SPDX-License-Identifier: Apache-2.0

package engine

import (
	"github.com/pterm/pterm"

	"github.com/ledgerflow/migrate/pkg/migration"
)

// Logger receives structured events as the Engine works through a batch: a
// per-event interface rather than freeform printf, with a pterm-backed
// implementation and a no-op one for tests and library callers that don't
// want output.
type Logger interface {
	LogMigrationStart(*migration.Migration)
	LogMigrationComplete(*migration.Migration)
	LogMigrationRollback(*migration.Migration)
	LogMigrationRollbackComplete(*migration.Migration)
	LogMigrationSkipped(*migration.Migration, error)
	LogPostApplyStart(*migration.Migration)
	LogCompensatingRollback(*migration.Migration, int, error)
	Info(msg string, args ...any)
}

type ptermLogger struct {
	logger pterm.Logger
}

// NewLogger returns a Logger that writes structured events via pterm's
// default logger.
func NewLogger() Logger {
	return &ptermLogger{logger: pterm.DefaultLogger}
}

func (l *ptermLogger) LogMigrationStart(m *migration.Migration) {
	l.logger.Info("applying migration", l.logger.Args("id", m.ID, "steps", len(m.Steps)))
}

func (l *ptermLogger) LogMigrationComplete(m *migration.Migration) {
	l.logger.Info("applied migration", l.logger.Args("id", m.ID))
}

func (l *ptermLogger) LogMigrationRollback(m *migration.Migration) {
	l.logger.Info("rolling back migration", l.logger.Args("id", m.ID))
}

func (l *ptermLogger) LogMigrationRollbackComplete(m *migration.Migration) {
	l.logger.Info("rolled back migration", l.logger.Args("id", m.ID))
}

func (l *ptermLogger) LogMigrationSkipped(m *migration.Migration, err error) {
	l.logger.Warn("skipping migration that failed to load", l.logger.Args("id", m.ID, "error", err))
}

func (l *ptermLogger) LogPostApplyStart(m *migration.Migration) {
	l.logger.Info("running post-apply hook", l.logger.Args("id", m.ID))
}

func (l *ptermLogger) LogCompensatingRollback(m *migration.Migration, stepIndex int, err error) {
	l.logger.Warn("compensating rollback step failed", l.logger.Args("id", m.ID, "step", stepIndex, "error", err))
}

func (l *ptermLogger) Info(msg string, args ...any) {
	l.logger.Info(msg, l.logger.Args(args...))
}

type noopLogger struct{}

// NewNoopLogger returns a Logger that discards every event.
func NewNoopLogger() Logger { return &noopLogger{} }

func (noopLogger) LogMigrationStart(*migration.Migration)                   {}
func (noopLogger) LogMigrationComplete(*migration.Migration)                {}
func (noopLogger) LogMigrationRollback(*migration.Migration)                {}
func (noopLogger) LogMigrationRollbackComplete(*migration.Migration)        {}
func (noopLogger) LogMigrationSkipped(*migration.Migration, error)          {}
func (noopLogger) LogPostApplyStart(*migration.Migration)                   {}
func (noopLogger) LogCompensatingRollback(*migration.Migration, int, error) {}
func (noopLogger) Info(string, ...any)                                      {}
