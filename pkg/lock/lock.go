// SPDX-License-Identifier: Apache-2.0

// Package lock implements the cross-process advisory mutex used to
// serialize migration engines operating against the same database: a single
// row in a dedicated table, acquired by insertion and released by deletion,
// with polling and a bounded timeout.
package lock

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/cloudflare/backoff"

	"github.com/ledgerflow/migrate/pkg/dbadapter"
)

const (
	defaultPollInterval = 500 * time.Millisecond
	defaultTimeout      = 10 * time.Second
)

// TimeoutError is raised when Acquire could not obtain the lock within its
// timeout. HoldingPID is the pid reported by the row that blocked
// acquisition, or 0 if the row had vanished by the time it was read.
type TimeoutError struct {
	HoldingPID int
}

func (e *TimeoutError) Error() string {
	if e.HoldingPID == 0 {
		return "lock: timed out waiting for lock: database locked"
	}
	return fmt.Sprintf("lock: timed out waiting for lock: held by pid %d", e.HoldingPID)
}

// Manager owns the lock table for one Backend. It is not safe for
// concurrent use from multiple goroutines; the engine that owns it is
// itself single-threaded.
type Manager struct {
	backend      *dbadapter.Backend
	table        string
	pollInterval time.Duration
	held         bool
}

// Option configures a Manager.
type Option func(*Manager)

// WithPollInterval overrides the default 500ms poll interval between
// acquisition attempts.
func WithPollInterval(d time.Duration) Option {
	return func(m *Manager) { m.pollInterval = d }
}

// NewManager returns a Manager for the lock table named table on backend.
func NewManager(backend *dbadapter.Backend, table string, opts ...Option) *Manager {
	m := &Manager{backend: backend, table: table, pollInterval: defaultPollInterval}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// EnsureTable creates the lock table if it does not already exist. Creation
// is idempotent and swallows errors caused by a concurrent creator racing
// the same DDL.
func (m *Manager) EnsureTable(ctx context.Context) error {
	quoted, err := m.backend.QuoteIdentifier(m.table)
	if err != nil {
		return err
	}
	_, err = m.backend.Execute(ctx, fmt.Sprintf(
		`CREATE TABLE IF NOT EXISTS %s (locked INTEGER PRIMARY KEY DEFAULT 1, ctime TIMESTAMP, pid INTEGER NOT NULL)`,
		quoted,
	), nil)
	return err
}

// Scope is a held lock; Close releases it (unless the Manager merely
// re-entered a lock it already held, in which case Close is a no-op).
type Scope struct {
	manager *Manager
	reentry bool
}

// Close releases the lock, if this Scope is the one that actually acquired
// it rather than a re-entrant no-op.
func (s *Scope) Close(ctx context.Context) error {
	if s == nil || s.reentry {
		return nil
	}
	return s.manager.release(ctx)
}

// Acquire obtains the lock, retrying on a poll interval until timeout
// elapses. If this Manager already holds the lock (tracked per-instance),
// Acquire returns a no-op Scope immediately.
func (m *Manager) Acquire(ctx context.Context, timeout time.Duration) (*Scope, error) {
	if m.held {
		return &Scope{manager: m, reentry: true}, nil
	}
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	pid := os.Getpid()
	quoted, err := m.backend.QuoteIdentifier(m.table)
	if err != nil {
		return nil, err
	}

	deadline := time.Now().Add(timeout)
	bo := backoff.New(timeout, m.pollInterval)

	for {
		_, err := m.backend.Execute(ctx,
			fmt.Sprintf("INSERT INTO %s (locked, ctime, pid) VALUES (1, CURRENT_TIMESTAMP, :pid)", quoted),
			map[string]any{"pid": pid},
		)
		if err == nil {
			m.held = true
			return &Scope{manager: m}, nil
		}

		if time.Now().After(deadline) {
			return nil, &TimeoutError{HoldingPID: m.readHolderPID(ctx, quoted)}
		}

		wait := bo.Duration()
		if wait > m.pollInterval {
			wait = m.pollInterval
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(wait):
		}
	}
}

func (m *Manager) readHolderPID(ctx context.Context, quotedTable string) int {
	rows, err := m.backend.Query(ctx, fmt.Sprintf("SELECT pid FROM %s", quotedTable), nil)
	if err != nil {
		return 0
	}
	defer rows.Close()
	var pid int
	if rows.Next() {
		if err := rows.Scan(&pid); err != nil {
			return 0
		}
	}
	return pid
}

func (m *Manager) release(ctx context.Context) error {
	quoted, err := m.backend.QuoteIdentifier(m.table)
	if err != nil {
		return err
	}
	_, err = m.backend.Execute(ctx,
		fmt.Sprintf("DELETE FROM %s WHERE pid = :pid", quoted),
		map[string]any{"pid": os.Getpid()},
	)
	m.held = false
	return err
}

// Break unconditionally clears the lock table: a privileged escape hatch for
// an operator who knows the holding process is dead.
func (m *Manager) Break(ctx context.Context) error {
	quoted, err := m.backend.QuoteIdentifier(m.table)
	if err != nil {
		return err
	}
	_, err = m.backend.Execute(ctx, fmt.Sprintf("DELETE FROM %s", quoted), nil)
	m.held = false
	return err
}
