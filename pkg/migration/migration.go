// SPDX-License-Identifier: Apache-2.0

// Package migration defines the Migration and MigrationSet data model: a
// named, ordered unit of schema change consisting of one or more steps, plus
// the ordered collection the Loader produces and the Engine consumes.
package migration

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/ledgerflow/migrate/pkg/step"
)

// Kind distinguishes a normal migration from a post-apply hook.
type Kind int

const (
	Normal Kind = iota
	PostApplyHook
)

// Hash returns the ledger key for a migration id: the hex-encoded SHA-256
// digest of its UTF-8 bytes.
func Hash(id string) string {
	sum := sha256.Sum256([]byte(id))
	return hex.EncodeToString(sum[:])
}

// Migration is a single loaded unit of schema change.
type Migration struct {
	ID              string
	Hash            string
	Path            string
	SourceGroup     string
	DependsOn       []string // ids, as declared; resolved against a MigrationSet by the loader
	Steps           []step.Executable
	UseTransactions bool
	Kind            Kind
	// Doc is the leading comment block (directive lines stripped), used as
	// the migration's human-readable description.
	Doc string
	// LoadError is non-nil when this migration failed to parse, has an
	// unresolved dependency, or was caught in (or behind) a dependency cycle
	// by the engine's sort. It may still carry Steps; the engine skips it
	// during apply/rollback and reports LoadError rather than executing it.
	LoadError error
}

// String returns the migration's id, so a *Migration formats readably in
// error messages (the topological sort's cycle errors in particular).
func (m *Migration) String() string { return m.ID }

// New returns a Migration with its Hash derived from id. UseTransactions
// defaults to true.
func New(id, path, sourceGroup string) *Migration {
	return &Migration{
		ID:              id,
		Hash:            Hash(id),
		Path:            path,
		SourceGroup:     sourceGroup,
		UseTransactions: true,
		Kind:            Normal,
	}
}

// ConflictError is raised when two migrations in one MigrationSet share an id.
type ConflictError struct {
	ID string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("migration: duplicate migration id %q", e.ID)
}

// DanglingDependencyError is raised when a migration's DependsOn references
// an id absent from the MigrationSet it was loaded into.
type DanglingDependencyError struct {
	MigrationID string
	DependsOn   string
}

func (e *DanglingDependencyError) Error() string {
	return fmt.Sprintf("migration: %q depends on unknown migration %q", e.MigrationID, e.DependsOn)
}

// Set is an ordered collection of normal migrations plus post-apply hooks,
// with O(1) id-conflict detection.
type Set struct {
	Items     []*Migration
	PostApply []*Migration
	keys      map[string]bool
}

// NewSet returns an empty Set.
func NewSet() *Set {
	return &Set{keys: map[string]bool{}}
}

// Add inserts m into the set, routing it to Items or PostApply by Kind.
// Returns ConflictError if m.ID is already present.
func (s *Set) Add(m *Migration) error {
	if s.keys[m.ID] {
		return &ConflictError{ID: m.ID}
	}
	s.keys[m.ID] = true
	if m.Kind == PostApplyHook {
		s.PostApply = append(s.PostApply, m)
	} else {
		s.Items = append(s.Items, m)
	}
	return nil
}

// Has reports whether id is present in the set, counting post-apply hooks.
func (s *Set) Has(id string) bool { return s.keys[id] }

// ByID returns the normal migration with the given id, if present.
func (s *Set) ByID(id string) (*Migration, bool) {
	for _, m := range s.Items {
		if m.ID == id {
			return m, true
		}
	}
	return nil, false
}

// ResolveDependencies checks that every migration's DependsOn ids refer to
// another migration present in the set. It does not mutate the set; the
// topological sort consults DependsOn directly via a lookup closure.
func (s *Set) ResolveDependencies() error {
	for _, m := range s.Items {
		for _, dep := range m.DependsOn {
			if !s.keys[dep] {
				return &DanglingDependencyError{MigrationID: m.ID, DependsOn: dep}
			}
		}
	}
	return nil
}
