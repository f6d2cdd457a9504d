// SPDX-License-Identifier: Apache-2.0

// Package loader discovers migration files on disk or in a registered
// embed.FS, parses them into migration.Migration values and assembles a
// migration.Set, two passes as Design Notes §9 requires: the first pass
// constructs every Migration, the second resolves string dependency ids
// against the set being built. There is no process-wide migration registry.
package loader

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/ledgerflow/migrate/pkg/migration"
	"github.com/ledgerflow/migrate/pkg/sqlsplit"
	"github.com/ledgerflow/migrate/pkg/step"
)

const (
	// TempFilePrefix marks a file the "new" CLI subcommand is still writing;
	// the loader ignores any file whose name begins with it.
	TempFilePrefix = ".pgm-tmp-"

	sqlExt         = ".sql"
	scriptedExt    = ".step"
	rollbackSuffix = ".rollback.sql"
)

// BadMigrationError wraps a single migration's load/parse failure (or an
// unresolved dependency) with the file path that produced it. The engine
// skips the affected migration and continues the rest of the batch.
type BadMigrationError struct {
	Path string
	Err  error
}

func (e *BadMigrationError) Error() string {
	return fmt.Sprintf("loader: %s: %v", e.Path, e.Err)
}

func (e *BadMigrationError) Unwrap() error { return e.Err }

var (
	fsRegistryMu sync.Mutex
	fsRegistry   = map[string]fs.FS{}
)

// RegisterFS associates name with fsys so that sources of the form
// "embed:<name>:<dir>" can resolve it: an embed.FS is the package-data
// primitive here, standing in for a package-resource loader.
func RegisterFS(name string, fsys fs.FS) {
	fsRegistryMu.Lock()
	defer fsRegistryMu.Unlock()
	fsRegistry[name] = fsys
}

var (
	buildersMu sync.Mutex
	builders   = map[string]func(*step.Collector){}
)

// RegisterSteps associates id with build, a function that populates a
// step.Collector when a scripted (".step") migration with that id is
// loaded. Intended to be called from an init() in the file that implements
// the scripted migration.
func RegisterSteps(id string, build func(*step.Collector)) {
	buildersMu.Lock()
	defer buildersMu.Unlock()
	builders[id] = build
}

// resolvedFile is one candidate migration file plus the means to read it.
type resolvedFile struct {
	name        string // base name, including extension
	sourceGroup string
	path        string // human-readable origin, for error messages
	read        func() (string, error)
}

// Read resolves each of sources (a filesystem glob, or "embed:<name>:<dir>")
// to a set of migration files, parses them and returns the assembled Set.
// Conflicts (duplicate ids) are fatal; a single file's parse failure is
// recorded on that migration as a load error rather than aborting the
// whole Read, so the engine can skip just that migration later.
func Read(sources ...string) (*migration.Set, error) {
	files, err := resolveSources(sources)
	if err != nil {
		return nil, err
	}

	set := migration.NewSet()
	for _, f := range files {
		if strings.HasSuffix(f.name, rollbackSuffix) {
			continue // paired file, not a migration in its own right
		}
		ext := filepath.Ext(f.name)
		if ext != sqlExt && ext != scriptedExt {
			continue
		}
		if strings.HasPrefix(f.name, TempFilePrefix) {
			continue
		}

		m, loadErr := loadOne(f, files)
		if loadErr != nil {
			m = placeholderMigration(f, loadErr)
		}
		if err := set.Add(m); err != nil {
			return nil, err
		}
	}

	resolveDanglingDependencies(set)

	return set, nil
}

func placeholderMigration(f resolvedFile, loadErr error) *migration.Migration {
	id := idOf(f.name)
	m := migration.New(id, f.path, f.sourceGroup)
	m.Kind = kindOf(id)
	m.LoadError = &BadMigrationError{Path: f.path, Err: loadErr}
	return m
}

func idOf(name string) string {
	return strings.TrimSuffix(name, filepath.Ext(name))
}

func kindOf(id string) migration.Kind {
	if strings.HasPrefix(id, "post-apply") {
		return migration.PostApplyHook
	}
	return migration.Normal
}

func loadOne(f resolvedFile, all []resolvedFile) (*migration.Migration, error) {
	id := idOf(f.name)
	m := migration.New(id, f.path, f.sourceGroup)
	m.Kind = kindOf(id)

	switch filepath.Ext(f.name) {
	case sqlExt:
		return loadSQL(m, f, all)
	case scriptedExt:
		return loadScripted(m, f, all)
	default:
		return nil, fmt.Errorf("loader: unrecognized migration extension %q", filepath.Ext(f.name))
	}
}

func loadSQL(m *migration.Migration, f resolvedFile, all []resolvedFile) (*migration.Migration, error) {
	content, err := f.read()
	if err != nil {
		return nil, err
	}

	stmts, err := sqlsplit.Split(content)
	if err != nil {
		return nil, fmt.Errorf("parsing %s: %w", f.path, err)
	}

	var directives sqlsplit.Directives
	if len(stmts) > 0 {
		directives, stmts[0] = sqlsplit.ExtractDirectives(stmts[0])
	}

	m.UseTransactions = true
	if directives.Transactional != nil {
		m.UseTransactions = *directives.Transactional
	}
	m.DependsOn = directives.Depends
	m.Doc = directives.Leading

	rollbackStmts, err := loadRollback(f, all)
	if err != nil {
		return nil, err
	}

	wrapper := step.Transactional
	if !m.UseTransactions {
		wrapper = step.NonTransactional
	}

	n := len(stmts)
	if len(rollbackStmts) > n {
		n = len(rollbackStmts)
	}
	steps := make([]step.Executable, 0, n)
	for i := 0; i < n; i++ {
		s := &step.Step{ID: i, Wrapper: wrapper}
		if i < len(stmts) {
			s.Apply = step.Action{SQL: stmts[i]}
		}
		if i < len(rollbackStmts) {
			s.Rollback = step.Action{SQL: rollbackStmts[i]}
		}
		steps = append(steps, s)
	}
	m.Steps = steps
	return m, nil
}

// loadRollback locates <stem>.rollback.sql among all, parses it, and
// returns its statements reversed, ready to zip positionally against the
// apply statements: the i-th apply pairs with the i-th reversed rollback.
func loadRollback(f resolvedFile, all []resolvedFile) ([]string, error) {
	stem := strings.TrimSuffix(f.name, sqlExt)
	rollbackName := stem + rollbackSuffix
	for _, other := range all {
		if other.name != rollbackName || other.sourceGroup != f.sourceGroup {
			continue
		}
		content, err := other.read()
		if err != nil {
			return nil, err
		}
		stmts, err := sqlsplit.Split(content)
		if err != nil {
			return nil, fmt.Errorf("parsing %s: %w", other.path, err)
		}
		reversed := make([]string, len(stmts))
		for i, s := range stmts {
			reversed[len(stmts)-1-i] = s
		}
		return reversed, nil
	}
	return nil, nil
}

func loadScripted(m *migration.Migration, f resolvedFile, all []resolvedFile) (*migration.Migration, error) {
	buildersMu.Lock()
	build, ok := builders[m.ID]
	buildersMu.Unlock()
	if !ok {
		return nil, fmt.Errorf("no steps registered for scripted migration %q (call loader.RegisterSteps in an init())", m.ID)
	}

	collector := step.NewCollector(true)
	build(collector)

	meta, err := loadStepMetadata(f, all)
	if err != nil {
		return nil, err
	}

	steps, depends, useTransactions, doc := collector.Build()
	if meta != nil {
		if meta.Depends != nil {
			depends = meta.Depends
		}
		if meta.Transactional != nil {
			useTransactions = *meta.Transactional
		}
		if meta.Doc != "" {
			doc = meta.Doc
		}
	}

	m.Steps = steps
	m.DependsOn = depends
	m.UseTransactions = useTransactions
	m.Doc = doc
	return m, nil
}

// resolveDanglingDependencies marks any migration whose DependsOn
// references an id absent from the whole set with a BadMigrationError,
// rather than failing the whole Read call: an unresolved dependency is a
// per-migration load problem, not a set-wide one like a duplicate id.
func resolveDanglingDependencies(set *migration.Set) {
	for _, m := range set.Items {
		if m.LoadError != nil {
			continue
		}
		for _, dep := range m.DependsOn {
			if !set.Has(dep) {
				m.LoadError = &BadMigrationError{
					Path: m.Path,
					Err:  &migration.DanglingDependencyError{MigrationID: m.ID, DependsOn: dep},
				}
				break
			}
		}
	}
}

// resolveSources expands each source into the files it contains, filesystem
// sources in lexicographic order per directory.
func resolveSources(sources []string) ([]resolvedFile, error) {
	var out []resolvedFile
	for _, src := range sources {
		if rest, ok := strings.CutPrefix(src, "embed:"); ok {
			name, dir, ok := strings.Cut(rest, ":")
			if !ok {
				return nil, fmt.Errorf("loader: malformed embed source %q, want embed:<name>:<dir>", src)
			}
			files, err := resolveEmbedSource(name, dir)
			if err != nil {
				return nil, err
			}
			out = append(out, files...)
			continue
		}

		files, err := resolveGlobSource(src)
		if err != nil {
			return nil, err
		}
		out = append(out, files...)
	}
	return out, nil
}

func resolveEmbedSource(name, dir string) ([]resolvedFile, error) {
	fsRegistryMu.Lock()
	fsys, ok := fsRegistry[name]
	fsRegistryMu.Unlock()
	if !ok {
		return nil, fmt.Errorf("loader: no embed.FS registered under %q", name)
	}

	entries, err := fs.ReadDir(fsys, dir)
	if err != nil {
		return nil, fmt.Errorf("loader: reading embed dir %q: %w", dir, err)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

	group := "embed:" + name + ":" + dir
	var out []resolvedFile
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		fname := e.Name()
		full := pathJoin(dir, fname)
		out = append(out, resolvedFile{
			name:        fname,
			sourceGroup: group,
			path:        "embed:" + name + ":" + full,
			read: func() (string, error) {
				b, err := fs.ReadFile(fsys, full)
				return string(b), err
			},
		})
	}
	return out, nil
}

func resolveGlobSource(pattern string) ([]resolvedFile, error) {
	matches, err := filepath.Glob(pattern)
	if err != nil {
		return nil, fmt.Errorf("loader: bad glob %q: %w", pattern, err)
	}

	byDir := map[string][]string{}
	var dirOrder []string
	for _, m := range matches {
		info, err := os.Stat(m)
		if err != nil {
			return nil, fmt.Errorf("loader: stat %q: %w", m, err)
		}
		if info.IsDir() {
			dir := m
			entries, err := os.ReadDir(dir)
			if err != nil {
				return nil, fmt.Errorf("loader: reading %q: %w", dir, err)
			}
			if _, seen := byDir[dir]; !seen {
				dirOrder = append(dirOrder, dir)
			}
			for _, e := range entries {
				if !e.IsDir() {
					byDir[dir] = append(byDir[dir], e.Name())
				}
			}
			continue
		}
		dir := filepath.Dir(m)
		if _, seen := byDir[dir]; !seen {
			dirOrder = append(dirOrder, dir)
		}
		byDir[dir] = append(byDir[dir], filepath.Base(m))
	}

	var out []resolvedFile
	for _, dir := range dirOrder {
		names := withCompanions(dir, byDir[dir])
		sort.Strings(names)
		for _, name := range names {
			full := filepath.Join(dir, name)
			out = append(out, resolvedFile{
				name:        name,
				sourceGroup: dir,
				path:        full,
				read: func() (string, error) {
					b, err := os.ReadFile(full)
					return string(b), err
				},
			})
		}
	}
	return out, nil
}

// withCompanions extends a directory's matched file names with the paired
// files each migration implies (<stem>.rollback.sql for a .sql migration,
// <stem>.step.json for a .step one), so a glob like "migrations/*.step"
// still resolves the sidecars the matched migrations need.
func withCompanions(dir string, names []string) []string {
	seen := make(map[string]bool, len(names))
	out := make([]string, 0, len(names))
	for _, name := range names {
		if !seen[name] {
			seen[name] = true
			out = append(out, name)
		}
	}
	for _, name := range out {
		var companion string
		switch {
		case strings.HasSuffix(name, rollbackSuffix):
			continue
		case strings.HasSuffix(name, sqlExt):
			companion = strings.TrimSuffix(name, sqlExt) + rollbackSuffix
		case strings.HasSuffix(name, scriptedExt):
			companion = strings.TrimSuffix(name, scriptedExt) + stepMetadataSuffix
		default:
			continue
		}
		if seen[companion] {
			continue
		}
		if _, err := os.Stat(filepath.Join(dir, companion)); err == nil {
			seen[companion] = true
			out = append(out, companion)
		}
	}
	return out
}

func pathJoin(dir, name string) string {
	if dir == "" || dir == "." {
		return name
	}
	return dir + "/" + name
}
