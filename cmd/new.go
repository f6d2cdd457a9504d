// SPDX-License-Identifier: Apache-2.0

package cmd

import (
	"fmt"
	"os"
	"os/user"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/ledgerflow/migrate/pkg/loader"
)

var migrationIDPattern = regexp.MustCompile(`^(\d+)-`)

// migrationMeta is written alongside every scaffolded migration as
// <id>.meta.yaml. It is informational only; the loader never reads it.
type migrationMeta struct {
	ID        string `yaml:"id"`
	CreatedAt string `yaml:"created_at"`
	Author    string `yaml:"author,omitempty"`
}

func newCmd() *cobra.Command {
	var (
		dir     string
		step    bool
		rollbck bool
	)

	cmd := &cobra.Command{
		Use:   "new <name>",
		Short: "Scaffold a new migration file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := nextMigrationID(dir, args[0])
			if err != nil {
				return err
			}

			if step {
				if err := scaffoldStep(dir, id); err != nil {
					return err
				}
			} else if err := scaffoldSQL(dir, id, rollbck); err != nil {
				return err
			}

			if err := writeMeta(dir, id); err != nil {
				return err
			}

			pterm.Success.Printfln("Created migration %q in %s", id, dir)
			return nil
		},
	}

	cmd.Flags().StringVar(&dir, "dir", "migrations", "Directory to create the migration in")
	cmd.Flags().BoolVar(&step, "step", false, "Scaffold a scripted (.step) migration instead of a .sql one")
	cmd.Flags().BoolVar(&rollbck, "with-rollback", false, "Also scaffold a .rollback.sql file")
	return cmd
}

// nextMigrationID assigns the next zero-padded sequence number found under
// dir so that migrations sort the same way lexically as they were created.
func nextMigrationID(dir, name string) (string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			entries = nil
		} else {
			return "", fmt.Errorf("reading %s: %w", dir, err)
		}
	}

	seqs := []int{0}
	for _, e := range entries {
		m := migrationIDPattern.FindStringSubmatch(e.Name())
		if m == nil {
			continue
		}
		n, err := strconv.Atoi(m[1])
		if err == nil {
			seqs = append(seqs, n)
		}
	}
	sort.Ints(seqs)
	next := seqs[len(seqs)-1] + 1

	slug := slugify(name)
	return fmt.Sprintf("%04d-%s", next, slug), nil
}

func slugify(name string) string {
	name = strings.ToLower(strings.TrimSpace(name))
	var b strings.Builder
	lastDash := false
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z' || r >= '0' && r <= '9':
			b.WriteRune(r)
			lastDash = false
		default:
			if !lastDash {
				b.WriteByte('-')
				lastDash = true
			}
		}
	}
	return strings.Trim(b.String(), "-")
}

// writeTempThenRename writes content to a temp file prefixed with
// loader.TempFilePrefix and renames it into place, so a half-written
// migration is never picked up by Read.
func writeTempThenRename(dir, finalName string, content []byte) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating %s: %w", dir, err)
	}
	tmpPath := filepath.Join(dir, loader.TempFilePrefix+finalName)
	if err := os.WriteFile(tmpPath, content, 0o644); err != nil {
		return fmt.Errorf("writing %s: %w", tmpPath, err)
	}
	finalPath := filepath.Join(dir, finalName)
	if err := os.Rename(tmpPath, finalPath); err != nil {
		return fmt.Errorf("renaming %s to %s: %w", tmpPath, finalPath, err)
	}
	return nil
}

func scaffoldSQL(dir, id string, withRollback bool) error {
	content := fmt.Sprintf("-- depends: \n-- transactional: true\n-- doc: %s\n\n", id)
	if err := writeTempThenRename(dir, id+".sql", []byte(content)); err != nil {
		return err
	}
	if withRollback {
		if err := writeTempThenRename(dir, id+".rollback.sql", []byte("\n")); err != nil {
			return err
		}
	}
	return nil
}

func scaffoldStep(dir, id string) error {
	content := fmt.Sprintf(
		"# %s\n# register a builder for this migration with:\n#   loader.RegisterSteps(%q, func(c *step.Collector) { ... })\n",
		id, id,
	)
	if err := writeTempThenRename(dir, id+".step", []byte(content)); err != nil {
		return err
	}

	sidecar := fmt.Sprintf("{\n  \"depends\": [],\n  \"transactional\": true,\n  \"doc\": %q\n}\n", id)
	return writeTempThenRename(dir, id+".step.json", []byte(sidecar))
}

func writeMeta(dir, id string) error {
	meta := migrationMeta{
		ID:        id,
		CreatedAt: time.Now().UTC().Format(time.RFC3339),
		Author:    currentUsername(),
	}
	out, err := yaml.Marshal(meta)
	if err != nil {
		return fmt.Errorf("marshalling metadata: %w", err)
	}
	return writeTempThenRename(dir, id+".meta.yaml", out)
}

func currentUsername() string {
	u, err := user.Current()
	if err != nil || u.Username == "" {
		return ""
	}
	return u.Username
}
