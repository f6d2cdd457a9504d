// SPDX-License-Identifier: Apache-2.0

package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/ledgerflow/migrate/cmd/flags"
	"github.com/ledgerflow/migrate/pkg/dbadapter"
	"github.com/ledgerflow/migrate/pkg/dbadapter/postgres"
	"github.com/ledgerflow/migrate/pkg/dbadapter/sqlite"
	"github.com/ledgerflow/migrate/pkg/engine"
	"github.com/ledgerflow/migrate/pkg/ledger"
)

// Version is set by the release build via -ldflags.
var Version = "development"

func init() {
	viper.SetEnvPrefix("PGM")
	viper.AutomaticEnv()

	flags.ConnectionFlags(rootCmd)
}

var rootCmd = &cobra.Command{
	Use:          "migrate",
	Short:        "Apply, roll back and track schema migrations",
	SilenceUsage: true,
	Version:      Version,
}

// openBackend opens the Backend named by the --dialect flag.
func openBackend(ctx context.Context) (*dbadapter.Backend, error) {
	switch d := flags.Dialect(); d {
	case "postgres", "":
		return postgres.Open(ctx, flags.DatabaseURL(), flags.Schema())
	case "sqlite":
		return sqlite.Open(ctx, flags.DatabaseURL())
	default:
		return nil, fmt.Errorf("unknown dialect %q (want \"postgres\" or \"sqlite\")", d)
	}
}

// NewEngine opens a Backend per the bound connection flags and returns an
// Engine configured from the rest of the flag set, printing the result rows
// of a step's SELECT to standard output. Callers must Close the returned
// Backend themselves; subcommands do so with a deferred call.
func NewEngine(ctx context.Context) (*engine.Engine, *dbadapter.Backend, error) {
	backend, err := openBackend(ctx)
	if err != nil {
		return nil, nil, err
	}

	e := engine.New(backend,
		engine.WithLogger(engine.NewLogger()),
		engine.WithOutput(os.Stdout),
		engine.WithLockTimeout(flags.LockTimeout()),
		engine.WithTableNames(ledger.TableNames{
			Applied: flags.MigrationTable(),
			Log:     flags.LogTable(),
			Lock:    flags.LockTable(),
			Version: flags.VersionTable(),
		}),
	)
	return e, backend, nil
}

// Execute runs the root command.
func Execute() error {
	rootCmd.AddCommand(applyCmd())
	rootCmd.AddCommand(rollbackCmd())
	rootCmd.AddCommand(markCmd())
	rootCmd.AddCommand(unmarkCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(breakLockCmd())
	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(newCmd())

	return rootCmd.Execute()
}
