// SPDX-License-Identifier: Apache-2.0

package cmd

import (
	"fmt"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/ledgerflow/migrate/cmd/flags"
)

func rollbackCmd() *cobra.Command {
	var steps int

	rollbackCmd := &cobra.Command{
		Use:   "rollback [sources...]",
		Short: "Roll back applied migrations discovered under sources (default: ./migrations)",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			set, err := loadSet(args)
			if err != nil {
				return err
			}

			e, backend, err := NewEngine(ctx)
			if err != nil {
				return err
			}
			defer backend.Close()

			toRollback, err := e.ToRollback(ctx, set)
			if err != nil {
				return err
			}
			if len(toRollback.Items) == 0 {
				pterm.Info.Println("Nothing to roll back")
				return nil
			}
			if steps > 0 && steps < len(toRollback.Items) {
				toRollback.Items = toRollback.Items[:steps]
			}

			sp, _ := pterm.DefaultSpinner.WithText(fmt.Sprintf("Rolling back %d migration(s)...", len(toRollback.Items))).Start()
			if err := e.RollbackMany(ctx, toRollback, flags.Force()); err != nil {
				sp.Fail(fmt.Sprintf("Rollback failed: %s", err))
				return err
			}
			sp.Success(fmt.Sprintf("Rolled back %d migration(s)", len(toRollback.Items)))
			return nil
		},
	}

	rollbackCmd.Flags().IntVar(&steps, "steps", 0, "Roll back at most this many migrations (0 = all applied)")
	return rollbackCmd
}
