// SPDX-License-Identifier: Apache-2.0

package cmd

import (
	"fmt"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/ledgerflow/migrate/cmd/flags"
)

func applyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "apply [sources...]",
		Short: "Apply pending migrations discovered under sources (default: ./migrations)",
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

			toApply, err := e.ToApply(ctx, set)
			if err != nil {
				return err
			}
			if len(toApply.Items) == 0 {
				pterm.Info.Println("Nothing to apply")
				return nil
			}

			sp, _ := pterm.DefaultSpinner.WithText(fmt.Sprintf("Applying %d migration(s)...", len(toApply.Items))).Start()
			if err := e.ApplyMany(ctx, toApply, flags.Force()); err != nil {
				sp.Fail(fmt.Sprintf("Apply failed: %s", err))
				return err
			}
			sp.Success(fmt.Sprintf("Applied %d migration(s)", len(toApply.Items)))
			return nil
		},
	}
}
