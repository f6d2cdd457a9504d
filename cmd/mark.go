// SPDX-License-Identifier: Apache-2.0

package cmd

import (
	"fmt"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"
)

func markCmd() *cobra.Command {
	var sources []string

	markCmd := &cobra.Command{
		Use:   "mark <migration-id>",
		Short: "Record a migration as applied without executing it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			id := args[0]

			set, err := loadSet(sources)
			if err != nil {
				return err
			}
			m, ok := set.ByID(id)
			if !ok {
				return fmt.Errorf("no migration with id %q found under the given sources", id)
			}

			e, backend, err := NewEngine(ctx)
			if err != nil {
				return err
			}
			defer backend.Close()

			if err := e.Mark(ctx, m); err != nil {
				return err
			}
			pterm.Success.Printfln("Marked %q as applied", id)
			return nil
		},
	}

	markCmd.Flags().StringArrayVar(&sources, "source", nil, "Migration source (file glob or embed:<name>:<dir>); repeatable")
	return markCmd
}
