// SPDX-License-Identifier: Apache-2.0

package cmd

import (
	"fmt"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"
)

func unmarkCmd() *cobra.Command {
	var sources []string

	unmarkCmd := &cobra.Command{
		Use:   "unmark <migration-id>",
		Short: "Remove a migration's applied record without rolling it back",
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

			if err := e.Unmark(ctx, m); err != nil {
				return err
			}
			pterm.Success.Printfln("Unmarked %q", id)
			return nil
		},
	}

	unmarkCmd.Flags().StringArrayVar(&sources, "source", nil, "Migration source (file glob or embed:<name>:<dir>); repeatable")
	return unmarkCmd
}
