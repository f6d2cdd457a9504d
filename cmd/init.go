// SPDX-License-Identifier: Apache-2.0

package cmd

import (
	"github.com/pterm/pterm"
	"github.com/spf13/cobra"
)

func initCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Create the ledger's own tables if they do not already exist",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			e, backend, err := NewEngine(ctx)
			if err != nil {
				return err
			}
			defer backend.Close()

			if err := e.Ledger().EnsureInternalSchemaUpdated(ctx); err != nil {
				return err
			}
			pterm.Success.Println("Ledger initialized")
			return nil
		},
	}
}
