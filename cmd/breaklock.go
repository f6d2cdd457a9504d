// SPDX-License-Identifier: Apache-2.0

package cmd

import (
	"github.com/pterm/pterm"
	"github.com/spf13/cobra"
)

func breakLockCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "break-lock",
		Short: "Unconditionally clear the migration lock left behind by a crashed process",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			e, backend, err := NewEngine(ctx)
			if err != nil {
				return err
			}
			defer backend.Close()

			if err := e.BreakLock(ctx); err != nil {
				return err
			}
			pterm.Success.Println("Lock cleared")
			return nil
		},
	}
}
