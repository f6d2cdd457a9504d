// SPDX-License-Identifier: Apache-2.0

package cmd

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ledgerflow/migrate/pkg/migration"
)

type migrationStatus struct {
	ID     string `json:"id"`
	Status string `json:"status"` // "applied", "pending", "bad"
	Error  string `json:"error,omitempty"`
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status [sources...]",
		Short: "Show which migrations discovered under sources are applied or pending",
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

			if err := e.Ledger().EnsureInternalSchemaUpdated(ctx); err != nil {
				return err
			}
			applied, err := e.Ledger().GetAppliedHashes(ctx)
			if err != nil {
				return err
			}
			appliedSet := make(map[string]bool, len(applied))
			for _, h := range applied {
				appliedSet[h] = true
			}

			lines := make([]migrationStatus, 0, len(set.Items))
			for _, m := range set.Items {
				lines = append(lines, statusLineFor(m, appliedSet))
			}

			out, err := json.MarshalIndent(lines, "", "  ")
			if err != nil {
				return err
			}
			fmt.Println(string(out))
			return nil
		},
	}
}

func statusLineFor(m *migration.Migration, applied map[string]bool) migrationStatus {
	if m.LoadError != nil {
		return migrationStatus{ID: m.ID, Status: "bad", Error: m.LoadError.Error()}
	}
	if applied[m.Hash] {
		return migrationStatus{ID: m.ID, Status: "applied"}
	}
	return migrationStatus{ID: m.ID, Status: "pending"}
}
