// SPDX-License-Identifier: Apache-2.0

package cmd

import (
	"github.com/ledgerflow/migrate/pkg/loader"
	"github.com/ledgerflow/migrate/pkg/migration"
)

// defaultSources is used when a subcommand's source arguments are omitted:
// every ".sql" and ".step" file directly under ./migrations.
var defaultSources = []string{"migrations/*.sql", "migrations/*.step"}

func resolveSources(args []string) []string {
	if len(args) == 0 {
		return defaultSources
	}
	return args
}

func loadSet(args []string) (*migration.Set, error) {
	return loader.Read(resolveSources(args)...)
}
