package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create or upgrade the memory store schema",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, log, err := loadConfig(cmd.ErrOrStderr())
		if err != nil {
			return err
		}

		store, err := openStore(cfg, log)
		if err != nil {
			return err
		}
		defer store.Close()

		version, err := store.SchemaVersion(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s store at %s is at schema version %d\n", store.Driver(), cfg.Store.Path, version)
		return nil
	},
}
