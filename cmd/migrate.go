package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/HendrickFS/bio-supply-twin/internal/db"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create or update the tables owned by this service",
	RunE: func(cmd *cobra.Command, args []string) error {
		database, err := db.Connect(&cfg.Database)
		if err != nil {
			return fmt.Errorf("failed to connect to database: %w", err)
		}
		if err := db.Migrate(database); err != nil {
			return fmt.Errorf("failed to migrate database: %w", err)
		}
		log.Info("Migration complete")
		return nil
	},
}

func init() {
	rootCmd.AddCommand(migrateCmd)
}
