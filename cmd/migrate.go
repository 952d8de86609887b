package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/gobby-dev/gobby/internal/store/sqlite"
)

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending database migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			path, err := cfg.DatabasePath()
			if err != nil {
				return err
			}
			db, err := sqlite.Open(path)
			if err != nil {
				return err
			}
			defer db.Close()

			if err := sqlite.Migrate(db); err != nil {
				return fmt.Errorf("migrate: %w", err)
			}
			v, dirty, err := sqlite.SchemaVersion(db)
			if err != nil {
				return err
			}
			fmt.Printf("database %s at schema version %d (dirty=%v)\n", path, v, dirty)
			return nil
		},
	}
	return cmd
}
