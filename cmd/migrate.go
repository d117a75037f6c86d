package cmd

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/example/campsniper/internal/config"
	"github.com/example/campsniper/internal/db"
	"github.com/example/campsniper/internal/migrate"
)

// newMigrateCmd applies migrations and exits, for deploy pipelines that
// migrate before rolling the processes.
func newMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.FromEnv()
			if err != nil {
				return err
			}
			ctx := context.Background()
			d, err := db.Open(ctx, cfg.DatabaseURL)
			if err != nil {
				return err
			}
			defer d.Close()
			return migrate.Up(ctx, d)
		},
	}
}
