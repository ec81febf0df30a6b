package cli

import (
	"context"
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/example/storymap-studio/internal/config"
	"github.com/example/storymap-studio/internal/storage"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply pending schema migrations",
	Long:  `Apply every pending up migration embedded in the server to the profile's Postgres database.`,
	Args:  cobra.NoArgs,
	Run:   runMigrate,
}

func runMigrate(cmd *cobra.Command, args []string) {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	pool, err := config.NewPostgres(ctx, profile.PostgresURL)
	if err != nil {
		exitError("%v", err)
	}
	defer pool.Close()

	version, err := storage.Migrate(ctx, pool)
	if err != nil {
		exitError("%v", err)
	}
	color.New(color.FgGreen).Printf("Schema at version %d\n", version)
	fmt.Println("Migrations applied")
}
