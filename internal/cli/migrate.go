package cli

import (
	"context"
	"errors"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/vietddude/blockindex/internal/control"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply database migrations and exit",
	Run:   runMigrate,
}

func init() {
	rootCmd.AddCommand(migrateCmd)
}

func runMigrate(cmd *cobra.Command, args []string) {
	cfg := loadConfig()
	if cfg.Database.URL == "" {
		fatal("Nothing to migrate", errors.New("database.url is not set"))
	}

	store, err := control.OpenStore(context.Background(), cfg.Database)
	if err != nil {
		fatal("Migration failed", err)
	}
	_ = store.Close()
	slog.Info("Migrations applied")
}
