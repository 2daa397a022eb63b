package cli

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/lmittmann/tint"
	"github.com/spf13/cobra"
	"github.com/vietddude/stylelog"

	"github.com/vietddude/blockindex/internal/control"
	"github.com/vietddude/blockindex/internal/core/config"
)

var (
	cfgPath string
	isDebug bool
)

var rootCmd = &cobra.Command{
	Use:   "blockindex",
	Short: "Blockchain index service",
	Long: `blockindex keeps a relational index of a delegated proof-of-stake chain
consistent with the node: it backfills gaps, follows new blocks, rolls back
forks above the finalized height and tracks finality.`,
	Run: runIndexer,
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgPath, "config", "config.yaml", "config file (default is config.yaml)")
	rootCmd.PersistentFlags().BoolVar(&isDebug, "debug", false, "enable debug logging")
}

// loadConfig loads the configuration and installs the logger. It exits on
// error.
func loadConfig() *config.AppConfig {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		stylelog.InitDefault()
		slog.Error("Failed to load config", "error", err)
		os.Exit(1)
	}

	level := slog.LevelInfo
	switch {
	case isDebug || cfg.Logging.Level == "debug":
		level = slog.LevelDebug
	case cfg.Logging.Level == "warn":
		level = slog.LevelWarn
	case cfg.Logging.Level == "error":
		level = slog.LevelError
	}
	stylelog.InitDefault(&tint.Options{
		Level:      level,
		TimeFormat: time.RFC3339,
	})
	return cfg
}

func fatal(msg string, err error) {
	slog.Error(msg, "error", err)
	os.Exit(1)
}

func runIndexer(cmd *cobra.Command, args []string) {
	cfg := loadConfig()

	app, err := control.New(cfg)
	if err != nil {
		fatal("Failed to initialize indexer", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	if err := app.Start(ctx); err != nil {
		stopCtx, stopCancel := context.WithTimeout(context.Background(), 15*time.Second)
		_ = app.Stop(stopCtx)
		stopCancel()
		fatal("Failed to start indexer", err)
	}

	slog.Info("Indexer running", "config", cfgPath, "network", cfg.Node.Network)

	sig := <-sigChan
	slog.Info("Received signal, shutting down...", "signal", sig)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()

	if err := app.Stop(shutdownCtx); err != nil {
		fatal("Error during shutdown", err)
	}
	slog.Info("Indexer stopped gracefully")
}
