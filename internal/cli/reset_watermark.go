package cli

import (
	"context"
	"fmt"
	"os"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/vietddude/blockindex/internal/control"
	"github.com/vietddude/blockindex/internal/core/domain"
	"github.com/vietddude/blockindex/internal/infra/storage"
)

var resetWatermarkCmd = &cobra.Command{
	Use:   "reset-watermark [height]",
	Short: "Set the height below which the gap scanner assumes no gaps",
	Long: `Overrides indexVerifiedHeight. Lower it to make the next gap scans
re-verify older heights; 0 scans from genesis.`,
	Args: cobra.ExactArgs(1),
	Run:  runResetWatermark,
}

func init() {
	rootCmd.AddCommand(resetWatermarkCmd)
}

func runResetWatermark(cmd *cobra.Command, args []string) {
	height, err := strconv.ParseUint(args[0], 10, 64)
	if err != nil {
		fmt.Printf("Invalid height: %v\n", err)
		os.Exit(1)
	}

	cfg := loadConfig()
	ctx := context.Background()
	store, err := control.OpenStore(ctx, cfg.Database)
	if err != nil {
		fatal("Failed to open store", err)
	}
	defer func() {
		_ = store.Close()
	}()

	if err := storage.SetUint(ctx, store.Checkpoints(), domain.CheckpointIndexVerifiedHeight, height); err != nil {
		fatal("Failed to reset watermark", err)
	}
	fmt.Printf("Successfully reset %s to %d\n", domain.CheckpointIndexVerifiedHeight, height)
}
