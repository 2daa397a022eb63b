package cli

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/vietddude/blockindex/internal/indexing/rescan"
	redisclient "github.com/vietddude/blockindex/internal/infra/redis"
)

var rescanCmd = &cobra.Command{
	Use:   "rescan [from-to]...",
	Short: "Queue height ranges for re-ingestion",
	Long: `Pushes height ranges to the Redis rescan queue. A range is "from-to" or a
single height. Overlapping and adjacent ranges are merged.`,
	Example: "  blockindex rescan 100-200 250 300-310",
	Args:    cobra.MinimumNArgs(1),
	Run:     runRescan,
}

func init() {
	rootCmd.AddCommand(rescanCmd)
}

func runRescan(cmd *cobra.Command, args []string) {
	ranges, err := rescan.RangesFromStrings(args)
	if err != nil {
		fatal("Invalid range", err)
	}

	cfg := loadConfig()
	if cfg.Redis.URL == "" {
		fatal("Rescan needs Redis", errors.New("redis.url is not set"))
	}
	client, err := redisclient.NewClient(cfg.Redis)
	if err != nil {
		fatal("Failed to connect to Redis", err)
	}
	defer func() {
		_ = client.Close()
	}()

	if err := rescan.Enqueue(context.Background(), client, ranges...); err != nil {
		fatal("Failed to queue ranges", err)
	}
	for _, r := range rescan.MergeRanges(ranges) {
		fmt.Printf("Queued %s (%d heights)\n", r, r.Size())
	}
}
