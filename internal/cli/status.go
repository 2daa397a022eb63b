package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/vietddude/blockindex/internal/control"
	"github.com/vietddude/blockindex/internal/core/domain"
	"github.com/vietddude/blockindex/internal/core/events"
	"github.com/vietddude/blockindex/internal/core/indexstate"
	"github.com/vietddude/blockindex/internal/indexing/health"
	"github.com/vietddude/blockindex/internal/infra/storage"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show index coverage against the node",
	Run:   runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) {
	cfg := loadConfig()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	store, err := control.OpenStore(ctx, cfg.Database)
	if err != nil {
		fatal("Failed to open store", err)
	}
	defer func() {
		_ = store.Close()
	}()

	client, err := control.NewNodeClient(cfg.Node)
	if err != nil {
		fatal("Failed to create node client", err)
	}

	var (
		genesis uint64
		status  *domain.NetworkStatus
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		genesis, _, err = storage.GetUint(gctx, store.Checkpoints(), domain.CheckpointGenesisHeight)
		return err
	})
	g.Go(func() error {
		var err error
		if status, err = client.GetNetworkStatus(gctx); err != nil {
			slog.Warn("Node unreachable, chain height unknown", "error", err)
			status = nil
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		fatal("Failed to read genesis height", err)
	}

	state := indexstate.New()
	state.SetGenesisHeight(genesis)
	if status != nil {
		if genesis == 0 {
			state.SetGenesisHeight(status.GenesisHeight)
		}
		state.ObserveChainHeight(status.Height)
		state.SetFinalizedHeight(status.FinalizedHeight)
	}

	reporter := health.NewReporter(health.ReporterConfig{
		TipTolerance: cfg.Indexing.TipTolerance(),
	}, store, state, events.NewBus(), nil, nil, cfg.Node.Network)
	stats, err := reporter.GetIndexStats(ctx)
	if err != nil {
		fatal("Failed to compute index stats", err)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', tabwriter.Debug)
	_, _ = fmt.Fprintln(w, "NETWORK\tGENESIS\tCHAIN\tFINALIZED\tINDEXED\tMISSING\tCOMPLETE\tVERIFIED")
	_, _ = fmt.Fprintf(w, "%s\t%d\t%d\t%d\t%d\t%d\t%.2f%%\t%d\n",
		cfg.Node.Network,
		stats.GenesisHeight,
		stats.CurrentChainHeight,
		stats.FinalizedHeight,
		stats.NumBlocksIndexed,
		stats.Missing(),
		stats.Percentage,
		stats.IndexVerifiedHeight,
	)
	_ = w.Flush()
}
