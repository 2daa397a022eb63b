package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/vietddude/blockindex/internal/control"
	redisclient "github.com/vietddude/blockindex/internal/infra/redis"
	"github.com/vietddude/blockindex/internal/infra/storage"
)

var failedCmd = &cobra.Command{
	Use:   "failed",
	Short: "List jobs in the failed-job ledger",
	Run:   runFailed,
}

func init() {
	rootCmd.AddCommand(failedCmd)
}

func runFailed(cmd *cobra.Command, args []string) {
	cfg := loadConfig()
	ctx := context.Background()

	var ledger storage.FailedJobRepository
	switch {
	case cfg.Redis.URL != "":
		client, err := redisclient.NewClient(cfg.Redis)
		if err != nil {
			fatal("Failed to connect to Redis", err)
		}
		defer func() {
			_ = client.Close()
		}()
		ledger = redisclient.NewFailedJobRepo(client)
	case cfg.Database.URL != "":
		store, err := control.OpenStore(ctx, cfg.Database)
		if err != nil {
			fatal("Failed to open store", err)
		}
		defer func() {
			_ = store.Close()
		}()
		ledger = control.FailedJobLedger(store)
	default:
		fatal("No persistent ledger", errors.New("neither redis.url nor database.url is set"))
	}

	jobs, err := ledger.GetAll(ctx)
	if err != nil {
		fatal("Failed to list failed jobs", err)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', tabwriter.Debug)
	_, _ = fmt.Fprintln(w, "ID\tQUEUE\tHEIGHT\tTYPE\tRETRIES\tLAST ATTEMPT\tERROR")
	for _, j := range jobs {
		_, _ = fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%d\t%s\t%s\n",
			j.ID,
			j.Queue,
			j.Height,
			j.FailureType,
			j.RetryCount,
			time.Unix(j.LastAttempt, 0).Format(time.RFC3339),
			j.Error,
		)
	}
	_ = w.Flush()
	fmt.Printf("%d failed job(s)\n", len(jobs))
}
