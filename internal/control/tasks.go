package control

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/vietddude/blockindex/internal/core/indexstate"
)

// cronLogger routes cron's own logging to slog.
type cronLogger struct {
	log *slog.Logger
}

var _ cron.Logger = cronLogger{}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.log.Debug(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.log.Error(msg, append(keysAndValues, "error", err)...)
}

// task is a periodic job. Errors are logged and never stop the schedule.
type task struct {
	name     string
	interval time.Duration
	run      func(ctx context.Context) error
}

func (i *Indexer) tasks() []task {
	idx := i.cfg.Indexing
	return []task{
		{"gap-scan", idx.GapScanInterval, func(ctx context.Context) error {
			return i.scanner.IndexMissingBlocks(ctx, false)
		}},
		{"readiness", idx.ReadinessInterval, i.checkReadiness},
		{"self-heal", idx.SelfHealInterval, i.reporter.FixMissingBlocks},
		{"non-final", idx.NonFinalInterval, func(ctx context.Context) error {
			_, err := i.reporter.UpdateNonFinalBlocks(ctx)
			return err
		}},
		{"finality", idx.FinalityInterval, i.resolver.UpdateFinalizedHeight},
		{"failed-retry", idx.FailedRetryInterval, func(ctx context.Context) error {
			if i.recovery == nil {
				return nil
			}
			return i.recovery.ProcessNext(ctx)
		}},
	}
}

// schedule registers every periodic task on c. Runs that overlap the
// previous one are skipped.
func (i *Indexer) schedule(ctx context.Context, c *cron.Cron) error {
	for _, t := range i.tasks() {
		if t.interval <= 0 {
			continue
		}
		_, err := c.AddFunc(fmt.Sprintf("@every %s", t.interval), func() {
			if ctx.Err() != nil {
				return
			}
			if err := t.run(ctx); err != nil && ctx.Err() == nil {
				i.log.Warn("Periodic task failed", "task", t.name, "error", err)
			}
		})
		if err != nil {
			return fmt.Errorf("schedule %s: %w", t.name, err)
		}
		i.log.Debug("Periodic task scheduled", "task", t.name, "interval", t.interval)
	}
	return nil
}

func (i *Indexer) checkReadiness(ctx context.Context) error {
	ready, err := i.reporter.CheckIndexReadiness(ctx)
	if err != nil {
		return err
	}
	if ready && i.state.Phase() == indexstate.PhaseBackfill {
		return i.state.SetPhase(indexstate.PhaseLive, "index covers the chain")
	}
	return nil
}
