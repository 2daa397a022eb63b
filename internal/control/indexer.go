// Package control assembles the indexer from its parts and runs it.
//
// # Lifecycle
//
//  1. New opens the store (running migrations), the node client and Redis,
//     then builds the job queues and the components that feed them
//  2. Start bootstraps genesis data, starts the notification source, the
//     health server, the rescan worker and the periodic tasks
//  3. Stop cancels everything and drains the queues
//
// Node notifications go to the fork-detection queue one at a time. Every
// other path into the index (gap scans, self-heal, non-final re-walks,
// operator rescans, failed-job retries) submits heights to the ingest queue.
package control

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"github.com/robfig/cron/v3"

	"github.com/vietddude/blockindex/internal/core/config"
	"github.com/vietddude/blockindex/internal/core/events"
	"github.com/vietddude/blockindex/internal/core/indexstate"
	"github.com/vietddude/blockindex/internal/indexing/backfill"
	"github.com/vietddude/blockindex/internal/indexing/bootstrap"
	"github.com/vietddude/blockindex/internal/indexing/health"
	"github.com/vietddude/blockindex/internal/indexing/ingest"
	"github.com/vietddude/blockindex/internal/indexing/jobqueue"
	"github.com/vietddude/blockindex/internal/indexing/recovery"
	"github.com/vietddude/blockindex/internal/indexing/reorg"
	"github.com/vietddude/blockindex/internal/indexing/rescan"
	"github.com/vietddude/blockindex/internal/infra/node"
	redisclient "github.com/vietddude/blockindex/internal/infra/redis"
	"github.com/vietddude/blockindex/internal/infra/storage"
	"github.com/vietddude/blockindex/internal/infra/storage/postgres"
)

// Queue names, also used as metric and ledger labels.
const (
	QueueIngest        = "ingest"
	QueueForkDetection = "fork-detection"
	QueueMarkFinal     = "mark-final"
	QueueRollback      = "rollback"
)

// NotificationSource delivers node block notifications until ctx ends.
type NotificationSource interface {
	Run(ctx context.Context, handle node.NotificationHandler) error
}

// Option overrides a dependency New would otherwise build from config.
type Option func(*options)

type options struct {
	store  storage.Store
	client node.Client
	source NotificationSource
}

// WithStore uses store instead of connecting the configured database.
func WithStore(store storage.Store) Option {
	return func(o *options) { o.store = store }
}

// WithNodeClient uses client instead of the HTTP gateway client.
func WithNodeClient(client node.Client) Option {
	return func(o *options) { o.client = client }
}

// WithNotificationSource replaces the WebSocket subscriber or status poller.
func WithNotificationSource(source NotificationSource) Option {
	return func(o *options) { o.source = source }
}

// Indexer owns every long-running part of the block index.
type Indexer struct {
	cfg *config.AppConfig

	store  storage.Store
	db     *postgres.DB
	redis  *redisclient.Client
	client node.Client
	status *node.StatusCache
	source NotificationSource
	state  *indexstate.State
	bus    *events.Bus
	failed storage.FailedJobRepository

	ingestQ    *jobqueue.Queue[uint64]
	forkQ      *jobqueue.Queue[reorg.Notice]
	markFinalQ *jobqueue.Queue[struct{}]
	rollbackQ  *jobqueue.Queue[uint64]

	bootstrapper *bootstrap.Bootstrapper
	resolver     *reorg.Resolver
	scanner      *backfill.Scanner
	reporter     *health.Reporter
	monitor      *health.Monitor
	server       *health.Server
	recovery     *recovery.Handler
	rescan       *rescan.Worker
	cron         *cron.Cron

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	stop   sync.Once
	log    *slog.Logger
}

// New creates an Indexer with all dependencies initialized. Nothing runs
// until Start.
func New(cfg *config.AppConfig, opts ...Option) (*Indexer, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	ctx, cancel := context.WithCancel(context.Background())
	i := &Indexer{
		cfg:    cfg,
		state:  indexstate.New(),
		bus:    events.NewBus(),
		ctx:    ctx,
		cancel: cancel,
		log:    slog.Default().With("component", "control"),
	}
	if err := i.init(o); err != nil {
		cancel()
		i.closeClients()
		return nil, err
	}
	return i, nil
}

func (i *Indexer) init(o options) error {
	network := i.cfg.Node.Network

	// 1. Storage
	i.store = o.store
	if i.store == nil {
		store, err := OpenStore(i.ctx, i.cfg.Database)
		if err != nil {
			return err
		}
		i.store = store
		i.db, _ = store.(*postgres.DB)
	}
	i.bus.Publish(events.Event{Kind: events.SearchIndexInitialized})

	// 2. Node
	i.client = o.client
	if i.client == nil {
		client, err := NewNodeClient(i.cfg.Node)
		if err != nil {
			return err
		}
		i.client = client
	}
	i.status = node.NewStatusCache(i.client, i.cfg.Node.StatusTTL)

	i.source = o.source
	if i.source == nil {
		source, err := newNotificationSource(i.cfg.Node, i.client)
		if err != nil {
			return err
		}
		i.source = source
	}

	// 3. Redis and the failed-job ledger
	i.failed = FailedJobLedger(i.store)
	if i.cfg.Redis.URL != "" {
		client, err := redisclient.NewClient(i.cfg.Redis)
		if err != nil {
			i.log.Warn("Failed to connect to Redis, rescan disabled", "error", err)
		} else {
			i.redis = client
			i.failed = redisclient.NewFailedJobRepo(client)
		}
	}

	// 4. Queues and the components that feed them
	strategy := backoff(i.cfg.Indexing)
	worker := ingest.NewWorker(i.client, i.store, i.state, network)
	i.resolver = reorg.NewResolver(i.store, i.status, i.state, i.bus, network)

	i.ingestQ = jobqueue.New(i.ctx, jobqueue.Config{
		Name:        QueueIngest,
		Concurrency: i.cfg.Indexing.IngestConcurrency,
		Strategy:    strategy,
	}, worker.IndexHeight)
	i.forkQ = jobqueue.New(i.ctx, jobqueue.Config{
		Name:        QueueForkDetection,
		Concurrency: 1,
		Strategy:    strategy,
	}, i.resolver.Handle)
	i.markFinalQ = jobqueue.New(i.ctx, jobqueue.Config{
		Name:        QueueMarkFinal,
		Concurrency: 1,
		Strategy:    strategy,
	}, i.resolver.MarkFinalJob)
	i.rollbackQ = jobqueue.New(i.ctx, jobqueue.Config{
		Name:        QueueRollback,
		Concurrency: 1,
		Strategy:    strategy,
	}, i.resolver.RollbackJob)

	i.resolver.Bind(reorg.Queues{
		Ingest:    i.ingestQ,
		MarkFinal: i.markFinalQ,
		Rollback:  i.rollbackQ,
	})

	if i.failed != nil {
		i.recovery = recovery.NewHandler(i.failed, worker.IndexHeight, strategy)
		i.recovery.Route(QueueRollback, i.resolver.RollbackJob)
	}
	i.ingestQ.OnFailure(i.recordHeight)
	i.rollbackQ.OnFailure(i.recordHeight)
	i.forkQ.OnFailure(func(ctx context.Context, queue string, n reorg.Notice, attempts int, err error) {
		i.recordHeight(ctx, queue, n.Height, attempts, err)
	})
	i.markFinalQ.OnFailure(func(ctx context.Context, queue string, _ struct{}, attempts int, err error) {
		i.log.Error("Mark final failed", "finalized", i.state.FinalizedHeight(), "attempts", attempts, "error", err)
	})

	i.bootstrapper = bootstrap.NewBootstrapper(i.client, i.store, i.state, i.cfg.Indexing.GenesisPageSize)
	i.scanner = backfill.NewScanner(backfill.Config{
		ScanWindow:          i.cfg.Indexing.ScanWindow,
		BatchSize:           i.cfg.Indexing.BatchSize,
		MinIndexedThreshold: i.cfg.Indexing.MinIndexedThreshold,
		IndexNumOfBlocks:    i.cfg.Indexing.IndexNumOfBlocks,
	}, i.store, i.state, i.ingestQ, network)

	if i.redis != nil {
		i.rescan = rescan.NewWorker(rescan.WorkerConfig{
			ChunkSize:  i.cfg.Indexing.RescanChunkSize,
			EmptySleep: i.cfg.Indexing.RescanInterval,
		}, i.redis, i.ingestQ)
	}

	// 5. Health
	i.reporter = health.NewReporter(health.ReporterConfig{
		TipTolerance:     i.cfg.Indexing.TipTolerance(),
		SelfHealMaxDelta: i.cfg.Indexing.SelfHealMaxDelta,
	}, i.store, i.state, i.bus, i.scanner, i.ingestQ, network)
	i.monitor = health.NewMonitor(health.DefaultMonitorConfig(), i.store, i.status, i.reporter, i.failed, i.bus, network)
	i.server = health.NewServer(i.monitor, i.bus, i.cfg.Server.Port)

	i.state.OnTransition(func(t indexstate.Transition) {
		i.log.Info("Phase changed", "from", t.From, "to", t.To, "reason", t.Reason)
	})
	return nil
}

// Start bootstraps the index and starts all background work. A bootstrap
// error is fatal: nothing is started and the caller should exit.
func (i *Indexer) Start(ctx context.Context) error {
	if err := i.state.SetPhase(indexstate.PhaseBootstrap, "starting"); err != nil {
		return err
	}
	if err := i.bootstrapper.Run(ctx); err != nil {
		return fmt.Errorf("bootstrap: %w", err)
	}
	if err := i.state.SetPhase(indexstate.PhaseBackfill, "bootstrap complete"); err != nil {
		return err
	}

	logger := cronLogger{log: i.log.With("scheduler", "cron")}
	i.cron = cron.New(
		cron.WithLogger(logger),
		cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)),
	)
	if err := i.schedule(i.ctx, i.cron); err != nil {
		return err
	}

	i.goRun("health server", func() error {
		if err := i.server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	if i.db != nil {
		i.db.StartMetricsCollector(i.ctx)
	}

	i.goRun("notification source", func() error {
		return i.source.Run(i.ctx, i.handleNotification)
	})
	if i.rescan != nil {
		i.goRun("rescan worker", func() error { return i.rescan.Run(i.ctx) })
	}

	// Catch up once right away instead of waiting for the first tick.
	i.goRun("initial scan", func() error {
		if err := i.resolver.UpdateFinalizedHeight(i.ctx); err != nil {
			i.log.Warn("Initial finality refresh failed", "error", err)
		}
		return i.scanner.IndexMissingBlocks(i.ctx, false)
	})

	i.cron.Start()
	i.log.Info("Indexer started",
		"network", i.cfg.Node.Network,
		"genesis", i.state.GenesisHeight(),
		"height", i.state.CurrentHeight(),
		"finalized", i.state.FinalizedHeight(),
	)
	return nil
}

// Stop cancels background work, waits for the queues to drain and closes
// the store and Redis.
func (i *Indexer) Stop(ctx context.Context) error {
	var err error
	i.stop.Do(func() {
		i.log.Info("Stopping indexer...")
		i.cancel()

		if i.cron != nil {
			select {
			case <-i.cron.Stop().Done():
			case <-ctx.Done():
				i.log.Warn("Periodic tasks still running at shutdown")
			}
		}

		i.forkQ.Stop()
		i.rollbackQ.Stop()
		i.markFinalQ.Stop()
		i.ingestQ.Stop()

		err = i.server.Stop(ctx)
		i.wg.Wait()
		i.bus.Close()
		i.closeClients()
	})
	return err
}

// handleNotification forwards a node notification to the fork-detection
// queue and announces new blocks on the bus.
func (i *Indexer) handleNotification(ctx context.Context, n node.Notification) {
	if n.Block == nil {
		return
	}
	if n.Kind == node.NotificationNewBlock {
		i.status.Invalidate()
		i.bus.Publish(events.NewBlockEvent(n.Block, n.IsFinal))
	}
	if !i.forkQ.Submit(reorg.NoticeFrom(n)) {
		i.log.Debug("Notification already queued", "kind", n.Kind, "height", n.Block.Height)
	}
}

// recordHeight moves a job that exhausted its retries to the failed-job ledger.
func (i *Indexer) recordHeight(ctx context.Context, queue string, height uint64, attempts int, err error) {
	if i.recovery == nil {
		return
	}
	if err := i.recovery.HandleFailure(context.WithoutCancel(ctx), queue, height, attempts, err); err != nil {
		i.log.Error("Failed to record failed job", "queue", queue, "height", height, "error", err)
	}
}

func (i *Indexer) goRun(name string, fn func() error) {
	i.wg.Add(1)
	go func() {
		defer i.wg.Done()
		if err := fn(); err != nil && i.ctx.Err() == nil {
			i.log.Error("Background task failed", "task", name, "error", err)
		}
	}()
}

func (i *Indexer) closeClients() {
	if i.redis != nil {
		if err := i.redis.Close(); err != nil {
			i.log.Warn("Failed to close Redis", "error", err)
		}
	}
	if i.store != nil {
		if err := i.store.Close(); err != nil {
			i.log.Warn("Failed to close store", "error", err)
		}
	}
}

// Store returns the index store.
func (i *Indexer) Store() storage.Store { return i.store }

// State returns the shared index state.
func (i *Indexer) State() *indexstate.State { return i.state }

// Bus returns the event bus.
func (i *Indexer) Bus() *events.Bus { return i.bus }

// FailedJobs returns the failed-job ledger, or nil when there is none.
func (i *Indexer) FailedJobs() storage.FailedJobRepository { return i.failed }

// Health runs a health check.
func (i *Indexer) Health(ctx context.Context) health.Health {
	return i.monitor.CheckHealth(ctx)
}

// NewNodeClient builds the gateway client from the node settings.
func NewNodeClient(cfg config.NodeConfig) (*node.HTTPClient, error) {
	retry := node.DefaultRetryConfig
	if cfg.MaxRetries > 0 {
		retry.MaxAttempts = cfg.MaxRetries
	}
	client, err := node.NewHTTPClient(node.Config{
		Endpoints:  cfg.Endpoints,
		Timeout:    cfg.Timeout,
		APIVersion: cfg.APIVersion,
		Retry:      retry,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to init node client: %w", err)
	}
	return client, nil
}

func newNotificationSource(cfg config.NodeConfig, client node.Client) (NotificationSource, error) {
	if cfg.WebSocketURL == "" {
		return node.NewPoller(client, cfg.PollInterval), nil
	}
	codec, err := node.NewCodec(cfg.APIVersion)
	if err != nil {
		return nil, err
	}
	return node.NewSubscriber(cfg.WebSocketURL, codec), nil
}

func backoff(cfg config.IndexingConfig) *recovery.ExponentialBackoff {
	s := recovery.DefaultBackoff(nil)
	if cfg.MaxAttempts > 0 {
		s.MaxAttempts = cfg.MaxAttempts
	}
	if cfg.RetryInitialDelay > 0 {
		s.InitialDelay = cfg.RetryInitialDelay
	}
	if cfg.RetryMaxDelay > 0 {
		s.MaxDelay = cfg.RetryMaxDelay
	}
	return s
}
