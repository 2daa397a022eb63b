// Package bootstrap prepares an empty or restarted index before live
// indexing starts: it resolves the chain heights and copies genesis accounts
// and registered delegates from the node, one page per transaction.
//
// Every step is resumable. Page checkpoints record how far a backfill got and
// completion flags make finished steps no-ops. Any error here is fatal to
// startup; the next start resumes from the last committed page.
package bootstrap

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/vietddude/blockindex/internal/core/domain"
	"github.com/vietddude/blockindex/internal/core/indexstate"
	"github.com/vietddude/blockindex/internal/infra/node"
	"github.com/vietddude/blockindex/internal/infra/storage"
)

const DefaultPageSize = 100

type Bootstrapper struct {
	client   node.Client
	store    storage.Store
	state    *indexstate.State
	pageSize int
	logger   *slog.Logger
}

func NewBootstrapper(client node.Client, store storage.Store, state *indexstate.State, pageSize int) *Bootstrapper {
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	return &Bootstrapper{
		client:   client,
		store:    store,
		state:    state,
		pageSize: pageSize,
		logger:   slog.Default().With("component", "bootstrap"),
	}
}

// Run resolves heights, then indexes genesis accounts and delegates.
func (b *Bootstrapper) Run(ctx context.Context) error {
	if err := b.InitHeights(ctx); err != nil {
		return err
	}
	if err := b.IndexGenesisAccounts(ctx); err != nil {
		return err
	}
	return b.IndexDelegates(ctx)
}

// InitHeights loads the genesis height (persisting it on first start) and
// seeds the index state with the node's current and finalized heights. A
// persisted finalized height wins when it is ahead of the node's.
func (b *Bootstrapper) InitHeights(ctx context.Context) error {
	status, err := b.client.GetNetworkStatus(ctx)
	if err != nil {
		return fmt.Errorf("get network status: %w", err)
	}
	cp := b.store.Checkpoints()

	genesis, ok, err := storage.GetUint(ctx, cp, domain.CheckpointGenesisHeight)
	if err != nil {
		return err
	}
	if !ok {
		genesis = status.GenesisHeight
		if err := storage.SetUint(ctx, cp, domain.CheckpointGenesisHeight, genesis); err != nil {
			return fmt.Errorf("save genesis height: %w", err)
		}
	}

	finalized, _, err := storage.GetUint(ctx, cp, domain.CheckpointFinalizedHeight)
	if err != nil {
		return err
	}

	b.state.SetGenesisHeight(genesis)
	b.state.ObserveChainHeight(status.Height)
	b.state.SetFinalizedHeight(max(finalized, status.FinalizedHeight))

	b.logger.Info("Chain heights resolved",
		"genesis", genesis,
		"current", status.Height,
		"finalized", b.state.FinalizedHeight(),
		"network", status.NetworkIdentifier,
	)
	return nil
}

type fetchPage func(ctx context.Context, offset, limit int) ([]*domain.Account, error)

// IndexGenesisAccounts copies the genesis account set.
func (b *Bootstrapper) IndexGenesisAccounts(ctx context.Context) error {
	return b.backfill(ctx, "genesis accounts",
		domain.CheckpointGenesisAccountsIndexed,
		domain.CheckpointGenesisAccountsPage,
		b.client.GetGenesisAccounts,
	)
}

// IndexDelegates copies every registered delegate.
func (b *Bootstrapper) IndexDelegates(ctx context.Context) error {
	return b.backfill(ctx, "delegates",
		domain.CheckpointDelegatesIndexed,
		domain.CheckpointDelegatesPage,
		b.client.GetDelegates,
	)
}

func (b *Bootstrapper) backfill(ctx context.Context, what, doneKey, pageKey string, fetch fetchPage) error {
	cp := b.store.Checkpoints()

	done, err := storage.GetFlag(ctx, cp, doneKey)
	if err != nil {
		return err
	}
	if done {
		b.logger.Debug("Already indexed", "what", what)
		return nil
	}

	page, _, err := storage.GetUint(ctx, cp, pageKey)
	if err != nil {
		return err
	}
	if page > 0 {
		b.logger.Info("Resuming backfill", "what", what, "page", page)
	}

	var total int
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		offset := int(page) * b.pageSize
		accounts, err := fetch(ctx, offset, b.pageSize)
		if err != nil {
			return fmt.Errorf("fetch %s at offset %d: %w", what, offset, err)
		}

		err = b.store.Atomic(ctx, func(tx storage.Tx) error {
			for _, acc := range accounts {
				if err := tx.UpsertAccountInfo(ctx, acc); err != nil {
					return fmt.Errorf("upsert account %s: %w", acc.Address, err)
				}
			}
			return nil
		})
		if err != nil {
			return fmt.Errorf("index %s page %d: %w", what, page, err)
		}
		total += len(accounts)

		if len(accounts) < b.pageSize {
			break
		}
		page++
		if err := storage.SetUint(ctx, cp, pageKey, page); err != nil {
			return fmt.Errorf("save %s page: %w", what, err)
		}
	}

	if err := storage.SetFlag(ctx, cp, doneKey); err != nil {
		return fmt.Errorf("mark %s indexed: %w", what, err)
	}
	b.logger.Info("Backfill complete", "what", what, "accounts", total)
	return nil
}
