package storage

import (
	"context"
	"errors"

	"github.com/vietddude/blockindex/internal/core/domain"
)

var (
	// ErrTransient marks store errors that are safe to retry (deadlock, lock
	// timeout, serialization failure).
	ErrTransient = errors.New("transient store error")

	// ErrFailedJobNotFound is returned when a failed job id is unknown
	ErrFailedJobNotFound = errors.New("failed job not found")
)

// BlockRepository handles read-side block queries and finality updates.
// Getters return (nil, nil) when the row does not exist.
type BlockRepository interface {
	// GetByHeight retrieves the block indexed at height
	GetByHeight(ctx context.Context, height uint64) (*domain.Block, error)

	// GetLatest retrieves the highest indexed block
	GetLatest(ctx context.Context) (*domain.Block, error)

	// Count returns the number of indexed blocks
	Count(ctx context.Context) (uint64, error)

	// CountInRange returns the number of indexed blocks in [from, to]
	CountInRange(ctx context.Context, from, to uint64) (uint64, error)

	// MaxHeightInRange returns the highest indexed height in [from, to].
	// ok is false when the range holds no block.
	MaxHeightInRange(ctx context.Context, from, to uint64) (height uint64, ok bool, err error)

	// FindGaps runs the predecessor-existence query: for every indexed height h
	// in (from, to] whose predecessor is missing, it returns the range between
	// the nearest lower indexed height (or from) and h-1.
	FindGaps(ctx context.Context, from, to uint64) ([]domain.HeightRange, error)

	// GetNonFinalHeights returns indexed heights <= upTo that are not final, ascending
	GetNonFinalHeights(ctx context.Context, upTo uint64) ([]uint64, error)

	// MarkFinal flags every non-final block <= upTo as final
	MarkFinal(ctx context.Context, upTo uint64) (int64, error)
}

// TransactionRepository handles read-side transaction queries.
type TransactionRepository interface {
	// GetByID retrieves a transaction by id
	GetByID(ctx context.Context, id string) (*domain.Transaction, error)

	// GetByHeight retrieves the transactions of the block at height
	GetByHeight(ctx context.Context, height uint64) ([]*domain.Transaction, error)

	// GetVotesByTransactionID retrieves the votes derived from a transaction
	GetVotesByTransactionID(ctx context.Context, id string) ([]*domain.Vote, error)

	// GetMultisignaturesByTransactionID retrieves multisignature members registered by a transaction
	GetMultisignaturesByTransactionID(ctx context.Context, id string) ([]*domain.Multisignature, error)
}

// AccountRepository handles read-side account and aggregate queries.
type AccountRepository interface {
	// GetByAddress retrieves an account
	GetByAddress(ctx context.Context, address string) (*domain.Account, error)

	// GetVoteAggregate retrieves the running vote total between two accounts
	GetVoteAggregate(ctx context.Context, sentAddress, receivedAddress string) (*domain.VoteAggregate, error)
}

// CheckpointRepository is the key-value checkpoint store.
type CheckpointRepository interface {
	// Get returns the value of key. ok is false when the key is unset.
	Get(ctx context.Context, key string) (value string, ok bool, err error)

	// Set stores value under key unconditionally
	Set(ctx context.Context, key, value string) error

	// Advance stores a numeric value under key only when it is greater than the
	// stored one. Watermarks use it so they never regress.
	Advance(ctx context.Context, key string, value uint64) error
}

// FailedJobRepository is the ledger of jobs that exhausted their retries.
type FailedJobRepository interface {
	// Add records a failed job
	Add(ctx context.Context, job *domain.FailedJob) error

	// GetNext retrieves the pending job with the fewest retries
	GetNext(ctx context.Context) (*domain.FailedJob, error)

	// IncrementRetry increments the retry count of a job
	IncrementRetry(ctx context.Context, id string) error

	// MarkResolved removes a job from the ledger
	MarkResolved(ctx context.Context, id string) error

	// GetAll retrieves every pending job
	GetAll(ctx context.Context) ([]*domain.FailedJob, error)

	// Count returns the number of pending jobs
	Count(ctx context.Context) (int, error)
}

// Tx is the write side of the index. All methods run inside one database
// transaction opened by Store.Atomic.
type Tx interface {
	// InsertBlock inserts the block row when the height is free. It reports
	// false, without writing, when a block already exists at that height.
	InsertBlock(ctx context.Context, block *domain.Block) (bool, error)

	// GetBlockForUpdate reads and locks the block at height
	GetBlockForUpdate(ctx context.Context, height uint64) (*domain.Block, error)

	// RefreshBlock updates a block with the same id in place. isFinal only
	// moves from false to true.
	RefreshBlock(ctx context.Context, block *domain.Block) error

	UpsertTransactions(ctx context.Context, txs []*domain.Transaction) error
	UpsertMultisignatures(ctx context.Context, rows []*domain.Multisignature) error
	UpsertVotes(ctx context.Context, votes []*domain.Vote) error

	// ApplyVoteAggregate adds agg.Amount to the running total, creating the row if needed
	ApplyVoteAggregate(ctx context.Context, agg *domain.VoteAggregate) error

	// ApplyAccountDelta adds the delta to the account counters, creating the row if needed
	ApplyAccountDelta(ctx context.Context, delta domain.AccountDelta) error

	// UpsertAccountInfo stores the descriptive fields of an account (public
	// key, delegate flag, username, balance) and leaves counters untouched.
	UpsertAccountInfo(ctx context.Context, account *domain.Account) error

	// GetBlocksInRange returns the blocks in [from, to], locked for update
	GetBlocksInRange(ctx context.Context, from, to uint64) ([]*domain.Block, error)

	// GetTransactionIDsInRange returns ids of transactions with height in [from, to]
	GetTransactionIDsInRange(ctx context.Context, from, to uint64) ([]string, error)

	GetVotesByTransactionIDs(ctx context.Context, ids []string) ([]*domain.Vote, error)

	DeleteVotesByTransactionIDs(ctx context.Context, ids []string) error
	DeleteMultisignaturesByTransactionIDs(ctx context.Context, ids []string) error
	DeleteTransactionsByIDs(ctx context.Context, ids []string) error
	DeleteBlocksInRange(ctx context.Context, from, to uint64) error
}

// Store is the Index Store.
type Store interface {
	Blocks() BlockRepository
	Transactions() TransactionRepository
	Accounts() AccountRepository
	Checkpoints() CheckpointRepository

	// Atomic runs fn inside a single transaction. The transaction is committed
	// when fn returns nil and rolled back otherwise.
	Atomic(ctx context.Context, fn func(tx Tx) error) error

	Ping(ctx context.Context) error
	Close() error
}
