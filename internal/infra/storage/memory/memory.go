package memory

import (
	"context"
	"maps"
	"slices"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/vietddude/blockindex/internal/core/domain"
	"github.com/vietddude/blockindex/internal/infra/storage"
)

type state struct {
	blocks          map[uint64]domain.Block
	txs             map[string]domain.Transaction
	multisignatures map[string]domain.Multisignature
	votes           map[string]domain.Vote
	aggregates      map[string]domain.VoteAggregate
	accounts        map[string]domain.Account
	kv              map[string]string
}

func newState() *state {
	return &state{
		blocks:          make(map[uint64]domain.Block),
		txs:             make(map[string]domain.Transaction),
		multisignatures: make(map[string]domain.Multisignature),
		votes:           make(map[string]domain.Vote),
		aggregates:      make(map[string]domain.VoteAggregate),
		accounts:        make(map[string]domain.Account),
		kv:              make(map[string]string),
	}
}

func (s *state) clone() *state {
	return &state{
		blocks:          maps.Clone(s.blocks),
		txs:             maps.Clone(s.txs),
		multisignatures: maps.Clone(s.multisignatures),
		votes:           maps.Clone(s.votes),
		aggregates:      maps.Clone(s.aggregates),
		accounts:        maps.Clone(s.accounts),
		kv:              maps.Clone(s.kv),
	}
}

// MemoryStorage is an in-process storage.Store. Atomic works on a copy of the
// state that replaces the live one only when the callback succeeds.
type MemoryStorage struct {
	mu sync.RWMutex
	st *state

	failedMu sync.Mutex
	failed   map[string]*domain.FailedJob
}

var _ storage.Store = (*MemoryStorage)(nil)

func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		st:     newState(),
		failed: make(map[string]*domain.FailedJob),
	}
}

func (m *MemoryStorage) Blocks() storage.BlockRepository             { return &BlockRepo{m: m} }
func (m *MemoryStorage) Transactions() storage.TransactionRepository { return &TransactionRepo{m: m} }
func (m *MemoryStorage) Accounts() storage.AccountRepository         { return &AccountRepo{m: m} }
func (m *MemoryStorage) Checkpoints() storage.CheckpointRepository   { return &CheckpointRepo{m: m} }
func (m *MemoryStorage) FailedJobs() *FailedJobRepo                  { return &FailedJobRepo{m: m} }

func (m *MemoryStorage) Ping(ctx context.Context) error { return nil }
func (m *MemoryStorage) Close() error                   { return nil }

func (m *MemoryStorage) Atomic(ctx context.Context, fn func(tx storage.Tx) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	work := m.st.clone()
	if err := fn(&Tx{st: work}); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	m.st = work
	return nil
}

func (m *MemoryStorage) read(fn func(st *state)) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	fn(m.st)
}

// -----------------------------------------------------------------------------
// Block Repository
// -----------------------------------------------------------------------------

type BlockRepo struct {
	m *MemoryStorage
}

func (r *BlockRepo) GetByHeight(ctx context.Context, height uint64) (*domain.Block, error) {
	var out *domain.Block
	r.m.read(func(st *state) {
		if b, ok := st.blocks[height]; ok {
			out = &b
		}
	})
	return out, nil
}

func (r *BlockRepo) GetLatest(ctx context.Context) (*domain.Block, error) {
	var out *domain.Block
	r.m.read(func(st *state) {
		for _, b := range st.blocks {
			if out == nil || b.Height > out.Height {
				out = &b
			}
		}
	})
	return out, nil
}

func (r *BlockRepo) Count(ctx context.Context) (uint64, error) {
	var n uint64
	r.m.read(func(st *state) { n = uint64(len(st.blocks)) })
	return n, nil
}

func (r *BlockRepo) CountInRange(ctx context.Context, from, to uint64) (uint64, error) {
	var n uint64
	r.m.read(func(st *state) {
		for h := range st.blocks {
			if h >= from && h <= to {
				n++
			}
		}
	})
	return n, nil
}

func (r *BlockRepo) MaxHeightInRange(ctx context.Context, from, to uint64) (uint64, bool, error) {
	var (
		highest uint64
		found   bool
	)
	r.m.read(func(st *state) {
		for h := range st.blocks {
			if h >= from && h <= to && (!found || h > highest) {
				highest, found = h, true
			}
		}
	})
	return highest, found, nil
}

func (r *BlockRepo) FindGaps(ctx context.Context, from, to uint64) ([]domain.HeightRange, error) {
	var heights []uint64
	r.m.read(func(st *state) {
		for h := range st.blocks {
			if h >= from && h <= to {
				heights = append(heights, h)
			}
		}
	})
	slices.Sort(heights)

	var gaps []domain.HeightRange
	for i, h := range heights {
		switch {
		case i == 0 && h > from:
			gaps = append(gaps, domain.HeightRange{From: from, To: h - 1})
		case i > 0 && heights[i-1] != h-1:
			gaps = append(gaps, domain.HeightRange{From: heights[i-1] + 1, To: h - 1})
		}
	}
	return gaps, nil
}

func (r *BlockRepo) GetNonFinalHeights(ctx context.Context, upTo uint64) ([]uint64, error) {
	var out []uint64
	r.m.read(func(st *state) {
		for h, b := range st.blocks {
			if !b.IsFinal && h <= upTo {
				out = append(out, h)
			}
		}
	})
	slices.Sort(out)
	return out, nil
}

func (r *BlockRepo) MarkFinal(ctx context.Context, upTo uint64) (int64, error) {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	var n int64
	for h, b := range r.m.st.blocks {
		if !b.IsFinal && h <= upTo {
			b.IsFinal = true
			r.m.st.blocks[h] = b
			n++
		}
	}
	return n, nil
}

// -----------------------------------------------------------------------------
// Transaction Repository
// -----------------------------------------------------------------------------

type TransactionRepo struct {
	m *MemoryStorage
}

func (r *TransactionRepo) GetByID(ctx context.Context, id string) (*domain.Transaction, error) {
	var out *domain.Transaction
	r.m.read(func(st *state) {
		if tx, ok := st.txs[id]; ok {
			out = &tx
		}
	})
	return out, nil
}

func (r *TransactionRepo) GetByHeight(ctx context.Context, height uint64) ([]*domain.Transaction, error) {
	var out []*domain.Transaction
	r.m.read(func(st *state) {
		for _, tx := range st.txs {
			if tx.Height == height {
				out = append(out, &tx)
			}
		}
	})
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (r *TransactionRepo) GetVotesByTransactionID(ctx context.Context, id string) ([]*domain.Vote, error) {
	var out []*domain.Vote
	r.m.read(func(st *state) {
		for _, v := range st.votes {
			if v.ID == id {
				out = append(out, &v)
			}
		}
	})
	sort.Slice(out, func(i, j int) bool { return out[i].ReceivedAddress < out[j].ReceivedAddress })
	return out, nil
}

func (r *TransactionRepo) GetMultisignaturesByTransactionID(
	ctx context.Context,
	id string,
) ([]*domain.Multisignature, error) {
	var out []*domain.Multisignature
	r.m.read(func(st *state) {
		for _, ms := range st.multisignatures {
			if ms.TransactionID == id {
				out = append(out, &ms)
			}
		}
	})
	sort.Slice(out, func(i, j int) bool { return out[i].MemberAddress < out[j].MemberAddress })
	return out, nil
}

// -----------------------------------------------------------------------------
// Account Repository
// -----------------------------------------------------------------------------

type AccountRepo struct {
	m *MemoryStorage
}

func (r *AccountRepo) GetByAddress(ctx context.Context, address string) (*domain.Account, error) {
	var out *domain.Account
	r.m.read(func(st *state) {
		if a, ok := st.accounts[address]; ok {
			out = &a
		}
	})
	return out, nil
}

func (r *AccountRepo) GetVoteAggregate(
	ctx context.Context,
	sentAddress, receivedAddress string,
) (*domain.VoteAggregate, error) {
	var out *domain.VoteAggregate
	r.m.read(func(st *state) {
		if agg, ok := st.aggregates[domain.VoteAggregateID(sentAddress, receivedAddress)]; ok {
			out = &agg
		}
	})
	return out, nil
}

// -----------------------------------------------------------------------------
// Checkpoint Repository
// -----------------------------------------------------------------------------

type CheckpointRepo struct {
	m *MemoryStorage
}

func (r *CheckpointRepo) Get(ctx context.Context, key string) (string, bool, error) {
	var (
		value string
		ok    bool
	)
	r.m.read(func(st *state) { value, ok = st.kv[key] })
	return value, ok, nil
}

func (r *CheckpointRepo) Set(ctx context.Context, key, value string) error {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	r.m.st.kv[key] = value
	return nil
}

func (r *CheckpointRepo) Advance(ctx context.Context, key string, value uint64) error {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	if current, ok := r.m.st.kv[key]; ok {
		if n, err := strconv.ParseUint(current, 10, 64); err == nil && n >= value {
			return nil
		}
	}
	r.m.st.kv[key] = strconv.FormatUint(value, 10)
	return nil
}

// -----------------------------------------------------------------------------
// Failed Job Repository
// -----------------------------------------------------------------------------

type FailedJobRepo struct {
	m *MemoryStorage
}

var _ storage.FailedJobRepository = (*FailedJobRepo)(nil)

func (r *FailedJobRepo) Add(ctx context.Context, job *domain.FailedJob) error {
	r.m.failedMu.Lock()
	defer r.m.failedMu.Unlock()
	if job.ID == "" {
		job.ID = uuid.New().String()
	}
	if job.Status == "" {
		job.Status = domain.FailedJobStatusPending
	}
	cp := *job
	r.m.failed[job.ID] = &cp
	return nil
}

func (r *FailedJobRepo) pending() []*domain.FailedJob {
	var out []*domain.FailedJob
	for _, job := range r.m.failed {
		if job.Status == domain.FailedJobStatusPending {
			cp := *job
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].RetryCount != out[j].RetryCount {
			return out[i].RetryCount < out[j].RetryCount
		}
		return out[i].Height < out[j].Height
	})
	return out
}

func (r *FailedJobRepo) GetNext(ctx context.Context) (*domain.FailedJob, error) {
	r.m.failedMu.Lock()
	defer r.m.failedMu.Unlock()
	jobs := r.pending()
	if len(jobs) == 0 {
		return nil, nil
	}
	return jobs[0], nil
}

func (r *FailedJobRepo) IncrementRetry(ctx context.Context, id string) error {
	r.m.failedMu.Lock()
	defer r.m.failedMu.Unlock()
	job, ok := r.m.failed[id]
	if !ok {
		return storage.ErrFailedJobNotFound
	}
	job.RetryCount++
	job.LastAttempt = time.Now().Unix()
	return nil
}

func (r *FailedJobRepo) MarkResolved(ctx context.Context, id string) error {
	r.m.failedMu.Lock()
	defer r.m.failedMu.Unlock()
	delete(r.m.failed, id)
	return nil
}

func (r *FailedJobRepo) GetAll(ctx context.Context) ([]*domain.FailedJob, error) {
	r.m.failedMu.Lock()
	defer r.m.failedMu.Unlock()
	return r.pending(), nil
}

func (r *FailedJobRepo) Count(ctx context.Context) (int, error) {
	r.m.failedMu.Lock()
	defer r.m.failedMu.Unlock()
	return len(r.pending()), nil
}
