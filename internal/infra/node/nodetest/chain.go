// Package nodetest provides a deterministic in-memory node for tests.
package nodetest

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/vietddude/blockindex/internal/core/domain"
	"github.com/vietddude/blockindex/internal/infra/node"
)

// Reward paid to the generator of every fake block.
const Reward int64 = 500

// GeneratorKeys are the public keys that take turns producing blocks.
var GeneratorKeys = []string{
	fmt.Sprintf("%064x", 0xa1),
	fmt.Sprintf("%064x", 0xa2),
	fmt.Sprintf("%064x", 0xa3),
}

// VoterKey signs every vote transaction of the fake chain.
var VoterKey = fmt.Sprintf("%064x", 0xb1)

// Chain is a fake node. Blocks get deterministic ids that change on Fork.
// Even heights carry a vote from VoterKey to the block generator.
type Chain struct {
	mu sync.Mutex

	genesisHeight uint64
	blocks        map[uint64]*domain.Block
	finalized     uint64
	forks         int

	genesisAccounts []*domain.Account
	delegates       []*domain.Account

	failures    map[uint64]error
	statusErr   error
	blockCalls  map[uint64]int
	statusCalls int
}

var _ node.Client = (*Chain)(nil)

func NewChain(genesisHeight uint64) *Chain {
	return &Chain{
		genesisHeight: genesisHeight,
		blocks:        make(map[uint64]*domain.Block),
		failures:      make(map[uint64]error),
		blockCalls:    make(map[uint64]int),
	}
}

// MustAddress returns the address of a public key and panics on bad input.
func MustAddress(publicKey string) string {
	addr, err := domain.AddressFromPublicKey(publicKey)
	if err != nil {
		panic(err)
	}
	return addr
}

// Extend appends n blocks on top of the current tip and returns them.
func (c *Chain) Extend(n int) []*domain.Block {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]*domain.Block, 0, n)
	next := c.tipLocked() + 1
	if len(c.blocks) == 0 {
		next = c.genesisHeight
	}
	for i := 0; i < n; i++ {
		b := c.makeBlock(next)
		c.blocks[next] = b
		out = append(out, clone(b))
		next++
	}
	return out
}

// Fork replaces every block at or above from with a block of a new id.
func (c *Chain) Fork(from uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.forks++
	for h := range c.blocks {
		if h >= from {
			c.blocks[h] = c.makeBlock(h)
		}
	}
}

// Truncate removes every block at or above from and returns them, ascending.
func (c *Chain) Truncate(from uint64) []*domain.Block {
	c.mu.Lock()
	defer c.mu.Unlock()

	var out []*domain.Block
	for h, b := range c.blocks {
		if h >= from {
			out = append(out, clone(b))
			delete(c.blocks, h)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Height < out[j].Height })
	return out
}

// SetBlock installs a hand-built block. Its transactions are stamped with the
// block id and height.
func (c *Chain) SetBlock(b *domain.Block) {
	c.mu.Lock()
	defer c.mu.Unlock()

	b = clone(b)
	for _, tx := range b.Transactions {
		tx.BlockID = b.ID
		tx.Height = b.Height
		tx.Timestamp = b.Timestamp
	}
	b.NumberOfTransactions = len(b.Transactions)
	c.blocks[b.Height] = b
}

func (c *Chain) SetFinalized(height uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.finalized = height
}

// FailHeight makes GetBlockByHeight fail for height until cleared with a nil error.
func (c *Chain) FailHeight(height uint64, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err == nil {
		delete(c.failures, height)
		return
	}
	c.failures[height] = err
}

// FailStatus makes GetNetworkStatus fail until cleared with a nil error.
func (c *Chain) FailStatus(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.statusErr = err
}

func (c *Chain) SetGenesisAccounts(accounts []*domain.Account) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.genesisAccounts = accounts
}

func (c *Chain) SetDelegates(accounts []*domain.Account) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.delegates = accounts
}

// Block returns a copy of the canonical block at height, or nil.
func (c *Chain) Block(height uint64) *domain.Block {
	c.mu.Lock()
	defer c.mu.Unlock()
	if b, ok := c.blocks[height]; ok {
		return clone(b)
	}
	return nil
}

// Blocks returns copies of every canonical block, ascending.
func (c *Chain) Blocks() []*domain.Block {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*domain.Block, 0, len(c.blocks))
	for _, b := range c.blocks {
		out = append(out, clone(b))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Height < out[j].Height })
	return out
}

func (c *Chain) Height() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.tipLocked()
}

// BlockCalls returns how many times GetBlockByHeight was called for height.
func (c *Chain) BlockCalls(height uint64) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.blockCalls[height]
}

func (c *Chain) StatusCalls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.statusCalls
}

func (c *Chain) GetNetworkStatus(ctx context.Context) (*domain.NetworkStatus, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.statusCalls++
	if c.statusErr != nil {
		return nil, c.statusErr
	}
	return &domain.NetworkStatus{
		Height:            c.tipLocked(),
		FinalizedHeight:   c.finalized,
		GenesisHeight:     c.genesisHeight,
		NetworkIdentifier: "nodetest",
		Version:           "v3",
	}, nil
}

func (c *Chain) GetBlockByHeight(ctx context.Context, height uint64) (*domain.Block, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.blockCalls[height]++
	if err := c.failures[height]; err != nil {
		return nil, err
	}
	b, ok := c.blocks[height]
	if !ok {
		return nil, fmt.Errorf("height %d: %w", height, node.ErrBlockNotFound)
	}
	return clone(b), nil
}

func (c *Chain) GetBlocksByHeightBetween(ctx context.Context, from, to uint64) ([]*domain.Block, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []*domain.Block
	for h := from; h <= to; h++ {
		if b, ok := c.blocks[h]; ok {
			out = append(out, clone(b))
		}
	}
	return out, nil
}

func (c *Chain) GetGenesisAccounts(ctx context.Context, offset, limit int) ([]*domain.Account, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return page(c.genesisAccounts, offset, limit), nil
}

func (c *Chain) GetDelegates(ctx context.Context, offset, limit int) ([]*domain.Account, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return page(c.delegates, offset, limit), nil
}

func (c *Chain) tipLocked() uint64 {
	var tip uint64
	for h := range c.blocks {
		if h > tip {
			tip = h
		}
	}
	return tip
}

func (c *Chain) makeBlock(height uint64) *domain.Block {
	genKey := GeneratorKeys[int(height)%len(GeneratorKeys)]
	genAddr := MustAddress(genKey)
	id := fmt.Sprintf("block-%d-f%d", height, c.forks)

	b := &domain.Block{
		Height:             height,
		ID:                 id,
		Timestamp:          int64(1_600_000_000 + height*10),
		GeneratorPublicKey: genKey,
		GeneratorAddress:   genAddr,
		Size:               128,
		Reward:             Reward,
	}

	if height%2 == 0 {
		b.Transactions = append(b.Transactions, &domain.Transaction{
			ID:              fmt.Sprintf("vote-%s", id),
			Height:          height,
			ModuleAssetID:   domain.ModuleAssetVoteDelegate,
			Nonce:           height,
			BlockID:         id,
			Timestamp:       b.Timestamp,
			SenderPublicKey: VoterKey,
			SenderAddress:   MustAddress(VoterKey),
			Size:            100,
			Fee:             10,
			MinFee:          5,
			Asset: domain.TransactionAsset{
				Votes: []domain.VoteInstruction{
					{DelegateAddress: genAddr, Amount: int64(height)*10 + int64(c.forks)},
				},
			},
		})
		b.TotalFee = 10
	}
	b.NumberOfTransactions = len(b.Transactions)
	return b
}

func clone(b *domain.Block) *domain.Block {
	cp := *b
	cp.Transactions = make([]*domain.Transaction, 0, len(b.Transactions))
	for _, tx := range b.Transactions {
		txc := *tx
		txc.Asset.Votes = append([]domain.VoteInstruction(nil), tx.Asset.Votes...)
		txc.Asset.MandatoryKeys = append([]string(nil), tx.Asset.MandatoryKeys...)
		txc.Asset.OptionalKeys = append([]string(nil), tx.Asset.OptionalKeys...)
		cp.Transactions = append(cp.Transactions, &txc)
	}
	return &cp
}

func page(accounts []*domain.Account, offset, limit int) []*domain.Account {
	if offset >= len(accounts) {
		return nil
	}
	end := offset + limit
	if end > len(accounts) {
		end = len(accounts)
	}
	out := make([]*domain.Account, 0, end-offset)
	for _, a := range accounts[offset:end] {
		cp := *a
		out = append(out, &cp)
	}
	return out
}
