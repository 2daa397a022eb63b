package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrMalformedBlock is returned when a node payload fails basic shape validation.
	ErrMalformedBlock = errors.New("malformed block")

	// ErrForkBelowFinality is returned when a fork touches a finalized height.
	// Such forks are never rolled back automatically.
	ErrForkBelowFinality = errors.New("fork at or below finalized height")
)

// Block represents an indexed block
type Block struct {
	Height               uint64 `json:"height"`
	ID                   string `json:"id"`
	Timestamp            int64  `json:"timestamp"`
	GeneratorPublicKey   string `json:"generatorPublicKey"`
	GeneratorAddress     string `json:"generatorAddress"`
	Size                 int    `json:"size"`
	Reward               int64  `json:"reward"`
	TotalFee             int64  `json:"totalFee"`
	NumberOfTransactions int    `json:"numberOfTransactions"`
	IsFinal              bool   `json:"isFinal"`

	// Transactions is the payload fetched from the node. It is not persisted
	// as part of the block row.
	Transactions []*Transaction `json:"-"`
}

// Validate checks the fields the index relies on.
func (b *Block) Validate() error {
	if b == nil {
		return fmt.Errorf("%w: nil block", ErrMalformedBlock)
	}
	if b.ID == "" {
		return fmt.Errorf("%w: empty id at height %d", ErrMalformedBlock, b.Height)
	}
	if b.GeneratorPublicKey == "" || b.GeneratorAddress == "" {
		return fmt.Errorf("%w: block %s has no generator", ErrMalformedBlock, b.ID)
	}
	if b.Reward < 0 || b.TotalFee < 0 {
		return fmt.Errorf("%w: block %s has negative reward or fee", ErrMalformedBlock, b.ID)
	}
	for _, tx := range b.Transactions {
		if err := tx.Validate(); err != nil {
			return err
		}
		if tx.BlockID != b.ID || tx.Height != b.Height {
			return fmt.Errorf(
				"%w: transaction %s does not belong to block %s",
				ErrMalformedBlock, tx.ID, b.ID,
			)
		}
	}
	return nil
}
