package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// Account is the denormalized account row.
type Account struct {
	Address            string `json:"address"`
	PublicKey          string `json:"publicKey"`
	IsDelegate         bool   `json:"isDelegate"`
	Balance            int64  `json:"balance"`
	Username           string `json:"username"`
	Rewards            int64  `json:"rewards"`
	ProducedBlocks     int64  `json:"producedBlocks"`
	TotalVotesReceived int64  `json:"totalVotesReceived"`
}

// AccountDelta is an increment applied to the running counters of an account.
// Negative values revert earlier increments.
type AccountDelta struct {
	Address            string
	PublicKey          string
	ProducedBlocks     int64
	Rewards            int64
	TotalVotesReceived int64
}

func (d AccountDelta) IsZero() bool {
	return d.ProducedBlocks == 0 && d.Rewards == 0 && d.TotalVotesReceived == 0 && d.PublicKey == ""
}

// Add merges other into d. Both must target the same address.
func (d AccountDelta) Add(other AccountDelta) AccountDelta {
	d.ProducedBlocks += other.ProducedBlocks
	d.Rewards += other.Rewards
	d.TotalVotesReceived += other.TotalVotesReceived
	if other.PublicKey != "" {
		d.PublicKey = other.PublicKey
	}
	return d
}

// Negate returns the delta that reverts d. The public key is kept as is.
func (d AccountDelta) Negate() AccountDelta {
	return AccountDelta{
		Address:            d.Address,
		ProducedBlocks:     -d.ProducedBlocks,
		Rewards:            -d.Rewards,
		TotalVotesReceived: -d.TotalVotesReceived,
	}
}

// AddressFromPublicKey returns the hex address of a public key: the first
// 20 bytes of its SHA-256 digest.
func AddressFromPublicKey(publicKey string) (string, error) {
	raw, err := hex.DecodeString(publicKey)
	if err != nil {
		return "", fmt.Errorf("%w: invalid public key: %v", ErrMalformedBlock, err)
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:20]), nil
}
