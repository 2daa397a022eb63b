package domain

import "fmt"

// Module:asset identifiers handled by the indexer.
const (
	ModuleAssetTransfer               = "2:0"
	ModuleAssetRegisterMultisignature = "4:0"
	ModuleAssetRegisterDelegate       = "5:0"
	ModuleAssetVoteDelegate           = "5:1"
)

// Transaction represents an indexed transaction
type Transaction struct {
	ID              string `json:"id"`
	Height          uint64 `json:"height"`
	ModuleAssetID   string `json:"moduleAssetId"`
	Nonce           uint64 `json:"nonce"`
	BlockID         string `json:"blockId"`
	Timestamp       int64  `json:"timestamp"`
	SenderPublicKey string `json:"senderPublicKey"`
	SenderAddress   string `json:"senderAddress"`
	RecipientID     string `json:"recipientId"`
	Amount          int64  `json:"amount"`
	Data            string `json:"data"`
	Size            int    `json:"size"`
	Fee             int64  `json:"fee"`
	MinFee          int64  `json:"minFee"`

	Asset TransactionAsset `json:"-"`
}

// TransactionAsset holds the decoded asset fields the indexer derives rows from.
type TransactionAsset struct {
	Votes              []VoteInstruction
	Username           string
	MandatoryKeys      []string
	OptionalKeys       []string
	NumberOfSignatures int
}

// VoteInstruction is a single vote or unvote inside a 5:1 transaction.
// A negative amount is an unvote.
type VoteInstruction struct {
	DelegateAddress string `json:"delegateAddress"`
	Amount          int64  `json:"amount"`
}

func (tx *Transaction) Validate() error {
	if tx == nil {
		return fmt.Errorf("%w: nil transaction", ErrMalformedBlock)
	}
	if tx.ID == "" || tx.ModuleAssetID == "" || tx.SenderPublicKey == "" {
		return fmt.Errorf("%w: transaction %q missing required fields", ErrMalformedBlock, tx.ID)
	}
	switch tx.ModuleAssetID {
	case ModuleAssetVoteDelegate:
		if len(tx.Asset.Votes) == 0 {
			return fmt.Errorf("%w: vote transaction %s has no votes", ErrMalformedBlock, tx.ID)
		}
		for _, v := range tx.Asset.Votes {
			if v.DelegateAddress == "" || v.Amount == 0 {
				return fmt.Errorf("%w: vote transaction %s has invalid vote", ErrMalformedBlock, tx.ID)
			}
		}
	case ModuleAssetRegisterDelegate:
		if tx.Asset.Username == "" {
			return fmt.Errorf("%w: delegate registration %s has no username", ErrMalformedBlock, tx.ID)
		}
	case ModuleAssetRegisterMultisignature:
		if len(tx.Asset.MandatoryKeys)+len(tx.Asset.OptionalKeys) == 0 {
			return fmt.Errorf("%w: multisignature registration %s has no keys", ErrMalformedBlock, tx.ID)
		}
	}
	return nil
}
