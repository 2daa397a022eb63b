package node

import (
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/vietddude/blockindex/internal/core/domain"
)

// envelope is the gateway response wrapper.
type envelope struct {
	Data  json.RawMessage `json:"data"`
	Error *apiError       `json:"error,omitempty"`
}

type apiError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *apiError) Error() string {
	return fmt.Sprintf("node error %d: %s", e.Code, e.Message)
}

type networkStatusDTO struct {
	Height            uint64 `json:"height"`
	FinalizedHeight   uint64 `json:"finalizedHeight"`
	GenesisHeight     uint64 `json:"genesisHeight"`
	NetworkIdentifier string `json:"networkIdentifier"`
	Version           string `json:"version"`
}

type blockDTO struct {
	ID                   string           `json:"id"`
	Height               uint64           `json:"height"`
	Timestamp            int64            `json:"timestamp"`
	GeneratorPublicKey   string           `json:"generatorPublicKey"`
	GeneratorAddress     string           `json:"generatorAddress"`
	Size                 int              `json:"size"`
	Reward               string           `json:"reward"`
	TotalFee             string           `json:"totalFee"`
	NumberOfTransactions int              `json:"numberOfTransactions"`
	IsFinal              bool             `json:"isFinal"`
	Payload              []transactionDTO `json:"payload"`
}

type transactionDTO struct {
	ID              string   `json:"id"`
	ModuleAssetID   string   `json:"moduleAssetId,omitempty"`
	Type            *int     `json:"type,omitempty"`
	Nonce           string   `json:"nonce"`
	Fee             string   `json:"fee"`
	MinFee          string   `json:"minFee"`
	SenderPublicKey string   `json:"senderPublicKey"`
	Size            int      `json:"size"`
	Asset           assetDTO `json:"asset"`
}

type assetDTO struct {
	RecipientAddress   string    `json:"recipientAddress"`
	Amount             string    `json:"amount"`
	Data               string    `json:"data"`
	Votes              []voteDTO `json:"votes"`
	Username           string    `json:"username"`
	MandatoryKeys      []string  `json:"mandatoryKeys"`
	OptionalKeys       []string  `json:"optionalKeys"`
	NumberOfSignatures int       `json:"numberOfSignatures"`
}

type voteDTO struct {
	DelegateAddress string `json:"delegateAddress"`
	Amount          string `json:"amount"`
}

type accountDTO struct {
	Address    string `json:"address"`
	PublicKey  string `json:"publicKey"`
	Balance    string `json:"balance"`
	IsDelegate bool   `json:"isDelegate"`
	Username   string `json:"username"`
}

type notificationDTO struct {
	Event string `json:"event"`
	Data  struct {
		Block   blockDTO `json:"block"`
		IsFinal bool     `json:"isFinal"`
	} `json:"data"`
}

// parseAmount parses a decimal string amount. Empty means zero.
func parseAmount(field, s string) (int64, error) {
	if s == "" {
		return 0, nil
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %s %q: %v", domain.ErrMalformedBlock, field, s, err)
	}
	return n, nil
}

func parseNonce(s string) (uint64, error) {
	if s == "" {
		return 0, nil
	}
	n, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: nonce %q: %v", domain.ErrMalformedBlock, s, err)
	}
	return n, nil
}

func (d *networkStatusDTO) toDomain() *domain.NetworkStatus {
	return &domain.NetworkStatus{
		Height:            d.Height,
		FinalizedHeight:   d.FinalizedHeight,
		GenesisHeight:     d.GenesisHeight,
		NetworkIdentifier: d.NetworkIdentifier,
		Version:           d.Version,
	}
}

// toDomain converts a block and its payload. moduleAssetID resolves the
// module:asset id of a transaction for the codec's API version.
func (d *blockDTO) toDomain(moduleAssetID func(*transactionDTO) (string, error)) (*domain.Block, error) {
	reward, err := parseAmount("reward", d.Reward)
	if err != nil {
		return nil, err
	}
	totalFee, err := parseAmount("totalFee", d.TotalFee)
	if err != nil {
		return nil, err
	}

	generatorAddress := d.GeneratorAddress
	if generatorAddress == "" && d.GeneratorPublicKey != "" {
		if generatorAddress, err = domain.AddressFromPublicKey(d.GeneratorPublicKey); err != nil {
			return nil, err
		}
	}

	block := &domain.Block{
		Height:               d.Height,
		ID:                   d.ID,
		Timestamp:            d.Timestamp,
		GeneratorPublicKey:   d.GeneratorPublicKey,
		GeneratorAddress:     generatorAddress,
		Size:                 d.Size,
		Reward:               reward,
		TotalFee:             totalFee,
		NumberOfTransactions: d.NumberOfTransactions,
		IsFinal:              d.IsFinal,
		Transactions:         make([]*domain.Transaction, 0, len(d.Payload)),
	}
	if block.NumberOfTransactions == 0 {
		block.NumberOfTransactions = len(d.Payload)
	}

	for i := range d.Payload {
		tx, err := d.Payload[i].toDomain(block, moduleAssetID)
		if err != nil {
			return nil, err
		}
		block.Transactions = append(block.Transactions, tx)
	}
	return block, nil
}

func (d *transactionDTO) toDomain(
	block *domain.Block,
	moduleAssetID func(*transactionDTO) (string, error),
) (*domain.Transaction, error) {
	maID, err := moduleAssetID(d)
	if err != nil {
		return nil, err
	}
	nonce, err := parseNonce(d.Nonce)
	if err != nil {
		return nil, err
	}
	fee, err := parseAmount("fee", d.Fee)
	if err != nil {
		return nil, err
	}
	minFee, err := parseAmount("minFee", d.MinFee)
	if err != nil {
		return nil, err
	}
	amount, err := parseAmount("amount", d.Asset.Amount)
	if err != nil {
		return nil, err
	}

	tx := &domain.Transaction{
		ID:              d.ID,
		Height:          block.Height,
		ModuleAssetID:   maID,
		Nonce:           nonce,
		BlockID:         block.ID,
		Timestamp:       block.Timestamp,
		SenderPublicKey: d.SenderPublicKey,
		RecipientID:     d.Asset.RecipientAddress,
		Amount:          amount,
		Data:            d.Asset.Data,
		Size:            d.Size,
		Fee:             fee,
		MinFee:          minFee,
		Asset: domain.TransactionAsset{
			Username:           d.Asset.Username,
			MandatoryKeys:      d.Asset.MandatoryKeys,
			OptionalKeys:       d.Asset.OptionalKeys,
			NumberOfSignatures: d.Asset.NumberOfSignatures,
		},
	}
	if d.SenderPublicKey != "" {
		if tx.SenderAddress, err = domain.AddressFromPublicKey(d.SenderPublicKey); err != nil {
			return nil, err
		}
	}

	for _, v := range d.Asset.Votes {
		voteAmount, err := parseAmount("vote amount", v.Amount)
		if err != nil {
			return nil, err
		}
		tx.Asset.Votes = append(tx.Asset.Votes, domain.VoteInstruction{
			DelegateAddress: v.DelegateAddress,
			Amount:          voteAmount,
		})
	}
	return tx, nil
}

func (d *accountDTO) toDomain() (*domain.Account, error) {
	balance, err := parseAmount("balance", d.Balance)
	if err != nil {
		return nil, err
	}
	address := d.Address
	if address == "" && d.PublicKey != "" {
		if address, err = domain.AddressFromPublicKey(d.PublicKey); err != nil {
			return nil, err
		}
	}
	if address == "" {
		return nil, fmt.Errorf("%w: account without address", domain.ErrMalformedBlock)
	}
	return &domain.Account{
		Address:    address,
		PublicKey:  d.PublicKey,
		IsDelegate: d.IsDelegate || d.Username != "",
		Balance:    balance,
		Username:   d.Username,
	}, nil
}
