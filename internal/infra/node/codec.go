package node

import (
	"encoding/json"
	"fmt"

	"github.com/vietddude/blockindex/internal/core/domain"
)

// Codec decodes gateway payloads for one API version. It is chosen once at
// construction.
type Codec interface {
	Version() string
	DecodeNetworkStatus(data json.RawMessage) (*domain.NetworkStatus, error)
	DecodeBlocks(data json.RawMessage) ([]*domain.Block, error)
	DecodeAccounts(data json.RawMessage) ([]*domain.Account, error)
	DecodeNotification(msg []byte) (*Notification, error)
}

// NewCodec returns the codec for an API version. Empty selects v3.
func NewCodec(version string) (Codec, error) {
	switch version {
	case "", "v3":
		return &codec{version: "v3", moduleAssetID: moduleAssetIDV3}, nil
	case "v2":
		return &codec{version: "v2", moduleAssetID: moduleAssetIDV2}, nil
	default:
		return nil, fmt.Errorf("unsupported node api version %q", version)
	}
}

// v3 gateways send the module:asset id as a string.
func moduleAssetIDV3(tx *transactionDTO) (string, error) {
	if tx.ModuleAssetID == "" {
		return "", fmt.Errorf("%w: transaction %s has no moduleAssetId", domain.ErrMalformedBlock, tx.ID)
	}
	return tx.ModuleAssetID, nil
}

// v2 gateways send a numeric transaction type.
var legacyTransactionTypes = map[int]string{
	8:  domain.ModuleAssetTransfer,
	10: domain.ModuleAssetRegisterDelegate,
	11: domain.ModuleAssetVoteDelegate,
	12: domain.ModuleAssetRegisterMultisignature,
}

func moduleAssetIDV2(tx *transactionDTO) (string, error) {
	if tx.Type == nil {
		return moduleAssetIDV3(tx)
	}
	id, ok := legacyTransactionTypes[*tx.Type]
	if !ok {
		return "", fmt.Errorf("%w: transaction %s has unknown type %d", domain.ErrMalformedBlock, tx.ID, *tx.Type)
	}
	return id, nil
}

type codec struct {
	version       string
	moduleAssetID func(*transactionDTO) (string, error)
}

func (c *codec) Version() string { return c.version }

func (c *codec) DecodeNetworkStatus(data json.RawMessage) (*domain.NetworkStatus, error) {
	var dto networkStatusDTO
	if err := json.Unmarshal(data, &dto); err != nil {
		return nil, fmt.Errorf("decode network status: %w", err)
	}
	return dto.toDomain(), nil
}

// DecodeBlocks accepts either a single block object or an array of blocks.
func (c *codec) DecodeBlocks(data json.RawMessage) ([]*domain.Block, error) {
	var dtos []blockDTO
	if len(data) > 0 && data[0] == '{' {
		var one blockDTO
		if err := json.Unmarshal(data, &one); err != nil {
			return nil, fmt.Errorf("%w: decode block: %v", domain.ErrMalformedBlock, err)
		}
		dtos = []blockDTO{one}
	} else if err := json.Unmarshal(data, &dtos); err != nil {
		return nil, fmt.Errorf("%w: decode blocks: %v", domain.ErrMalformedBlock, err)
	}

	blocks := make([]*domain.Block, 0, len(dtos))
	for i := range dtos {
		b, err := dtos[i].toDomain(c.moduleAssetID)
		if err != nil {
			return nil, err
		}
		blocks = append(blocks, b)
	}
	return blocks, nil
}

func (c *codec) DecodeAccounts(data json.RawMessage) ([]*domain.Account, error) {
	var dtos []accountDTO
	if err := json.Unmarshal(data, &dtos); err != nil {
		return nil, fmt.Errorf("decode accounts: %w", err)
	}
	accounts := make([]*domain.Account, 0, len(dtos))
	for i := range dtos {
		a, err := dtos[i].toDomain()
		if err != nil {
			return nil, err
		}
		accounts = append(accounts, a)
	}
	return accounts, nil
}

func (c *codec) DecodeNotification(msg []byte) (*Notification, error) {
	var dto notificationDTO
	if err := json.Unmarshal(msg, &dto); err != nil {
		return nil, fmt.Errorf("decode notification: %w", err)
	}

	var kind NotificationKind
	switch dto.Event {
	case NotificationNewBlock.String():
		kind = NotificationNewBlock
	case NotificationDeleteBlock.String():
		kind = NotificationDeleteBlock
	default:
		return nil, nil
	}

	block, err := dto.Data.Block.toDomain(c.moduleAssetID)
	if err != nil {
		return nil, err
	}
	return &Notification{Kind: kind, Block: block, IsFinal: dto.Data.IsFinal}, nil
}
