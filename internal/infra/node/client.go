// Package node talks to the upstream blockchain node gateway.
//
// Client is the read API the indexer depends on. HTTPClient implements it over
// the gateway's JSON endpoints, Subscriber and Poller turn the node's block
// notifications into Notification values.
package node

import (
	"context"
	"errors"

	"github.com/vietddude/blockindex/internal/core/domain"
)

// ErrBlockNotFound is returned when the node has no block at the requested height.
var ErrBlockNotFound = errors.New("block not found")

// Client is the upstream node API.
type Client interface {
	GetNetworkStatus(ctx context.Context) (*domain.NetworkStatus, error)

	// GetBlockByHeight returns the canonical block at height with its payload.
	GetBlockByHeight(ctx context.Context, height uint64) (*domain.Block, error)

	// GetBlocksByHeightBetween returns the blocks in [from, to], ascending.
	GetBlocksByHeightBetween(ctx context.Context, from, to uint64) ([]*domain.Block, error)

	GetGenesisAccounts(ctx context.Context, offset, limit int) ([]*domain.Account, error)
	GetDelegates(ctx context.Context, offset, limit int) ([]*domain.Account, error)
}

// NotificationKind is the node event a Notification was built from.
type NotificationKind int

const (
	NotificationNewBlock NotificationKind = iota
	NotificationDeleteBlock
)

func (k NotificationKind) String() string {
	switch k {
	case NotificationNewBlock:
		return "app:block:new"
	case NotificationDeleteBlock:
		return "app:block:delete"
	default:
		return "unknown"
	}
}

// Notification is a block event pushed or polled from the node.
type Notification struct {
	Kind    NotificationKind
	Block   *domain.Block
	IsFinal bool
}

// NotificationHandler consumes notifications in arrival order.
type NotificationHandler func(ctx context.Context, n Notification)
