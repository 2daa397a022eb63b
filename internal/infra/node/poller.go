package node

import (
	"context"
	"log/slog"
	"time"
)

// Poller is the notification source used when the node has no WebSocket.
// It walks new heights from the network status and reports the finality of
// each block it passes.
type Poller struct {
	client   Client
	interval time.Duration
	maxBatch uint64
	logger   *slog.Logger

	lastHeight uint64
}

func NewPoller(client Client, interval time.Duration) *Poller {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	return &Poller{
		client:   client,
		interval: interval,
		maxBatch: 100,
		logger:   slog.Default().With("component", "node-poller"),
	}
}

// Run polls until ctx is done.
func (p *Poller) Run(ctx context.Context, handle NotificationHandler) error {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		if err := p.Poll(ctx, handle); err != nil && ctx.Err() == nil {
			p.logger.Warn("Poll failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Poll emits a new-block notification for every height above the last one
// seen, at most maxBatch per call. The first poll only emits the tip.
func (p *Poller) Poll(ctx context.Context, handle NotificationHandler) error {
	status, err := p.client.GetNetworkStatus(ctx)
	if err != nil {
		return err
	}
	if status.Height <= p.lastHeight {
		return nil
	}

	from := p.lastHeight + 1
	if p.lastHeight == 0 || status.Height-p.lastHeight > p.maxBatch {
		from = status.Height
	}

	blocks, err := p.client.GetBlocksByHeightBetween(ctx, from, status.Height)
	if err != nil {
		return err
	}
	for _, b := range blocks {
		handle(ctx, Notification{
			Kind:    NotificationNewBlock,
			Block:   b,
			IsFinal: b.Height <= status.FinalizedHeight,
		})
		p.lastHeight = b.Height
	}
	return nil
}
