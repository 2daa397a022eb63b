package node

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

const (
	defaultReconnectDelay    = time.Second
	defaultMaxReconnectDelay = 30 * time.Second
	defaultPingPeriod        = 30 * time.Second
	defaultReadWait          = 90 * time.Second
	writeWait                = 10 * time.Second
)

// Subscriber receives block notifications from the node over a WebSocket and
// reconnects with backoff when the connection drops.
type Subscriber struct {
	url    string
	codec  Codec
	dialer *websocket.Dialer
	header http.Header

	reconnectDelay    time.Duration
	maxReconnectDelay time.Duration
	pingPeriod        time.Duration
	readWait          time.Duration

	logger *slog.Logger
}

// SubscriberOption configures a Subscriber.
type SubscriberOption func(*Subscriber)

// WithReconnectDelay sets the initial and maximum delay between reconnects.
func WithReconnectDelay(initial, maxDelay time.Duration) SubscriberOption {
	return func(s *Subscriber) {
		s.reconnectDelay = initial
		s.maxReconnectDelay = maxDelay
	}
}

// WithPingPeriod sets the ping interval. The read deadline is three periods.
func WithPingPeriod(period time.Duration) SubscriberOption {
	return func(s *Subscriber) {
		s.pingPeriod = period
		s.readWait = 3 * period
	}
}

func NewSubscriber(url string, codec Codec, opts ...SubscriberOption) *Subscriber {
	s := &Subscriber{
		url:               url,
		codec:             codec,
		dialer:            websocket.DefaultDialer,
		header:            http.Header{},
		reconnectDelay:    defaultReconnectDelay,
		maxReconnectDelay: defaultMaxReconnectDelay,
		pingPeriod:        defaultPingPeriod,
		readWait:          defaultReadWait,
		logger:            slog.Default().With("component", "node-subscriber"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Run delivers notifications to handle until ctx is done. Messages of one
// connection are handled in order.
func (s *Subscriber) Run(ctx context.Context, handle NotificationHandler) error {
	delay := s.reconnectDelay
	for {
		connected, err := s.session(ctx, handle)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if connected {
			delay = s.reconnectDelay
		}
		s.logger.Warn("Node subscription dropped, reconnecting", "url", s.url, "delay", delay, "error", err)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
		if delay > s.maxReconnectDelay {
			delay = s.maxReconnectDelay
		}
	}
}

// session runs one connection. connected reports whether the dial succeeded.
func (s *Subscriber) session(ctx context.Context, handle NotificationHandler) (connected bool, err error) {
	conn, _, err := s.dialer.DialContext(ctx, s.url, s.header)
	if err != nil {
		return false, fmt.Errorf("dial %s: %w", s.url, err)
	}
	defer conn.Close()
	s.logger.Info("Node subscription connected", "url", s.url)

	done := make(chan struct{})
	defer close(done)
	go s.keepAlive(ctx, conn, done)

	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(s.readWait))
	})

	for {
		if err := conn.SetReadDeadline(time.Now().Add(s.readWait)); err != nil {
			return true, err
		}
		_, msg, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				return true, errors.New("closed by node")
			}
			return true, fmt.Errorf("read: %w", err)
		}

		n, err := s.codec.DecodeNotification(msg)
		if err != nil {
			s.logger.Warn("Dropping undecodable notification", "error", err)
			continue
		}
		if n == nil {
			continue
		}
		handle(ctx, *n)
	}
}

// keepAlive pings the node and closes the connection when ctx ends so that
// the blocked read returns.
func (s *Subscriber) keepAlive(ctx context.Context, conn *websocket.Conn, done <-chan struct{}) {
	ticker := time.NewTicker(s.pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ctx.Done():
			_ = conn.WriteControl(
				websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(writeWait),
			)
			_ = conn.Close()
			return
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				s.logger.Debug("Ping failed", "error", err)
				return
			}
		}
	}
}
