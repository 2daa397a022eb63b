// Package events is the in-process bus on which the indexer announces block
// changes and readiness to its consumers. Event kinds are a closed set.
package events

import (
	"log/slog"
	"sync"
	"time"

	"github.com/vietddude/blockindex/internal/core/domain"
)

// Kind identifies an event type.
type Kind int

const (
	// NewBlock is a block announced by the node, with its finality flag.
	NewBlock Kind = iota + 1
	// DeleteBlock is a block the node removed from its chain.
	DeleteBlock
	// IndexReady fires once, when the index first covers the chain.
	IndexReady
	// SearchIndexInitialized fires once, after the schema exists.
	SearchIndexInitialized
)

func (k Kind) String() string {
	switch k {
	case NewBlock:
		return "new_block"
	case DeleteBlock:
		return "delete_block"
	case IndexReady:
		return "index_ready"
	case SearchIndexInitialized:
		return "search_index_initialized"
	default:
		return "unknown"
	}
}

// once reports whether the kind may only be published a single time.
func (k Kind) once() bool {
	return k == IndexReady || k == SearchIndexInitialized
}

type Event struct {
	Kind      Kind
	Timestamp time.Time
	Block     *domain.Block
	IsFinal   bool
}

func NewBlockEvent(block *domain.Block, isFinal bool) Event {
	return Event{Kind: NewBlock, Timestamp: time.Now(), Block: block, IsFinal: isFinal}
}

func DeleteBlockEvent(block *domain.Block) Event {
	return Event{Kind: DeleteBlock, Timestamp: time.Now(), Block: block}
}

const DefaultBuffer = 256

type subscription struct {
	ch   chan Event
	done chan struct{}
	once sync.Once

	// sends counts publishers between snapshot and delivery; ch is closed
	// only after it drains.
	sends sync.WaitGroup
}

func (s *subscription) cancel() {
	s.once.Do(func() { close(s.done) })
}

// Bus delivers events to channel subscribers. Publish blocks while a
// subscriber buffer is full, so block notifications are never dropped. A
// blocked publisher is released when that subscriber unsubscribes or the bus
// closes.
type Bus struct {
	mu     sync.RWMutex
	subs   map[Kind][]*subscription
	fired  map[Kind]bool
	closed bool
	done   chan struct{}
	stop   sync.Once
	logger *slog.Logger
}

func NewBus() *Bus {
	return &Bus{
		subs:   make(map[Kind][]*subscription),
		fired:  make(map[Kind]bool),
		done:   make(chan struct{}),
		logger: slog.Default().With("component", "events"),
	}
}

// Subscribe returns a channel receiving events of kind and a function that
// cancels the subscription. A subscriber to a one-shot kind that already
// fired receives it immediately.
func (b *Bus) Subscribe(kind Kind, buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	sub := &subscription{ch: make(chan Event, buffer), done: make(chan struct{})}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(sub.ch)
		return sub.ch, func() {}
	}
	b.subs[kind] = append(b.subs[kind], sub)
	if kind.once() && b.fired[kind] {
		sub.ch <- Event{Kind: kind, Timestamp: time.Now()}
	}

	return sub.ch, func() { b.unsubscribe(kind, sub) }
}

func (b *Bus) unsubscribe(kind Kind, sub *subscription) {
	sub.cancel()

	b.mu.Lock()
	found := false
	subs := b.subs[kind]
	for i, s := range subs {
		if s == sub {
			b.subs[kind] = append(subs[:i:i], subs[i+1:]...)
			found = true
			break
		}
	}
	b.mu.Unlock()

	if found {
		sub.sends.Wait()
		close(sub.ch)
	}
}

// Publish delivers evt to every subscriber of its kind. One-shot kinds are
// delivered only the first time and Publish reports false afterwards.
func (b *Bus) Publish(evt Event) bool {
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now()
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return false
	}
	if evt.Kind.once() {
		if b.fired[evt.Kind] {
			b.mu.Unlock()
			return false
		}
		b.fired[evt.Kind] = true
	}
	subs := append([]*subscription(nil), b.subs[evt.Kind]...)
	for _, s := range subs {
		s.sends.Add(1)
	}
	b.mu.Unlock()

	delivered := true
	for _, s := range subs {
		if delivered {
			select {
			case s.ch <- evt:
			case <-s.done:
				delivered = !b.isClosing()
			case <-b.done:
				delivered = false
			}
		}
		s.sends.Done()
	}
	if delivered {
		b.logger.Debug("Event published", "kind", evt.Kind.String(), "subscribers", len(subs))
	}
	return delivered
}

func (b *Bus) isClosing() bool {
	select {
	case <-b.done:
		return true
	default:
		return false
	}
}

// Fired reports whether a one-shot kind has been published.
func (b *Bus) Fired(kind Kind) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.fired[kind]
}

// Close unblocks pending publishers and closes every subscriber channel.
func (b *Bus) Close() {
	b.stop.Do(func() { close(b.done) })

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	var subs []*subscription
	for kind, ks := range b.subs {
		subs = append(subs, ks...)
		delete(b.subs, kind)
	}
	b.mu.Unlock()

	for _, s := range subs {
		s.cancel()
		s.sends.Wait()
		close(s.ch)
	}
}
