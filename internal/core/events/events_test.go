package events

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vietddude/blockindex/internal/core/domain"
)

func TestBus_DeliversByKind(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	blocks, cancel := bus.Subscribe(NewBlock, 4)
	defer cancel()
	deletes, cancelDel := bus.Subscribe(DeleteBlock, 4)
	defer cancelDel()

	require.True(t, bus.Publish(NewBlockEvent(&domain.Block{Height: 5, ID: "b5"}, true)))

	select {
	case evt := <-blocks:
		assert.Equal(t, NewBlock, evt.Kind)
		assert.Equal(t, uint64(5), evt.Block.Height)
		assert.True(t, evt.IsFinal)
	case <-time.After(time.Second):
		t.Fatal("new block event not delivered")
	}

	select {
	case evt := <-deletes:
		t.Fatalf("unexpected delete event %v", evt)
	default:
	}
}

func TestBus_OneShotKindsFireOnce(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	ready, cancel := bus.Subscribe(IndexReady, 4)
	defer cancel()

	assert.True(t, bus.Publish(Event{Kind: IndexReady}))
	assert.False(t, bus.Publish(Event{Kind: IndexReady}))
	assert.True(t, bus.Fired(IndexReady))

	assert.Len(t, ready, 1)

	late, cancelLate := bus.Subscribe(IndexReady, 1)
	defer cancelLate()
	assert.Len(t, late, 1, "late subscribers observe a fired one-shot event")
}

func TestBus_CloseUnblocksPublisher(t *testing.T) {
	bus := NewBus()
	_, cancel := bus.Subscribe(NewBlock, 1)
	defer cancel()

	require.True(t, bus.Publish(NewBlockEvent(&domain.Block{Height: 1}, false)))

	done := make(chan bool)
	go func() { done <- bus.Publish(NewBlockEvent(&domain.Block{Height: 2}, false)) }()

	time.Sleep(20 * time.Millisecond)
	bus.Close()

	select {
	case ok := <-done:
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("publisher still blocked after Close")
	}
}

func TestBus_UnsubscribeReleasesBlockedPublisher(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	events, cancel := bus.Subscribe(NewBlock, 1)

	published := make(chan bool)
	go func() {
		bus.Publish(NewBlockEvent(&domain.Block{Height: 1}, false))
		published <- bus.Publish(NewBlockEvent(&domain.Block{Height: 2}, false))
	}()

	require.Eventually(t, func() bool { return len(events) == 1 }, time.Second, time.Millisecond)
	time.Sleep(20 * time.Millisecond)

	unsubscribed := make(chan struct{})
	go func() {
		cancel()
		close(unsubscribed)
	}()

	select {
	case <-unsubscribed:
	case <-time.After(time.Second):
		t.Fatal("unsubscribe blocked behind a publisher")
	}
	select {
	case ok := <-published:
		assert.True(t, ok)
	case <-time.After(time.Second):
		t.Fatal("publisher still blocked after unsubscribe")
	}

	fired := make(chan bool)
	go func() { fired <- bus.Fired(IndexReady) }()
	select {
	case ok := <-fired:
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("Fired blocked")
	}

	// The buffered event is still readable, then the channel is closed.
	evt, ok := <-events
	require.True(t, ok)
	assert.Equal(t, uint64(1), evt.Block.Height)
	_, ok = <-events
	assert.False(t, ok)
}

func TestBus_PublishAfterUnsubscribe(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	_, cancel := bus.Subscribe(DeleteBlock, 1)
	cancel()
	cancel()

	assert.True(t, bus.Publish(DeleteBlockEvent(&domain.Block{Height: 3})))
	assert.True(t, bus.Publish(DeleteBlockEvent(&domain.Block{Height: 4})))
}

func TestKind_String(t *testing.T) {
	assert.Equal(t, "index_ready", IndexReady.String())
	assert.Equal(t, "unknown", Kind(99).String())
}
