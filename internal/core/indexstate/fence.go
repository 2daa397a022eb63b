package indexstate

import (
	"context"
	"sync"
)

// Fence orders per-height ingest jobs against fork rollbacks.
//
// An ingest job enters the fence for its height and stays inside for the whole
// fetch-and-commit. A rollback from height F waits until no job is inside at a
// height >= F, and while it holds the fence no job at a height >= F can enter.
// Jobs below F are unaffected. At most one rollback holds the fence at a time.
type Fence struct {
	mu     sync.Mutex
	cond   *sync.Cond
	active map[uint64]int

	locked bool
	from   uint64
}

func NewFence() *Fence {
	f := &Fence{active: make(map[uint64]int)}
	f.cond = sync.NewCond(&f.mu)
	return f
}

// Enter blocks while a rollback covers height, then registers the caller.
// The returned release must be called exactly once.
func (f *Fence) Enter(ctx context.Context, height uint64) (func(), error) {
	stop := context.AfterFunc(ctx, f.broadcast)
	defer stop()

	f.mu.Lock()
	defer f.mu.Unlock()
	for f.locked && height >= f.from {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		f.cond.Wait()
	}
	f.active[height]++

	var once sync.Once
	return func() {
		once.Do(func() {
			f.mu.Lock()
			if f.active[height]--; f.active[height] <= 0 {
				delete(f.active, height)
			}
			f.mu.Unlock()
			f.cond.Broadcast()
		})
	}, nil
}

// Lock takes the fence for [from, ∞). It waits for other rollbacks and for
// in-flight jobs at or above from.
func (f *Fence) Lock(ctx context.Context, from uint64) (func(), error) {
	stop := context.AfterFunc(ctx, f.broadcast)
	defer stop()

	f.mu.Lock()
	for f.locked {
		if err := ctx.Err(); err != nil {
			f.mu.Unlock()
			return nil, err
		}
		f.cond.Wait()
	}
	f.locked, f.from = true, from

	for f.busyFrom(from) {
		if err := ctx.Err(); err != nil {
			f.locked = false
			f.mu.Unlock()
			f.cond.Broadcast()
			return nil, err
		}
		f.cond.Wait()
	}
	f.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			f.mu.Lock()
			f.locked = false
			f.mu.Unlock()
			f.cond.Broadcast()
		})
	}, nil
}

// Locked reports whether a rollback holds the fence for height.
func (f *Fence) Locked(height uint64) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.locked && height >= f.from
}

func (f *Fence) busyFrom(from uint64) bool {
	for h := range f.active {
		if h >= from {
			return true
		}
	}
	return false
}

func (f *Fence) broadcast() {
	f.mu.Lock()
	f.cond.Broadcast()
	f.mu.Unlock()
}
