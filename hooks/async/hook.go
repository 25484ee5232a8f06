// usage:
//
//	raw := sloghooks.New(slog.Default(), sloghooks.Options{StagedEvery: 10})
//	hooks := asynchook.New(raw, 1, 1000) // 1 worker; queue 1000 events
//	defer hooks.Close()
//
//	engine, _ := feedcache.New(gw, feedcache.Options{Hooks: hooks})
package asynchook

import (
	"sync"
	"sync/atomic"

	"github.com/unkn0wn-root/feedcache"
)

// Hooks forwards events to inner on worker goroutines so a slow sink never
// delays a mutation. Events are dropped when the queue is full.
type Hooks struct {
	inner   feedcache.Hooks
	q       chan func()
	wg      sync.WaitGroup
	once    sync.Once
	mu      sync.RWMutex
	closed  bool
	dropped atomic.Uint64
}

var _ feedcache.Hooks = (*Hooks)(nil)

func New(inner feedcache.Hooks, workers, qlen int) *Hooks {
	if workers <= 0 {
		workers = 1
	}
	if qlen <= 0 {
		qlen = 1024
	}

	h := &Hooks{inner: inner, q: make(chan func(), qlen)}
	h.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func() {
			defer h.wg.Done()
			for f := range h.q {
				f()
			}
		}()
	}
	return h
}

// Close drains queued events and stops the workers. Later events are dropped.
func (h *Hooks) Close() {
	h.once.Do(func() {
		h.mu.Lock()
		h.closed = true
		close(h.q)
		h.mu.Unlock()
		h.wg.Wait()
	})
}

// Dropped counts events lost to a full queue or a closed wrapper.
func (h *Hooks) Dropped() uint64 { return h.dropped.Load() }

func (h *Hooks) try(f func()) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.closed {
		h.dropped.Add(1)
		return
	}
	select {
	case h.q <- f:
	default:
		h.dropped.Add(1)
	}
}

func (h *Hooks) MutationStaged(k, m string) { h.try(func() { h.inner.MutationStaged(k, m) }) }
func (h *Hooks) FetchCancelled(k string)    { h.try(func() { h.inner.FetchCancelled(k) }) }
func (h *Hooks) FetchDropped(k string)      { h.try(func() { h.inner.FetchDropped(k) }) }
func (h *Hooks) MutationReconciled(k, m string, merged bool) {
	h.try(func() { h.inner.MutationReconciled(k, m, merged) })
}
func (h *Hooks) MutationRolledBack(k, m string, r feedcache.Reason) {
	h.try(func() { h.inner.MutationRolledBack(k, m, r) })
}
func (h *Hooks) RestoreSuperseded(k string, snap, cur uint64) {
	h.try(func() { h.inner.RestoreSuperseded(k, snap, cur) })
}
func (h *Hooks) InvariantViolation(k string, err error) {
	h.try(func() { h.inner.InvariantViolation(k, err) })
}
func (h *Hooks) StaleMarkError(k string, err error) {
	h.try(func() { h.inner.StaleMarkError(k, err) })
}
func (h *Hooks) MirrorError(k, op string, err error) {
	h.try(func() { h.inner.MirrorError(k, op, err) })
}
