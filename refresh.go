package feedcache

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// RefresherOptions tune a Refresher. Zero values pick defaults.
type RefresherOptions struct {
	Workers        int           // 0 => 1
	QueueLen       int           // 0 => 256
	Timeout        time.Duration // per fetch; 0 => 30s
	ResyncInterval time.Duration // periodic scan of StaleKeys; 0 disables
	Logger         Logger
}

// Refresher brings stale collections back in sync with the server. It listens
// to the Scheduler, fetches through a Fetcher, lands pages with a fetch ticket
// (so a speculative write that cancels the ticket wins) and clears the key only
// if no mark arrived while the fetch was running.
type Refresher struct {
	store   *Store
	sched   *Scheduler
	fetcher Fetcher
	log     Logger

	workers  int
	timeout  time.Duration
	interval time.Duration

	q      chan CollectionKey
	mu     sync.Mutex
	queued map[CollectionKey]struct{}

	stopCh    chan struct{}
	wg        sync.WaitGroup
	startOnce sync.Once
	closeOnce sync.Once
	unsub     func()
}

func NewRefresher(store *Store, sched *Scheduler, fetcher Fetcher, opts RefresherOptions) *Refresher {
	r := &Refresher{
		store:    store,
		sched:    sched,
		fetcher:  fetcher,
		interval: opts.ResyncInterval,
		queued:   make(map[CollectionKey]struct{}),
		stopCh:   make(chan struct{}),
	}
	r.log = coalesce[Logger](opts.Logger, NopLogger{})
	r.workers = coalesce(opts.Workers, 1)
	r.timeout = coalesce(opts.Timeout, 30*time.Second)
	r.q = make(chan CollectionKey, coalesce(opts.QueueLen, 256))
	return r
}

// Start subscribes to the scheduler and launches the workers. Keys that are
// already stale are queued immediately. ctx bounds every fetch.
func (r *Refresher) Start(ctx context.Context) {
	r.startOnce.Do(func() {
		sub, unsub := r.sched.Subscribe(cap(r.q))
		r.unsub = unsub

		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			for {
				select {
				case k, ok := <-sub:
					if !ok {
						return
					}
					r.enqueue(k)
				case <-r.stopCh:
					return
				}
			}
		}()

		for i := 0; i < r.workers; i++ {
			r.wg.Add(1)
			go r.worker(ctx)
		}

		if r.interval > 0 {
			r.wg.Add(1)
			go func() {
				defer r.wg.Done()
				t := time.NewTicker(r.interval)
				defer t.Stop()
				for {
					select {
					case <-t.C:
						r.scan(ctx)
					case <-r.stopCh:
						return
					}
				}
			}()
		}
		r.scan(ctx)
	})
}

func (r *Refresher) scan(ctx context.Context) {
	keys, err := r.sched.StaleKeys(ctx)
	if err != nil {
		r.log.Warn("stale scan failed", Fields{"err": err})
		return
	}
	for _, k := range keys {
		r.enqueue(k)
	}
}

// enqueue coalesces keys already waiting; a full queue drops the key, which
// stays stale and is picked up by the next scan or mark.
func (r *Refresher) enqueue(k CollectionKey) {
	r.mu.Lock()
	if _, ok := r.queued[k]; ok {
		r.mu.Unlock()
		return
	}
	r.queued[k] = struct{}{}
	r.mu.Unlock()

	select {
	case r.q <- k:
	default:
		r.mu.Lock()
		delete(r.queued, k)
		r.mu.Unlock()
		r.log.Debug("refresh queue full; dropping key", Fields{"key": k.String()})
	}
}

func (r *Refresher) worker(ctx context.Context) {
	defer r.wg.Done()
	for {
		select {
		case k := <-r.q:
			r.mu.Lock()
			delete(r.queued, k)
			r.mu.Unlock()
			if err := r.Refresh(ctx, k); err != nil && !errors.Is(err, ErrFetchDropped) {
				r.log.Warn("refresh failed", Fields{"key": k.String(), "err": err})
			}
		case <-r.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

// Refresh fetches key once and lands the result. It returns ErrFetchDropped
// when a speculative write cancelled the fetch; the key then stays stale.
func (r *Refresher) Refresh(ctx context.Context, key CollectionKey) error {
	gen, err := r.sched.Gen(ctx, key)
	if err != nil {
		return fmt.Errorf("refresh %s: read gen: %w", key, err)
	}

	fctx, f := r.store.BeginFetch(ctx, key)
	fctx, cancel := context.WithTimeout(fctx, r.timeout)
	defer cancel()

	pages, err := r.fetcher.FetchPages(fctx, key)
	if err != nil {
		if !r.store.ticketCurrent(f) {
			return ErrFetchDropped
		}
		r.store.AbandonFetch(f)
		return fmt.Errorf("refresh %s: %w", key, err)
	}
	if err := r.store.CompleteFetch(ctx, f, pages); err != nil {
		return err
	}

	cleared, err := r.sched.ClearIf(ctx, key, gen)
	if err != nil {
		return fmt.Errorf("refresh %s: clear: %w", key, err)
	}
	if !cleared {
		r.log.Debug("key re-marked during refresh; staying stale", Fields{"key": key.String(), "gen": gen})
	}
	return nil
}

// Close stops the workers and unsubscribes. In-progress fetches finish first.
func (r *Refresher) Close() {
	r.closeOnce.Do(func() {
		close(r.stopCh)
		if r.unsub != nil {
			r.unsub()
		}
		r.wg.Wait()
	})
}
