package feedcache

import (
	"context"
	"sync"

	"github.com/unkn0wn-root/feedcache/stale"
)

// Scheduler is the process-wide registry of stale collections. Mutations only
// mark; a key is cleared by the refetch that brought it back in sync.
// Subscribers are told about every mark and every Announce; a full
// subscriber buffer drops the notification (the key stays stale and is
// picked up by the next scan).
type Scheduler struct {
	set stale.Set
	log Logger

	mu   sync.Mutex
	subs map[int]chan CollectionKey
	next int
}

func NewScheduler(set stale.Set, log Logger) *Scheduler {
	return &Scheduler{
		set:  set,
		log:  coalesce[Logger](log, NopLogger{}),
		subs: make(map[int]chan CollectionKey),
	}
}

// MarkStale flags key for re-synchronization and notifies subscribers.
func (s *Scheduler) MarkStale(ctx context.Context, key CollectionKey) error {
	gen, err := s.set.Mark(ctx, key.String())
	if err != nil {
		s.log.Error("mark stale failed", Fields{"key": key.String(), "err": err})
		return err
	}
	s.log.Debug("marked stale", Fields{"key": key.String(), "gen": gen})
	s.Announce(key)
	return nil
}

func (s *Scheduler) IsStale(ctx context.Context, key CollectionKey) (bool, error) {
	return s.set.IsStale(ctx, key.String())
}

// Gen returns the mark generation of key. Observe it before a refetch and
// pass it to ClearIf afterwards.
func (s *Scheduler) Gen(ctx context.Context, key CollectionKey) (uint64, error) {
	return s.set.Gen(ctx, key.String())
}

// Clear unconditionally removes key from the stale set.
func (s *Scheduler) Clear(ctx context.Context, key CollectionKey) error {
	return s.set.Clear(ctx, key.String())
}

// ClearIf removes key only if no mark happened since gen was observed.
func (s *Scheduler) ClearIf(ctx context.Context, key CollectionKey, gen uint64) (bool, error) {
	return s.set.ClearIf(ctx, key.String(), gen)
}

// StaleKeys lists every stale key. Unparseable entries are skipped.
func (s *Scheduler) StaleKeys(ctx context.Context) ([]CollectionKey, error) {
	raw, err := s.set.Keys(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]CollectionKey, 0, len(raw))
	for _, r := range raw {
		k, err := ParseCollectionKey(r)
		if err != nil {
			s.log.Warn("skipping foreign stale entry", Fields{"entry": r})
			continue
		}
		out = append(out, k)
	}
	return out, nil
}

// Subscribe returns a channel of keys that need a refetch and a cancel func.
func (s *Scheduler) Subscribe(buf int) (<-chan CollectionKey, func()) {
	if buf <= 0 {
		buf = 64
	}
	ch := make(chan CollectionKey, buf)
	s.mu.Lock()
	id := s.next
	s.next++
	s.subs[id] = ch
	s.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			s.mu.Lock()
			if _, ok := s.subs[id]; ok {
				delete(s.subs, id)
				close(ch)
			}
			s.mu.Unlock()
		})
	}
}

// Announce notifies subscribers about key without changing the stale set.
func (s *Scheduler) Announce(key CollectionKey) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ch := range s.subs {
		select {
		case ch <- key:
		default: // drop
		}
	}
}

// Close drops all subscriptions and closes the backing set.
func (s *Scheduler) Close(ctx context.Context) error {
	s.mu.Lock()
	for id, ch := range s.subs {
		delete(s.subs, id)
		close(ch)
	}
	s.mu.Unlock()
	return s.set.Close(ctx)
}
