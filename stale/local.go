package stale

import (
	"context"
	"sync"
	"time"
)

type localEntry struct {
	Gen      uint64
	Stale    bool
	MarkedAt time.Time
}

// Local keeps staleness in-process (default).
// Optional cleanup loop prunes the generation of keys that have been clean
// for longer than retention; stale keys are never pruned.
type Local struct {
	mu      sync.RWMutex
	entries map[string]localEntry
	ticker  *time.Ticker
	stopCh  chan struct{}
	wg      sync.WaitGroup
	once    sync.Once
}

var _ Set = (*Local)(nil)

func NewLocal(cleanupInterval, retention time.Duration) *Local {
	s := &Local{entries: make(map[string]localEntry)}
	if cleanupInterval > 0 && retention > 0 {
		s.ticker = time.NewTicker(cleanupInterval)
		s.stopCh = make(chan struct{})
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			for {
				select {
				case <-s.ticker.C:
					s.Cleanup(retention)
				case <-s.stopCh:
					return
				}
			}
		}()
	}
	return s
}

func (s *Local) Mark(_ context.Context, key string) (uint64, error) {
	now := time.Now()
	s.mu.Lock()
	e := s.entries[key]
	e.Gen++
	e.Stale = true
	e.MarkedAt = now
	s.entries[key] = e
	s.mu.Unlock()
	return e.Gen, nil
}

func (s *Local) Gen(_ context.Context, key string) (uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.entries[key].Gen, nil
}

func (s *Local) IsStale(_ context.Context, key string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.entries[key].Stale, nil
}

func (s *Local) Clear(_ context.Context, key string) error {
	s.mu.Lock()
	if e, ok := s.entries[key]; ok {
		e.Stale = false
		s.entries[key] = e
	}
	s.mu.Unlock()
	return nil
}

func (s *Local) ClearIf(_ context.Context, key string, gen uint64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[key]
	if !ok || !e.Stale {
		return true, nil
	}
	if e.Gen != gen {
		return false, nil
	}
	e.Stale = false
	s.entries[key] = e
	return true, nil
}

func (s *Local) Keys(_ context.Context) ([]string, error) {
	s.mu.RLock()
	out := make([]string, 0, len(s.entries))
	for k, e := range s.entries {
		if e.Stale {
			out = append(out, k)
		}
	}
	s.mu.RUnlock()
	return out, nil
}

// Cleanup forgets clean keys last marked before now-retention.
func (s *Local) Cleanup(retention time.Duration) {
	if retention <= 0 {
		return
	}
	cutoff := time.Now().Add(-retention)

	s.mu.Lock()
	for k, e := range s.entries {
		if !e.Stale && e.MarkedAt.Before(cutoff) {
			delete(s.entries, k)
		}
	}
	s.mu.Unlock()
}

func (s *Local) Close(_ context.Context) error {
	s.once.Do(func() {
		if s.stopCh != nil {
			close(s.stopCh)
			s.ticker.Stop()
			s.wg.Wait()
		}
	})
	return nil
}
