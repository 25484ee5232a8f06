package feedcache

import (
	"context"
	"sync/atomic"
)

// Snapshot is a single-use copy of one collection taken before a speculative
// transform. Pages are shared with the store; that is safe because transforms
// never modify pages in place.
type Snapshot struct {
	key      CollectionKey
	coll     Collection
	present  bool
	seq      uint64
	base     uint64
	consumed atomic.Bool
}

func (sn *Snapshot) Key() CollectionKey { return sn.key }

// Seq is the store write sequence of the key at capture time.
func (sn *Snapshot) Seq() uint64 { return sn.seq }

// Collection returns the captured value and whether the key was cached.
func (sn *Snapshot) Collection() (Collection, bool) { return sn.coll, sn.present }

// Discard consumes the snapshot without restoring it. It reports false when
// the snapshot had already been consumed.
func (sn *Snapshot) Discard() bool { return sn.consumed.CompareAndSwap(false, true) }

// Capture copies the current state of key.
func (s *Store) Capture(key CollectionKey) *Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.entries[key]; ok {
		return e.snapshot(key)
	}
	return &Snapshot{key: key}
}

func (e *entry) snapshot(key CollectionKey) *Snapshot {
	return &Snapshot{key: key, coll: e.coll.clone(), present: e.present, seq: e.seq, base: e.base}
}

// Restore writes sn back over whatever key currently holds. A snapshot of an
// absent key removes the collection. Restoring a consumed snapshot is an
// invariant violation and leaves the store untouched.
func (s *Store) Restore(ctx context.Context, sn *Snapshot) error {
	if _, err := s.restore(sn, 0, false); err != nil {
		return err
	}
	s.Persist(ctx, sn.key)
	return nil
}

// restore is Restore with an optional guard: when guarded, the snapshot is
// only written if key still holds the content of expectSeq (the mutation's
// own speculative write). A later mutation that rolled back itself hands the
// key back, so an earlier one may still restore. It reports whether the
// snapshot was written. Mirroring is left to the caller.
func (s *Store) restore(sn *Snapshot, expectSeq uint64, guarded bool) (bool, error) {
	if !sn.consumed.CompareAndSwap(false, true) {
		return false, s.violation(sn.key, ErrSnapshotConsumed, "")
	}

	s.mu.Lock()
	e := s.entryLocked(sn.key)
	if guarded && e.base != expectSeq {
		cur := e.seq
		s.mu.Unlock()
		s.log.Info("restore skipped; key written after speculative transform",
			Fields{"key": sn.key.String(), "snapshotSeq": sn.seq, "expectSeq": expectSeq, "currentSeq": cur})
		s.hooks.RestoreSuperseded(sn.key.String(), sn.seq, cur)
		return false, nil
	}
	e.coll = sn.coll
	e.present = sn.present
	e.seq++
	e.base = sn.base
	s.mu.Unlock()
	return true, nil
}
