package feedcache

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	c "github.com/unkn0wn-root/feedcache/codec"
	"github.com/unkn0wn-root/feedcache/internal/util"
	"github.com/unkn0wn-root/feedcache/internal/wire"
	pr "github.com/unkn0wn-root/feedcache/provider"
)

const defaultMirrorTTL = 24 * time.Hour

type entry struct {
	coll    Collection
	present bool
	seq     uint64 // bumped on every write, never reset
	base    uint64 // seq whose content coll reproduces; differs from seq after a restore
	fetch   *Fetch
	writers int // staged speculative writes not yet unstaged
}

// Store owns every cached collection. Each write replaces a whole Collection
// value under the lock; readers get the value and never see a partial write.
type Store struct {
	ns     string
	log    Logger
	hooks  Hooks
	strict bool
	guard  bool

	mirror    pr.Provider
	codec     c.Codec[Page]
	mirrorTTL time.Duration

	mu      sync.Mutex
	entries map[CollectionKey]*entry
	tickets uint64
}

// NewStore builds a standalone Store from the store-related fields of opts.
func NewStore(opts Options) (*Store, error) {
	if opts.Mirror != nil && opts.Namespace == "" {
		return nil, errors.New("feedcache: namespace is required with a mirror")
	}
	s := &Store{
		ns:      opts.Namespace,
		mirror:  opts.Mirror,
		strict:  opts.Strict,
		guard:   opts.GuardRestores,
		entries: make(map[CollectionKey]*entry),
	}
	s.log = coalesce[Logger](opts.Logger, NopLogger{})
	s.hooks = coalesce[Hooks](opts.Hooks, NopHooks{})
	s.mirrorTTL = coalesce[time.Duration](opts.MirrorTTL, defaultMirrorTTL)

	var pc c.Codec[Page] = c.JSON[Page]{}
	if opts.Codec != nil {
		pc = opts.Codec
	}
	if opts.MaxPageBytes > 0 {
		pc = c.Limit[Page]{Inner: pc, MaxDecode: opts.MaxPageBytes}
	}
	s.codec = pc
	return s, nil
}

// Get returns the collection for key. ok is false when nothing is cached.
func (s *Store) Get(key CollectionKey) (Collection, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[key]
	if !ok || !e.present {
		return Collection{}, false
	}
	return e.coll, true
}

// Seq returns the write sequence of key; 0 if it was never written.
func (s *Store) Seq(key CollectionKey) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.entries[key]; ok {
		return e.seq
	}
	return 0
}

// Keys lists cached keys in string order.
func (s *Store) Keys() []CollectionKey {
	s.mu.Lock()
	out := make([]CollectionKey, 0, len(s.entries))
	for k, e := range s.entries {
		if e.present {
			out = append(out, k)
		}
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].String() < out[j].String() })
	return out
}

// Set replaces the collection at key with t(current). An absent key is
// passed as an empty collection. If the result holds duplicate item ids the
// write is discarded and an *InvariantError is returned (or raised in Strict
// mode). The returned seq identifies this write.
func (s *Store) Set(key CollectionKey, t Transform) (uint64, error) {
	s.mu.Lock()
	seq, dupID := s.applyLocked(s.entryLocked(key), t)
	s.mu.Unlock()
	if dupID != "" {
		return 0, s.violation(key, ErrDuplicateID, "id "+dupID)
	}
	return seq, nil
}

// applyLocked writes t(current) to e unless the result repeats an item id,
// in which case the id is returned and e is untouched.
func (s *Store) applyLocked(e *entry, t Transform) (uint64, string) {
	next := t(e.coll)
	if id, dup := next.duplicateID(); dup {
		return 0, id
	}
	e.coll = next
	e.present = true
	e.seq++
	e.base = e.seq
	return e.seq, ""
}

// Stage applies a speculative transform to key. Cancelling the pending
// fetch, capturing the snapshot and writing t(current) happen under one
// lock, so no fetch can slip in between. Until the matching Unstage, fetch
// results for key are dropped, including fetches begun after Stage.
// cancelled reports whether a pending fetch was cancelled.
func (s *Store) Stage(key CollectionKey, t Transform) (sn *Snapshot, seq uint64, cancelled bool, err error) {
	s.mu.Lock()
	e := s.entryLocked(key)
	f := e.fetch
	e.fetch = nil
	sn = e.snapshot(key)
	seq, dupID := s.applyLocked(e, t)
	if dupID == "" {
		e.writers++
	}
	s.mu.Unlock()

	if f != nil {
		f.cancel()
		s.hooks.FetchCancelled(key.String())
	}
	if dupID != "" {
		sn.Discard()
		return nil, 0, f != nil, s.violation(key, ErrDuplicateID, "id "+dupID)
	}
	return sn, seq, f != nil, nil
}

// Unstage ends a write begun by Stage. With persist set, the current value
// is mirrored, but only when no other staged write of key is still in
// flight; a later Unstage mirrors it then.
func (s *Store) Unstage(ctx context.Context, key CollectionKey, persist bool) {
	s.mu.Lock()
	e, ok := s.entries[key]
	if !ok || e.writers == 0 {
		s.mu.Unlock()
		return
	}
	e.writers--
	if !persist || e.writers > 0 {
		s.mu.Unlock()
		return
	}
	coll, present, seq := e.coll, e.present, e.seq
	s.mu.Unlock()
	if !present {
		s.mirrorDel(ctx, key)
		return
	}
	s.mirrorPut(ctx, key, coll, seq)
}

// Delete drops key. Pending fetch tickets stay valid.
func (s *Store) Delete(key CollectionKey) {
	s.mu.Lock()
	if e, ok := s.entries[key]; ok {
		e.coll = Collection{}
		e.present = false
		e.seq++
		e.base = e.seq
	}
	s.mu.Unlock()
}

func (s *Store) entryLocked(key CollectionKey) *entry {
	e, ok := s.entries[key]
	if !ok {
		e = &entry{}
		s.entries[key] = e
	}
	return e
}

func (s *Store) violation(key CollectionKey, err error, detail string) error {
	ierr := &InvariantError{Key: key, Err: err, Detail: detail}
	s.log.Error("cache invariant violation; write discarded", Fields{"key": key.String(), "err": ierr})
	s.hooks.InvariantViolation(key.String(), ierr)
	if s.strict {
		panic(ierr)
	}
	return ierr
}

// Fetch is a ticket for one background load of a collection. Only the
// newest uncancelled ticket of a key may land its result.
type Fetch struct {
	key    CollectionKey
	id     uint64
	ctx    context.Context
	cancel context.CancelFunc
	// begun while a speculative write was in flight; its answer may predate it
	overlapped bool
}

func (f *Fetch) Key() CollectionKey { return f.key }

// BeginFetch registers a background fetch of key and returns the context the
// fetch must run under. A previous ticket of the same key is cancelled. A
// fetch begun while a staged write is in flight never lands.
func (s *Store) BeginFetch(ctx context.Context, key CollectionKey) (context.Context, *Fetch) {
	fctx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.tickets++
	f := &Fetch{key: key, id: s.tickets, ctx: fctx, cancel: cancel}
	e := s.entryLocked(key)
	f.overlapped = e.writers > 0
	prev := e.fetch
	e.fetch = f
	s.mu.Unlock()
	if prev != nil {
		prev.cancel()
	}
	return fctx, f
}

// HasPendingFetch reports whether key has a registered, unfinished fetch.
func (s *Store) HasPendingFetch(key CollectionKey) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[key]
	return ok && e.fetch != nil
}

// CancelPendingFetch cancels the pending fetch of key, if any. A result that
// still arrives for the cancelled ticket is dropped by CompleteFetch.
func (s *Store) CancelPendingFetch(key CollectionKey) bool {
	s.mu.Lock()
	e, ok := s.entries[key]
	var f *Fetch
	if ok {
		f = e.fetch
		e.fetch = nil
	}
	s.mu.Unlock()
	if f == nil {
		return false
	}
	f.cancel()
	s.hooks.FetchCancelled(key.String())
	return true
}

// AbandonFetch releases f without writing anything (e.g. the fetch failed).
func (s *Store) AbandonFetch(f *Fetch) {
	s.mu.Lock()
	if e, ok := s.entries[f.key]; ok && e.fetch == f {
		e.fetch = nil
	}
	s.mu.Unlock()
	f.cancel()
}

func (s *Store) ticketCurrent(f *Fetch) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[f.key]
	return ok && e.fetch == f
}

// CompleteFetch writes fetched pages for f's key if f is still the current
// ticket and no staged write overlaps it, returning ErrFetchDropped
// otherwise. Items repeated across pages (cursor drift while paging) keep
// their first occurrence.
func (s *Store) CompleteFetch(ctx context.Context, f *Fetch, pages []Page) error {
	coll := dedupe(Collection{Pages: pages})

	s.mu.Lock()
	e, ok := s.entries[f.key]
	if !ok || e.fetch != f || f.ctx.Err() != nil || f.overlapped || e.writers > 0 {
		if ok && e.fetch == f {
			e.fetch = nil
		}
		writers := 0
		if ok {
			writers = e.writers
		}
		s.mu.Unlock()
		f.cancel()
		s.log.Debug("fetch result dropped", Fields{"key": f.key.String(), "ticket": f.id, "writers": writers})
		s.hooks.FetchDropped(f.key.String())
		return ErrFetchDropped
	}
	e.fetch = nil
	e.coll = coll
	e.present = true
	e.seq++
	e.base = e.seq
	seq := e.seq
	s.mu.Unlock()
	f.cancel()

	s.mirrorPut(ctx, f.key, coll, seq)
	return nil
}

func dedupe(c Collection) Collection {
	if _, dup := c.duplicateID(); !dup {
		return c
	}
	seen := make(map[string]struct{}, c.Len())
	out := Collection{Pages: make([]Page, len(c.Pages))}
	for i, p := range c.Pages {
		items := make([]Item, 0, len(p.Items))
		for _, it := range p.Items {
			if _, ok := seen[it.ID]; ok {
				continue
			}
			seen[it.ID] = struct{}{}
			items = append(items, it)
		}
		out.Pages[i] = Page{Items: items, NextCursor: p.NextCursor}
	}
	return out
}

// Persist writes the current value of key to the mirror, if one is set.
func (s *Store) Persist(ctx context.Context, key CollectionKey) {
	s.mu.Lock()
	e, ok := s.entries[key]
	if !ok {
		s.mu.Unlock()
		return
	}
	coll, present, seq := e.coll, e.present, e.seq
	s.mu.Unlock()
	if !present {
		s.mirrorDel(ctx, key)
		return
	}
	s.mirrorPut(ctx, key, coll, seq)
}

// Hydrate loads key from the mirror when it is not cached locally.
// It reports whether key is cached afterwards. Corrupt or foreign mirror
// entries are deleted.
func (s *Store) Hydrate(ctx context.Context, key CollectionKey) (bool, error) {
	if _, ok := s.Get(key); ok {
		return true, nil
	}
	if s.mirror == nil {
		return false, nil
	}
	mk := s.mirrorKey(key)
	raw, ok, err := s.mirror.Get(ctx, mk)
	if err != nil {
		s.hooks.MirrorError(key.String(), "get", err)
		return false, err
	}
	if !ok {
		return false, nil
	}
	codecName, frameSeq, frames, err := wire.DecodeCollection(raw)
	if err != nil || codecName != s.codec.Name() {
		s.log.Warn("mirror entry unreadable; deleting", Fields{"key": key.String(), "codec": codecName, "err": err})
		s.hooks.MirrorError(key.String(), "decode", wire.ErrCorrupt)
		s.mirrorDel(ctx, key)
		return false, nil
	}
	coll := Collection{Pages: make([]Page, 0, len(frames))}
	for _, fr := range frames {
		p, err := s.codec.Decode(fr.Payload)
		if err != nil {
			s.hooks.MirrorError(key.String(), "decode", err)
			s.mirrorDel(ctx, key)
			return false, nil
		}
		p.NextCursor = fr.Cursor
		coll.Pages = append(coll.Pages, p)
	}
	coll = dedupe(coll)

	s.mu.Lock()
	e := s.entryLocked(key)
	if !e.present {
		e.coll = coll
		e.present = true
		e.seq = max(e.seq, frameSeq) + 1
		e.base = e.seq
	}
	s.mu.Unlock()
	return true, nil
}

func (s *Store) mirrorKey(key CollectionKey) string {
	return util.StorageKey("coll:"+s.ns, string(key.Kind), key.ParentID)
}

// mirrorPut writes the confirmed part of coll; pending placeholders are left out.
func (s *Store) mirrorPut(ctx context.Context, key CollectionKey, coll Collection, seq uint64) {
	if s.mirror == nil {
		return
	}
	frames := make([]wire.PageFrame, 0, len(coll.Pages))
	for _, p := range coll.Pages {
		confirmed := Page{Items: make([]Item, 0, len(p.Items))}
		for _, it := range p.Items {
			if !it.Pending {
				confirmed.Items = append(confirmed.Items, it)
			}
		}
		payload, err := s.codec.Encode(confirmed)
		if err != nil {
			s.hooks.MirrorError(key.String(), "put", err)
			return
		}
		frames = append(frames, wire.PageFrame{Cursor: p.NextCursor, Payload: payload})
	}
	b, err := wire.EncodeCollection(s.codec.Name(), seq, frames)
	if err != nil {
		s.hooks.MirrorError(key.String(), "put", err)
		return
	}
	ok, err := s.mirror.Set(ctx, s.mirrorKey(key), b, int64(len(b)), s.mirrorTTL)
	if err != nil {
		s.log.Warn("mirror put failed", Fields{"key": key.String(), "err": err})
		s.hooks.MirrorError(key.String(), "put", err)
		return
	}
	if !ok {
		s.log.Debug("mirror put rejected by provider (pressure)", Fields{"key": key.String()})
	}
}

func (s *Store) mirrorDel(ctx context.Context, key CollectionKey) {
	if s.mirror == nil {
		return
	}
	if err := s.mirror.Del(ctx, s.mirrorKey(key)); err != nil {
		s.hooks.MirrorError(key.String(), "del", err)
	}
}

// Close releases the mirror provider.
func (s *Store) Close(ctx context.Context) error {
	if s.mirror != nil {
		return s.mirror.Close(ctx)
	}
	return nil
}
