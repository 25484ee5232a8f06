package feedcache

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	pr "github.com/unkn0wn-root/feedcache/provider"
)

type memEntry struct {
	v   []byte
	exp time.Time // zero => no TTL
}

type memProvider struct {
	mu sync.Mutex
	m  map[string]memEntry
}

var _ pr.Provider = (*memProvider)(nil)

func newMemProvider() *memProvider { return &memProvider{m: make(map[string]memEntry)} }

func (p *memProvider) Get(_ context.Context, key string) ([]byte, bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	e, ok := p.m[key]
	if !ok {
		return nil, false, nil
	}
	if !e.exp.IsZero() && time.Now().After(e.exp) {
		delete(p.m, key)
		return nil, false, nil
	}
	return e.v, true, nil
}

func (p *memProvider) Set(_ context.Context, key string, value []byte, _ int64, ttl time.Duration) (bool, error) {
	var exp time.Time
	if ttl > 0 {
		exp = time.Now().Add(ttl)
	}
	p.mu.Lock()
	p.m[key] = memEntry{v: append([]byte(nil), value...), exp: exp}
	p.mu.Unlock()
	return true, nil
}

func (p *memProvider) Del(_ context.Context, key string) error {
	p.mu.Lock()
	delete(p.m, key)
	p.mu.Unlock()
	return nil
}

func (p *memProvider) Close(_ context.Context) error { return nil }

func (p *memProvider) len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.m)
}

// stubGateway delegates to per-test funcs; a nil func succeeds.
type stubGateway struct {
	create func(ctx context.Context, key CollectionKey, content string) (Item, error)
	like   func(ctx context.Context, key CollectionKey, itemID string, liked bool) error
}

func (g *stubGateway) CreateItem(ctx context.Context, key CollectionKey, content string) (Item, error) {
	if g.create == nil {
		return Item{ID: "srv-1", ParentID: key.ParentID, Content: content}, nil
	}
	return g.create(ctx, key, content)
}

func (g *stubGateway) SetLikeState(ctx context.Context, key CollectionKey, itemID string, liked bool) error {
	if g.like == nil {
		return nil
	}
	return g.like(ctx, key, itemID, liked)
}

// gate holds a gateway call until the test releases it with a result.
type gate struct {
	entered chan struct{}
	release chan error
}

func newGate() *gate {
	return &gate{entered: make(chan struct{}, 1), release: make(chan error, 1)}
}

func (g *gate) wait() error {
	g.entered <- struct{}{}
	return <-g.release
}

func waitEntered(t *testing.T, g *gate) {
	t.Helper()
	select {
	case <-g.entered:
	case <-time.After(2 * time.Second):
		t.Fatal("gateway call never started")
	}
}

type recHooks struct {
	NopHooks
	mu         sync.Mutex
	staged     []string
	reconciled []string
	rolledBack []Reason
	cancelled  int
	dropped    int
	superseded int
	violations []error
	mirrorErrs []string

	onFetchCancelled func(key string)
}

func (h *recHooks) MutationStaged(_, m string) {
	h.mu.Lock()
	h.staged = append(h.staged, m)
	h.mu.Unlock()
}

func (h *recHooks) MutationReconciled(_, m string, _ bool) {
	h.mu.Lock()
	h.reconciled = append(h.reconciled, m)
	h.mu.Unlock()
}

func (h *recHooks) MutationRolledBack(_, _ string, r Reason) {
	h.mu.Lock()
	h.rolledBack = append(h.rolledBack, r)
	h.mu.Unlock()
}

func (h *recHooks) FetchCancelled(key string) {
	h.mu.Lock()
	h.cancelled++
	fn := h.onFetchCancelled
	h.mu.Unlock()
	if fn != nil {
		fn(key)
	}
}

func (h *recHooks) FetchDropped(string) {
	h.mu.Lock()
	h.dropped++
	h.mu.Unlock()
}

func (h *recHooks) RestoreSuperseded(string, uint64, uint64) {
	h.mu.Lock()
	h.superseded++
	h.mu.Unlock()
}

func (h *recHooks) InvariantViolation(_ string, err error) {
	h.mu.Lock()
	h.violations = append(h.violations, err)
	h.mu.Unlock()
}

func (h *recHooks) MirrorError(_, op string, _ error) {
	h.mu.Lock()
	h.mirrorErrs = append(h.mirrorErrs, op)
	h.mu.Unlock()
}

func item(id string, likes int64, liked bool) Item {
	return Item{
		ID:        id,
		ParentID:  "p1",
		AuthorID:  "u0",
		Content:   "text " + id,
		CreatedAt: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC),
		Counters:  map[string]int64{CounterLikes: likes},
		LikedByMe: liked,
	}
}

func pages(ps ...[]Item) []Page {
	out := make([]Page, len(ps))
	for i, items := range ps {
		out[i] = Page{Items: items}
		if i < len(ps)-1 {
			out[i].NextCursor = "cur-" + string(rune('a'+i))
		}
	}
	return out
}

// seed lands pages for key as if a fetch had completed.
func seed(t *testing.T, s *Store, key CollectionKey, ps []Page) {
	t.Helper()
	_, f := s.BeginFetch(context.Background(), key)
	require.NoError(t, s.CompleteFetch(context.Background(), f, ps))
}

type fixture struct {
	eng   *Engine
	store *Store
	hooks *recHooks
	gw    *stubGateway
}

func newFixture(t *testing.T, mut func(*Options)) *fixture {
	t.Helper()
	gw := &stubGateway{}
	h := &recHooks{}
	opts := Options{Hooks: h}
	n := 0
	opts.NewPlaceholderID = func() string { n++; return "tmp-" + string(rune('0'+n)) }
	if mut != nil {
		mut(&opts)
	}
	eng, err := New(gw, opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = eng.Close(context.Background()) })
	return &fixture{eng: eng, store: eng.Store(), hooks: h, gw: gw}
}

func (f *fixture) item(t *testing.T, key CollectionKey, id string) Item {
	t.Helper()
	coll, ok := f.store.Get(key)
	require.True(t, ok, "collection %s not cached", key)
	it, _, _, found := coll.Find(id)
	require.True(t, found, "item %s not found", id)
	return it
}

func (f *fixture) stale(t *testing.T, key CollectionKey) bool {
	t.Helper()
	st, err := f.eng.Scheduler().IsStale(context.Background(), key)
	require.NoError(t, err)
	return st
}
