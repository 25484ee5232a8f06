// Package memory is an in-process Gateway and Fetcher for feedcache. It keeps
// comments, replies and per-user likes in maps and is meant for demos, tests
// and local development against a view without a backend.
package memory

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/unkn0wn-root/feedcache"
)

const (
	opCreate  = "create_item"
	opSetLike = "set_like_state"
	opFetch   = "fetch_pages"
)

// FailFunc lets a test or demo inject failures per operation. Returning a
// non-nil error makes the call fail with it (wrapped as a network failure
// unless it already is a *feedcache.GatewayError).
type FailFunc func(op string, key feedcache.CollectionKey) error

type Options struct {
	PageSize   int           // 0 => 20
	Latency    time.Duration // simulated round-trip per call
	MaxContent int           // 0 => 2000 runes
	Fail       FailFunc
	Now        func() time.Time
}

type record struct {
	item  feedcache.Item
	likes map[string]struct{} // user ids
}

// Gateway stores items newest first per collection.
type Gateway struct {
	opts Options

	mu    sync.Mutex
	lists map[feedcache.CollectionKey][]*record
	byID  map[string]*record
}

var (
	_ feedcache.Gateway = (*Gateway)(nil)
	_ feedcache.Fetcher = (*Gateway)(nil)
)

func New(opts Options) *Gateway {
	if opts.PageSize <= 0 {
		opts.PageSize = 20
	}
	if opts.MaxContent <= 0 {
		opts.MaxContent = 2000
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Gateway{
		opts:  opts,
		lists: make(map[feedcache.CollectionKey][]*record),
		byID:  make(map[string]*record),
	}
}

// Seed inserts an item as if it had been created earlier, with likes from
// the given users. Items are seeded oldest first.
func (g *Gateway) Seed(key feedcache.CollectionKey, it feedcache.Item, likedBy ...string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	r := &record{item: it, likes: make(map[string]struct{}, len(likedBy))}
	r.item.ParentID = key.ParentID
	for _, u := range likedBy {
		r.likes[u] = struct{}{}
	}
	g.lists[key] = append([]*record{r}, g.lists[key]...)
	g.byID[it.ID] = r
}

func (g *Gateway) wait(ctx context.Context, op string, key feedcache.CollectionKey) error {
	if g.opts.Latency > 0 {
		t := time.NewTimer(g.opts.Latency)
		defer t.Stop()
		select {
		case <-t.C:
		case <-ctx.Done():
			return feedcache.NetworkFailure(op, ctx.Err())
		}
	}
	if g.opts.Fail != nil {
		if err := g.opts.Fail(op, key); err != nil {
			var ge *feedcache.GatewayError
			if errors.As(err, &ge) {
				return ge
			}
			return feedcache.NetworkFailure(op, err)
		}
	}
	return nil
}

func (g *Gateway) CreateItem(ctx context.Context, key feedcache.CollectionKey, content string) (feedcache.Item, error) {
	user, ok := feedcache.IdentityFrom(ctx)
	if !ok {
		return feedcache.Item{}, feedcache.Unauthorized(opCreate)
	}
	content = strings.TrimSpace(content)
	if content == "" {
		return feedcache.Item{}, feedcache.Rejected(opCreate, "content is empty")
	}
	if n := len([]rune(content)); n > g.opts.MaxContent {
		return feedcache.Item{}, feedcache.Rejected(opCreate, "content too long: "+strconv.Itoa(n))
	}
	if err := g.wait(ctx, opCreate, key); err != nil {
		return feedcache.Item{}, err
	}

	r := &record{
		item: feedcache.Item{
			ID:        uuid.NewString(),
			ParentID:  key.ParentID,
			AuthorID:  user,
			Content:   content,
			CreatedAt: g.opts.Now().UTC(),
			Counters:  map[string]int64{feedcache.CounterLikes: 0},
		},
		likes: make(map[string]struct{}),
	}
	g.mu.Lock()
	g.lists[key] = append([]*record{r}, g.lists[key]...)
	g.byID[r.item.ID] = r
	g.mu.Unlock()
	return r.view(user), nil
}

// SetLikeState is idempotent per user: liking twice counts once.
func (g *Gateway) SetLikeState(ctx context.Context, key feedcache.CollectionKey, itemID string, liked bool) error {
	user, ok := feedcache.IdentityFrom(ctx)
	if !ok {
		return feedcache.Unauthorized(opSetLike)
	}
	if err := g.wait(ctx, opSetLike, key); err != nil {
		return err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	r, ok := g.byID[itemID]
	if !ok {
		return feedcache.Rejected(opSetLike, "unknown item "+itemID)
	}
	if liked {
		r.likes[user] = struct{}{}
	} else {
		delete(r.likes, user)
	}
	return nil
}

// FetchPages returns every page of key as seen by the identity in ctx
// (anonymous readers see no liked flags).
func (g *Gateway) FetchPages(ctx context.Context, key feedcache.CollectionKey) ([]feedcache.Page, error) {
	if err := g.wait(ctx, opFetch, key); err != nil {
		return nil, err
	}
	user, _ := feedcache.IdentityFrom(ctx)

	g.mu.Lock()
	defer g.mu.Unlock()
	list := g.lists[key]
	pages := make([]feedcache.Page, 0, len(list)/g.opts.PageSize+1)
	for start := 0; start < len(list); start += g.opts.PageSize {
		end := min(start+g.opts.PageSize, len(list))
		p := feedcache.Page{Items: make([]feedcache.Item, 0, end-start)}
		for _, r := range list[start:end] {
			p.Items = append(p.Items, r.view(user))
		}
		if end < len(list) {
			p.NextCursor = strconv.Itoa(end)
		}
		pages = append(pages, p)
	}
	return pages, nil
}

// view is the item as user sees it; the caller holds g.mu or owns r.
func (r *record) view(user string) feedcache.Item {
	it := r.item
	it.Counters = make(map[string]int64, len(r.item.Counters)+1)
	for k, v := range r.item.Counters {
		it.Counters[k] = v
	}
	it.Counters[feedcache.CounterLikes] = int64(len(r.likes))
	_, it.LikedByMe = r.likes[user]
	if user == "" {
		it.LikedByMe = false
	}
	return it
}
