package memory_test

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/unkn0wn-root/feedcache"
	"github.com/unkn0wn-root/feedcache/gateway/memory"
)

func TestCreateRequiresIdentityAndContent(t *testing.T) {
	gw := memory.New(memory.Options{})
	key := feedcache.Comments("p1")

	_, err := gw.CreateItem(context.Background(), key, "hi")
	assert.Equal(t, feedcache.ReasonUnauthorized, feedcache.ReasonOf(err))

	ctx := feedcache.WithIdentity(context.Background(), "u1")
	_, err = gw.CreateItem(ctx, key, "   ")
	assert.Equal(t, feedcache.ReasonRejected, feedcache.ReasonOf(err))

	_, err = memory.New(memory.Options{MaxContent: 3}).CreateItem(ctx, key, "four")
	assert.Equal(t, feedcache.ReasonRejected, feedcache.ReasonOf(err))

	it, err := gw.CreateItem(ctx, key, " hello ")
	require.NoError(t, err)
	assert.NotEmpty(t, it.ID)
	assert.Equal(t, "hello", it.Content)
	assert.Equal(t, "u1", it.AuthorID)
	assert.Equal(t, "p1", it.ParentID)
	assert.Zero(t, it.Likes())
}

func TestFetchPagesNewestFirstWithCursors(t *testing.T) {
	gw := memory.New(memory.Options{PageSize: 2})
	key := feedcache.Comments("p1")
	for _, id := range []string{"a", "b", "c"} {
		gw.Seed(key, feedcache.Item{ID: id})
	}

	pages, err := gw.FetchPages(context.Background(), key)
	require.NoError(t, err)
	require.Len(t, pages, 2)
	assert.Equal(t, "c", pages[0].Items[0].ID)
	assert.Equal(t, "b", pages[0].Items[1].ID)
	assert.Equal(t, "2", pages[0].NextCursor)
	assert.Equal(t, "a", pages[1].Items[0].ID)
	assert.Empty(t, pages[1].NextCursor)

	empty, err := gw.FetchPages(context.Background(), feedcache.Replies("none"))
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestLikesArePerUserAndIdempotent(t *testing.T) {
	gw := memory.New(memory.Options{})
	key := feedcache.Replies("c1")
	gw.Seed(key, feedcache.Item{ID: "r1"}, "u9")

	u1 := feedcache.WithIdentity(context.Background(), "u1")
	require.NoError(t, gw.SetLikeState(u1, key, "r1", true))
	require.NoError(t, gw.SetLikeState(u1, key, "r1", true))

	pages, err := gw.FetchPages(u1, key)
	require.NoError(t, err)
	it := pages[0].Items[0]
	assert.Equal(t, int64(2), it.Likes())
	assert.True(t, it.LikedByMe)

	anon, err := gw.FetchPages(context.Background(), key)
	require.NoError(t, err)
	assert.False(t, anon[0].Items[0].LikedByMe)

	require.NoError(t, gw.SetLikeState(u1, key, "r1", false))
	pages, _ = gw.FetchPages(u1, key)
	assert.Equal(t, int64(1), pages[0].Items[0].Likes())

	err = gw.SetLikeState(u1, key, "missing", true)
	assert.Equal(t, feedcache.ReasonRejected, feedcache.ReasonOf(err))
	err = gw.SetLikeState(context.Background(), key, "r1", true)
	assert.Equal(t, feedcache.ReasonUnauthorized, feedcache.ReasonOf(err))
}

func TestInjectedFailuresAndLatency(t *testing.T) {
	boom := errors.New("injected")
	gw := memory.New(memory.Options{
		Latency: 50 * time.Millisecond,
		Fail: func(op string, _ feedcache.CollectionKey) error {
			if op == "set_like_state" {
				return boom
			}
			if op == "fetch_pages" {
				return feedcache.Rejected(op, "forbidden")
			}
			return nil
		},
	})
	key := feedcache.Replies("c1")
	ctx := feedcache.WithIdentity(context.Background(), "u1")

	err := gw.SetLikeState(ctx, key, "r1", true)
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, feedcache.ReasonNetwork, feedcache.ReasonOf(err))

	_, err = gw.FetchPages(ctx, key)
	assert.Equal(t, feedcache.ReasonRejected, feedcache.ReasonOf(err))

	short, cancel := context.WithTimeout(ctx, 5*time.Millisecond)
	defer cancel()
	_, err = gw.CreateItem(short, key, "hi")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

// End to end: the engine and refresher against the in-memory backend.
func TestEngineAgainstMemoryGateway(t *testing.T) {
	gw := memory.New(memory.Options{})
	key := feedcache.Comments("post-1")
	gw.Seed(key, feedcache.Item{ID: "old", Content: "first!"})

	eng, err := feedcache.New(gw, feedcache.Options{})
	require.NoError(t, err)
	ctx := feedcache.WithIdentity(context.Background(), "u1")
	r := feedcache.NewRefresher(eng.Store(), eng.Scheduler(), gw, feedcache.RefresherOptions{})
	t.Cleanup(func() {
		r.Close()
		_ = eng.Close(context.Background())
	})

	require.NoError(t, r.Refresh(ctx, key))

	out, err := eng.CreateItem(ctx, key, "a reply").Wait()
	require.NoError(t, err)
	require.NotNil(t, out.Record)
	assert.False(t, strings.HasPrefix(out.Record.ID, "tmp-"))

	_, err = eng.Like(ctx, key, out.Record.ID).Wait()
	require.NoError(t, err)

	require.NoError(t, r.Refresh(ctx, key))
	stale, err := eng.Scheduler().IsStale(ctx, key)
	require.NoError(t, err)
	assert.False(t, stale)

	coll, ok := eng.Store().Get(key)
	require.True(t, ok)
	items := coll.Items()
	require.Len(t, items, 2)
	assert.Equal(t, out.Record.ID, items[0].ID)
	assert.True(t, items[0].LikedByMe)
	assert.Equal(t, int64(1), items[0].Likes())
	assert.Equal(t, "old", items[1].ID)
}
