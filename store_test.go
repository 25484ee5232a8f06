package feedcache

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	c "github.com/unkn0wn-root/feedcache/codec"
	"github.com/unkn0wn-root/feedcache/internal/wire"
)

func newTestStore(t *testing.T, mut func(*Options)) (*Store, *recHooks) {
	t.Helper()
	h := &recHooks{}
	opts := Options{Hooks: h}
	if mut != nil {
		mut(&opts)
	}
	s, err := NewStore(opts)
	require.NoError(t, err)
	return s, h
}

func TestStoreSetDiscardsDuplicateIDs(t *testing.T) {
	s, h := newTestStore(t, nil)
	key := Comments("p1")
	seed(t, s, key, pages([]Item{item("a", 0, false)}))
	before := s.Seq(key)

	_, err := s.Set(key, PrependItem(item("a", 0, false)))
	var ierr *InvariantError
	require.ErrorAs(t, err, &ierr)
	assert.ErrorIs(t, err, ErrDuplicateID)

	coll, _ := s.Get(key)
	assert.Equal(t, []string{"a"}, ids(coll), "prior state retained")
	assert.Equal(t, before, s.Seq(key))
	assert.Len(t, h.violations, 1)
}

func TestStoreStrictPanics(t *testing.T) {
	s, _ := newTestStore(t, func(o *Options) { o.Strict = true })
	key := Comments("p1")
	seed(t, s, key, pages([]Item{item("a", 0, false)}))

	assert.PanicsWithError(t, (&InvariantError{Key: key, Err: ErrDuplicateID, Detail: "id a"}).Error(), func() {
		_, _ = s.Set(key, PrependItem(item("a", 0, false)))
	})
}

func TestStoreSetOnAbsentKey(t *testing.T) {
	s, _ := newTestStore(t, nil)
	key := Replies("c9")
	_, ok := s.Get(key)
	require.False(t, ok)

	seq, err := s.Set(key, PrependItem(item("r1", 0, false)))
	require.NoError(t, err)
	assert.Equal(t, uint64(1), seq)
	coll, ok := s.Get(key)
	require.True(t, ok)
	assert.Equal(t, []string{"r1"}, ids(coll))
	assert.Equal(t, []CollectionKey{key}, s.Keys())
}

func TestFetchTicketReplacedIsDropped(t *testing.T) {
	s, h := newTestStore(t, nil)
	key := Comments("p1")

	ctx1, f1 := s.BeginFetch(context.Background(), key)
	_, f2 := s.BeginFetch(context.Background(), key)
	assert.Error(t, ctx1.Err(), "older ticket cancelled")

	assert.ErrorIs(t, s.CompleteFetch(context.Background(), f1, pages([]Item{item("old", 0, false)})), ErrFetchDropped)
	require.NoError(t, s.CompleteFetch(context.Background(), f2, pages([]Item{item("new", 0, false)})))

	coll, _ := s.Get(key)
	assert.Equal(t, []string{"new"}, ids(coll))
	assert.Equal(t, 1, h.dropped)
	assert.False(t, s.HasPendingFetch(key))
}

func TestCancelPendingFetchDropsLateResult(t *testing.T) {
	s, h := newTestStore(t, nil)
	key := Comments("p1")
	seed(t, s, key, pages([]Item{item("a", 0, false)}))

	fctx, f := s.BeginFetch(context.Background(), key)
	require.True(t, s.HasPendingFetch(key))
	require.True(t, s.CancelPendingFetch(key))
	assert.False(t, s.CancelPendingFetch(key), "nothing left to cancel")
	assert.Error(t, fctx.Err())

	err := s.CompleteFetch(context.Background(), f, pages([]Item{item("late", 0, false)}))
	assert.ErrorIs(t, err, ErrFetchDropped)
	coll, _ := s.Get(key)
	assert.Equal(t, []string{"a"}, ids(coll))
	assert.Equal(t, 1, h.cancelled)
}

func TestCompleteFetchDedupesAcrossPages(t *testing.T) {
	s, _ := newTestStore(t, nil)
	key := Comments("p1")
	seed(t, s, key, pages(
		[]Item{item("a", 0, false), item("b", 0, false)},
		[]Item{item("b", 0, false), item("c", 0, false)},
	))
	coll, _ := s.Get(key)
	assert.Equal(t, []string{"a", "b", "c"}, ids(coll))
	assert.Equal(t, "cur-a", coll.Pages[0].NextCursor)
}

func TestSnapshotRestoreAndConsumed(t *testing.T) {
	s, h := newTestStore(t, nil)
	key := Comments("p1")
	seed(t, s, key, pages([]Item{item("c1", 3, false)}))

	sn := s.Capture(key)
	_, err := s.Set(key, SetLiked("c1", true))
	require.NoError(t, err)

	require.NoError(t, s.Restore(context.Background(), sn))
	coll, _ := s.Get(key)
	it, _, _, _ := coll.Find("c1")
	assert.Equal(t, int64(3), it.Likes())
	assert.False(t, it.LikedByMe)

	// a second restore is a violation and changes nothing
	_, err = s.Set(key, SetLiked("c1", true))
	require.NoError(t, err)
	err = s.Restore(context.Background(), sn)
	assert.ErrorIs(t, err, ErrSnapshotConsumed)
	coll, _ = s.Get(key)
	it, _, _, _ = coll.Find("c1")
	assert.True(t, it.LikedByMe)
	assert.Len(t, h.violations, 1)

	assert.False(t, sn.Discard())
}

func TestSnapshotOfAbsentKeyRemovesCollection(t *testing.T) {
	s, _ := newTestStore(t, nil)
	key := Comments("p1")
	sn := s.Capture(key)
	_, present := sn.Collection()
	require.False(t, present)

	_, err := s.Set(key, PrependItem(item("tmp", 0, false)))
	require.NoError(t, err)
	require.NoError(t, s.Restore(context.Background(), sn))
	_, ok := s.Get(key)
	assert.False(t, ok)
}

func TestSnapshotUnaffectedByLaterWrites(t *testing.T) {
	s, _ := newTestStore(t, nil)
	key := Comments("p1")
	seed(t, s, key, pages([]Item{item("a", 0, false)}, []Item{item("b", 0, false)}))

	sn := s.Capture(key)
	_, err := s.Set(key, Chain(RemoveItem("b"), PrependItem(item("x", 0, false))))
	require.NoError(t, err)

	coll, present := sn.Collection()
	require.True(t, present)
	assert.Equal(t, []string{"a", "b"}, ids(coll))
}

func TestGuardedRestoreSkipsSupersededKey(t *testing.T) {
	s, h := newTestStore(t, nil)
	key := Comments("p1")
	seed(t, s, key, pages([]Item{item("c1", 3, false)}))

	sn := s.Capture(key)
	seq, err := s.Set(key, SetLiked("c1", true))
	require.NoError(t, err)
	_, err = s.Set(key, PrependItem(item("c2", 0, false)))
	require.NoError(t, err)

	restored, err := s.restore(sn, seq, true)
	require.NoError(t, err)
	assert.False(t, restored)
	assert.Equal(t, 1, h.superseded)
	coll, _ := s.Get(key)
	assert.Equal(t, []string{"c2", "c1"}, ids(coll))
}

func TestMirrorPersistAndHydrate(t *testing.T) {
	for name, codec := range map[string]c.Codec[Page]{
		"json":     c.JSON[Page]{},
		"msgpack":  c.Msgpack[Page]{},
		"cbor":     c.MustCBOR[Page](true),
		"protobuf": NewPageProto(),
	} {
		t.Run(name, func(t *testing.T) {
			mp := newMemProvider()
			mut := func(o *Options) { o.Namespace = "app"; o.Mirror = mp; o.Codec = codec }
			key := Comments("p1")

			s1, _ := newTestStore(t, mut)
			seed(t, s1, key, pages([]Item{item("a", 2, true)}, []Item{item("b", 0, false)}))
			_, err := s1.Set(key, PrependItem(Item{ID: "tmp-1", Pending: true}))
			require.NoError(t, err)
			s1.Persist(context.Background(), key)
			require.Equal(t, 1, mp.len())

			s2, _ := newTestStore(t, mut)
			ok, err := s2.Hydrate(context.Background(), key)
			require.NoError(t, err)
			require.True(t, ok)
			coll, _ := s2.Get(key)
			assert.Equal(t, []string{"a", "b"}, ids(coll), "pending placeholder not mirrored")
			assert.Equal(t, "cur-a", coll.Pages[0].NextCursor)
			it, _, _, _ := coll.Find("a")
			assert.Equal(t, int64(2), it.Likes())
			assert.True(t, it.LikedByMe)
			assert.True(t, it.CreatedAt.Equal(item("a", 0, false).CreatedAt))
			assert.Greater(t, s2.Seq(key), s1.Seq(key), "hydrated seq continues past the mirrored one")
		})
	}
}

func TestHydrateSelfHealsCorruptEntry(t *testing.T) {
	mp := newMemProvider()
	s, h := newTestStore(t, func(o *Options) { o.Namespace = "app"; o.Mirror = mp })
	key := Comments("p1")

	_, _ = mp.Set(context.Background(), s.mirrorKey(key), []byte("garbage"), 7, 0)
	ok, err := s.Hydrate(context.Background(), key)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Zero(t, mp.len(), "corrupt entry deleted")
	assert.Contains(t, h.mirrorErrs, "decode")
}

func TestHydrateRejectsForeignCodec(t *testing.T) {
	mp := newMemProvider()
	key := Comments("p1")
	frame, err := wire.EncodeCollection("msgpack", 4, []wire.PageFrame{{Payload: []byte{0x80}}})
	require.NoError(t, err)

	s, _ := newTestStore(t, func(o *Options) { o.Namespace = "app"; o.Mirror = mp })
	_, _ = mp.Set(context.Background(), s.mirrorKey(key), frame, int64(len(frame)), 0)

	ok, err := s.Hydrate(context.Background(), key)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Zero(t, mp.len())
}

func TestMirrorRequiresNamespace(t *testing.T) {
	_, err := NewStore(Options{Mirror: newMemProvider()})
	assert.Error(t, err)
}

func TestMaxPageBytesRejectsLargePages(t *testing.T) {
	mp := newMemProvider()
	key := Comments("p1")
	big := item("a", 0, false)
	big.Content = string(make([]byte, 512))

	s1, _ := newTestStore(t, func(o *Options) { o.Namespace = "app"; o.Mirror = mp })
	seed(t, s1, key, pages([]Item{big}))

	s2, h := newTestStore(t, func(o *Options) { o.Namespace = "app"; o.Mirror = mp; o.MaxPageBytes = 64 })
	ok, err := s2.Hydrate(context.Background(), key)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Contains(t, h.mirrorErrs, "decode")
}
