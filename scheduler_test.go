package feedcache

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/unkn0wn-root/feedcache/stale"
)

func TestSchedulerMarkIsMonotonic(t *testing.T) {
	ctx := context.Background()
	s := NewScheduler(stale.NewLocal(0, 0), nil)
	t.Cleanup(func() { _ = s.Close(ctx) })
	key := Comments("p1")

	require.NoError(t, s.MarkStale(ctx, key))
	g1, _ := s.Gen(ctx, key)
	// marking an already-stale key keeps it stale and moves the gen
	require.NoError(t, s.MarkStale(ctx, key))
	g2, _ := s.Gen(ctx, key)
	assert.Greater(t, g2, g1)

	st, err := s.IsStale(ctx, key)
	require.NoError(t, err)
	assert.True(t, st)

	cleared, err := s.ClearIf(ctx, key, g1)
	require.NoError(t, err)
	assert.False(t, cleared)
	cleared, err = s.ClearIf(ctx, key, g2)
	require.NoError(t, err)
	assert.True(t, cleared)

	require.NoError(t, s.MarkStale(ctx, key))
	require.NoError(t, s.Clear(ctx, key))
	st, _ = s.IsStale(ctx, key)
	assert.False(t, st)
}

type foreignSet struct {
	stale.Set
	keys []string
	err  error
}

func (f foreignSet) Keys(context.Context) ([]string, error) { return f.keys, nil }
func (f foreignSet) Mark(context.Context, string) (uint64, error) {
	return 0, f.err
}

func TestSchedulerStaleKeysSkipsForeignEntries(t *testing.T) {
	s := NewScheduler(foreignSet{Set: stale.NewLocal(0, 0), keys: []string{"comments:p1", "junk", "replies:c2"}}, nil)
	keys, err := s.StaleKeys(context.Background())
	require.NoError(t, err)
	assert.ElementsMatch(t, []CollectionKey{Comments("p1"), Replies("c2")}, keys)
}

func TestSchedulerMarkErrorDoesNotAnnounce(t *testing.T) {
	boom := errors.New("redis down")
	s := NewScheduler(foreignSet{Set: stale.NewLocal(0, 0), err: boom}, nil)
	sub, cancel := s.Subscribe(1)
	defer cancel()

	assert.ErrorIs(t, s.MarkStale(context.Background(), Comments("p1")), boom)
	select {
	case k := <-sub:
		t.Fatalf("unexpected announcement of %s", k)
	default:
	}
}

func TestSchedulerFanOutDropsWhenFull(t *testing.T) {
	s := NewScheduler(stale.NewLocal(0, 0), nil)
	a, cancelA := s.Subscribe(1)
	b, cancelB := s.Subscribe(4)

	s.Announce(Comments("1"))
	s.Announce(Comments("2"))

	assert.Equal(t, Comments("1"), <-a)
	assert.Len(t, b, 2)

	cancelA()
	cancelA()
	_, open := <-a
	assert.False(t, open)

	require.NoError(t, s.Close(context.Background()))
	cancelB() // after Close: no double close
	<-b
	<-b
	_, open = <-b
	assert.False(t, open)
}

func TestEngineSurfacesStaleMarkFailure(t *testing.T) {
	boom := errors.New("redis down")
	f := newFixture(t, func(o *Options) { o.Stale = foreignSet{Set: stale.NewLocal(0, 0), err: boom} })
	key := Replies("C")
	seed(t, f.store, key, pages([]Item{item("R", 0, false)}))

	// success path: still reported
	_, err := f.eng.Like(context.Background(), key, "R").Wait()
	var me *MutationError
	require.ErrorAs(t, err, &me)
	assert.ErrorIs(t, err, boom)
	assert.Nil(t, me.Err)

	// failure path: both errors preserved
	f.gw.like = func(context.Context, CollectionKey, string, bool) error { return Unauthorized("set_like_state") }
	_, err = f.eng.Unlike(context.Background(), key, "R").Wait()
	require.ErrorAs(t, err, &me)
	assert.Equal(t, ReasonUnauthorized, me.Reason)
	assert.ErrorIs(t, err, boom)
	var ge *GatewayError
	assert.ErrorAs(t, err, &ge)
}
