package feedcache

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReasonOf(t *testing.T) {
	cases := []struct {
		err  error
		want Reason
	}{
		{Unauthorized("create_item"), ReasonUnauthorized},
		{Rejected("create_item", "too long"), ReasonRejected},
		{NetworkFailure("create_item", errors.New("reset")), ReasonNetwork},
		{context.DeadlineExceeded, ReasonNetwork},
		{&MutationError{Err: Rejected("x", "y")}, ReasonRejected},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, ReasonOf(tc.err), tc.err.Error())
	}
}

func TestMutationErrorMessages(t *testing.T) {
	key := Comments("p1")
	stale := errors.New("redis down")
	call := Unauthorized("set_like_state")

	assert.Equal(t, `like on "comments:p1" rolled back (unauthorized): set_like_state: unauthorized`,
		(&MutationError{Key: key, Mutation: "like", Reason: ReasonUnauthorized, Err: call}).Error())
	assert.Contains(t, (&MutationError{Key: key, Mutation: "like", Reason: ReasonUnauthorized, Err: call, StaleErr: stale}).Error(), "mark stale: redis down")
	assert.Equal(t, `like on "comments:p1": mark stale: redis down`,
		(&MutationError{Key: key, Mutation: "like", StaleErr: stale}).Error())
}

func TestIdentityRoundTrip(t *testing.T) {
	_, ok := IdentityFrom(context.Background())
	assert.False(t, ok)
	_, ok = IdentityFrom(WithIdentity(context.Background(), ""))
	assert.False(t, ok)

	id, ok := IdentityFrom(WithIdentity(context.Background(), "u1"))
	require.True(t, ok)
	assert.Equal(t, "u1", id)
}

func TestPageProtoRoundTrip(t *testing.T) {
	codec := NewPageProto()
	in := Page{
		Items: []Item{
			item("a", 7, true),
			{ID: "b", CreatedAt: time.Date(2024, 1, 2, 3, 4, 5, 600, time.UTC)},
		},
		NextCursor: "next",
	}
	b, err := codec.Encode(in)
	require.NoError(t, err)
	out, err := codec.Decode(b)
	require.NoError(t, err)

	assert.Equal(t, "next", out.NextCursor)
	require.Len(t, out.Items, 2)
	assert.Equal(t, in.Items[0], out.Items[0])
	assert.Nil(t, out.Items[1].Counters)
	assert.True(t, in.Items[1].CreatedAt.Equal(out.Items[1].CreatedAt))

	_, err = codec.Decode([]byte{0xff, 0xff})
	assert.Error(t, err)
}
