package feedcache

import (
	"fmt"
	"strings"
	"time"
)

// EntityKind names the kind of item a collection holds.
type EntityKind string

const (
	KindComments EntityKind = "comments"
	KindReplies  EntityKind = "replies"
)

// CounterLikes is the Counters entry kept in step with Item.LikedByMe.
const CounterLikes = "likes"

// CollectionKey identifies one logical paginated list, e.g. the comments of a
// post or the replies of a comment.
type CollectionKey struct {
	Kind     EntityKind
	ParentID string
}

func Comments(postID string) CollectionKey   { return CollectionKey{Kind: KindComments, ParentID: postID} }
func Replies(commentID string) CollectionKey { return CollectionKey{Kind: KindReplies, ParentID: commentID} }

func (k CollectionKey) String() string { return string(k.Kind) + ":" + k.ParentID }

// ParseCollectionKey is the inverse of CollectionKey.String.
func ParseCollectionKey(s string) (CollectionKey, error) {
	kind, parent, ok := strings.Cut(s, ":")
	if !ok || kind == "" || parent == "" {
		return CollectionKey{}, fmt.Errorf("feedcache: invalid collection key %q", s)
	}
	return CollectionKey{Kind: EntityKind(kind), ParentID: parent}, nil
}

// Item is a comment or reply as the view renders it.
type Item struct {
	ID        string           `json:"id" msgpack:"id" cbor:"id"`
	ParentID  string           `json:"parent_id" msgpack:"parent_id" cbor:"parent_id"`
	AuthorID  string           `json:"author_id" msgpack:"author_id" cbor:"author_id"`
	Content   string           `json:"content" msgpack:"content" cbor:"content"`
	CreatedAt time.Time        `json:"created_at" msgpack:"created_at" cbor:"created_at"`
	Counters  map[string]int64 `json:"counters,omitempty" msgpack:"counters,omitempty" cbor:"counters,omitempty"`
	LikedByMe bool             `json:"liked_by_me" msgpack:"liked_by_me" cbor:"liked_by_me"`
	// Pending marks a speculative placeholder not yet confirmed by the server.
	Pending bool `json:"pending,omitempty" msgpack:"pending,omitempty" cbor:"pending,omitempty"`
}

// Likes returns the like counter.
func (it Item) Likes() int64 { return it.Counters[CounterLikes] }

// withCounter returns a copy of it with counter name moved by delta.
// The Counters map is copied; the receiver is left untouched.
func (it Item) withCounter(name string, delta int64) Item {
	m := make(map[string]int64, len(it.Counters)+1)
	for k, v := range it.Counters {
		m[k] = v
	}
	m[name] += delta
	it.Counters = m
	return it
}

// Page is one fetched page. NextCursor is opaque and empty on the last page.
type Page struct {
	Items      []Item `json:"items" msgpack:"items" cbor:"items"`
	NextCursor string `json:"next_cursor,omitempty" msgpack:"next_cursor,omitempty" cbor:"next_cursor,omitempty"`
}

// Collection is the ordered page sequence of one CollectionKey.
// Values are treated as immutable: transforms build new slices for the pages
// they change and share the rest.
type Collection struct {
	Pages []Page
}

// Len returns the total item count across pages.
func (c Collection) Len() int {
	n := 0
	for _, p := range c.Pages {
		n += len(p.Items)
	}
	return n
}

// Find returns the item with id and its position.
func (c Collection) Find(id string) (it Item, page, index int, ok bool) {
	for pi, p := range c.Pages {
		for ii, x := range p.Items {
			if x.ID == id {
				return x, pi, ii, true
			}
		}
	}
	return Item{}, -1, -1, false
}

// Items flattens all pages in order.
func (c Collection) Items() []Item {
	out := make([]Item, 0, c.Len())
	for _, p := range c.Pages {
		out = append(out, p.Items...)
	}
	return out
}

// clone copies the page slice header only; items are shared.
func (c Collection) clone() Collection {
	if c.Pages == nil {
		return Collection{}
	}
	pages := make([]Page, len(c.Pages))
	copy(pages, c.Pages)
	return Collection{Pages: pages}
}

// duplicateID reports the first id that appears more than once.
func (c Collection) duplicateID() (string, bool) {
	seen := make(map[string]struct{}, c.Len())
	for _, p := range c.Pages {
		for _, it := range p.Items {
			if _, ok := seen[it.ID]; ok {
				return it.ID, true
			}
			seen[it.ID] = struct{}{}
		}
	}
	return "", false
}
