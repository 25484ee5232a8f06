package feedcache

import (
	"fmt"
	"time"

	"google.golang.org/protobuf/types/known/structpb"

	c "github.com/unkn0wn-root/feedcache/codec"
)

// PageProto is a protobuf Codec[Page] built on structpb, for mirrors shared
// with services that already speak protobuf. Counters travel as doubles and
// are exact up to 2^53.
type PageProto struct {
	inner c.Protobuf[*structpb.Struct]
}

var _ c.Codec[Page] = PageProto{}

func NewPageProto() PageProto {
	return PageProto{inner: c.NewProtobuf(func() *structpb.Struct { return &structpb.Struct{} })}
}

func (p PageProto) Name() string { return "protobuf-page" }

func (p PageProto) Encode(pg Page) ([]byte, error) {
	items := make([]any, 0, len(pg.Items))
	for _, it := range pg.Items {
		counters := make(map[string]any, len(it.Counters))
		for k, v := range it.Counters {
			counters[k] = float64(v)
		}
		items = append(items, map[string]any{
			"id":          it.ID,
			"parent_id":   it.ParentID,
			"author_id":   it.AuthorID,
			"content":     it.Content,
			"created_at":  it.CreatedAt.UTC().Format(time.RFC3339Nano),
			"counters":    counters,
			"liked_by_me": it.LikedByMe,
			"pending":     it.Pending,
		})
	}
	s, err := structpb.NewStruct(map[string]any{
		"items":       items,
		"next_cursor": pg.NextCursor,
	})
	if err != nil {
		return nil, fmt.Errorf("page to struct: %w", err)
	}
	return p.inner.Encode(s)
}

func (p PageProto) Decode(b []byte) (Page, error) {
	s, err := p.inner.Decode(b)
	if err != nil {
		return Page{}, err
	}
	fields := s.GetFields()
	pg := Page{NextCursor: fields["next_cursor"].GetStringValue()}
	for i, v := range fields["items"].GetListValue().GetValues() {
		f := v.GetStructValue().GetFields()
		if f == nil {
			return Page{}, fmt.Errorf("item %d: not a struct", i)
		}
		it := Item{
			ID:        f["id"].GetStringValue(),
			ParentID:  f["parent_id"].GetStringValue(),
			AuthorID:  f["author_id"].GetStringValue(),
			Content:   f["content"].GetStringValue(),
			LikedByMe: f["liked_by_me"].GetBoolValue(),
			Pending:   f["pending"].GetBoolValue(),
		}
		if ts := f["created_at"].GetStringValue(); ts != "" {
			if it.CreatedAt, err = time.Parse(time.RFC3339Nano, ts); err != nil {
				return Page{}, fmt.Errorf("item %d: created_at: %w", i, err)
			}
		}
		if cs := f["counters"].GetStructValue().GetFields(); len(cs) > 0 {
			it.Counters = make(map[string]int64, len(cs))
			for k, cv := range cs {
				it.Counters[k] = int64(cv.GetNumberValue())
			}
		}
		pg.Items = append(pg.Items, it)
	}
	return pg, nil
}
