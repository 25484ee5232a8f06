package feedcache

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel/trace"

	c "github.com/unkn0wn-root/feedcache/codec"
	pr "github.com/unkn0wn-root/feedcache/provider"
	"github.com/unkn0wn-root/feedcache/stale"
)

// Gateway performs the authoritative remote writes. It owns its retry and
// timeout policy; the engine never retries. Failures should be *GatewayError
// values; anything else is treated as a network failure.
type Gateway interface {
	CreateItem(ctx context.Context, key CollectionKey, content string) (Item, error)
	SetLikeState(ctx context.Context, key CollectionKey, itemID string, liked bool) error
}

// Fetcher loads the current pages of a collection from the server.
// It must honor ctx cancellation.
type Fetcher interface {
	FetchPages(ctx context.Context, key CollectionKey) ([]Page, error)
}

// Options tune the store, scheduler and engine built by New.
// Only a Gateway is required; others have sensible defaults.
type Options struct {
	// Namespace isolates mirrored collections and the stale set. Required with Mirror.
	Namespace string

	Logger Logger // if nil, NopLogger is used
	Hooks  Hooks  // if nil, NopHooks is used

	// Strict panics on cache invariant violations (development builds).
	// Otherwise the offending write is logged, reported and discarded.
	Strict bool

	// GuardRestores skips a rollback restore when another write landed on the
	// key after this mutation's speculative transform. Default false:
	// the last mutation to settle wins.
	GuardRestores bool

	Mirror       pr.Provider   // optional byte store for settled collections
	Codec        c.Codec[Page] // page codec for Mirror; nil => codec.JSON[Page]
	MirrorTTL    time.Duration // 0 => 24h
	MaxPageBytes int           // decode limit for mirrored pages; 0 => unlimited

	Stale  stale.Set    // nil => stale.NewLocal (in-process)
	Tracer trace.Tracer // nil => noop tracer

	NewPlaceholderID func() string    // nil => "tmp-" + uuid
	Now              func() time.Time // nil => time.Now
}

// New builds a Store, a Scheduler and an Engine wired together.
func New(gw Gateway, opts Options) (*Engine, error) {
	if gw == nil {
		return nil, errors.New("feedcache: gateway is required")
	}
	st, err := NewStore(opts)
	if err != nil {
		return nil, err
	}
	set := opts.Stale
	if set == nil {
		set = stale.NewLocal(0, 0)
	}
	sched := NewScheduler(set, opts.Logger)
	return NewEngine(st, sched, gw, opts), nil
}
