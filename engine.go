package feedcache

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

const tracerName = "github.com/unkn0wn-root/feedcache"

// State is the lifecycle position of one mutation.
type State int32

const (
	StateIdle State = iota
	StateStaging
	StateInFlight
	StateReconciled
	StateRolledBack
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateStaging:
		return "staging"
	case StateInFlight:
		return "in_flight"
	case StateReconciled:
		return "reconciled"
	case StateRolledBack:
		return "rolled_back"
	default:
		return "unknown"
	}
}

// Result is what a successful remote call returns. A nil Record is a plain ack.
type Result struct {
	Record *Item
}

// Mutation describes one optimistic write.
type Mutation struct {
	Name  string
	Key   CollectionKey
	Apply Transform                                 // speculative edit, applied before Call
	Call  func(ctx context.Context) (Result, error) // authoritative remote write
	Merge func(confirmed Item) Transform            // optional; applied when Call returns a record
}

// Outcome is the settled result of a mutation.
type Outcome struct {
	State  State
	Record *Item
	Seq    uint64 // store seq of the speculative write
	Err    error
}

// Pending is a mutation that has been staged. Its speculative state is
// already visible in the store.
type Pending struct {
	state atomic.Int32
	done  chan struct{}
	out   Outcome
}

func (p *Pending) State() State          { return State(p.state.Load()) }
func (p *Pending) Done() <-chan struct{} { return p.done }
func (p *Pending) setState(s State)      { p.state.Store(int32(s)) }

// Wait blocks until the mutation settles.
func (p *Pending) Wait() (Outcome, error) {
	<-p.done
	return p.out, p.out.Err
}

func (p *Pending) finish(out Outcome) {
	p.out = out
	p.setState(out.State)
	close(p.done)
}

// Engine runs optimistic mutations against a Store and reports every settle
// to a Scheduler. It is the only writer of speculative state.
type Engine struct {
	store  *Store
	sched  *Scheduler
	gw     Gateway
	log    Logger
	hooks  Hooks
	guard  bool
	tracer trace.Tracer
	newID  func() string
	now    func() time.Time

	inflight sync.WaitGroup
}

func NewEngine(store *Store, sched *Scheduler, gw Gateway, opts Options) *Engine {
	e := &Engine{
		store: store,
		sched: sched,
		gw:    gw,
		guard: opts.GuardRestores,
	}
	e.log = coalesce[Logger](opts.Logger, NopLogger{})
	e.hooks = coalesce[Hooks](opts.Hooks, NopHooks{})
	e.tracer = coalesce[trace.Tracer](opts.Tracer, noop.NewTracerProvider().Tracer(tracerName))
	if opts.NewPlaceholderID != nil {
		e.newID = opts.NewPlaceholderID
	} else {
		e.newID = func() string { return "tmp-" + uuid.NewString() }
	}
	if opts.Now != nil {
		e.now = opts.Now
	} else {
		e.now = time.Now
	}
	return e
}

func (e *Engine) Store() *Store         { return e.store }
func (e *Engine) Scheduler() *Scheduler { return e.sched }

// Start stages m synchronously and runs its remote call in the background.
// When Start returns, the speculative transform is visible in the store.
func (e *Engine) Start(ctx context.Context, m Mutation) *Pending {
	p := &Pending{done: make(chan struct{})}
	key := m.Key.String()

	ctx, span := e.tracer.Start(ctx, "feedcache.mutate", trace.WithAttributes(
		attribute.String("feedcache.mutation", m.Name),
		attribute.String("feedcache.key", key),
	))

	p.setState(StateStaging)
	if m.Apply == nil || m.Call == nil {
		err := fmt.Errorf("%w: mutation %q needs Apply and Call", ErrInvalidMutation, m.Name)
		e.log.Error("mutation rejected", Fields{"key": key, "mutation": m.Name, "err": err})
		out := Outcome{State: StateRolledBack, Err: err}
		e.settle(ctx, m, &out)
		span.RecordError(err)
		span.SetStatus(codes.Error, "invalid mutation")
		span.End()
		p.finish(out)
		return p
	}
	snap, seq, cancelled, err := e.store.Stage(m.Key, m.Apply)
	if cancelled {
		e.log.Debug("cancelled pending fetch before speculative write", Fields{"key": key, "mutation": m.Name})
	}
	if err != nil {
		// transform discarded, prior state retained; nothing was sent
		out := Outcome{State: StateRolledBack, Err: err}
		e.settle(ctx, m, &out)
		span.RecordError(err)
		span.SetStatus(codes.Error, "speculative transform rejected")
		span.End()
		p.finish(out)
		return p
	}
	e.hooks.MutationStaged(key, m.Name)
	span.AddEvent("staged", trace.WithAttributes(attribute.Int64("feedcache.seq", int64(seq))))

	p.setState(StateInFlight)
	e.inflight.Add(1)
	go e.run(ctx, span, p, m, snap, seq)
	return p
}

// Mutate runs m and waits for it to settle.
func (e *Engine) Mutate(ctx context.Context, m Mutation) (Outcome, error) {
	return e.Start(ctx, m).Wait()
}

func (e *Engine) run(ctx context.Context, span trace.Span, p *Pending, m Mutation, snap *Snapshot, seq uint64) {
	defer e.inflight.Done()
	defer span.End()

	// once in flight the write is not cancellable
	ctx = context.WithoutCancel(ctx)
	key := m.Key.String()
	out := Outcome{Seq: seq}

	res, callErr := m.Call(ctx)
	if callErr == nil {
		out.State = StateReconciled
		merged := false
		if res.Record != nil {
			rec := *res.Record
			out.Record = &rec
			if m.Merge != nil {
				if _, err := e.store.Set(m.Key, m.Merge(rec)); err != nil {
					e.log.Warn("merge of confirmed record discarded", Fields{"key": key, "mutation": m.Name, "err": err})
				} else {
					merged = true
				}
			}
		}
		snap.Discard()
		e.store.Unstage(ctx, m.Key, true)
		e.hooks.MutationReconciled(key, m.Name, merged)
		e.log.Debug("mutation reconciled", Fields{"key": key, "mutation": m.Name, "merged": merged})
	} else {
		reason := ReasonOf(callErr)
		out.State = StateRolledBack
		out.Err = &MutationError{Key: m.Key, Mutation: m.Name, Reason: reason, Err: callErr}
		restored, err := e.store.restore(snap, seq, e.guard)
		if err != nil {
			e.log.Error("rollback failed", Fields{"key": key, "mutation": m.Name, "err": err})
		}
		e.store.Unstage(ctx, m.Key, restored)
		e.hooks.MutationRolledBack(key, m.Name, reason)
		e.log.Info("mutation rolled back", Fields{"key": key, "mutation": m.Name, "reason": string(reason), "restored": restored, "err": callErr})
		span.RecordError(callErr)
		span.SetStatus(codes.Error, string(reason))
	}

	e.settle(ctx, m, &out)
	span.SetAttributes(attribute.String("feedcache.state", out.State.String()))
	p.finish(out)
}

// settle marks the key stale whatever happened before it.
func (e *Engine) settle(ctx context.Context, m Mutation, out *Outcome) {
	err := e.sched.MarkStale(ctx, m.Key)
	if err == nil {
		return
	}
	e.hooks.StaleMarkError(m.Key.String(), err)
	var me *MutationError
	if errors.As(out.Err, &me) {
		me.StaleErr = err
		return
	}
	out.Err = &MutationError{Key: m.Key, Mutation: m.Name, Err: out.Err, StaleErr: err}
}

// CreateItem prepends a pending placeholder to page 0 of key and asks the
// gateway to create the item. On success the placeholder is replaced by the
// server record; on failure it is rolled back.
func (e *Engine) CreateItem(ctx context.Context, key CollectionKey, content string) *Pending {
	author, _ := IdentityFrom(ctx)
	placeholder := Item{
		ID:        e.newID(),
		ParentID:  key.ParentID,
		AuthorID:  author,
		Content:   content,
		CreatedAt: e.now(),
		Counters:  map[string]int64{CounterLikes: 0},
		Pending:   true,
	}
	return e.Start(ctx, Mutation{
		Name:  "create",
		Key:   key,
		Apply: PrependItem(placeholder),
		Call: func(ctx context.Context) (Result, error) {
			it, err := e.gw.CreateItem(ctx, key, content)
			if err != nil {
				return Result{}, err
			}
			it.Pending = false
			return Result{Record: &it}, nil
		},
		Merge: func(rec Item) Transform { return ReplaceItem(placeholder.ID, rec) },
	})
}

// SetLiked flips the liked flag and like counter of itemID together and
// asks the gateway to persist it. The speculative state is final on success.
func (e *Engine) SetLiked(ctx context.Context, key CollectionKey, itemID string, liked bool) *Pending {
	name := "unlike"
	if liked {
		name = "like"
	}
	return e.Start(ctx, Mutation{
		Name:  name,
		Key:   key,
		Apply: SetLiked(itemID, liked),
		Call: func(ctx context.Context) (Result, error) {
			return Result{}, e.gw.SetLikeState(ctx, key, itemID, liked)
		},
	})
}

func (e *Engine) Like(ctx context.Context, key CollectionKey, itemID string) *Pending {
	return e.SetLiked(ctx, key, itemID, true)
}

func (e *Engine) Unlike(ctx context.Context, key CollectionKey, itemID string) *Pending {
	return e.SetLiked(ctx, key, itemID, false)
}

// Observe returns key's collection for a view. A key missing locally is
// hydrated from the mirror (and marked stale, the mirror is only a hint).
// Stale or missing keys are announced so a Refresher fetches them.
func (e *Engine) Observe(ctx context.Context, key CollectionKey) (Collection, bool, error) {
	coll, ok := e.store.Get(key)
	if !ok {
		hydrated, err := e.store.Hydrate(ctx, key)
		if err != nil {
			e.log.Warn("hydrate failed", Fields{"key": key.String(), "err": err})
		}
		if hydrated {
			if err := e.sched.MarkStale(ctx, key); err != nil {
				e.hooks.StaleMarkError(key.String(), err)
			}
			coll, ok = e.store.Get(key)
		}
	}
	stale, err := e.sched.IsStale(ctx, key)
	if err != nil {
		return coll, ok, err
	}
	if stale || !ok {
		e.sched.Announce(key)
	}
	return coll, ok, nil
}

// Close waits for in-flight mutations to settle (or ctx to end), then closes
// the scheduler and the store's mirror.
func (e *Engine) Close(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		e.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}
	return errors.Join(e.sched.Close(ctx), e.store.Close(ctx))
}
