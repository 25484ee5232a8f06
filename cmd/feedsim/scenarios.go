package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/unkn0wn-root/feedcache"
)

type scenario struct {
	name  string
	about string
	run   func(ctx context.Context, w io.Writer, e *simEnv) error
}

var scenarios = []scenario{
	{"create", "comment on an empty post; placeholder becomes the server item", runCreate},
	{"like-rollback", "like a reply; the write fails and the like is undone", runLikeRollback},
	{"unlike-during-fetch", "unlike while a refetch is in flight; the fetch is cancelled", runUnlikeDuringFetch},
	{"like-unlike", "like then unlike quickly; the last settle decides", runLikeUnlike},
	{"restart", "a new process hydrates the view from the mirror", runRestart},
	{"resync", "the refresher brings every stale view back in sync", runResync},
}

func (e *simEnv) runAll(ctx context.Context, w io.Writer, selected []scenario) error {
	ctx = feedcache.WithIdentity(ctx, e.cfg.UserID)
	failed := 0
	for _, s := range selected {
		fmt.Fprintf(w, "== %s: %s\n", s.name, s.about)
		start := time.Now()
		if err := s.run(ctx, w, e); err != nil {
			failed++
			fmt.Fprintf(w, "   FAIL: %v\n", err)
			e.log.Error("scenario failed", zap.String("scenario", s.name), zap.Error(err))
			continue
		}
		fmt.Fprintf(w, "   ok (%s)\n", time.Since(start).Round(time.Millisecond))
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d scenarios failed", failed, len(selected))
	}
	return nil
}

func uniq(prefix string) string { return prefix + "-" + uuid.NewString()[:8] }

func show(w io.Writer, label string, coll feedcache.Collection) {
	fmt.Fprintf(w, "   %-12s", label)
	if coll.Len() == 0 {
		fmt.Fprintln(w, " (empty)")
		return
	}
	for _, it := range coll.Items() {
		mark := ""
		if it.Pending {
			mark = "*"
		}
		heart := "-"
		if it.LikedByMe {
			heart = "+"
		}
		fmt.Fprintf(w, " [%s%s %d%s]", it.ID, mark, it.Likes(), heart)
	}
	fmt.Fprintln(w)
}

func (e *simEnv) get(key feedcache.CollectionKey) feedcache.Collection {
	coll, _ := e.eng.Store().Get(key)
	return coll
}

func (e *simEnv) find(key feedcache.CollectionKey, id string) (feedcache.Item, error) {
	it, _, _, ok := e.get(key).Find(id)
	if !ok {
		return feedcache.Item{}, fmt.Errorf("item %s missing from %s", id, key)
	}
	return it, nil
}

func expectLike(it feedcache.Item, likes int64, liked bool) error {
	if it.Likes() != likes || it.LikedByMe != liked {
		return fmt.Errorf("item %s: got (%d, %v), want (%d, %v)", it.ID, it.Likes(), it.LikedByMe, likes, liked)
	}
	return nil
}

// seedReply puts reply id with likes from n other users under a fresh comment.
func (e *simEnv) seedReply(ctx context.Context, id string, n int, likedByMe bool) (feedcache.CollectionKey, error) {
	key := feedcache.Replies(uniq("comment"))
	likers := make([]string, 0, n+1)
	for i := 0; i < n; i++ {
		likers = append(likers, fmt.Sprintf("u-%d", i))
	}
	if likedByMe {
		likers = append(likers, e.cfg.UserID)
	}
	e.gw.Seed(key, feedcache.Item{ID: id, AuthorID: "u-0", Content: "nice", CreatedAt: time.Now().UTC()}, likers...)
	return key, e.ref.Refresh(ctx, key)
}

func runCreate(ctx context.Context, w io.Writer, e *simEnv) error {
	key := feedcache.Comments(uniq("post"))
	if err := e.ref.Refresh(ctx, key); err != nil {
		return err
	}
	show(w, "fetched", e.get(key))

	p := e.eng.CreateItem(ctx, key, "hello")
	speculative := e.get(key)
	show(w, "speculative", speculative)
	if speculative.Len() != 1 || !speculative.Items()[0].Pending {
		return errors.New("placeholder not at the head of page 0")
	}

	out, err := p.Wait()
	if err != nil {
		return err
	}
	final := e.get(key)
	show(w, "settled", final)
	if head := final.Pages[0].Items[0]; head.ID != out.Record.ID || head.Pending {
		return fmt.Errorf("head is %s, want confirmed %s", head.ID, out.Record.ID)
	}
	return nil
}

func runLikeRollback(ctx context.Context, w io.Writer, e *simEnv) error {
	key, err := e.seedReply(ctx, "R", 3, false)
	if err != nil {
		return err
	}
	show(w, "fetched", e.get(key))

	e.faults.force("set_like_state")
	p := e.eng.Like(ctx, key, "R")
	it, err := e.find(key, "R")
	if err != nil {
		return err
	}
	show(w, "speculative", e.get(key))
	if err := expectLike(it, 4, true); err != nil {
		return err
	}

	_, err = p.Wait()
	var me *feedcache.MutationError
	if !errors.As(err, &me) || me.Reason != feedcache.ReasonNetwork {
		return fmt.Errorf("want a network rollback, got %v", err)
	}
	fmt.Fprintf(w, "   error        %v (retryable=%v)\n", err, me.Retryable())
	show(w, "rolled back", e.get(key))
	if it, err = e.find(key, "R"); err != nil {
		return err
	}
	return expectLike(it, 3, false)
}

func runUnlikeDuringFetch(ctx context.Context, w io.Writer, e *simEnv) error {
	if e.cfg.Latency <= 0 {
		fmt.Fprintln(w, "   skipped: needs --latency > 0 to catch a fetch in flight")
		return nil
	}
	key, err := e.seedReply(ctx, "R", 3, true)
	if err != nil {
		return err
	}
	show(w, "fetched", e.get(key))

	done := make(chan error, 1)
	go func() { done <- e.ref.Refresh(ctx, key) }()
	deadline := time.Now().Add(time.Second)
	for !e.eng.Store().HasPendingFetch(key) {
		if time.Now().After(deadline) {
			return errors.New("refetch never started")
		}
		time.Sleep(time.Millisecond)
	}
	fmt.Fprintln(w, "   refetch      pending")

	p := e.eng.Unlike(ctx, key, "R")
	show(w, "speculative", e.get(key))
	if ferr := <-done; !errors.Is(ferr, feedcache.ErrFetchDropped) {
		return fmt.Errorf("refetch should be dropped, got %v", ferr)
	}
	fmt.Fprintln(w, "   refetch      dropped")

	if _, err := p.Wait(); err != nil && e.cfg.FailRate == 0 {
		return err
	}
	stale, err := e.eng.Scheduler().IsStale(ctx, key)
	if err != nil {
		return err
	}
	show(w, "settled", e.get(key))
	fmt.Fprintf(w, "   stale        %v\n", stale)
	if !stale {
		return errors.New("collection should be stale after settle")
	}
	return nil
}

func runLikeUnlike(ctx context.Context, w io.Writer, e *simEnv) error {
	key, err := e.seedReply(ctx, "R", 3, false)
	if err != nil {
		return err
	}
	show(w, "fetched", e.get(key))

	like := e.eng.Like(ctx, key, "R")
	unlike := e.eng.Unlike(ctx, key, "R")
	show(w, "speculative", e.get(key))

	lo, lerr := like.Wait()
	uo, uerr := unlike.Wait()
	fmt.Fprintf(w, "   like         %s %v\n", lo.State, lerr)
	fmt.Fprintf(w, "   unlike       %s %v\n", uo.State, uerr)
	show(w, "settled", e.get(key))

	if lerr == nil && uerr == nil {
		it, err := e.find(key, "R")
		if err != nil {
			return err
		}
		if err := expectLike(it, 3, false); err != nil {
			return err
		}
	}
	if err := e.ref.Refresh(ctx, key); err != nil {
		return err
	}
	show(w, "server", e.get(key))
	return nil
}

func runRestart(ctx context.Context, w io.Writer, e *simEnv) error {
	if e.opts.Mirror == nil {
		fmt.Fprintln(w, "   skipped: no mirror provider")
		return nil
	}
	key, err := e.seedReply(ctx, "R", 1, false)
	if err != nil {
		return err
	}
	if _, err := e.eng.Like(ctx, key, "R").Wait(); err != nil && e.cfg.FailRate == 0 {
		return err
	}
	show(w, "before", e.get(key))

	next, err := e.restarted()
	if err != nil {
		return err
	}
	defer func() { _ = next.Close(ctx) }()

	coll, ok, err := next.Observe(ctx, key)
	if err != nil {
		return err
	}
	if !ok {
		return errors.New("restarted engine found nothing in the mirror")
	}
	stale, _ := next.Scheduler().IsStale(ctx, key)
	show(w, "hydrated", coll)
	fmt.Fprintf(w, "   stale        %v (codec %s)\n", stale, e.cfg.Codec)
	if !stale {
		return errors.New("hydrated collection must be stale")
	}
	return nil
}

func runResync(ctx context.Context, w io.Writer, e *simEnv) error {
	sched := e.eng.Scheduler()
	before, err := sched.StaleKeys(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "   stale keys   %d\n", len(before))

	rctx, cancel := context.WithCancel(ctx)
	defer cancel()
	e.ref.Start(rctx)

	deadline := time.Now().Add(10 * time.Second)
	for {
		left, err := sched.StaleKeys(ctx)
		if err != nil {
			return err
		}
		if len(left) == 0 {
			break
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("%d keys still stale", len(left))
		}
		time.Sleep(20 * time.Millisecond)
	}
	fmt.Fprintf(w, "   stale keys   0 (cached %d)\n", len(e.eng.Store().Keys()))
	return nil
}
