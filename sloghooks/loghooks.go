package sloghooks

import (
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"strings"
	"sync/atomic"

	"github.com/unkn0wn-root/feedcache"
)

type Options struct {
	// Sampling to avoid floods on hot paths; 0/1 = log all.
	StagedEvery     uint64
	ReconciledEvery uint64
	// Optional key redactor. Defaults to keeping the kind and hashing the
	// parent id ("comments:3f2a...") since parent ids can identify users.
	Redact func(string) string
}

type Hooks struct {
	l    *slog.Logger
	opts Options

	stagedCtr     atomic.Uint64
	reconciledCtr atomic.Uint64
}

var _ feedcache.Hooks = (*Hooks)(nil)

func New(l *slog.Logger, opts Options) *Hooks {
	return &Hooks{l: l, opts: opts}
}

func (h *Hooks) redact(k string) string {
	if h.opts.Redact != nil {
		return h.opts.Redact(k)
	}
	kind, parent, ok := strings.Cut(k, ":")
	if !ok {
		parent, kind = k, ""
	}
	sum := sha256.Sum256([]byte(parent))
	return kind + ":" + hex.EncodeToString(sum[:8])
}

func sample(n uint64, ctr *atomic.Uint64) bool {
	if n == 0 || n == 1 {
		return true
	}
	return ctr.Add(1)%n == 0
}

func (h *Hooks) MutationStaged(key, mutation string) {
	if h.l == nil || !sample(h.opts.StagedEvery, &h.stagedCtr) {
		return
	}
	h.l.Debug("feedcache.mutation_staged",
		"key", h.redact(key),
		"mutation", mutation)
}

func (h *Hooks) MutationReconciled(key, mutation string, merged bool) {
	if h.l == nil || !sample(h.opts.ReconciledEvery, &h.reconciledCtr) {
		return
	}
	h.l.Debug("feedcache.mutation_reconciled",
		"key", h.redact(key),
		"mutation", mutation,
		"merged", merged)
}

func (h *Hooks) MutationRolledBack(key, mutation string, reason feedcache.Reason) {
	if h.l == nil {
		return
	}
	h.l.Info("feedcache.mutation_rolled_back",
		"key", h.redact(key),
		"mutation", mutation,
		"reason", string(reason))
}

func (h *Hooks) FetchCancelled(key string) {
	if h.l == nil {
		return
	}
	h.l.Debug("feedcache.fetch_cancelled", "key", h.redact(key))
}

func (h *Hooks) FetchDropped(key string) {
	if h.l == nil {
		return
	}
	h.l.Debug("feedcache.fetch_dropped", "key", h.redact(key))
}

func (h *Hooks) RestoreSuperseded(key string, snapshotSeq, currentSeq uint64) {
	if h.l == nil {
		return
	}
	h.l.Warn("feedcache.restore_superseded",
		"key", h.redact(key),
		"snapshot_seq", snapshotSeq,
		"current_seq", currentSeq)
}

func (h *Hooks) InvariantViolation(key string, err error) {
	if h.l == nil {
		return
	}
	h.l.Error("feedcache.invariant_violation",
		"key", h.redact(key),
		"err", err)
}

func (h *Hooks) StaleMarkError(key string, err error) {
	if h.l == nil {
		return
	}
	h.l.Error("feedcache.stale_mark_error",
		"key", h.redact(key),
		"err", err)
}

func (h *Hooks) MirrorError(key, op string, err error) {
	if h.l == nil {
		return
	}
	h.l.Warn("feedcache.mirror_error",
		"key", h.redact(key),
		"op", op,
		"err", err)
}
