// Package promhooks exports feedcache events as Prometheus counters.
package promhooks

import (
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/unkn0wn-root/feedcache"
)

// Hooks counts events by collection kind (never by full key, to bound
// label cardinality).
type Hooks struct {
	staged     *prometheus.CounterVec
	reconciled *prometheus.CounterVec
	rolledBack *prometheus.CounterVec
	fetches    *prometheus.CounterVec
	superseded *prometheus.CounterVec
	violations *prometheus.CounterVec
	staleErrs  *prometheus.CounterVec
	mirrorErrs *prometheus.CounterVec
}

var _ feedcache.Hooks = (*Hooks)(nil)

// New registers the counters on reg under namespace (e.g. "app").
func New(reg prometheus.Registerer, namespace string) *Hooks {
	f := promauto.With(reg)
	vec := func(name, help string, labels ...string) *prometheus.CounterVec {
		return f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "feedcache",
			Name:      name,
			Help:      help,
		}, labels)
	}
	return &Hooks{
		staged:     vec("mutations_staged_total", "Speculative transforms applied.", "kind", "mutation"),
		reconciled: vec("mutations_reconciled_total", "Mutations confirmed by the gateway.", "kind", "mutation", "merged"),
		rolledBack: vec("mutations_rolled_back_total", "Mutations rolled back after a gateway failure.", "kind", "mutation", "reason"),
		fetches:    vec("fetches_discarded_total", "Background fetches cancelled or dropped.", "kind", "outcome"),
		superseded: vec("restores_superseded_total", "Rollback restores skipped because a newer write owned the key.", "kind"),
		violations: vec("invariant_violations_total", "Writes discarded for breaking a cache invariant.", "kind"),
		staleErrs:  vec("stale_mark_errors_total", "Failures marking a collection stale.", "kind"),
		mirrorErrs: vec("mirror_errors_total", "Mirror provider failures.", "kind", "op"),
	}
}

func kind(key string) string {
	k, _, _ := strings.Cut(key, ":")
	return k
}

func (h *Hooks) MutationStaged(key, mutation string) {
	h.staged.WithLabelValues(kind(key), mutation).Inc()
}

func (h *Hooks) MutationReconciled(key, mutation string, merged bool) {
	m := "false"
	if merged {
		m = "true"
	}
	h.reconciled.WithLabelValues(kind(key), mutation, m).Inc()
}

func (h *Hooks) MutationRolledBack(key, mutation string, reason feedcache.Reason) {
	h.rolledBack.WithLabelValues(kind(key), mutation, string(reason)).Inc()
}

func (h *Hooks) FetchCancelled(key string) { h.fetches.WithLabelValues(kind(key), "cancelled").Inc() }
func (h *Hooks) FetchDropped(key string)   { h.fetches.WithLabelValues(kind(key), "dropped").Inc() }

func (h *Hooks) RestoreSuperseded(key string, _, _ uint64) {
	h.superseded.WithLabelValues(kind(key)).Inc()
}

func (h *Hooks) InvariantViolation(key string, _ error) {
	h.violations.WithLabelValues(kind(key)).Inc()
}

func (h *Hooks) StaleMarkError(key string, _ error) {
	h.staleErrs.WithLabelValues(kind(key)).Inc()
}

func (h *Hooks) MirrorError(key, op string, _ error) {
	h.mirrorErrs.WithLabelValues(kind(key), op).Inc()
}
