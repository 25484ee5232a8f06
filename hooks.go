package feedcache

// Hooks lightweight callbacks for high-signal events.
// Implementations MUST be cheap and non-blocking.
// The engine calls them while holding no locks, but on the mutation path.
type Hooks interface {
	// A speculative transform was applied to key.
	MutationStaged(key, mutation string)

	// The gateway confirmed the mutation; merged is true when a record was merged.
	MutationReconciled(key, mutation string, merged bool)

	// The gateway failed and the snapshot was restored (or the restore was skipped).
	MutationRolledBack(key, mutation string, reason Reason)

	// A pending background fetch was cancelled before a speculative transform.
	FetchCancelled(key string)

	// A fetch result arrived after its ticket was cancelled or replaced.
	FetchDropped(key string)

	// GuardRestores skipped a restore because a newer write owns the key.
	RestoreSuperseded(key string, snapshotSeq, currentSeq uint64)

	// A transform or restore broke a cache invariant and was discarded.
	InvariantViolation(key string, err error)

	// Marking a key stale failed (likely backend outage).
	StaleMarkError(key string, err error)

	// Mirror read/write/delete failed. op ∈ {"put", "get", "del", "decode"}
	MirrorError(key, op string, err error)
}

// NopHooks is the default no-op
type NopHooks struct{}

func (NopHooks) MutationStaged(string, string)             {}
func (NopHooks) MutationReconciled(string, string, bool)   {}
func (NopHooks) MutationRolledBack(string, string, Reason) {}
func (NopHooks) FetchCancelled(string)                     {}
func (NopHooks) FetchDropped(string)                       {}
func (NopHooks) RestoreSuperseded(string, uint64, uint64)  {}
func (NopHooks) InvariantViolation(string, error)          {}
func (NopHooks) StaleMarkError(string, error)              {}
func (NopHooks) MirrorError(string, string, error)         {}
