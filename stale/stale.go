// Package stale holds the set of collection keys awaiting a refetch.
//
// Every Mark bumps a per-key generation and adds the key to the set. A refetch
// observes Gen before loading and calls ClearIf afterwards, so a mark that
// lands while the refetch is in flight keeps the key stale.
package stale

import "context"

// Set abstracts where staleness lives.
// Use Local (default) for one process, or Redis to share it across replicas.
type Set interface {
	// Mark adds key to the set and returns its new generation.
	Mark(ctx context.Context, key string) (uint64, error)
	// Gen returns the current generation; missing => 0.
	Gen(ctx context.Context, key string) (uint64, error)
	IsStale(ctx context.Context, key string) (bool, error)
	// Clear removes key regardless of generation.
	Clear(ctx context.Context, key string) error
	// ClearIf removes key only when its generation still equals gen.
	// It reports whether the key is no longer stale.
	ClearIf(ctx context.Context, key string, gen uint64) (bool, error)
	// Keys lists all stale keys in no particular order.
	Keys(ctx context.Context) ([]string, error)
	// Close releases resources (no-op ok).
	Close(context.Context) error
}
