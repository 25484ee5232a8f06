// Package feedcache implements a client-side cache of paginated feed collections
// (comments, replies) with optimistic mutations. A user action is applied to the
// cached view immediately, the authoritative write runs against a Gateway, and the
// view is reconciled with the server result or rolled back to a snapshot.
//
// Components:
//   - Store: ordered pages per CollectionKey. Copy-on-write, one writer per swap.
//   - Snapshot: single-use copy of a collection taken before a speculative edit.
//   - Engine: cancel fetch -> snapshot -> apply -> call gateway -> merge or restore -> mark stale.
//   - Scheduler: process-wide stale set (local by default, optional Redis backend).
//   - Refresher: background refetch of stale collections through a Fetcher.
//   - Mirror (optional): settled collections written to a provider.Provider and
//     hydrated back on a cold start. Hydrated collections are always stale.
//
// Keys:
//
//	<kind>:<parentID>                  - CollectionKey string form, e.g. "comments:p1"
//	coll:<ns>:<kind>:<parent>          - mirrored collection in a Provider
//
// Mutation pattern:
//
//	p := engine.Start(ctx, mutation) // speculative state visible on return
//	out, err := p.Wait()             // Reconciled or RolledBack; key is stale either way
package feedcache
