// Package cache implements the client-side data cache behind the dashboard:
// a two-tier Store (in-memory map + durable Backing under a private namespace)
// with write-time batch eviction, a Bus that fans invalidation events out to
// independently activated consumers, and Resource controllers that bind a
// fetcher to a cache key with stale-while-revalidate semantics and
// sequence-guarded refresh. Resource.Optimistic carries the
// mutate-locally / write-remote / rollback-or-invalidate pattern used by the
// list controllers.
//
// Storage faults never escape this package: a broken or full durable tier
// degrades to memory-only operation or a cache miss.
package cache
