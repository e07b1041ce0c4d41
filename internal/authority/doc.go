// Package authority implements the commander's lease authority: the single
// source of truth for which worker may run. It holds at most one active lease
// system-wide, tracks per-run progress reported by the lease holder, and
// persists the whole aggregate through a store.Store after every mutation,
// inside the same critical section that performed it.
package authority
