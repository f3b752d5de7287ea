// Package cache provides the bounded model cache for expensive engine resources.
//
// This package includes:
//   - Cache: memory-budgeted table of resources with LRU and TTL eviction
//   - Handle: a borrowed, reference-counted view of one entry for one job
//   - Factory and Resolver: how resources are constructed and looked up by key
//   - Sliding-window hit rate with alert and recovery notifications
//
// Entries with outstanding borrows are never evicted. Construction of a key is
// coalesced so concurrent callers wait only for the key they asked for.
package cache
