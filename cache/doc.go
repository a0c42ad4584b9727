// Package cache holds rule artifacts and evaluation results.
//
// RuleCache stores rule bytes and metadata keyed by rule id, bounded by
// MaxSize with FIFO eviction, and answers tag queries through a TagIndex
// that is rebuilt only when the cache generation changes.
//
// The result side (Cache, MemoryCache, Keyer, Policy, ResultMiddleware)
// memoizes evaluation outputs keyed by rule id, content checksum and the
// canonical form of the input document.
package cache
