// Package cache provides a sharded, reference-counted deduplication map.
//
// It backs object caches where equal descriptions must map to one live
// object and the object must be destroyed exactly when its last user
// releases it. Unlike an LRU, entries never leave the map behind the
// caller's back: lifetime is driven entirely by Acquire/Release pairing.
package cache

import (
	"fmt"
	"hash/fnv"
	"sync"
	"sync/atomic"
)

const (
	// DefaultShardCount is the number of shards for reduced lock contention.
	// Must be a power of 2 for fast modulo via bitwise AND.
	DefaultShardCount = 16

	// shardMask is used for fast shard selection (DefaultShardCount - 1).
	shardMask = DefaultShardCount - 1
)

// Hasher is a function that computes a hash for a key.
// Used by Dedup for shard selection.
type Hasher[K any] func(K) uint64

// StringHasher computes FNV-1a hash of a string key.
func StringHasher(s string) uint64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(s)) // fnv.Write never returns an error
	return h.Sum64()
}

// Uint64Hasher returns the key itself as the hash (identity hash).
func Uint64Hasher(u uint64) uint64 {
	return u
}

// ValueHasher computes FNV-1a over the key's formatted representation.
// Slower than the typed hashers but works for any comparable key, which
// makes it the default choice for struct descriptors.
func ValueHasher[K any](k K) uint64 {
	h := fnv.New64a()
	_, _ = fmt.Fprintf(h, "%v", k)
	return h.Sum64()
}

// Dedup is a thread-safe, sharded, reference-counted deduplication map.
//
// Acquire either returns the existing value for a key (bumping its
// reference count) or creates it. Release drops one reference and, at
// zero, removes the entry and hands the value to the caller's evict
// function. Two concurrent Acquires for the same key are guaranteed to
// observe the same value.
type Dedup[K comparable, V any] struct {
	shards [DefaultShardCount]*dedupShard[K, V]
	hasher Hasher[K]

	// Statistics (atomic for zero-allocation reads)
	hits      atomic.Uint64
	misses    atomic.Uint64
	evictions atomic.Uint64
}

// dedupShard is a single shard of the map.
// Each shard has its own mutex for reduced contention.
type dedupShard[K comparable, V any] struct {
	mu      sync.Mutex
	entries map[K]*dedupEntry[V]
}

// dedupEntry holds a value and its reference count.
type dedupEntry[V any] struct {
	value V
	refs  int
}

// NewDedup creates a deduplication map.
//
// The hasher function is used to compute hash values for shard
// selection. Use StringHasher or Uint64Hasher for those key types and
// ValueHasher for struct keys.
func NewDedup[K comparable, V any](hasher Hasher[K]) *Dedup[K, V] {
	c := &Dedup[K, V]{hasher: hasher}
	for i := range c.shards {
		c.shards[i] = &dedupShard[K, V]{
			entries: make(map[K]*dedupEntry[V]),
		}
	}
	return c
}

// getShard returns the shard for a given key.
// Uses bitwise AND for fast modulo (only works with power-of-2 shard count).
func (c *Dedup[K, V]) getShard(key K) *dedupShard[K, V] {
	hash := c.hasher(key)
	return c.shards[hash&shardMask]
}

// Acquire returns the value for key, creating it with create when no
// entry exists, and takes one reference on it. Pair every Acquire with
// exactly one Release.
//
// The create function is called with the shard lock held so concurrent
// acquirers of the same key never build the value twice. Keep it fast
// to minimize lock contention; when it fails no reference is taken.
func (c *Dedup[K, V]) Acquire(key K, create func() (V, error)) (V, error) {
	shard := c.getShard(key)

	shard.mu.Lock()
	defer shard.mu.Unlock()

	if entry, ok := shard.entries[key]; ok {
		entry.refs++
		c.hits.Add(1)
		return entry.value, nil
	}

	c.misses.Add(1)

	value, err := create()
	if err != nil {
		var zero V
		return zero, err
	}
	shard.entries[key] = &dedupEntry[V]{value: value, refs: 1}
	return value, nil
}

// Release drops one reference from key's entry. When the count reaches
// zero the entry is removed and evict, if non-nil, is called with the
// value after the shard lock is released.
//
// Releasing a key with no entry reports false; over-releasing a live
// entry is the caller's bug and also reports false without going
// negative.
func (c *Dedup[K, V]) Release(key K, evict func(V)) bool {
	shard := c.getShard(key)

	shard.mu.Lock()
	entry, ok := shard.entries[key]
	if !ok || entry.refs <= 0 {
		shard.mu.Unlock()
		return false
	}
	entry.refs--
	if entry.refs > 0 {
		shard.mu.Unlock()
		return true
	}
	delete(shard.entries, key)
	shard.mu.Unlock()

	c.evictions.Add(1)
	if evict != nil {
		evict(entry.value)
	}
	return true
}

// Refs returns the current reference count for key, zero when absent.
func (c *Dedup[K, V]) Refs(key K) int {
	shard := c.getShard(key)
	shard.mu.Lock()
	defer shard.mu.Unlock()
	if entry, ok := shard.entries[key]; ok {
		return entry.refs
	}
	return 0
}

// Lookup returns the value for key without taking a reference.
// The caller must already hold one for the value to stay valid.
func (c *Dedup[K, V]) Lookup(key K) (V, bool) {
	shard := c.getShard(key)
	shard.mu.Lock()
	defer shard.mu.Unlock()
	if entry, ok := shard.entries[key]; ok {
		return entry.value, true
	}
	var zero V
	return zero, false
}

// Clear removes every entry regardless of reference count and calls
// evict, if non-nil, for each removed value. Meant for teardown after
// all users are gone.
func (c *Dedup[K, V]) Clear(evict func(V)) {
	for _, shard := range c.shards {
		shard.mu.Lock()
		entries := shard.entries
		shard.entries = make(map[K]*dedupEntry[V])
		shard.mu.Unlock()

		for _, entry := range entries {
			c.evictions.Add(1)
			if evict != nil {
				evict(entry.value)
			}
		}
	}
}

// Len returns the total number of live entries across all shards.
func (c *Dedup[K, V]) Len() int {
	total := 0
	for _, shard := range c.shards {
		shard.mu.Lock()
		total += len(shard.entries)
		shard.mu.Unlock()
	}
	return total
}

// Stats holds dedup map statistics.
type Stats struct {
	Len       int
	Hits      uint64
	Misses    uint64
	HitRate   float64
	Evictions uint64
}

// Stats returns current statistics.
// This operation is mostly lock-free (atomic counters).
func (c *Dedup[K, V]) Stats() Stats {
	hits := c.hits.Load()
	misses := c.misses.Load()

	var hitRate float64
	total := hits + misses
	if total > 0 {
		hitRate = float64(hits) / float64(total)
	}

	return Stats{
		Len:       c.Len(),
		Hits:      hits,
		Misses:    misses,
		HitRate:   hitRate,
		Evictions: c.evictions.Load(),
	}
}

// ResetStats resets all statistics counters to zero.
func (c *Dedup[K, V]) ResetStats() {
	c.hits.Store(0)
	c.misses.Store(0)
	c.evictions.Store(0)
}
