package features

import (
	"context"
	"encoding/binary"
	"fmt"
	"math"
	"sync"
	"sync/atomic"

	"github.com/cespare/xxhash/v2"
)

// Fingerprint identifies the backend inputs a cached feature depends on.
type Fingerprint uint64

func (f Fingerprint) String() string { return fmt.Sprintf("%016x", uint64(f)) }

// Cache stores feature values by (feature name, fingerprint). Implementations
// must be safe for concurrent use by pipeline workers.
type Cache interface {
	Get(ctx context.Context, feature string, key Fingerprint) (Value, bool, error)
	Put(ctx context.Context, feature string, key Fingerprint, v Value) error
}

// Hasher builds fingerprints from typed fields. Each field is prefixed with a
// tag byte so that adjacent fields of different types cannot alias.
type Hasher struct {
	d   *xxhash.Digest
	buf [9]byte
}

// NewHasher returns an empty Hasher.
func NewHasher() *Hasher {
	return &Hasher{d: xxhash.New()}
}

func (h *Hasher) word(tag byte, v uint64) {
	h.buf[0] = tag
	binary.LittleEndian.PutUint64(h.buf[1:], v)
	_, _ = h.d.Write(h.buf[:])
}

// String adds a length-prefixed string.
func (h *Hasher) String(s string) *Hasher {
	h.word('s', uint64(len(s)))
	_, _ = h.d.WriteString(s)
	return h
}

// Int adds an integer.
func (h *Hasher) Int(v int64) *Hasher {
	h.word('i', uint64(v))
	return h
}

// Uint adds an unsigned integer.
func (h *Hasher) Uint(v uint64) *Hasher {
	h.word('u', v)
	return h
}

// Float adds a float by its bit pattern.
func (h *Hasher) Float(v float64) *Hasher {
	h.word('f', math.Float64bits(v))
	return h
}

// Floats adds a length-prefixed float slice.
func (h *Hasher) Floats(v []float64) *Hasher {
	h.word('v', uint64(len(v)))
	for _, x := range v {
		h.word('f', math.Float64bits(x))
	}
	return h
}

// Sum returns the fingerprint of everything added so far.
func (h *Hasher) Sum() Fingerprint {
	return Fingerprint(h.d.Sum64())
}

type cacheKey struct {
	feature string
	key     Fingerprint
}

// MemoryCache is a process-local Cache.
type MemoryCache struct {
	mu      sync.RWMutex
	entries map[cacheKey]Value

	hits   atomic.Int64
	misses atomic.Int64
}

// NewMemoryCache returns an empty MemoryCache.
func NewMemoryCache() *MemoryCache {
	return &MemoryCache{entries: make(map[cacheKey]Value)}
}

func (c *MemoryCache) Get(_ context.Context, feature string, key Fingerprint) (Value, bool, error) {
	c.mu.RLock()
	v, ok := c.entries[cacheKey{feature, key}]
	c.mu.RUnlock()
	if !ok {
		c.misses.Add(1)
		return Value{}, false, nil
	}
	c.hits.Add(1)
	return v.Clone(), true, nil
}

func (c *MemoryCache) Put(_ context.Context, feature string, key Fingerprint, v Value) error {
	c.mu.Lock()
	c.entries[cacheKey{feature, key}] = v.Clone()
	c.mu.Unlock()
	return nil
}

// Len returns the number of cached entries.
func (c *MemoryCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// Stats returns hit and miss counters.
func (c *MemoryCache) Stats() (hits, misses int64) {
	return c.hits.Load(), c.misses.Load()
}
