// Package cache memoizes expensive planning results keyed by a request
// fingerprint.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/gzpfarm/irrigation-engine/internal/domain"
)

// BuildFunc computes the value for a key on a cache miss.
type BuildFunc func(ctx context.Context) (any, error)

type entry struct {
	value     any
	expiresAt time.Time
}

// Cache is a TTL cache with at most one concurrent build per key.
// Expired entries are purged lazily on lookup. Build errors are shared
// with concurrent waiters but never stored.
type Cache struct {
	mu      sync.Mutex
	entries map[string]entry
	flight  singleflight.Group
	ttl     time.Duration

	hits   int64
	misses int64

	now func() time.Time
}

// New returns a cache whose entries live for ttl.
func New(ttl time.Duration) *Cache {
	return &Cache{
		entries: make(map[string]entry),
		ttl:     ttl,
		now:     time.Now,
	}
}

// GetOrBuild returns the cached value for key, building it at most once
// across concurrent callers. The second return reports a cache hit.
func (c *Cache) GetOrBuild(ctx context.Context, key string, build BuildFunc) (any, bool, error) {
	if v, ok := c.lookup(key); ok {
		atomic.AddInt64(&c.hits, 1)
		return v, true, nil
	}

	v, err, _ := c.flight.Do(key, func() (any, error) {
		// A racing builder may have stored the value already.
		if v, ok := c.lookup(key); ok {
			return v, nil
		}
		atomic.AddInt64(&c.misses, 1)
		v, err := build(ctx)
		if err != nil {
			return nil, err
		}
		c.mu.Lock()
		c.entries[key] = entry{value: v, expiresAt: c.now().Add(c.ttl)}
		c.mu.Unlock()
		return v, nil
	})
	if err != nil {
		return nil, false, err
	}
	return v, false, nil
}

func (c *Cache) lookup(key string) (any, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	if c.now().After(e.expiresAt) {
		delete(c.entries, key)
		return nil, false
	}
	return e.value, true
}

// PurgeExpired sweeps every expired entry and returns how many fell out.
func (c *Cache) PurgeExpired() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	now := c.now()
	for k, e := range c.entries {
		if now.After(e.expiresAt) {
			delete(c.entries, k)
			n++
		}
	}
	return n
}

// Stats returns the hit and miss counters.
func (c *Cache) Stats() (hits, misses int64) {
	return atomic.LoadInt64(&c.hits), atomic.LoadInt64(&c.misses)
}

// Len returns the number of live entries.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Fingerprint hashes any JSON-encodable value into a stable hex key.
// Struct field order is fixed by the type, and Go marshals map keys in
// sorted order, so equal values produce equal fingerprints.
func Fingerprint(v any) string {
	data, err := json.Marshal(v)
	if err != nil {
		data = []byte(fmt.Sprintf("%#v", v))
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// FingerprintRequest normalizes a regeneration request before hashing so
// that reordered but equivalent modification lists share a key.
func FingerprintRequest(req domain.RegenerationRequest) string {
	mods := append([]domain.Modification(nil), req.Modifications...)
	sort.Slice(mods, func(i, j int) bool {
		a, b := mods[i], mods[j]
		if a.Kind != b.Kind {
			return a.Kind < b.Kind
		}
		if a.FieldID != b.FieldID {
			return a.FieldID < b.FieldID
		}
		return a.BatchIndex < b.BatchIndex
	})
	norm := req
	norm.Modifications = mods
	return Fingerprint(norm)
}
