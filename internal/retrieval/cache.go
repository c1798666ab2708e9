package retrieval

import (
	"encoding/binary"
	"fmt"
	"hash/fnv"
	"math"
	"sync"
	"time"
)

// resultCache memoizes ranked, threshold-filtered result sets for a
// short TTL. The user id is part of the key, so one user's entries
// can never serve another. The token budget is applied after lookup,
// so it does not participate in the key.
type resultCache struct {
	mu      sync.Mutex
	entries map[string]cacheEntry
	maxSize int
	ttl     time.Duration
}

type cacheEntry struct {
	chunks   []Chunk
	storedAt time.Time
}

func newResultCache(maxSize int, ttl time.Duration) *resultCache {
	return &resultCache{
		entries: make(map[string]cacheEntry),
		maxSize: maxSize,
		ttl:     ttl,
	}
}

// cacheKey derives the lookup key. Embeddings are rounded so nearly
// identical query vectors (same query re-embedded) share an entry.
func cacheKey(req Request) string {
	h := fnv.New64a()
	var buf [8]byte
	for _, f := range req.Embedding {
		rounded := math.Round(float64(f)*1000) / 1000
		binary.LittleEndian.PutUint64(buf[:], math.Float64bits(rounded))
		h.Write(buf[:])
	}
	return fmt.Sprintf("%s|%x|%.4f|%d", req.UserID, h.Sum64(), req.SimilarityThreshold, req.MaxChunks)
}

func (c *resultCache) get(key string) ([]Chunk, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	if time.Since(entry.storedAt) > c.ttl {
		delete(c.entries, key)
		return nil, false
	}
	return entry.chunks, true
}

func (c *resultCache) set(key string, chunks []Chunk) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.entries) >= c.maxSize {
		// Evict the oldest entry.
		var oldestKey string
		var oldest time.Time
		for k, e := range c.entries {
			if oldestKey == "" || e.storedAt.Before(oldest) {
				oldestKey = k
				oldest = e.storedAt
			}
		}
		if oldestKey != "" {
			delete(c.entries, oldestKey)
		}
	}
	c.entries[key] = cacheEntry{chunks: chunks, storedAt: time.Now()}
}
