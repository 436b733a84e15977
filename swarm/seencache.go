package swarm

import (
	"sync"

	lru "github.com/hashicorp/golang-lru"
)

// defaultSeenCacheSize bounds the number of recently-seen dial keys kept in
// memory.
const defaultSeenCacheSize = 4096

// SeenCache deduplicates concurrent or rapid-fire operations keyed by an
// arbitrary string (peer ID, address text form, AutoNAT nonce), evicting the
// least recently used entry once full.
type SeenCache struct {
	mu    sync.Mutex
	cache *lru.Cache
}

// NewSeenCache creates a SeenCache holding up to size entries (<=0 selects
// the default).
func NewSeenCache(size int) *SeenCache {
	if size <= 0 {
		size = defaultSeenCacheSize
	}
	c, err := lru.New(size)
	if err != nil {
		// Only returns an error for size <= 0, already guarded above.
		panic(err)
	}
	return &SeenCache{cache: c}
}

// CheckAndAdd reports whether key was already present, adding it if not.
func (s *SeenCache) CheckAndAdd(key string) (alreadySeen bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cache.Contains(key) {
		return true
	}
	s.cache.Add(key, struct{}{})
	return false
}

// Remove evicts key, if present.
func (s *SeenCache) Remove(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cache.Remove(key)
}

// Len reports the number of entries currently cached.
func (s *SeenCache) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cache.Len()
}
