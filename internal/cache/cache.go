// Package cache provides caching for rendered slices and query results.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/allegro/bigcache/v3"
	lru "github.com/hashicorp/golang-lru/v2"
)

// Config contains cache configuration.
type Config struct {
	SliceCacheSizeMB int
	SliceTTL         time.Duration
	QueryCacheSize   int
}

// Manager manages slice and query caches.
type Manager struct {
	sliceCache *bigcache.BigCache
	queryCache *lru.Cache[string, []byte]
}

// NewManager creates a new cache manager.
func NewManager(cfg Config) (*Manager, error) {
	sliceCacheConfig := bigcache.Config{
		Shards:             1024,
		LifeWindow:         cfg.SliceTTL,
		CleanWindow:        cfg.SliceTTL / 2,
		MaxEntriesInWindow: 100000,
		MaxEntrySize:       512 * 1024, // full-resolution slice PNGs
		HardMaxCacheSize:   cfg.SliceCacheSizeMB,
		Verbose:            false,
	}

	sliceCache, err := bigcache.New(context.Background(), sliceCacheConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create slice cache: %w", err)
	}

	queryCache, err := lru.New[string, []byte](cfg.QueryCacheSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create query cache: %w", err)
	}

	return &Manager{
		sliceCache: sliceCache,
		queryCache: queryCache,
	}, nil
}

// GetSlice retrieves a rendered slice from cache.
func (m *Manager) GetSlice(key string) ([]byte, bool) {
	data, err := m.sliceCache.Get(key)
	if err != nil {
		return nil, false
	}
	return data, true
}

// SetSlice stores a rendered slice in cache.
func (m *Manager) SetSlice(key string, data []byte) error {
	return m.sliceCache.Set(key, data)
}

// GetQuery retrieves a query result from cache.
func (m *Manager) GetQuery(key string) ([]byte, bool) {
	return m.queryCache.Get(key)
}

// SetQuery stores a query result in cache.
func (m *Manager) SetQuery(key string, data []byte) {
	m.queryCache.Add(key, data)
}

// SliceKey generates a cache key for a rendered slice. The display
// options string is hashed so keys stay short and opaque.
func SliceKey(volume, plane string, index int, options string) string {
	base := fmt.Sprintf("slice:%s/%s/%d", volume, plane, index)
	if options == "" {
		return base
	}

	h := sha256.New()
	h.Write([]byte(base))
	h.Write([]byte(options))
	return base + ":" + hex.EncodeToString(h.Sum(nil))[:16]
}

// Stats returns cache statistics.
func (m *Manager) Stats() map[string]interface{} {
	return map[string]interface{}{
		"slice_cache_len": m.sliceCache.Len(),
		"slice_cache_cap": m.sliceCache.Capacity(),
		"query_cache_len": m.queryCache.Len(),
	}
}

// Close closes the cache manager.
func (m *Manager) Close() error {
	return m.sliceCache.Close()
}
