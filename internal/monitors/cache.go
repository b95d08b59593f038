// Package monitors caches camera metadata fetched from the NVR so the
// summary endpoints do not hammer the monitor API on every dashboard poll.
package monitors

import (
	"context"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/zmtools/zmagent/internal/zm"
)

// Fetcher is the slice of the NVR client the cache needs.
type Fetcher interface {
	Monitors(ctx context.Context) ([]zm.Monitor, error)
	GetMonitor(ctx context.Context, id string) (*zm.Monitor, error)
}

type entry struct {
	mon     zm.Monitor
	addedAt time.Time
}

// Cache is a TTL-bounded LRU over monitor records.
type Cache struct {
	src   Fetcher
	cache *lru.Cache[string, entry]
	ttl   time.Duration
}

func NewCache(src Fetcher, maxKeys int, ttl time.Duration) *Cache {
	if maxKeys <= 0 {
		maxKeys = 128
	}
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	c, _ := lru.New[string, entry](maxKeys)
	return &Cache{src: src, cache: c, ttl: ttl}
}

// Get returns the monitor record, from cache when fresh.
func (c *Cache) Get(ctx context.Context, id string) (*zm.Monitor, error) {
	if e, ok := c.cache.Get(id); ok && time.Since(e.addedAt) < c.ttl {
		mon := e.mon
		return &mon, nil
	}
	mon, err := c.src.GetMonitor(ctx, id)
	if err != nil {
		// a stale entry beats an error for dashboard reads
		if e, ok := c.cache.Get(id); ok {
			stale := e.mon
			return &stale, nil
		}
		return nil, err
	}
	c.cache.Add(id, entry{mon: *mon, addedAt: time.Now()})
	return mon, nil
}

// All lists every monitor, refreshing the cache as a side effect.
func (c *Cache) All(ctx context.Context) ([]zm.Monitor, error) {
	mons, err := c.src.Monitors(ctx)
	if err != nil {
		return nil, err
	}
	now := time.Now()
	for _, m := range mons {
		c.cache.Add(m.ID, entry{mon: m, addedAt: now})
	}
	return mons, nil
}
