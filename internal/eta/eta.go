package eta

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/example/ambulance-dispatch/internal/geo"
	"github.com/example/ambulance-dispatch/internal/models"
)

// Client is a routing backend that returns travel time in seconds.
type Client interface {
	EstimateSeconds(ctx context.Context, from, to models.Coord) (float64, error)
}

// Cache is a tiny in-memory cache for ETA lookups keyed by coords.
type Cache struct {
	mu    sync.RWMutex
	store map[string]cacheEntry
	ttl   time.Duration
	now   func() time.Time
}

type cacheEntry struct {
	v  float64
	ts time.Time
}

// NewCache creates a cache with the provided TTL.
func NewCache(ttl time.Duration) *Cache {
	return &Cache{store: make(map[string]cacheEntry), ttl: ttl, now: time.Now}
}

func keyFor(a, b models.Coord) string {
	return fmtCoord(a) + "->" + fmtCoord(b)
}

func fmtCoord(c models.Coord) string {
	return fmt.Sprintf("%.5f,%.5f", c.Lat, c.Lon)
}

// Get returns cached value and true if present and not expired.
func (c *Cache) Get(a, b models.Coord) (float64, bool) {
	k := keyFor(a, b)
	c.mu.RLock()
	e, ok := c.store[k]
	c.mu.RUnlock()
	if !ok {
		return 0, false
	}
	if c.now().Sub(e.ts) > c.ttl {
		c.mu.Lock()
		delete(c.store, k)
		c.mu.Unlock()
		return 0, false
	}
	return e.v, true
}

// Set stores a value in the cache.
func (c *Cache) Set(a, b models.Coord, v float64) {
	k := keyFor(a, b)
	c.mu.Lock()
	c.store[k] = cacheEntry{v: v, ts: c.now()}
	c.mu.Unlock()
}

// Estimator answers "how many minutes until this driver reaches the pickup".
// It asks the routing client when one is set, caches answers, and falls back
// to straight-line distance at a fixed speed.
type Estimator struct {
	Client   Client
	Cache    *Cache
	SpeedKmh float64
}

func (e *Estimator) Minutes(ctx context.Context, from, to models.Coord) int {
	var secs float64
	if e.Cache != nil {
		if v, ok := e.Cache.Get(from, to); ok {
			secs = v
		}
	}
	if secs == 0 && e.Client != nil {
		if v, err := e.Client.EstimateSeconds(ctx, from, to); err == nil {
			secs = v
			if e.Cache != nil {
				e.Cache.Set(from, to, secs)
			}
		}
	}
	if secs == 0 {
		secs = EstimateSeconds(from, to, e.SpeedKmh)
	}
	return int(math.Ceil(secs / 60))
}

// Naive ETA: distance / speed.
func EstimateSeconds(from, to models.Coord, speedKmh float64) float64 {
	if speedKmh <= 0 {
		speedKmh = 30 // urban ambulance average
	}
	return geo.Between(from, to) / speedKmh * 3600
}
