package correction

import (
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"lenscribe/internal/debounce"
)

const (
	DefaultCacheSize = 200
	DefaultCacheTTL  = 10 * time.Minute
)

// Cache remembers successful corrections keyed by whitespace-normalized input.
// A nil *Cache is a valid, always-empty cache.
type Cache struct {
	entries *expirable.LRU[string, Result]
}

func NewCache(size int, ttl time.Duration) *Cache {
	if size <= 0 {
		size = DefaultCacheSize
	}
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	return &Cache{entries: expirable.NewLRU[string, Result](size, nil, ttl)}
}

// Get returns a cached correction marked as Cached. Elapsed is the duration
// of the call that produced it.
func (c *Cache) Get(text string) (Result, bool) {
	if c == nil {
		return Result{}, false
	}
	r, ok := c.entries.Get(debounce.Normalize(text))
	if !ok {
		return Result{}, false
	}
	r.Cached = true
	return r, true
}

// Put stores r for text. Failed corrections are not cached.
func (c *Cache) Put(text string, r Result) {
	if c == nil || !r.Success {
		return
	}
	key := debounce.Normalize(text)
	if key == "" {
		return
	}
	c.entries.Add(key, r)
}

func (c *Cache) Len() int {
	if c == nil {
		return 0
	}
	return c.entries.Len()
}
