package direntry

import (
	"strings"
	"sync/atomic"

	lru "github.com/hashicorp/golang-lru"
)

// Location remembers where an entry was found inside of its directory.
type Location struct {
	Offset    uint32
	LFNOffset uint32
	LFNCount  int
}

type cacheKey struct {
	parent uint32
	name   string
}

// Cache maps (parent directory cluster, name) to the location of the entry.
// Entries are only hints: a hit has to be verified against the directory
// record before it is used.
// A nil *Cache is valid and caches nothing.
type Cache struct {
	lru    *lru.Cache
	hits   uint64
	misses uint64
}

// NewCache creates a cache for size names. It returns nil for size 0.
func NewCache(size int) (*Cache, error) {
	if size <= 0 {
		return nil, nil
	}

	l, err := lru.New(size)
	if err != nil {
		return nil, err
	}
	return &Cache{lru: l}, nil
}

func key(parent uint32, name string) cacheKey {
	return cacheKey{parent: parent, name: strings.ToUpper(name)}
}

// Get looks up the location of name in parent.
func (c *Cache) Get(parent uint32, name string) (Location, bool) {
	if c == nil {
		return Location{}, false
	}

	v, ok := c.lru.Get(key(parent, name))
	if !ok {
		atomic.AddUint64(&c.misses, 1)
		return Location{}, false
	}
	atomic.AddUint64(&c.hits, 1)
	return v.(Location), true
}

// Put remembers the location of name in parent.
func (c *Cache) Put(parent uint32, name string, loc Location) {
	if c == nil {
		return
	}
	c.lru.Add(key(parent, name), loc)
}

// Invalidate removes a single name.
func (c *Cache) Invalidate(parent uint32, name string) {
	if c == nil {
		return
	}
	c.lru.Remove(key(parent, name))
}

// InvalidateParent removes all names of the directory parent.
func (c *Cache) InvalidateParent(parent uint32) {
	if c == nil {
		return
	}
	for _, k := range c.lru.Keys() {
		if k.(cacheKey).parent == parent {
			c.lru.Remove(k)
		}
	}
}

// Purge removes everything.
func (c *Cache) Purge() {
	if c == nil {
		return
	}
	c.lru.Purge()
}

// Stats returns the hit and miss counters.
func (c *Cache) Stats() (hits, misses uint64) {
	if c == nil {
		return 0, 0
	}
	return atomic.LoadUint64(&c.hits), atomic.LoadUint64(&c.misses)
}
