package engine

import (
	"sync"

	"github.com/SharedCode/splitstore"
)

type requestCacheKey struct {
	courseID   string
	ignoreCase bool
}

// RequestCache is the request-scoped cache of course indexes, keyed by the
// stringified course key plus the ignore-case flag. Its lifetime is one unit
// of work: the engine resets it on every index write, and the owner should
// Reset it at request boundaries. It is never shared across workers.
type RequestCache struct {
	mux    sync.Mutex
	lookup map[requestCacheKey]*splitstore.CourseIndex
}

// NewRequestCache returns an empty RequestCache.
func NewRequestCache() *RequestCache {
	return &RequestCache{
		lookup: make(map[requestCacheKey]*splitstore.CourseIndex),
	}
}

// Get returns the cached index (which may be a cached nil, i.e. a negative
// entry) and whether an entry exists.
func (c *RequestCache) Get(key splitstore.CourseKey, ignoreCase bool) (*splitstore.CourseIndex, bool) {
	c.mux.Lock()
	defer c.mux.Unlock()
	index, ok := c.lookup[requestCacheKey{courseID: key.MapKey(), ignoreCase: ignoreCase}]
	return index, ok
}

// Set caches the index for the key. A nil index records a negative entry so
// repeated misses don't re-query the store within one request.
func (c *RequestCache) Set(key splitstore.CourseKey, ignoreCase bool, index *splitstore.CourseIndex) {
	c.mux.Lock()
	defer c.mux.Unlock()
	c.lookup[requestCacheKey{courseID: key.MapKey(), ignoreCase: ignoreCase}] = index
}

// Reset drops every entry. Writes clear the whole cache rather than single
// keys; mostly only one course is in play per request, and clearing all is
// what keeps course cloning correct.
func (c *RequestCache) Reset() {
	c.mux.Lock()
	defer c.mux.Unlock()
	c.lookup = make(map[requestCacheKey]*splitstore.CourseIndex)
}

// Len reports the number of entries, for tests.
func (c *RequestCache) Len() int {
	c.mux.Lock()
	defer c.mux.Unlock()
	return len(c.lookup)
}
