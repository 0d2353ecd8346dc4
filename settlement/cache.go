package settlement

import (
	"context"
	"sync"
	"time"
)

// CacheStatus represents the result of checking the cache.
type CacheStatus int

const (
	// StatusNotFound means no cached result and no in-flight request; the caller now owns
	// the key.
	StatusNotFound CacheStatus = iota
	// StatusCached means a cached result was found.
	StatusCached
	// StatusInFlight means another request is currently settling this key.
	StatusInFlight
)

// Cache provides idempotency for settlements by caching terminal results and tracking
// in-flight requests. Expired entries are dropped lazily.
type Cache struct {
	mu         sync.Mutex
	results    map[string]Result
	expiry     map[string]time.Time
	inFlight   map[string]chan struct{}
	ttl        time.Duration
	failureTTL time.Duration
	now        func() time.Time
}

// NewCache creates a cache keeping successful results for ttl and failed results for
// failureTTL. A zero failureTTL does not cache failures, so a released authorization
// can be settled again.
func NewCache(ttl, failureTTL time.Duration) *Cache {
	return &Cache{
		results:    make(map[string]Result),
		expiry:     make(map[string]time.Time),
		inFlight:   make(map[string]chan struct{}),
		ttl:        ttl,
		failureTTL: failureTTL,
		now:        time.Now,
	}
}

// CheckAndMark atomically checks the cache and marks the key as in-flight if needed.
//   - StatusCached with the result if a cached result exists
//   - StatusInFlight with a wait channel if another request is processing
//   - StatusNotFound with a done channel if this request should proceed
func (c *Cache) CheckAndMark(key string) (CacheStatus, Result, chan struct{}) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if res, ok := c.getLocked(key); ok {
		return StatusCached, res, nil
	}

	if done, exists := c.inFlight[key]; exists {
		return StatusInFlight, Result{}, done
	}

	done := make(chan struct{})
	c.inFlight[key] = done
	return StatusNotFound, Result{}, done
}

// WaitForResult waits for an in-flight request to complete, respecting context
// cancellation. ok is false when the in-flight request cached nothing.
func (c *Cache) WaitForResult(ctx context.Context, key string, done chan struct{}) (Result, bool, error) {
	select {
	case <-done:
		res, ok := c.Get(key)
		return res, ok, nil
	case <-ctx.Done():
		return Result{}, false, ctx.Err()
	}
}

// Get retrieves a cached result if it exists and hasn't expired.
func (c *Cache) Get(key string) (Result, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.getLocked(key)
}

// Complete caches a terminal result and signals any waiting goroutines.
func (c *Cache) Complete(key string, res Result, done chan struct{}) {
	c.mu.Lock()
	defer c.mu.Unlock()

	ttl := c.ttl
	if res.Outcome == Failed {
		ttl = c.failureTTL
	}
	if ttl > 0 {
		c.results[key] = res
		c.expiry[key] = c.now().Add(ttl)
	}

	delete(c.inFlight, key)
	close(done)

	c.cleanupExpiredLocked()
}

// Fail removes the in-flight marker without caching a result.
func (c *Cache) Fail(key string, done chan struct{}) {
	c.mu.Lock()
	defer c.mu.Unlock()

	delete(c.inFlight, key)
	close(done)
}

func (c *Cache) getLocked(key string) (Result, bool) {
	expiry, exists := c.expiry[key]
	if !exists {
		return Result{}, false
	}
	if !c.now().Before(expiry) {
		delete(c.results, key)
		delete(c.expiry, key)
		return Result{}, false
	}
	return c.results[key], true
}

// cleanupExpiredLocked removes expired entries. Must be called with lock held.
func (c *Cache) cleanupExpiredLocked() {
	now := c.now()
	for key, expiry := range c.expiry {
		if !now.Before(expiry) {
			delete(c.results, key)
			delete(c.expiry, key)
		}
	}
}
