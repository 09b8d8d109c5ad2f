// Package sessioncache keeps short-lived conversation state for chat
// sessions: which document a session is asking about and the most recent
// questions. It is a bounded in-memory cache with TTL eviction; losing an
// entry only means the client must name its document explicitly again.
package sessioncache

import (
	"sync"
	"time"
)

const (
	DefaultCapacity = 256
	DefaultTTL      = 30 * time.Minute
)

// Session is the cached per-session state.
type Session struct {
	DocumentID    string
	LastQuestion  string
	QuestionCount int
}

type entry struct {
	session  Session
	expires  time.Time
	lastUsed time.Time
}

// Cache is a bounded TTL cache keyed by session id. Safe for concurrent use.
type Cache struct {
	mu       sync.Mutex
	entries  map[string]*entry
	capacity int
	ttl      time.Duration
	now      func() time.Time // swapped in tests
}

// New creates a Cache. Non-positive capacity or ttl take the defaults.
func New(capacity int, ttl time.Duration) *Cache {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Cache{
		entries:  make(map[string]*entry),
		capacity: capacity,
		ttl:      ttl,
		now:      time.Now,
	}
}

// Get returns the session for id. Expired entries are removed and reported as
// absent.
func (c *Cache) Get(id string) (Session, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[id]
	if !ok {
		return Session{}, false
	}
	now := c.now()
	if now.After(e.expires) {
		delete(c.entries, id)
		return Session{}, false
	}
	e.lastUsed = now
	return e.session, true
}

// Put stores the session for id, refreshing its TTL. At capacity the least
// recently used live entry is evicted to make room.
func (c *Cache) Put(id string, s Session) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	if e, ok := c.entries[id]; ok {
		e.session = s
		e.expires = now.Add(c.ttl)
		e.lastUsed = now
		return
	}

	if len(c.entries) >= c.capacity {
		c.evictLocked(now)
	}

	c.entries[id] = &entry{session: s, expires: now.Add(c.ttl), lastUsed: now}
}

// Delete removes the session for id. Unknown ids are a no-op.
func (c *Cache) Delete(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, id)
}

// Len returns the number of live entries.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	n := 0
	for _, e := range c.entries {
		if !now.After(e.expires) {
			n++
		}
	}
	return n
}

// evictLocked drops all expired entries, then, if still at capacity, the
// least recently used one. Called with c.mu held.
func (c *Cache) evictLocked(now time.Time) {
	for id, e := range c.entries {
		if now.After(e.expires) {
			delete(c.entries, id)
		}
	}
	if len(c.entries) < c.capacity {
		return
	}

	var oldestID string
	var oldest time.Time
	for id, e := range c.entries {
		if oldestID == "" || e.lastUsed.Before(oldest) {
			oldestID = id
			oldest = e.lastUsed
		}
	}
	if oldestID != "" {
		delete(c.entries, oldestID)
	}
}
