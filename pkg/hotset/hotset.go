// Package hotset is a small per-scope LRU cache. The ACB builder uses it to
// remember the most recent chunk ids of active sessions so the fast path can
// skip the recency query entirely. Every entry is derivable from the store,
// so the cache may be dropped at any time without correctness loss.
package hotset

import (
	"container/list"
	"sync"
	"time"
)

// Entry is one cached value within a scope.
type Entry struct {
	Key       string     `json:"key"`
	Value     string     `json:"value"`
	Tenant    string     `json:"tenant"`
	Scope     string     `json:"scope"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
	UpdatedAt time.Time  `json:"updated_at"`
	CreatedAt time.Time  `json:"created_at"`
}

type setOptions struct {
	ttl time.Duration
}

// Option configures a Set operation.
type Option func(*setOptions)

// WithTTL sets a time-to-live on the entry.
func WithTTL(d time.Duration) Option {
	return func(o *setOptions) {
		o.ttl = d
	}
}

// Cache is a per-(tenant, scope) LRU with optional TTL. Safe for concurrent
// use by daemon request goroutines.
type Cache struct {
	mu          sync.Mutex
	maxPerScope int
	scopeLists  map[string]*list.List
	elements    map[string]*list.Element
}

// New returns a Cache retaining at most maxPerScope entries per
// (tenant, scope) pair, front = most recently used.
func New(maxPerScope int) *Cache {
	return &Cache{
		maxPerScope: maxPerScope,
		scopeLists:  make(map[string]*list.List),
		elements:    make(map[string]*list.Element),
	}
}

func scopeKey(tenant, scope string) string {
	return tenant + "\x00" + scope
}

func entryKey(tenant, scope, key string) string {
	return tenant + "\x00" + scope + "\x00" + key
}

// Set inserts or refreshes an entry, evicting the least recently used entry
// of the scope when at capacity.
func (c *Cache) Set(tenant, scope, key, value string, opts ...Option) {
	o := &setOptions{}
	for _, opt := range opts {
		opt(o)
	}

	now := time.Now()
	var expiresAt *time.Time
	if o.ttl > 0 {
		t := now.Add(o.ttl)
		expiresAt = &t
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	sk := scopeKey(tenant, scope)
	ek := entryKey(tenant, scope, key)

	if elem, ok := c.elements[ek]; ok {
		e := elem.Value.(*Entry)
		e.Value = value
		e.ExpiresAt = expiresAt
		e.UpdatedAt = now
		c.scopeLists[sk].MoveToFront(elem)
		return
	}

	entry := &Entry{
		Key:       key,
		Value:     value,
		Tenant:    tenant,
		Scope:     scope,
		ExpiresAt: expiresAt,
		UpdatedAt: now,
		CreatedAt: now,
	}

	l, ok := c.scopeLists[sk]
	if !ok {
		l = list.New()
		c.scopeLists[sk] = l
	}

	if l.Len() >= c.maxPerScope {
		back := l.Back()
		if back != nil {
			evicted := l.Remove(back).(*Entry)
			delete(c.elements, entryKey(evicted.Tenant, evicted.Scope, evicted.Key))
		}
	}

	c.elements[ek] = l.PushFront(entry)
}

// Get returns the entry and refreshes its recency. Expired entries are
// evicted lazily.
func (c *Cache) Get(tenant, scope, key string) (Entry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	ek := entryKey(tenant, scope, key)
	elem, ok := c.elements[ek]
	if !ok {
		return Entry{}, false
	}

	e := elem.Value.(*Entry)
	if e.ExpiresAt != nil && time.Now().After(*e.ExpiresAt) {
		c.removeLocked(scopeKey(tenant, scope), ek, elem)
		return Entry{}, false
	}

	c.scopeLists[scopeKey(tenant, scope)].MoveToFront(elem)
	return *e, true
}

// Delete removes one entry, reporting whether it existed.
func (c *Cache) Delete(tenant, scope, key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	ek := entryKey(tenant, scope, key)
	elem, ok := c.elements[ek]
	if !ok {
		return false
	}
	c.removeLocked(scopeKey(tenant, scope), ek, elem)
	return true
}

// List returns the scope's live entries, most recent first.
func (c *Cache) List(tenant, scope string) []Entry {
	c.mu.Lock()
	defer c.mu.Unlock()

	sk := scopeKey(tenant, scope)
	l, ok := c.scopeLists[sk]
	if !ok {
		return nil
	}

	now := time.Now()
	var result []Entry
	var toRemove []*list.Element

	for elem := l.Front(); elem != nil; elem = elem.Next() {
		e := elem.Value.(*Entry)
		if e.ExpiresAt != nil && now.After(*e.ExpiresAt) {
			toRemove = append(toRemove, elem)
			continue
		}
		result = append(result, *e)
	}

	for _, elem := range toRemove {
		e := elem.Value.(*Entry)
		c.removeLocked(sk, entryKey(e.Tenant, e.Scope, e.Key), elem)
	}

	return result
}

// Len returns the total number of cached entries across all scopes.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	total := 0
	for _, l := range c.scopeLists {
		total += l.Len()
	}
	return total
}

func (c *Cache) removeLocked(sk, ek string, elem *list.Element) {
	c.scopeLists[sk].Remove(elem)
	delete(c.elements, ek)
	if c.scopeLists[sk].Len() == 0 {
		delete(c.scopeLists, sk)
	}
}
