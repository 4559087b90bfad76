package zorm

import (
	"container/list"
	"database/sql"
	"sync"
	"sync/atomic"
)

// StmtCache is an LRU of prepared pivot write statements. Evicted statements
// are closed once the last borrower releases them.
type StmtCache struct {
	mu       sync.Mutex
	capacity int
	items    map[string]*stmtEntry
	lru      *list.List
}

type stmtEntry struct {
	key      string
	stmt     *sql.Stmt
	element  *list.Element
	refCount int32
	evicted  bool
}

var (
	defaultStmtCache   *StmtCache
	defaultStmtCacheMu sync.Mutex
)

// SetStmtCache installs the cache used by every session without its own.
// Passing nil disables statement caching; the previous cache is closed.
func SetStmtCache(c *StmtCache) {
	defaultStmtCacheMu.Lock()
	prev := defaultStmtCache
	defaultStmtCache = c
	defaultStmtCacheMu.Unlock()

	if prev != nil && prev != c {
		_ = prev.Close()
	}
}

func currentStmtCache() *StmtCache {
	defaultStmtCacheMu.Lock()
	defer defaultStmtCacheMu.Unlock()
	return defaultStmtCache
}

// NewStmtCache creates a cache holding up to capacity statements (default 100).
func NewStmtCache(capacity int) *StmtCache {
	if capacity <= 0 {
		capacity = 100
	}
	return &StmtCache{
		capacity: capacity,
		items:    make(map[string]*stmtEntry),
		lru:      list.New(),
	}
}

// Get borrows the statement cached under key. The returned release func must
// be called when the caller is done; both results are nil on a miss.
func (c *StmtCache) Get(key string) (*sql.Stmt, func()) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.items[key]
	if !ok {
		return nil, nil
	}
	c.lru.MoveToFront(entry.element)
	atomic.AddInt32(&entry.refCount, 1)
	return entry.stmt, func() { c.release(entry) }
}

// Put stores stmt under key, replacing and evicting as needed.
func (c *StmtCache) Put(key string, stmt *sql.Stmt) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.putLocked(key, stmt)
}

// PutAndGet stores stmt and borrows it in one step so it cannot be evicted
// in between.
func (c *StmtCache) PutAndGet(key string, stmt *sql.Stmt) (*sql.Stmt, func()) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry := c.putLocked(key, stmt)
	atomic.AddInt32(&entry.refCount, 1)
	return entry.stmt, func() { c.release(entry) }
}

func (c *StmtCache) putLocked(key string, stmt *sql.Stmt) *stmtEntry {
	if entry, ok := c.items[key]; ok {
		c.evict(entry)
	}
	if len(c.items) >= c.capacity {
		if back := c.lru.Back(); back != nil {
			c.evict(back.Value.(*stmtEntry))
		}
	}

	entry := &stmtEntry{key: key, stmt: stmt}
	entry.element = c.lru.PushFront(entry)
	c.items[key] = entry
	return entry
}

// evict must be called with c.mu held.
func (c *StmtCache) evict(entry *stmtEntry) {
	c.lru.Remove(entry.element)
	delete(c.items, entry.key)
	entry.evicted = true
	if atomic.LoadInt32(&entry.refCount) == 0 && entry.stmt != nil {
		_ = entry.stmt.Close()
	}
}

func (c *StmtCache) release(entry *stmtEntry) {
	if atomic.AddInt32(&entry.refCount, -1) != 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if entry.evicted && atomic.LoadInt32(&entry.refCount) == 0 && entry.stmt != nil {
		_ = entry.stmt.Close()
	}
}

// Clear closes all idle statements and empties the cache.
func (c *StmtCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, entry := range c.items {
		entry.evicted = true
		if atomic.LoadInt32(&entry.refCount) == 0 && entry.stmt != nil {
			_ = entry.stmt.Close()
		}
	}
	c.items = make(map[string]*stmtEntry)
	c.lru.Init()
}

// Close clears the cache.
func (c *StmtCache) Close() error {
	c.Clear()
	return nil
}

// Len returns the current number of cached statements.
func (c *StmtCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}
