package peer

import (
	"sync"
	"time"

	"github.com/infinit/memo/address"
	"github.com/infinit/memo/paxos"
)

// decisionCache is the in-memory LRU of per-address paxos.Server
// instances described in spec.md §3: "keyed by address with a last-use
// timestamp. Evictable only when use-count is 1 (no in-flight
// operation), to prevent local split-brain via double-load." Use-count
// here is 0 when idle (no caller holds a reference), matching "only when
// use-count is 1" read as "only when nobody but the cache itself
// references the entry."
type decisionCache struct {
	mu       sync.Mutex
	capacity int
	entries  map[address.Address]*cacheEntry
	newServer func(addr address.Address) *paxos.Server
}

type cacheEntry struct {
	server   *paxos.Server
	useCount int
	lastUse  time.Time
}

func newDecisionCache(capacity int, newServer func(address.Address) *paxos.Server) *decisionCache {
	if capacity <= 0 {
		capacity = 4096
	}
	return &decisionCache{
		capacity:  capacity,
		entries:   make(map[address.Address]*cacheEntry),
		newServer: newServer,
	}
}

// acquire returns the Server for addr, loading or creating it if needed,
// and marks it in use so evict() will skip it. Callers must call
// release(addr) when done, across any suspension point, per spec.md §5's
// "only one operation at a time may hold the returned reference across
// suspension points."
func (c *decisionCache) acquire(addr address.Address) (*paxos.Server, error) {
	c.mu.Lock()
	entry, ok := c.entries[addr]
	if !ok {
		entry = &cacheEntry{server: c.newServer(addr)}
		c.entries[addr] = entry
	}
	entry.useCount++
	entry.lastUse = time.Now()
	c.mu.Unlock()

	if err := entry.server.Load(); err != nil {
		c.release(addr)
		return nil, err
	}
	return entry.server, nil
}

func (c *decisionCache) release(addr address.Address) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.entries[addr]
	if !ok {
		return
	}
	entry.useCount--
	c.evictLocked()
}

// evictLocked drops the least-recently-used idle entry once the cache is
// over capacity; one call drops at most one entry. Must be called with
// c.mu held.
func (c *decisionCache) evictLocked() {
	if len(c.entries) <= c.capacity {
		return
	}
	var oldestAddr address.Address
	var oldestTime time.Time
	found := false
	for a, e := range c.entries {
		if e.useCount > 0 {
			continue
		}
		if !found || e.lastUse.Before(oldestTime) {
			oldestAddr, oldestTime = a, e.lastUse
			found = true
		}
	}
	if found {
		delete(c.entries, oldestAddr)
	}
}

// forget drops addr from the cache unconditionally, used after a remove
// or self-eviction where the server itself has already cleared its
// persisted state.
func (c *decisionCache) forget(addr address.Address) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, addr)
}
