package service

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/xiaozhi-mcp/mcp-mux/internal/domain/customtool"
)

// DefaultResultTTL is the lifetime of a completed result before it is
// evicted even if never consumed.
const DefaultResultTTL = 300 * time.Second

// resultLRUEntry is a doubly-linked list node for the LRU cache.
type resultLRUEntry struct {
	key    uint64
	result customtool.Result
	prev   *resultLRUEntry
	next   *resultLRUEntry
}

// ResultCache provides bounded LRU, one-shot caching of tool-call results
// keyed by a hash of (toolName, canonicalized arguments). It backs both
// the custom-tool handler's at-most-once semantics and the message
// handler's "task in progress" timeout recovery, since both share the
// same deterministic taskId.
type ResultCache struct {
	mu      sync.Mutex
	entries map[uint64]*resultLRUEntry
	head    *resultLRUEntry
	tail    *resultLRUEntry
	maxSize int
}

// NewResultCache creates an LRU cache bounded to maxSize entries.
func NewResultCache(maxSize int) *ResultCache {
	return &ResultCache{
		entries: make(map[uint64]*resultLRUEntry, maxSize),
		maxSize: maxSize,
	}
}

// Get retrieves a cached result if present, not expired, and not yet
// consumed, marking it consumed (one-shot) as a side effect of a hit.
func (c *ResultCache) Get(key uint64) (customtool.Result, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok {
		return customtool.Result{}, false
	}
	c.moveToHeadLocked(e)

	if e.result.Consumed || e.result.Expired(time.Now()) {
		return customtool.Result{}, false
	}

	result := e.result
	e.result.Consumed = true
	return result, true
}

// Put stores or replaces a result in the cache.
func (c *ResultCache) Put(key uint64, result customtool.Result) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if e, ok := c.entries[key]; ok {
		e.result = result
		c.moveToHeadLocked(e)
		return
	}

	if len(c.entries) >= c.maxSize {
		c.evictTailLocked()
	}

	e := &resultLRUEntry{key: key, result: result}
	c.entries[key] = e
	c.pushHeadLocked(e)
}

// Clear empties the cache.
func (c *ResultCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[uint64]*resultLRUEntry, c.maxSize)
	c.head = nil
	c.tail = nil
}

// Size returns the current number of cached entries.
func (c *ResultCache) Size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

func (c *ResultCache) moveToHeadLocked(e *resultLRUEntry) {
	if c.head == e {
		return
	}
	c.unlinkLocked(e)
	c.pushHeadLocked(e)
}

func (c *ResultCache) pushHeadLocked(e *resultLRUEntry) {
	e.prev = nil
	e.next = c.head
	if c.head != nil {
		c.head.prev = e
	}
	c.head = e
	if c.tail == nil {
		c.tail = e
	}
}

func (c *ResultCache) unlinkLocked(e *resultLRUEntry) {
	if e.prev != nil {
		e.prev.next = e.next
	} else {
		c.head = e.next
	}
	if e.next != nil {
		e.next.prev = e.prev
	} else {
		c.tail = e.prev
	}
	e.prev = nil
	e.next = nil
}

func (c *ResultCache) evictTailLocked() {
	if c.tail == nil {
		return
	}
	delete(c.entries, c.tail.key)
	c.unlinkLocked(c.tail)
}

// CacheKey computes the deterministic taskId/cache key for a tool
// invocation: a hash of the namespaced tool name and the arguments,
// canonicalized via their raw JSON bytes.
func CacheKey(toolName string, canonicalArgsJSON []byte) uint64 {
	h := xxhash.New()
	_, _ = h.WriteString(toolName)
	_, _ = h.Write([]byte{0})
	_, _ = h.Write(canonicalArgsJSON)
	return h.Sum64()
}

// CanonicalizeArgs renders arguments as deterministic JSON bytes suitable
// for CacheKey. encoding/json already sorts map keys, so a plain Marshal
// of a map[string]interface{} is canonical.
func CanonicalizeArgs(arguments map[string]interface{}) []byte {
	if len(arguments) == 0 {
		return nil
	}
	data, err := json.Marshal(arguments)
	if err != nil {
		return nil
	}
	return data
}
