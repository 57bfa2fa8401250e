package cache

import (
	"fmt"
	"io"
	"sync"

	"lsmkv/pkg/sstable"
)

// OpenFileFunc opens the backing random-access file for a table by file
// number, returning a reader, its size, and a closer.
type OpenFileFunc func(fileNumber uint64) (r io.ReaderAt, size int64, closer io.Closer, err error)

type tableEntry struct {
	fileNumber uint64
	table      *sstable.Table
	closer     io.Closer
	prev       *tableEntry
	next       *tableEntry
}

// TableCache bounds the number of simultaneously open table files,
// reusing the teacher's doubly-linked-list LRU shape (pkg/cache.shard)
// instead of the byte-value cache, since its payload is an open handle
// rather than a block.
type TableCache struct {
	mu       sync.Mutex
	capacity int
	items    map[uint64]*tableEntry
	head     *tableEntry
	tail     *tableEntry

	open OpenFileFunc
	opts sstable.Options

	blockCache *Sharded
}

// NewTableCache returns a TableCache that opens at most capacity tables
// at once, evicting and closing the least recently used beyond that.
func NewTableCache(capacity int, open OpenFileFunc, opts sstable.Options, blockCache *Sharded) *TableCache {
	if capacity < 1 {
		capacity = 1
	}
	return &TableCache{
		capacity:   capacity,
		items:      make(map[uint64]*tableEntry),
		open:       open,
		opts:       opts,
		blockCache: blockCache,
	}
}

// FindTable returns the open Table for fileNumber, opening and caching
// it if necessary.
func (c *TableCache) FindTable(fileNumber uint64) (*sstable.Table, error) {
	c.mu.Lock()
	if e, ok := c.items[fileNumber]; ok {
		c.moveToHead(e)
		c.mu.Unlock()
		return e.table, nil
	}
	c.mu.Unlock()

	r, size, closer, err := c.open(fileNumber)
	if err != nil {
		return nil, fmt.Errorf("opening table %d: %w", fileNumber, err)
	}
	ns := ""
	if c.blockCache != nil {
		ns = NewCacheNamespace()
	}
	table, err := sstable.Open(r, size, c.opts, c.blockCache, ns)
	if err != nil {
		closer.Close()
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.items[fileNumber]; ok {
		// lost the race with another opener; keep the one already cached.
		closer.Close()
		c.moveToHead(e)
		return e.table, nil
	}
	e := &tableEntry{fileNumber: fileNumber, table: table, closer: closer}
	c.addToHead(e)
	c.items[fileNumber] = e
	for len(c.items) > c.capacity && c.tail != nil {
		c.evictTail()
	}
	return table, nil
}

// Evict drops fileNumber from the cache if present, closing its file.
// Used when a table is deleted by compaction.
func (c *TableCache) Evict(fileNumber uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.items[fileNumber]
	if !ok {
		return
	}
	c.unlink(e)
	delete(c.items, fileNumber)
	e.closer.Close()
}

// Close evicts every open table.
func (c *TableCache) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, e := range c.items {
		e.closer.Close()
	}
	c.items = make(map[uint64]*tableEntry)
	c.head, c.tail = nil, nil
}

func (c *TableCache) moveToHead(e *tableEntry) {
	if e == c.head {
		return
	}
	c.unlink(e)
	c.addToHead(e)
}

func (c *TableCache) addToHead(e *tableEntry) {
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

func (c *TableCache) unlink(e *tableEntry) {
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
	e.prev, e.next = nil, nil
}

func (c *TableCache) evictTail() {
	e := c.tail
	if e == nil {
		return
	}
	c.unlink(e)
	delete(c.items, e.fileNumber)
	e.closer.Close()
}
