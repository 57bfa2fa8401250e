// Package cache implements the sharded LRU block cache and the bounded
// open-table cache described in spec.md §4.4. Both reuse the same
// doubly-linked-list LRU shape, generalized from the teacher's single
// mutex-protected list into independently-locked shards.
package cache

import (
	"sync"

	"github.com/google/uuid"
)

const numShards = 16

// entry is one doubly-linked-list node, shared by every shard.
type entry struct {
	key   string
	value []byte
	prev  *entry
	next  *entry
}

type shard struct {
	mu       sync.Mutex
	capacity int
	size     int
	items    map[string]*entry
	head     *entry
	tail     *entry
}

// Sharded is a fixed-capacity LRU cache of byte slices keyed by string,
// split into numShards independently-locked shards chosen by the FNV-1a
// hash of the key, so concurrent lookups against different blocks rarely
// contend on the same mutex.
type Sharded struct {
	shards [numShards]*shard
}

// New returns a Sharded cache with the given total capacity in bytes,
// divided evenly across shards.
func New(capacityBytes int) *Sharded {
	per := capacityBytes / numShards
	if per < 1 {
		per = 1
	}
	c := &Sharded{}
	for i := range c.shards {
		c.shards[i] = &shard{capacity: per, items: make(map[string]*entry)}
	}
	return c
}

func fnv1a(key string) uint32 {
	const (
		offset = 2166136261
		prime  = 16777619
	)
	h := uint32(offset)
	for i := 0; i < len(key); i++ {
		h ^= uint32(key[i])
		h *= prime
	}
	return h
}

func (c *Sharded) shardFor(key string) *shard {
	return c.shards[fnv1a(key)%numShards]
}

// Get returns the cached value for key, moving it to the front of its
// shard's LRU list on a hit.
func (c *Sharded) Get(key string) ([]byte, bool) {
	s := c.shardFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.items[key]
	if !ok {
		return nil, false
	}
	s.moveToHead(e)
	return e.value, true
}

// Set inserts or updates the cached value for key, evicting the least
// recently used entries in the same shard if it grows past capacity.
func (c *Sharded) Set(key string, value []byte) {
	s := c.shardFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()

	if e, ok := s.items[key]; ok {
		s.size += len(value) - len(e.value)
		e.value = value
		s.moveToHead(e)
	} else {
		e := &entry{key: key, value: value}
		s.addToHead(e)
		s.items[key] = e
		s.size += len(value)
	}

	for s.size > s.capacity && s.tail != nil {
		s.evictTail()
	}
}

// Erase removes key from the cache, if present.
func (c *Sharded) Erase(key string) {
	s := c.shardFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.items[key]; ok {
		s.unlink(e)
		delete(s.items, key)
		s.size -= len(e.value)
	}
}

func (s *shard) moveToHead(e *entry) {
	if e == s.head {
		return
	}
	s.unlink(e)
	s.addToHead(e)
}

func (s *shard) addToHead(e *entry) {
	e.prev = nil
	e.next = s.head
	if s.head != nil {
		s.head.prev = e
	}
	s.head = e
	if s.tail == nil {
		s.tail = e
	}
}

func (s *shard) unlink(e *entry) {
	if e.prev != nil {
		e.prev.next = e.next
	} else {
		s.head = e.next
	}
	if e.next != nil {
		e.next.prev = e.prev
	} else {
		s.tail = e.prev
	}
	e.prev, e.next = nil, nil
}

func (s *shard) evictTail() {
	e := s.tail
	if e == nil {
		return
	}
	s.unlink(e)
	delete(s.items, e.key)
	s.size -= len(e.value)
}

// NewCacheNamespace mints a fresh per-table namespace for block cache
// keys, so offsets from different tables never collide in a shared
// Sharded cache (spec.md §4.4's `(cache_id, block_offset)` keying).
func NewCacheNamespace() string {
	return uuid.New().String() + "/"
}
