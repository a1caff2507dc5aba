package attr

import (
	"container/list"
	"hash/fnv"
	"sync"
)

// PackCache memoizes Pack's output keyed on a structural hash of the
// (already-ordered) attribute set, bounded by a container/list LRU so a
// busy peer re-announcing the same attribute set across many prefixes
// does not re-serialize it every time. Handed to Pack by its caller,
// never a package global.
type PackCache struct {
	mu       sync.Mutex
	capacity int
	ll       *list.List
	items    map[uint64]*list.Element
}

type cacheEntry struct {
	key   uint64
	value []byte
}

// NewPackCache builds a cache holding at most capacity entries. A
// non-positive capacity disables caching (get always misses).
func NewPackCache(capacity int) *PackCache {
	return &PackCache{
		capacity: capacity,
		ll:       list.New(),
		items:    make(map[uint64]*list.Element),
	}
}

func (c *PackCache) get(key uint64) ([]byte, bool) {
	if c.capacity <= 0 {
		return nil, false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	el, ok := c.items[key]
	if !ok {
		return nil, false
	}
	c.ll.MoveToFront(el)
	return el.Value.(*cacheEntry).value, true
}

func (c *PackCache) put(key uint64, value []byte) {
	if c.capacity <= 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.items[key]; ok {
		c.ll.MoveToFront(el)
		el.Value.(*cacheEntry).value = value
		return
	}
	el := c.ll.PushFront(&cacheEntry{key: key, value: value})
	c.items[key] = el
	if c.ll.Len() > c.capacity {
		oldest := c.ll.Back()
		if oldest != nil {
			c.ll.Remove(oldest)
			delete(c.items, oldest.Value.(*cacheEntry).key)
		}
	}
}

// structuralHash folds an ordered attribute list into one FNV-1a value
// over each attribute's (flags, code, data) as it would be written on
// the wire, so two structurally identical sets hash identically
// regardless of which Go values produced them.
func structuralHash(ordered []Attribute) uint64 {
	h := fnv.New64a()
	for _, a := range ordered {
		var flags uint8
		var data []byte
		if o, ok := a.(Opaque); ok {
			flags, data = o.Flags, o.Data
		} else if entry, ok := registry[a.Code()]; ok {
			flags, data = entry.encode(a)
		}
		h.Write([]byte{flags, a.Code()})
		h.Write(data)
		h.Write([]byte{0})
	}
	return h.Sum64()
}
