package timeseries

import (
	"container/list"
	"sync"
)

// lru tracks segment keys in access order, most recent at the front.
type lru struct {
	mu    sync.Mutex
	ll    *list.List
	items map[int64]*list.Element
}

func newLRU() *lru {
	return &lru{
		ll:    list.New(),
		items: make(map[int64]*list.Element),
	}
}

// touch marks key as most recently used, adding it if needed.
func (c *lru) touch(key int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if elem, ok := c.items[key]; ok {
		c.ll.MoveToFront(elem)
		return
	}
	c.items[key] = c.ll.PushFront(key)
}

func (c *lru) remove(key int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if elem, ok := c.items[key]; ok {
		c.ll.Remove(elem)
		delete(c.items, key)
	}
}

// oldest returns the least recently used key.
func (c *lru) oldest() (int64, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	elem := c.ll.Back()
	if elem == nil {
		return 0, false
	}
	return elem.Value.(int64), true
}

func (c *lru) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ll.Len()
}

func (c *lru) reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ll.Init()
	clear(c.items)
}
