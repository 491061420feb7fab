package physmem

import (
	"fmt"
	"sync"
)

// Cache is a small stash of free granules, topped up before a caller takes
// a lock under which it may need fresh pages. Take never allocates.
type Cache struct {
	arena *Arena

	mu    sync.Mutex
	pages []uint64
}

// NewCache returns an empty cache drawing from arena.
func NewCache(arena *Arena) *Cache {
	return &Cache{arena: arena}
}

// TopUp allocates from the arena until the cache holds at least min pages.
func (c *Cache) TopUp(min int) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	for len(c.pages) < min {
		pa, err := c.arena.Alloc()
		if err != nil {
			return fmt.Errorf("physmem: cache top-up to %d pages: %w", min, err)
		}
		c.pages = append(c.pages, pa)
	}
	return nil
}

// Take removes a page from the cache. It returns ErrExhausted when the cache
// is empty rather than falling back to the arena.
func (c *Cache) Take() (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.pages) == 0 {
		return 0, ErrExhausted
	}
	pa := c.pages[len(c.pages)-1]
	c.pages = c.pages[:len(c.pages)-1]
	return pa, nil
}

// Put hands a page back to the cache.
func (c *Cache) Put(pa uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pages = append(c.pages, pa)
}

// Len returns the number of cached pages.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pages)
}

// Release frees every cached page back to the arena.
func (c *Cache) Release() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	for len(c.pages) > 0 {
		pa := c.pages[len(c.pages)-1]
		if err := c.arena.Free(pa); err != nil {
			return err
		}
		c.pages = c.pages[:len(c.pages)-1]
	}
	return nil
}

// Arena returns the backing arena.
func (c *Cache) Arena() *Arena { return c.arena }
