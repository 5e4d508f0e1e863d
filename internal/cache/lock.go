package cache

import (
	"context"
	"sync"
)

// heldKey marks a context whose goroutine already holds a lock of c.
type heldKey struct{ c *Cache }

type held struct {
	all  bool
	keys map[string]struct{}
}

func (h *held) covers(key string) bool {
	if h == nil {
		return false
	}
	if h.all {
		return true
	}
	_, ok := h.keys[key]
	return ok
}

type keyLock struct {
	mu   sync.Mutex
	refs int
}

// lock acquires the generation lock for key and returns a context that lets
// nested Fetch calls (made by the generator) pass through without blocking.
func (c *Cache) lock(ctx context.Context, key string) (context.Context, func()) {
	h, _ := ctx.Value(heldKey{c}).(*held)
	if h.covers(key) {
		return ctx, func() {}
	}

	if c.cfg.Lock != LockPerKey {
		c.global.Lock()
		return context.WithValue(ctx, heldKey{c}, &held{all: true}), c.global.Unlock
	}

	kl := c.acquire(key)
	kl.mu.Lock()
	next := &held{keys: map[string]struct{}{key: {}}}
	if h != nil {
		for k := range h.keys {
			next.keys[k] = struct{}{}
		}
	}
	return context.WithValue(ctx, heldKey{c}, next), func() {
		kl.mu.Unlock()
		c.release(key)
	}
}

func (c *Cache) acquire(key string) *keyLock {
	c.keysMu.Lock()
	defer c.keysMu.Unlock()
	kl := c.keys[key]
	if kl == nil {
		kl = &keyLock{}
		c.keys[key] = kl
	}
	kl.refs++
	return kl
}

func (c *Cache) release(key string) {
	c.keysMu.Lock()
	defer c.keysMu.Unlock()
	kl := c.keys[key]
	if kl == nil {
		return
	}
	kl.refs--
	if kl.refs <= 0 {
		delete(c.keys, key)
	}
}
