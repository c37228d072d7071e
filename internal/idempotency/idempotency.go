// Package idempotency replays the stored response of a request retried with
// the same Idempotency-Key.
package idempotency

import (
	"context"
	"sync"
	"time"
)

// Response is the stored outcome of a completed request
type Response struct {
	Status int    `json:"status"`
	Body   []byte `json:"body"`
}

// Store reserves keys and remembers completed responses
type Store interface {
	// Begin reserves key. It returns the stored response if the key already
	// completed, and reserved=false with a nil response while another request
	// holds the key.
	Begin(ctx context.Context, key string) (resp *Response, reserved bool, err error)
	Complete(ctx context.Context, key string, resp Response) error
	// Release drops a reservation so the client may retry
	Release(ctx context.Context, key string) error
}

// Cache provides a time-bounded in-process Store
type Cache struct {
	mu    sync.Mutex
	items map[string]entry
	ttl   time.Duration
	now   func() time.Time
}

type entry struct {
	resp      *Response // nil while in progress
	expiresAt time.Time
}

// NewCache returns a cache with the provided ttl
func NewCache(ttl time.Duration) *Cache {
	return &Cache{
		items: make(map[string]entry),
		ttl:   ttl,
		now:   time.Now,
	}
}

func (c *Cache) Begin(ctx context.Context, key string) (*Response, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	if item, ok := c.items[key]; ok {
		if now.Before(item.expiresAt) {
			return item.resp, false, nil
		}
		delete(c.items, key)
	}
	c.items[key] = entry{expiresAt: now.Add(c.ttl)}
	return nil, true, nil
}

func (c *Cache) Complete(ctx context.Context, key string, resp Response) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items[key] = entry{resp: &resp, expiresAt: c.now().Add(c.ttl)}
	return nil
}

func (c *Cache) Release(ctx context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.items, key)
	return nil
}
