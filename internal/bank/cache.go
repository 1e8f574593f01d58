package bank

import (
	"context"
	"sync"
	"time"
)

// CachedRepo wraps a Repo with a TTL cache over ListActive. The pool changes
// rarely and every item selection reads it, so one cached scan serves the
// whole engine. Writes invalidate.
type CachedRepo struct {
	inner Repo
	ttl   time.Duration

	mu      sync.Mutex
	items   []Item
	byID    map[string]Item
	fetched time.Time
}

func NewCachedRepo(inner Repo, ttl time.Duration) *CachedRepo {
	return &CachedRepo{inner: inner, ttl: ttl}
}

func (c *CachedRepo) ListActive(ctx context.Context) ([]Item, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.refreshLocked(ctx); err != nil {
		return nil, err
	}
	out := make([]Item, len(c.items))
	copy(out, c.items)
	return out, nil
}

func (c *CachedRepo) Get(ctx context.Context, id string) (Item, error) {
	c.mu.Lock()
	if err := c.refreshLocked(ctx); err != nil {
		c.mu.Unlock()
		return Item{}, err
	}
	it, ok := c.byID[id]
	c.mu.Unlock()
	if ok {
		return it, nil
	}
	// Inactive items are not cached but remain readable.
	return c.inner.Get(ctx, id)
}

func (c *CachedRepo) Upsert(ctx context.Context, it Item) error {
	if err := c.inner.Upsert(ctx, it); err != nil {
		return err
	}
	c.mu.Lock()
	c.fetched = time.Time{}
	c.mu.Unlock()
	return nil
}

func (c *CachedRepo) refreshLocked(ctx context.Context) error {
	if !c.fetched.IsZero() && time.Since(c.fetched) < c.ttl {
		return nil
	}
	items, err := c.inner.ListActive(ctx)
	if err != nil {
		return err
	}
	byID := make(map[string]Item, len(items))
	for _, it := range items {
		byID[it.ID] = it
	}
	c.items, c.byID, c.fetched = items, byID, time.Now()
	return nil
}
