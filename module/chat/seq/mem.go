package seq

import (
	"context"
	"sync"

	errors "PPIM/tools/errs"
)

// In-memory implementations, used by tests and by single-process setups
// without external stores.

var ErrCacheDown = errors.New("counter cache down")

type MemCounterCache struct {
	mu   sync.Mutex
	vals map[string]int64
	down bool
}

func NewMemCounterCache() *MemCounterCache {
	return &MemCounterCache{vals: make(map[string]int64)}
}

// SetDown simulates the volatile store becoming unreachable.
func (c *MemCounterCache) SetDown(down bool) {
	c.mu.Lock()
	c.down = down
	c.mu.Unlock()
}

func (c *MemCounterCache) Get(_ context.Context, key string) (int64, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.down {
		return 0, false, ErrCacheDown
	}
	v, ok := c.vals[key]
	return v, ok, nil
}

func (c *MemCounterCache) Incr(_ context.Context, key string) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.down {
		return 0, ErrCacheDown
	}
	c.vals[key]++
	return c.vals[key], nil
}

func (c *MemCounterCache) SetIfGreater(_ context.Context, key string, val int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.down {
		return ErrCacheDown
	}
	if val > c.vals[key] {
		c.vals[key] = val
	}
	return nil
}

type MemDAO struct {
	mu     sync.Mutex
	issued map[string]int64
}

func NewMemDAO() *MemDAO { return &MemDAO{issued: make(map[string]int64)} }

func daoKey(tenant, convID string) string { return tenant + "|" + convID }

func (d *MemDAO) AllocNext(_ context.Context, tenant, convID string) (int64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	k := daoKey(tenant, convID)
	d.issued[k]++
	return d.issued[k], nil
}

func (d *MemDAO) QueryIssued(_ context.Context, tenant, convID string) (int64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.issued[daoKey(tenant, convID)], nil
}

func (d *MemDAO) RaiseIssuedFloor(_ context.Context, tenant, convID string, floor int64) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	k := daoKey(tenant, convID)
	if floor > d.issued[k] {
		d.issued[k] = floor
	}
	return nil
}
