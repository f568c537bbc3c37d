// Package cache keeps the last PollResult per device and coalesces
// concurrent upstream reads.
package cache

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/fieldpoll/fieldpoll/internal/metrics"
	"github.com/fieldpoll/fieldpoll/internal/types"
)

type Options struct {
	Enabled bool
	TTL     time.Duration
}

// Fetch performs one transport exchange for a device.
type Fetch func(ctx context.Context) types.PollResult

type entry struct {
	result   types.PollResult
	storedAt time.Time
}

type Cache struct {
	opts    Options
	now     func() time.Time
	group   singleflight.Group
	metrics *metrics.Collectors
	logger  *zap.Logger

	mu      sync.RWMutex
	entries map[string]entry
	epochs  map[string]uint64
}

func New(opts Options, m *metrics.Collectors, logger *zap.Logger) *Cache {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Cache{
		opts:    opts,
		now:     time.Now,
		metrics: m,
		logger:  logger,
		entries: make(map[string]entry),
		epochs:  make(map[string]uint64),
	}
}

// Get serves an on-demand read. A fresh successful result within TTL is
// returned without I/O; otherwise concurrent callers share one fetch.
func (c *Cache) Get(ctx context.Context, deviceID string, fetch Fetch) (types.PollResult, error) {
	if res, ok := c.fresh(deviceID); ok {
		c.metrics.CacheRequest("hit")
		return res, nil
	}
	c.metrics.CacheRequest("miss")

	epoch := c.Epoch(deviceID)
	res, err := c.do(ctx, deviceID, fetch)
	if err != nil {
		return types.PollResult{}, err
	}
	if res.Success {
		c.Put(res, epoch)
	}
	return res, nil
}

// Refresh runs fetch for the scheduler. It ignores the TTL but still joins
// an on-demand read already in flight. Storing is left to the caller, which
// may discard the result.
func (c *Cache) Refresh(ctx context.Context, deviceID string, fetch Fetch) (types.PollResult, error) {
	return c.do(ctx, deviceID, fetch)
}

func (c *Cache) do(ctx context.Context, deviceID string, fetch Fetch) (types.PollResult, error) {
	ch := c.group.DoChan(deviceID, func() (interface{}, error) {
		// shared by every waiter, so it must outlive any single caller
		return fetch(context.WithoutCancel(ctx)), nil
	})

	select {
	case r := <-ch:
		if r.Shared {
			c.logger.Debug("Coalesced read", zap.String("device_id", deviceID))
		}
		return r.Val.(types.PollResult), nil
	case <-ctx.Done():
		return types.PollResult{}, ctx.Err()
	}
}

// Epoch identifies the cached generation of a device. Invalidate advances it.
func (c *Cache) Epoch(deviceID string) uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.epochs[deviceID]
}

// Put stores res unless the device was invalidated after epoch was taken,
// so a fetch that started before a remove or a write never lands.
func (c *Cache) Put(res types.PollResult, epoch uint64) bool {
	if !c.opts.Enabled {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.epochs[res.DeviceID] != epoch {
		return false
	}
	c.entries[res.DeviceID] = entry{result: res, storedAt: c.now()}
	return true
}

// Peek returns the last stored result regardless of age.
func (c *Cache) Peek(deviceID string) (types.PollResult, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[deviceID]
	return e.result, ok
}

func (c *Cache) Invalidate(deviceID string) {
	c.mu.Lock()
	delete(c.entries, deviceID)
	c.epochs[deviceID]++
	c.mu.Unlock()
	c.group.Forget(deviceID)
}

func (c *Cache) fresh(deviceID string) (types.PollResult, bool) {
	if !c.opts.Enabled || c.opts.TTL <= 0 {
		return types.PollResult{}, false
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[deviceID]
	if !ok || c.now().Sub(e.storedAt) >= c.opts.TTL {
		return types.PollResult{}, false
	}
	return e.result, true
}
