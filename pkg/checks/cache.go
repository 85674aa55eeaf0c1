package checks

import (
	"context"
	"sync"
	"time"

	"github.com/openfroyo/smartpipeline/pkg/engine"
)

// KeyFunc derives the cache key of a plan. Results are shared between plans
// with the same key.
type KeyFunc func(plan *engine.ExecutionPlan) string

type cacheEntry struct {
	result engine.PrerequisiteResult
	at     time.Time
}

// CachedPrerequisite remembers the results of a prerequisite check for a
// TTL. Checks that could not execute are never cached.
type CachedPrerequisite struct {
	check engine.PrerequisiteCheck
	ttl   time.Duration
	key   KeyFunc
	now   func() time.Time

	mu      sync.Mutex
	entries map[string]cacheEntry
}

// NewCachedPrerequisite wraps check. A nil key caches one result for all plans.
func NewCachedPrerequisite(check engine.PrerequisiteCheck, ttl time.Duration, key KeyFunc) *CachedPrerequisite {
	if key == nil {
		key = func(*engine.ExecutionPlan) string { return "" }
	}
	return &CachedPrerequisite{
		check:   check,
		ttl:     ttl,
		key:     key,
		now:     time.Now,
		entries: make(map[string]cacheEntry),
	}
}

// Name implements engine.PrerequisiteCheck.
func (c *CachedPrerequisite) Name() string { return c.check.Name() }

// Mandatory implements engine.PrerequisiteCheck.
func (c *CachedPrerequisite) Mandatory() bool { return c.check.Mandatory() }

// Run implements engine.PrerequisiteCheck.
func (c *CachedPrerequisite) Run(ctx context.Context, plan *engine.ExecutionPlan) (engine.PrerequisiteResult, error) {
	if c.ttl <= 0 {
		return c.check.Run(ctx, plan)
	}
	key := c.key(plan)

	c.mu.Lock()
	entry, ok := c.entries[key]
	if ok && c.now().Sub(entry.at) <= c.ttl {
		c.mu.Unlock()
		res := entry.result
		res.Cached = true
		return res, nil
	}
	if ok {
		delete(c.entries, key)
	}
	c.mu.Unlock()

	res, err := c.check.Run(ctx, plan)
	if err != nil {
		return res, err
	}

	c.mu.Lock()
	c.entries[key] = cacheEntry{result: res, at: c.now()}
	c.mu.Unlock()
	return res, nil
}

// Clear drops every cached result.
func (c *CachedPrerequisite) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]cacheEntry)
}
