package cache

import (
	"sort"
	"time"
)

// runSweeper periodically applies the invalidation policy until Stop
func (c *Cache) runSweeper(period time.Duration) {
	defer c.wg.Done()

	ticker := time.NewTicker(period)
	defer ticker.Stop()

	for {
		select {
		case <-c.stopCh:
			return
		case <-ticker.C:
			c.mu.Lock()
			c.sweepLocked(time.Now())
			c.mu.Unlock()
		}
	}
}

// sweepLocked applies the invalidation policy: expired and over-age entries
// first, then size eviction by ascending (priority, timestamp). Caller
// holds c.mu.
func (c *Cache) sweepLocked(now time.Time) {
	dropped := 0

	maxAge := c.cfg.Invalidation.MaxAge
	for key, entry := range c.entries {
		if c.cfg.TTL.Enabled && !entry.ExpiresAt.IsZero() && now.After(entry.ExpiresAt) {
			delete(c.entries, key)
			dropped++
			continue
		}
		if maxAge > 0 && now.Sub(entry.Timestamp) > maxAge {
			delete(c.entries, key)
			dropped++
		}
	}

	maxSize := c.cfg.Invalidation.MaxSize
	if maxSize > 0 && len(c.entries) > maxSize {
		victims := c.evictionOrderLocked(nil)
		for _, key := range victims {
			if len(c.entries) <= maxSize {
				break
			}
			delete(c.entries, key)
			dropped++
		}
	}

	if dropped > 0 {
		c.metrics.IncrementCounter("cache.evicted", float64(dropped))
	}
}

// evictionOrderLocked returns keys sorted by ascending (priority value,
// timestamp). Entries whose priority is in skip are excluded. Caller holds
// c.mu.
func (c *Cache) evictionOrderLocked(skip map[int]struct{}) []string {
	type candidate struct {
		key      string
		priority int
		ts       time.Time
	}
	candidates := make([]candidate, 0, len(c.entries))
	for key, entry := range c.entries {
		pv := entry.Priority.Value()
		if skip != nil {
			if _, excluded := skip[pv]; excluded {
				continue
			}
		}
		candidates = append(candidates, candidate{key: key, priority: pv, ts: entry.Timestamp})
	}

	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].priority != candidates[j].priority {
			return candidates[i].priority < candidates[j].priority
		}
		return candidates[i].ts.Before(candidates[j].ts)
	})

	keys := make([]string, len(candidates))
	for i, cand := range candidates {
		keys[i] = cand.key
	}
	return keys
}
