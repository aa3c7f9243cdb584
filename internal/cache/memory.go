package cache

import (
	"runtime"
	"time"
)

// heapUsageMB samples current heap use. A variable so tests can stub it.
var heapUsageMB = func() int {
	var stats runtime.MemStats
	runtime.ReadMemStats(&stats)
	return int(stats.HeapAlloc / (1024 * 1024))
}

// runMemoryMonitor periodically samples heap use and enforces the memory
// policy until Stop.
func (c *Cache) runMemoryMonitor(interval time.Duration) {
	defer c.wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stopCh:
			return
		case <-ticker.C:
			c.checkMemory()
		}
	}
}

// checkMemory samples heap use outside the lock and evicts under it. On
// breach of the hard limit, entries go by ascending (priority, timestamp),
// sparing the highest priority present in the cache.
func (c *Cache) checkMemory() {
	usedMB := heapUsageMB()
	c.metrics.RecordGauge("cache.heap_mb", float64(usedMB), nil)

	warnMB := c.cfg.MemoryMonitoring.WarningThresholdMB
	maxMB := c.cfg.MemoryMonitoring.MaxMemoryMB

	if warnMB > 0 && usedMB >= warnMB && (maxMB == 0 || usedMB < maxMB) {
		c.logger.Warn("Cache memory usage above warning threshold", map[string]interface{}{
			"heap_mb":      usedMB,
			"warning_mb":   warnMB,
			"cache_size":   c.Size(),
			"max_limit_mb": maxMB,
		})
		return
	}

	if maxMB == 0 || usedMB < maxMB {
		return
	}

	c.mu.Lock()
	highest := -1
	totalBytes := 0
	for _, entry := range c.entries {
		if pv := entry.Priority.Value(); pv > highest {
			highest = pv
		}
		totalBytes += entry.size
	}
	skip := map[int]struct{}{}
	if highest >= 0 {
		skip[highest] = struct{}{}
	}

	victims := c.evictionOrderLocked(skip)
	overageBytes := (usedMB - maxMB) * 1024 * 1024
	freed := 0
	evicted := 0
	for _, key := range victims {
		if freed >= overageBytes {
			break
		}
		freed += c.entries[key].size
		delete(c.entries, key)
		evicted++
	}
	remaining := len(c.entries)
	c.mu.Unlock()

	if evicted > 0 {
		c.logger.Warn("Cache evicted entries under memory pressure", map[string]interface{}{
			"heap_mb":   usedMB,
			"max_mb":    maxMB,
			"evicted":   evicted,
			"remaining": remaining,
		})
		c.metrics.IncrementCounter("cache.memory_evictions", float64(evicted))
	}
}
