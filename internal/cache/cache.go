// Package cache provides the gateway's in-memory store with per-entry
// priority and TTL, size- and memory-aware eviction, optional entry
// compression, and hit-ratio tracking.
package cache

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/jbeur/mcp-ble-server/internal/config"
	"github.com/jbeur/mcp-ble-server/internal/protocol"
	"github.com/jbeur/mcp-ble-server/pkg/observability"
)

// ErrEmptyKey is returned by Set for an empty key
var ErrEmptyKey = errors.New("cache: key must not be empty")

// Entry is one stored cache record. Exactly one of value/compressed is
// populated; IsCompressed implies a supported algorithm.
type Entry struct {
	Key          string
	value        interface{}
	compressed   []byte
	Priority     protocol.Priority
	Timestamp    time.Time
	ExpiresAt    time.Time // zero means no expiry
	IsCompressed bool
	Algorithm    protocol.Algorithm
	size         int
}

// Cache is a priority/TTL aware KV store. All public methods serialize
// against the invalidation sweeper and the memory monitor through a single
// mutex; compression work happens outside the critical section.
type Cache struct {
	mu      sync.Mutex
	entries map[string]*Entry

	cfg     config.CacheConfig
	logger  observability.Logger
	metrics observability.MetricsClient

	window *hitWindow

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New creates a cache and starts its periodic invalidation sweep and memory
// monitor as configured. Stop must be called to release them.
func New(cfg config.CacheConfig, logger observability.Logger, metrics observability.MetricsClient) *Cache {
	c := &Cache{
		entries: make(map[string]*Entry),
		cfg:     cfg,
		logger:  logger,
		metrics: metrics,
		stopCh:  make(chan struct{}),
	}
	if cfg.HitRatioTracking.Enabled && cfg.HitRatioTracking.WindowSize > 0 {
		c.window = newHitWindow(cfg.HitRatioTracking.WindowSize)
	}

	if cfg.Invalidation.CheckPeriod > 0 {
		c.wg.Add(1)
		go c.runSweeper(cfg.Invalidation.CheckPeriod)
	}
	if cfg.MemoryMonitoring.Enabled && cfg.MemoryMonitoring.CheckIntervalMS > 0 {
		c.wg.Add(1)
		go c.runMemoryMonitor(cfg.MemoryMonitoring.CheckIntervalMS)
	}
	return c
}

// Set stores a value under key with the given priority. ttl == 0 defers to
// the configured per-priority or default TTL; ttl < 0 disables expiry for
// the entry.
func (c *Cache) Set(key string, value interface{}, priority protocol.Priority, ttl time.Duration) error {
	if key == "" {
		return ErrEmptyKey
	}
	if !priority.Known() {
		priority = protocol.PriorityMedium
	}

	now := time.Now()
	entry := &Entry{
		Key:       key,
		Priority:  priority,
		Timestamp: now,
	}

	if expiry, ok := c.expiryFor(priority, ttl, now); ok {
		entry.ExpiresAt = expiry
	}

	// Serialize outside the lock to size the entry and feed compression
	serialized, err := json.Marshal(value)
	if err != nil {
		return errors.Wrapf(err, "serialize cache entry %s", key)
	}
	entry.size = len(serialized)

	if c.cfg.Compression.Enabled && entry.size >= c.cfg.Compression.MinSize {
		alg := protocol.Algorithm(c.cfg.Compression.Algorithm)
		if alg == "" {
			alg = protocol.AlgorithmGzip
		}
		blob, err := protocol.Compress(serialized, c.cfg.Compression.Level, alg)
		if err != nil {
			return errors.Wrapf(err, "compress cache entry %s", key)
		}
		entry.compressed = blob
		entry.IsCompressed = true
		entry.Algorithm = alg
		c.metrics.IncrementCounter("cache.compressed_entries", 1)
	} else {
		entry.value = value
	}

	c.mu.Lock()
	c.entries[key] = entry
	c.sweepLocked(now)
	c.mu.Unlock()

	if c.cfg.MemoryMonitoring.Enabled {
		c.checkMemory()
	}
	return nil
}

// Get returns the stored value for key, decompressing when needed. Expired
// entries are removed and reported as absent.
func (c *Cache) Get(key string) (interface{}, bool) {
	now := time.Now()

	c.mu.Lock()
	entry, ok := c.entries[key]
	if ok && c.cfg.TTL.Enabled && !entry.ExpiresAt.IsZero() && now.After(entry.ExpiresAt) {
		delete(c.entries, key)
		ok = false
		c.metrics.IncrementCounter("cache.expired", 1)
	}
	var compressed []byte
	var alg protocol.Algorithm
	var value interface{}
	if ok {
		if entry.IsCompressed {
			compressed = entry.compressed
			alg = entry.Algorithm
		} else {
			value = entry.value
		}
	}
	c.mu.Unlock()

	c.recordLookup(ok)
	if !ok {
		return nil, false
	}

	if compressed != nil {
		raw, err := protocol.Decompress(compressed, alg)
		if err != nil {
			c.logger.Error("Failed to decompress cache entry", map[string]interface{}{
				"key":   key,
				"error": err.Error(),
			})
			return nil, false
		}
		var parsed interface{}
		if err := json.Unmarshal(raw, &parsed); err != nil {
			c.logger.Error("Failed to parse decompressed cache entry", map[string]interface{}{
				"key":   key,
				"error": err.Error(),
			})
			return nil, false
		}
		return parsed, true
	}
	return value, true
}

// Delete removes a key
func (c *Cache) Delete(key string) {
	c.mu.Lock()
	delete(c.entries, key)
	c.mu.Unlock()
}

// Clear removes all entries
func (c *Cache) Clear() {
	c.mu.Lock()
	c.entries = make(map[string]*Entry)
	c.mu.Unlock()
}

// Size returns the number of live entries
func (c *Cache) Size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// HitRatio returns the hit ratio over the sliding request window, or 0
// when tracking is disabled or no lookups were made.
func (c *Cache) HitRatio() float64 {
	if c.window == nil {
		return 0
	}
	return c.window.Ratio()
}

// Stop cancels the sweeper and memory monitor. Safe to call repeatedly.
func (c *Cache) Stop() {
	c.stopOnce.Do(func() {
		close(c.stopCh)
	})
	c.wg.Wait()
}

func (c *Cache) recordLookup(hit bool) {
	if c.window != nil {
		c.window.Record(hit)
	}
	if hit {
		c.metrics.IncrementCounter("cache.hit", 1)
	} else {
		c.metrics.IncrementCounter("cache.miss", 1)
	}
}

// expiryFor resolves the effective expiry: explicit ttl, then the priority
// TTL override, then the default TTL. Returns false when TTL is disabled or
// the entry opts out.
func (c *Cache) expiryFor(priority protocol.Priority, ttl time.Duration, now time.Time) (time.Time, bool) {
	if !c.cfg.TTL.Enabled || ttl < 0 {
		return time.Time{}, false
	}
	if ttl > 0 {
		return now.Add(ttl), true
	}
	if override, ok := c.cfg.TTL.PriorityTTLs[string(priority)]; ok && override > 0 {
		return now.Add(override), true
	}
	if c.cfg.TTL.DefaultTTL > 0 {
		return now.Add(c.cfg.TTL.DefaultTTL), true
	}
	return time.Time{}, false
}
