package cache

import (
	"context"
	"sync"

	"github.com/jbeur/mcp-ble-server/internal/protocol"
)

// PreloadEntry is one key/value pair queued for preloading
type PreloadEntry struct {
	Key   string
	Value interface{}
}

// PreloadOptions bound the preload drain
type PreloadOptions struct {
	BatchSize     int
	MaxConcurrent int
	Priority      protocol.Priority
}

// Preload queues entries and drains them in batches of BatchSize with at
// most MaxConcurrent concurrent writers, all at the given priority. The
// first write error aborts subsequent batches; already-scheduled writes
// finish.
func (c *Cache) Preload(ctx context.Context, entries []PreloadEntry, opts PreloadOptions) error {
	if opts.BatchSize <= 0 {
		opts.BatchSize = 100
	}
	if opts.MaxConcurrent <= 0 {
		opts.MaxConcurrent = 4
	}
	if !opts.Priority.Known() {
		opts.Priority = protocol.PriorityMedium
	}

	sem := make(chan struct{}, opts.MaxConcurrent)
	var wg sync.WaitGroup
	var mu sync.Mutex
	var firstErr error

	for start := 0; start < len(entries); start += opts.BatchSize {
		if err := ctx.Err(); err != nil {
			mu.Lock()
			if firstErr == nil {
				firstErr = err
			}
			mu.Unlock()
			break
		}

		mu.Lock()
		aborted := firstErr != nil
		mu.Unlock()
		if aborted {
			break
		}

		end := start + opts.BatchSize
		if end > len(entries) {
			end = len(entries)
		}

		for _, entry := range entries[start:end] {
			sem <- struct{}{}
			wg.Add(1)
			go func(e PreloadEntry) {
				defer wg.Done()
				defer func() { <-sem }()

				if err := c.Set(e.Key, e.Value, opts.Priority, 0); err != nil {
					mu.Lock()
					if firstErr == nil {
						firstErr = err
					}
					mu.Unlock()
				}
			}(entry)
		}
		wg.Wait()
	}

	wg.Wait()
	return firstErr
}
