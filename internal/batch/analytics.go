package batch

import (
	"sync"
	"time"

	"github.com/jbeur/mcp-ble-server/internal/config"
	"github.com/jbeur/mcp-ble-server/internal/protocol"
	"github.com/jbeur/mcp-ble-server/pkg/observability"
)

// priorityStats accumulates flush observations for one priority within the
// current analytics interval.
type priorityStats struct {
	flushes      int
	messages     int
	minBatch     int
	maxBatch     int
	latencySum   time.Duration
	minLatency   time.Duration
	maxLatency   time.Duration
	originalSum  int
	compressedSum int
}

// Analytics periodically emits a summary of batching behaviour: per-priority
// batch size and latency envelopes, compression ratio, and priority
// distribution. Counters reset each interval.
type Analytics struct {
	cfg     config.AnalyticsConfig
	logger  observability.Logger
	metrics observability.MetricsClient

	mu    sync.Mutex
	stats map[protocol.Priority]*priorityStats
}

// NewAnalytics creates the analytics collector and starts its emit loop
// when enabled. The loop observes stopCh between iterations.
func NewAnalytics(cfg config.AnalyticsConfig, logger observability.Logger, metrics observability.MetricsClient, stopCh <-chan struct{}) *Analytics {
	a := &Analytics{
		cfg:     cfg,
		logger:  logger,
		metrics: metrics,
		stats:   make(map[protocol.Priority]*priorityStats),
	}
	if cfg.Enabled && cfg.Interval > 0 {
		go a.run(stopCh)
	}
	return a
}

// RecordFlush folds one flush into the current interval
func (a *Analytics) RecordFlush(priority protocol.Priority, batchSize int, latency time.Duration, payload *protocol.BatchPayload) {
	if !a.cfg.Enabled {
		return
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	stats, ok := a.stats[priority]
	if !ok {
		stats = &priorityStats{minBatch: batchSize, minLatency: latency}
		a.stats[priority] = stats
	}

	stats.flushes++
	stats.messages += batchSize
	if batchSize < stats.minBatch || stats.flushes == 1 {
		stats.minBatch = batchSize
	}
	if batchSize > stats.maxBatch {
		stats.maxBatch = batchSize
	}
	stats.latencySum += latency
	if latency < stats.minLatency || stats.flushes == 1 {
		stats.minLatency = latency
	}
	if latency > stats.maxLatency {
		stats.maxLatency = latency
	}
	if payload != nil && payload.Compressed {
		stats.originalSum += payload.OriginalSize
		stats.compressedSum += payload.CompressedSize
	}
}

func (a *Analytics) run(stopCh <-chan struct{}) {
	ticker := time.NewTicker(a.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-stopCh:
			return
		case <-ticker.C:
			a.emit()
		}
	}
}

// emit logs the interval summary and publishes gauges, then resets
func (a *Analytics) emit() {
	a.mu.Lock()
	snapshot := a.stats
	a.stats = make(map[protocol.Priority]*priorityStats)
	a.mu.Unlock()

	totalMessages := 0
	for _, stats := range snapshot {
		totalMessages += stats.messages
	}
	if totalMessages == 0 {
		return
	}

	for priority, stats := range snapshot {
		avgBatch := float64(stats.messages) / float64(stats.flushes)
		avgLatency := stats.latencySum / time.Duration(stats.flushes)
		share := float64(stats.messages) / float64(totalMessages)

		ratio := 1.0
		if stats.originalSum > 0 {
			ratio = float64(stats.compressedSum) / float64(stats.originalSum)
		}

		labels := map[string]string{"priority": string(priority)}
		a.metrics.RecordGauge("batcher.avg_batch_size", avgBatch, labels)
		a.metrics.RecordGauge("batcher.avg_flush_latency_seconds", avgLatency.Seconds(), labels)
		a.metrics.RecordGauge("batcher.compression_ratio", ratio, labels)
		a.metrics.RecordGauge("batcher.priority_share", share, labels)

		a.logger.Info("Batch analytics", map[string]interface{}{
			"priority":          string(priority),
			"flushes":           stats.flushes,
			"avg_batch_size":    avgBatch,
			"min_batch_size":    stats.minBatch,
			"max_batch_size":    stats.maxBatch,
			"avg_flush_latency": avgLatency.String(),
			"min_flush_latency": stats.minLatency.String(),
			"max_flush_latency": stats.maxLatency.String(),
			"compression_ratio": ratio,
			"priority_share":    share,
		})
	}
}
