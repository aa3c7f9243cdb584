package batch

import (
	"math"
	"sync"
	"time"
)

const (
	// ewmaAlpha weights recent observations in the load model
	ewmaAlpha = 0.2
	// targetFlushLatency is the latency the recommendation aims to keep
	targetFlushLatency = 100 * time.Millisecond
)

// Predictor maintains a running load model over enqueue rate and flush
// latency and recommends a batch size for the next flush. Recommendations
// stay within [1, maxBatchSize].
type Predictor struct {
	mu sync.Mutex

	maxBatchSize int

	enqueueRate  float64 // messages per second, EWMA
	flushLatency float64 // seconds, EWMA
	lastEnqueue  time.Time
}

// NewPredictor creates a predictor capped at the configured batch size
func NewPredictor(maxBatchSize int) *Predictor {
	if maxBatchSize < 1 {
		maxBatchSize = 1
	}
	return &Predictor{maxBatchSize: maxBatchSize}
}

// ObserveEnqueue folds one enqueue event into the rate model
func (p *Predictor) ObserveEnqueue(now time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.lastEnqueue.IsZero() {
		gap := now.Sub(p.lastEnqueue).Seconds()
		if gap > 0 {
			instant := 1.0 / gap
			p.enqueueRate = ewmaAlpha*instant + (1-ewmaAlpha)*p.enqueueRate
		}
	}
	p.lastEnqueue = now
}

// ObserveFlush folds one flush latency into the model
func (p *Predictor) ObserveFlush(latency time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.flushLatency = ewmaAlpha*latency.Seconds() + (1-ewmaAlpha)*p.flushLatency
}

// RecommendBatchSize returns the batch size the model suggests: roughly the
// number of messages expected to arrive within the target flush latency,
// nudged down when flushes themselves run slow.
func (p *Predictor) RecommendBatchSize() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.enqueueRate <= 0 {
		return p.maxBatchSize
	}

	target := targetFlushLatency.Seconds()
	if p.flushLatency > target {
		target = target * target / p.flushLatency
	}

	recommended := int(math.Round(p.enqueueRate * target))
	if recommended < 1 {
		recommended = 1
	}
	if recommended > p.maxBatchSize {
		recommended = p.maxBatchSize
	}
	return recommended
}
