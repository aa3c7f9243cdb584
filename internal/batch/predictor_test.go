package batch

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRecommendBatchSizeNoDataReturnsMax(t *testing.T) {
	p := NewPredictor(10)
	assert.Equal(t, 10, p.RecommendBatchSize())
}

func TestRecommendBatchSizeBounds(t *testing.T) {
	p := NewPredictor(10)

	// Slow arrivals: one message every 10 seconds
	base := time.Now()
	for i := 0; i < 5; i++ {
		p.ObserveEnqueue(base.Add(time.Duration(i) * 10 * time.Second))
	}
	got := p.RecommendBatchSize()
	assert.GreaterOrEqual(t, got, 1)
	assert.LessOrEqual(t, got, 10)
	// At ~0.1 msg/s the model expects well under one message per window
	assert.Equal(t, 1, got)
}

func TestRecommendBatchSizeClampsAtMax(t *testing.T) {
	p := NewPredictor(10)

	// A message every millisecond wants far more than the cap
	base := time.Now()
	for i := 0; i < 50; i++ {
		p.ObserveEnqueue(base.Add(time.Duration(i) * time.Millisecond))
	}
	assert.Equal(t, 10, p.RecommendBatchSize())
}

func TestSlowFlushesShrinkRecommendation(t *testing.T) {
	fast := NewPredictor(1000)
	slow := NewPredictor(1000)

	base := time.Now()
	for i := 0; i < 50; i++ {
		fast.ObserveEnqueue(base.Add(time.Duration(i) * 2 * time.Millisecond))
		slow.ObserveEnqueue(base.Add(time.Duration(i) * 2 * time.Millisecond))
	}
	for i := 0; i < 20; i++ {
		fast.ObserveFlush(time.Millisecond)
		slow.ObserveFlush(2 * time.Second)
	}

	assert.Less(t, slow.RecommendBatchSize(), fast.RecommendBatchSize())
}

func TestNewPredictorFloorsMax(t *testing.T) {
	p := NewPredictor(0)
	assert.Equal(t, 1, p.RecommendBatchSize())
}
