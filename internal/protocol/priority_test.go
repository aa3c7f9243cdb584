package protocol

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPriorityOrdering(t *testing.T) {
	assert.Less(t, PriorityLow.Value(), PriorityMedium.Value())
	assert.Less(t, PriorityMedium.Value(), PriorityHigh.Value())
	assert.Less(t, PriorityHigh.Value(), PriorityCritical.Value())
}

func TestPriorityKnown(t *testing.T) {
	for _, p := range []Priority{PriorityLow, PriorityMedium, PriorityHigh, PriorityCritical} {
		assert.True(t, p.Known(), string(p))
	}
	assert.False(t, Priority("urgent").Known())
}

func TestBatchPrioritiesDrainOrder(t *testing.T) {
	assert.Equal(t, []Priority{PriorityHigh, PriorityMedium, PriorityLow}, BatchPriorities)
}
