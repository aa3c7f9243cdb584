package auth

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRateWindowEnforcesLimit(t *testing.T) {
	w := newRateWindow(time.Minute, 3)

	for i := 0; i < 3; i++ {
		assert.True(t, w.Allow("c1"), "request %d within the limit", i)
	}
	assert.False(t, w.Allow("c1"))
	assert.Equal(t, 3, w.Count("c1"))
}

func TestRateWindowSlides(t *testing.T) {
	w := newRateWindow(100*time.Millisecond, 2)
	base := time.Now()
	w.now = func() time.Time { return base }

	assert.True(t, w.Allow("c1"))
	assert.True(t, w.Allow("c1"))
	assert.False(t, w.Allow("c1"))

	// Once the window slides past the first two requests, capacity returns
	w.now = func() time.Time { return base.Add(150 * time.Millisecond) }
	assert.True(t, w.Allow("c1"))
	assert.Equal(t, 1, w.Count("c1"))
}

func TestRateWindowRejectedRequestsNotCounted(t *testing.T) {
	w := newRateWindow(time.Minute, 1)

	assert.True(t, w.Allow("c1"))
	for i := 0; i < 5; i++ {
		assert.False(t, w.Allow("c1"))
	}
	// Only the admitted request occupies the window
	assert.Equal(t, 1, w.Count("c1"))
}

func TestRateWindowPerClientIsolation(t *testing.T) {
	w := newRateWindow(time.Minute, 1)

	assert.True(t, w.Allow("c1"))
	assert.True(t, w.Allow("c2"))
	assert.False(t, w.Allow("c1"))
}

func TestRateWindowRemove(t *testing.T) {
	w := newRateWindow(time.Minute, 1)

	assert.True(t, w.Allow("c1"))
	w.Remove("c1")
	assert.True(t, w.Allow("c1"))
}
