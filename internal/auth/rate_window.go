package auth

import (
	"sync"
	"time"
)

// rateWindow enforces a per-client sliding window limit: at most max
// requests within window. Timestamps older than the window are pruned on
// every check, so memory stays proportional to recent activity.
type rateWindow struct {
	window time.Duration
	max    int

	mu   sync.Mutex
	hits map[string][]time.Time

	now func() time.Time
}

func newRateWindow(window time.Duration, max int) *rateWindow {
	return &rateWindow{
		window: window,
		max:    max,
		hits:   make(map[string][]time.Time),
		now:    time.Now,
	}
}

// Allow records one request for the client and reports whether it stays
// within the window limit. Rejected requests are not recorded.
func (r *rateWindow) Allow(clientID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	cutoff := now.Add(-r.window)

	recent := r.hits[clientID][:0]
	for _, t := range r.hits[clientID] {
		if t.After(cutoff) {
			recent = append(recent, t)
		}
	}

	if len(recent) >= r.max {
		r.hits[clientID] = recent
		return false
	}

	r.hits[clientID] = append(recent, now)
	return true
}

// Remove drops all tracked state for the client
func (r *rateWindow) Remove(clientID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.hits, clientID)
}

// Count reports the number of in-window requests for the client
func (r *rateWindow) Count(clientID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	cutoff := r.now().Add(-r.window)
	n := 0
	for _, t := range r.hits[clientID] {
		if t.After(cutoff) {
			n++
		}
	}
	return n
}
