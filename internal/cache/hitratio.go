package cache

import "sync"

// hitWindow is a fixed-size ring of recent lookup outcomes feeding the
// hit-ratio metric.
type hitWindow struct {
	mu      sync.Mutex
	results []bool
	next    int
	filled  int
	hits    int
}

func newHitWindow(size int) *hitWindow {
	return &hitWindow{results: make([]bool, size)}
}

func (w *hitWindow) Record(hit bool) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.filled == len(w.results) {
		// Overwriting the oldest result
		if w.results[w.next] {
			w.hits--
		}
	} else {
		w.filled++
	}
	w.results[w.next] = hit
	if hit {
		w.hits++
	}
	w.next = (w.next + 1) % len(w.results)
}

func (w *hitWindow) Ratio() float64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.filled == 0 {
		return 0
	}
	return float64(w.hits) / float64(w.filled)
}
