package utils

import (
	"sync"
	"time"
)

// SlidingWindow counts timestamped hits inside a rolling duration. Expired
// hits are pruned on every call, so memory stays proportional to the live
// window.
type SlidingWindow struct {
	mu     sync.Mutex
	window time.Duration
	hits   []time.Time
	last   time.Time
}

func NewSlidingWindow(window time.Duration) *SlidingWindow {
	return &SlidingWindow{window: window}
}

// Add records a hit and returns the live count including it.
func (w *SlidingWindow) Add(now time.Time) int {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.prune(now)
	w.hits = append(w.hits, now)
	if now.After(w.last) {
		w.last = now
	}
	return len(w.hits)
}

// Count returns the number of hits still inside the window.
func (w *SlidingWindow) Count(now time.Time) int {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.prune(now)
	return len(w.hits)
}

// Last returns the newest recorded hit regardless of the window. The zero
// time means nothing was ever recorded.
func (w *SlidingWindow) Last() time.Time {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.last
}

func (w *SlidingWindow) prune(now time.Time) {
	cutoff := now.Add(-w.window)
	idx := 0
	for _, hit := range w.hits {
		if hit.After(cutoff) {
			break
		}
		idx++
	}
	w.hits = w.hits[idx:]
}
