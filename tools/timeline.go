package tools

import (
	"sync"
	"time"
)

// Timeline hands out back-to-back start times on an output clock so that
// consecutive chunks play without gaps or overlap.
type Timeline struct {
	mu   sync.Mutex
	next time.Duration
}

// Place returns the start time for a chunk of length d given the current
// clock, max(now, next), and moves the cursor to the end of the chunk.
func (t *Timeline) Place(now, d time.Duration) time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	start := max(now, t.next)
	t.next = start + d
	return start
}

// Next is the time at which the last placed chunk ends.
func (t *Timeline) Next() time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.next
}

func (t *Timeline) Reset() {
	t.mu.Lock()
	t.next = 0
	t.mu.Unlock()
}
