package service

import (
	"math"
	"sync"
	"time"
)

// LamportClock is a per-document hybrid logical clock. Timestamps are wall
// clock milliseconds, bumped past the largest value issued or observed so
// that a single actor's ops are strictly increasing even when the wall clock
// stalls or steps back.
type LamportClock struct {
	now func() time.Time

	mu   sync.Mutex
	last map[string]int64
}

// NewLamportClock creates an empty clock.
func NewLamportClock() *LamportClock {
	return &LamportClock{now: time.Now, last: make(map[string]int64)}
}

// Next issues a fresh timestamp for docID. The clock saturates at
// math.MaxInt64 instead of wrapping.
func (c *LamportClock) Next(docID string) int64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	ts := c.now().UnixMilli()
	if last := c.last[docID]; ts <= last {
		ts = last
		if last < math.MaxInt64 {
			ts++
		}
	}
	c.last[docID] = ts
	return ts
}

// Observe merges a timestamp seen on an op of docID.
func (c *LamportClock) Observe(docID string, ts int64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if last, ok := c.last[docID]; !ok || ts > last {
		c.last[docID] = ts
	}
}

// Horizon returns the largest timestamp accepted from another actor when
// ops may run at most skew ahead of the local wall clock.
func (c *LamportClock) Horizon(skew time.Duration) int64 {
	return c.now().Add(skew).UnixMilli()
}

// Known reports whether the clock has seen docID.
func (c *LamportClock) Known(docID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	_, ok := c.last[docID]
	return ok
}
