package testutil

import (
	"sync"
	"time"
)

// Epoch is the instant every Clock starts at unless told otherwise.
var Epoch = time.Date(2025, time.January, 15, 9, 30, 0, 0, time.UTC)

// Clock is a wall clock that only moves when a test moves it.
//
// Pass clock.Now wherever a component accepts a func() time.Time.
//
// Thread-safety: All methods are safe for concurrent use via internal mutex.
type Clock struct {
	mu  sync.Mutex
	now time.Time
}

// NewClock creates a clock reading start. A zero start means Epoch.
func NewClock(start time.Time) *Clock {
	if start.IsZero() {
		start = Epoch
	}
	return &Clock{now: start.UTC()}
}

// Now returns the current reading.
func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward by d and returns the new reading.
func (c *Clock) Advance(d time.Duration) time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
	return c.now
}

// Set moves the clock to t.
//
// Used to jump past deadlines. Moving backwards is allowed but rarely useful.
func (c *Clock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t.UTC()
}
