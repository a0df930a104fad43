package replication

import (
	"sync"
	"time"
)

// Clock issues strictly increasing logical timestamps in unix milliseconds.
// It follows wall time but never goes backwards, and Observe pulls it ahead
// of timestamps seen from other replicas.
type Clock struct {
	mu   sync.Mutex
	last int64
	wall func() time.Time
}

// NewClock creates a clock reading wall time from wall, or time.Now if nil
func NewClock(wall func() time.Time) *Clock {
	if wall == nil {
		wall = time.Now
	}
	return &Clock{wall: wall}
}

// Now returns the next timestamp
func (c *Clock) Now() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	ts := c.wall().UnixMilli()
	if ts <= c.last {
		ts = c.last + 1
	}
	c.last = ts
	return ts
}

// Observe records a timestamp issued elsewhere
func (c *Clock) Observe(ts int64) {
	c.mu.Lock()
	if ts > c.last {
		c.last = ts
	}
	c.mu.Unlock()
}
