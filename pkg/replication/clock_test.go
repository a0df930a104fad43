package replication

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestClockIsMonotonic(t *testing.T) {
	wall := int64(1000)
	c := NewClock(func() time.Time { return time.UnixMilli(wall) })

	assert.Equal(t, int64(1000), c.Now())
	assert.Equal(t, int64(1001), c.Now())

	wall = 900 // wall clock stepped back
	assert.Equal(t, int64(1002), c.Now())

	c.Observe(5000)
	assert.Equal(t, int64(5001), c.Now())

	c.Observe(10)
	assert.Equal(t, int64(5002), c.Now())

	wall = 9000
	assert.Equal(t, int64(9000), c.Now())
}

func TestBackoffDelay(t *testing.T) {
	base := 100 * time.Millisecond
	max := time.Second

	tests := []struct {
		failures int
		want     time.Duration
	}{
		{0, 0},
		{1, 100 * time.Millisecond},
		{2, 200 * time.Millisecond},
		{3, 400 * time.Millisecond},
		{4, 800 * time.Millisecond},
		{5, time.Second},
		{60, time.Second},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, backoffDelay(tt.failures, base, max), "failures=%d", tt.failures)
	}
}
