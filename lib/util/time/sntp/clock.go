package sntp

import (
	"sync"
	"time"
)

// Clock is the system clock shifted by the last NTP correction. Values
// returned by Now keep Go's monotonic reading, so durations measured
// between two of them are immune to wall clock jumps.
type Clock struct {
	mu     sync.RWMutex
	offset time.Duration
}

func NewClock() *Clock {
	return &Clock{}
}

// Now returns the corrected current time.
func (c *Clock) Now() time.Time {
	c.mu.RLock()
	offset := c.offset
	c.mu.RUnlock()
	return time.Now().Add(offset)
}

func (c *Clock) SetOffset(offset time.Duration) {
	c.mu.Lock()
	c.offset = offset
	c.mu.Unlock()
}

func (c *Clock) Offset() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.offset
}

// SetNow implements UpdateListener.
func (c *Clock) SetNow(now time.Time, _ uint8) {
	c.SetOffset(time.Until(now))
}
