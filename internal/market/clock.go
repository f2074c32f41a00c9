package market

import (
	"sync"
	"time"
)

// SystemClock reads wall-clock time.
type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now() }

// ManualClock returns whatever time it was last set to. The sequencing
// layer pins it before each call so the journal records the exact
// reading the ledger used.
type ManualClock struct {
	mu sync.Mutex
	t  time.Time
}

// NewManualClock returns a clock fixed at t.
func NewManualClock(t time.Time) *ManualClock {
	return &ManualClock{t: t}
}

func (c *ManualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

// Set moves the clock to t.
func (c *ManualClock) Set(t time.Time) {
	c.mu.Lock()
	c.t = t
	c.mu.Unlock()
}

// SetUnix moves the clock to the given Unix second.
func (c *ManualClock) SetUnix(sec int64) {
	c.Set(time.Unix(sec, 0))
}

// Advance moves the clock forward by d.
func (c *ManualClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}
