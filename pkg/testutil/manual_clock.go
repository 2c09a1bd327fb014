package testutil

import (
	"context"
	"sync"
	"time"

	"github.com/shardmesh/shardmesh/pkg/clock"
)

// ManualClock is a clock.Clock whose current time only moves when the
// test advances it. Timeouts and timers still use the real clock, so
// tests that rely on them should use short durations.
type ManualClock struct {
	lock sync.Mutex
	now  time.Time
}

// NewManualClock creates a ManualClock set to the provided time.
func NewManualClock(now time.Time) *ManualClock {
	return &ManualClock{now: now}
}

// Now returns the clock's current time.
func (c *ManualClock) Now() time.Time {
	c.lock.Lock()
	defer c.lock.Unlock()
	return c.now
}

// Advance moves the clock forward.
func (c *ManualClock) Advance(d time.Duration) {
	c.lock.Lock()
	c.now = c.now.Add(d)
	c.lock.Unlock()
}

// NewContextWithTimeout delegates to context.WithTimeout.
func (c *ManualClock) NewContextWithTimeout(parent context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	return context.WithTimeout(parent, timeout)
}

// NewTimer delegates to time.NewTimer.
func (c *ManualClock) NewTimer(d time.Duration) (clock.Timer, <-chan time.Time) {
	t := time.NewTimer(d)
	return t, t.C
}

var _ clock.Clock = (*ManualClock)(nil)
