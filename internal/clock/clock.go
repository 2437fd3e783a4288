package clock

import (
	"sync"
	"time"

	"go.uber.org/fx"
)

// Clock is the time source used by reconciliation and scheduling.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func NewSystem() Clock { return systemClock{} }

func (systemClock) Now() time.Time { return time.Now() }

var Module = fx.Module("clock",
	fx.Provide(NewSystem),
)

type FakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func NewFakeClock(t time.Time) *FakeClock {
	return &FakeClock{now: t}
}

func (c *FakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *FakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func (c *FakeClock) Set(t time.Time) {
	c.mu.Lock()
	c.now = t
	c.mu.Unlock()
}
