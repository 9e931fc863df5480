package clock

import (
	"sync"
	"time"
)

// Clock is the time source used by the cache and the rate limiter
type Clock interface {
	Now() time.Time
}

// Real reads the wall clock
type Real struct{}

// Now returns time.Now()
func (Real) Now() time.Time {
	return time.Now()
}

// Fake is a manually advanced clock for tests
type Fake struct {
	mu  sync.Mutex
	now time.Time
}

// NewFake creates a fake clock starting at start
func NewFake(start time.Time) *Fake {
	return &Fake{now: start}
}

// Now returns the current fake time
func (fake *Fake) Now() time.Time {
	fake.mu.Lock()
	defer fake.mu.Unlock()
	return fake.now
}

// Advance moves the fake time forward by duration
func (fake *Fake) Advance(duration time.Duration) {
	fake.mu.Lock()
	fake.now = fake.now.Add(duration)
	fake.mu.Unlock()
}

// Set moves the fake time to an absolute instant
func (fake *Fake) Set(instant time.Time) {
	fake.mu.Lock()
	fake.now = instant
	fake.mu.Unlock()
}
