// Package clock provides the time source threaded through every command.
//
// The engine never reads wall-clock time directly. Timer due dates, lease
// expirations and acquisition decisions all ask the Clock carried by the
// command context, so tests can pin or advance time per engine instance.
package clock

import (
	"sync"
	"time"
)

// Clock returns the current time.
type Clock interface {
	Now() time.Time
}

// Real is a Clock backed by time.Now.
type Real struct{}

// Now returns the current wall-clock time in UTC.
func (Real) Now() time.Time {
	return time.Now().UTC()
}

// Manual is a Clock that can be overridden for deterministic tests.
//
// Until Set is called it behaves like Real. Reset returns it to wall-clock
// time.
//
// Thread-safety: all methods are safe for concurrent use.
type Manual struct {
	mu  sync.Mutex
	now time.Time
	set bool
}

// NewManual creates a Manual clock pinned at t.
func NewManual(t time.Time) *Manual {
	c := &Manual{}
	c.Set(t)
	return c
}

// Now returns the pinned time, or wall-clock time if the clock is not pinned.
func (c *Manual) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.set {
		return time.Now().UTC()
	}
	return c.now
}

// Set pins the clock at t.
func (c *Manual) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.now = t.UTC()
	c.set = true
}

// Advance moves a pinned clock forward by d. An unpinned clock is first
// pinned at the current wall-clock time.
func (c *Manual) Advance(d time.Duration) time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.set {
		c.now = time.Now().UTC()
		c.set = true
	}
	c.now = c.now.Add(d)
	return c.now
}

// Reset releases the pin so the clock follows wall-clock time again.
func (c *Manual) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.now = time.Time{}
	c.set = false
}
