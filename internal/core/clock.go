package core

import "time"

// Clock abstracts "now" so tests can drive challenge windows and key
// revocation timelines deterministically. Business logic never reads
// time.Now directly.
type Clock interface {
	Now() time.Time
}

// SystemClock reads the wall clock.
type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now().UTC() }

// FakeClock is a settable clock for tests and simulations.
type FakeClock struct {
	T time.Time
}

func NewFakeClock(t time.Time) *FakeClock { return &FakeClock{T: t} }

func (c *FakeClock) Now() time.Time { return c.T }

// Advance moves the fake clock forward.
func (c *FakeClock) Advance(d time.Duration) { c.T = c.T.Add(d) }

// Set pins the fake clock to an absolute instant.
func (c *FakeClock) Set(t time.Time) { c.T = t }
