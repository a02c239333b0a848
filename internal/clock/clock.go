// Package clock abstracts wall time so TTL checks and background loops
// can be driven deterministically in tests.
package clock

import "time"

// Clock is the time source injected into every service that compares
// against bundle expiry or runs on an interval.
type Clock interface {
	Now() time.Time

	// NewTicker panics if d <= 0, like time.NewTicker
	NewTicker(d time.Duration) *Ticker
}

// Ticker delivers ticks on C. C has capacity 1; slow readers lose ticks.
type Ticker struct {
	C <-chan time.Time

	stop func()
}

// Stop turns the ticker off. C is not closed.
func (t *Ticker) Stop() { t.stop() }

// Real returns the system clock
func Real() Clock {
	return realClock{}
}

type realClock struct{}

func (realClock) Now() time.Time {
	return time.Now().UTC()
}

func (realClock) NewTicker(d time.Duration) *Ticker {
	t := time.NewTicker(d)
	return &Ticker{C: t.C, stop: t.Stop}
}
