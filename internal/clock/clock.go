// Package clock lets the rotation schedule and session policies run
// against either wall time or a test-controlled fake.
package clock

import "time"

// Clock is the subset of the time package the attendance core uses.
type Clock interface {
	Now() time.Time

	// NewTimer fires once on C after d.
	NewTimer(d time.Duration) *Timer

	// NewTicker fires on C every d. Panics if d <= 0.
	NewTicker(d time.Duration) *Ticker
}

// Timer is a one-shot event. Stop releases it; Stop after fire is a no-op.
type Timer struct {
	C    <-chan time.Time
	stop func() bool
}

func (t *Timer) Stop() bool { return t.stop() }

// Ticker delivers ticks on a channel of capacity 1; slow readers miss ticks.
type Ticker struct {
	C    <-chan time.Time
	stop func()
}

func (t *Ticker) Stop() { t.stop() }

// Real returns a Clock backed by the time package.
func Real() Clock { return realClock{} }

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

func (realClock) NewTimer(d time.Duration) *Timer {
	t := time.NewTimer(d)
	return &Timer{C: t.C, stop: t.Stop}
}

func (realClock) NewTicker(d time.Duration) *Ticker {
	t := time.NewTicker(d)
	return &Ticker{C: t.C, stop: t.Stop}
}
