// Package clock lets time-driven code (TTL checks, sliding windows, maintenance
// timers) run against either the wall clock or a hand-advanced test clock.
package clock

import "time"

// Clock is the time source used by the governor, the audit windows, the
// durable record TTL logic and the maintenance loops.
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
	Sleep(d time.Duration)
}

// Real is backed by package time.
type Real struct{}

// Now returns the current UTC time.
func (Real) Now() time.Time {
	return time.Now().UTC()
}

// After mirrors time.After.
func (Real) After(d time.Duration) <-chan time.Time {
	return time.After(d)
}

// Sleep mirrors time.Sleep.
func (Real) Sleep(d time.Duration) {
	time.Sleep(d)
}

// Ensure returns c, or Real when c is nil.
func Ensure(c Clock) Clock {
	if c == nil {
		return Real{}
	}
	return c
}

// Since reports the time elapsed on c since t.
func Since(c Clock, t time.Time) time.Duration {
	return Ensure(c).Now().Sub(t)
}
