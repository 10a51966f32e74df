// Package clock lets the intake pipeline read and wait on time through an
// interface so lease expiry, retry windows and copy polling can be driven by
// tests.
package clock

import "time"

// Clock is the time source used by every time-dependent component.
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
	Sleep(d time.Duration)
}

// Real reads the wall clock.
type Real struct{}

// Now returns the wall clock in UTC.
func (Real) Now() time.Time {
	return time.Now().UTC()
}

func (Real) After(d time.Duration) <-chan time.Time {
	return time.After(d)
}

func (Real) Sleep(d time.Duration) {
	time.Sleep(d)
}

// Or returns c, or Real when c is nil.
func Or(c Clock) Clock {
	if c == nil {
		return Real{}
	}
	return c
}
