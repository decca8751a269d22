// Package clock abstracts delayed callbacks so schedulers can run against a
// manual clock in tests.
package clock

import "time"

// Timer is a pending callback created by Clock.AfterFunc.
type Timer interface {
	// Stop prevents the callback from firing. It reports whether the call
	// stopped the timer; false means it already fired or was stopped.
	Stop() bool
}

// Clock schedules callbacks after a delay.
type Clock interface {
	AfterFunc(d time.Duration, f func()) Timer
}

// Real is the wall clock.
type Real struct{}

// New returns the wall clock.
func New() Clock { return Real{} }

func (Real) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}

var _ Clock = Real{}
