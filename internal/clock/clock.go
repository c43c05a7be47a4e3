// Package clock abstracts time so retry deadlines can be tested
// deterministically. Resend-interval checks compare instants from Now, which
// carry Go's monotonic reading on the real clock.
package clock

import "time"

// Clock supplies the current time and timer channels.
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
}

// Real is the wall clock.
type Real struct{}

// Now returns the current time with its monotonic reading intact.
func (Real) Now() time.Time {
	return time.Now()
}

// After mirrors time.After.
func (Real) After(d time.Duration) <-chan time.Time {
	return time.After(d)
}
