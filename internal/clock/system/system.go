// Package system provides the wall clock used outside of tests.
package system

import "time"

// Clock implements export.Clock. Readings are UTC and truncated to
// microseconds, the resolution Postgres keeps for timestamptz, so a value
// read back from the store compares equal to the one written.
type Clock struct{}

// New creates a Clock.
func New() *Clock {
	return &Clock{}
}

// Now returns the current time.
func (Clock) Now() time.Time {
	return time.Now().UTC().Truncate(time.Microsecond)
}
