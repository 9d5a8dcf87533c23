// Package clock defines the time source injected into hub actors.
// Production code uses Real; tests substitute a deterministic fake.
package clock

import "time"

// Clock supplies the current time.
type Clock interface {
	Now() time.Time
}

// Real reads the system clock.
type Real struct{}

// Now returns the current system time.
func (Real) Now() time.Time { return time.Now() }
