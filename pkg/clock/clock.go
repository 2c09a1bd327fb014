package clock

import (
	"context"
	"time"
)

// Clock is an interface around the standard library's time handling
// functions. It has been added to aid unit testing: cooldown and drain
// logic can be tested against a deterministic clock.
type Clock interface {
	// Now returns the current time of day. Equivalent to time.Now().
	Now() time.Time

	// NewContextWithTimeout creates a Context object that
	// automatically cancels after a certain amount of time has
	// passed. Equivalent to context.WithTimeout().
	NewContextWithTimeout(parent context.Context, timeout time.Duration) (context.Context, context.CancelFunc)

	// NewTimer creates a channel that publishes the time of day at
	// a point of time in the future. Unlike time.NewTimer(), this
	// function returns the channel directly to allow Timer to be an
	// interface.
	NewTimer(d time.Duration) (Timer, <-chan time.Time)
}

// Timer is an interface around time.Timer. It has been added to aid
// unit testing.
type Timer interface {
	Stop() bool
}
