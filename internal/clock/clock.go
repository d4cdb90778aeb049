// Licensed under the MIT License. See LICENSE file in the project root for details.

// Package clock abstracts the time functions used by the garbage collector.
//
// Grace periods, backoff sleeps and epoch advancement all read time through
// the Clock interface so that tests can drive them deterministically with a
// mock instead of sleeping.
package clock

import (
	"time"
)

// Clock is an interface around the standard library time functions used
// by the collector and the epoch manager.
type Clock interface {
	// Now returns the current time of day. Equivalent to time.Now().
	Now() time.Time

	// NewTimer creates a channel that publishes the time of day once,
	// after d has passed. The channel is returned directly so that
	// Timer can remain an interface.
	NewTimer(d time.Duration) (Timer, <-chan time.Time)

	// NewTicker creates a channel that publishes the time of day at a
	// regular interval.
	NewTicker(d time.Duration) (Ticker, <-chan time.Time)
}

// Timer is an interface around time.Timer.
type Timer interface {
	Stop() bool
}

// Ticker is an interface around time.Ticker.
type Ticker interface {
	Stop()
}

type systemClock struct{}

func (systemClock) Now() time.Time {
	return time.Now()
}

func (systemClock) NewTimer(d time.Duration) (Timer, <-chan time.Time) {
	t := time.NewTimer(d)
	return t, t.C
}

func (systemClock) NewTicker(d time.Duration) (Ticker, <-chan time.Time) {
	t := time.NewTicker(d)
	return t, t.C
}

// SystemClock is a Clock backed by the operating system time.
var SystemClock Clock = systemClock{}
