// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package clock supplies injectable time to code that arms deadlines.
// Production code takes the real clock; tests take a fake and advance
// it explicitly, so timeout paths run deterministically.
package clock

import "time"

// Clock is the time surface the bus layer needs: reading the current
// time for deadline arithmetic and scheduling one-shot timeout
// callbacks. Anything that would call time.Now or time.AfterFunc
// accepts a Clock instead.
type Clock interface {
	// Now returns the current time.
	Now() time.Time

	// AfterFunc runs f after duration d elapses, unless the returned
	// Timer is stopped first. If d <= 0, the real clock runs f in a
	// new goroutine and the fake clock runs it before returning.
	AfterFunc(d time.Duration, f func()) *Timer
}

// Timer is a pending AfterFunc callback.
type Timer struct {
	stop func() bool
}

// Stop cancels the callback. It returns false when the timer already
// fired or was already stopped; the callback may then be running or
// finished.
func (t *Timer) Stop() bool { return t.stop() }

// Real returns a Clock backed by the time package.
func Real() Clock { return realClock{} }

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

func (realClock) AfterFunc(d time.Duration, f func()) *Timer {
	timer := time.AfterFunc(d, f)
	return &Timer{stop: timer.Stop}
}
