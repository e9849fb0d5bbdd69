// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package clock

import (
	"sync"
	"time"
)

// Fake returns a FakeClock frozen at initial. Time moves only through
// Advance, which fires the callbacks whose deadlines it crosses.
//
// FakeClock is safe for concurrent use.
func Fake(initial time.Time) *FakeClock {
	c := &FakeClock{current: initial}
	c.armed = sync.NewCond(&c.mu)
	return c
}

// FakeClock is a deterministic Clock for tests. Callbacks run
// synchronously inside Advance, in deadline order. A callback must not
// call Advance or WaitForTimers; that deadlocks.
type FakeClock struct {
	mu      sync.Mutex
	current time.Time
	timers  []*fakeTimer
	armed   *sync.Cond
}

type fakeTimer struct {
	deadline time.Time
	fn       func()

	// stopped and fired guard against double execution: a timer
	// fires at most once, and Stop after firing reports false.
	stopped bool
	fired   bool
}

// Now returns the frozen current time.
func (c *FakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

// AfterFunc arms f to fire when the clock advances past d from now.
// A non-positive d runs f before AfterFunc returns.
func (c *FakeClock) AfterFunc(d time.Duration, f func()) *Timer {
	if d <= 0 {
		f()
		return &Timer{stop: func() bool { return false }}
	}

	c.mu.Lock()
	timer := &fakeTimer{
		deadline: c.current.Add(d),
		fn:       f,
	}
	c.timers = append(c.timers, timer)
	c.armed.Broadcast()
	c.mu.Unlock()

	return &Timer{stop: func() bool {
		c.mu.Lock()
		defer c.mu.Unlock()
		if timer.stopped || timer.fired {
			return false
		}
		timer.stopped = true
		return true
	}}
}

// Advance moves the clock forward by d and runs every armed callback
// whose deadline falls within the new time, in deadline order.
// Callbacks run in the calling goroutine, each with the clock stepped
// to its own deadline, so a callback that arms a further timer inside
// the advanced window sees that timer fire too.
func (c *FakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	target := c.current.Add(d)
	for {
		timer := c.takeNextDueLocked(target)
		if timer == nil {
			break
		}
		if timer.deadline.After(c.current) {
			c.current = timer.deadline
		}
		c.mu.Unlock()
		timer.fn()
		c.mu.Lock()
	}
	c.current = target
	c.mu.Unlock()
}

// takeNextDueLocked marks and removes the earliest timer due at or
// before target, dropping stopped ones along the way. Returns nil
// when nothing else is due.
func (c *FakeClock) takeNextDueLocked(target time.Time) *fakeTimer {
	var next *fakeTimer
	remaining := c.timers[:0]
	for _, timer := range c.timers {
		switch {
		case timer.stopped:
		case timer.deadline.After(target):
			remaining = append(remaining, timer)
		case next == nil || timer.deadline.Before(next.deadline):
			if next != nil {
				remaining = append(remaining, next)
			}
			next = timer
		default:
			remaining = append(remaining, timer)
		}
	}
	c.timers = remaining
	if next != nil {
		next.fired = true
	}
	return next
}

// WaitForTimers blocks until at least n timers are armed and
// unexpired. It closes the race between a goroutine arming its
// timeout and the test advancing the clock:
//
//	go startCallWithTimeout()
//	clk.WaitForTimers(1)
//	clk.Advance(timeout)
func (c *FakeClock) WaitForTimers(n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for c.armedLocked() < n {
		c.armed.Wait()
	}
}

func (c *FakeClock) armedLocked() int {
	count := 0
	for _, timer := range c.timers {
		if !timer.stopped {
			count++
		}
	}
	return count
}
