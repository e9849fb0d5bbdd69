// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package messaging

import "sync"

// Loop is an execution context: a single goroutine that runs posted
// callbacks one at a time, in two priority lanes. Inbound traffic
// (signal deliveries, method invocations) goes in the high lane;
// reply deliveries go in the low lane. When both lanes hold work, the
// high lane drains first, so a signal scheduled alongside the reply
// that logically follows it is observed before that reply.
//
// Every subscription and export names a Loop; a connection creates a
// default Loop for callers that do not bring their own. Ordering
// between callbacks on different Loops is unspecified.
type Loop struct {
	mu      sync.Mutex
	wake    *sync.Cond
	high    []func()
	low     []func()
	closing bool

	done chan struct{}
}

// NewLoop creates a Loop and starts its goroutine.
func NewLoop() *Loop {
	l := &Loop{done: make(chan struct{})}
	l.wake = sync.NewCond(&l.mu)
	go l.run()
	return l
}

// Close stops the Loop after the already-queued callbacks have run.
// Callbacks posted after Close are dropped. Close returns without
// waiting; use Done to observe the drain finishing. Must not be
// called from a callback running on this Loop if the caller then
// waits on Done.
func (l *Loop) Close() {
	l.mu.Lock()
	l.closing = true
	l.mu.Unlock()
	l.wake.Signal()
}

// Done is closed once the Loop goroutine has drained and exited.
func (l *Loop) Done() <-chan struct{} {
	return l.done
}

// postHigh queues fn in the high-priority lane.
func (l *Loop) postHigh(fn func()) {
	l.post(&l.high, fn)
}

// postLow queues fn in the low-priority lane.
func (l *Loop) postLow(fn func()) {
	l.post(&l.low, fn)
}

func (l *Loop) post(lane *[]func(), fn func()) {
	l.mu.Lock()
	if l.closing {
		l.mu.Unlock()
		return
	}
	*lane = append(*lane, fn)
	l.mu.Unlock()
	l.wake.Signal()
}

func (l *Loop) run() {
	defer close(l.done)
	for {
		l.mu.Lock()
		for len(l.high) == 0 && len(l.low) == 0 && !l.closing {
			l.wake.Wait()
		}
		var fn func()
		switch {
		case len(l.high) > 0:
			fn = l.high[0]
			l.high = l.high[1:]
		case len(l.low) > 0:
			fn = l.low[0]
			l.low = l.low[1:]
		default:
			l.mu.Unlock()
			return
		}
		l.mu.Unlock()
		fn()
	}
}
