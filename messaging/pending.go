// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package messaging

import (
	"context"
	"errors"
	"time"

	"github.com/mmeeks/gdbus-standalone-sub002/lib/ref"
	"github.com/mmeeks/gdbus-standalone-sub002/transport"
)

// defaultCallTimeout bounds calls whose context carries no deadline.
const defaultCallTimeout = 25 * time.Second

// PendingCall is one outstanding outbound call. It completes exactly
// once: with the reply, a remote error, a timeout, a cancellation, or
// a disconnect.
type PendingCall struct {
	done  chan struct{}
	reply *transport.Message
	err   error
}

// Done is closed when the call has completed.
func (p *PendingCall) Done() <-chan struct{} {
	return p.done
}

// Result blocks until completion and returns the reply message, or an
// error. Remote failures are *BusError; cancellation surfaces as a
// *BusError named ErrorCancelled, never conflated with a protocol
// error.
func (p *PendingCall) Result() (*transport.Message, error) {
	<-p.done
	return p.reply, p.err
}

// Args blocks until completion and decodes the reply's argument
// tuple.
func (p *PendingCall) Args() ([]any, error) {
	reply, err := p.Result()
	if err != nil {
		return nil, err
	}
	return reply.Args()
}

func completedCall(reply *transport.Message, err error) *PendingCall {
	p := &PendingCall{done: make(chan struct{}), reply: reply, err: err}
	close(p.done)
	return p
}

// CallMessage sends a call and returns its PendingCall. ctx is the
// cancellation token: if it is already cancelled the call completes
// immediately without touching the transport; cancellation during
// flight asks the transport to cancel, and a cancellation racing an
// in-flight reply resolves to cancellation. A ctx deadline bounds the
// call; without one the connection's default timeout applies.
func (c *Conn) CallMessage(ctx context.Context, call *transport.Message) *PendingCall {
	if err := ctx.Err(); err != nil {
		return completedCall(nil, &BusError{Name: ErrorCancelled, Message: err.Error()})
	}

	timeout := c.callTimeout
	if deadline, ok := ctx.Deadline(); ok {
		timeout = deadline.Sub(c.clk.Now())
		if timeout <= 0 {
			return completedCall(nil, &BusError{Name: ErrorTimedOut, Message: "deadline already passed"})
		}
	}

	pending, err := c.transport.SendWithReply(call, timeout)
	if err != nil {
		if errors.Is(err, transport.ErrClosed) {
			return completedCall(nil, ErrNotConnected)
		}
		return completedCall(nil, err)
	}

	p := &PendingCall{done: make(chan struct{})}
	go func() {
		defer close(p.done)
		var reply *transport.Message
		select {
		case reply = <-pending.C():
			// A cancellation signalled alongside the reply wins the
			// tie.
			select {
			case <-ctx.Done():
				p.err = &BusError{Name: ErrorCancelled, Message: ctx.Err().Error()}
				return
			default:
			}
		case <-ctx.Done():
			c.transport.Cancel(pending)
			// Cancel guarantees completion; drain it so the pending
			// entry is consumed either way.
			<-pending.C()
			p.err = &BusError{Name: ErrorCancelled, Message: ctx.Err().Error()}
			return
		}
		if reply.Kind == transport.KindError {
			p.err = busErrorFromMessage(reply)
			return
		}
		p.reply = reply
	}()
	return p
}

// Call builds and sends a method call. Construction failures (bad
// argument types) complete the call immediately.
func (c *Conn) Call(ctx context.Context, destination ref.BusName, path ref.ObjectPath, iface ref.InterfaceName, member ref.MemberName, args ...any) *PendingCall {
	call, err := transport.NewCall(destination, path, iface, member, args...)
	if err != nil {
		return completedCall(nil, err)
	}
	return c.CallMessage(ctx, call)
}

// CallSync sends a method call and blocks the calling goroutine until
// completion, returning the decoded reply arguments. No connection
// lock is held while blocked, so dispatch proceeds concurrently.
func (c *Conn) CallSync(ctx context.Context, destination ref.BusName, path ref.ObjectPath, iface ref.InterfaceName, member ref.MemberName, args ...any) ([]any, error) {
	return c.Call(ctx, destination, path, iface, member, args...).Args()
}

// CallOn sends a call and posts fn with the outcome to loop's reply
// lane (nil means the connection's default Loop). Signal deliveries
// scheduled on the same Loop at the same time run before the reply
// callback.
func (c *Conn) CallOn(ctx context.Context, call *transport.Message, loop *Loop, fn func(reply *transport.Message, err error)) {
	if loop == nil {
		loop = c.defaultLoop
	}
	p := c.CallMessage(ctx, call)
	go func() {
		reply, err := p.Result()
		loop.postLow(func() { fn(reply, err) })
	}()
}
