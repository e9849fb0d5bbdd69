// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package messaging

import (
	"errors"
	"sync/atomic"

	"github.com/mmeeks/gdbus-standalone-sub002/lib/ref"
	"github.com/mmeeks/gdbus-standalone-sub002/lib/schema"
	"github.com/mmeeks/gdbus-standalone-sub002/lib/signature"
	"github.com/mmeeks/gdbus-standalone-sub002/transport"
)

// Invocation is one inbound method call awaiting its reply. The
// handler must call exactly one of Respond or RespondError, exactly
// once; a second call panics. Never responding leaves the caller
// waiting until its timeout, which is a handler bug.
type Invocation struct {
	conn   *Conn
	call   *transport.Message
	method schema.Method

	consumed atomic.Bool
}

// Sender returns the caller's bus name.
func (inv *Invocation) Sender() ref.BusName { return inv.call.Sender }

// Path returns the object path the call targets.
func (inv *Invocation) Path() ref.ObjectPath { return inv.call.Path }

// Interface returns the interface the resolved method belongs to.
func (inv *Invocation) Interface() ref.InterfaceName { return inv.call.Interface }

// Member returns the method name.
func (inv *Invocation) Member() ref.MemberName { return inv.call.Member }

// Method returns the schema entry the call resolved to.
func (inv *Invocation) Method() schema.Method { return inv.method }

// Args decodes the call's argument tuple. The signature was checked
// against the schema before the handler was scheduled.
func (inv *Invocation) Args() ([]any, error) {
	return inv.call.Args()
}

// Respond sends a successful reply carrying args. The arguments'
// signature is validated against the method's declared output
// signature first; a mismatch is a handler logic error — it is logged
// and nothing is transmitted, it never reaches the caller as a
// half-wrong reply.
func (inv *Invocation) Respond(args ...any) {
	inv.consume()
	declared, err := signature.Parse(inv.method.Out)
	if err != nil {
		// Schema validation at export time makes this unreachable.
		panic("messaging: exported method has unparseable output signature: " + err.Error())
	}
	if err := declared.Check(args); err != nil {
		inv.conn.logger.Error("method reply does not match declared output signature",
			"interface", inv.call.Interface,
			"member", inv.call.Member,
			"declared", inv.method.Out,
			"error", err,
		)
		return
	}
	if inv.call.NoReply {
		return
	}
	reply, err := transport.NewReply(inv.call, args...)
	if err != nil {
		inv.conn.logger.Error("encoding method reply failed",
			"interface", inv.call.Interface,
			"member", inv.call.Member,
			"error", err,
		)
		return
	}
	reply.Signature = inv.method.Out
	inv.conn.sendReply(reply)
}

// RespondError sends a named error reply. An empty name or message is
// filled in rather than transmitted empty.
func (inv *Invocation) RespondError(name, message string) {
	inv.consume()
	if inv.call.NoReply {
		return
	}
	inv.conn.sendError(inv.call, name, message)
}

// RespondBusError sends err as the error reply. Non-BusError values
// are wrapped under ErrorFailed.
func (inv *Invocation) RespondBusError(err error) {
	var busErr *BusError
	if errors.As(err, &busErr) {
		inv.RespondError(busErr.Name, busErr.Message)
		return
	}
	inv.RespondError(ErrorFailed, err.Error())
}

func (inv *Invocation) consume() {
	if !inv.consumed.CompareAndSwap(false, true) {
		panic("messaging: Invocation responded to twice")
	}
}
