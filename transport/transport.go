// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"sync"
	"time"

	"github.com/mmeeks/gdbus-standalone-sub002/lib/ref"
)

// Control-plane names. The bus daemon answers on DaemonName at
// DaemonPath; a connection introduces itself with the Hello method and
// manages its match registrations with AddMatch and RemoveMatch.
var (
	// DaemonName is the well-known bus name of the bus daemon itself.
	DaemonName = ref.MustBusName("bus.Daemon")

	// DaemonPath is the object path the daemon answers on.
	DaemonPath = ref.MustObjectPath("/bus")

	// DaemonInterface is the daemon's control interface.
	DaemonInterface = ref.MustInterfaceName("bus.Daemon")

	// LocalPath and LocalInterface identify messages synthesized by
	// the transport itself, never sent on the wire. The Disconnected
	// member on LocalInterface reports connection teardown.
	LocalPath      = ref.MustObjectPath("/bus/local")
	LocalInterface = ref.MustInterfaceName("bus.Local")

	// MemberDisconnected is the local liveness signal: delivered to
	// the handler exactly once when the transport stops being usable,
	// whether by local Close or remote teardown.
	MemberDisconnected = ref.MustMemberName("Disconnected")

	// MemberHello, MemberAddMatch, and MemberRemoveMatch are the
	// daemon control methods.
	MemberHello       = ref.MustMemberName("Hello")
	MemberAddMatch    = ref.MustMemberName("AddMatch")
	MemberRemoveMatch = ref.MustMemberName("RemoveMatch")

	// Ownership-notification signals emitted by the daemon. The bus
	// routes these to every connection without a match registration;
	// the connection layer treats their rules as reserved.
	MemberNameOwnerChanged = ref.MustMemberName("NameOwnerChanged")
	MemberNameLost         = ref.MustMemberName("NameLost")
	MemberNameAcquired     = ref.MustMemberName("NameAcquired")
)

// Error names for failures the transport itself synthesizes. These
// complete outstanding requests as locally-generated KindError
// messages so the caller sees one uniform completion path.
const (
	// ErrorTimedOut completes a request whose reply deadline passed.
	ErrorTimedOut = "bus.error.TimedOut"

	// ErrorCancelled completes a request withdrawn by Cancel.
	ErrorCancelled = "bus.error.Cancelled"

	// ErrorDisconnected completes every request still outstanding
	// when the transport closes.
	ErrorDisconnected = "bus.error.Disconnected"
)

// Handler consumes inbound messages. The transport invokes it for one
// message at a time, in arrival order, from its delivery goroutine —
// implementations must not block indefinitely or inbound traffic
// stalls.
type Handler func(*Message)

// Transport moves messages for one connection. Implementations must be
// safe for concurrent use by multiple goroutines.
type Transport interface {
	// Send transmits a one-way message (signal, reply, or error).
	// The message's Serial is assigned if zero.
	Send(m *Message) error

	// SendWithReply transmits a call and returns a Pending that
	// completes with the reply, an error reply, or a locally
	// synthesized error (timeout, cancellation, disconnect). A
	// timeout of zero means no deadline.
	SendWithReply(m *Message, timeout time.Duration) (*Pending, error)

	// Cancel completes p with ErrorCancelled if it is still
	// outstanding. No-op otherwise.
	Cancel(p *Pending)

	// RegisterMatch asks the bus to start routing messages matching
	// the canonical rule key to this connection. Fire-and-forget:
	// failures are reported through the transport's match-error
	// callback, not returned here.
	RegisterMatch(key string)

	// UnregisterMatch retracts a previously registered rule key.
	// Fire-and-forget, like RegisterMatch.
	UnregisterMatch(key string)

	// ClaimPath records that a local exporter owns path. Returns
	// false if a different exporter already claimed it on this
	// transport.
	ClaimPath(path ref.ObjectPath) bool

	// ReleasePath retracts a path claim. No-op for unclaimed paths.
	ReleasePath(path ref.ObjectPath)

	// ChildPaths returns the immediate child segments of claimed
	// paths strictly below path, sorted and deduplicated.
	ChildPaths(path ref.ObjectPath) []string

	// SetHandler installs the inbound delivery callback. Must be
	// called before any message can arrive (on Stream, before the
	// read loop starts delivering; in practice immediately after
	// construction).
	SetHandler(h Handler)

	// IsOpen reports whether the transport can still send.
	IsOpen() bool

	// Close tears down the transport. The handler receives one final
	// local Disconnected message; outstanding requests complete with
	// ErrorDisconnected. Idempotent.
	Close() error
}

// Pending is one outstanding request awaiting its reply.
type Pending struct {
	serial uint64
	ch     chan *Message

	mu        sync.Mutex
	completed bool
}

// newPending creates a Pending for the given call serial.
func newPending(serial uint64) *Pending {
	return &Pending{
		serial: serial,
		ch:     make(chan *Message, 1),
	}
}

// Serial returns the call serial this Pending correlates with.
func (p *Pending) Serial() uint64 {
	return p.serial
}

// C receives exactly one completion message: the peer's reply or
// error, or a locally synthesized error. The channel is buffered, so
// completion never blocks on a slow receiver.
func (p *Pending) C() <-chan *Message {
	return p.ch
}

// complete delivers m as the completion if none has been delivered
// yet. Reports whether this call won.
func (p *Pending) complete(m *Message) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.completed {
		return false
	}
	p.completed = true
	p.ch <- m
	return true
}

// localError synthesizes the transport-generated error completion for
// a request.
func localError(serial uint64, name, text string) *Message {
	m := &Message{
		Kind:        KindError,
		ReplySerial: serial,
		ErrorName:   name,
	}
	if err := m.SetArgs([]any{text}); err != nil {
		panic("transport: encoding local error body: " + err.Error())
	}
	return m
}

// localDisconnected synthesizes the local liveness signal. It has no
// sender, marking it local-only: the dispatcher acts on it but never
// distributes it to subscribers.
func localDisconnected() *Message {
	m := &Message{
		Kind:      KindSignal,
		Path:      LocalPath,
		Interface: LocalInterface,
		Member:    MemberDisconnected,
	}
	if err := m.SetArgs(nil); err != nil {
		panic("transport: encoding disconnect body: " + err.Error())
	}
	return m
}
