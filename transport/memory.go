// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mmeeks/gdbus-standalone-sub002/lib/clock"
	"github.com/mmeeks/gdbus-standalone-sub002/lib/ref"
)

// MemoryConfig configures a Memory transport.
type MemoryConfig struct {
	// UniqueName is the unique name the fake bus assigns in its
	// Hello reply. Defaults to ":1.1".
	UniqueName ref.BusName

	// Clock drives reply deadlines. If nil, the real clock is used.
	Clock clock.Clock

	// OnMatchError receives failures of match registrations injected
	// with FailMatch. If nil, failures are dropped.
	OnMatchError func(err error)
}

// Memory is an in-process Transport for tests. It records everything
// sent, lets the test inject inbound messages with Deliver, and plays
// a minimal bus daemon: Hello is answered with the configured unique
// name, AddMatch and RemoveMatch are answered with empty replies (or
// an error scripted via FailMatch), and registered rule keys are
// tracked for inspection.
type Memory struct {
	clk          clock.Clock
	onMatchError func(err error)
	uniqueName   ref.BusName

	serial atomic.Uint64

	mu        sync.Mutex
	handler   Handler
	open      bool
	sent      []*Message
	pending   map[uint64]*streamPending
	matches   map[string]int
	failMatch map[string]string

	paths *pathTable
}

var _ Transport = (*Memory)(nil)

// NewMemory creates a Memory transport.
func NewMemory(config MemoryConfig) *Memory {
	clk := config.Clock
	if clk == nil {
		clk = clock.Real()
	}
	unique := config.UniqueName
	if unique.IsZero() {
		unique = ref.MustBusName(":1.1")
	}
	return &Memory{
		clk:          clk,
		onMatchError: config.OnMatchError,
		uniqueName:   unique,
		open:         true,
		pending:      make(map[uint64]*streamPending),
		matches:      make(map[string]int),
		failMatch:    make(map[string]string),
		paths:        newPathTable(),
	}
}

// UniqueName returns the name the fake bus hands out in Hello replies.
func (t *Memory) UniqueName() ref.BusName { return t.uniqueName }

// SetHandler installs the inbound delivery callback.
func (t *Memory) SetHandler(h Handler) {
	t.mu.Lock()
	t.handler = h
	t.mu.Unlock()
}

// IsOpen reports whether the transport can still send.
func (t *Memory) IsOpen() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.open
}

// Send records m.
func (t *Memory) Send(m *Message) error {
	if err := m.Validate(); err != nil {
		return err
	}
	if m.Serial == 0 {
		m.Serial = t.serial.Add(1)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.open {
		return ErrClosed
	}
	t.sent = append(t.sent, m)
	return nil
}

// SendWithReply records m and registers a Pending. Calls addressed to
// the bus daemon are answered immediately by the fake daemon; all
// other calls wait for the test to Deliver a reply (or for the
// timeout).
func (t *Memory) SendWithReply(m *Message, timeout time.Duration) (*Pending, error) {
	if m.Kind != KindCall {
		return nil, fmt.Errorf("transport: SendWithReply requires a call message, got %s", m.Kind)
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	if m.NoReply {
		return nil, fmt.Errorf("transport: SendWithReply on a NoReply call")
	}
	if m.Serial == 0 {
		m.Serial = t.serial.Add(1)
	}

	p := newPending(m.Serial)
	entry := &streamPending{p: p}

	t.mu.Lock()
	if !t.open {
		t.mu.Unlock()
		return nil, ErrClosed
	}
	t.sent = append(t.sent, m)
	daemonReply := t.daemonReplyLocked(m)
	if daemonReply == nil {
		t.pending[m.Serial] = entry
		if timeout > 0 {
			entry.timer = t.clk.AfterFunc(timeout, func() {
				t.completeLocal(p.Serial(), ErrorTimedOut, "no reply within the requested timeout")
			})
		}
	}
	t.mu.Unlock()

	if daemonReply != nil {
		p.complete(daemonReply)
	}
	return p, nil
}

// daemonReplyLocked plays the bus daemon for control calls. Returns
// nil for calls the daemon does not answer. Caller holds t.mu.
func (t *Memory) daemonReplyLocked(call *Message) *Message {
	if call.Destination != DaemonName || call.Interface != DaemonInterface {
		return nil
	}
	switch call.Member {
	case MemberHello:
		reply, err := NewReply(call, t.uniqueName.String())
		if err != nil {
			return NewError(call, ErrorDisconnected, err.Error())
		}
		reply.Sender = DaemonName
		return reply
	case MemberAddMatch, MemberRemoveMatch:
		args, err := call.Args()
		if err != nil || len(args) != 1 {
			return NewError(call, "bus.error.InvalidArgs", "match call takes one rule string")
		}
		key, ok := args[0].(string)
		if !ok {
			return NewError(call, "bus.error.InvalidArgs", "match rule must be a string")
		}
		if name, failed := t.failMatch[key]; failed && call.Member == MemberAddMatch {
			return NewError(call, name, "scripted match failure")
		}
		if call.Member == MemberAddMatch {
			t.matches[key]++
		} else if t.matches[key] > 0 {
			t.matches[key]--
			if t.matches[key] == 0 {
				delete(t.matches, key)
			}
		}
		reply, err := NewReply(call)
		if err != nil {
			return NewError(call, ErrorDisconnected, err.Error())
		}
		reply.Sender = DaemonName
		return reply
	}
	return NewError(call, "bus.error.UnknownMethod", "unknown daemon method")
}

// Cancel completes p with ErrorCancelled if it is still outstanding.
func (t *Memory) Cancel(p *Pending) {
	t.completeLocal(p.Serial(), ErrorCancelled, "request cancelled by caller")
}

// RegisterMatch registers key with the fake daemon, synchronously.
func (t *Memory) RegisterMatch(key string) {
	t.mu.Lock()
	open := t.open
	var failName string
	if open {
		if name, failed := t.failMatch[key]; failed {
			failName = name
		} else {
			t.matches[key]++
		}
	}
	t.mu.Unlock()
	if failName != "" && t.onMatchError != nil {
		t.onMatchError(&MatchError{Rule: key, Name: failName, Text: "scripted match failure"})
	}
}

// UnregisterMatch retracts key, synchronously.
func (t *Memory) UnregisterMatch(key string) {
	t.mu.Lock()
	if t.matches[key] > 0 {
		t.matches[key]--
		if t.matches[key] == 0 {
			delete(t.matches, key)
		}
	}
	t.mu.Unlock()
}

// FailMatch scripts AddMatch for key to fail with the given protocol
// error name.
func (t *Memory) FailMatch(key, errorName string) {
	t.mu.Lock()
	t.failMatch[key] = errorName
	t.mu.Unlock()
}

// Matches returns the currently registered rule keys, sorted.
func (t *Memory) Matches() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	keys := make([]string, 0, len(t.matches))
	for key := range t.matches {
		keys = append(keys, key)
	}
	slices.Sort(keys)
	return keys
}

// Sent returns a copy of every message sent so far, in order.
func (t *Memory) Sent() []*Message {
	t.mu.Lock()
	defer t.mu.Unlock()
	return slices.Clone(t.sent)
}

// SentCalls returns the sent calls matching iface and member.
func (t *Memory) SentCalls(iface ref.InterfaceName, member ref.MemberName) []*Message {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []*Message
	for _, m := range t.sent {
		if m.Kind == KindCall && m.Interface == iface && m.Member == member {
			out = append(out, m)
		}
	}
	return out
}

// Deliver injects an inbound message: it completes a matching pending
// request, then invokes the handler, exactly like a real transport's
// read loop. Runs on the caller's goroutine.
func (t *Memory) Deliver(m *Message) {
	if m.ReplySerial != 0 && (m.Kind == KindReply || m.Kind == KindError) {
		t.mu.Lock()
		entry := t.removeLocked(m.ReplySerial)
		t.mu.Unlock()
		if entry != nil {
			entry.p.complete(m)
		}
	}
	t.mu.Lock()
	handler := t.handler
	t.mu.Unlock()
	if handler != nil {
		handler(m)
	}
}

// ClaimPath records a local path claim.
func (t *Memory) ClaimPath(path ref.ObjectPath) bool {
	return t.paths.claim(path)
}

// ReleasePath retracts a path claim.
func (t *Memory) ReleasePath(path ref.ObjectPath) {
	t.paths.release(path)
}

// ChildPaths returns the immediate child segments of claimed paths
// below path.
func (t *Memory) ChildPaths(path ref.ObjectPath) []string {
	return t.paths.children(path)
}

// Close marks the transport closed, completes outstanding requests
// with ErrorDisconnected, and delivers the local Disconnected message.
// Idempotent.
func (t *Memory) Close() error {
	t.mu.Lock()
	if !t.open {
		t.mu.Unlock()
		return nil
	}
	t.open = false
	outstanding := make([]*streamPending, 0, len(t.pending))
	for serial := range t.pending {
		outstanding = append(outstanding, t.removeLocked(serial))
	}
	handler := t.handler
	t.mu.Unlock()

	for _, entry := range outstanding {
		entry.p.complete(localError(entry.p.Serial(), ErrorDisconnected, "connection closed"))
	}
	if handler != nil {
		handler(localDisconnected())
	}
	return nil
}

func (t *Memory) completeLocal(serial uint64, name, text string) {
	t.mu.Lock()
	entry := t.removeLocked(serial)
	t.mu.Unlock()
	if entry != nil {
		entry.p.complete(localError(serial, name, text))
	}
}

func (t *Memory) removeLocked(serial uint64) *streamPending {
	entry, ok := t.pending[serial]
	if !ok {
		return nil
	}
	delete(t.pending, serial)
	if entry.timer != nil {
		entry.timer.Stop()
	}
	return entry
}
