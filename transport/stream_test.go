// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"errors"
	"net"
	"testing"
	"time"

	"github.com/mmeeks/gdbus-standalone-sub002/lib/clock"
	"github.com/mmeeks/gdbus-standalone-sub002/lib/codec"
	"github.com/mmeeks/gdbus-standalone-sub002/lib/ref"
	"github.com/mmeeks/gdbus-standalone-sub002/lib/testutil"
)

const testTimeout = 5 * time.Second

// testPeer plays the far side of a Stream over a net.Pipe: it decodes
// what the Stream writes and can write messages back.
type testPeer struct {
	t    *testing.T
	conn net.Conn
	enc  *codec.Encoder
	in   chan *Message
}

func newTestPeer(t *testing.T, conn net.Conn) *testPeer {
	p := &testPeer{
		t:    t,
		conn: conn,
		enc:  codec.NewEncoder(conn),
		in:   make(chan *Message, 16),
	}
	go func() {
		dec := codec.NewDecoder(conn)
		for {
			var m Message
			if err := dec.Decode(&m); err != nil {
				close(p.in)
				return
			}
			p.in <- &m
		}
	}()
	return p
}

func (p *testPeer) receive(msg string) *Message {
	p.t.Helper()
	return testutil.RequireReceive(p.t, p.in, testTimeout, msg)
}

func (p *testPeer) send(m *Message) {
	p.t.Helper()
	if err := p.enc.Encode(m); err != nil {
		p.t.Fatalf("peer encode: %v", err)
	}
}

// newStreamPair builds a Stream connected to a testPeer. The handler
// forwards every inbound message to the returned channel.
func newStreamPair(t *testing.T, config StreamConfig) (*Stream, *testPeer, chan *Message) {
	t.Helper()
	local, remote := net.Pipe()
	config.Conn = local
	s, err := NewStream(config)
	if err != nil {
		t.Fatalf("NewStream: %v", err)
	}
	inbound := make(chan *Message, 16)
	s.SetHandler(func(m *Message) { inbound <- m })
	peer := newTestPeer(t, remote)
	t.Cleanup(func() {
		s.Close()
		remote.Close()
	})
	return s, peer, inbound
}

func TestStreamSendAssignsMonotonicSerials(t *testing.T) {
	s, peer, _ := newStreamPair(t, StreamConfig{})

	for i := 1; i <= 3; i++ {
		signal, err := NewSignal(testPath, testIface, ref.MustMemberName("TrackChanged"), "x")
		if err != nil {
			t.Fatalf("NewSignal: %v", err)
		}
		if err := s.Send(signal); err != nil {
			t.Fatalf("Send: %v", err)
		}
		got := peer.receive("waiting for signal")
		if got.Serial != uint64(i) {
			t.Fatalf("serial = %d, want %d", got.Serial, i)
		}
	}
}

func TestStreamSendWithReplyCompletesPending(t *testing.T) {
	s, peer, inbound := newStreamPair(t, StreamConfig{})

	call, err := NewCall(testDest, testPath, testIface, testMember, "track-1")
	if err != nil {
		t.Fatalf("NewCall: %v", err)
	}
	pending, err := s.SendWithReply(call, 0)
	if err != nil {
		t.Fatalf("SendWithReply: %v", err)
	}

	received := peer.receive("waiting for call")
	reply, err := NewReply(received, int64(12))
	if err != nil {
		t.Fatalf("NewReply: %v", err)
	}
	reply.Serial = 100
	peer.send(reply)

	got := testutil.RequireReceive(t, pending.C(), testTimeout, "waiting for reply")
	if got.Kind != KindReply || got.ReplySerial != call.Serial {
		t.Fatalf("reply = %+v, want KindReply for serial %d", got, call.Serial)
	}
	args, err := got.Args()
	if err != nil || len(args) != 1 || args[0] != int64(12) {
		t.Fatalf("reply args = %#v (%v), want [12]", args, err)
	}

	// The handler observes reply traffic too.
	handled := testutil.RequireReceive(t, inbound, testTimeout, "waiting for handler delivery")
	if handled.ReplySerial != call.Serial {
		t.Fatalf("handler saw reply serial %d, want %d", handled.ReplySerial, call.Serial)
	}
}

func TestStreamTimeoutSynthesizesError(t *testing.T) {
	fake := clock.Fake(time.Unix(1000, 0))
	s, peer, _ := newStreamPair(t, StreamConfig{Clock: fake})

	call, err := NewCall(testDest, testPath, testIface, testMember)
	if err != nil {
		t.Fatalf("NewCall: %v", err)
	}
	pending, err := s.SendWithReply(call, 30*time.Second)
	if err != nil {
		t.Fatalf("SendWithReply: %v", err)
	}
	peer.receive("waiting for call")

	fake.Advance(30 * time.Second)
	got := testutil.RequireReceive(t, pending.C(), testTimeout, "waiting for timeout completion")
	if got.Kind != KindError || got.ErrorName != ErrorTimedOut {
		t.Fatalf("completion = %+v, want %s", got, ErrorTimedOut)
	}
}

func TestStreamCancelCompletesPending(t *testing.T) {
	s, peer, inbound := newStreamPair(t, StreamConfig{})

	call, err := NewCall(testDest, testPath, testIface, testMember)
	if err != nil {
		t.Fatalf("NewCall: %v", err)
	}
	pending, err := s.SendWithReply(call, 0)
	if err != nil {
		t.Fatalf("SendWithReply: %v", err)
	}
	received := peer.receive("waiting for call")

	s.Cancel(pending)
	got := testutil.RequireReceive(t, pending.C(), testTimeout, "waiting for cancellation")
	if got.Kind != KindError || got.ErrorName != ErrorCancelled {
		t.Fatalf("completion = %+v, want %s", got, ErrorCancelled)
	}

	// A late reply still reaches the handler but cannot complete the
	// already-finished pending.
	reply, err := NewReply(received)
	if err != nil {
		t.Fatalf("NewReply: %v", err)
	}
	reply.Serial = 200
	peer.send(reply)
	late := testutil.RequireReceive(t, inbound, testTimeout, "waiting for late reply")
	if late.ReplySerial != call.Serial {
		t.Fatalf("late reply serial = %d, want %d", late.ReplySerial, call.Serial)
	}
	select {
	case extra := <-pending.C():
		t.Fatalf("pending completed twice: %+v", extra)
	default:
	}
}

func TestStreamCancelAfterReplyIsNoOp(t *testing.T) {
	s, peer, _ := newStreamPair(t, StreamConfig{})

	call, err := NewCall(testDest, testPath, testIface, testMember)
	if err != nil {
		t.Fatalf("NewCall: %v", err)
	}
	pending, err := s.SendWithReply(call, 0)
	if err != nil {
		t.Fatalf("SendWithReply: %v", err)
	}
	received := peer.receive("waiting for call")
	reply, err := NewReply(received)
	if err != nil {
		t.Fatalf("NewReply: %v", err)
	}
	reply.Serial = 300
	peer.send(reply)

	got := testutil.RequireReceive(t, pending.C(), testTimeout, "waiting for reply")
	if got.Kind != KindReply {
		t.Fatalf("completion kind = %v, want KindReply", got.Kind)
	}
	s.Cancel(pending)
	select {
	case extra := <-pending.C():
		t.Fatalf("cancel after reply produced a second completion: %+v", extra)
	default:
	}
}

func TestStreamDisconnectCompletesOutstanding(t *testing.T) {
	s, peer, inbound := newStreamPair(t, StreamConfig{})

	call, err := NewCall(testDest, testPath, testIface, testMember)
	if err != nil {
		t.Fatalf("NewCall: %v", err)
	}
	pending, err := s.SendWithReply(call, 0)
	if err != nil {
		t.Fatalf("SendWithReply: %v", err)
	}
	peer.receive("waiting for call")

	peer.conn.Close()

	got := testutil.RequireReceive(t, pending.C(), testTimeout, "waiting for disconnect completion")
	if got.Kind != KindError || got.ErrorName != ErrorDisconnected {
		t.Fatalf("completion = %+v, want %s", got, ErrorDisconnected)
	}

	final := testutil.RequireReceive(t, inbound, testTimeout, "waiting for Disconnected delivery")
	if final.Kind != KindSignal || final.Interface != LocalInterface || final.Member != MemberDisconnected {
		t.Fatalf("final message = %+v, want local Disconnected signal", final)
	}
	if !final.Sender.IsZero() {
		t.Fatalf("local Disconnected has sender %v, want none", final.Sender)
	}
	if s.IsOpen() {
		t.Fatal("IsOpen after disconnect")
	}
}

func TestStreamCloseIsIdempotent(t *testing.T) {
	s, _, inbound := newStreamPair(t, StreamConfig{})

	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	final := testutil.RequireReceive(t, inbound, testTimeout, "waiting for Disconnected delivery")
	if final.Member != MemberDisconnected {
		t.Fatalf("final message member = %v, want Disconnected", final.Member)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}

	signal, err := NewSignal(testPath, testIface, ref.MustMemberName("TrackChanged"))
	if err != nil {
		t.Fatalf("NewSignal: %v", err)
	}
	if err := s.Send(signal); !errors.Is(err, ErrClosed) {
		t.Fatalf("Send after close = %v, want ErrClosed", err)
	}
	if _, err := s.SendWithReply(mustCall(t), 0); !errors.Is(err, ErrClosed) {
		t.Fatalf("SendWithReply after close = %v, want ErrClosed", err)
	}
}

func mustCall(t *testing.T) *Message {
	t.Helper()
	call, err := NewCall(testDest, testPath, testIface, testMember)
	if err != nil {
		t.Fatalf("NewCall: %v", err)
	}
	return call
}

func TestStreamRegisterMatchSendsAddMatch(t *testing.T) {
	matchErrors := make(chan error, 1)
	s, peer, _ := newStreamPair(t, StreamConfig{
		OnMatchError: func(err error) { matchErrors <- err },
	})

	const rule = "kind='signal',interface='com.example.Player'"
	s.RegisterMatch(rule)

	call := peer.receive("waiting for AddMatch")
	if call.Destination != DaemonName || call.Interface != DaemonInterface || call.Member != MemberAddMatch {
		t.Fatalf("control call = %+v, want bus.Daemon.AddMatch", call)
	}
	args, err := call.Args()
	if err != nil || len(args) != 1 || args[0] != rule {
		t.Fatalf("AddMatch args = %#v (%v), want [%s]", args, err, rule)
	}

	reply, err := NewReply(call)
	if err != nil {
		t.Fatalf("NewReply: %v", err)
	}
	reply.Serial = 400
	peer.send(reply)

	s.UnregisterMatch(rule)
	retract := peer.receive("waiting for RemoveMatch")
	if retract.Member != MemberRemoveMatch {
		t.Fatalf("retract member = %v, want RemoveMatch", retract.Member)
	}

	select {
	case err := <-matchErrors:
		t.Fatalf("unexpected match error: %v", err)
	default:
	}
}

func TestStreamMatchControlPreservesOrder(t *testing.T) {
	s, peer, _ := newStreamPair(t, StreamConfig{})

	// Register, retract, and re-register one rule back to back. The
	// control calls must reach the daemon in submission order — a
	// RemoveMatch overtaking its AddMatch would leave the daemon and
	// the local registry disagreeing about the rule.
	const rule = "kind='signal',interface='com.example.Player'"
	s.RegisterMatch(rule)
	s.UnregisterMatch(rule)
	s.RegisterMatch(rule)
	s.UnregisterMatch(rule)

	want := []ref.MemberName{MemberAddMatch, MemberRemoveMatch, MemberAddMatch, MemberRemoveMatch}
	for i, member := range want {
		call := peer.receive("waiting for control call")
		if call.Member != member {
			t.Fatalf("control call %d = %v, want %v", i, call.Member, member)
		}
		reply, err := NewReply(call)
		if err != nil {
			t.Fatalf("NewReply: %v", err)
		}
		reply.Serial = uint64(600 + i)
		peer.send(reply)
	}
}

func TestStreamWriteAfterPeerCloseReturnsErrClosed(t *testing.T) {
	local, remote := net.Pipe()
	s, err := NewStream(StreamConfig{Conn: local})
	if err != nil {
		t.Fatalf("NewStream: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	// No handler installed, so no read loop notices the disconnect:
	// the open flag still reads true and the write itself is what
	// discovers the dead conn. That failure must surface as ErrClosed,
	// not as a send error.
	remote.Close()
	signal, err := NewSignal(testPath, testIface, ref.MustMemberName("TrackChanged"))
	if err != nil {
		t.Fatalf("NewSignal: %v", err)
	}
	if err := s.Send(signal); !errors.Is(err, ErrClosed) {
		t.Fatalf("Send on dead conn = %v, want ErrClosed", err)
	}
}

func TestStreamMatchFailureReachesCallback(t *testing.T) {
	matchErrors := make(chan error, 1)
	s, peer, _ := newStreamPair(t, StreamConfig{
		OnMatchError: func(err error) { matchErrors <- err },
	})

	const rule = "kind='signal',sender='bus.Daemon'"
	s.RegisterMatch(rule)

	call := peer.receive("waiting for AddMatch")
	failure := NewError(call, "bus.error.NoMemory", "match table full")
	failure.Serial = 500
	peer.send(failure)

	err := testutil.RequireReceive(t, matchErrors, testTimeout, "waiting for match error")
	var matchErr *MatchError
	if !errors.As(err, &matchErr) {
		t.Fatalf("error type = %T, want *MatchError", err)
	}
	if matchErr.Rule != rule || matchErr.Name != "bus.error.NoMemory" {
		t.Fatalf("match error = %+v", matchErr)
	}
}

func TestStreamOversizedMessageTearsDown(t *testing.T) {
	s, peer, inbound := newStreamPair(t, StreamConfig{MaxMessageSize: 64})

	big, err := NewSignal(testPath, testIface, ref.MustMemberName("TrackChanged"), string(make([]byte, 4096)))
	if err != nil {
		t.Fatalf("NewSignal: %v", err)
	}
	big.Serial = 1
	peer.send(big)

	final := testutil.RequireReceive(t, inbound, testTimeout, "waiting for teardown")
	if final.Member != MemberDisconnected {
		t.Fatalf("final message = %+v, want Disconnected", final)
	}
	if s.IsOpen() {
		t.Fatal("stream still open after oversized message")
	}
}

func TestStreamUndecodableEnvelopeIsDropped(t *testing.T) {
	s, peer, inbound := newStreamPair(t, StreamConfig{})

	// Valid CBOR, wrong shape: the kind field must be an integer.
	if err := peer.enc.Encode(map[string]any{"kind": "nonsense"}); err != nil {
		t.Fatalf("peer encode: %v", err)
	}

	signal, err := NewSignal(testPath, testIface, ref.MustMemberName("TrackChanged"))
	if err != nil {
		t.Fatalf("NewSignal: %v", err)
	}
	signal.Serial = 2
	peer.send(signal)

	got := testutil.RequireReceive(t, inbound, testTimeout, "waiting for the valid signal")
	if got.Member.String() != "TrackChanged" {
		t.Fatalf("delivered message = %+v, want the TrackChanged signal", got)
	}
	if !s.IsOpen() {
		t.Fatal("stream closed over a single bad envelope")
	}
}

func TestStreamPathClaims(t *testing.T) {
	s, _, _ := newStreamPair(t, StreamConfig{})

	base := ref.MustObjectPath("/com/example")
	player := ref.MustObjectPath("/com/example/Player")
	queue := ref.MustObjectPath("/com/example/Queue")

	if !s.ClaimPath(player) {
		t.Fatal("first claim refused")
	}
	if s.ClaimPath(player) {
		t.Fatal("second claim of the same path succeeded")
	}
	if !s.ClaimPath(queue) {
		t.Fatal("sibling claim refused")
	}

	children := s.ChildPaths(base)
	want := []string{"Player", "Queue"}
	if len(children) != len(want) || children[0] != want[0] || children[1] != want[1] {
		t.Fatalf("ChildPaths = %v, want %v", children, want)
	}

	s.ReleasePath(player)
	if got := s.ChildPaths(base); len(got) != 1 || got[0] != "Queue" {
		t.Fatalf("ChildPaths after release = %v, want [Queue]", got)
	}
	if !s.ClaimPath(player) {
		t.Fatal("reclaim after release refused")
	}
}
