// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package messaging

import (
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/mmeeks/gdbus-standalone-sub002/lib/clock"
	"github.com/mmeeks/gdbus-standalone-sub002/lib/ref"
	"github.com/mmeeks/gdbus-standalone-sub002/lib/testutil"
	"github.com/mmeeks/gdbus-standalone-sub002/transport"
)

// newTestConn builds a Conn over an in-memory transport. The fake
// daemon answers Hello with ":1.1".
func newTestConn(t *testing.T, memConfig transport.MemoryConfig) (*Conn, *transport.Memory) {
	t.Helper()
	mem := transport.NewMemory(memConfig)
	conn, err := Connect(Config{
		Transport: mem,
		Logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
		Clock:     memConfig.Clock,
		OnSendFatal: func(err error) {
			t.Errorf("unexpected fatal send: %v", err)
		},
	})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn, mem
}

// awaitSent polls the memory transport for an outbound message
// matching pred. Dispatch replies are produced asynchronously on a
// Loop, so tests wait rather than asserting immediately.
func awaitSent(t *testing.T, mem *transport.Memory, what string, pred func(*transport.Message) bool) *transport.Message {
	t.Helper()
	deadline := time.Now().Add(testTimeout)
	for time.Now().Before(deadline) {
		for _, m := range mem.Sent() {
			if pred(m) {
				return m
			}
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
	panic("unreachable")
}

// neverSent asserts that no outbound message matching pred shows up
// in a settling window.
func neverSent(t *testing.T, mem *transport.Memory, what string, pred func(*transport.Message) bool) {
	t.Helper()
	time.Sleep(20 * time.Millisecond)
	for _, m := range mem.Sent() {
		if pred(m) {
			t.Fatalf("unexpected outbound message (%s): %+v", what, m)
		}
	}
}

func deliverSignal(t *testing.T, mem *transport.Memory, sender ref.BusName, member ref.MemberName, args ...any) {
	t.Helper()
	m, err := transport.NewSignal(playerPath, playerIface, member, args...)
	if err != nil {
		t.Fatalf("NewSignal: %v", err)
	}
	m.Serial = 1000
	m.Sender = sender
	mem.Deliver(m)
}

func TestConnectRecordsUniqueName(t *testing.T) {
	conn, mem := newTestConn(t, transport.MemoryConfig{UniqueName: ref.MustBusName(":1.55")})
	if got := conn.UniqueName(); got != mem.UniqueName() {
		t.Fatalf("UniqueName = %v, want %v", got, mem.UniqueName())
	}
	if !conn.IsOpen() {
		t.Fatal("fresh connection reports closed")
	}
}

func TestSubscribeDeliversMatchingSignal(t *testing.T) {
	conn, mem := newTestConn(t, transport.MemoryConfig{})

	delivered := make(chan *transport.Message, 4)
	id, err := conn.Subscribe(Subscription{
		Rule:    MatchRule{Member: memberFoo},
		Handler: func(m *transport.Message) { delivered <- m },
	})
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	if id == 0 {
		t.Fatal("subscription id is zero")
	}

	deliverSignal(t, mem, senderX, memberFoo)
	got := testutil.RequireReceive(t, delivered, testTimeout, "matching signal")
	if got.Member != memberFoo || got.Sender != senderX {
		t.Fatalf("delivered %+v, want Foo from %v", got, senderX)
	}

	deliverSignal(t, mem, senderX, memberBar)
	select {
	case m := <-delivered:
		t.Fatalf("non-matching signal delivered: %+v", m)
	case <-time.After(20 * time.Millisecond):
	}
}

func TestSubscribeRefcountsTransportRegistrations(t *testing.T) {
	conn, mem := newTestConn(t, transport.MemoryConfig{})

	handler := func(*transport.Message) {}
	rule := MatchRule{Member: memberFoo}
	other := MatchRule{Member: memberBar}

	id1, err := conn.Subscribe(Subscription{Rule: rule, Handler: handler})
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	id2, err := conn.Subscribe(Subscription{Rule: rule, Handler: handler})
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	id3, err := conn.Subscribe(Subscription{Rule: other, Handler: handler})
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	// Two distinct keys with subscribers, two transport rules.
	if got := mem.Matches(); len(got) != 2 {
		t.Fatalf("transport rules = %v, want 2 distinct keys", got)
	}

	conn.Unsubscribe(id1)
	if got := mem.Matches(); len(got) != 2 {
		t.Fatalf("transport rules after partial unsubscribe = %v, want 2", got)
	}
	conn.Unsubscribe(id2)
	if got := mem.Matches(); len(got) != 1 || got[0] != other.Key() {
		t.Fatalf("transport rules = %v, want [%s]", got, other.Key())
	}
	conn.Unsubscribe(id3)
	if got := mem.Matches(); len(got) != 0 {
		t.Fatalf("transport rules after full unsubscribe = %v, want none", got)
	}
}

func TestUnsubscribeTwiceIsNoOp(t *testing.T) {
	conn, _ := newTestConn(t, transport.MemoryConfig{})

	cleanups := 0
	id, err := conn.Subscribe(Subscription{
		Rule:    MatchRule{Member: memberFoo},
		Handler: func(*transport.Message) {},
		Cleanup: func() { cleanups++ },
	})
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	conn.Unsubscribe(id)
	conn.Unsubscribe(id)
	if cleanups != 1 {
		t.Fatalf("cleanup ran %d times, want 1", cleanups)
	}
}

func TestSubscribeOnClosedConnection(t *testing.T) {
	conn, _ := newTestConn(t, transport.MemoryConfig{})
	conn.Close()

	_, err := conn.Subscribe(Subscription{
		Rule:    MatchRule{Member: memberFoo},
		Handler: func(*transport.Message) {},
	})
	if !errors.Is(err, ErrNotConnected) {
		t.Fatalf("Subscribe on closed = %v, want ErrNotConnected", err)
	}
}

func TestUnsubscribeAfterCloseIsNoOp(t *testing.T) {
	conn, _ := newTestConn(t, transport.MemoryConfig{})

	cleanups := 0
	id, err := conn.Subscribe(Subscription{
		Rule:    MatchRule{Member: memberFoo},
		Handler: func(*transport.Message) {},
		Cleanup: func() { cleanups++ },
	})
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	conn.Close()
	if cleanups != 1 {
		t.Fatalf("cleanup ran %d times during Close, want 1", cleanups)
	}
	conn.Unsubscribe(id)
	if cleanups != 1 {
		t.Fatalf("cleanup ran %d times after late unsubscribe, want 1", cleanups)
	}
}

func TestReservedRuleSkipsTransport(t *testing.T) {
	conn, mem := newTestConn(t, transport.MemoryConfig{})

	delivered := make(chan *transport.Message, 1)
	rule := MatchRule{
		Kind:      transport.KindSignal,
		Sender:    transport.DaemonName,
		Interface: transport.DaemonInterface,
		Member:    transport.MemberNameOwnerChanged,
	}
	id, err := conn.Subscribe(Subscription{
		Rule:    rule,
		Handler: func(m *transport.Message) { delivered <- m },
	})
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	if got := mem.Matches(); len(got) != 0 {
		t.Fatalf("reserved rule registered with transport: %v", got)
	}

	ownerChanged, err := transport.NewSignal(transport.DaemonPath, transport.DaemonInterface, transport.MemberNameOwnerChanged, "com.example.App", "", ":1.9")
	if err != nil {
		t.Fatalf("NewSignal: %v", err)
	}
	ownerChanged.Serial = 7
	ownerChanged.Sender = transport.DaemonName
	mem.Deliver(ownerChanged)
	testutil.RequireReceive(t, delivered, testTimeout, "NameOwnerChanged delivery")

	conn.Unsubscribe(id)
	if calls := mem.SentCalls(transport.DaemonInterface, transport.MemberRemoveMatch); len(calls) != 0 {
		t.Fatalf("reserved rule retraction sent RemoveMatch: %d calls", len(calls))
	}
}

func TestAnonymousSignalNotDistributed(t *testing.T) {
	conn, mem := newTestConn(t, transport.MemoryConfig{})

	delivered := make(chan *transport.Message, 1)
	if _, err := conn.Subscribe(Subscription{
		Rule:    MatchRule{},
		Handler: func(m *transport.Message) { delivered <- m },
	}); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	anonymous, err := transport.NewSignal(playerPath, playerIface, memberFoo)
	if err != nil {
		t.Fatalf("NewSignal: %v", err)
	}
	anonymous.Serial = 8
	mem.Deliver(anonymous)

	select {
	case m := <-delivered:
		t.Fatalf("anonymous signal delivered: %+v", m)
	case <-time.After(20 * time.Millisecond):
	}
}

func TestDisconnectSignalsDoneOnce(t *testing.T) {
	conn, mem := newTestConn(t, transport.MemoryConfig{})

	mem.Close()
	testutil.RequireClosed(t, conn.Done(), testTimeout, "Done after disconnect")
	if conn.IsOpen() {
		t.Fatal("IsOpen after disconnect")
	}

	// The disconnect already fired; Close must not panic re-closing
	// Done.
	conn.Close()

	if err := conn.Emit(playerPath, playerIface, memberFoo); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("Emit after disconnect = %v, want ErrNotConnected", err)
	}
}

func TestEmitCarriesUniqueName(t *testing.T) {
	conn, mem := newTestConn(t, transport.MemoryConfig{})

	if err := conn.Emit(playerPath, playerIface, memberFoo, "track-1"); err != nil {
		t.Fatalf("Emit: %v", err)
	}
	signal := awaitSent(t, mem, "emitted signal", func(m *transport.Message) bool {
		return m.Kind == transport.KindSignal && m.Member == memberFoo
	})
	if signal.Sender != mem.UniqueName() {
		t.Fatalf("signal sender = %v, want %v", signal.Sender, mem.UniqueName())
	}
	if arg0, ok := signal.Arg0String(); !ok || arg0 != "track-1" {
		t.Fatalf("signal arg0 = %q, want track-1", arg0)
	}
}

func TestCallTrafficObservableBySubscribers(t *testing.T) {
	conn, mem := newTestConn(t, transport.MemoryConfig{})

	observed := make(chan *transport.Message, 1)
	if _, err := conn.Subscribe(Subscription{
		Rule:    MatchRule{Kind: transport.KindCall},
		Handler: func(m *transport.Message) { observed <- m },
	}); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	// A call destined elsewhere, seen through an eavesdrop rule:
	// subscribers observe it, the export table does not answer it.
	call, err := transport.NewCall(senderY, playerPath, playerIface, memberFoo)
	if err != nil {
		t.Fatalf("NewCall: %v", err)
	}
	call.Serial = 31
	call.Sender = senderX
	call.Destination = senderY
	mem.Deliver(call)

	got := testutil.RequireReceive(t, observed, testTimeout, "observed call")
	if got.Kind != transport.KindCall || got.Serial != 31 {
		t.Fatalf("observed %+v, want the delivered call", got)
	}
	neverSent(t, mem, "reply to a foreign call", func(m *transport.Message) bool {
		return m.ReplySerial == 31
	})
}

func TestFatalPolicyOnMatchNoMemory(t *testing.T) {
	mem := transport.NewMemory(transport.MemoryConfig{})
	fatal := make(chan error, 1)
	conn, err := Connect(Config{
		Transport:   mem,
		Logger:      slog.New(slog.NewTextHandler(io.Discard, nil)),
		OnSendFatal: func(err error) { fatal <- err },
	})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer conn.Close()

	conn.HandleMatchError(&transport.MatchError{
		Rule: "member='Foo'",
		Name: ErrorNoMemory,
		Text: "match table full",
	})
	testutil.RequireReceive(t, fatal, testTimeout, "fatal policy invocation")

	// Non-exhaustion failures are logged, not fatal.
	conn.HandleMatchError(&transport.MatchError{
		Rule: "member='Foo'",
		Name: ErrorFailed,
		Text: "daemon hiccup",
	})
	select {
	case err := <-fatal:
		t.Fatalf("non-OOM match error escalated to fatal: %v", err)
	case <-time.After(20 * time.Millisecond):
	}
}

func TestCallTimeoutUsesInjectedClock(t *testing.T) {
	fake := clock.Fake(time.Unix(1000, 0))
	conn, _ := newTestConn(t, transport.MemoryConfig{Clock: fake})

	pending := conn.Call(t.Context(), senderY, playerPath, playerIface, memberFoo)
	fake.WaitForTimers(1)
	fake.Advance(defaultCallTimeout)

	_, err := pending.Result()
	if !IsBusError(err, ErrorTimedOut) {
		t.Fatalf("Result = %v, want %s", err, ErrorTimedOut)
	}
}
