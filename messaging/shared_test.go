// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package messaging

import (
	"fmt"
	"io"
	"log/slog"
	"net"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/mmeeks/gdbus-standalone-sub002/lib/codec"
	"github.com/mmeeks/gdbus-standalone-sub002/lib/testutil"
	"github.com/mmeeks/gdbus-standalone-sub002/transport"
)

// fakeDaemon is a minimal bus daemon on a Unix socket: it assigns
// unique names for Hello and accepts every AddMatch and RemoveMatch.
type fakeDaemon struct {
	t        *testing.T
	listener net.Listener
	names    atomic.Uint64

	mu    sync.Mutex
	conns []net.Conn
}

func startFakeDaemon(t *testing.T) (*fakeDaemon, string) {
	t.Helper()
	address := filepath.Join(testutil.SocketDir(t), "bus.sock")
	listener, err := net.Listen("unix", address)
	if err != nil {
		t.Fatalf("listening on %s: %v", address, err)
	}
	d := &fakeDaemon{t: t, listener: listener}
	t.Cleanup(func() { listener.Close() })
	go d.acceptLoop()
	return d, address
}

func (d *fakeDaemon) acceptLoop() {
	for {
		conn, err := d.listener.Accept()
		if err != nil {
			return
		}
		d.mu.Lock()
		d.conns = append(d.conns, conn)
		d.mu.Unlock()
		go d.serve(conn)
	}
}

// dropConnections severs every accepted connection, simulating a
// daemon restart.
func (d *fakeDaemon) dropConnections() {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, conn := range d.conns {
		conn.Close()
	}
	d.conns = nil
}

func (d *fakeDaemon) serve(conn net.Conn) {
	defer conn.Close()
	decoder := codec.NewDecoder(conn)
	encoder := codec.NewEncoder(conn)
	var writeMu sync.Mutex
	for {
		var m transport.Message
		if err := decoder.Decode(&m); err != nil {
			return
		}
		if m.Kind != transport.KindCall || m.Interface != transport.DaemonInterface {
			continue
		}
		var reply *transport.Message
		switch m.Member {
		case transport.MemberHello:
			unique := fmt.Sprintf(":1.%d", d.names.Add(1))
			r, err := transport.NewReply(&m, unique)
			if err != nil {
				return
			}
			reply = r
		case transport.MemberAddMatch, transport.MemberRemoveMatch:
			r, err := transport.NewReply(&m)
			if err != nil {
				return
			}
			reply = r
		default:
			reply = transport.NewError(&m, "bus.error.UnknownMethod", "unknown daemon method")
		}
		reply.Serial = m.Serial + 10000
		reply.Sender = transport.DaemonName

		writeMu.Lock()
		err := encoder.Encode(reply)
		writeMu.Unlock()
		if err != nil {
			return
		}
	}
}

func quietConfig(t *testing.T) Config {
	return Config{
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
		OnSendFatal: func(err error) {
			t.Errorf("unexpected fatal send: %v", err)
		},
	}
}

func TestDialPerformsHello(t *testing.T) {
	_, address := startFakeDaemon(t)

	conn, err := Dial(t.Context(), address, quietConfig(t))
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()

	if conn.UniqueName().IsZero() {
		t.Fatal("no unique name after Dial")
	}
	if !conn.IsOpen() {
		t.Fatal("dialed connection reports closed")
	}
}

func TestDialRegistersMatchesWithDaemon(t *testing.T) {
	_, address := startFakeDaemon(t)

	conn, err := Dial(t.Context(), address, quietConfig(t))
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()

	// The daemon accepts the AddMatch; nothing fatal fires and the
	// subscription is live.
	id, err := conn.Subscribe(Subscription{
		Rule:    MatchRule{Member: memberFoo},
		Handler: func(*transport.Message) {},
	})
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	conn.Unsubscribe(id)
}

func TestSharedReturnsOneConnection(t *testing.T) {
	_, address := startFakeDaemon(t)

	first, err := Shared(t.Context(), address, quietConfig(t))
	if err != nil {
		t.Fatalf("Shared: %v", err)
	}
	second, err := Shared(t.Context(), address, quietConfig(t))
	if err != nil {
		t.Fatalf("second Shared: %v", err)
	}
	if first.Conn != second.Conn {
		t.Fatal("Shared returned distinct connections for one address")
	}

	if err := first.Release(); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if !second.IsOpen() {
		t.Fatal("connection closed while a handle remains")
	}
	if err := second.Release(); err != nil {
		t.Fatalf("final Release: %v", err)
	}
	if second.Conn.IsOpen() {
		t.Fatal("connection open after the last Release")
	}
}

func TestSharedReleaseIsIdempotent(t *testing.T) {
	_, address := startFakeDaemon(t)

	first, err := Shared(t.Context(), address, quietConfig(t))
	if err != nil {
		t.Fatalf("Shared: %v", err)
	}
	second, err := Shared(t.Context(), address, quietConfig(t))
	if err != nil {
		t.Fatalf("second Shared: %v", err)
	}

	// Double release of one handle must not steal the other's
	// reference.
	first.Release()
	first.Release()
	if !second.IsOpen() {
		t.Fatal("double Release closed the shared connection")
	}
	second.Release()
}

func TestSharedReleaseClosesReplacedConnection(t *testing.T) {
	daemon, address := startFakeDaemon(t)

	stale, err := Shared(t.Context(), address, quietConfig(t))
	if err != nil {
		t.Fatalf("Shared: %v", err)
	}
	cleaned := make(chan struct{})
	if _, err := stale.Subscribe(Subscription{
		Rule:    MatchRule{Member: memberFoo},
		Handler: func(*transport.Message) {},
		Cleanup: func() { close(cleaned) },
	}); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	daemon.dropConnections()
	testutil.RequireClosed(t, stale.Done(), testTimeout, "waiting for disconnect")

	replacement, err := Shared(t.Context(), address, quietConfig(t))
	if err != nil {
		t.Fatalf("Shared after disconnect: %v", err)
	}
	defer replacement.Release()
	if replacement.Conn == stale.Conn {
		t.Fatal("disconnected connection not replaced")
	}

	// The registry has moved on, but the stale handle still owns the
	// final reference on the old connection. Releasing it must run
	// that connection's teardown: subscription cleanups fire and its
	// loop shuts down.
	if err := stale.Release(); err != nil {
		t.Fatalf("Release of replaced connection: %v", err)
	}
	testutil.RequireClosed(t, cleaned, testTimeout, "waiting for subscription cleanup")
	testutil.RequireClosed(t, stale.DefaultLoop().Done(), testTimeout, "waiting for loop shutdown")
}

func TestSharedReplacesClosedConnection(t *testing.T) {
	_, address := startFakeDaemon(t)

	first, err := Shared(t.Context(), address, quietConfig(t))
	if err != nil {
		t.Fatalf("Shared: %v", err)
	}
	stale := first.Conn
	first.Release()

	replacement, err := Shared(t.Context(), address, quietConfig(t))
	if err != nil {
		t.Fatalf("Shared after close: %v", err)
	}
	defer replacement.Release()
	if replacement.Conn == stale {
		t.Fatal("Shared returned the closed connection")
	}
	if !replacement.IsOpen() {
		t.Fatal("replacement connection reports closed")
	}
}
