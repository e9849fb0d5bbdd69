// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package messaging

import (
	"context"
	"sync"
)

// sharedConns is the process-wide registry of shared connections,
// keyed by bus address. One mutex guards create-or-return-existing,
// so concurrent callers racing to the same address get the same Conn.
var (
	sharedMu    sync.Mutex
	sharedConns = make(map[string]*sharedEntry)
)

type sharedEntry struct {
	address string
	conn    *Conn
	refs    int
}

// SharedConn is a reference-counted handle on a connection shared
// across the process. Release the handle instead of closing the Conn;
// the connection closes when the last handle releases.
type SharedConn struct {
	*Conn
	entry *sharedEntry
	once  sync.Once
}

// Shared returns a connection to the bus at address, dialing one on
// first use and returning the existing connection afterwards. A
// shared connection that has disconnected is replaced on the next
// call; handles on the replaced connection keep counting against it,
// so its last Release still closes it.
func Shared(ctx context.Context, address string, config Config) (*SharedConn, error) {
	sharedMu.Lock()
	defer sharedMu.Unlock()

	if entry, ok := sharedConns[address]; ok && entry.conn.IsOpen() {
		entry.refs++
		return &SharedConn{Conn: entry.conn, entry: entry}, nil
	}

	conn, err := Dial(ctx, address, config)
	if err != nil {
		return nil, err
	}
	entry := &sharedEntry{address: address, conn: conn, refs: 1}
	sharedConns[address] = entry
	return &SharedConn{Conn: conn, entry: entry}, nil
}

// Release drops this handle's reference. The underlying connection
// closes when the last handle releases — including a connection that
// has since been replaced in the registry, whose teardown (cleanups,
// loop shutdown) would otherwise never run. Safe to call more than
// once; only the first call acts.
func (s *SharedConn) Release() error {
	var err error
	s.once.Do(func() {
		sharedMu.Lock()
		s.entry.refs--
		last := s.entry.refs == 0
		if last && sharedConns[s.entry.address] == s.entry {
			delete(sharedConns, s.entry.address)
		}
		sharedMu.Unlock()
		if last {
			err = s.Conn.Close()
		}
	})
	return err
}
