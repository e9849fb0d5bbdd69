// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package transport carries bus messages between a connection and its
// peer. It defines the wire [Message] envelope, the [Transport]
// contract the connection core programs against, and two
// implementations:
//
//   - [Stream]: CBOR messages over any net.Conn (a Unix domain socket
//     in practice). CBOR is self-delimiting, so no extra framing
//     protocol is needed.
//   - [Memory]: an in-process transport for tests. Inbound messages
//     are injected with Deliver, outbound messages are recorded, and
//     scripted replies exercise the request/reply path without a
//     socket.
//
// A transport is deliberately dumb: it moves envelopes, assigns
// serials, correlates replies to outstanding requests, and tracks
// which match rules and object paths the connection holds. It never
// looks inside message bodies and never runs user callbacks — all
// routing policy lives above it, in the messaging package.
//
// Inbound delivery is serialized: the transport invokes its handler
// for one message at a time, in arrival order. This is the property
// the dispatcher's liveness and ordering guarantees are built on.
package transport
