// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package messaging implements the connection layer of the message
// bus: match-rule subscriptions, object export with method and
// property dispatch, outbound calls with cancellation, and the
// dispatcher that routes every inbound message.
//
// A [Conn] wraps a [transport.Transport]. Inbound messages arrive on
// the transport's single delivery goroutine; the dispatcher routes
// each one, under a single connection mutex held only for
// bookkeeping, to the match registry (every message kind) and to the
// export table (calls addressed to locally exported paths). User
// callbacks never run inline on the delivery goroutine: they are
// posted to a [Loop], the execution context chosen at subscribe or
// export time, so a handler always runs where its owner expects it.
//
// Remote failures are returned as [*BusError] with a protocol error
// name (bus.error.UnknownMethod, bus.error.InvalidArgs, etc.).
// [IsBusError] tests for a specific name. Local contract violations
// (subscribing on a closed connection, exporting a malformed schema)
// are ordinary eager errors, never BusErrors.
package messaging
