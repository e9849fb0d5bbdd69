// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package codec provides the standard CBOR encoding configuration for
// the bus protocol.
//
// Every value that crosses a connection — message envelopes on the
// stream transport, call argument tuples, property values,
// introspection documents — is CBOR. The encoder uses Core
// Deterministic Encoding (RFC 8949 §4.2): sorted map keys, smallest
// integer encoding, no indefinite-length items. Same logical data
// always produces identical bytes, which keeps match-rule argument
// comparison and test golden data stable.
//
// For buffer-oriented operations:
//
//	data, err := codec.Marshal(value)
//	err = codec.Unmarshal(data, &value)
//
// For stream-oriented operations (the socket transport):
//
//	encoder := codec.NewEncoder(conn)
//	decoder := codec.NewDecoder(conn)
//
// Call arguments and returns are tuples — heterogeneous ordered
// sequences encoded as CBOR arrays. MarshalTuple and UnmarshalTuple
// convert between []any and the wire form; a message body that is not
// an array is rejected at the decode boundary rather than deep inside
// dispatch.
//
// Types implementing encoding.TextMarshaler (ref.ObjectPath,
// ref.InterfaceName, ref.BusName, etc.) serialize as CBOR text strings
// via MarshalText. Without this, struct fields with unexported data
// would serialize as empty CBOR maps, losing their identity.
package codec
