// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package ref provides strongly typed, immutable identity references for
// the bus protocol. Every addressable thing on the bus — an object path,
// an interface, a member (method or signal), a peer — is represented by
// a validated value type with a pre-computed canonical form.
//
// The types are deliberately small wrappers around a single string.
// Construction goes through a Parse function that validates the full
// grammar once; after that, every use site can rely on the value being
// well-formed. The zero value of each type is "absent" and reports
// IsZero() == true.
//
// All types implement encoding.TextMarshaler and TextUnmarshaler so they
// round-trip through CBOR and JSON as plain strings. A zero value
// marshals to the empty string and the empty string unmarshals to the
// zero value, so optional message fields elide cleanly under omitempty.
package ref
