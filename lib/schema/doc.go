// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package schema describes the callable surface of exported objects:
// per interface, the ordered lists of methods (with input and output
// signatures), signals, and properties (with read/write access).
//
// A schema does two jobs. At registration time it is the contract a
// handler promises to serve — registration validates it eagerly and
// rejects malformed definitions as caller bugs, not runtime errors. At
// dispatch time it is the gatekeeper: unknown members and mistyped
// argument tuples are turned into protocol error replies before any
// handler code runs.
//
// Interfaces can be declared in Go or loaded from YAML definition
// files (see LoadInterface). The introspection document for an object
// path is synthesized from the registered schemas plus the transport's
// knowledge of child paths; see the Node type.
package schema
