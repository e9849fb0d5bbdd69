// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package signature implements the type-signature language for call
// arguments, returns, signal payloads, and property values.
//
// A signature is a compact string describing a tuple of types:
//
//	""        zero arguments
//	"s"       one string
//	"si"      a string and an integer
//	"as"      an array of strings
//	"a{sv}"   a string-keyed map of arbitrary values
//	"(sib)"   a struct of string, integer, bool
//	"v"       any single value
//
// Method dispatch compares a message's declared signature against the
// schema's declared input signature, and checks the decoded argument
// tuple against it before the handler runs. Replies are checked
// against the output signature before transmission. Comparison is
// plain string equality of canonical forms — there is no subtyping.
package signature
