// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package codec

import (
	"fmt"
)

// MarshalTuple encodes call arguments as a CBOR array. A nil or empty
// slice encodes as the empty array — a message body is always present,
// even for zero-argument calls, so the decode side never has to treat
// "no body" as a special case.
func MarshalTuple(args []any) (RawMessage, error) {
	if args == nil {
		args = []any{}
	}
	data, err := Marshal(args)
	if err != nil {
		return nil, fmt.Errorf("codec: encoding argument tuple: %w", err)
	}
	return RawMessage(data), nil
}

// UnmarshalTuple decodes a message body into its argument tuple. The
// body's top-level type must be an array; anything else is a protocol
// violation surfaced here, before dispatch looks at individual
// arguments. An empty body (no bytes) decodes as the empty tuple for
// tolerance of peers that omit bodies on zero-argument messages.
func UnmarshalTuple(body RawMessage) ([]any, error) {
	if len(body) == 0 {
		return []any{}, nil
	}
	var args []any
	if err := Unmarshal(body, &args); err != nil {
		return nil, fmt.Errorf("codec: message body is not an argument tuple: %w", err)
	}
	if args == nil {
		args = []any{}
	}
	return args, nil
}

// FirstString returns the first element of a tuple body if it is a
// string. The match-rule engine uses this for arg0 matching without
// decoding the full tuple into scope.
func FirstString(body RawMessage) (string, bool) {
	args, err := UnmarshalTuple(body)
	if err != nil || len(args) == 0 {
		return "", false
	}
	s, ok := args[0].(string)
	return s, ok
}
