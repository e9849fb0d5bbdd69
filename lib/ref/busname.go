// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package ref

import (
	"fmt"
	"strings"
)

// BusName identifies a peer on the bus. Two forms exist:
//
//   - Unique names are assigned by the bus at connection setup and
//     start with ':' (e.g., ":1.42"). Elements after the colon are
//     dot-separated and may start with digits.
//   - Well-known names are claimed by services and follow the same
//     dotted grammar as interface names (e.g., "com.example.Player").
//
// A BusName appears as the sender of inbound messages and the
// destination of outbound ones.
type BusName struct {
	name string
}

// ParseBusName validates raw and returns it as a BusName.
func ParseBusName(raw string) (BusName, error) {
	if raw == "" {
		return BusName{}, fmt.Errorf("bus name is empty")
	}
	if len(raw) > maxNameLength {
		return BusName{}, fmt.Errorf("bus name %q is %d characters, maximum is %d", raw, len(raw), maxNameLength)
	}
	if raw[0] == ':' {
		if err := validateUniqueName(raw); err != nil {
			return BusName{}, err
		}
		return BusName{name: raw}, nil
	}
	if err := validateDottedName(raw, "bus name"); err != nil {
		return BusName{}, err
	}
	return BusName{name: raw}, nil
}

// MustBusName is ParseBusName that panics on error. For constants and
// tests only.
func MustBusName(raw string) BusName {
	n, err := ParseBusName(raw)
	if err != nil {
		panic("ref: " + err.Error())
	}
	return n
}

// String returns the canonical bus name.
func (n BusName) String() string {
	return n.name
}

// IsZero reports whether the name is the zero value (absent). Inbound
// messages without a sender carry a zero BusName; the dispatcher treats
// them as local-only and never distributes them to subscribers.
func (n BusName) IsZero() bool {
	return n.name == ""
}

// IsUnique reports whether the name is a bus-assigned unique name
// (starts with ':').
func (n BusName) IsUnique() bool {
	return strings.HasPrefix(n.name, ":")
}

// MarshalText implements encoding.TextMarshaler. The zero value
// marshals to empty text, the inverse of UnmarshalText; codecs elide
// the empty string for fields marked omitempty.
func (n BusName) MarshalText() ([]byte, error) {
	return []byte(n.name), nil
}

// UnmarshalText implements encoding.TextUnmarshaler. Empty input
// produces the zero value (anonymous sender).
func (n *BusName) UnmarshalText(data []byte) error {
	if len(data) == 0 {
		*n = BusName{}
		return nil
	}
	parsed, err := ParseBusName(string(data))
	if err != nil {
		return fmt.Errorf("unmarshal BusName: %w", err)
	}
	*n = parsed
	return nil
}

// validateUniqueName checks the ':'-prefixed unique name grammar.
// Unlike well-known names, elements of a unique name may start with a
// digit (":1.42").
func validateUniqueName(raw string) error {
	body := raw[1:]
	if body == "" {
		return fmt.Errorf("unique bus name %q has no elements after ':'", raw)
	}
	for _, element := range strings.Split(body, ".") {
		if element == "" {
			return fmt.Errorf("unique bus name %q contains an empty element", raw)
		}
		for i := 0; i < len(element); i++ {
			c := element[i]
			switch {
			case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c == '_', c == '-':
			default:
				return fmt.Errorf("unique bus name %q: invalid character %q", raw, c)
			}
		}
	}
	return nil
}
