// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package ref

import "fmt"

// MemberName identifies a method or signal within an interface: a
// single element matching [A-Za-z_][A-Za-z0-9_]*, no dots.
type MemberName struct {
	name string
}

// ParseMemberName validates raw and returns it as a MemberName.
func ParseMemberName(raw string) (MemberName, error) {
	if raw == "" {
		return MemberName{}, fmt.Errorf("member name is empty")
	}
	if len(raw) > maxNameLength {
		return MemberName{}, fmt.Errorf("member name %q is %d characters, maximum is %d", raw, len(raw), maxNameLength)
	}
	if err := validateNameElement(raw, "member name", raw); err != nil {
		return MemberName{}, err
	}
	return MemberName{name: raw}, nil
}

// MustMemberName is ParseMemberName that panics on error. For constants
// and tests only.
func MustMemberName(raw string) MemberName {
	m, err := ParseMemberName(raw)
	if err != nil {
		panic("ref: " + err.Error())
	}
	return m
}

// String returns the member name.
func (m MemberName) String() string {
	return m.name
}

// IsZero reports whether the name is the zero value (absent).
func (m MemberName) IsZero() bool {
	return m.name == ""
}

// MarshalText implements encoding.TextMarshaler. The zero value
// marshals to empty text, the inverse of UnmarshalText.
func (m MemberName) MarshalText() ([]byte, error) {
	return []byte(m.name), nil
}

// UnmarshalText implements encoding.TextUnmarshaler. Empty input
// produces the zero value.
func (m *MemberName) UnmarshalText(data []byte) error {
	if len(data) == 0 {
		*m = MemberName{}
		return nil
	}
	parsed, err := ParseMemberName(string(data))
	if err != nil {
		return fmt.Errorf("unmarshal MemberName: %w", err)
	}
	*m = parsed
	return nil
}
