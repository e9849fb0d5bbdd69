// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package ref

import (
	"fmt"
	"strings"
)

// maxNameLength bounds interface, member, and bus names. Generous for
// any real name; exists so a corrupt or hostile peer cannot make the
// registries index arbitrarily large keys.
const maxNameLength = 255

// InterfaceName identifies an interface: two or more dot-separated
// elements, each matching [A-Za-z_][A-Za-z0-9_]*. Examples:
// "bus.Properties", "com.example.Player".
type InterfaceName struct {
	name string
}

// ParseInterfaceName validates raw and returns it as an InterfaceName.
func ParseInterfaceName(raw string) (InterfaceName, error) {
	if err := validateDottedName(raw, "interface name"); err != nil {
		return InterfaceName{}, err
	}
	return InterfaceName{name: raw}, nil
}

// MustInterfaceName is ParseInterfaceName that panics on error. For
// constants and tests only.
func MustInterfaceName(raw string) InterfaceName {
	n, err := ParseInterfaceName(raw)
	if err != nil {
		panic("ref: " + err.Error())
	}
	return n
}

// String returns the canonical interface name.
func (n InterfaceName) String() string {
	return n.name
}

// IsZero reports whether the name is the zero value (absent).
func (n InterfaceName) IsZero() bool {
	return n.name == ""
}

// MarshalText implements encoding.TextMarshaler. The zero value
// marshals to empty text, the inverse of UnmarshalText.
func (n InterfaceName) MarshalText() ([]byte, error) {
	return []byte(n.name), nil
}

// UnmarshalText implements encoding.TextUnmarshaler. Empty input
// produces the zero value.
func (n *InterfaceName) UnmarshalText(data []byte) error {
	if len(data) == 0 {
		*n = InterfaceName{}
		return nil
	}
	parsed, err := ParseInterfaceName(string(data))
	if err != nil {
		return fmt.Errorf("unmarshal InterfaceName: %w", err)
	}
	*n = parsed
	return nil
}

// validateDottedName enforces the shared grammar for interface names
// and well-known bus names: at least two dot-separated elements, each
// a valid name element.
func validateDottedName(raw, label string) error {
	if raw == "" {
		return fmt.Errorf("%s is empty", label)
	}
	if len(raw) > maxNameLength {
		return fmt.Errorf("%s %q is %d characters, maximum is %d", label, raw, len(raw), maxNameLength)
	}
	elements := strings.Split(raw, ".")
	if len(elements) < 2 {
		return fmt.Errorf("%s %q must have at least two dot-separated elements", label, raw)
	}
	for _, element := range elements {
		if err := validateNameElement(element, label, raw); err != nil {
			return err
		}
	}
	return nil
}

// validateNameElement checks a single element of a dotted name or a
// bare member name: [A-Za-z_][A-Za-z0-9_]*.
func validateNameElement(element, label, full string) error {
	if element == "" {
		return fmt.Errorf("%s %q contains an empty element", label, full)
	}
	for i := 0; i < len(element); i++ {
		c := element[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c == '_':
		case c >= '0' && c <= '9':
			if i == 0 {
				return fmt.Errorf("%s %q: element %q must not start with a digit", label, full, element)
			}
		default:
			return fmt.Errorf("%s %q: invalid character %q in element %q (allowed: A-Z, a-z, 0-9, _)", label, full, c, element)
		}
	}
	return nil
}
