// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package signature

import (
	"errors"
	"fmt"
	"strings"
)

// Signature is a parsed, canonical type signature for a tuple of
// values. The string form is the wire and schema representation; the
// parsed form drives value checking. The zero value is the empty
// signature (a zero-length tuple), which is valid.
type Signature struct {
	str   string
	types []Type
}

// Kind enumerates the type constructors of the signature language.
type Kind int

const (
	// KindBool is 'b': a boolean.
	KindBool Kind = iota
	// KindInt is 'i': a signed 64-bit integer.
	KindInt
	// KindDouble is 'd': a 64-bit float.
	KindDouble
	// KindString is 's': a text string.
	KindString
	// KindBytes is 'y': a byte string.
	KindBytes
	// KindVariant is 'v': any single value.
	KindVariant
	// KindArray is 'aT': a homogeneous sequence of T.
	KindArray
	// KindDict is 'a{sT}': a string-keyed map of T.
	KindDict
	// KindStruct is '(T1T2...)': a fixed heterogeneous sequence.
	KindStruct
)

// Type is one complete type within a signature.
type Type struct {
	Kind Kind
	// Elem is the element type for KindArray and KindDict.
	Elem *Type
	// Fields are the member types for KindStruct.
	Fields []Type
}

// Parse validates and parses a signature string. The empty string is
// the empty tuple.
func Parse(raw string) (Signature, error) {
	types, rest, err := parseTypes(raw, false)
	if err != nil {
		return Signature{}, fmt.Errorf("signature %q: %w", raw, err)
	}
	if rest != "" {
		return Signature{}, fmt.Errorf("signature %q: trailing input %q", raw, rest)
	}
	return Signature{str: raw, types: types}, nil
}

// ParseSingle parses a signature that must contain exactly one
// complete type. Property signatures use this form.
func ParseSingle(raw string) (Signature, error) {
	sig, err := Parse(raw)
	if err != nil {
		return Signature{}, err
	}
	if len(sig.types) != 1 {
		return Signature{}, fmt.Errorf("signature %q: expected exactly one complete type, found %d", raw, len(sig.types))
	}
	return sig, nil
}

// MustParse is Parse that panics on error. For constants and tests
// only.
func MustParse(raw string) Signature {
	sig, err := Parse(raw)
	if err != nil {
		panic("signature: " + err.Error())
	}
	return sig
}

// String returns the canonical signature string.
func (s Signature) String() string {
	return s.str
}

// IsEmpty reports whether the signature is the zero-length tuple.
func (s Signature) IsEmpty() bool {
	return s.str == ""
}

// Equal reports whether two signatures describe the same type. The
// canonical string form makes this a plain comparison.
func (s Signature) Equal(other Signature) bool {
	return s.str == other.str
}

// Arity returns the number of complete types in the signature, which
// is the number of arguments a matching tuple carries.
func (s Signature) Arity() int {
	return len(s.types)
}

// Check reports whether args matches the signature, element for
// element. A mismatch returns an error naming the first offending
// position; nil means the tuple is well-typed.
func (s Signature) Check(args []any) error {
	if len(args) != len(s.types) {
		return fmt.Errorf("signature %q expects %d arguments, got %d", s.str, len(s.types), len(args))
	}
	for i, t := range s.types {
		if err := checkValue(t, args[i]); err != nil {
			return fmt.Errorf("argument %d of signature %q: %w", i, s.str, err)
		}
	}
	return nil
}

// Of infers the signature of a decoded argument tuple. Integers must
// already be normalized to int64 (the codec decode configuration
// guarantees this). Empty arrays and maps infer as 'av' and 'a{sv}'
// since their element type is unknowable.
func Of(args []any) (Signature, error) {
	var b strings.Builder
	for i, arg := range args {
		if err := writeTypeOf(&b, arg); err != nil {
			return Signature{}, fmt.Errorf("argument %d: %w", i, err)
		}
	}
	return Parse(b.String())
}

// parseTypes parses a sequence of complete types. When inStruct is
// true, parsing stops at ')' and returns the rest including it.
func parseTypes(raw string, inStruct bool) ([]Type, string, error) {
	var types []Type
	rest := raw
	for rest != "" {
		if inStruct && rest[0] == ')' {
			break
		}
		t, remainder, err := parseOne(rest)
		if err != nil {
			return nil, "", err
		}
		types = append(types, t)
		rest = remainder
	}
	return types, rest, nil
}

// parseOne parses exactly one complete type from the front of raw.
func parseOne(raw string) (Type, string, error) {
	if raw == "" {
		return Type{}, "", errors.New("unexpected end of signature")
	}
	switch raw[0] {
	case 'b':
		return Type{Kind: KindBool}, raw[1:], nil
	case 'i':
		return Type{Kind: KindInt}, raw[1:], nil
	case 'd':
		return Type{Kind: KindDouble}, raw[1:], nil
	case 's':
		return Type{Kind: KindString}, raw[1:], nil
	case 'y':
		return Type{Kind: KindBytes}, raw[1:], nil
	case 'v':
		return Type{Kind: KindVariant}, raw[1:], nil
	case 'a':
		if strings.HasPrefix(raw, "a{s") {
			elem, rest, err := parseOne(raw[3:])
			if err != nil {
				return Type{}, "", err
			}
			if rest == "" || rest[0] != '}' {
				return Type{}, "", errors.New("unterminated dict type (missing '}')")
			}
			return Type{Kind: KindDict, Elem: &elem}, rest[1:], nil
		}
		if strings.HasPrefix(raw, "a{") {
			return Type{}, "", errors.New("dict keys must be strings (expected 'a{s')")
		}
		elem, rest, err := parseOne(raw[1:])
		if err != nil {
			return Type{}, "", err
		}
		return Type{Kind: KindArray, Elem: &elem}, rest, nil
	case '(':
		fields, rest, err := parseTypes(raw[1:], true)
		if err != nil {
			return Type{}, "", err
		}
		if rest == "" || rest[0] != ')' {
			return Type{}, "", errors.New("unterminated struct type (missing ')')")
		}
		if len(fields) == 0 {
			return Type{}, "", errors.New("empty struct type '()'")
		}
		return Type{Kind: KindStruct, Fields: fields}, rest[1:], nil
	default:
		return Type{}, "", fmt.Errorf("unknown type code %q", raw[0])
	}
}

// checkValue reports whether value inhabits t.
func checkValue(t Type, value any) error {
	switch t.Kind {
	case KindBool:
		if _, ok := value.(bool); !ok {
			return fmt.Errorf("expected bool, got %T", value)
		}
	case KindInt:
		switch value.(type) {
		case int64, int, int32, uint64, uint32:
		default:
			return fmt.Errorf("expected integer, got %T", value)
		}
	case KindDouble:
		if _, ok := value.(float64); !ok {
			return fmt.Errorf("expected double, got %T", value)
		}
	case KindString:
		if _, ok := value.(string); !ok {
			return fmt.Errorf("expected string, got %T", value)
		}
	case KindBytes:
		if _, ok := value.([]byte); !ok {
			return fmt.Errorf("expected bytes, got %T", value)
		}
	case KindVariant:
		// Any single value.
	case KindArray:
		arr, ok := value.([]any)
		if !ok {
			return fmt.Errorf("expected array, got %T", value)
		}
		for i, element := range arr {
			if err := checkValue(*t.Elem, element); err != nil {
				return fmt.Errorf("array element %d: %w", i, err)
			}
		}
	case KindDict:
		m, ok := value.(map[string]any)
		if !ok {
			return fmt.Errorf("expected string-keyed map, got %T", value)
		}
		for key, element := range m {
			if err := checkValue(*t.Elem, element); err != nil {
				return fmt.Errorf("dict entry %q: %w", key, err)
			}
		}
	case KindStruct:
		arr, ok := value.([]any)
		if !ok {
			return fmt.Errorf("expected struct (array), got %T", value)
		}
		if len(arr) != len(t.Fields) {
			return fmt.Errorf("struct has %d fields, expected %d", len(arr), len(t.Fields))
		}
		for i, field := range t.Fields {
			if err := checkValue(field, arr[i]); err != nil {
				return fmt.Errorf("struct field %d: %w", i, err)
			}
		}
	default:
		return fmt.Errorf("unknown kind %d", t.Kind)
	}
	return nil
}

// writeTypeOf appends the inferred type code for value to b.
func writeTypeOf(b *strings.Builder, value any) error {
	switch v := value.(type) {
	case bool:
		b.WriteByte('b')
	case int64, int, int32, uint64, uint32:
		b.WriteByte('i')
	case float64:
		b.WriteByte('d')
	case string:
		b.WriteByte('s')
	case []byte:
		b.WriteByte('y')
	case []any:
		elem, uniform := uniformElementType(v)
		if !uniform {
			b.WriteString("av")
			return nil
		}
		b.WriteByte('a')
		b.WriteString(elem)
	case map[string]any:
		elem, uniform := uniformMapElementType(v)
		if !uniform {
			b.WriteString("a{sv}")
			return nil
		}
		b.WriteString("a{s")
		b.WriteString(elem)
		b.WriteByte('}')
	case nil:
		return errors.New("cannot infer the type of nil")
	default:
		return fmt.Errorf("cannot infer the type of %T", value)
	}
	return nil
}

// uniformElementType infers a shared element signature for an array.
// Empty or mixed arrays report uniform == false and are typed 'av' by
// the caller.
func uniformElementType(arr []any) (string, bool) {
	if len(arr) == 0 {
		return "", false
	}
	var first string
	for i, element := range arr {
		var b strings.Builder
		if err := writeTypeOf(&b, element); err != nil {
			return "", false
		}
		if i == 0 {
			first = b.String()
			continue
		}
		if b.String() != first {
			return "", false
		}
	}
	return first, true
}

// uniformMapElementType is uniformElementType over map values.
func uniformMapElementType(m map[string]any) (string, bool) {
	if len(m) == 0 {
		return "", false
	}
	var first string
	started := false
	for _, element := range m {
		var b strings.Builder
		if err := writeTypeOf(&b, element); err != nil {
			return "", false
		}
		if !started {
			first = b.String()
			started = true
			continue
		}
		if b.String() != first {
			return "", false
		}
	}
	return first, true
}
