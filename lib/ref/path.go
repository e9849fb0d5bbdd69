// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package ref

import (
	"fmt"
	"strings"
)

// ObjectPath identifies an exported object on a connection. Paths look
// like filesystem paths: they start with '/', segments are separated by
// single slashes, and each segment contains only [A-Za-z0-9_]. The root
// path "/" is valid; no other path may end in a slash.
type ObjectPath struct {
	path string
}

// RootPath is the root object path "/".
var RootPath = ObjectPath{path: "/"}

// ParseObjectPath validates raw and returns it as an ObjectPath.
func ParseObjectPath(raw string) (ObjectPath, error) {
	if raw == "" {
		return ObjectPath{}, fmt.Errorf("object path is empty")
	}
	if raw[0] != '/' {
		return ObjectPath{}, fmt.Errorf("object path %q must start with /", raw)
	}
	if raw == "/" {
		return RootPath, nil
	}
	if raw[len(raw)-1] == '/' {
		return ObjectPath{}, fmt.Errorf("object path %q must not end with /", raw)
	}
	for _, segment := range strings.Split(raw[1:], "/") {
		if segment == "" {
			return ObjectPath{}, fmt.Errorf("object path %q contains empty segment (double slash)", raw)
		}
		for i := 0; i < len(segment); i++ {
			if !pathSegmentChars[segment[i]] {
				return ObjectPath{}, fmt.Errorf("object path %q: invalid character %q in segment %q (allowed: A-Z, a-z, 0-9, _)", raw, segment[i], segment)
			}
		}
	}
	return ObjectPath{path: raw}, nil
}

// MustObjectPath is ParseObjectPath that panics on error. For constants
// and tests only.
func MustObjectPath(raw string) ObjectPath {
	p, err := ParseObjectPath(raw)
	if err != nil {
		panic("ref: " + err.Error())
	}
	return p
}

// String returns the canonical path string.
func (p ObjectPath) String() string {
	return p.path
}

// IsZero reports whether the path is the zero value (absent).
func (p ObjectPath) IsZero() bool {
	return p.path == ""
}

// IsRoot reports whether the path is "/".
func (p ObjectPath) IsRoot() bool {
	return p.path == "/"
}

// Child returns the path one segment below p. Panics if segment is not
// a valid path segment — callers pass literals or already-validated
// segments.
func (p ObjectPath) Child(segment string) ObjectPath {
	if p.IsRoot() {
		return MustObjectPath("/" + segment)
	}
	return MustObjectPath(p.path + "/" + segment)
}

// ChildSegment returns the first path segment of other below p, and
// whether other is strictly below p at all. Used to synthesize the
// immediate child nodes in introspection output:
//
//	MustObjectPath("/a").ChildSegment(MustObjectPath("/a/b/c")) → ("b", true)
//	MustObjectPath("/a").ChildSegment(MustObjectPath("/x"))     → ("", false)
func (p ObjectPath) ChildSegment(other ObjectPath) (string, bool) {
	if p.IsZero() || other.IsZero() || p.path == other.path {
		return "", false
	}
	prefix := p.path
	if !p.IsRoot() {
		prefix += "/"
	}
	rest, ok := strings.CutPrefix(other.path, prefix)
	if !ok {
		return "", false
	}
	segment, _, _ := strings.Cut(rest, "/")
	return segment, true
}

// MarshalText implements encoding.TextMarshaler. The zero value
// marshals to empty text, the inverse of UnmarshalText; codecs elide
// the empty string for fields marked omitempty.
func (p ObjectPath) MarshalText() ([]byte, error) {
	return []byte(p.path), nil
}

// UnmarshalText implements encoding.TextUnmarshaler. Empty input
// produces the zero value (matching the omitempty convention for
// optional paths).
func (p *ObjectPath) UnmarshalText(data []byte) error {
	if len(data) == 0 {
		*p = ObjectPath{}
		return nil
	}
	parsed, err := ParseObjectPath(string(data))
	if err != nil {
		return fmt.Errorf("unmarshal ObjectPath: %w", err)
	}
	*p = parsed
	return nil
}

// pathSegmentChars is the set of characters permitted in an object path
// segment.
var pathSegmentChars [256]bool

func init() {
	for c := byte('a'); c <= 'z'; c++ {
		pathSegmentChars[c] = true
	}
	for c := byte('A'); c <= 'Z'; c++ {
		pathSegmentChars[c] = true
	}
	for c := byte('0'); c <= '9'; c++ {
		pathSegmentChars[c] = true
	}
	pathSegmentChars['_'] = true
}
