// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package schema

import (
	"encoding/json"
	"fmt"
	"slices"

	"github.com/mmeeks/gdbus-standalone-sub002/lib/ref"
)

// Node is the introspection document for one object path: every
// interface registered there (built-ins included) plus the names of
// the immediate child nodes below the path. It is synthesized from
// registry state alone — building a Node never invokes handler code.
type Node struct {
	// Path is the object path this document describes.
	Path ref.ObjectPath `json:"path"`

	// Interfaces are the schemas exposed at this path, built-in
	// interfaces first, then registered interfaces in registration
	// order.
	Interfaces []Interface `json:"interfaces,omitempty"`

	// Children are the immediate child path segments below Path,
	// sorted and deduplicated.
	Children []string `json:"children,omitempty"`
}

// AddChild records a child segment, keeping Children sorted and
// free of duplicates.
func (n *Node) AddChild(segment string) {
	index, found := slices.BinarySearch(n.Children, segment)
	if found {
		return
	}
	n.Children = slices.Insert(n.Children, index, segment)
}

// Interface returns the named interface's schema within the document,
// or false if the path does not expose it.
func (n *Node) Interface(name ref.InterfaceName) (*Interface, bool) {
	for i := range n.Interfaces {
		if n.Interfaces[i].Name == name {
			return &n.Interfaces[i], true
		}
	}
	return nil, false
}

// Document returns the serialized form of the node. The introspection
// built-in returns this as a string so any peer can read it without
// sharing Go types.
func (n *Node) Document() (string, error) {
	data, err := json.MarshalIndent(n, "", "  ")
	if err != nil {
		return "", fmt.Errorf("schema: encoding introspection document: %w", err)
	}
	return string(data), nil
}

// ParseNode decodes a document produced by Node.Document. Clients use
// this to inspect a remote object's surface.
func ParseNode(document string) (*Node, error) {
	var n Node
	if err := json.Unmarshal([]byte(document), &n); err != nil {
		return nil, fmt.Errorf("schema: decoding introspection document: %w", err)
	}
	return &n, nil
}
