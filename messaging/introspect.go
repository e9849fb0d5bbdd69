// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package messaging

import (
	"fmt"

	"github.com/mmeeks/gdbus-standalone-sub002/lib/ref"
	"github.com/mmeeks/gdbus-standalone-sub002/lib/schema"
	"github.com/mmeeks/gdbus-standalone-sub002/transport"
)

// Built-in interfaces served at every exported path without user
// code.
var (
	InterfaceIntrospectable = ref.MustInterfaceName("bus.Introspectable")
	InterfaceProperties     = ref.MustInterfaceName("bus.Properties")
	InterfacePeer           = ref.MustInterfaceName("bus.Peer")

	memberIntrospect = ref.MustMemberName("Introspect")
	memberGet        = ref.MustMemberName("Get")
	memberSet        = ref.MustMemberName("Set")
	memberGetAll     = ref.MustMemberName("GetAll")
	memberPing       = ref.MustMemberName("Ping")
)

func isBuiltinInterface(name ref.InterfaceName) bool {
	return name == InterfaceIntrospectable || name == InterfaceProperties || name == InterfacePeer
}

// builtinInterfaces returns the schemas every exported path carries,
// for inclusion in introspection documents.
func builtinInterfaces() []schema.Interface {
	return []schema.Interface{
		{
			Name: InterfaceIntrospectable,
			Methods: []schema.Method{
				{Name: memberIntrospect, Out: "s"},
			},
		},
		{
			Name: InterfaceProperties,
			Methods: []schema.Method{
				{Name: memberGet, In: "ss", Out: "v"},
				{Name: memberSet, In: "ssv"},
				{Name: memberGetAll, In: "s", Out: "a{sv}"},
			},
		},
		{
			Name: InterfacePeer,
			Methods: []schema.Method{
				{Name: memberPing},
			},
		},
	}
}

// dispatchBuiltin serves calls to the built-in interfaces. Peer and
// Introspectable never touch user code; Properties hands the actual
// getter/setter work to the exporting interface's Loop.
func (c *Conn) dispatchBuiltin(m *transport.Message) {
	switch m.Interface {
	case InterfacePeer:
		if m.Member != memberPing {
			c.sendError(m, ErrorUnknownMethod, fmt.Sprintf("no method %s on %s", m.Member, m.Interface))
			return
		}
		if m.Signature != "" {
			c.sendError(m, ErrorInvalidArgs, "Ping takes no arguments")
			return
		}
		c.replyTo(m)
	case InterfaceIntrospectable:
		if m.Member != memberIntrospect {
			c.sendError(m, ErrorUnknownMethod, fmt.Sprintf("no method %s on %s", m.Member, m.Interface))
			return
		}
		if m.Signature != "" {
			c.sendError(m, ErrorInvalidArgs, "Introspect takes no arguments")
			return
		}
		c.introspect(m)
	case InterfaceProperties:
		c.dispatchProperties(m)
	}
}

// introspect synthesizes the schema document for a path: the built-in
// interfaces, every interface exported there in registration order,
// and the immediate child segments of other claimed paths below it.
// Computed from registry state alone; no handler code runs.
func (c *Conn) introspect(m *transport.Message) {
	node := &schema.Node{Path: m.Path}
	node.Interfaces = builtinInterfaces()

	c.mu.Lock()
	if obj := c.exports.objects[m.Path]; obj != nil {
		for _, entry := range obj.interfaces {
			node.Interfaces = append(node.Interfaces, *entry.export.Interface)
		}
	}
	c.mu.Unlock()

	for _, segment := range c.transport.ChildPaths(m.Path) {
		node.AddChild(segment)
	}

	doc, err := node.Document()
	if err != nil {
		c.sendError(m, ErrorFailed, fmt.Sprintf("synthesizing introspection document: %v", err))
		return
	}
	c.replyTo(m, doc)
}

// replyTo sends a successful reply to m carrying args.
func (c *Conn) replyTo(m *transport.Message, args ...any) {
	if m.NoReply {
		return
	}
	reply, err := transport.NewReply(m, args...)
	if err != nil {
		c.logger.Error("encoding built-in reply failed",
			"interface", m.Interface,
			"member", m.Member,
			"error", err,
		)
		return
	}
	c.send(reply)
}
