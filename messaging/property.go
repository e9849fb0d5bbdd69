// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package messaging

import (
	"fmt"

	"github.com/mmeeks/gdbus-standalone-sub002/lib/ref"
	"github.com/mmeeks/gdbus-standalone-sub002/lib/schema"
	"github.com/mmeeks/gdbus-standalone-sub002/lib/signature"
	"github.com/mmeeks/gdbus-standalone-sub002/transport"
)

// dispatchProperties serves bus.Properties calls. The property lookup
// and access-mode checks happen under the connection mutex; the
// getter or setter itself runs on the exporting interface's Loop.
func (c *Conn) dispatchProperties(m *transport.Message) {
	switch m.Member {
	case memberGet:
		c.propertyGet(m)
	case memberSet:
		c.propertySet(m)
	case memberGetAll:
		c.propertyGetAll(m)
	default:
		c.sendError(m, ErrorUnknownMethod, fmt.Sprintf("no method %s on %s", m.Member, m.Interface))
	}
}

// stringArgs extracts n leading string arguments, guarding against a
// body that does not match the declared signature.
func stringArgs(args []any, n int) ([]string, bool) {
	if len(args) < n {
		return nil, false
	}
	out := make([]string, n)
	for i := range n {
		s, ok := args[i].(string)
		if !ok {
			return nil, false
		}
		out[i] = s
	}
	return out, true
}

// propertyTarget resolves the (interface, property) named in a Get or
// Set call against the export table.
func (c *Conn) propertyTarget(m *transport.Message, ifaceArg, propArg string) (*exportedInterface, schema.Property, bool) {
	var zero schema.Property
	iface, err := ref.ParseInterfaceName(ifaceArg)
	if err != nil {
		c.sendError(m, ErrorInvalidArgs, fmt.Sprintf("interface name: %v", err))
		return nil, zero, false
	}
	prop, err := ref.ParseMemberName(propArg)
	if err != nil {
		c.sendError(m, ErrorInvalidArgs, fmt.Sprintf("property name: %v", err))
		return nil, zero, false
	}

	c.mu.Lock()
	obj := c.exports.objects[m.Path]
	if obj == nil {
		c.mu.Unlock()
		c.sendError(m, ErrorUnknownObject, fmt.Sprintf("no object exported at %s", m.Path))
		return nil, zero, false
	}
	entry := obj.lookup(iface)
	c.mu.Unlock()
	if entry == nil {
		c.sendError(m, ErrorUnknownInterface, fmt.Sprintf("no interface %s at %s", iface, m.Path))
		return nil, zero, false
	}
	declared, ok := entry.export.Interface.Property(prop)
	if !ok {
		c.sendError(m, ErrorUnknownProperty, fmt.Sprintf("no property %s on %s", prop, iface))
		return nil, zero, false
	}
	return entry, declared, true
}

func (c *Conn) propertyGet(m *transport.Message) {
	if m.Signature != "ss" {
		c.sendError(m, ErrorInvalidArgs, "Get takes an interface name and a property name")
		return
	}
	args, err := m.Args()
	if err != nil {
		c.sendError(m, ErrorInvalidArgs, fmt.Sprintf("decoding Get arguments: %v", err))
		return
	}
	names, ok := stringArgs(args, 2)
	if !ok {
		c.sendError(m, ErrorInvalidArgs, "Get takes an interface name and a property name")
		return
	}
	entry, declared, ok := c.propertyTarget(m, names[0], names[1])
	if !ok {
		return
	}
	if !declared.Readable {
		c.sendError(m, ErrorPropertyWriteOnly, fmt.Sprintf("property %s is not readable", declared.Name))
		return
	}

	get := entry.export.GetProperty
	ifaceName := entry.export.Interface.Name
	entry.loop.postHigh(func() {
		value, err := get(declared.Name)
		if err != nil {
			c.sendError(m, ErrorFailed, fmt.Sprintf("reading %s.%s: %v", ifaceName, declared.Name, err))
			return
		}
		if err := checkPropertyValue(declared, value); err != nil {
			c.logger.Error("property getter returned a value of the wrong type",
				"interface", ifaceName,
				"property", declared.Name,
				"declared", declared.Signature,
				"error", err,
			)
			c.sendError(m, ErrorFailed, fmt.Sprintf("property %s has an internal type error", declared.Name))
			return
		}
		reply, err := transport.NewReply(m, value)
		if err != nil {
			c.sendError(m, ErrorFailed, fmt.Sprintf("encoding %s value: %v", declared.Name, err))
			return
		}
		// A Get reply is typed as a variant; the caller recovers the
		// concrete type from the value itself.
		reply.Signature = "v"
		c.send(reply)
	})
}

func (c *Conn) propertySet(m *transport.Message) {
	if m.Signature != "ssv" {
		c.sendError(m, ErrorInvalidArgs, "Set takes an interface name, a property name, and a value")
		return
	}
	args, err := m.Args()
	if err != nil {
		c.sendError(m, ErrorInvalidArgs, fmt.Sprintf("decoding Set arguments: %v", err))
		return
	}
	names, ok := stringArgs(args, 2)
	if !ok || len(args) != 3 {
		c.sendError(m, ErrorInvalidArgs, "Set takes an interface name, a property name, and a value")
		return
	}
	entry, declared, ok := c.propertyTarget(m, names[0], names[1])
	if !ok {
		return
	}
	if !declared.Writable {
		c.sendError(m, ErrorPropertyReadOnly, fmt.Sprintf("property %s is not writable", declared.Name))
		return
	}
	value := args[2]
	if err := checkPropertyValue(declared, value); err != nil {
		c.sendError(m, ErrorInvalidArgs,
			fmt.Sprintf("property %s takes %q: %v", declared.Name, declared.Signature, err))
		return
	}

	set := entry.export.SetProperty
	ifaceName := entry.export.Interface.Name
	entry.loop.postHigh(func() {
		if err := set(declared.Name, value); err != nil {
			c.sendError(m, ErrorFailed, fmt.Sprintf("writing %s.%s: %v", ifaceName, declared.Name, err))
			return
		}
		c.replyTo(m)
	})
}

// propertyGetAll aggregates every readable property of an interface.
// Properties whose getter fails are omitted from the reply with no
// diagnostic to the caller; the reply does not distinguish "not
// readable" from "getter failed". A local debug log records each
// omission.
func (c *Conn) propertyGetAll(m *transport.Message) {
	if m.Signature != "s" {
		c.sendError(m, ErrorInvalidArgs, "GetAll takes an interface name")
		return
	}
	args, err := m.Args()
	if err != nil {
		c.sendError(m, ErrorInvalidArgs, fmt.Sprintf("decoding GetAll arguments: %v", err))
		return
	}
	names, ok := stringArgs(args, 1)
	if !ok {
		c.sendError(m, ErrorInvalidArgs, "GetAll takes an interface name")
		return
	}
	iface, err := ref.ParseInterfaceName(names[0])
	if err != nil {
		c.sendError(m, ErrorInvalidArgs, fmt.Sprintf("interface name: %v", err))
		return
	}

	c.mu.Lock()
	obj := c.exports.objects[m.Path]
	if obj == nil {
		c.mu.Unlock()
		c.sendError(m, ErrorUnknownObject, fmt.Sprintf("no object exported at %s", m.Path))
		return
	}
	entry := obj.lookup(iface)
	c.mu.Unlock()
	if entry == nil {
		c.sendError(m, ErrorUnknownInterface, fmt.Sprintf("no interface %s at %s", iface, m.Path))
		return
	}

	var readable []schema.Property
	for _, prop := range entry.export.Interface.Properties {
		if prop.Readable {
			readable = append(readable, prop)
		}
	}
	get := entry.export.GetProperty
	ifaceName := entry.export.Interface.Name
	entry.loop.postHigh(func() {
		values := make(map[string]any, len(readable))
		for _, prop := range readable {
			value, err := get(prop.Name)
			if err != nil {
				c.logger.Debug("GetAll omitting property",
					"interface", ifaceName,
					"property", prop.Name,
					"error", err,
				)
				continue
			}
			if err := checkPropertyValue(prop, value); err != nil {
				c.logger.Debug("GetAll omitting property",
					"interface", ifaceName,
					"property", prop.Name,
					"error", err,
				)
				continue
			}
			values[prop.Name.String()] = value
		}
		reply, err := transport.NewReply(m, values)
		if err != nil {
			c.sendError(m, ErrorFailed, fmt.Sprintf("encoding GetAll reply: %v", err))
			return
		}
		reply.Signature = "a{sv}"
		c.send(reply)
	})
}

// checkPropertyValue validates a value against a property's declared
// single-type signature.
func checkPropertyValue(prop schema.Property, value any) error {
	declared, err := signature.Parse(prop.Signature)
	if err != nil {
		// Export validation makes this unreachable.
		return err
	}
	return declared.Check([]any{value})
}
