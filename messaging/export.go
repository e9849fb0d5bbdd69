// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package messaging

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/mmeeks/gdbus-standalone-sub002/lib/ref"
	"github.com/mmeeks/gdbus-standalone-sub002/lib/schema"
	"github.com/mmeeks/gdbus-standalone-sub002/transport"
)

// registrationIDs issues process-unique registration ids, starting at
// 1. Never reused; overflow is not handled.
var registrationIDs atomic.Uint64

// Export describes one interface served at an object path.
type Export struct {
	// Interface is the schema the exported interface implements.
	// Required; validated eagerly at export time.
	Interface *schema.Interface

	// OnCall handles method invocations. The call's arguments were
	// already checked against the schema's input signature when the
	// handler runs. If nil, every method call is answered with an
	// UnknownMethod error.
	OnCall func(inv *Invocation)

	// GetProperty serves property reads for Get and GetAll. Required
	// when the schema declares readable properties.
	GetProperty func(property ref.MemberName) (any, error)

	// SetProperty serves property writes. Required when the schema
	// declares writable properties.
	SetProperty func(property ref.MemberName, value any) error

	// Loop is the execution context handlers run on. If nil, the
	// connection's default Loop is used.
	Loop *Loop

	// OnUnregister, if set, runs once when the export is removed (by
	// Unexport, a Binding release, or connection teardown), outside
	// the connection lock.
	OnUnregister func()
}

// validate checks the export eagerly so a malformed registration is a
// caller error, never a dispatch-time surprise.
func (e Export) validate() error {
	if e.Interface == nil {
		return fmt.Errorf("messaging: Export.Interface is required")
	}
	if err := e.Interface.Validate(); err != nil {
		return fmt.Errorf("messaging: export of %s: %w", e.Interface.Name, err)
	}
	for _, prop := range e.Interface.Properties {
		if prop.Readable && e.GetProperty == nil {
			return fmt.Errorf("messaging: export of %s: readable property %s but no GetProperty handler", e.Interface.Name, prop.Name)
		}
		if prop.Writable && e.SetProperty == nil {
			return fmt.Errorf("messaging: export of %s: writable property %s but no SetProperty handler", e.Interface.Name, prop.Name)
		}
	}
	return nil
}

// exportedInterface is the table's record of one Export.
type exportedInterface struct {
	id     uint64
	path   ref.ObjectPath
	export Export
	loop   *Loop
}

// exportedObject groups the interfaces at one path. An object with no
// interfaces is removed and its path claim released.
type exportedObject struct {
	path ref.ObjectPath
	// interfaces preserves registration order for introspection.
	interfaces []*exportedInterface
}

func (o *exportedObject) lookup(name ref.InterfaceName) *exportedInterface {
	for _, entry := range o.interfaces {
		if entry.export.Interface.Name == name {
			return entry
		}
	}
	return nil
}

// exportTable holds every exported interface. Plain bookkeeping: the
// connection mutex guards every method.
type exportTable struct {
	objects map[ref.ObjectPath]*exportedObject
	byID    map[uint64]*exportedInterface
}

func newExportTable() *exportTable {
	return &exportTable{
		objects: make(map[ref.ObjectPath]*exportedObject),
		byID:    make(map[uint64]*exportedInterface),
	}
}

// add inserts an export. Returns the new record and whether this is
// the first interface at the path (the caller then claims the path
// with the transport). Fails with ErrInterfaceInUse when the (path,
// interface) pair is occupied.
func (t *exportTable) add(path ref.ObjectPath, export Export, loop *Loop) (*exportedInterface, bool, error) {
	obj := t.objects[path]
	if obj != nil && obj.lookup(export.Interface.Name) != nil {
		return nil, false, fmt.Errorf("%w: %s at %s", ErrInterfaceInUse, export.Interface.Name, path)
	}
	firstAtPath := obj == nil
	if obj == nil {
		obj = &exportedObject{path: path}
		t.objects[path] = obj
	}
	entry := &exportedInterface{
		id:     registrationIDs.Add(1),
		path:   path,
		export: export,
		loop:   loop,
	}
	obj.interfaces = append(obj.interfaces, entry)
	t.byID[entry.id] = entry
	return entry, firstAtPath, nil
}

// dropEmptyObject removes the object created for a path claim that
// was subsequently refused by the transport.
func (t *exportTable) dropEmptyObject(path ref.ObjectPath, entry *exportedInterface) {
	delete(t.byID, entry.id)
	delete(t.objects, path)
}

// remove detaches the export with the given id. Returns the record
// (nil for unknown ids) and whether its path emptied (the caller then
// releases the path claim).
func (t *exportTable) remove(id uint64) (*exportedInterface, bool) {
	entry, ok := t.byID[id]
	if !ok {
		return nil, false
	}
	delete(t.byID, id)
	obj := t.objects[entry.path]
	for i, e := range obj.interfaces {
		if e == entry {
			obj.interfaces = append(obj.interfaces[:i], obj.interfaces[i+1:]...)
			break
		}
	}
	if len(obj.interfaces) > 0 {
		return entry, false
	}
	delete(t.objects, entry.path)
	return entry, true
}

// purge empties the table and returns every record so the caller can
// run OnUnregister hooks outside the lock.
func (t *exportTable) purge() []*exportedInterface {
	var out []*exportedInterface
	for _, entry := range t.byID {
		out = append(out, entry)
	}
	t.objects = make(map[ref.ObjectPath]*exportedObject)
	t.byID = make(map[uint64]*exportedInterface)
	return out
}

// Export registers an interface at path. The first interface at a
// previously-unused path also claims the path with the transport;
// ErrPathInUse reports a claim held by a different exporter.
// Registration ids are process-unique, monotonically increasing, and
// never reused.
func (c *Conn) Export(path ref.ObjectPath, export Export) (uint64, error) {
	if path.IsZero() {
		return 0, fmt.Errorf("messaging: export requires an object path")
	}
	if err := export.validate(); err != nil {
		return 0, err
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return 0, ErrNotConnected
	}
	loop := export.Loop
	if loop == nil {
		loop = c.defaultLoop
	}
	entry, firstAtPath, err := c.exports.add(path, export, loop)
	if err != nil {
		c.mu.Unlock()
		return 0, err
	}
	if firstAtPath && !c.transport.ClaimPath(path) {
		c.exports.dropEmptyObject(path, entry)
		c.mu.Unlock()
		return 0, fmt.Errorf("%w: %s", ErrPathInUse, path)
	}
	c.mu.Unlock()

	c.logger.Debug("interface exported",
		"path", path,
		"interface", export.Interface.Name,
		"registration_id", entry.id,
	)
	return entry.id, nil
}

// Unexport removes a registration by id. Returns false for unknown
// ids, including ids already removed by a Binding release or
// connection teardown.
func (c *Conn) Unexport(id uint64) bool {
	c.mu.Lock()
	entry, pathEmptied := c.exports.remove(id)
	if entry == nil {
		c.mu.Unlock()
		return false
	}
	live := !c.closed
	c.mu.Unlock()

	if pathEmptied && live {
		c.transport.ReleasePath(entry.path)
	}
	if entry.export.OnUnregister != nil {
		entry.export.OnUnregister()
	}
	c.logger.Debug("interface unexported",
		"path", entry.path,
		"interface", entry.export.Interface.Name,
		"registration_id", entry.id,
	)
	return true
}

// Binding ties an export's lifetime to the value it serves. The
// value's owner calls Release on destruction, which unregisters the
// export; a later Unexport of the same id then reports false.
type Binding struct {
	conn *Conn
	id   uint64
	once sync.Once
}

// Bind returns a Binding for a registration id.
func (c *Conn) Bind(id uint64) *Binding {
	return &Binding{conn: c, id: id}
}

// Release unregisters the bound export. Safe to call more than once;
// only the first call acts.
func (b *Binding) Release() {
	b.once.Do(func() { b.conn.Unexport(b.id) })
}

// dispatchCall routes an inbound method call to the export table. The
// connection mutex is held only for lookup; handlers are posted to
// their Loop.
func (c *Conn) dispatchCall(m *transport.Message) {
	if isBuiltinInterface(m.Interface) {
		c.dispatchBuiltin(m)
		return
	}

	c.mu.Lock()
	obj := c.exports.objects[m.Path]
	if obj == nil {
		c.mu.Unlock()
		c.sendError(m, ErrorUnknownObject, fmt.Sprintf("no object exported at %s", m.Path))
		return
	}
	var entry *exportedInterface
	var method schema.Method
	if m.Interface.IsZero() {
		// Interface-less call: search the path's interfaces for a
		// unique method of that name.
		for _, candidate := range obj.interfaces {
			if found, ok := candidate.export.Interface.Method(m.Member); ok {
				if entry != nil {
					c.mu.Unlock()
					c.sendError(m, ErrorInvalidArgs, fmt.Sprintf("method %s is ambiguous without an interface", m.Member))
					return
				}
				entry = candidate
				method = found
			}
		}
		if entry == nil {
			c.mu.Unlock()
			c.sendError(m, ErrorUnknownMethod, fmt.Sprintf("no method %s at %s", m.Member, m.Path))
			return
		}
	} else {
		entry = obj.lookup(m.Interface)
		if entry == nil {
			c.mu.Unlock()
			c.sendError(m, ErrorUnknownInterface, fmt.Sprintf("no interface %s at %s", m.Interface, m.Path))
			return
		}
		found, ok := entry.export.Interface.Method(m.Member)
		if !ok {
			c.mu.Unlock()
			c.sendError(m, ErrorUnknownMethod, fmt.Sprintf("no method %s on %s", m.Member, m.Interface))
			return
		}
		method = found
	}
	loop := entry.loop
	onCall := entry.export.OnCall
	ifaceName := entry.export.Interface.Name
	c.mu.Unlock()

	if m.Signature != method.In {
		c.sendError(m, ErrorInvalidArgs,
			fmt.Sprintf("method %s.%s takes %q, got %q", ifaceName, m.Member, method.In, m.Signature))
		return
	}
	if onCall == nil {
		c.sendError(m, ErrorUnknownMethod, fmt.Sprintf("method %s.%s is not handled", ifaceName, m.Member))
		return
	}

	// The resolved interface travels on the invocation even when the
	// call omitted it.
	call := *m
	call.Interface = ifaceName
	inv := &Invocation{conn: c, call: &call, method: method}
	loop.postHigh(func() { onCall(inv) })
}
