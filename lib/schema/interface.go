// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package schema

import (
	"fmt"

	"github.com/mmeeks/gdbus-standalone-sub002/lib/ref"
	"github.com/mmeeks/gdbus-standalone-sub002/lib/signature"
)

// Interface is the schema for one interface: its name and the ordered
// lists of members it exposes. Order is preserved from the definition
// (Go literal or YAML file) and reproduced in introspection output.
type Interface struct {
	// Name is the interface name (e.g., "com.example.Player").
	Name ref.InterfaceName `yaml:"name" json:"name"`

	// Methods are the callable methods, in declaration order.
	Methods []Method `yaml:"methods,omitempty" json:"methods,omitempty"`

	// Signals are the broadcast notifications this interface emits,
	// in declaration order.
	Signals []Signal `yaml:"signals,omitempty" json:"signals,omitempty"`

	// Properties are the readable/writable named values, in
	// declaration order.
	Properties []Property `yaml:"properties,omitempty" json:"properties,omitempty"`
}

// Method describes one callable method.
type Method struct {
	// Name is the method name within the interface.
	Name ref.MemberName `yaml:"name" json:"name"`

	// In is the signature of the argument tuple (e.g., "si"). Empty
	// means the method takes no arguments.
	In string `yaml:"in,omitempty" json:"in,omitempty"`

	// Out is the signature of the return tuple. Empty means the
	// method returns no values (the reply is still sent).
	Out string `yaml:"out,omitempty" json:"out,omitempty"`
}

// Signal describes one signal this interface emits.
type Signal struct {
	// Name is the signal name within the interface.
	Name ref.MemberName `yaml:"name" json:"name"`

	// Signature is the signature of the signal's payload tuple.
	Signature string `yaml:"signature,omitempty" json:"signature,omitempty"`
}

// Property describes one named value.
type Property struct {
	// Name is the property name within the interface.
	Name ref.MemberName `yaml:"name" json:"name"`

	// Signature is the single-type signature of the value (e.g., "s").
	Signature string `yaml:"signature" json:"signature"`

	// Readable marks the property as servable by Get and GetAll.
	Readable bool `yaml:"readable" json:"readable"`

	// Writable marks the property as servable by Set.
	Writable bool `yaml:"writable" json:"writable"`
}

// Validate checks the whole interface definition: a non-zero name,
// unique member names per list, parseable signatures, and at least one
// access mode on every property. Registration calls this eagerly so a
// malformed schema is reported to the registering caller, never to a
// remote peer mid-call.
func (in *Interface) Validate() error {
	if in.Name.IsZero() {
		return fmt.Errorf("schema: interface has no name")
	}

	methodNames := make(map[string]bool, len(in.Methods))
	for _, method := range in.Methods {
		if method.Name.IsZero() {
			return fmt.Errorf("schema: interface %s has a method with no name", in.Name)
		}
		if methodNames[method.Name.String()] {
			return fmt.Errorf("schema: interface %s declares method %s twice", in.Name, method.Name)
		}
		methodNames[method.Name.String()] = true
		if _, err := signature.Parse(method.In); err != nil {
			return fmt.Errorf("schema: method %s.%s input: %w", in.Name, method.Name, err)
		}
		if _, err := signature.Parse(method.Out); err != nil {
			return fmt.Errorf("schema: method %s.%s output: %w", in.Name, method.Name, err)
		}
	}

	signalNames := make(map[string]bool, len(in.Signals))
	for _, sig := range in.Signals {
		if sig.Name.IsZero() {
			return fmt.Errorf("schema: interface %s has a signal with no name", in.Name)
		}
		if signalNames[sig.Name.String()] {
			return fmt.Errorf("schema: interface %s declares signal %s twice", in.Name, sig.Name)
		}
		signalNames[sig.Name.String()] = true
		if _, err := signature.Parse(sig.Signature); err != nil {
			return fmt.Errorf("schema: signal %s.%s: %w", in.Name, sig.Name, err)
		}
	}

	propertyNames := make(map[string]bool, len(in.Properties))
	for _, property := range in.Properties {
		if property.Name.IsZero() {
			return fmt.Errorf("schema: interface %s has a property with no name", in.Name)
		}
		if propertyNames[property.Name.String()] {
			return fmt.Errorf("schema: interface %s declares property %s twice", in.Name, property.Name)
		}
		propertyNames[property.Name.String()] = true
		if _, err := signature.ParseSingle(property.Signature); err != nil {
			return fmt.Errorf("schema: property %s.%s: %w", in.Name, property.Name, err)
		}
		if !property.Readable && !property.Writable {
			return fmt.Errorf("schema: property %s.%s is neither readable nor writable", in.Name, property.Name)
		}
	}

	return nil
}

// Method returns the named method, or false if the interface does not
// declare it.
func (in *Interface) Method(name ref.MemberName) (Method, bool) {
	for _, method := range in.Methods {
		if method.Name == name {
			return method, true
		}
	}
	return Method{}, false
}

// Signal returns the named signal, or false if the interface does not
// declare it.
func (in *Interface) Signal(name ref.MemberName) (Signal, bool) {
	for _, sig := range in.Signals {
		if sig.Name == name {
			return sig, true
		}
	}
	return Signal{}, false
}

// Property returns the named property, or false if the interface does
// not declare it.
func (in *Interface) Property(name ref.MemberName) (Property, bool) {
	for _, property := range in.Properties {
		if property.Name == name {
			return property, true
		}
	}
	return Property{}, false
}
