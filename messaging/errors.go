// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package messaging

import (
	"errors"
	"fmt"

	"github.com/mmeeks/gdbus-standalone-sub002/transport"
)

// BusError represents a named error reply from the bus. Callers can
// use errors.As to extract the structured information:
//
//	var busErr *BusError
//	if errors.As(err, &busErr) {
//	    if busErr.Name == ErrorUnknownMethod { ... }
//	}
type BusError struct {
	// Name is the protocol error name (e.g. "bus.error.InvalidArgs").
	Name string
	// Message is the human-readable error description.
	Message string
}

func (e *BusError) Error() string {
	return fmt.Sprintf("bus: %s: %s", e.Name, e.Message)
}

// Protocol error names used by the connection layer. Handlers may
// reply with their own domain names; these cover the errors the layer
// itself produces.
const (
	ErrorFailed            = "bus.error.Failed"
	ErrorNoMemory          = "bus.error.NoMemory"
	ErrorUnknownObject     = "bus.error.UnknownObject"
	ErrorUnknownInterface  = "bus.error.UnknownInterface"
	ErrorUnknownMethod     = "bus.error.UnknownMethod"
	ErrorUnknownProperty   = "bus.error.UnknownProperty"
	ErrorInvalidArgs       = "bus.error.InvalidArgs"
	ErrorPropertyReadOnly  = "bus.error.PropertyReadOnly"
	ErrorPropertyWriteOnly = "bus.error.PropertyWriteOnly"

	// Synthesized by the transport for requests that never reach a
	// remote reply.
	ErrorTimedOut     = transport.ErrorTimedOut
	ErrorCancelled    = transport.ErrorCancelled
	ErrorDisconnected = transport.ErrorDisconnected
)

// IsBusError checks whether err is a *BusError with the given name.
func IsBusError(err error, name string) bool {
	var busErr *BusError
	if errors.As(err, &busErr) {
		return busErr.Name == name
	}
	return false
}

// busErrorFromMessage converts a KindError reply into a *BusError.
func busErrorFromMessage(m *transport.Message) *BusError {
	return &BusError{Name: m.ErrorName, Message: m.ErrorText()}
}

// Contract-violation sentinels, distinct from BusErrors: these report
// caller bugs or local state, not remote failures.
var (
	// ErrNotConnected is returned for operations on a closed
	// connection.
	ErrNotConnected = errors.New("messaging: connection is closed")

	// ErrInterfaceInUse is returned by Export when another exporter
	// already occupies the (path, interface) pair.
	ErrInterfaceInUse = errors.New("messaging: interface already exported at this path")

	// ErrPathInUse is returned by Export when the transport refuses
	// the path claim because a different exporter holds it.
	ErrPathInUse = errors.New("messaging: object path claimed by another exporter")
)
