// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"fmt"

	"github.com/mmeeks/gdbus-standalone-sub002/lib/codec"
	"github.com/mmeeks/gdbus-standalone-sub002/lib/ref"
	"github.com/mmeeks/gdbus-standalone-sub002/lib/signature"
)

// Kind discriminates the four message types on the wire.
type Kind uint8

const (
	// KindCall is a method call, expecting a reply unless NoReply is
	// set.
	KindCall Kind = iota + 1
	// KindReply is a successful method return.
	KindReply
	// KindError is a failed method return, named by ErrorName.
	KindError
	// KindSignal is a broadcast notification.
	KindSignal
)

// String returns the lowercase kind name for logging.
func (k Kind) String() string {
	switch k {
	case KindCall:
		return "call"
	case KindReply:
		return "reply"
	case KindError:
		return "error"
	case KindSignal:
		return "signal"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// Message is the wire envelope. Zero-valued optional fields are
// omitted from the encoding. The Body is an opaque pre-encoded CBOR
// argument tuple; Signature declares its type.
type Message struct {
	// Kind is the message type. Required.
	Kind Kind `cbor:"kind"`

	// Serial identifies this message on its sending connection.
	// Assigned by the transport at send time; zero until then.
	Serial uint64 `cbor:"serial,omitempty"`

	// ReplySerial is the Serial of the call this message answers.
	// Required for KindReply and KindError.
	ReplySerial uint64 `cbor:"reply_serial,omitempty"`

	// Sender is the bus name of the originating connection. Filled in
	// by the bus; a message with a zero Sender is local-only and is
	// never distributed to subscribers.
	Sender ref.BusName `cbor:"sender,omitempty"`

	// Destination addresses a specific peer. Zero for broadcasts.
	Destination ref.BusName `cbor:"destination,omitempty"`

	// Path is the object path a call targets or a signal originates
	// from.
	Path ref.ObjectPath `cbor:"path,omitempty"`

	// Interface qualifies Member. Optional on calls (dispatch then
	// searches registered interfaces); required on signals.
	Interface ref.InterfaceName `cbor:"interface,omitempty"`

	// Member is the method or signal name.
	Member ref.MemberName `cbor:"member,omitempty"`

	// ErrorName is the protocol error name. Required for KindError.
	ErrorName string `cbor:"error_name,omitempty"`

	// Signature declares the type of Body. Empty means the empty
	// tuple.
	Signature string `cbor:"signature,omitempty"`

	// NoReply marks a call as one-way: the peer must not send a
	// reply.
	NoReply bool `cbor:"no_reply,omitempty"`

	// Body is the CBOR-encoded argument tuple.
	Body codec.RawMessage `cbor:"body,omitempty"`
}

// NewSignal constructs a signal message carrying args.
func NewSignal(path ref.ObjectPath, iface ref.InterfaceName, member ref.MemberName, args ...any) (*Message, error) {
	m := &Message{
		Kind:      KindSignal,
		Path:      path,
		Interface: iface,
		Member:    member,
	}
	if err := m.SetArgs(args); err != nil {
		return nil, err
	}
	return m, nil
}

// NewCall constructs a method call message carrying args.
func NewCall(destination ref.BusName, path ref.ObjectPath, iface ref.InterfaceName, member ref.MemberName, args ...any) (*Message, error) {
	m := &Message{
		Kind:        KindCall,
		Destination: destination,
		Path:        path,
		Interface:   iface,
		Member:      member,
	}
	if err := m.SetArgs(args); err != nil {
		return nil, err
	}
	return m, nil
}

// NewReply constructs the successful reply to call, carrying args.
func NewReply(call *Message, args ...any) (*Message, error) {
	m := &Message{
		Kind:        KindReply,
		ReplySerial: call.Serial,
		Destination: call.Sender,
	}
	if err := m.SetArgs(args); err != nil {
		return nil, err
	}
	return m, nil
}

// NewError constructs the error reply to call. The error message text
// travels as the single body argument, matching the convention that an
// error reply's first argument is human-readable text.
func NewError(call *Message, name, text string) *Message {
	m := &Message{
		Kind:        KindError,
		ReplySerial: call.Serial,
		Destination: call.Sender,
		ErrorName:   name,
	}
	// Encoding a string tuple cannot fail.
	if err := m.SetArgs([]any{text}); err != nil {
		panic("transport: encoding error reply body: " + err.Error())
	}
	return m
}

// SetArgs encodes args as the message body and sets Signature by
// inference. Callers with a schema-declared signature should set
// Signature explicitly after calling SetArgs.
func (m *Message) SetArgs(args []any) error {
	sig, err := signature.Of(args)
	if err != nil {
		return fmt.Errorf("transport: message arguments: %w", err)
	}
	body, err := codec.MarshalTuple(args)
	if err != nil {
		return fmt.Errorf("transport: message arguments: %w", err)
	}
	m.Signature = sig.String()
	m.Body = body
	return nil
}

// Args decodes the message body into its argument tuple.
func (m *Message) Args() ([]any, error) {
	return codec.UnmarshalTuple(m.Body)
}

// Arg0String returns the first body argument if it is a string. The
// match-rule engine uses this for arg0 comparison.
func (m *Message) Arg0String() (string, bool) {
	return codec.FirstString(m.Body)
}

// ErrorText returns the human-readable text of a KindError message
// (its first string argument), or the error name when the body carries
// none.
func (m *Message) ErrorText() string {
	if text, ok := m.Arg0String(); ok {
		return text
	}
	return m.ErrorName
}

// Validate checks the per-kind required fields. Transports call this
// at the send boundary so malformed envelopes fail at their origin,
// not on the peer.
func (m *Message) Validate() error {
	switch m.Kind {
	case KindCall:
		if m.Path.IsZero() {
			return fmt.Errorf("transport: call has no object path")
		}
		if m.Member.IsZero() {
			return fmt.Errorf("transport: call has no member")
		}
	case KindSignal:
		if m.Path.IsZero() {
			return fmt.Errorf("transport: signal has no object path")
		}
		if m.Interface.IsZero() {
			return fmt.Errorf("transport: signal has no interface")
		}
		if m.Member.IsZero() {
			return fmt.Errorf("transport: signal has no member")
		}
	case KindReply:
		if m.ReplySerial == 0 {
			return fmt.Errorf("transport: reply has no reply serial")
		}
	case KindError:
		if m.ReplySerial == 0 {
			return fmt.Errorf("transport: error has no reply serial")
		}
		if m.ErrorName == "" {
			return fmt.Errorf("transport: error has no error name")
		}
	default:
		return fmt.Errorf("transport: unknown message kind %d", m.Kind)
	}
	return nil
}
