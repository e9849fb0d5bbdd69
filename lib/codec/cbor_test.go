// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package codec

import (
	"bytes"
	"strings"
	"testing"
)

// sampleEnvelope is a representative wire envelope using cbor struct
// tags (the convention for purely-internal types).
type sampleEnvelope struct {
	Kind   string `cbor:"kind"`
	Serial uint64 `cbor:"serial"`
	Member string `cbor:"member,omitempty"`
}

// sampleDualMessage uses json struct tags (the convention for types
// that serve both JSON and CBOR, relying on fxamacker's fallback).
type sampleDualMessage struct {
	Version int    `json:"version"`
	Name    string `json:"name"`
}

func TestMarshalUnmarshalRoundtrip(t *testing.T) {
	original := sampleEnvelope{
		Kind:   "signal",
		Serial: 42,
		Member: "TrackChanged",
	}

	data, err := Marshal(original)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}

	if len(data) == 0 {
		t.Fatal("Marshal produced empty output")
	}

	var decoded sampleEnvelope
	if err := Unmarshal(data, &decoded); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}

	if decoded != original {
		t.Errorf("roundtrip mismatch: got %+v, want %+v", decoded, original)
	}
}

func TestMarshalDeterministic(t *testing.T) {
	message := sampleEnvelope{
		Kind:   "call",
		Serial: 7,
		Member: "Seek",
	}

	first, err := Marshal(message)
	if err != nil {
		t.Fatalf("first Marshal: %v", err)
	}

	second, err := Marshal(message)
	if err != nil {
		t.Fatalf("second Marshal: %v", err)
	}

	if !bytes.Equal(first, second) {
		t.Errorf("deterministic encoding violated: %x != %x", first, second)
	}
}

func TestEncoderDecoderStreamRoundtrip(t *testing.T) {
	messages := []sampleEnvelope{
		{Kind: "call", Serial: 1, Member: "Play"},
		{Kind: "reply", Serial: 2},
		{Kind: "signal", Serial: 3, Member: "Stopped"},
	}

	var buffer bytes.Buffer
	encoder := NewEncoder(&buffer)
	for _, message := range messages {
		if err := encoder.Encode(message); err != nil {
			t.Fatalf("Encode: %v", err)
		}
	}

	decoder := NewDecoder(&buffer)
	for i, want := range messages {
		var got sampleEnvelope
		if err := decoder.Decode(&got); err != nil {
			t.Fatalf("Decode message %d: %v", i, err)
		}
		if got != want {
			t.Errorf("message %d: got %+v, want %+v", i, got, want)
		}
	}
}

func TestJSONTagFallback(t *testing.T) {
	// Types with json tags (no cbor tags) should encode/decode
	// correctly through our modes, using json tag names as CBOR
	// map keys.
	original := sampleDualMessage{Version: 3, Name: "introspection"}

	data, err := Marshal(original)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}

	var decoded sampleDualMessage
	if err := Unmarshal(data, &decoded); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}

	if decoded != original {
		t.Errorf("json-tag roundtrip mismatch: got %+v, want %+v", decoded, original)
	}
}

func TestOmitemptyRespected(t *testing.T) {
	// A zero-value omitempty field should not appear in output.
	withMember := sampleEnvelope{Kind: "signal", Serial: 1, Member: "Play"}
	withoutMember := sampleEnvelope{Kind: "reply", Serial: 1}

	dataWith, err := Marshal(withMember)
	if err != nil {
		t.Fatal(err)
	}
	dataWithout, err := Marshal(withoutMember)
	if err != nil {
		t.Fatal(err)
	}

	// The encoding without the member field should be shorter
	// because the omitted field is not present.
	if len(dataWithout) >= len(dataWith) {
		t.Errorf("omitempty not effective: without=%d bytes, with=%d bytes",
			len(dataWithout), len(dataWith))
	}
}

func TestUnmarshalInvalidCBOR(t *testing.T) {
	var message sampleEnvelope
	err := Unmarshal([]byte{0xFF, 0xFE, 0xFD}, &message)
	if err == nil {
		t.Error("Unmarshal should reject invalid CBOR")
	}
}

func TestTupleRoundtrip(t *testing.T) {
	tests := []struct {
		name string
		args []any
	}{
		{name: "empty", args: []any{}},
		{name: "nil-means-empty", args: nil},
		{name: "strings", args: []any{"com.example.Player", "owner"}},
		{name: "mixed", args: []any{"track", int64(3), true}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			body, err := MarshalTuple(tt.args)
			if err != nil {
				t.Fatalf("MarshalTuple: %v", err)
			}
			decoded, err := UnmarshalTuple(body)
			if err != nil {
				t.Fatalf("UnmarshalTuple: %v", err)
			}
			wantLen := len(tt.args)
			if len(decoded) != wantLen {
				t.Fatalf("tuple length = %d, want %d", len(decoded), wantLen)
			}
		})
	}
}

func TestUnmarshalTupleRejectsNonArray(t *testing.T) {
	body, err := Marshal(map[string]any{"not": "a tuple"})
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	if _, err := UnmarshalTuple(RawMessage(body)); err == nil {
		t.Error("UnmarshalTuple should reject a non-array body")
	}
}

func TestUnmarshalTupleEmptyBody(t *testing.T) {
	args, err := UnmarshalTuple(nil)
	if err != nil {
		t.Fatalf("UnmarshalTuple(nil): %v", err)
	}
	if len(args) != 0 {
		t.Errorf("empty body decoded to %d args, want 0", len(args))
	}
}

func TestFirstString(t *testing.T) {
	body, err := MarshalTuple([]any{"com.example.Player", int64(2)})
	if err != nil {
		t.Fatalf("MarshalTuple: %v", err)
	}
	got, ok := FirstString(body)
	if !ok || got != "com.example.Player" {
		t.Errorf("FirstString = (%q, %v), want (com.example.Player, true)", got, ok)
	}

	numeric, err := MarshalTuple([]any{int64(2)})
	if err != nil {
		t.Fatalf("MarshalTuple: %v", err)
	}
	if _, ok := FirstString(numeric); ok {
		t.Error("FirstString reported ok for a non-string first argument")
	}

	if _, ok := FirstString(nil); ok {
		t.Error("FirstString reported ok for an empty tuple")
	}
}

func TestByteStringRoundtrip(t *testing.T) {
	// Verify that []byte fields encode as CBOR byte strings (major
	// type 2), not text strings. This matters for carrying opaque
	// pre-encoded bodies through the envelope.
	type envelope struct {
		Body []byte `cbor:"body"`
	}

	original := envelope{Body: []byte{0x82, 0x01, 0x02}}

	data, err := Marshal(original)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}

	var decoded envelope
	if err := Unmarshal(data, &decoded); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}

	if !bytes.Equal(decoded.Body, original.Body) {
		t.Errorf("byte string roundtrip: got %x, want %x", decoded.Body, original.Body)
	}
}

func BenchmarkMarshal(b *testing.B) {
	message := sampleEnvelope{
		Kind:   "signal",
		Serial: 42,
		Member: "TrackChanged",
	}

	b.ReportAllocs()
	for b.Loop() {
		Marshal(message)
	}
}

func TestDiagnose(t *testing.T) {
	data, err := Marshal(map[string]any{"kind": "signal"})
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}

	notation, err := Diagnose(data)
	if err != nil {
		t.Fatalf("Diagnose: %v", err)
	}
	if !strings.Contains(notation, "signal") {
		t.Errorf("diagnostic notation %q does not mention the encoded value", notation)
	}
}
