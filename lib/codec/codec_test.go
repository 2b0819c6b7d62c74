// Copyright 2026 The Parley Authors
// SPDX-License-Identifier: Apache-2.0

package codec

import (
	"bytes"
	"testing"
)

func TestMarshalIsDeterministic(t *testing.T) {
	value := map[string]any{
		"zulu":  1,
		"alpha": "text",
		"mike":  []any{"a", "b"},
	}
	first, err := Marshal(value)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	second, err := Marshal(value)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	if !bytes.Equal(first, second) {
		t.Error("two encodings of the same map differ")
	}
}

func TestRoundTripStruct(t *testing.T) {
	type record struct {
		Name  string `cbor:"name"`
		Count int    `cbor:"count"`
	}
	encoded, err := Marshal(record{Name: "tool", Count: 3})
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	var decoded record
	if err := Unmarshal(encoded, &decoded); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if decoded.Name != "tool" || decoded.Count != 3 {
		t.Errorf("decoded = %+v", decoded)
	}
}

func TestUnmarshalAnyUsesStringKeyedMaps(t *testing.T) {
	encoded, err := Marshal(map[string]any{"key": "value"})
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	var decoded any
	if err := Unmarshal(encoded, &decoded); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if _, ok := decoded.(map[string]any); !ok {
		t.Errorf("decoded type = %T, want map[string]any", decoded)
	}
}
