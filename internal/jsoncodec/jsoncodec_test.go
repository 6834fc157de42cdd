package jsoncodec

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
)

type testPayload struct {
	ID   int    `json:"id"`
	Name string `json:"name"`
}

func TestMarshalAndUnmarshal(t *testing.T) {
	in := testPayload{ID: 42, Name: "events"}
	data, err := Marshal(in)
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}

	var out testPayload
	if err := Unmarshal(data, &out); err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}

	if out != in {
		t.Fatalf("expected round trip to match, got %#v", out)
	}

	indented, err := MarshalIndent(in, "", "  ")
	if err != nil {
		t.Fatalf("marshal indent failed: %v", err)
	}
	if !strings.Contains(string(indented), "\n  \"id\"") {
		t.Fatalf("expected indented output, got %s", string(indented))
	}
}

func TestValid(t *testing.T) {
	if !Valid([]byte(`{"a":[1,2,{"b":null}]}`)) {
		t.Fatal("expected object to be valid")
	}
	if Valid([]byte(`{"a":`)) {
		t.Fatal("expected truncated object to be invalid")
	}
}

func TestDecoderReadsNDJSON(t *testing.T) {
	buf := bytes.NewBufferString("{\"x\":1,\"y\":2}\n{\"x\":9007199254740993}\n")
	dec := NewDecoder(buf)

	var rows []map[string]any
	for dec.More() {
		var row map[string]any
		if err := dec.Decode(&row); err != nil {
			t.Fatalf("decode failed: %v", err)
		}
		rows = append(rows, row)
	}
	if len(rows) != 2 {
		t.Fatalf("expected 2 rows, got %d", len(rows))
	}
	n, ok := rows[1]["x"].(json.Number)
	if !ok || n.String() != "9007199254740993" {
		t.Fatalf("expected exact json.Number, got %#v", rows[1]["x"])
	}
}
