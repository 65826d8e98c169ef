package integrity

import "testing"

type sample struct {
	B string `json:"b"`
	A int    `json:"a"`
}

func TestHashIsStableRegardlessOfFieldOrder(t *testing.T) {
	h1, err := Hash(sample{A: 1, B: "x"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	h2, err := Hash(map[string]any{"b": "x", "a": 1})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if h1 != h2 {
		t.Fatalf("expected identical canonical hashes, got %s vs %s", h1, h2)
	}
}

func TestHashChangesWithContent(t *testing.T) {
	h1, _ := Hash(map[string]any{"a": 1})
	h2, _ := Hash(map[string]any{"a": 2})
	if h1 == h2 {
		t.Fatal("expected different content to hash differently")
	}
}

func TestHashHasSha256Prefix(t *testing.T) {
	h, err := Hash(map[string]any{"a": 1})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(h) < 7 || h[:7] != "sha256:" {
		t.Fatalf("expected sha256: prefix, got %s", h)
	}
}

func TestHashNestedObjectsAndArrays(t *testing.T) {
	h1, _ := Hash(map[string]any{"outer": map[string]any{"z": 1, "a": 2}, "list": []any{1, 2, 3}})
	h2, _ := Hash(map[string]any{"list": []any{1, 2, 3}, "outer": map[string]any{"a": 2, "z": 1}})
	if h1 != h2 {
		t.Fatal("expected nested key order to not affect the hash")
	}
}
