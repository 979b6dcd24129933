package event

import (
	"testing"
)

func TestKeyFromValues(t *testing.T) {
	key, err := KeyFromValues([]string{"id", "region"}, map[string]any{
		"id":     int64(7),
		"region": "eu",
		"name":   "ignored",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(key.Columns) != 2 || key.Columns[0] != "id" || key.Columns[1] != "region" {
		t.Errorf("wrong columns: %v", key.Columns)
	}
	if key.Values[0] != int64(7) || key.Values[1] != "eu" {
		t.Errorf("wrong values: %v", key.Values)
	}
}

func TestKeyFromValues_MissingColumn(t *testing.T) {
	_, err := KeyFromValues([]string{"id", "region"}, map[string]any{"id": int64(7)})
	if err == nil {
		t.Fatal("expected error for missing key column")
	}
}

func TestRowKey_Equal(t *testing.T) {
	a := NewRowKey([]string{"id"}, []any{int64(1)})
	b := NewRowKey([]string{"id"}, []any{int64(1)})
	c := NewRowKey([]string{"id"}, []any{int64(2)})

	if !a.Equal(b) {
		t.Error("identical keys should be equal")
	}
	if a.Equal(c) {
		t.Error("different values should not be equal")
	}

	// Column order is part of identity.
	d := NewRowKey([]string{"a", "b"}, []any{int64(1), int64(2)})
	e := NewRowKey([]string{"b", "a"}, []any{int64(2), int64(1)})
	if d.Equal(e) {
		t.Error("reordered columns should not be equal")
	}
}

func TestRowKey_CanonicalDistinguishesTypes(t *testing.T) {
	s := NewRowKey([]string{"k"}, []any{"1"})
	n := NewRowKey([]string{"k"}, []any{int64(1)})
	blob := NewRowKey([]string{"k"}, []any{[]byte("1")})

	if s.Canonical() == n.Canonical() {
		t.Error("string and integer values should encode differently")
	}
	if s.Canonical() == blob.Canonical() {
		t.Error("string and blob values should encode differently")
	}
}

func TestRowKey_DigestStable(t *testing.T) {
	a := NewRowKey([]string{"id"}, []any{int64(42)})
	b := NewRowKey([]string{"id"}, []any{int64(42)})
	if a.Digest() != b.Digest() {
		t.Error("equal keys should share a digest")
	}
}

func TestRowKey_String(t *testing.T) {
	k := NewRowKey([]string{"id", "region"}, []any{int64(1), "eu"})
	if got := k.String(); got != "id=1,region=eu" {
		t.Errorf("unexpected rendering %q", got)
	}
}
