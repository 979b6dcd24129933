package event

import (
	"fmt"
	"strings"

	"github.com/cespare/xxhash/v2"
	"github.com/vigildb/vigil/encoding"
)

// RowKey is an ordered tuple of named field values uniquely identifying
// a row within a relation. Column order is significant: the same values
// under a different column order are a different key.
type RowKey struct {
	Columns []string `msgpack:"c"`
	Values  []any    `msgpack:"v"`
}

// NewRowKey builds a key from parallel column and value slices.
func NewRowKey(columns []string, values []any) RowKey {
	return RowKey{Columns: columns, Values: values}
}

// KeyFromValues extracts a key from a row's field values, in the given
// column order. Every key column must be present.
func KeyFromValues(columns []string, fields map[string]any) (RowKey, error) {
	values := make([]any, len(columns))
	for i, col := range columns {
		v, ok := fields[col]
		if !ok {
			return RowKey{}, fmt.Errorf("row is missing key column %q", col)
		}
		values[i] = v
	}
	return RowKey{Columns: columns, Values: values}, nil
}

// IsZero reports whether the key carries no columns.
func (k RowKey) IsZero() bool {
	return len(k.Columns) == 0
}

// Encode returns the canonical byte form of the key. Two keys are the
// same row iff their encodings are byte-equal. Encoding goes through
// the central msgpack codec so string/blob distinction survives.
func (k RowKey) Encode() []byte {
	flat := make([]any, 0, len(k.Columns)*2)
	for i, col := range k.Columns {
		flat = append(flat, col, k.Values[i])
	}
	data, err := encoding.Marshal(flat)
	if err != nil {
		// Key values come from SQL rows; only channels/funcs fail to
		// encode, which cannot appear here.
		panic(fmt.Sprintf("row key encode: %v", err))
	}
	return data
}

// Canonical returns the canonical encoding as a string, suitable for
// use as a map key.
func (k RowKey) Canonical() string {
	return string(k.Encode())
}

// Digest returns a 64-bit xxhash of the canonical encoding. Used for
// sink partition keys and compact log fields, never for identity.
func (k RowKey) Digest() uint64 {
	return xxhash.Sum64(k.Encode())
}

// Equal reports whether two keys identify the same row.
func (k RowKey) Equal(other RowKey) bool {
	if len(k.Columns) != len(other.Columns) {
		return false
	}
	return k.Canonical() == other.Canonical()
}

// String renders the key for logs, e.g. "id=1,region=eu".
func (k RowKey) String() string {
	parts := make([]string, len(k.Columns))
	for i, col := range k.Columns {
		parts[i] = fmt.Sprintf("%s=%v", col, k.Values[i])
	}
	return strings.Join(parts, ",")
}
