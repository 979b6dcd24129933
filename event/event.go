// Package event defines the immutable value types for row-level
// changes and for the atomic batches in which they are delivered.
package event

import (
	"fmt"

	"github.com/vigildb/vigil/hlc"
)

// Action identifies what a change event describes.
type Action uint8

const (
	// ActionInsert is a live row insertion.
	ActionInsert Action = 0
	// ActionUpdate is a live row update carrying the new field values.
	ActionUpdate Action = 1
	// ActionDelete is a live row deletion. Field values carry the last
	// known image of the row, which may be reduced to the key.
	ActionDelete Action = 2
	// ActionInitialBegin opens a bootstrap snapshot. Carries no row data.
	ActionInitialBegin Action = 3
	// ActionInitialInsert is a row that existed when a subscription
	// started. Same payload as ActionInsert, tagged as snapshot origin.
	ActionInitialInsert Action = 4
	// ActionInitialEnd closes a bootstrap snapshot. Carries no row data.
	ActionInitialEnd Action = 5
)

func (a Action) String() string {
	switch a {
	case ActionInsert:
		return "insert"
	case ActionUpdate:
		return "update"
	case ActionDelete:
		return "delete"
	case ActionInitialBegin:
		return "initial_begin"
	case ActionInitialInsert:
		return "initial_insert"
	case ActionInitialEnd:
		return "initial_end"
	default:
		return fmt.Sprintf("action(%d)", uint8(a))
	}
}

// IsRowChange reports whether the action carries row data.
func (a Action) IsRowChange() bool {
	switch a {
	case ActionInsert, ActionUpdate, ActionDelete, ActionInitialInsert:
		return true
	default:
		return false
	}
}

// IsMarker reports whether the action is a snapshot bracket.
func (a Action) IsMarker() bool {
	return a == ActionInitialBegin || a == ActionInitialEnd
}

// ChangeEvent is one row-level effect or one snapshot bracket marker.
// Values is the after image for inserts and updates, and the last known
// before image for deletes (at minimum the key columns). Markers carry
// a zero Key and nil Values.
type ChangeEvent struct {
	Relation string         `msgpack:"r"`
	Action   Action         `msgpack:"a"`
	Key      RowKey         `msgpack:"k"`
	Values   map[string]any `msgpack:"v,omitempty"`
}

// Marker builds a snapshot bracket event for a relation.
func Marker(relation string, action Action) ChangeEvent {
	return ChangeEvent{Relation: relation, Action: action}
}

// Batch is an ordered, non-empty sequence of change events delivered
// atomically: all events of one commit, or one bootstrap snapshot.
// A listener never observes a partial batch.
type Batch struct {
	// Seq is the position in the global commit order. Zero for
	// uncommitted (advisory) and bootstrap batches.
	Seq uint64 `msgpack:"seq"`
	// TxnID identifies the producing transaction. Zero for bootstrap.
	TxnID uint64 `msgpack:"txn"`
	// CommitTS is the HLC commit timestamp.
	CommitTS hlc.Timestamp `msgpack:"ts"`
	// Origin is the stable ID of the producing process.
	Origin uint64 `msgpack:"org"`

	Events []ChangeEvent `msgpack:"ev"`
}

// Len returns the number of events in the batch.
func (b *Batch) Len() int {
	if b == nil {
		return 0
	}
	return len(b.Events)
}

// IsSnapshot reports whether the batch is a bootstrap snapshot,
// recognized by its opening bracket.
func (b *Batch) IsSnapshot() bool {
	return b.Len() > 0 && b.Events[0].Action == ActionInitialBegin
}
