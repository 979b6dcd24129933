package view

import (
	"fmt"

	"github.com/vigildb/vigil/event"
	"github.com/vigildb/vigil/telemetry"
)

// ConsistencyViolation reports an event whose implied membership state
// is impossible given the view's materialized key set. It indicates a
// bootstrap or delivery-ordering bug; it is fatal for the view set and
// never retried.
type ConsistencyViolation struct {
	Relation string
	Key      event.RowKey
	Detail   string
}

func (e *ConsistencyViolation) Error() string {
	return fmt.Sprintf("consistency violation on %s [%s]: %s", e.Relation, e.Key, e.Detail)
}

// DynamicView maintains one parameterized query result incrementally.
// The materialized key set holds the keys currently believed to match;
// rows holds the last known field values of those rows, so a delete
// that carries only its key still evaluates correctly. All state is
// mutated exclusively by the owning Set's delivery goroutine.
//
// When KeyColumns is set, the snapshot keys rows by those columns
// while the transaction pipeline stamps live events with the table's
// primary key. Membership is therefore tracked under the view key,
// derived from each live event's field values, with byRow remembering
// the pipeline-key to view-key mapping for matched rows so a
// payload-free delete still finds its entry.
type DynamicView struct {
	query Query
	pred  *Predicate

	matched map[string]struct{}
	rows    map[string]map[string]any
	keys    map[string]event.RowKey
	byRow   map[string]string
}

func newDynamicView(q Query) (*DynamicView, error) {
	pred, err := Compile(q)
	if err != nil {
		return nil, err
	}
	return &DynamicView{
		query:   q,
		pred:    pred,
		matched: make(map[string]struct{}),
		rows:    make(map[string]map[string]any),
		keys:    make(map[string]event.RowKey),
		byRow:   make(map[string]string),
	}, nil
}

// Size returns the current number of matching rows.
func (v *DynamicView) Size() int {
	return len(v.matched)
}

// bootstrapRow seeds the materialized state from one snapshot row.
func (v *DynamicView) bootstrapRow(key event.RowKey, values map[string]any) error {
	ck := key.Canonical()
	if _, dup := v.matched[ck]; dup {
		return &ConsistencyViolation{
			Relation: v.query.Relation,
			Key:      key,
			Detail:   "duplicate row in bootstrap snapshot",
		}
	}
	v.matched[ck] = struct{}{}
	v.rows[ck] = values
	v.keys[ck] = key
	return nil
}

// resolveKey maps an inbound event onto the key this view materializes
// the row under. Without KeyColumns the pipeline key is the view key.
// Otherwise a matched row resolves through byRow, and an unknown row's
// key is derived from its field values; an unknown row whose payload
// cannot produce the key has never matched, so ok is false.
func (v *DynamicView) resolveKey(e *event.ChangeEvent) (string, event.RowKey, bool, error) {
	if len(v.query.KeyColumns) == 0 {
		return e.Key.Canonical(), e.Key, true, nil
	}
	if ck, known := v.byRow[e.Key.Canonical()]; known {
		return ck, v.keys[ck], true, nil
	}
	key, err := event.KeyFromValues(v.query.KeyColumns, e.Values)
	if err != nil {
		if e.Action == event.ActionDelete {
			return "", event.RowKey{}, false, nil
		}
		return "", event.RowKey{}, false, fmt.Errorf("derive view key on %s: %w", e.Relation, err)
	}
	return key.Canonical(), key, true, nil
}

// apply runs the incremental evaluation for one inbound change event
// and returns the derived event for this view's subscriber, or nil
// when membership and payload are unaffected. The result is identical
// to re-running the view's SELECT and diffing old vs new result sets.
func (v *DynamicView) apply(e *event.ChangeEvent) (*event.ChangeEvent, error) {
	if e.Relation != v.query.Relation {
		return nil, nil
	}
	if e.Action.IsMarker() || e.Action == event.ActionInitialInsert {
		return nil, &ConsistencyViolation{
			Relation: v.query.Relation,
			Key:      e.Key,
			Detail:   fmt.Sprintf("%s event during live incremental processing", e.Action),
		}
	}

	ck, key, ok, err := v.resolveKey(e)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}
	_, was := v.matched[ck]

	if e.Action == event.ActionDelete {
		if !was {
			return nil, nil
		}
		// The row is gone; evaluate nothing, report the last image.
		values := v.rows[ck]
		if values == nil {
			values = e.Values
		}
		v.forget(ck, e)
		telemetry.ViewEventsTotal.With(event.ActionDelete.String()).Inc()
		return &event.ChangeEvent{
			Relation: e.Relation,
			Action:   event.ActionDelete,
			Key:      key,
			Values:   values,
		}, nil
	}

	// Merge over the cached image so a partial update still evaluates
	// against the whole row.
	values := e.Values
	if cached := v.rows[ck]; cached != nil {
		merged := make(map[string]any, len(cached)+len(e.Values))
		for k, val := range cached {
			merged[k] = val
		}
		for k, val := range e.Values {
			merged[k] = val
		}
		values = merged
	}

	is, err := v.pred.Eval(values)
	if err != nil {
		return nil, fmt.Errorf("predicate evaluation on %s [%s]: %w", e.Relation, e.Key, err)
	}

	switch {
	case !was && is:
		v.remember(ck, key, values, e)
		telemetry.ViewEventsTotal.With(event.ActionInsert.String()).Inc()
		return &event.ChangeEvent{
			Relation: e.Relation,
			Action:   event.ActionInsert,
			Key:      key,
			Values:   values,
		}, nil
	case was && is:
		v.remember(ck, key, values, e)
		telemetry.ViewEventsTotal.With(event.ActionUpdate.String()).Inc()
		return &event.ChangeEvent{
			Relation: e.Relation,
			Action:   event.ActionUpdate,
			Key:      key,
			Values:   values,
		}, nil
	case was && !is:
		v.forget(ck, e)
		telemetry.ViewEventsTotal.With(event.ActionDelete.String()).Inc()
		return &event.ChangeEvent{
			Relation: e.Relation,
			Action:   event.ActionDelete,
			Key:      key,
			Values:   values,
		}, nil
	default:
		return nil, nil
	}
}

func (v *DynamicView) remember(ck string, key event.RowKey, values map[string]any, e *event.ChangeEvent) {
	v.matched[ck] = struct{}{}
	v.rows[ck] = values
	v.keys[ck] = key
	if len(v.query.KeyColumns) > 0 {
		v.byRow[e.Key.Canonical()] = ck
	}
}

func (v *DynamicView) forget(ck string, e *event.ChangeEvent) {
	delete(v.matched, ck)
	delete(v.rows, ck)
	delete(v.keys, ck)
	if len(v.query.KeyColumns) > 0 {
		delete(v.byRow, e.Key.Canonical())
	}
}
