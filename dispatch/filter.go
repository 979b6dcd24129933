package dispatch

import (
	"fmt"

	"github.com/gobwas/glob"
	"github.com/vigildb/vigil/event"
)

// Filter narrows which change events a listener receives. Relation
// patterns are glob-matched; an optional predicate is evaluated per
// event on top of the relation match. Empty patterns match everything.
type Filter struct {
	relationGlobs []glob.Glob
	predicate     func(*event.ChangeEvent) bool
}

// NewFilter compiles a filter from relation glob patterns and an
// optional per-event predicate. Either may be empty/nil.
func NewFilter(relationPatterns []string, predicate func(*event.ChangeEvent) bool) (*Filter, error) {
	f := &Filter{
		relationGlobs: make([]glob.Glob, 0, len(relationPatterns)),
		predicate:     predicate,
	}

	for _, pattern := range relationPatterns {
		g, err := glob.Compile(pattern)
		if err != nil {
			return nil, fmt.Errorf("invalid relation pattern %q: %w", pattern, err)
		}
		f.relationGlobs = append(f.relationGlobs, g)
	}

	return f, nil
}

// MatchEvent reports whether a single event passes the filter.
// Snapshot bracket markers always pass.
func (f *Filter) MatchEvent(e *event.ChangeEvent) bool {
	if e.Action.IsMarker() {
		return true
	}

	relMatch := len(f.relationGlobs) == 0
	for _, g := range f.relationGlobs {
		if g.Match(e.Relation) {
			relMatch = true
			break
		}
	}
	if !relMatch {
		return false
	}

	if f.predicate != nil {
		return f.predicate(e)
	}
	return true
}

// Apply returns the batch reduced to passing events, the original batch
// when everything passes, or nil when nothing does. A delivered batch
// is never empty.
func (f *Filter) Apply(b *event.Batch) *event.Batch {
	if f == nil {
		return b
	}

	passing := 0
	for i := range b.Events {
		if f.MatchEvent(&b.Events[i]) {
			passing++
		}
	}

	switch passing {
	case 0:
		return nil
	case len(b.Events):
		return b
	}

	filtered := &event.Batch{
		Seq:      b.Seq,
		TxnID:    b.TxnID,
		CommitTS: b.CommitTS,
		Origin:   b.Origin,
		Events:   make([]event.ChangeEvent, 0, passing),
	}
	for i := range b.Events {
		if f.MatchEvent(&b.Events[i]) {
			filtered.Events = append(filtered.Events, b.Events[i])
		}
	}
	return filtered
}
