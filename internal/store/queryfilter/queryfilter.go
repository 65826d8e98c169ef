// Package queryfilter implements the events.get matching, sorting, and
// pagination semantics of spec.md §4.5 once, shared by every store backend.
// The in-memory store applies it directly to its map values; the SQL
// backends fetch a candidate set scoped by the cheap scalar predicates
// (user, trashed state, modifiedSince) and run the rest here, so stream-set
// algebra and type-wildcard matching can never drift between backends.
package queryfilter

import (
	"slices"
	"strings"

	"github.com/pryvgo/core/internal/model"
	"github.com/pryvgo/core/internal/store"
)

// Match reports whether e satisfies every predicate of q except State, which
// callers are expected to have already applied (or pushed into SQL).
func Match(e *model.Event, q store.EventQuery) bool {
	if len(q.Streams.Any) > 0 && !intersects(e.StreamIDs, q.Streams.Any) {
		return false
	}
	if !containsAll(e.StreamIDs, q.Streams.All) {
		return false
	}
	if len(q.Streams.Not) > 0 && intersects(e.StreamIDs, q.Streams.Not) {
		return false
	}
	if len(q.Tags) > 0 && !intersects(e.Tags, q.Tags) {
		return false
	}
	if !TypeMatches(e.Type, q.Types) {
		return false
	}
	if q.FromTime != nil && q.ToTime != nil && !e.Overlaps(*q.FromTime, *q.ToTime) {
		return false
	}
	if q.ModifiedSince != nil && e.Modified < *q.ModifiedSince {
		return false
	}
	if q.Running != nil {
		isRunning := e.Duration == nil
		if isRunning != *q.Running {
			return false
		}
	}
	return true
}

// StateMatches reports whether e's trashed flag satisfies q.State. SQL
// backends may push this into a WHERE clause instead; it is exposed here so
// they don't have to duplicate the three-way switch.
func StateMatches(e *model.Event, state store.EventState) bool {
	switch state {
	case store.StateTrashed:
		return e.Trashed
	case store.StateAll:
		return true
	default:
		return !e.Trashed
	}
}

// SortAndPage orders matches by time (descending unless q.SortAscending)
// and applies q.Skip/q.Limit.
func SortAndPage(matches []*model.Event, q store.EventQuery) []*model.Event {
	slices.SortFunc(matches, func(a, b *model.Event) int {
		if q.SortAscending {
			if a.Time < b.Time {
				return -1
			}
			if a.Time > b.Time {
				return 1
			}
			return 0
		}
		if a.Time > b.Time {
			return -1
		}
		if a.Time < b.Time {
			return 1
		}
		return 0
	})

	if q.Skip > 0 {
		if q.Skip >= len(matches) {
			return nil
		}
		matches = matches[q.Skip:]
	}
	if q.Limit > 0 && len(matches) > q.Limit {
		matches = matches[:q.Limit]
	}
	return matches
}

func intersects(a, b []string) bool {
	if len(b) == 0 {
		return true
	}
	set := make(map[string]struct{}, len(b))
	for _, x := range b {
		set[x] = struct{}{}
	}
	for _, x := range a {
		if _, ok := set[x]; ok {
			return true
		}
	}
	return false
}

func containsAll(have, want []string) bool {
	if len(want) == 0 {
		return true
	}
	set := make(map[string]struct{}, len(have))
	for _, x := range have {
		set[x] = struct{}{}
	}
	for _, w := range want {
		if _, ok := set[w]; !ok {
			return false
		}
	}
	return true
}

// TypeMatches reports whether eventType satisfies any of patterns, each
// either an exact type or a "family/*" wildcard. No patterns matches all.
func TypeMatches(eventType string, patterns []string) bool {
	if len(patterns) == 0 {
		return true
	}
	for _, p := range patterns {
		if strings.HasSuffix(p, "/*") {
			if strings.HasPrefix(eventType, strings.TrimSuffix(p, "*")) {
				return true
			}
			continue
		}
		if p == eventType {
			return true
		}
	}
	return false
}
