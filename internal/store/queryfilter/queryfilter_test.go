package queryfilter

import (
	"testing"

	"github.com/pryvgo/core/internal/model"
	"github.com/pryvgo/core/internal/store"
)

func f64(v float64) *float64 { return &v }
func i64(v int64) *int64     { return &v }
func b(v bool) *bool         { return &v }

func TestMatchStreamAlgebra(t *testing.T) {
	e := &model.Event{StreamIDs: []string{"s1", "s2"}, Type: "note/txt"}

	if !Match(e, store.EventQuery{Streams: store.StreamQuery{Any: []string{"s2", "s3"}}}) {
		t.Fatal("expected Any match on shared stream")
	}
	if Match(e, store.EventQuery{Streams: store.StreamQuery{Any: []string{"s3"}}}) {
		t.Fatal("expected Any miss, no shared stream")
	}
	if !Match(e, store.EventQuery{Streams: store.StreamQuery{All: []string{"s1", "s2"}}}) {
		t.Fatal("expected All match, event has both")
	}
	if Match(e, store.EventQuery{Streams: store.StreamQuery{All: []string{"s1", "s3"}}}) {
		t.Fatal("expected All miss, event lacks s3")
	}
	if Match(e, store.EventQuery{Streams: store.StreamQuery{Not: []string{"s1"}}}) {
		t.Fatal("expected Not exclusion")
	}
}

func TestMatchTypeWildcard(t *testing.T) {
	e := &model.Event{Type: "picture/attached"}
	if !Match(e, store.EventQuery{Types: []string{"picture/*"}}) {
		t.Fatal("expected wildcard match")
	}
	if Match(e, store.EventQuery{Types: []string{"note/*"}}) {
		t.Fatal("expected wildcard miss")
	}
	if !Match(e, store.EventQuery{Types: []string{"picture/attached"}}) {
		t.Fatal("expected exact match")
	}
}

func TestMatchModifiedSinceAndRunning(t *testing.T) {
	e := &model.Event{Modified: 100}
	if Match(e, store.EventQuery{ModifiedSince: i64(101)}) {
		t.Fatal("expected miss, event modified before cutoff")
	}
	if !Match(e, store.EventQuery{ModifiedSince: i64(100)}) {
		t.Fatal("expected match at the cutoff boundary")
	}

	running := &model.Event{Duration: nil}
	stopped := &model.Event{Duration: f64(1)}
	if !Match(running, store.EventQuery{Running: b(true)}) {
		t.Fatal("expected running event to match Running=true")
	}
	if Match(stopped, store.EventQuery{Running: b(true)}) {
		t.Fatal("expected stopped event to miss Running=true")
	}
}

func TestStateMatches(t *testing.T) {
	active := &model.Event{Trashed: false}
	trashed := &model.Event{Trashed: true}

	if !StateMatches(active, store.StateDefault) || StateMatches(trashed, store.StateDefault) {
		t.Fatal("default state must exclude trashed events")
	}
	if !StateMatches(trashed, store.StateTrashed) || StateMatches(active, store.StateTrashed) {
		t.Fatal("trashed state must only include trashed events")
	}
	if !StateMatches(active, store.StateAll) || !StateMatches(trashed, store.StateAll) {
		t.Fatal("all state must include everything")
	}
}

func TestSortAndPage(t *testing.T) {
	matches := []*model.Event{
		{ID: "a", Time: 10},
		{ID: "b", Time: 30},
		{ID: "c", Time: 20},
	}

	desc := SortAndPage(matches, store.EventQuery{})
	if desc[0].ID != "b" || desc[1].ID != "c" || desc[2].ID != "a" {
		t.Fatalf("expected descending time order, got %v %v %v", desc[0].ID, desc[1].ID, desc[2].ID)
	}

	asc := SortAndPage(append([]*model.Event{}, matches...), store.EventQuery{SortAscending: true})
	if asc[0].ID != "a" || asc[2].ID != "b" {
		t.Fatalf("expected ascending time order, got %v %v %v", asc[0].ID, asc[1].ID, asc[2].ID)
	}

	paged := SortAndPage(append([]*model.Event{}, matches...), store.EventQuery{Skip: 1, Limit: 1})
	if len(paged) != 1 || paged[0].ID != "c" {
		t.Fatalf("expected single middle element after skip+limit, got %v", paged)
	}

	none := SortAndPage(append([]*model.Event{}, matches...), store.EventQuery{Skip: 10})
	if len(none) != 0 {
		t.Fatalf("expected empty result when skip exceeds length, got %v", none)
	}
}

func TestTypeMatchesNoPatterns(t *testing.T) {
	if !TypeMatches("anything/goes", nil) {
		t.Fatal("no patterns must match everything")
	}
}
