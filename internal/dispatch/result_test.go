package dispatch

import (
	"testing"

	"github.com/pryvgo/core/internal/apperror"
)

func TestAddStreamWithinLimit(t *testing.T) {
	result := map[string]any{}
	b := NewResultBuilder(result, 5)

	if err := b.AddStream("events", SliceSeq([]int{1, 2, 3})); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	items, ok := result["events"].([]any)
	if !ok || len(items) != 3 {
		t.Fatalf("expected 3 items, got %v", result["events"])
	}
}

func TestAddStreamExceedsLimit(t *testing.T) {
	result := map[string]any{}
	b := NewResultBuilder(result, 2)

	err := b.AddStream("events", SliceSeq([]int{1, 2, 3}))
	if err == nil || apperror.As(err).Kind() != apperror.KindTooManyResults {
		t.Fatalf("expected too-many-results, got %v", err)
	}
}

func TestAddStreamUnboundedWhenLimitIsZero(t *testing.T) {
	result := map[string]any{}
	b := NewResultBuilder(result, 0)

	if err := b.AddStream("events", SliceSeq(make([]int, 1000))); err != nil {
		t.Fatalf("expected no limit enforcement, got %v", err)
	}
}

func TestConcatArrayStreamAccumulatesAcrossCalls(t *testing.T) {
	result := map[string]any{}
	b := NewResultBuilder(result, 10)

	if err := b.AddToConcatArrayStream("events", SliceSeq([]int{1, 2})); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := b.AddToConcatArrayStream("events", SliceSeq([]int{3})); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	b.CloseConcatArrayStream("events")

	items, ok := result["events"].([]any)
	if !ok || len(items) != 3 {
		t.Fatalf("expected 3 concatenated items, got %v", result["events"])
	}
}

func TestConcatArrayStreamExceedsLimit(t *testing.T) {
	result := map[string]any{}
	b := NewResultBuilder(result, 2)

	if err := b.AddToConcatArrayStream("events", SliceSeq([]int{1, 2})); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := b.AddToConcatArrayStream("events", SliceSeq([]int{3})); err == nil {
		t.Fatal("expected exceeding the limit across two calls to fail")
	}
}
