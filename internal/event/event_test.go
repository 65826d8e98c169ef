package event

import (
	"testing"

	"github.com/pryvgo/core/internal/apperror"
	"github.com/pryvgo/core/internal/model"
)

func TestNormalizeCreateRejectsBothStreamIDAndStreamIDs(t *testing.T) {
	_, _, err := NormalizeCreate(map[string]any{
		"streamId":  "s1",
		"streamIds": []any{"s2"},
	})
	if err == nil {
		t.Fatal("expected an error when both streamId and streamIds are supplied")
	}
}

func TestNormalizeCreateBuildsTagStreamsAndDedupes(t *testing.T) {
	ids, tags, err := NormalizeCreate(map[string]any{
		"streamIds": []any{"s1", "s1"},
		"tags":      []any{" urgent ", ""},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(ids) != 2 || ids[0] != "s1" || ids[1] != model.TagStreamPrefix+"urgent" {
		t.Fatalf("unexpected ids: %v", ids)
	}
	if len(tags) != 1 || tags[0] != "urgent" {
		t.Fatalf("unexpected tags: %v", tags)
	}
}

func TestValidateTypePattern(t *testing.T) {
	if err := ValidateType("note/txt"); err != nil {
		t.Fatalf("expected note/txt to be valid, got %v", err)
	}
	if err := ValidateType("series:position/wgs84"); err != nil {
		t.Fatalf("expected series-prefixed type to be valid, got %v", err)
	}
	if err := ValidateType("not a type"); err == nil {
		t.Fatal("expected an invalid type to be rejected")
	}
}

func TestValidateTypeSwapOnlyAppliesToRunningEvents(t *testing.T) {
	stopped := &model.Event{Type: "note/txt", Duration: floatPtr(1)}
	if err := ValidateTypeSwap(stopped, "series:position/wgs84"); err != nil {
		t.Fatalf("expected a stopped event to permit any type swap, got %v", err)
	}

	running := &model.Event{Type: "note/txt", Duration: nil}
	if err := ValidateTypeSwap(running, "series:position/wgs84"); err == nil {
		t.Fatal("expected a running event to reject toggling series-ness")
	}
	if err := ValidateTypeSwap(running, "note/plain"); err != nil {
		t.Fatalf("expected staying non-series to be allowed, got %v", err)
	}
}

func TestFilterUpdateStrictVsLenient(t *testing.T) {
	patch := map[string]any{"tags": []any{"a"}, "id": "nope"}

	if _, err := FilterUpdate(patch, true); err == nil {
		t.Fatal("expected strict mode to reject a non-alterable field")
	}

	clean, err := FilterUpdate(patch, false)
	if err != nil {
		t.Fatalf("unexpected error in lenient mode: %v", err)
	}
	if _, ok := clean["id"]; ok {
		t.Fatal("expected lenient mode to strip the non-alterable field")
	}
	if _, ok := clean["tags"]; !ok {
		t.Fatal("expected the alterable field to survive")
	}
}

func TestAttachmentSizeSum(t *testing.T) {
	atts := []model.Attachment{{Size: 10}, {Size: 32}}
	if got := AttachmentSizeSum(atts); got != 42 {
		t.Fatalf("expected 42, got %d", got)
	}
}

func TestPrepareCreateAndFinalizeSetsIntegrity(t *testing.T) {
	e, err := PrepareCreate("user-1", map[string]any{"type": "note/txt", "content": "hi"}, []string{"s1"}, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if e.Type != "note/txt" || e.Time == 0 {
		t.Fatalf("unexpected event: %+v", e)
	}
	if err := Finalize(&e); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if e.Integrity == "" {
		t.Fatal("expected Finalize to set an integrity hash")
	}
}

func TestPrepareCreateRejectsBadType(t *testing.T) {
	_, err := PrepareCreate("user-1", map[string]any{"type": "bogus"}, nil, nil)
	if err == nil {
		t.Fatal("expected an error for an invalid type")
	}
	if apperror.As(err).Kind() != apperror.KindInvalidParametersFormat {
		t.Fatalf("unexpected error kind: %v", err)
	}
}

func floatPtr(v float64) *float64 { return &v }
