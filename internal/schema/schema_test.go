package schema

import (
	"net/url"
	"testing"
)

func TestEventsCreateRequiresType(t *testing.T) {
	d := Lookup("events", Create)
	if d == nil {
		t.Fatal("expected events.create to be registered")
	}
	if errs := Validate(d, map[string]any{"streamId": "s1"}); len(errs) == 0 {
		t.Fatal("expected a validation error for missing required type")
	}
	if errs := Validate(d, map[string]any{"type": "note/txt", "streamId": "s1"}); len(errs) != 0 {
		t.Fatalf("expected valid params to pass, got %v", errs)
	}
}

func TestEventsCreateRejectsUnknownProperty(t *testing.T) {
	d := Lookup("events", Create)
	errs := Validate(d, map[string]any{"type": "note/txt", "bogus": true})
	if len(errs) == 0 {
		t.Fatal("expected additionalProperties: false to reject an unknown field")
	}
}

func TestEventsUpdateAlterableProperties(t *testing.T) {
	d := Lookup("events", Update)
	if d == nil {
		t.Fatal("expected events.update to be registered")
	}
	if !d.IsAlterable("tags") {
		t.Fatal("expected tags to be alterable on events.update")
	}
	if d.IsAlterable("id") {
		t.Fatal("id must not be alterable via events.update")
	}
}

func TestIsAlterableWithNoWhitelistAllowsEverything(t *testing.T) {
	d := Lookup("events", Read)
	if !d.IsAlterable("anything") {
		t.Fatal("a descriptor with no alterable whitelist should allow everything")
	}
}

func TestLookupUnknownReturnsNil(t *testing.T) {
	if Lookup("nope", Create) != nil {
		t.Fatal("expected nil for an unregistered resource/action pair")
	}
	if Validate(nil, map[string]any{"x": 1}) != nil {
		t.Fatal("expected Validate(nil, ...) to report no errors")
	}
}

func TestCoerceQueryParams(t *testing.T) {
	d := Lookup("events", Read)
	values := url.Values{
		"tags":          []string{"a", "b"},
		"sortAscending": []string{"true"},
		"skip":          []string{"10"},
		"fromTime":      []string{"1000.5"},
	}
	out := Coerce(d, values)

	tags, ok := out["tags"].([]any)
	if !ok || len(tags) != 2 {
		t.Fatalf("expected tags coerced to a 2-element array, got %v", out["tags"])
	}
	if out["sortAscending"] != true {
		t.Fatalf("expected sortAscending coerced to bool true, got %v", out["sortAscending"])
	}
	if out["skip"] != float64(10) {
		t.Fatalf("expected skip coerced to a number, got %v", out["skip"])
	}
	if out["fromTime"] != 1000.5 {
		t.Fatalf("expected fromTime coerced to a float, got %v", out["fromTime"])
	}
}

func TestCoerceSingleValueArrayBecomesOneElement(t *testing.T) {
	d := Lookup("events", Read)
	out := Coerce(d, url.Values{"types": []string{"note/txt"}})
	arr, ok := out["types"].([]any)
	if !ok || len(arr) != 1 || arr[0] != "note/txt" {
		t.Fatalf("expected a single-element array, got %v", out["types"])
	}
}

func TestCoerceInvalidBoolLeftAsString(t *testing.T) {
	d := Lookup("events", Read)
	out := Coerce(d, url.Values{"sortAscending": []string{"maybe"}})
	if out["sortAscending"] != "maybe" {
		t.Fatalf("expected an unparseable bool left as the raw string, got %v", out["sortAscending"])
	}
}
