package apperror

import (
	"errors"
	"net/http"
	"testing"
)

func TestHTTPStatusMapping(t *testing.T) {
	cases := map[Kind]int{
		KindInvalidParametersFormat: http.StatusBadRequest,
		KindInvalidAccessToken:      http.StatusUnauthorized,
		KindForbidden:               http.StatusForbidden,
		KindUnknownResource:         http.StatusNotFound,
		KindItemAlreadyExists:       http.StatusConflict,
		KindGone:                    http.StatusGone,
		KindUnsupportedContentType:  http.StatusUnsupportedMediaType,
		KindTooManyResults:          http.StatusRequestEntityTooLarge,
		KindUnexpected:              http.StatusInternalServerError,
	}
	for kind, want := range cases {
		if got := kind.HTTPStatus(); got != want {
			t.Fatalf("%s: expected %d, got %d", kind, want, got)
		}
	}
}

func TestAsExtractsWrappedError(t *testing.T) {
	base := New(KindForbidden, "nope")
	wrapped := errors.Join(errors.New("context"), base)

	got := As(wrapped)
	if got == nil || got.Kind() != KindForbidden {
		t.Fatalf("expected to extract the *Error, got %v", got)
	}
}

func TestAsReturnsNilForPlainError(t *testing.T) {
	if As(errors.New("plain")) != nil {
		t.Fatal("expected nil for a plain error")
	}
}

func TestFromStorageClassifiesDuplicateKey(t *testing.T) {
	err := FromStorage(DuplicateKeyError{Keys: []string{"username"}})
	if err.Kind() != KindItemAlreadyExists {
		t.Fatalf("expected item-already-exists, got %s", err.Kind())
	}
}

func TestFromStorageDefaultsToUnexpected(t *testing.T) {
	err := FromStorage(errors.New("connection reset"))
	if err.Kind() != KindUnexpected {
		t.Fatalf("expected unexpected-error, got %s", err.Kind())
	}
}

func TestFromStoragePassesThroughExistingAppError(t *testing.T) {
	original := New(KindGone, "already removed")
	got := FromStorage(original)
	if got != original {
		t.Fatal("expected FromStorage to pass an existing *Error through unchanged")
	}
}

func TestFromStorageNilIsNil(t *testing.T) {
	if FromStorage(nil) != nil {
		t.Fatal("expected nil in, nil out")
	}
}

func TestWrapPreservesCauseForUnwrap(t *testing.T) {
	cause := errors.New("boom")
	e := Wrap(cause, KindUnexpected, "failed")
	if !errors.Is(e, cause) {
		t.Fatal("expected errors.Is to find the wrapped cause")
	}
}
