package attachment

import (
	"bytes"
	"context"
	"io"
	"path/filepath"
	"testing"
)

func TestPutOpenDeleteRoundTrip(t *testing.T) {
	s, err := NewFileStore(filepath.Join(t.TempDir(), "attachments"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	ctx := context.Background()

	n, err := s.Put(ctx, "user-1", "att-1", bytes.NewReader([]byte("hello world")))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n != 11 {
		t.Fatalf("expected size 11, got %d", n)
	}

	r, err := s.Open(ctx, "user-1", "att-1")
	if err != nil || r == nil {
		t.Fatalf("expected to open the stored attachment, got %v %v", r, err)
	}
	defer r.Close()
	got, err := io.ReadAll(r)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(got) != "hello world" {
		t.Fatalf("unexpected content: %q", got)
	}

	if err := s.Delete(ctx, "user-1", "att-1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	r2, err := s.Open(ctx, "user-1", "att-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if r2 != nil {
		t.Fatal("expected nil reader after deletion")
	}
}

func TestOpenMissingReturnsNilNoError(t *testing.T) {
	s, err := NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	r, err := s.Open(context.Background(), "user-1", "missing")
	if err != nil {
		t.Fatalf("expected no error for a missing attachment, got %v", err)
	}
	if r != nil {
		t.Fatal("expected a nil reader for a missing attachment")
	}
}

func TestDeleteMissingIsNotAnError(t *testing.T) {
	s, err := NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := s.Delete(context.Background(), "user-1", "missing"); err != nil {
		t.Fatalf("expected deleting a missing attachment to be a no-op, got %v", err)
	}
}

func TestAttachmentsAreIsolatedPerUser(t *testing.T) {
	s, err := NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	ctx := context.Background()
	if _, err := s.Put(ctx, "alice", "att-1", bytes.NewReader([]byte("a"))); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	r, err := s.Open(ctx, "bob", "att-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if r != nil {
		t.Fatal("expected bob's lookup of alice's attachment id to miss")
	}
}
