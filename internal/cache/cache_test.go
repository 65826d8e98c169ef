package cache

import (
	"testing"

	"github.com/pryvgo/core/internal/model"
)

func TestCacheStoreAndLookup(t *testing.T) {
	c, err := New(16)
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	c.StoreUserID("alice", "user-1")
	id, ok := c.LookupUserID("alice")
	if !ok || id != "user-1" {
		t.Fatalf("expected cached id user-1, got %q ok=%v", id, ok)
	}

	c.StoreStreams("user-1", []*model.Stream{{ID: "s1"}})
	streams, ok := c.Streams("user-1")
	if !ok || len(streams) != 1 {
		t.Fatalf("expected cached streams, got %v ok=%v", streams, ok)
	}

	c.InvalidateUser("user-1")
	if _, ok := c.Streams("user-1"); ok {
		t.Fatal("expected streams evicted after InvalidateUser")
	}
	if _, ok := c.LookupUserID("alice"); !ok {
		t.Fatal("InvalidateUser must not evict the username mapping")
	}
}

func TestDisabledCacheAlwaysMisses(t *testing.T) {
	c, err := New(0)
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	c.StoreUserID("bob", "user-2")
	if _, ok := c.LookupUserID("bob"); ok {
		t.Fatal("disabled cache should never hit")
	}
}
