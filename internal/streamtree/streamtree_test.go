package streamtree

import (
	"context"
	"testing"

	"github.com/pryvgo/core/internal/model"
	"github.com/pryvgo/core/internal/store"
	"github.com/pryvgo/core/internal/store/memory"
)

func strPtr(s string) *string { return &s }

func buildSample() *Tree {
	return Build([]*model.Stream{
		{ID: "root", ParentID: nil},
		{ID: "child", ParentID: strPtr("root")},
		{ID: "grandchild", ParentID: strPtr("child")},
	})
}

func TestAncestryWalksToRoot(t *testing.T) {
	tree := buildSample()
	got := tree.Ancestry("grandchild")
	want := []string{"grandchild", "child", "root"}
	if len(got) != len(want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, got)
		}
	}
}

func TestAncestryOfSyntheticStreamIsItself(t *testing.T) {
	tree := buildSample()
	got := tree.Ancestry(model.TagStreamPrefix + "urgent")
	if len(got) != 1 || got[0] != model.TagStreamPrefix+"urgent" {
		t.Fatalf("expected a single-element self ancestry, got %v", got)
	}
}

func TestDescendantsIncludesSelfAndSubtree(t *testing.T) {
	tree := buildSample()
	got := tree.Descendants("root")
	if len(got) != 3 {
		t.Fatalf("expected 3 streams in root's subtree, got %v", got)
	}
}

func TestFlatReturnsEveryStream(t *testing.T) {
	tree := buildSample()
	if len(tree.Flat()) != 3 {
		t.Fatalf("expected 3 flattened streams, got %d", len(tree.Flat()))
	}
}

func TestIsCUIDLike(t *testing.T) {
	if !IsCUIDLike(NewID()) {
		t.Fatal("expected a freshly minted id to look cuid-like")
	}
	if IsCUIDLike("not-a-valid-id") {
		t.Fatal("expected an arbitrary string to not look cuid-like")
	}
}

func TestIsSynthetic(t *testing.T) {
	if !IsSynthetic(model.StreamAccount) {
		t.Fatal("expected the account system stream to be synthetic")
	}
	if !IsSynthetic(model.TagStreamPrefix + "x") {
		t.Fatal("expected a tag stream to be synthetic")
	}
	if IsSynthetic("regular-stream") {
		t.Fatal("expected a regular stream id to not be synthetic")
	}
}

func TestEngineCreateRejectsUnknownParent(t *testing.T) {
	st := memory.New()
	ctx := context.Background()
	u, _ := st.CreateUser(ctx, model.User{Username: "alice"})

	e := New(st, st)
	_, err := e.Create(ctx, u.ID, model.Stream{Name: "s1", ParentID: strPtr("missing")})
	if err == nil {
		t.Fatal("expected an error creating under a nonexistent parent")
	}
}

func TestEngineDeleteIsTwoPhase(t *testing.T) {
	st := memory.New()
	ctx := context.Background()
	u, _ := st.CreateUser(ctx, model.User{Username: "alice"})

	e := New(st, st)
	parent, err := e.Create(ctx, u.ID, model.Stream{Name: "Parent"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	first, err := e.Delete(ctx, u.ID, parent.ID, false)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if first.PermanentlyGone {
		t.Fatal("expected the first delete to only trash the stream")
	}

	second, err := e.Delete(ctx, u.ID, parent.ID, false)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !second.PermanentlyGone {
		t.Fatal("expected the second delete on an already-trashed stream to remove it permanently")
	}

	got, err := st.GetStream(ctx, u.ID, parent.ID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != nil {
		t.Fatal("expected the stream to be gone after the permanent delete")
	}
}

func TestEngineDeleteRejectsSyntheticStream(t *testing.T) {
	st := memory.New()
	ctx := context.Background()
	u, _ := st.CreateUser(ctx, model.User{Username: "alice"})
	e := New(st, st)

	if _, err := e.Delete(ctx, u.ID, model.StreamAccount, false); err == nil {
		t.Fatal("expected deleting a synthetic stream to be rejected")
	}
}

func TestEngineUpdateRejectsSingleActivity(t *testing.T) {
	st := memory.New()
	ctx := context.Background()
	u, _ := st.CreateUser(ctx, model.User{Username: "alice"})
	e := New(st, st)
	s, err := e.Create(ctx, u.ID, model.Stream{Name: "s1"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	_, err = e.Update(ctx, u.ID, s.ID, map[string]any{"singleActivity": true}, true)
	if err == nil {
		t.Fatal("expected singleActivity to be rejected on update")
	}
}

var _ store.StreamStorer = (*memory.Memory)(nil)
