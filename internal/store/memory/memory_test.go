package memory

import (
	"context"
	"testing"

	"github.com/pryvgo/core/internal/apperror"
	"github.com/pryvgo/core/internal/model"
	"github.com/pryvgo/core/internal/store"
)

func TestCreateUserDuplicateUsername(t *testing.T) {
	ctx := context.Background()
	m := New()

	if _, err := m.CreateUser(ctx, model.User{Username: "alice", Email: "alice@example.com"}); err != nil {
		t.Fatalf("first create: %v", err)
	}
	_, err := m.CreateUser(ctx, model.User{Username: "alice", Email: "other@example.com"})
	if err == nil {
		t.Fatal("expected duplicate username error")
	}
	var dup apperror.DuplicateKeyError
	if !asDuplicate(err, &dup) {
		t.Fatalf("expected DuplicateKeyError, got %v", err)
	}
}

func asDuplicate(err error, out *apperror.DuplicateKeyError) bool {
	d, ok := err.(apperror.DuplicateKeyError)
	if ok {
		*out = d
	}
	return ok
}

func TestStreamCreateDuplicateNameUnderSameParent(t *testing.T) {
	ctx := context.Background()
	m := New()
	u, _ := m.CreateUser(ctx, model.User{Username: "bob"})

	if _, err := m.CreateStream(ctx, model.Stream{UserID: u.ID, Name: "Diary"}); err != nil {
		t.Fatalf("create stream: %v", err)
	}
	_, err := m.CreateStream(ctx, model.Stream{UserID: u.ID, Name: "Diary"})
	if err == nil {
		t.Fatal("expected duplicate name error")
	}
}

func TestStreamDeleteRecordsTombstone(t *testing.T) {
	ctx := context.Background()
	m := New()
	u, _ := m.CreateUser(ctx, model.User{Username: "carl"})
	s, _ := m.CreateStream(ctx, model.Stream{UserID: u.ID, Name: "Work"})

	if err := m.DeleteStream(ctx, u.ID, s.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	dels, err := m.ListDeletedStreamsSince(ctx, u.ID, 0)
	if err != nil {
		t.Fatalf("list deletions: %v", err)
	}
	if len(dels) != 1 || dels[0].ID != s.ID {
		t.Fatalf("expected one tombstone for %s, got %+v", s.ID, dels)
	}
}

func TestEventQueryFiltersByStreamAndTag(t *testing.T) {
	ctx := context.Background()
	m := New()
	u, _ := m.CreateUser(ctx, model.User{Username: "dana"})

	e1, _ := m.CreateEvent(ctx, model.Event{UserID: u.ID, StreamIDs: []string{"s1"}, Type: "note/txt", Time: 1, Tags: []string{"red"}})
	_, _ = m.CreateEvent(ctx, model.Event{UserID: u.ID, StreamIDs: []string{"s2"}, Type: "note/txt", Time: 2, Tags: []string{"blue"}})

	results, err := m.Query(ctx, u.ID, store.EventQuery{Streams: store.StreamQuery{Any: []string{"s1"}}})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(results) != 1 || results[0].ID != e1.ID {
		t.Fatalf("expected only e1, got %+v", results)
	}

	results, err = m.Query(ctx, u.ID, store.EventQuery{Tags: []string{"blue"}})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(results) != 1 || results[0].Tags[0] != "blue" {
		t.Fatalf("expected only blue-tagged event, got %+v", results)
	}
}

func TestEventQueryExcludesTrashedByDefault(t *testing.T) {
	ctx := context.Background()
	m := New()
	u, _ := m.CreateUser(ctx, model.User{Username: "erin"})
	e, _ := m.CreateEvent(ctx, model.Event{UserID: u.ID, StreamIDs: []string{"s1"}, Type: "note/txt", Time: 1})
	if _, err := m.TrashEvent(ctx, u.ID, e.ID, true); err != nil {
		t.Fatalf("trash: %v", err)
	}

	results, err := m.Query(ctx, u.ID, store.EventQuery{State: store.StateDefault})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(results) != 0 {
		t.Fatalf("expected trashed event excluded, got %+v", results)
	}

	results, err = m.Query(ctx, u.ID, store.EventQuery{State: store.StateAll})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("expected trashed event included with state=all, got %+v", results)
	}
}

func TestUpdateEventRecordsHistory(t *testing.T) {
	ctx := context.Background()
	m := New()
	u, _ := m.CreateUser(ctx, model.User{Username: "finn"})
	e, _ := m.CreateEvent(ctx, model.Event{UserID: u.ID, StreamIDs: []string{"s1"}, Type: "note/txt", Time: 1, Content: "v1"})

	if _, err := m.UpdateEvent(ctx, u.ID, e.ID, map[string]any{"content": "v2"}); err != nil {
		t.Fatalf("update: %v", err)
	}

	history, err := m.GetEventHistory(ctx, u.ID, e.ID)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(history) != 1 || history[0].Content != "v1" {
		t.Fatalf("expected one history entry with original content, got %+v", history)
	}
	if history[0].HeadID == nil || *history[0].HeadID != e.ID {
		t.Fatalf("expected history headId to point at %s, got %+v", e.ID, history[0].HeadID)
	}
}

func TestReassignStreamIDMovesEventsOnDeletion(t *testing.T) {
	ctx := context.Background()
	m := New()
	u, _ := m.CreateUser(ctx, model.User{Username: "gina"})
	e, _ := m.CreateEvent(ctx, model.Event{UserID: u.ID, StreamIDs: []string{"child", "other"}, Type: "note/txt", Time: 1})

	updated, err := m.ReassignStreamID(ctx, u.ID, "child", "parent")
	if err != nil {
		t.Fatalf("reassign: %v", err)
	}
	if updated != 1 {
		t.Fatalf("expected 1 event updated, got %d", updated)
	}

	got, err := m.GetEvent(ctx, u.ID, e.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if len(got.StreamIDs) != 2 {
		t.Fatalf("expected 2 streamIds after reassign, got %v", got.StreamIDs)
	}
	found := false
	for _, id := range got.StreamIDs {
		if id == "parent" {
			found = true
		}
		if id == "child" {
			t.Fatalf("child streamId should have been removed, got %v", got.StreamIDs)
		}
	}
	if !found {
		t.Fatalf("expected parent streamId present, got %v", got.StreamIDs)
	}
}

func TestAccessCreateDuplicateTokenRejected(t *testing.T) {
	ctx := context.Background()
	m := New()
	u, _ := m.CreateUser(ctx, model.User{Username: "hank"})

	if _, err := m.CreateAccess(ctx, model.Access{UserID: u.ID, Token: "tok-1", Name: "app-a", Type: model.AccessApp}); err != nil {
		t.Fatalf("create access: %v", err)
	}
	_, err := m.CreateAccess(ctx, model.Access{UserID: u.ID, Token: "tok-1", Name: "app-b", Type: model.AccessApp})
	if err == nil {
		t.Fatal("expected duplicate token error")
	}
}

func TestProfileBucketsAreIsolatedByScope(t *testing.T) {
	ctx := context.Background()
	m := New()
	u, _ := m.CreateUser(ctx, model.User{Username: "iris"})

	if _, err := m.UpdateProfile(ctx, u.ID, model.ProfilePublic, "", map[string]any{"nickname": "Iris"}); err != nil {
		t.Fatalf("update public: %v", err)
	}
	if _, err := m.UpdateProfile(ctx, u.ID, model.ProfileApp, "access-1", map[string]any{"theme": "dark"}); err != nil {
		t.Fatalf("update app: %v", err)
	}

	pub, err := m.GetProfile(ctx, u.ID, model.ProfilePublic, "")
	if err != nil {
		t.Fatalf("get public: %v", err)
	}
	if _, ok := pub["theme"]; ok {
		t.Fatal("app-scoped key leaked into public bucket")
	}
	if pub["nickname"] != "Iris" {
		t.Fatalf("expected nickname in public bucket, got %+v", pub)
	}
}
