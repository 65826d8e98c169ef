package auth

import (
	"context"
	"testing"
	"time"

	"github.com/pryvgo/core/internal/cache"
	"github.com/pryvgo/core/internal/model"
	"github.com/pryvgo/core/internal/store/memory"
)

func TestResolveRejectsUnknownAndExpiredToken(t *testing.T) {
	st := memory.New()
	ctx := context.Background()

	u, err := st.CreateUser(ctx, model.User{Username: "alice"})
	if err != nil {
		t.Fatalf("create user: %v", err)
	}

	expired := time.Now().Add(-time.Hour).Unix()
	a, err := st.CreateAccess(ctx, model.Access{UserID: u.ID, Token: "tok-expired", Type: model.AccessApp, Expires: &expired})
	if err != nil {
		t.Fatalf("create access: %v", err)
	}

	r := New(st, nil)

	if _, err := r.Resolve(ctx, u.ID, "nope"); err == nil {
		t.Fatal("expected error for unknown token")
	}
	if _, err := r.Resolve(ctx, u.ID, a.Token); err == nil {
		t.Fatal("expected error for expired access")
	}
}

func TestResolvePrefersCacheAndRejectsUnknownOnHit(t *testing.T) {
	st := memory.New()
	ctx := context.Background()
	u, _ := st.CreateUser(ctx, model.User{Username: "alice"})
	live, err := st.CreateAccess(ctx, model.Access{UserID: u.ID, Token: "tok-live", Type: model.AccessApp})
	if err != nil {
		t.Fatalf("create access: %v", err)
	}

	c, err := cache.New(16)
	if err != nil {
		t.Fatalf("new cache: %v", err)
	}
	c.StoreAccesses(u.ID, []*model.Access{live})

	r := New(st, c)

	got, err := r.Resolve(ctx, u.ID, "tok-live")
	if err != nil || got.ID != live.ID {
		t.Fatalf("expected cache hit to resolve access, got %v err %v", got, err)
	}

	if _, err := r.Resolve(ctx, u.ID, "tok-not-cached"); err == nil {
		t.Fatal("expected cache hit path to reject a token absent from the cached set")
	}
}

func TestAuthorizePersonalBypassesPermissions(t *testing.T) {
	access := &model.Access{Type: model.AccessPersonal}
	if err := Authorize("events.get", access, nil, model.LevelManage); err != nil {
		t.Fatalf("expected personal access to bypass permission check, got %v", err)
	}
	if err := Authorize("profile.getApp", access, nil, model.LevelRead); err == nil {
		t.Fatal("expected profile.getApp to stay forbidden for personal access")
	}
}

func TestAuthorizeWalksAncestryForBestLevel(t *testing.T) {
	access := &model.Access{Type: model.AccessShared, Permissions: []model.Permission{
		{StreamID: "parent", Level: model.LevelRead},
		{StreamID: "child", Level: model.LevelContribute},
	}}

	if err := Authorize("events.create", access, []string{"child", "parent"}, model.LevelContribute); err != nil {
		t.Fatalf("expected contribute permission on child to satisfy requirement, got %v", err)
	}
	if err := Authorize("events.create", access, []string{"parent"}, model.LevelManage); err == nil {
		t.Fatal("expected read-level permission to not satisfy manage requirement")
	}
}

func TestAuthorizeWildcardStreamGrantsEverything(t *testing.T) {
	access := &model.Access{Type: model.AccessShared, Permissions: []model.Permission{
		{StreamID: "*", Level: model.LevelManage},
	}}
	if err := Authorize("streams.delete", access, []string{"anything"}, model.LevelManage); err != nil {
		t.Fatalf("expected wildcard permission to grant manage anywhere, got %v", err)
	}
}

func TestAuthorizeMultiStreamAnyVsAll(t *testing.T) {
	access := &model.Access{Type: model.AccessShared, Permissions: []model.Permission{
		{StreamID: "s1", Level: model.LevelContribute},
	}}
	ancestry := map[string][]string{"s1": {"s1"}, "s2": {"s2"}}

	if err := AuthorizeMultiStream("events.get", access, ancestry, model.LevelRead, false); err != nil {
		t.Fatalf("expected any-of semantics to succeed via s1, got %v", err)
	}
	if err := AuthorizeMultiStream("events.update", access, ancestry, model.LevelRead, true); err == nil {
		t.Fatal("expected all-of semantics to fail since s2 grants nothing")
	}
}

func TestPersonalOnlyMethod(t *testing.T) {
	if !PersonalOnlyMethod("account.get") {
		t.Fatal("expected account.get to be personal-only")
	}
	if PersonalOnlyMethod("events.get") {
		t.Fatal("expected events.get to not be personal-only")
	}
}
