package dispatch

import (
	"context"
	"testing"

	"github.com/pryvgo/core/internal/apperror"
	"github.com/pryvgo/core/internal/auth"
	"github.com/pryvgo/core/internal/model"
	"github.com/pryvgo/core/internal/pubsub"
	"github.com/pryvgo/core/internal/schema"
	"github.com/pryvgo/core/internal/store/memory"
)

func newTestRegistry(t *testing.T) (*Registry, *memory.Memory, *model.User, *model.Access) {
	t.Helper()
	st := memory.New()
	ctx := context.Background()

	u, err := st.CreateUser(ctx, model.User{Username: "alice"})
	if err != nil {
		t.Fatalf("create user: %v", err)
	}
	a, err := st.CreateAccess(ctx, model.Access{UserID: u.ID, Token: "tok-1", Type: model.AccessPersonal})
	if err != nil {
		t.Fatalf("create access: %v", err)
	}

	deps := &Deps{Store: st, Auth: auth.New(st, nil), Bus: pubsub.NewLocal(), ProtectedFieldMode: ModeStrict}
	r := NewRegistry(deps)
	return r, st, u, a
}

func TestCallUnknownMethod(t *testing.T) {
	r, _, _, _ := newTestRegistry(t)
	env := r.Call(context.Background(), "nope.get", "alice", "tok-1", "", nil)
	if env.Error == nil || env.Error.Kind() != apperror.KindInvalidRequestStructure {
		t.Fatalf("expected invalid-request-structure, got %+v", env.Error)
	}
}

func TestCallRejectsMissingToken(t *testing.T) {
	r, _, _, _ := newTestRegistry(t)
	r.Register(&Method{ID: "echo.get", Steps: []Step{func(c *Context) error { c.Result["ok"] = true; return nil }}})

	env := r.Call(context.Background(), "echo.get", "alice", "", "", nil)
	if env.Error == nil || env.Error.Kind() != apperror.KindInvalidAccessToken {
		t.Fatalf("expected invalid-access-token for a missing token, got %+v", env.Error)
	}
}

func TestCallRunsStepsAndReturnsResult(t *testing.T) {
	r, _, _, _ := newTestRegistry(t)
	r.Register(&Method{ID: "echo.get", Steps: []Step{
		func(c *Context) error { c.Result["userId"] = c.UserID; return nil },
	}})

	env := r.Call(context.Background(), "echo.get", "alice", "tok-1", "", nil)
	if env.Error != nil {
		t.Fatalf("unexpected error: %v", env.Error)
	}
	if env.Result["userId"] == "" {
		t.Fatal("expected the step to populate the resolved userId")
	}
}

func TestCallShortCircuitsOnStepError(t *testing.T) {
	r, _, _, _ := newTestRegistry(t)
	called := false
	r.Register(&Method{ID: "fail.get", Steps: []Step{
		func(c *Context) error { return apperror.New(apperror.KindGone, "boom") },
		func(c *Context) error { called = true; return nil },
	}})

	env := r.Call(context.Background(), "fail.get", "alice", "tok-1", "", nil)
	if env.Error == nil || env.Error.Kind() != apperror.KindGone {
		t.Fatalf("expected the first step's error to propagate, got %+v", env.Error)
	}
	if called {
		t.Fatal("expected the second step to never run after the first failed")
	}
}

func TestCallPublishesNotificationWhenMutating(t *testing.T) {
	st := memory.New()
	ctx := context.Background()
	u, _ := st.CreateUser(ctx, model.User{Username: "alice"})
	_, _ = st.CreateAccess(ctx, model.Access{UserID: u.ID, Token: "tok-1", Type: model.AccessPersonal})

	bus := pubsub.NewLocal()
	deps := &Deps{Store: st, Auth: auth.New(st, nil), Bus: bus, ProtectedFieldMode: ModeStrict}
	r := NewRegistry(deps)
	r.Register(&Method{
		ID: "things.create", Mutating: true, NotifyTopic: pubsub.TopicEventsChanged,
		Steps: []Step{func(c *Context) error { return nil }},
	})

	ch, unsubscribe := bus.Subscribe("alice")
	defer unsubscribe()

	env := r.Call(context.Background(), "things.create", "alice", "tok-1", "", nil)
	if env.Error != nil {
		t.Fatalf("unexpected error: %v", env.Error)
	}

	select {
	case msg := <-ch:
		if msg.Topic != pubsub.TopicEventsChanged {
			t.Fatalf("unexpected topic: %v", msg.Topic)
		}
	default:
		t.Fatal("expected a mutating method to publish a notification")
	}
}

func TestProtectedFieldGuardStrictRejectsNonAlterable(t *testing.T) {
	r, _, _, _ := newTestRegistry(t)
	r.Register(&Method{
		ID: "streams.update", Resource: "streams", Action: schema.Update,
		Steps: []Step{func(c *Context) error { return nil }},
	})

	// singleActivity passes streams.update's schema (it is a declared
	// property there) but isn't in the update whitelist.
	env := r.Call(context.Background(), "streams.update", "alice", "tok-1", "", map[string]any{"singleActivity": true})
	if env.Error == nil || env.Error.Kind() != apperror.KindForbidden {
		t.Fatalf("expected forbidden for a non-alterable field in strict mode, got %+v", env.Error)
	}
}

func TestProtectedFieldGuardLenientStripsNonAlterable(t *testing.T) {
	st := memory.New()
	ctx := context.Background()
	u, _ := st.CreateUser(ctx, model.User{Username: "alice"})
	_, _ = st.CreateAccess(ctx, model.Access{UserID: u.ID, Token: "tok-1", Type: model.AccessPersonal})

	deps := &Deps{Store: st, Auth: auth.New(st, nil), ProtectedFieldMode: ModeLenient}
	r := NewRegistry(deps)
	var seenParams map[string]any
	r.Register(&Method{
		ID: "streams.update", Resource: "streams", Action: schema.Update,
		Steps: []Step{func(c *Context) error { seenParams = c.Params; return nil }},
	})

	env := r.Call(context.Background(), "streams.update", "alice", "tok-1", "", map[string]any{"singleActivity": true, "name": "renamed"})
	if env.Error != nil {
		t.Fatalf("unexpected error: %v", env.Error)
	}
	if _, ok := seenParams["singleActivity"]; ok {
		t.Fatal("expected the non-alterable field to be stripped in lenient mode")
	}
	if _, ok := seenParams["name"]; !ok {
		t.Fatal("expected the alterable field to survive")
	}
}

func TestValidateParamsRejectsMalformedRequest(t *testing.T) {
	r, _, _, _ := newTestRegistry(t)
	r.Register(&Method{
		ID: "events.create", Resource: "events", Action: schema.Create,
		Steps: []Step{func(c *Context) error { return nil }},
	})

	env := r.Call(context.Background(), "events.create", "alice", "tok-1", "", map[string]any{"bogusField": true})
	if env.Error == nil || env.Error.Kind() != apperror.KindInvalidParametersFormat {
		t.Fatalf("expected invalid-parameters-format, got %+v", env.Error)
	}
}

func TestCallBatchContinuesOnError(t *testing.T) {
	r, _, _, _ := newTestRegistry(t)
	r.Register(&Method{ID: "ok.get", Steps: []Step{func(c *Context) error { c.Result["n"] = 1.0; return nil }}})
	r.Register(&Method{ID: "bad.get", Steps: []Step{func(c *Context) error { return apperror.New(apperror.KindGone, "gone") }}})

	results := r.CallBatch(context.Background(), "alice", "tok-1", "", []BatchCall{
		{Method: "ok.get"},
		{Method: "bad.get"},
		{Method: "ok.get"},
	})

	if len(results) != 3 {
		t.Fatalf("expected 3 results, got %d", len(results))
	}
	if results[0].Error != nil || results[0].Result["n"] != 1.0 {
		t.Fatalf("expected first sub-call to succeed, got %+v", results[0])
	}
	if results[1].Error == nil {
		t.Fatal("expected second sub-call to fail")
	}
	if results[2].Error != nil {
		t.Fatal("expected the batch to continue past the failing sub-call")
	}
}
