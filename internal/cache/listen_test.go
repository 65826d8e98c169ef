package cache

import (
	"context"
	"testing"
	"time"

	"github.com/pryvgo/core/internal/model"
	"github.com/pryvgo/core/internal/pubsub"
)

func TestListenEvictsOnUnsetAccessLogic(t *testing.T) {
	c, err := New(16)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	c.StoreAccesses("user-1", []*model.Access{{ID: "a1"}})

	bus := pubsub.NewLocal()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go Listen(ctx, bus, c)
	time.Sleep(10 * time.Millisecond) // let the subscription register

	bus.Publish(ctx, pubsub.Message{
		Subject: "user-1",
		Topic:   pubsub.TopicUnsetAccessLogic,
		Data:    pubsub.UnsetAccessLogicPayload{UserID: "user-1", AccessID: "a1"},
	})

	waitFor(t, func() bool {
		_, ok := c.Accesses("user-1")
		return !ok
	})
}

func TestListenEvictsOnUnsetUserCascadesToUserData(t *testing.T) {
	c, err := New(16)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	c.StoreUserID("alice", "user-1")
	c.StoreStreams("user-1", []*model.Stream{{ID: "s1"}})

	bus := pubsub.NewLocal()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go Listen(ctx, bus, c)
	time.Sleep(10 * time.Millisecond)

	bus.Publish(ctx, pubsub.Message{
		Subject: pubsub.GlobalSubject,
		Topic:   pubsub.TopicUnsetUser,
		Data:    pubsub.UnsetUserPayload{Username: "alice"},
	})

	waitFor(t, func() bool {
		_, ok := c.LookupUserID("alice")
		if ok {
			return false
		}
		_, streamsOk := c.Streams("user-1")
		return !streamsOk
	})
}

// TestListenDecodesBridgedPayload ensures a payload that has been round-
// tripped through JSON (as cluster.Cluster.Start's onCoherence delivers it)
// still decodes correctly, since msg.Data then holds a map[string]any
// rather than the original payload struct.
func TestListenDecodesBridgedPayload(t *testing.T) {
	c, err := New(16)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	c.StoreAccesses("user-1", []*model.Access{{ID: "a1"}})

	var asAny any = map[string]any{"userId": "user-1", "accessId": "a1", "accessToken": ""}

	bus := pubsub.NewLocal()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go Listen(ctx, bus, c)
	time.Sleep(10 * time.Millisecond)

	bus.Publish(ctx, pubsub.Message{
		Subject: "user-1",
		Topic:   pubsub.TopicUnsetAccessLogic,
		Data:    asAny,
	})

	waitFor(t, func() bool {
		_, ok := c.Accesses("user-1")
		return !ok
	})
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met within timeout")
}
