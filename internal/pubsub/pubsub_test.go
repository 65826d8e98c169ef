package pubsub

import (
	"context"
	"testing"
	"time"
)

func TestLocalBusDeliversToSubscriber(t *testing.T) {
	bus := NewLocal()
	ch, unsubscribe := bus.Subscribe("user-1")
	defer unsubscribe()

	bus.Publish(context.Background(), Message{Subject: "user-1", Topic: TopicEventsChanged, Data: "evt-1"})

	select {
	case msg := <-ch:
		if msg.Topic != TopicEventsChanged || msg.Data != "evt-1" {
			t.Fatalf("unexpected message: %+v", msg)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for notification")
	}
}

func TestLocalBusDoesNotCrossUsers(t *testing.T) {
	bus := NewLocal()
	ch, unsubscribe := bus.Subscribe("user-1")
	defer unsubscribe()

	bus.Publish(context.Background(), Message{Subject: "user-2", Topic: TopicEventsChanged})

	select {
	case msg := <-ch:
		t.Fatalf("unexpected cross-user delivery: %+v", msg)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestLocalBusPublishNeverBlocksOnFullSubscriber(t *testing.T) {
	bus := NewLocal()
	ch, unsubscribe := bus.Subscribe("user-1")
	defer unsubscribe()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 1000; i++ {
			bus.Publish(context.Background(), Message{Subject: "user-1", Topic: TopicStreamsChanged})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked on a full subscriber buffer")
	}
	// Drain so the goroutine's sends aren't left dangling in the test.
	for {
		select {
		case <-ch:
		default:
			return
		}
	}
}

func TestLocalBusDeliversToGlobalSubscriberRegardlessOfSubject(t *testing.T) {
	bus := NewLocal()
	ch, unsubscribe := bus.Subscribe(GlobalSubject)
	defer unsubscribe()

	bus.Publish(context.Background(), Message{Subject: "user-1", Topic: TopicUnsetAccessLogic})

	select {
	case msg := <-ch:
		if msg.Topic != TopicUnsetAccessLogic {
			t.Fatalf("unexpected message: %+v", msg)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for global delivery")
	}
}

func TestUnsubscribeRemovesSubscriber(t *testing.T) {
	bus := NewLocal()
	_, unsubscribe := bus.Subscribe("user-1")
	unsubscribe()

	if subs, ok := bus.subs["user-1"]; ok && len(subs) != 0 {
		t.Fatalf("expected no subscribers left, got %d", len(subs))
	}
}
