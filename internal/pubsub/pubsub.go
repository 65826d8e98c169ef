// Package pubsub implements the notification and cache-coherence substrate
// of spec.md §4.3/§7.2 (C7): an in-process topic bus that fans out
// data-change notifications to WebSocket subscribers and cache invalidators,
// plus an optional cross-process bridge over internal/cluster so a mutation
// on one server process is visible to subscribers and caches on every
// sibling process.
package pubsub

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/pryvgo/core/internal/cluster"
)

// Topic names a kind of change notification.
type Topic string

// Data-change topics (spec.md §4.7.1): pushed to WebSocket sessions
// subscribed to a user's namespace, named exactly as the source names them.
const (
	TopicEventsChanged         Topic = "username-based-events-changed"
	TopicStreamsChanged        Topic = "username-based-streams-changed"
	TopicAccessesChanged       Topic = "username-based-accesses-changed"
	TopicFollowedSlicesChanged Topic = "username-based-followedslices-changed"
	TopicAccountChanged        Topic = "username-based-account-changed"
)

// Cache topics (spec.md §4.3): consumed by internal/cache invalidation, not
// exposed to WebSocket clients.
const (
	// TopicUnsetAccessLogic carries {userId, accessId, accessToken}: remove
	// that access from both index maps.
	TopicUnsetAccessLogic Topic = "unset-access-logic"
	// TopicUnsetUserData carries {userId}: drop streams and all accesses
	// cached for that user.
	TopicUnsetUserData Topic = "unset-user-data"
	// TopicUnsetUser carries {username}: drop the username->userId binding
	// and cascade TopicUnsetUserData. Delivered on the single global channel.
	TopicUnsetUser Topic = "unset-user"
)

// UnsetAccessLogicPayload is the TopicUnsetAccessLogic message payload.
type UnsetAccessLogicPayload struct {
	UserID      string `json:"userId"`
	AccessID    string `json:"accessId"`
	AccessToken string `json:"accessToken"`
}

// UnsetUserDataPayload is the TopicUnsetUserData message payload.
type UnsetUserDataPayload struct {
	UserID string `json:"userId"`
}

// UnsetUserPayload is the TopicUnsetUser message payload.
type UnsetUserPayload struct {
	Username string `json:"username"`
}

// GlobalSubject is the subject all subscribers to the single global
// unset-user channel use, since that topic is not scoped to one user.
const GlobalSubject = "*"

// Message is one notification: a subject-scoped topic plus an opaque
// payload. Subject is a username for data-change topics, a userId for
// per-user cache topics, or GlobalSubject for TopicUnsetUser.
type Message struct {
	Subject string `json:"subject"`
	Topic   Topic  `json:"topic"`
	Data    any    `json:"data,omitempty"`
}

// Bus publishes and subscribes to subject-scoped change notifications.
type Bus interface {
	// Publish fans Message out to every current subscriber of msg.Subject.
	// Publish never blocks on a slow subscriber: a subscriber whose buffer
	// is full misses the notification rather than stalling the mutation
	// that triggered it (spec.md §4.3 permits coalescing).
	Publish(ctx context.Context, msg Message)
	// Subscribe returns a channel of notifications for subject and an
	// unsubscribe function the caller must call when done listening.
	Subscribe(subject string) (ch <-chan Message, unsubscribe func())
}

// LocalBus is the in-process fan-out implementation. It is always present,
// even in single-process deployments; BridgedBus wraps it to add
// cross-process delivery.
type LocalBus struct {
	mu     sync.Mutex
	nextID int
	subs   map[string]map[int]chan Message // subject -> subscriberID -> channel
}

// NewLocal returns an empty LocalBus.
func NewLocal() *LocalBus {
	return &LocalBus{subs: make(map[string]map[int]chan Message)}
}

func (b *LocalBus) Publish(_ context.Context, msg Message) {
	b.mu.Lock()
	defer b.mu.Unlock()

	deliver := func(ch chan Message) {
		select {
		case ch <- msg:
		default:
			// Subscriber too slow to keep up; drop rather than block the
			// mutation path. Matches the bus's documented coalescing leeway.
		}
	}

	for _, ch := range b.subs[msg.Subject] {
		deliver(ch)
	}
	// GlobalSubject subscribers (internal/cache's coherence listener) see
	// every message regardless of subject, so a single subscription covers
	// both the per-user cache topics and TopicUnsetUser.
	if msg.Subject != GlobalSubject {
		for _, ch := range b.subs[GlobalSubject] {
			deliver(ch)
		}
	}
}

func (b *LocalBus) Subscribe(subject string) (<-chan Message, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.subs[subject] == nil {
		b.subs[subject] = make(map[int]chan Message)
	}
	id := b.nextID
	b.nextID++
	ch := make(chan Message, 32)
	b.subs[subject][id] = ch

	unsubscribe := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if subs, ok := b.subs[subject]; ok {
			delete(subs, id)
			if len(subs) == 0 {
				delete(b.subs, subject)
			}
		}
		close(ch)
	}

	return ch, unsubscribe
}

// BridgedBus wraps a LocalBus with a cluster.Cluster so notifications
// published on this process are broadcast to sibling processes, and
// notifications broadcast by siblings are published on this process's
// LocalBus in turn. With no cluster configured it behaves exactly like
// LocalBus.
type BridgedBus struct {
	local   *LocalBus
	cluster *cluster.Cluster
}

// NewBridged wraps local with cluster. cluster may be nil (no clustering).
func NewBridged(local *LocalBus, c *cluster.Cluster) *BridgedBus {
	return &BridgedBus{local: local, cluster: c}
}

func (b *BridgedBus) Publish(ctx context.Context, msg Message) {
	b.local.Publish(ctx, msg)

	if b.cluster == nil {
		return
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		slog.Error("pubsub: marshal message for cluster broadcast", "error", err)
		return
	}
	go func() {
		if err := b.cluster.BroadcastCoherence(context.Background(), payload); err != nil {
			slog.Warn("pubsub: cluster broadcast failed", "error", err)
		}
	}()
}

func (b *BridgedBus) Subscribe(subject string) (<-chan Message, func()) {
	return b.local.Subscribe(subject)
}

// OnClusterMessage decodes a coherence payload received from a peer and
// republishes it on the local bus. Register this as the onCoherence
// callback passed to cluster.Cluster.Start.
func (b *BridgedBus) OnClusterMessage(payload []byte) {
	var msg Message
	if err := json.Unmarshal(payload, &msg); err != nil {
		slog.Warn("pubsub: invalid coherence message from peer", "error", err)
		return
	}
	b.local.Publish(context.Background(), msg)
}
