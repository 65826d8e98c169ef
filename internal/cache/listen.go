package cache

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/pryvgo/core/internal/pubsub"
)

// Listen subscribes c to every cache-coherence message pubsub delivers, both
// from this process's own mutations and, through a BridgedBus, from sibling
// processes, evicting the matching entries. Run once per process in its own
// goroutine; Listen returns once ctx is done.
func Listen(ctx context.Context, bus pubsub.Bus, c *Cache) {
	if c == nil || bus == nil {
		return
	}

	ch, unsubscribe := bus.Subscribe(pubsub.GlobalSubject)
	defer unsubscribe()

	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			c.handle(msg)
		}
	}
}

// handle applies one coherence message. Messages relayed from a sibling
// process arrive as a JSON round-trip (Data decodes to map[string]any, not
// the original struct), so the payload is re-decoded through JSON rather
// than type-asserted directly.
func (c *Cache) handle(msg pubsub.Message) {
	switch msg.Topic {
	case pubsub.TopicUnsetAccessLogic:
		p, ok := decodePayload[pubsub.UnsetAccessLogicPayload](msg.Data)
		if !ok {
			slog.Warn("cache: malformed unset-access-logic payload")
			return
		}
		c.InvalidateAccesses(p.UserID)
	case pubsub.TopicUnsetUserData:
		p, ok := decodePayload[pubsub.UnsetUserDataPayload](msg.Data)
		if !ok {
			slog.Warn("cache: malformed unset-user-data payload")
			return
		}
		c.InvalidateUser(p.UserID)
	case pubsub.TopicUnsetUser:
		p, ok := decodePayload[pubsub.UnsetUserPayload](msg.Data)
		if !ok {
			slog.Warn("cache: malformed unset-user payload")
			return
		}
		if userID, found := c.LookupUserID(p.Username); found {
			c.InvalidateUser(userID)
		}
		c.InvalidateUsername(p.Username)
	}
}

func decodePayload[T any](data any) (T, bool) {
	var out T
	if v, ok := data.(T); ok {
		return v, true
	}
	b, err := json.Marshal(data)
	if err != nil {
		return out, false
	}
	if err := json.Unmarshal(b, &out); err != nil {
		return out, false
	}
	return out, true
}
