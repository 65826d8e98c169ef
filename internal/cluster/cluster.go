// Package cluster provides cross-process coordination for multiple core
// instances sharing one account, using the alan UDP peer discovery library.
// It wraps alan to provide:
//   - A generic message broadcast used by internal/pubsub to bridge
//     in-process notifications (data change, cache invalidation) across
//     processes
//   - Distributed locking for the server-secret rotation and the nightly
//     storageUsed recompute job, so only one process in the cluster runs
//     them at a time
package cluster

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/rakunlabs/alan"
)

const (
	// lockServerSecret is the distributed lock name for server-secret rotation.
	lockServerSecret = "server-secret-rotation"

	// lockScheduler is the distributed lock name for the nightly maintenance job.
	lockScheduler = "maintenance-scheduler"

	// MsgTypeRotateKey identifies a server-secret rotation broadcast message.
	MsgTypeRotateKey = "rotate-key"

	// MsgTypeCoherence identifies a cache-invalidation / data-change broadcast
	// message, relayed by internal/pubsub.BridgedBus.
	MsgTypeCoherence = "coherence"
)

// Message is the JSON envelope exchanged between peers. Payload carries
// type-specific data: for MsgTypeRotateKey, a base64 key; for
// MsgTypeCoherence, an opaque pubsub envelope the caller decodes.
type Message struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Cluster wraps an alan instance with core-specific distributed coordination.
type Cluster struct {
	alan *alan.Alan
}

// New creates a Cluster from the server's alan configuration.
// Returns nil, nil if cfg is nil (clustering disabled).
func New(cfg *alan.Config) (*Cluster, error) {
	if cfg == nil {
		return nil, nil
	}

	a, err := alan.New(*cfg)
	if err != nil {
		return nil, fmt.Errorf("create alan instance: %w", err)
	}

	return &Cluster{alan: a}, nil
}

// Start begins the alan peer discovery system in the background, dispatching
// inbound messages to onRotateKey/onCoherence by message type. Either
// callback may be nil to ignore that message type.
//
// Start blocks until the context is cancelled. It should be run in a goroutine.
func (c *Cluster) Start(ctx context.Context, onRotateKey func(newKey []byte), onCoherence func(payload []byte)) error {
	c.alan.OnPeerJoin(func(addr *net.UDPAddr) {
		slog.Info("cluster peer joined", "addr", addr.String())
	})

	c.alan.OnPeerLeave(func(addr *net.UDPAddr) {
		slog.Info("cluster peer left", "addr", addr.String())
	})

	handler := func(_ context.Context, msg alan.Message) {
		var m Message
		if err := json.Unmarshal(msg.Data, &m); err != nil {
			slog.Warn("cluster: invalid message", "from", msg.Addr, "error", err)
			return
		}

		switch m.Type {
		case MsgTypeRotateKey:
			var encoded string
			if len(m.Payload) > 0 {
				if err := json.Unmarshal(m.Payload, &encoded); err != nil {
					slog.Error("cluster: invalid rotate-key payload", "from", msg.Addr, "error", err)
					return
				}
			}
			var newKey []byte
			if encoded != "" {
				var err error
				newKey, err = base64.StdEncoding.DecodeString(encoded)
				if err != nil {
					slog.Error("cluster: invalid key in rotate-key message", "from", msg.Addr, "error", err)
					return
				}
			}

			slog.Info("cluster: received key rotation from peer", "from", msg.Addr)
			if onRotateKey != nil {
				onRotateKey(newKey)
			}

		case MsgTypeCoherence:
			if onCoherence != nil {
				onCoherence(m.Payload)
			}

		default:
			slog.Debug("cluster: unknown message type", "type", m.Type, "from", msg.Addr)
		}

		if msg.IsRequest() {
			c.alan.Reply(msg, []byte("ok")) //nolint:errcheck
		}
	}

	return c.alan.Start(ctx, handler)
}

// Stop gracefully leaves the cluster.
func (c *Cluster) Stop() error {
	return c.alan.Stop()
}

// Lock acquires the distributed lock for server-secret rotation.
// Blocks until the lock is acquired or the context is cancelled.
func (c *Cluster) Lock(ctx context.Context) error {
	return c.alan.Lock(ctx, lockServerSecret)
}

// Unlock releases the distributed lock for server-secret rotation.
func (c *Cluster) Unlock() error {
	return c.alan.Unlock(lockServerSecret)
}

// LockScheduler acquires the distributed lock for the nightly maintenance job.
// Blocks until the lock is acquired or the context is cancelled.
func (c *Cluster) LockScheduler(ctx context.Context) error {
	return c.alan.Lock(ctx, lockScheduler)
}

// UnlockScheduler releases the distributed lock for the nightly maintenance job.
func (c *Cluster) UnlockScheduler() error {
	return c.alan.Unlock(lockScheduler)
}

// BroadcastNewKey sends the new server secret to all peers and waits for
// their acknowledgements. A nil newKey signals peers to disable the feature
// that uses it (e.g. falling back to an unsigned read token scheme).
func (c *Cluster) BroadcastNewKey(ctx context.Context, newKey []byte) error {
	var encoded string
	if newKey != nil {
		encoded = base64.StdEncoding.EncodeToString(newKey)
	}
	payload, err := json.Marshal(encoded)
	if err != nil {
		return fmt.Errorf("marshal rotate-key payload: %w", err)
	}
	return c.broadcast(ctx, MsgTypeRotateKey, payload)
}

// BroadcastCoherence sends an opaque pubsub envelope to all peers. It uses a
// short deadline and ignores missing acknowledgements, so a slow or
// unreachable peer never stalls the mutation path that triggered it; callers
// needing fire-and-forget semantics should invoke this from a goroutine.
func (c *Cluster) BroadcastCoherence(ctx context.Context, payload []byte) error {
	coherenceCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return c.broadcast(coherenceCtx, MsgTypeCoherence, payload)
}

func (c *Cluster) broadcast(ctx context.Context, msgType string, payload json.RawMessage) error {
	peers := c.alan.Peers()
	if len(peers) == 0 {
		slog.Info("cluster: no peers to broadcast to", "type", msgType)
		return nil
	}

	data, err := json.Marshal(Message{Type: msgType, Payload: payload})
	if err != nil {
		return fmt.Errorf("marshal cluster message: %w", err)
	}

	// Use a timeout so we don't wait forever for unresponsive peers.
	broadcastCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	replies, err := c.alan.SendAndWaitReply(broadcastCtx, data)
	if err != nil && !errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("broadcast %s: %w", msgType, err)
	}

	slog.Info("cluster: broadcast complete", "type", msgType, "peers", len(peers), "acks", len(replies))
	if len(replies) < len(peers) {
		slog.Warn("cluster: not all peers acknowledged broadcast", "type", msgType, "expected", len(peers), "received", len(replies))
	}

	return nil
}

// Ready returns a channel that is closed when the cluster is ready.
func (c *Cluster) Ready() <-chan struct{} {
	return c.alan.Ready()
}
