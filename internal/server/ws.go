package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/pryvgo/core/internal/apperror"
	"github.com/pryvgo/core/internal/dispatch"
	"github.com/pryvgo/core/internal/pubsub"
)

// wsUpgrader accepts connections from any origin; CORS on the initial HTTP
// handshake already governs which browser pages may open the socket.
var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// wsRequest is one inbound call over the socket, per spec.md §4.8:
// (methodId, params, ack). ack is an opaque id the client expects echoed
// back in the response envelope; it is optional.
type wsRequest struct {
	Method string          `json:"method"`
	Params json.RawMessage `json:"params"`
	Ack    *int            `json:"ack,omitempty"`
}

type wsResponse struct {
	Ack    *int            `json:"ack,omitempty"`
	Result map[string]any  `json:"result,omitempty"`
	Error  *apperror.Error `json:"error,omitempty"`
	Meta   dispatch.Meta   `json:"meta"`
}

// wsChangeNotification is pushed unsolicited whenever bus fires one of the
// five -changed topics for this connection's username.
type wsChangeNotification struct {
	Topic pubsub.Topic `json:"changeNotification"`
}

// wsHub tracks, per username, the set of live connections so a data-change
// notification published for that username reaches every one of them.
type wsHub struct {
	mu    sync.Mutex
	conns map[string]map[*wsConn]struct{}
}

type wsConn struct {
	ws *websocket.Conn
	mu sync.Mutex // serializes concurrent writes from the notifier and the request loop
}

func (c *wsConn) writeJSON(v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ws.WriteJSON(v)
}

func newWSHub() *wsHub {
	return &wsHub{conns: make(map[string]map[*wsConn]struct{})}
}

func (h *wsHub) add(username string, c *wsConn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.conns[username] == nil {
		h.conns[username] = make(map[*wsConn]struct{})
	}
	h.conns[username][c] = struct{}{}
}

func (h *wsHub) remove(username string, c *wsConn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if conns, ok := h.conns[username]; ok {
		delete(conns, c)
		if len(conns) == 0 {
			delete(h.conns, username)
		}
	}
}

// handleWS upgrades GET /{username} to a WebSocket, authenticating via the
// "auth" query parameter (the only place §4.8 allows it unconditionally),
// then serves the (methodId, params, ack) request/response protocol while
// also subscribing the connection to this user's change-notification topics.
func (h *wsHub) handleWS(s *Server) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		username := r.PathValue("username")
		token := r.URL.Query().Get("auth")
		if token == "" {
			token, _ = extractAuth(r)
		}
		callerID := r.Header.Get("Callerid")

		conn, err := wsUpgrader.Upgrade(w, r, nil)
		if err != nil {
			slog.Warn("websocket: upgrade failed", "error", err)
			return
		}
		c := &wsConn{ws: conn}
		defer conn.Close()

		h.add(username, c)
		defer h.remove(username, c)

		done := make(chan struct{})
		if s.bus != nil {
			go h.notifyLoop(r.Context(), s.bus, username, c, done)
		}
		defer close(done)

		for {
			var req wsRequest
			if err := conn.ReadJSON(&req); err != nil {
				return
			}

			var params map[string]any
			if len(req.Params) > 0 {
				if err := json.Unmarshal(req.Params, &params); err != nil {
					c.writeJSON(wsResponse{
						Ack:   req.Ack,
						Error: apperror.New(apperror.KindInvalidRequestStructure, "params must be a JSON object"),
						Meta:  nowMeta(),
					})
					continue
				}
			}

			env := s.reg.Call(r.Context(), req.Method, username, token, callerID, params)
			resp := wsResponse{Ack: req.Ack, Result: env.Result, Error: env.Error, Meta: env.Meta}
			if err := c.writeJSON(resp); err != nil {
				return
			}
		}
	}
}

// changeTopics is the subset of pubsub.Topic values surfaced to WebSocket
// clients, per spec.md §4.7.1.
var changeTopics = map[pubsub.Topic]struct{}{
	pubsub.TopicEventsChanged:         {},
	pubsub.TopicStreamsChanged:        {},
	pubsub.TopicAccessesChanged:       {},
	pubsub.TopicFollowedSlicesChanged: {},
	pubsub.TopicAccountChanged:        {},
}

// notifyLoop forwards bus messages for username to c until done closes.
func (h *wsHub) notifyLoop(ctx context.Context, bus pubsub.Bus, username string, c *wsConn, done <-chan struct{}) {
	ch, unsubscribe := bus.Subscribe(username)
	defer unsubscribe()

	for {
		select {
		case <-done:
			return
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			if _, relevant := changeTopics[msg.Topic]; !relevant {
				continue
			}
			if err := c.writeJSON(wsChangeNotification{Topic: msg.Topic}); err != nil {
				return
			}
		}
	}
}
