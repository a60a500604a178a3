// Package hub implements the pub/sub surface subscribers attach to. Two
// independent hub instances exist at runtime: "live" for raw telemetry as it
// arrives, and "history" for records re-broadcast after durable commit.
// Membership in one hub has no bearing on the other.
package hub

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/John-ltf/IoT-functions/internal/models"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

// Event names pushed to subscribers.
const (
	EventNewMessage    = "newMessage"
	EventNewConnection = "newConnection"
)

// Client control message types.
const (
	actionJoinGroup  = "joinGroup"
	actionLeaveGroup = "leaveGroup"
)

const (
	writeWait   = 10 * time.Second
	pongWait    = 60 * time.Second
	pingPeriod  = 54 * time.Second
	sendBacklog = 64
)

// Sender is the outbound side of a hub, as seen by the dispatchers.
type Sender interface {
	SendToGroup(ctx context.Context, groupName, event string, payload interface{}) error
}

// envelope is the wire frame pushed to subscribers.
type envelope struct {
	Target    string        `json:"target"`
	Arguments []interface{} `json:"arguments"`
}

// controlMessage is the frame clients send to mutate group membership.
type controlMessage struct {
	Type  string `json:"type"`
	Group string `json:"group"`
}

// Hub owns a set of websocket connections and their group memberships.
type Hub struct {
	name     string
	registry *GroupRegistry
	log      *logrus.Logger

	mu    sync.RWMutex
	conns map[string]*connection

	upgrader websocket.Upgrader
}

// connection is one attached subscriber. The send channel is never closed;
// done signals teardown so concurrent group sends cannot race a close.
type connection struct {
	id     string
	userID string
	sock   *websocket.Conn
	send   chan []byte
	done   chan struct{}
	closed sync.Once
}

// New creates a named hub with its own registry.
func New(name string, log *logrus.Logger) *Hub {
	if log == nil {
		log = logrus.New()
	}
	return &Hub{
		name:     name,
		registry: NewGroupRegistry(),
		log:      log,
		conns:    make(map[string]*connection),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// Cross-origin dashboards are the normal client here.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

// Name returns the hub name
func (h *Hub) Name() string {
	return h.name
}

// Registry exposes the hub's group registry.
func (h *Hub) Registry() *GroupRegistry {
	return h.registry
}

// Accept upgrades an HTTP request to a websocket subscriber connection,
// greets it with a newConnection event on its own channel, and services it
// until the socket closes.
func (h *Hub) Accept(w http.ResponseWriter, r *http.Request, userID string) error {
	sock, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return fmt.Errorf("websocket upgrade failed: %w", err)
	}

	conn := &connection{
		id:     uuid.NewString(),
		userID: userID,
		sock:   sock,
		send:   make(chan []byte, sendBacklog),
		done:   make(chan struct{}),
	}

	h.mu.Lock()
	h.conns[conn.id] = conn
	h.mu.Unlock()

	h.log.WithFields(logrus.Fields{
		"hub":           h.name,
		"connection_id": conn.id,
		"user_id":       userID,
	}).Info("Subscriber connected")

	go h.writePump(conn)
	go h.readPump(conn)

	// The greeting goes to the connecting party only, echoing back its
	// connection id and the handshake's bearer token if it sent one.
	h.sendToConnection(conn, EventNewConnection, models.NewConnection{
		ConnectionID:   conn.id,
		Authentication: r.Header.Get("Authorization"),
	})

	return nil
}

// SendToGroup pushes one event to every connection currently in the group.
// The payload is marshalled once; subscribers that cannot keep up are
// dropped rather than allowed to block the pipeline.
func (h *Hub) SendToGroup(ctx context.Context, groupName, event string, payload interface{}) error {
	frame, err := json.Marshal(envelope{Target: event, Arguments: []interface{}{payload}})
	if err != nil {
		return fmt.Errorf("failed to marshal %s event: %w", event, err)
	}

	for _, id := range h.registry.MembersOf(groupName) {
		h.mu.RLock()
		conn := h.conns[id]
		h.mu.RUnlock()
		if conn == nil {
			continue
		}

		select {
		case conn.send <- frame:
		case <-conn.done:
		default:
			h.log.WithFields(logrus.Fields{
				"hub":           h.name,
				"connection_id": id,
				"group":         groupName,
			}).Warn("Subscriber too slow, dropping connection")
			h.drop(conn)
		}
	}
	return nil
}

func (h *Hub) sendToConnection(conn *connection, event string, payload interface{}) {
	frame, err := json.Marshal(envelope{Target: event, Arguments: []interface{}{payload}})
	if err != nil {
		h.log.WithError(err).Errorf("Failed to marshal %s event", event)
		return
	}
	select {
	case conn.send <- frame:
	case <-conn.done:
	default:
		h.drop(conn)
	}
}

// readPump consumes control messages until the socket closes. Join and
// leave requests delegate to the registry; both are idempotent and never
// answered with a failure.
func (h *Hub) readPump(conn *connection) {
	defer h.drop(conn)

	conn.sock.SetReadLimit(4096)
	conn.sock.SetReadDeadline(time.Now().Add(pongWait))
	conn.sock.SetPongHandler(func(string) error {
		return conn.sock.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := conn.sock.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.log.WithError(err).Debugf("Connection %s read error", conn.id)
			}
			return
		}

		var msg controlMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			h.log.WithFields(logrus.Fields{
				"hub":           h.name,
				"connection_id": conn.id,
			}).Warn("Ignoring unparseable control message")
			continue
		}

		switch msg.Type {
		case actionJoinGroup:
			h.registry.Join(conn.id, msg.Group)
			h.log.WithFields(logrus.Fields{
				"hub":           h.name,
				"connection_id": conn.id,
				"group":         msg.Group,
			}).Info("Connection added to group")
		case actionLeaveGroup:
			h.registry.Leave(conn.id, msg.Group)
		default:
			h.log.Debugf("Ignoring control message type %q", msg.Type)
		}
	}
}

// writePump flushes outbound frames and keeps the connection alive with
// pings.
func (h *Hub) writePump(conn *connection) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		conn.sock.Close()
	}()

	for {
		select {
		case frame := <-conn.send:
			conn.sock.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.sock.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}
		case <-conn.done:
			conn.sock.SetWriteDeadline(time.Now().Add(writeWait))
			conn.sock.WriteMessage(websocket.CloseMessage, []byte{})
			return
		case <-ticker.C:
			conn.sock.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.sock.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// drop removes a connection and cleans up its group memberships.
func (h *Hub) drop(conn *connection) {
	conn.closed.Do(func() {
		h.mu.Lock()
		delete(h.conns, conn.id)
		h.mu.Unlock()

		h.registry.Disconnect(conn.id)
		close(conn.done)
		conn.sock.Close()

		h.log.WithFields(logrus.Fields{
			"hub":           h.name,
			"connection_id": conn.id,
		}).Info("Subscriber disconnected")
	})
}

// Close disconnects every subscriber.
func (h *Hub) Close() {
	h.mu.Lock()
	conns := make([]*connection, 0, len(h.conns))
	for _, c := range h.conns {
		conns = append(conns, c)
	}
	h.mu.Unlock()

	for _, c := range conns {
		h.drop(c)
	}
}
