package transport

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/coder/websocket"
	"github.com/google/uuid"
)

// NotificationEvent is broadcast to subscribed operator dashboards whenever
// a call starts, its customer profile is resolved, or it ends (spec §4.9).
type NotificationEvent struct {
	Type         string `json:"type"`
	CallID       string `json:"callId"`
	CustomerInfo any    `json:"customer_info,omitempty"`
}

type notifyConnection struct {
	id     string
	userID string
	conn   *websocket.Conn
	ctx    context.Context
	cancel context.CancelFunc
}

// NotificationManager is a global pub-sub of [NotificationEvent]s keyed by
// user_id, with an empty user_id acting as a wildcard subscription that
// receives every event regardless of its target (spec §4.9).
type NotificationManager struct {
	mu    sync.RWMutex
	conns map[string]*notifyConnection
}

// NewNotificationManager creates an empty NotificationManager.
func NewNotificationManager() *NotificationManager {
	return &NotificationManager{conns: make(map[string]*notifyConnection)}
}

// HandleConnection manages one notification WebSocket's lifecycle until the
// socket closes or the context is cancelled. userID may be empty to
// subscribe to all events (wildcard).
func (n *NotificationManager) HandleConnection(parentCtx context.Context, conn *websocket.Conn, userID string) {
	ctx, cancel := context.WithCancel(parentCtx)
	c := &notifyConnection{
		id:     uuid.New().String(),
		userID: userID,
		conn:   conn,
		ctx:    ctx,
		cancel: cancel,
	}

	n.mu.Lock()
	n.conns[c.id] = c
	n.mu.Unlock()

	defer func() {
		n.mu.Lock()
		delete(n.conns, c.id)
		n.mu.Unlock()
		cancel()
		_ = conn.Close(websocket.StatusNormalClosure, "")
	}()

	// The notification socket is output-only from the server's perspective;
	// we still read so Go's websocket library can service control frames
	// (ping/pong/close) and so a client disconnect unblocks promptly.
	for {
		if _, _, err := conn.Read(ctx); err != nil {
			return
		}
	}
}

// Publish delivers event to every connection subscribed to userID, plus
// every wildcard connection, regardless of whether anyone is listening
// (spec §4.9: "publish is fire-and-forget").
func (n *NotificationManager) Publish(userID string, event NotificationEvent) {
	data, err := json.Marshal(event)
	if err != nil {
		slog.Error("transport: marshal notification event", "user_id", userID, "err", err)
		return
	}

	n.mu.RLock()
	targets := make([]*notifyConnection, 0, len(n.conns))
	for _, c := range n.conns {
		if c.userID == "" || c.userID == userID {
			targets = append(targets, c)
		}
	}
	n.mu.RUnlock()

	for _, c := range targets {
		writeCtx, cancel := context.WithTimeout(c.ctx, defaultWriteTimeout)
		err := c.conn.Write(writeCtx, websocket.MessageText, data)
		cancel()
		if err != nil {
			slog.Warn("transport: notification send failed", "connection_id", c.id, "err", err)
		}
	}
}

// Broadcast publishes event to every connected subscriber regardless of
// user_id, used by the `POST /broadcast` HTTP endpoint (spec §6).
func (n *NotificationManager) Broadcast(event NotificationEvent) {
	data, err := json.Marshal(event)
	if err != nil {
		slog.Error("transport: marshal broadcast event", "err", err)
		return
	}

	n.mu.RLock()
	targets := make([]*notifyConnection, 0, len(n.conns))
	for _, c := range n.conns {
		targets = append(targets, c)
	}
	n.mu.RUnlock()

	for _, c := range targets {
		writeCtx, cancel := context.WithTimeout(c.ctx, defaultWriteTimeout)
		err := c.conn.Write(writeCtx, websocket.MessageText, data)
		cancel()
		if err != nil {
			slog.Warn("transport: broadcast send failed", "connection_id", c.id, "err", err)
		}
	}
}

// ConnectionCount returns the number of currently connected notification
// subscribers, used by tests and health diagnostics.
func (n *NotificationManager) ConnectionCount() int {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return len(n.conns)
}
