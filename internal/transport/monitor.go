// Package transport implements the WebSocket and HTTP surface described in
// spec §4.1, §4.8, §4.9, §6: the Ingress WebSocket that receives STT turns,
// the per-call Monitor Room that streams transcripts and agent results to
// operator consoles, the Notification Manager's per-user pub-sub, and the
// `POST /broadcast` HTTP endpoint.
//
// The Connection Manager here is adapted from a Postgres-NOTIFY-backed
// event bus: rooms are purely in-memory (keyed by call_id instead of a
// LISTEN/UNLISTEN channel name) and destroyed once empty, but the
// register/broadcast/copy-before-iterate lock discipline is the same shape.
package transport

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/twelevegg/callcopilot/internal/observe"
	"github.com/twelevegg/callcopilot/pkg/types"
)

// defaultWriteTimeout bounds how long a single monitor send may block.
const defaultWriteTimeout = 5 * time.Second

// monitorConnection is a single operator console attached to one call's
// room. subscriptions are implicit: a monitorConnection belongs to exactly
// one room for its whole lifetime (unlike a general pub-sub client), so no
// per-connection subscription set is needed here.
type monitorConnection struct {
	id     string
	conn   *websocket.Conn
	callID string
	ctx    context.Context
	cancel context.CancelFunc
}

// MonitorMessage is a client-to-server frame on the Monitor WebSocket (spec §6).
type MonitorMessage struct {
	Type       string `json:"type"`
	MemberID   int    `json:"memberId"`
	TenantName string `json:"tenantName"`
}

// CallEndedHandler is invoked when a monitor sends an explicit CALL_ENDED
// message, or when the monitor room's last connection disconnects without
// one (best-effort cleanup per spec §5).
type CallEndedHandler func(callID string)

// OperatorBoundHandler is invoked when a monitor sends an IDENTIFY message,
// binding a human operator to the call.
type OperatorBoundHandler func(callID string, op types.Operator)

// ConnectionManager owns the per-call Monitor Rooms (spec §4.8).
type ConnectionManager struct {
	mu    sync.RWMutex
	rooms map[string]map[string]*monitorConnection // call_id -> connection_id -> connection

	writeTimeout time.Duration
	metrics      *observe.Metrics

	onCallEnded    CallEndedHandler
	onOperatorBind OperatorBoundHandler
}

// NewConnectionManager creates an empty ConnectionManager.
func NewConnectionManager(metrics *observe.Metrics) *ConnectionManager {
	return &ConnectionManager{
		rooms:        make(map[string]map[string]*monitorConnection),
		writeTimeout: defaultWriteTimeout,
		metrics:      metrics,
	}
}

// OnCallEnded registers the callback invoked on an explicit or implicit
// call-ended event.
func (m *ConnectionManager) OnCallEnded(h CallEndedHandler) { m.onCallEnded = h }

// OnOperatorBound registers the callback invoked on an IDENTIFY message.
func (m *ConnectionManager) OnOperatorBound(h OperatorBoundHandler) { m.onOperatorBind = h }

// HandleConnection manages one monitor WebSocket's lifecycle: register into
// callID's room, read client messages until the socket closes, then
// unregister and — if this was the room's last connection — fire the
// call-ended callback as a best-effort cleanup (spec §5).
func (m *ConnectionManager) HandleConnection(parentCtx context.Context, conn *websocket.Conn, callID string) {
	ctx, cancel := context.WithCancel(parentCtx)
	c := &monitorConnection{
		id:     uuid.New().String(),
		conn:   conn,
		callID: callID,
		ctx:    ctx,
		cancel: cancel,
	}

	m.register(c)
	if m.metrics != nil {
		m.metrics.ActiveMonitors.Add(ctx, 1)
	}
	defer func() {
		last := m.unregister(c)
		if m.metrics != nil {
			m.metrics.ActiveMonitors.Add(context.Background(), -1)
		}
		if last && m.onCallEnded != nil {
			m.onCallEnded(callID)
		}
	}()

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return
		}

		var msg MonitorMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			slog.Warn("transport: malformed monitor message", "call_id", callID, "connection_id", c.id, "err", err)
			continue
		}

		switch msg.Type {
		case "CALL_ENDED":
			if m.onCallEnded != nil {
				m.onCallEnded(callID)
			}
		case "IDENTIFY":
			if m.onOperatorBind != nil {
				m.onOperatorBind(callID, types.Operator{MemberID: msg.MemberID, TenantName: msg.TenantName})
			}
		}
	}
}

// Broadcast sends event to every monitor attached to callID. It copies the
// subscriber snapshot before iterating so a dropped peer mid-send never
// corrupts the room's live set (spec §4.8).
func (m *ConnectionManager) Broadcast(callID string, event any) {
	data, err := json.Marshal(event)
	if err != nil {
		slog.Error("transport: marshal monitor event", "call_id", callID, "err", err)
		return
	}

	m.mu.RLock()
	room, ok := m.rooms[callID]
	if !ok {
		m.mu.RUnlock()
		return
	}
	conns := make([]*monitorConnection, 0, len(room))
	for _, c := range room {
		conns = append(conns, c)
	}
	m.mu.RUnlock()

	for _, c := range conns {
		writeCtx, cancel := context.WithTimeout(c.ctx, m.writeTimeout)
		err := c.conn.Write(writeCtx, websocket.MessageText, data)
		cancel()
		if err != nil {
			slog.Warn("transport: monitor send failed", "call_id", callID, "connection_id", c.id, "err", err)
		}
	}
}

// RoomSize returns the number of monitors currently attached to callID.
func (m *ConnectionManager) RoomSize(callID string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.rooms[callID])
}

func (m *ConnectionManager) register(c *monitorConnection) {
	m.mu.Lock()
	defer m.mu.Unlock()
	room, ok := m.rooms[c.callID]
	if !ok {
		room = make(map[string]*monitorConnection)
		m.rooms[c.callID] = room
	}
	room[c.id] = c
}

// unregister removes c from its room, deleting the room entirely once empty
// (spec §4.8: "Removal deletes empty rooms"). Returns whether this was the
// room's last connection.
func (m *ConnectionManager) unregister(c *monitorConnection) bool {
	m.mu.Lock()
	last := false
	if room, ok := m.rooms[c.callID]; ok {
		delete(room, c.id)
		if len(room) == 0 {
			delete(m.rooms, c.callID)
			last = true
		}
	}
	m.mu.Unlock()

	c.cancel()
	_ = c.conn.Close(websocket.StatusNormalClosure, "")
	return last
}
