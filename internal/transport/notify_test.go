package transport_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/twelevegg/callcopilot/internal/transport"
)

func newNotifyServer(t *testing.T, n *transport.NotificationManager, userID string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		n.HandleConnection(r.Context(), conn, userID)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestPublish_DeliversToMatchingUserAndWildcard(t *testing.T) {
	n := transport.NewNotificationManager()

	matching := dial(t, newNotifyServer(t, n, "user-1"))
	wildcard := dial(t, newNotifyServer(t, n, ""))
	other := dial(t, newNotifyServer(t, n, "user-2"))

	waitForConnCount(t, n, 3)

	n.Publish("user-1", transport.NotificationEvent{Type: "CALL_STARTED", CallID: "c1"})

	for _, conn := range []*websocket.Conn{matching, wildcard} {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		_, data, err := conn.Read(ctx)
		cancel()
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		var evt transport.NotificationEvent
		if err := json.Unmarshal(data, &evt); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		if evt.CallID != "c1" {
			t.Errorf("got callId %q, want c1", evt.CallID)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	if _, _, err := other.Read(ctx); err == nil {
		t.Error("expected non-matching subscriber to receive nothing")
	}
}

func TestBroadcast_ReachesEveryConnection(t *testing.T) {
	n := transport.NewNotificationManager()
	a := dial(t, newNotifyServer(t, n, "user-a"))
	b := dial(t, newNotifyServer(t, n, "user-b"))
	waitForConnCount(t, n, 2)

	n.Broadcast(transport.NotificationEvent{Type: "CALL_UPDATED", CallID: "c2"})

	for _, conn := range []*websocket.Conn{a, b} {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		_, _, err := conn.Read(ctx)
		cancel()
		if err != nil {
			t.Fatalf("read: %v", err)
		}
	}
}

func waitForConnCount(t *testing.T, n *transport.NotificationManager, want int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if n.ConnectionCount() == want {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("connection count = %d, want %d", n.ConnectionCount(), want)
}
