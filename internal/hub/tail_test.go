package hub

import (
	"encoding/json"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

func dialTail(t *testing.T, httpURL string) *websocket.Conn {
	t.Helper()
	wsURL := "ws" + strings.TrimPrefix(httpURL, "http") + "/tail"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial tail: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readEvent(t *testing.T, conn *websocket.Conn) Event {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, payload, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read tail event: %v", err)
	}
	var ev Event
	if err := json.Unmarshal(payload, &ev); err != nil {
		t.Fatalf("decode tail event: %v", err)
	}
	return ev
}

func TestTailStreamsLifecycle(t *testing.T) {
	srv, _ := newTestServer(t, "")
	conn := dialTail(t, srv.URL)

	resp, err := http.Post(srv.URL+"/webhook", "application/json", strings.NewReader(`{"action":"buy"}`))
	if err != nil {
		t.Fatalf("webhook post: %v", err)
	}
	resp.Body.Close()

	ev := readEvent(t, conn)
	if ev.Type != StatusQueued || len(ev.IDs) != 1 {
		t.Fatalf("unexpected queued event: %+v", ev)
	}
	id := ev.IDs[0]

	resp = postJSON(t, srv.URL+"/pull", map[string]any{"agent_key": "agent-key", "max_batch": 1})
	resp.Body.Close()
	ev = readEvent(t, conn)
	if ev.Type != StatusReserved || len(ev.IDs) != 1 || ev.IDs[0] != id {
		t.Fatalf("unexpected reserved event: %+v", ev)
	}

	resp = postJSON(t, srv.URL+"/ack", map[string]any{"agent_key": "agent-key", "ids": []int64{id}, "status": "done"})
	resp.Body.Close()
	ev = readEvent(t, conn)
	if ev.Type != StatusDone || len(ev.IDs) != 1 || ev.IDs[0] != id {
		t.Fatalf("unexpected done event: %+v", ev)
	}
}

func TestTailDropsClosedClients(t *testing.T) {
	srv, _ := newTestServer(t, "")
	conn := dialTail(t, srv.URL)
	conn.Close()

	// Broadcasting after the watcher is gone must not error the queue path.
	resp, err := http.Post(srv.URL+"/webhook", "application/json", strings.NewReader(`{"action":"sell"}`))
	if err != nil {
		t.Fatalf("webhook post: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("unexpected status %d", resp.StatusCode)
	}
}
