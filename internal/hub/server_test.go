package hub

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog"
)

func newTestServer(t *testing.T, authToken string) (*httptest.Server, *Store) {
	t.Helper()
	store, err := Open(filepath.Join(t.TempDir(), "signals.db"))
	if err != nil {
		t.Fatalf("Open returned error: %v", err)
	}
	srv := httptest.NewServer(NewServer(store, authToken, "agent-key", zerolog.Nop()).Handler())
	t.Cleanup(func() {
		srv.Close()
		store.Close()
	})
	return srv, store
}

func postJSON(t *testing.T, url string, body any) *http.Response {
	t.Helper()
	buf, _ := json.Marshal(body)
	resp, err := http.Post(url, "application/json", bytes.NewReader(buf))
	if err != nil {
		t.Fatalf("POST %s: %v", url, err)
	}
	return resp
}

func TestWebhookQueuesPayload(t *testing.T) {
	srv, store := newTestServer(t, "")

	resp, err := http.Post(srv.URL+"/webhook", "application/json",
		strings.NewReader(`{"symbol":"NAS100","action":"buy","pos_after":9}`))
	if err != nil {
		t.Fatalf("webhook post: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("unexpected status %d", resp.StatusCode)
	}

	items, err := store.Pull(t.Context(), 10)
	if err != nil {
		t.Fatalf("Pull returned error: %v", err)
	}
	if len(items) != 1 {
		t.Fatalf("expected 1 queued item, got %d", len(items))
	}
	if !strings.Contains(string(items[0].Payload), "NAS100") {
		t.Fatalf("payload not stored verbatim: %s", items[0].Payload)
	}
}

func TestWebhookAuth(t *testing.T) {
	srv, _ := newTestServer(t, "secret")

	resp, err := http.Post(srv.URL+"/webhook", "application/json", strings.NewReader(`{}`))
	if err != nil {
		t.Fatalf("webhook post: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", resp.StatusCode)
	}

	req, _ := http.NewRequest(http.MethodPost, srv.URL+"/webhook", strings.NewReader(`{"action":"buy"}`))
	req.Header.Set("Authorization", "Bearer secret")
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("webhook post: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 with bearer token, got %d", resp.StatusCode)
	}

	resp, err = http.Post(srv.URL+"/webhook?token=secret", "application/json", strings.NewReader(`{"action":"sell"}`))
	if err != nil {
		t.Fatalf("webhook post: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 with query token, got %d", resp.StatusCode)
	}
}

func TestWebhookWrapsNonJSON(t *testing.T) {
	srv, store := newTestServer(t, "")

	resp, err := http.Post(srv.URL+"/webhook", "text/plain", strings.NewReader("not json"))
	if err != nil {
		t.Fatalf("webhook post: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("unexpected status %d", resp.StatusCode)
	}
	items, err := store.Pull(t.Context(), 1)
	if err != nil {
		t.Fatalf("Pull returned error: %v", err)
	}
	var wrapped map[string]string
	if err := json.Unmarshal(items[0].Payload, &wrapped); err != nil {
		t.Fatalf("stored payload is not JSON: %v", err)
	}
	if wrapped["raw"] != "not json" {
		t.Fatalf("unexpected wrapped payload: %+v", wrapped)
	}
}

func TestPullAckRoundTrip(t *testing.T) {
	srv, _ := newTestServer(t, "")

	resp, err := http.Post(srv.URL+"/webhook", "application/json", strings.NewReader(`{"action":"buy"}`))
	if err != nil {
		t.Fatalf("webhook post: %v", err)
	}
	resp.Body.Close()

	resp = postJSON(t, srv.URL+"/pull", map[string]any{"agent_key": "agent-key", "max_batch": 10})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("pull status %d", resp.StatusCode)
	}
	var pulled struct {
		OK    bool   `json:"ok"`
		Items []Item `json:"items"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&pulled); err != nil {
		t.Fatalf("decode pull: %v", err)
	}
	if !pulled.OK || len(pulled.Items) != 1 {
		t.Fatalf("unexpected pull response: %+v", pulled)
	}

	resp = postJSON(t, srv.URL+"/ack", map[string]any{
		"agent_key": "agent-key", "ids": []int64{pulled.Items[0].ID}, "status": "done",
	})
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("ack status %d", resp.StatusCode)
	}

	resp, err = http.Get(srv.URL + "/health")
	if err != nil {
		t.Fatalf("health get: %v", err)
	}
	defer resp.Body.Close()
	var health struct {
		OK    bool           `json:"ok"`
		Stats map[string]int `json:"stats"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&health); err != nil {
		t.Fatalf("decode health: %v", err)
	}
	if health.Stats[StatusDone] != 1 {
		t.Fatalf("expected one done signal, got %+v", health.Stats)
	}
}

func TestPullRequiresAgentKey(t *testing.T) {
	srv, _ := newTestServer(t, "")
	resp := postJSON(t, srv.URL+"/pull", map[string]any{"agent_key": "wrong", "max_batch": 1})
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 for wrong agent key, got %d", resp.StatusCode)
	}
}
