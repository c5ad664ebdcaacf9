package hub

import (
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// Server exposes the queue over HTTP: /webhook for the signal source,
// /pull and /ack for the agent, /health for operators, and /tail as a
// websocket stream of queue lifecycle events.
type Server struct {
	store     *Store
	authToken string // webhook bearer/query token; empty disables auth
	agentKey  string // required on pull/ack
	log       zerolog.Logger
	upgrader  websocket.Upgrader
	tail      *tailHub
}

// NewServer wires the HTTP surface over a store.
func NewServer(store *Store, authToken, agentKey string, log zerolog.Logger) *Server {
	return &Server{
		store:     store,
		authToken: authToken,
		agentKey:  agentKey,
		log:       log,
		upgrader:  websocket.Upgrader{ReadBufferSize: 1 << 10, WriteBufferSize: 1 << 10},
		tail:      newTailHub(log),
	}
}

// Handler returns the route mux.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /webhook", s.handleWebhook)
	mux.HandleFunc("POST /pull", s.handlePull)
	mux.HandleFunc("POST /ack", s.handleAck)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /tail", s.handleTail)
	return mux
}

// Event is one queue lifecycle change streamed to /tail watchers.
type Event struct {
	Type string  `json:"type"` // queued|reserved|done|failed
	IDs  []int64 `json:"ids"`
	At   string  `json:"at"`
}

func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	if s.authToken != "" && !s.webhookAuthorized(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil || len(body) == 0 {
		http.Error(w, "empty body", http.StatusBadRequest)
		return
	}
	// Non-JSON bodies are wrapped so the queue only ever stores JSON.
	if !json.Valid(body) {
		wrapped, _ := json.Marshal(map[string]string{"raw": string(body)})
		body = wrapped
	}
	id, err := s.store.Insert(r.Context(), body)
	if err != nil {
		s.log.Error().Err(err).Msg("webhook insert failed")
		http.Error(w, "storage error", http.StatusInternalServerError)
		return
	}
	s.tail.broadcast(Event{Type: StatusQueued, IDs: []int64{id}, At: time.Now().UTC().Format(time.RFC3339)})
	writeJSON(w, map[string]any{"ok": true, "id": id})
}

// webhookAuthorized accepts either the bearer header or an auth/token
// query parameter, matching what alert senders can be configured with.
func (s *Server) webhookAuthorized(r *http.Request) bool {
	if strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ") == s.authToken {
		return true
	}
	q := r.URL.Query()
	return q.Get("auth") == s.authToken || q.Get("token") == s.authToken
}

func (s *Server) handlePull(w http.ResponseWriter, r *http.Request) {
	var req struct {
		AgentKey string `json:"agent_key"`
		MaxBatch int    `json:"max_batch"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	if s.agentKey == "" || req.AgentKey != s.agentKey {
		http.Error(w, "unauthorized agent", http.StatusUnauthorized)
		return
	}
	limit := req.MaxBatch
	if limit < 1 {
		limit = 1
	}
	if limit > 100 {
		limit = 100
	}
	items, err := s.store.Pull(r.Context(), limit)
	if err != nil {
		s.log.Error().Err(err).Msg("pull failed")
		http.Error(w, "storage error", http.StatusInternalServerError)
		return
	}
	if len(items) > 0 {
		ids := make([]int64, len(items))
		for i, it := range items {
			ids[i] = it.ID
		}
		s.tail.broadcast(Event{Type: StatusReserved, IDs: ids, At: time.Now().UTC().Format(time.RFC3339)})
	}
	if items == nil {
		items = []Item{}
	}
	writeJSON(w, map[string]any{"ok": true, "items": items})
}

func (s *Server) handleAck(w http.ResponseWriter, r *http.Request) {
	var req struct {
		AgentKey string  `json:"agent_key"`
		IDs      []int64 `json:"ids"`
		Status   string  `json:"status"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	if s.agentKey == "" || req.AgentKey != s.agentKey {
		http.Error(w, "unauthorized agent", http.StatusUnauthorized)
		return
	}
	if req.Status == "" {
		req.Status = StatusDone
	}
	if err := s.store.Ack(r.Context(), req.IDs, req.Status); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if len(req.IDs) > 0 {
		s.tail.broadcast(Event{Type: req.Status, IDs: req.IDs, At: time.Now().UTC().Format(time.RFC3339)})
	}
	writeJSON(w, map[string]any{"ok": true, "count": len(req.IDs)})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	stats, err := s.store.CountByStatus(r.Context())
	if err != nil {
		http.Error(w, "storage error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, map[string]any{"ok": true, "stats": stats})
}

func (s *Server) handleTail(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	s.tail.add(conn)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

// tailHub fans queue events out to websocket watchers. Writes have a short
// deadline; a slow or dead client is dropped rather than backing up the
// queue path.
type tailHub struct {
	mu    sync.Mutex
	conns map[*websocket.Conn]struct{}
	log   zerolog.Logger
}

func newTailHub(log zerolog.Logger) *tailHub {
	return &tailHub{conns: make(map[*websocket.Conn]struct{}), log: log}
}

func (t *tailHub) add(conn *websocket.Conn) {
	t.mu.Lock()
	t.conns[conn] = struct{}{}
	t.mu.Unlock()
	// Reader goroutine: watchers never send, but reading is required to
	// process close frames.
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				t.remove(conn)
				return
			}
		}
	}()
}

func (t *tailHub) remove(conn *websocket.Conn) {
	t.mu.Lock()
	delete(t.conns, conn)
	t.mu.Unlock()
	conn.Close()
}

func (t *tailHub) broadcast(ev Event) {
	payload, err := json.Marshal(ev)
	if err != nil {
		return
	}
	t.mu.Lock()
	conns := make([]*websocket.Conn, 0, len(t.conns))
	for c := range t.conns {
		conns = append(conns, c)
	}
	t.mu.Unlock()
	for _, c := range conns {
		c.SetWriteDeadline(time.Now().Add(2 * time.Second))
		if err := c.WriteMessage(websocket.TextMessage, payload); err != nil {
			t.remove(c)
		}
	}
}
