// Package hub is the durable signal queue between the webhook source and
// the relay agent: a SQLite-backed FIFO with at-least-once delivery and an
// HTTP surface for ingestion, pulling, and acknowledgement.
package hub

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite" // pure-Go SQLite driver
)

// Item is one stored signal: delivery id plus the raw payload.
type Item struct {
	ID      int64           `json:"id"`
	Payload json.RawMessage `json:"payload"`
}

// Valid queue statuses. A pull moves queued items to reserved; an ack
// finishes them as done or failed. A crash between pull and ack leaves
// items reserved, which an operator can requeue - that is the
// at-least-once contract.
const (
	StatusQueued   = "queued"
	StatusReserved = "reserved"
	StatusDone     = "done"
	StatusFailed   = "failed"
)

const schema = `
CREATE TABLE IF NOT EXISTS signals (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	created_at REAL    NOT NULL,
	payload    TEXT    NOT NULL,
	status     TEXT    NOT NULL DEFAULT 'queued'
);
CREATE INDEX IF NOT EXISTS idx_signals_status ON signals(status);
`

// Store is the SQLite queue.
type Store struct {
	db *sql.DB
}

// Open creates or opens the queue database at path.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open queue db: %w", err)
	}
	// The queue is accessed by one server process; a single connection
	// avoids SQLITE_BUSY on concurrent handler goroutines.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the database.
func (s *Store) Close() error { return s.db.Close() }

// Insert queues a payload and returns its delivery id.
func (s *Store) Insert(ctx context.Context, payload []byte) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		"INSERT INTO signals (created_at, payload, status) VALUES (?, ?, ?)",
		float64(time.Now().UnixNano())/1e9, string(payload), StatusQueued,
	)
	if err != nil {
		return 0, fmt.Errorf("insert signal: %w", err)
	}
	return res.LastInsertId()
}

// Pull reserves up to limit queued items in FIFO order and returns them.
func (s *Store) Pull(ctx context.Context, limit int) ([]Item, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx,
		"SELECT id, payload FROM signals WHERE status = ? ORDER BY id ASC LIMIT ?",
		StatusQueued, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("select queued: %w", err)
	}
	var items []Item
	for rows.Next() {
		var it Item
		var payload string
		if err := rows.Scan(&it.ID, &payload); err != nil {
			rows.Close()
			return nil, err
		}
		it.Payload = json.RawMessage(payload)
		items = append(items, it)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(items) == 0 {
		return nil, tx.Commit()
	}

	ids := make([]int64, len(items))
	for i, it := range items {
		ids[i] = it.ID
	}
	if _, err := tx.ExecContext(ctx,
		"UPDATE signals SET status = ? WHERE id IN ("+placeholders(len(ids))+")",
		args(StatusReserved, ids)...,
	); err != nil {
		return nil, fmt.Errorf("reserve: %w", err)
	}
	return items, tx.Commit()
}

// Ack marks outcomes for delivered ids; status must be done or failed.
func (s *Store) Ack(ctx context.Context, ids []int64, status string) error {
	if status != StatusDone && status != StatusFailed {
		return fmt.Errorf("invalid ack status %q", status)
	}
	if len(ids) == 0 {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		"UPDATE signals SET status = ? WHERE id IN ("+placeholders(len(ids))+")",
		args(status, ids)...,
	)
	if err != nil {
		return fmt.Errorf("ack: %w", err)
	}
	return nil
}

// CountByStatus reports queue depth per status for the health endpoint.
func (s *Store) CountByStatus(ctx context.Context) (map[string]int, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT status, COUNT(*) FROM signals GROUP BY status")
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := map[string]int{}
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		out[status] = n
	}
	return out, rows.Err()
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func args(status string, ids []int64) []any {
	out := make([]any, 0, len(ids)+1)
	out = append(out, status)
	for _, id := range ids {
		out = append(out, id)
	}
	return out
}
