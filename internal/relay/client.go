// Package relay pulls queued signals from the hub, runs each through the
// reconciliation pipeline, and acknowledges outcomes.
package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"tv-mt5-auto/internal/util"
)

// QueuedSignal is one reserved queue item: the delivery id plus the raw
// webhook payload exactly as the source posted it.
type QueuedSignal struct {
	ID      int64           `json:"id"`
	Payload json.RawMessage `json:"payload"`
}

// Client talks to the hub's pull/ack endpoints. Pulls are idempotent reads
// and retried with backoff; acks are fire-and-forget.
type Client struct {
	baseURL  string
	agentKey string
	http     *http.Client
	log      zerolog.Logger
}

// NewClient builds a hub client with a short request timeout.
func NewClient(baseURL, agentKey string, log zerolog.Logger) *Client {
	return &Client{
		baseURL:  baseURL,
		agentKey: agentKey,
		http:     &http.Client{Timeout: 10 * time.Second},
		log:      log,
	}
}

type pullRequest struct {
	AgentKey string `json:"agent_key"`
	MaxBatch int    `json:"max_batch"`
}

type pullResponse struct {
	OK    bool           `json:"ok"`
	Items []QueuedSignal `json:"items"`
}

type ackRequest struct {
	AgentKey string  `json:"agent_key"`
	IDs      []int64 `json:"ids"`
	Status   string  `json:"status"`
}

// Pull reserves up to maxBatch queued signals. The call is retried up to
// three times with exponential backoff; redelivery of reserved items after
// a crash is the hub's at-least-once contract, not an error.
func (c *Client) Pull(ctx context.Context, maxBatch int) ([]QueuedSignal, error) {
	var items []QueuedSignal
	err := util.Retry(ctx, 3, 500*time.Millisecond, func() error {
		var resp pullResponse
		if err := c.post(ctx, "/pull", pullRequest{AgentKey: c.agentKey, MaxBatch: maxBatch}, &resp); err != nil {
			return err
		}
		items = resp.Items
		return nil
	})
	return items, err
}

// Ack reports outcomes for reserved ids. status is "done" or "failed".
// Failure to ack is surfaced for logging only; the next poll cycle
// continues regardless.
func (c *Client) Ack(ctx context.Context, ids []int64, status string) error {
	if len(ids) == 0 {
		return nil
	}
	return c.post(ctx, "/ack", ackRequest{AgentKey: c.agentKey, IDs: ids, Status: status}, nil)
}

func (c *Client) post(ctx context.Context, path string, body, out any) error {
	buf, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(buf))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("hub %s: %w", path, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 200))
		return fmt.Errorf("hub %s: status %d: %s", path, resp.StatusCode, snippet)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
